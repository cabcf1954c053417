package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/basisflow/hedge-engine/core/config"
	"github.com/basisflow/hedge-engine/core/types"
)

// ═══════════════════════════════════════════════════════════════
// FAKE CLOCK
// ═══════════════════════════════════════════════════════════════

// fakeClock makes every engine wait deterministic: Sleep advances the clock
// instead of blocking, so deadline loops run instantly.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

// ═══════════════════════════════════════════════════════════════
// FAKE VENUE GATEWAY
// ═══════════════════════════════════════════════════════════════

type fakeGateway struct {
	mu    sync.Mutex
	venue types.Venue

	submits []types.SubmitOrderInput
	amends  []types.AmendOrderInput
	cancels []types.CancelOrderInput

	nextIDs    []string // ids to hand out; auto-generated when empty
	submitErrs []error  // consumed per call; nil entries succeed
	amendErr   error
	cancelErr  error
	open       []types.VenueOrder
	openErr    error
	openCalls  int
	history    map[string]*types.VenueOrder
	historyErr error
}

var _ types.VenueGateway = (*fakeGateway)(nil)

func newFakeGateway(venue types.Venue) *fakeGateway {
	return &fakeGateway{venue: venue, history: make(map[string]*types.VenueOrder)}
}

func (g *fakeGateway) Name() types.Venue    { return g.venue }
func (g *fakeGateway) AmendSupported() bool { return true }

func (g *fakeGateway) SubmitOrder(ctx context.Context, input types.SubmitOrderInput) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := input.Validate(); err != nil {
		return "", err
	}
	g.submits = append(g.submits, input)
	if len(g.submitErrs) > 0 {
		err := g.submitErrs[0]
		g.submitErrs = g.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if len(g.nextIDs) > 0 {
		id := g.nextIDs[0]
		g.nextIDs = g.nextIDs[1:]
		return id, nil
	}
	return fmt.Sprintf("%s-%d", g.venue, len(g.submits)), nil
}

func (g *fakeGateway) AmendOrder(ctx context.Context, input types.AmendOrderInput) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := input.Validate(); err != nil {
		return err
	}
	g.amends = append(g.amends, input)
	return g.amendErr
}

func (g *fakeGateway) CancelOrder(ctx context.Context, input types.CancelOrderInput) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := input.Validate(); err != nil {
		return err
	}
	g.cancels = append(g.cancels, input)
	return g.cancelErr
}

func (g *fakeGateway) OpenOrders(ctx context.Context, symbol string) ([]types.VenueOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openCalls++
	if g.openErr != nil {
		return nil, g.openErr
	}
	return g.open, nil
}

func (g *fakeGateway) OrderHistory(ctx context.Context, symbol, venueOrderID string) (*types.VenueOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.historyErr != nil {
		return nil, g.historyErr
	}
	order, ok := g.history[venueOrderID]
	if !ok {
		return nil, types.ErrOrderNotFound
	}
	return order, nil
}

func (g *fakeGateway) InstrumentPrecision(ctx context.Context, symbol string) (int32, int32, error) {
	return 6, 1, nil
}

// ═══════════════════════════════════════════════════════════════
// FAKE ORACLE
// ═══════════════════════════════════════════════════════════════

type fakeOracle struct {
	mu    sync.Mutex
	calls int
	quote *types.ValidatedQuote
	err   error
	// fn overrides quote/err when set; call counting starts at 1.
	fn func(call int) (*types.ValidatedQuote, error)
}

var _ types.PriceOracle = (*fakeOracle)(nil)

func (o *fakeOracle) ValidatedQuote(ctx context.Context, symbol string) (*types.ValidatedQuote, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.fn != nil {
		return o.fn(o.calls)
	}
	if o.err != nil {
		return nil, o.err
	}
	return o.quote, nil
}

func testQuote(spot, perp string) *types.ValidatedQuote {
	s := decimal.RequireFromString(spot)
	p := decimal.RequireFromString(perp)
	spread := p.Sub(s).Div(s).Mul(decimal.NewFromInt(100)).Abs()
	return &types.ValidatedQuote{
		Symbol:        "BTC",
		SpotPrice:     s,
		PerpPrice:     p,
		SpreadPercent: spread,
		SpotTime:      time.Unix(1700000000, 0),
		PerpTime:      time.Unix(1700000000, 0),
	}
}

// ═══════════════════════════════════════════════════════════════
// FAKE STORES
// ═══════════════════════════════════════════════════════════════

// fakeOrders keeps rows in memory and answers VerifyStatus from scripted
// per-order sequences; the last status in a sequence repeats forever.
type fakeOrders struct {
	mu        sync.Mutex
	rows      map[types.OrderKey]*types.OrderRecord
	upserts   []*types.OrderRecord
	statuses  map[string][]types.OrderStatus
	verifyErr map[string]error
}

var _ types.OrderStore = (*fakeOrders)(nil)

func newFakeOrders() *fakeOrders {
	return &fakeOrders{
		rows:      make(map[types.OrderKey]*types.OrderRecord),
		statuses:  make(map[string][]types.OrderStatus),
		verifyErr: make(map[string]error),
	}
}

func (f *fakeOrders) script(venueOrderID string, seq ...types.OrderStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[venueOrderID] = seq
}

func (f *fakeOrders) seed(record *types.OrderRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[record.Key] = record
}

func (f *fakeOrders) Upsert(ctx context.Context, record *types.OrderRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := record.Validate(); err != nil {
		return err
	}
	f.rows[record.Key] = record
	f.upserts = append(f.upserts, record)
	return nil
}

func (f *fakeOrders) Get(ctx context.Context, key types.OrderKey) (*types.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[key], nil
}

func (f *fakeOrders) GetByVenueOrderID(ctx context.Context, venueOrderID string) (*types.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.VenueOrderID == venueOrderID {
			return row, nil
		}
	}
	return nil, nil
}

func (f *fakeOrders) UpdateFromEvent(ctx context.Context, event *types.OrderEvent) error {
	return nil
}

func (f *fakeOrders) VerifyStatus(ctx context.Context, venueOrderID string) (types.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.verifyErr[venueOrderID]; err != nil {
		return "", err
	}
	seq := f.statuses[venueOrderID]
	if len(seq) == 0 {
		for _, row := range f.rows {
			if row.VenueOrderID == venueOrderID {
				return row.Status, nil
			}
		}
		return "", errors.Errorf("no scripted status for %s", venueOrderID)
	}
	status := seq[0]
	if len(seq) > 1 {
		f.statuses[venueOrderID] = seq[1:]
	}
	return status, nil
}

func (f *fakeOrders) VerifyStatusWith(ctx context.Context, venueOrderID string, retries int, delay time.Duration) (types.OrderStatus, error) {
	return f.VerifyStatus(ctx, venueOrderID)
}

type fakeLifecycle struct {
	mu     sync.Mutex
	events []*types.LifecycleEvent
	err    error
}

var _ types.LifecycleLog = (*fakeLifecycle)(nil)

func (f *fakeLifecycle) Append(ctx context.Context, event *types.LifecycleEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeLifecycle) Latest(ctx context.Context, venueOrderID string) (*types.LifecycleEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].VenueOrderID == venueOrderID {
			return f.events[i], nil
		}
	}
	return nil, nil
}

func (f *fakeLifecycle) ofType(eventType types.LifecycleEventType) []*types.LifecycleEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.LifecycleEvent
	for _, event := range f.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// fakeEvents answers fee sums per chunk sequence; the chunk group is ignored
// because trades generate it at random.
type fakeEvents struct {
	mu      sync.Mutex
	records []*types.VenueEventRecord
	fees    map[int]*types.ChunkFees
	feesErr error
}

var _ types.VenueEventLog = (*fakeEvents)(nil)

func newFakeEvents() *fakeEvents {
	return &fakeEvents{fees: make(map[int]*types.ChunkFees)}
}

func (f *fakeEvents) setFees(sequence int, fees *types.ChunkFees) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fees[sequence] = fees
}

func (f *fakeEvents) Append(ctx context.Context, record *types.VenueEventRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeEvents) ChunkTotalFees(ctx context.Context, group string, sequence int, venue types.Venue) (*types.ChunkFees, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feesErr != nil {
		return nil, f.feesErr
	}
	if fees, ok := f.fees[sequence]; ok {
		return fees, nil
	}
	return &types.ChunkFees{}, nil
}

type fakeReconStore struct {
	mu       sync.Mutex
	records  map[string]*types.ReconciliationRecord
	setCalls int
	initErr  error
	addErr   error
	getErr   error
	setErr   error
}

var _ types.ReconciliationStore = (*fakeReconStore)(nil)

func newFakeReconStore() *fakeReconStore {
	return &fakeReconStore{records: make(map[string]*types.ReconciliationRecord)}
}

func (f *fakeReconStore) Initialize(ctx context.Context, group, symbol string, totalChunks int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	if _, ok := f.records[group]; !ok {
		f.records[group] = &types.ReconciliationRecord{
			ChunkGroup:  group,
			Symbol:      symbol,
			TotalChunks: totalChunks,
		}
	}
	return nil
}

func (f *fakeReconStore) AddChunk(ctx context.Context, group string, orderedQty, feeBase, netReceived decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	record, ok := f.records[group]
	if !ok {
		return errors.Errorf("no record for group %s", group)
	}
	record.TotalOrderedQty = record.TotalOrderedQty.Add(orderedQty)
	record.TotalFeeBase = record.TotalFeeBase.Add(feeBase)
	record.TotalNetReceived = record.TotalNetReceived.Add(netReceived)
	record.CompletedChunks++
	return nil
}

func (f *fakeReconStore) Get(ctx context.Context, group string) (*types.ReconciliationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.records[group], nil
}

func (f *fakeReconStore) SetTopUp(ctx context.Context, group string, orderID *string, status types.TopUpStatus, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls++
	if f.setErr != nil {
		return f.setErr
	}
	record, ok := f.records[group]
	if !ok {
		return errors.Errorf("no record for group %s", group)
	}
	record.TopUpOrderID = orderID
	record.TopUpStatus = &status
	record.Notes = notes
	return nil
}

// single returns the only record; fails the test otherwise.
func (f *fakeReconStore) single(t *testing.T) *types.ReconciliationRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.records, 1)
	for _, record := range f.records {
		return record
	}
	return nil
}

type fakeSpreads struct {
	mu      sync.Mutex
	records []*types.SpreadObservation
	err     error
}

var _ types.SpreadHistory = (*fakeSpreads)(nil)

func (f *fakeSpreads) Record(ctx context.Context, obs *types.SpreadObservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, obs)
	return nil
}

type fakeBalances struct {
	balances map[string]*types.AccountBalance
	err      error
}

var _ types.BalanceReader = (*fakeBalances)(nil)

func (f *fakeBalances) Balance(ctx context.Context, asset string) (*types.AccountBalance, error) {
	if f.err != nil {
		return nil, f.err
	}
	balance, ok := f.balances[asset]
	if !ok {
		return nil, errors.Errorf("no balance for %s", asset)
	}
	return balance, nil
}

type fakeRejections struct {
	mu      sync.Mutex
	reasons map[string]string
}

var _ RejectionReader = (*fakeRejections)(nil)

func (f *fakeRejections) put(venueOrderID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reasons == nil {
		f.reasons = make(map[string]string)
	}
	f.reasons[venueOrderID] = reason
}

func (f *fakeRejections) Reason(venueOrderID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.reasons[venueOrderID]
	return reason, ok
}

// ═══════════════════════════════════════════════════════════════
// FIXTURE
// ═══════════════════════════════════════════════════════════════

type engineFixture struct {
	engine     *Engine
	clock      *fakeClock
	spot       *fakeGateway
	perp       *fakeGateway
	oracle     *fakeOracle
	orders     *fakeOrders
	lifecycle  *fakeLifecycle
	events     *fakeEvents
	recon      *fakeReconStore
	spreads    *fakeSpreads
	rejections *fakeRejections
	spec       *types.SymbolSpec
}

func testParams() config.EngineParams {
	return config.EngineParams{
		MaxSpreadPercent:        decimal.RequireFromString("0.2"),
		SpreadSanityPercent:     decimal.RequireFromString("5"),
		PriceFreshness:          30 * time.Second,
		PollInterval:            time.Second,
		ModifyInterval:          5 * time.Second,
		NakedAttemptWait:        5 * time.Second,
		NakedAttempts:           2,
		MarketFillWait:          30 * time.Second,
		ConfirmStreamBudget:     2 * time.Second,
		ConfirmTotalBudget:      2500 * time.Millisecond,
		ConfirmEarlyAccept:      500 * time.Millisecond,
		ConfirmPollInterval:     100 * time.Millisecond,
		MaxTickRetries:          4,
		StatusRetries:           3,
		StatusRetryDelay:        500 * time.Millisecond,
		AggressiveStatusRetries: 10,
		AggressiveStatusDelay:   500 * time.Millisecond,
		ResidualUSDThreshold:    decimal.NewFromInt(1),
	}
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	f := &engineFixture{
		clock:      newFakeClock(),
		spot:       newFakeGateway(types.VenueSpot),
		perp:       newFakeGateway(types.VenuePerp),
		oracle:     &fakeOracle{quote: testQuote("50000", "50005")},
		orders:     newFakeOrders(),
		lifecycle:  &fakeLifecycle{},
		events:     newFakeEvents(),
		recon:      newFakeReconStore(),
		spreads:    &fakeSpreads{},
		rejections: &fakeRejections{},
	}

	eng, err := NewEngine(NewEngineOptions{
		SpotGateway:    f.spot,
		PerpGateway:    f.perp,
		Oracle:         f.oracle,
		Orders:         f.orders,
		Lifecycle:      f.lifecycle,
		Events:         f.events,
		Reconciliation: f.recon,
		Spreads:        f.spreads,
		Rejections:     f.rejections,
		Params:         testParams(),
	})
	require.NoError(t, err)
	eng.sleep = f.clock.Sleep
	eng.now = f.clock.Now
	eng.recon.sleep = f.clock.Sleep
	f.engine = eng

	spec, err := config.DefaultSymbols().Get("BTC")
	require.NoError(t, err)
	f.spec = spec
	return f
}

func chunkKey(venue types.Venue) types.OrderKey {
	return types.OrderKey{ChunkGroup: "group-1", Sequence: 1, Venue: venue}
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(NewEngineOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "gateway")
}
