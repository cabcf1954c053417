// Package engine drives hedge execution: paired maker placement across the
// spot and perp venues, active price management while both legs rest, bounded
// resolution of naked positions, and end-of-trade fee reconciliation.
package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/basisflow/hedge-engine/core/config"
	"github.com/basisflow/hedge-engine/core/logging"
	"github.com/basisflow/hedge-engine/core/types"
)

// ═══════════════════════════════════════════════════════════════
// PACING
// ═══════════════════════════════════════════════════════════════

const (
	// postOnlyRetryPause separates consecutive post-only submissions.
	postOnlyRetryPause = 500 * time.Millisecond
	// submitErrorPause follows a failed submission or confirmation attempt.
	submitErrorPause = time.Second
	// cycleRestartPause precedes a fresh-quote restart of the retry ladder.
	cycleRestartPause = 2 * time.Second
	// quoteFailurePause follows a failed quote refresh between ladder cycles.
	quoteFailurePause = 5 * time.Second
	// cancelSettlePause gives a venue time to process a cancel before the
	// replacement order is submitted.
	cancelSettlePause = 2 * time.Second
	// topUpSettlePause gives a fee top-up market order time to fill before
	// the fill price lookup.
	topUpSettlePause = 2 * time.Second
	// shutdownCancelBudget bounds best-effort cancels issued outside the
	// trade context during shutdown.
	shutdownCancelBudget = 10 * time.Second
	// nakedRepriceTicks is the maker offset used when repricing the surviving
	// unfilled leg toward the market.
	nakedRepriceTicks = 2
)

// ═══════════════════════════════════════════════════════════════
// ENGINE
// ═══════════════════════════════════════════════════════════════

// RejectionReader reports asynchronously observed order rejections. The
// stream ingestors populate it; the submit-confirmation protocol reads it.
type RejectionReader interface {
	// Reason returns the rejection reason for a venue order id, if one was
	// observed recently.
	Reason(venueOrderID string) (string, bool)
}

// Engine executes hedge trades chunk by chunk. All venue access goes through
// the gateways; all state reads go through the store. A single Engine is safe
// for one trade at a time.
type Engine struct {
	spot       types.VenueGateway
	perp       types.VenueGateway
	oracle     types.PriceOracle
	orders     types.OrderStore
	lifecycle  types.LifecycleLog
	spreads    types.SpreadHistory
	balances   types.BalanceReader // optional
	rejections RejectionReader     // optional
	recon      *Reconciler
	params     config.EngineParams

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// NewEngineOptions carries the dependencies for NewEngine.
type NewEngineOptions struct {
	SpotGateway    types.VenueGateway
	PerpGateway    types.VenueGateway
	Oracle         types.PriceOracle
	Orders         types.OrderStore
	Lifecycle      types.LifecycleLog
	Events         types.VenueEventLog
	Reconciliation types.ReconciliationStore
	Spreads        types.SpreadHistory

	// Balances enables the pre-trade spot balance check when set.
	Balances types.BalanceReader
	// Rejections enables stream-first submit confirmation when set; without
	// it every confirmation falls through to the REST open-orders lookup.
	Rejections RejectionReader

	Params config.EngineParams
}

// NewEngine wires an execution engine and its fee reconciler.
func NewEngine(options NewEngineOptions) (*Engine, error) {
	if options.SpotGateway == nil || options.PerpGateway == nil {
		return nil, errors.New("both venue gateways are required")
	}
	if options.Oracle == nil {
		return nil, errors.New("price oracle is required")
	}
	if options.Orders == nil || options.Lifecycle == nil || options.Events == nil {
		return nil, errors.New("order store, lifecycle log and event log are required")
	}
	if options.Reconciliation == nil {
		return nil, errors.New("reconciliation store is required")
	}
	if options.Spreads == nil {
		return nil, errors.New("spread history is required")
	}

	recon, err := NewReconciler(NewReconcilerOptions{
		Store:                options.Reconciliation,
		Events:               options.Events,
		Orders:               options.Orders,
		SpotGateway:          options.SpotGateway,
		Oracle:               options.Oracle,
		ResidualUSDThreshold: options.Params.ResidualUSDThreshold,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building fee reconciler")
	}

	return &Engine{
		spot:       options.SpotGateway,
		perp:       options.PerpGateway,
		oracle:     options.Oracle,
		orders:     options.Orders,
		lifecycle:  options.Lifecycle,
		spreads:    options.Spreads,
		balances:   options.Balances,
		rejections: options.Rejections,
		recon:      recon,
		params:     options.Params,
		sleep:      sleepCtx,
		now:        time.Now,
	}, nil
}

// Reconciler exposes the engine's fee reconciler, for callers that finalize
// out of band.
func (e *Engine) Reconciler() *Reconciler {
	return e.recon
}

// ═══════════════════════════════════════════════════════════════
// SHARED HELPERS
// ═══════════════════════════════════════════════════════════════

func (e *Engine) gateway(venue types.Venue) types.VenueGateway {
	if venue == types.VenuePerp {
		return e.perp
	}
	return e.spot
}

// legSide returns the fixed side of a leg: the engine always buys spot and
// sells the perp.
func legSide(venue types.Venue) types.Side {
	if venue == types.VenuePerp {
		return types.SideSell
	}
	return types.SideBuy
}

func otherVenue(venue types.Venue) types.Venue {
	if venue == types.VenuePerp {
		return types.VenueSpot
	}
	return types.VenuePerp
}

func venueQuote(quote *types.ValidatedQuote, venue types.Venue) decimal.Decimal {
	if venue == types.VenuePerp {
		return quote.PerpPrice
	}
	return quote.SpotPrice
}

// upsertLeg writes the current-state row for a freshly placed venue order.
// Execution counters are reset explicitly so a replacement on the same key
// does not inherit the previous order's fills.
func (e *Engine) upsertLeg(ctx context.Context, spec *types.SymbolSpec, key types.OrderKey, orderType types.OrderType, price, quantity decimal.Decimal, venueOrderID string) {
	zero := decimal.Zero
	record := &types.OrderRecord{
		Key:          key,
		Symbol:       spec.VenueSymbol(key.Venue),
		Side:         legSide(key.Venue),
		Type:         orderType,
		Price:        price,
		Quantity:     quantity,
		VenueOrderID: venueOrderID,
		Status:       types.StatusPlaced,
		CumExecQty:   &zero,
		CumExecFee:   &zero,
		NetReceived:  &zero,
	}
	if err := e.orders.Upsert(ctx, record); err != nil {
		logging.Logger.Error("order row upsert failed, status tracking degraded",
			zap.String("key", key.String()),
			zap.String("order_id", venueOrderID),
			zap.Error(err))
	}
}

// appendLifecycle records a lifecycle transition; failures never block the
// trade.
func (e *Engine) appendLifecycle(ctx context.Context, key types.OrderKey, venueOrderID string, eventType types.LifecycleEventType, details map[string]any) {
	event := &types.LifecycleEvent{
		Key:          key,
		VenueOrderID: venueOrderID,
		Type:         eventType,
		Details:      details,
	}
	if err := e.lifecycle.Append(ctx, event); err != nil {
		logging.Logger.Warn("lifecycle append failed",
			zap.String("order_id", venueOrderID),
			zap.String("event", string(eventType)),
			zap.Error(err))
	}
}

func (e *Engine) recordSpread(ctx context.Context, spec *types.SymbolSpec, quote *types.ValidatedQuote) {
	observation := &types.SpreadObservation{
		Symbol:        spec.Asset,
		SpotPrice:     quote.SpotPrice,
		PerpPrice:     quote.PerpPrice,
		SpreadPercent: quote.SpreadPercent,
		MaxAllowed:    e.params.MaxSpreadPercent,
		WithinLimit:   !quote.SpreadPercent.GreaterThan(e.params.MaxSpreadPercent),
	}
	if err := e.spreads.Record(ctx, observation); err != nil {
		logging.Logger.Warn("spread history record failed", zap.Error(err))
	}
}

// remainingQuantity returns the unexecuted portion of the order currently on
// the key, rounded to the symbol's quantity precision. When the row cannot be
// read the fallback is returned unchanged.
func (e *Engine) remainingQuantity(ctx context.Context, spec *types.SymbolSpec, key types.OrderKey, fallback decimal.Decimal) decimal.Decimal {
	row, err := e.orders.Get(ctx, key)
	if err != nil || row == nil {
		return fallback
	}
	base := row.Quantity
	if !base.IsPositive() {
		base = fallback
	}
	if row.CumExecQty == nil || !row.CumExecQty.IsPositive() {
		return base
	}
	return spec.RoundQuantity(base.Sub(*row.CumExecQty))
}

// cancelLeg cancels a resting order, tolerating already-gone orders.
func (e *Engine) cancelLeg(ctx context.Context, spec *types.SymbolSpec, venue types.Venue, venueOrderID string) {
	if venueOrderID == "" {
		return
	}
	input := types.CancelOrderInput{
		Symbol:       spec.VenueSymbol(venue),
		VenueOrderID: venueOrderID,
	}
	if err := e.gateway(venue).CancelOrder(ctx, input); err != nil && !errors.Is(err, types.ErrOrderNotFound) {
		logging.Logger.Error("order cancel failed",
			zap.String("venue", string(venue)),
			zap.String("order_id", venueOrderID),
			zap.Error(err))
	}
}

// cancelLegDetached cancels outside the trade context so shutdown does not
// strand resting orders.
func (e *Engine) cancelLegDetached(spec *types.SymbolSpec, venue types.Venue, venueOrderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownCancelBudget)
	defer cancel()
	e.cancelLeg(ctx, spec, venue, venueOrderID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
