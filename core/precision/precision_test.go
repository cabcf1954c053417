package precision

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/basisflow/hedge-engine/core/config"
	"github.com/basisflow/hedge-engine/core/types"
)

// stubGateway serves InstrumentPrecision from a canned table; everything else
// is unreachable in these tests.
type stubGateway struct {
	venue types.Venue
	rules map[string][2]int32 // venue symbol -> (quantity, price) decimals
	err   error
	calls int
}

var _ types.VenueGateway = (*stubGateway)(nil)

func (g *stubGateway) Name() types.Venue    { return g.venue }
func (g *stubGateway) AmendSupported() bool { return true }

func (g *stubGateway) SubmitOrder(ctx context.Context, input types.SubmitOrderInput) (string, error) {
	return "", errors.New("not wired")
}

func (g *stubGateway) AmendOrder(ctx context.Context, input types.AmendOrderInput) error {
	return errors.New("not wired")
}

func (g *stubGateway) CancelOrder(ctx context.Context, input types.CancelOrderInput) error {
	return errors.New("not wired")
}

func (g *stubGateway) OpenOrders(ctx context.Context, symbol string) ([]types.VenueOrder, error) {
	return nil, errors.New("not wired")
}

func (g *stubGateway) OrderHistory(ctx context.Context, symbol, venueOrderID string) (*types.VenueOrder, error) {
	return nil, errors.New("not wired")
}

func (g *stubGateway) InstrumentPrecision(ctx context.Context, symbol string) (int32, int32, error) {
	g.calls++
	if g.err != nil {
		return 0, 0, g.err
	}
	rule, ok := g.rules[symbol]
	if !ok {
		return 0, 0, errors.Errorf("no rule for %s", symbol)
	}
	return rule[0], rule[1], nil
}

func newTestRefresher(t *testing.T, spot, perp *stubGateway) (*Refresher, *config.SymbolTable, string) {
	t.Helper()
	symbols := config.DefaultSymbols()
	cachePath := filepath.Join(t.TempDir(), "precision.json")
	r, err := NewRefresher(NewRefresherOptions{
		SpotGateway: spot,
		PerpGateway: perp,
		Symbols:     symbols,
		CachePath:   cachePath,
	})
	require.NoError(t, err)
	return r, symbols, cachePath
}

func TestRefresher_Refresh_AppliesStricterVenuePrecision(t *testing.T) {
	spot := &stubGateway{venue: types.VenueSpot, rules: map[string][2]int32{
		"BTCUSDT": {6, 1},
		"ETHUSDT": {5, 2},
	}}
	perp := &stubGateway{venue: types.VenuePerp, rules: map[string][2]int32{
		"B-BTC_USDT": {3, 1},
		"B-ETH_USDT": {6, 2},
	}}
	r, symbols, cachePath := newTestRefresher(t, spot, perp)

	require.NoError(t, r.Refresh(context.Background()))

	btc, err := symbols.Get("BTC")
	require.NoError(t, err)
	require.Equal(t, int32(3), btc.QuantityPrecision, "perp is stricter for BTC")

	eth, err := symbols.Get("ETH")
	require.NoError(t, err)
	require.Equal(t, int32(5), eth.QuantityPrecision, "spot is stricter for ETH")

	data, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	var file cacheFile
	require.NoError(t, json.Unmarshal(data, &file))
	require.False(t, file.FetchedAt.IsZero())
	require.Equal(t, int32(3), file.Instruments["BTC"].QuantityPrecision)
	require.Equal(t, int32(5), file.Instruments["ETH"].QuantityPrecision)
}

func TestRefresher_Refresh_FetchFailureFallsBackToCache(t *testing.T) {
	spot := &stubGateway{venue: types.VenueSpot, err: errors.New("venue down")}
	perp := &stubGateway{venue: types.VenuePerp}
	r, symbols, cachePath := newTestRefresher(t, spot, perp)

	cached := cacheFile{
		FetchedAt: time.Now().Add(-time.Hour),
		Instruments: map[string]instrumentRules{
			"BTC": {QuantityPrecision: 4, PricePrecision: 1},
			"ETH": {QuantityPrecision: 4, PricePrecision: 2},
		},
	}
	data, err := json.Marshal(cached)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cachePath, data, 0o644))

	require.NoError(t, r.Refresh(context.Background()))

	btc, err := symbols.Get("BTC")
	require.NoError(t, err)
	require.Equal(t, int32(4), btc.QuantityPrecision)
}

func TestRefresher_Refresh_StaleCacheStillApplies(t *testing.T) {
	spot := &stubGateway{venue: types.VenueSpot, err: errors.New("venue down")}
	perp := &stubGateway{venue: types.VenuePerp}
	r, symbols, cachePath := newTestRefresher(t, spot, perp)

	cached := cacheFile{
		FetchedAt: time.Now().Add(-8 * 24 * time.Hour),
		Instruments: map[string]instrumentRules{
			"BTC": {QuantityPrecision: 5, PricePrecision: 1},
			"ETH": {QuantityPrecision: 5, PricePrecision: 2},
		},
	}
	data, err := json.Marshal(cached)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cachePath, data, 0o644))

	require.NoError(t, r.Refresh(context.Background()))

	eth, err := symbols.Get("ETH")
	require.NoError(t, err)
	require.Equal(t, int32(5), eth.QuantityPrecision)
}

func TestRefresher_Refresh_NoSourceKeepsStaticTable(t *testing.T) {
	spot := &stubGateway{venue: types.VenueSpot, err: errors.New("venue down")}
	perp := &stubGateway{venue: types.VenuePerp}
	r, symbols, _ := newTestRefresher(t, spot, perp)

	err := r.Refresh(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "cache unusable")

	// Static defaults survive untouched.
	btc, err := symbols.Get("BTC")
	require.NoError(t, err)
	require.Equal(t, int32(6), btc.QuantityPrecision)
}

func TestRefresher_Refresh_PartialVenueFailureUsesNoFetchedValues(t *testing.T) {
	// Spot serves BTC but not ETH; the whole fetch must abort rather than mix
	// live and static rules.
	spot := &stubGateway{venue: types.VenueSpot, rules: map[string][2]int32{
		"BTCUSDT": {6, 1},
	}}
	perp := &stubGateway{venue: types.VenuePerp, rules: map[string][2]int32{
		"B-BTC_USDT": {6, 1},
		"B-ETH_USDT": {6, 2},
	}}
	r, symbols, _ := newTestRefresher(t, spot, perp)

	require.Error(t, r.Refresh(context.Background()))

	btc, err := symbols.Get("BTC")
	require.NoError(t, err)
	require.Equal(t, int32(6), btc.QuantityPrecision)
}
