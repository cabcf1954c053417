package engine

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/basisflow/hedge-engine/core/types"
)

func TestPlaceChunk_RecordsBothLegs(t *testing.T) {
	f := newEngineFixture(t)
	qty := decimal.RequireFromString("0.002")

	spotID, perpID, err := f.engine.placeChunk(context.Background(), f.spec, "group-1", 1, qty)
	require.NoError(t, err)
	require.Equal(t, "spot-1", spotID)
	require.Equal(t, "perp-1", perpID)

	require.Len(t, f.spot.submits, 1)
	spotSubmit := f.spot.submits[0]
	require.Equal(t, "BTCUSDT", spotSubmit.Symbol)
	require.Equal(t, types.SideBuy, spotSubmit.Side)
	require.True(t, spotSubmit.PostOnly)
	require.Equal(t, "49999.9", spotSubmit.Price.String())

	require.Len(t, f.perp.submits, 1)
	perpSubmit := f.perp.submits[0]
	require.Equal(t, "B-BTC_USDT", perpSubmit.Symbol)
	require.Equal(t, types.SideSell, perpSubmit.Side)
	require.False(t, perpSubmit.PostOnly)
	require.Equal(t, "50005.1", perpSubmit.Price.String())

	// Both rows committed with execution counters reset.
	require.Len(t, f.orders.upserts, 2)
	for _, row := range f.orders.upserts {
		require.Equal(t, types.StatusPlaced, row.Status)
		require.NotNil(t, row.CumExecQty)
		require.True(t, row.CumExecQty.IsZero())
	}

	placed := f.lifecycle.ofType(types.LifecyclePlaced)
	require.Len(t, placed, 2)
	require.Equal(t, true, placed[0].Details["post_only"])
	require.Equal(t, false, placed[1].Details["post_only"])

	require.Len(t, f.spreads.records, 1)
	require.True(t, f.spreads.records[0].WithinLimit)
}

func TestPlaceChunk_SpreadGateBlocksPlacement(t *testing.T) {
	f := newEngineFixture(t)
	f.oracle.quote = testQuote("50000", "50150") // 0.3% > 0.2% limit

	_, _, err := f.engine.placeChunk(context.Background(), f.spec, "group-1", 1, decimal.RequireFromString("0.002"))

	var spreadErr *types.SpreadError
	require.ErrorAs(t, err, &spreadErr)
	require.Equal(t, "BTC", spreadErr.Symbol)
	require.Empty(t, f.spot.submits)
	require.Empty(t, f.perp.submits)
	require.Len(t, f.spreads.records, 1)
	require.False(t, f.spreads.records[0].WithinLimit)
}

func TestPlaceChunk_RollsBackSpotWhenPerpFails(t *testing.T) {
	f := newEngineFixture(t)
	f.perp.submitErrs = []error{errors.New("margin check failed")}

	_, _, err := f.engine.placeChunk(context.Background(), f.spec, "group-1", 1, decimal.RequireFromString("0.002"))

	var orderErr *types.OrderError
	require.ErrorAs(t, err, &orderErr)
	require.Equal(t, types.VenuePerp, orderErr.Venue)
	require.False(t, orderErr.RollbackFailed)

	require.Len(t, f.spot.cancels, 1)
	require.Equal(t, "spot-1", f.spot.cancels[0].VenueOrderID)
	require.Empty(t, f.orders.upserts)
	require.Empty(t, f.lifecycle.events)
}

func TestPlaceChunk_RollbackFailureIsFlagged(t *testing.T) {
	f := newEngineFixture(t)
	f.perp.submitErrs = []error{errors.New("margin check failed")}
	f.spot.cancelErr = errors.New("venue unavailable")

	_, _, err := f.engine.placeChunk(context.Background(), f.spec, "group-1", 1, decimal.RequireFromString("0.002"))

	var orderErr *types.OrderError
	require.ErrorAs(t, err, &orderErr)
	require.True(t, orderErr.RollbackFailed)
	require.Equal(t, "spot-1", orderErr.VenueOrderID)
}

func TestSubmitSpotLimit_WidensOnRejection(t *testing.T) {
	f := newEngineFixture(t)
	f.rejections.put("spot-1", "post only order would take liquidity")
	f.rejections.put("spot-2", "post only order would take liquidity")

	orderID, err := f.engine.submitSpotLimit(context.Background(), f.spec,
		decimal.RequireFromString("0.002"), f.spec.MakerPrice(decimal.NewFromInt(50000), types.SideBuy))
	require.NoError(t, err)
	require.Equal(t, "spot-3", orderID)

	// One tick, then two, then three from the refreshed quote.
	require.Len(t, f.spot.submits, 3)
	require.Equal(t, "49999.9", f.spot.submits[0].Price.String())
	require.Equal(t, "49999.8", f.spot.submits[1].Price.String())
	require.Equal(t, "49999.7", f.spot.submits[2].Price.String())
	for _, submit := range f.spot.submits {
		require.True(t, submit.PostOnly)
	}
}

func TestSubmitSpotLimit_RestartsLadderFromFreshQuote(t *testing.T) {
	f := newEngineFixture(t)
	for _, id := range []string{"spot-1", "spot-2", "spot-3", "spot-4"} {
		f.rejections.put(id, "post only order would take liquidity")
	}
	// The market moved while the whole ladder was getting rejected.
	f.oracle.fn = func(call int) (*types.ValidatedQuote, error) {
		if call <= 3 {
			return testQuote("50000", "50005"), nil
		}
		return testQuote("45000", "45004"), nil
	}

	orderID, err := f.engine.submitSpotLimit(context.Background(), f.spec,
		decimal.RequireFromString("0.002"), f.spec.MakerPrice(decimal.NewFromInt(50000), types.SideBuy))
	require.NoError(t, err)
	require.Equal(t, "spot-5", orderID)

	require.Len(t, f.spot.submits, 5)
	require.Equal(t, "49999.6", f.spot.submits[3].Price.String())
	// Cycle two starts back at one tick from the fresh quote.
	require.Equal(t, "44999.9", f.spot.submits[4].Price.String())
}

func TestSubmitSpotLimit_RetriesAfterSubmitError(t *testing.T) {
	f := newEngineFixture(t)
	f.spot.submitErrs = []error{errors.New("http 503")}

	orderID, err := f.engine.submitSpotLimit(context.Background(), f.spec,
		decimal.RequireFromString("0.002"), decimal.RequireFromString("49999.9"))
	require.NoError(t, err)
	require.Equal(t, "spot-2", orderID)
	require.Len(t, f.spot.submits, 2)
}

func TestSubmitSpotLimit_StopsOnContextCancel(t *testing.T) {
	f := newEngineFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.submitSpotLimit(ctx, f.spec,
		decimal.RequireFromString("0.002"), decimal.RequireFromString("49999.9"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestConfirmSpotSubmit_AcceptsAfterQuietPeriod(t *testing.T) {
	f := newEngineFixture(t)
	start := f.clock.Now()

	confirmed, reason, err := f.engine.confirmSpotSubmit(context.Background(), "BTCUSDT", "x-1")
	require.NoError(t, err)
	require.True(t, confirmed)
	require.Empty(t, reason)
	// Accepted at the early-accept mark, well inside the stream budget.
	require.Equal(t, 500*time.Millisecond, f.clock.Now().Sub(start))
	require.Zero(t, f.spot.openCalls)
}

func TestConfirmSpotSubmit_ReportsCachedRejection(t *testing.T) {
	f := newEngineFixture(t)
	f.rejections.put("x-1", "post only order would take liquidity")

	confirmed, reason, err := f.engine.confirmSpotSubmit(context.Background(), "BTCUSDT", "x-1")
	require.NoError(t, err)
	require.False(t, confirmed)
	require.Equal(t, "post only order would take liquidity", reason)
}

func TestConfirmSpotSubmit_FallsBackToRESTWithoutCache(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.rejections = nil
	f.spot.open = []types.VenueOrder{{VenueOrderID: "x-1", Symbol: "BTCUSDT"}}

	confirmed, _, err := f.engine.confirmSpotSubmit(context.Background(), "BTCUSDT", "x-1")
	require.NoError(t, err)
	require.True(t, confirmed)
	require.Equal(t, 1, f.spot.openCalls)
}

func TestConfirmSpotSubmit_RejectsWhenAbsentFromOpenOrders(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.rejections = nil

	confirmed, reason, err := f.engine.confirmSpotSubmit(context.Background(), "BTCUSDT", "x-1")
	require.NoError(t, err)
	require.False(t, confirmed)
	require.Contains(t, reason, "absent from open orders")
}

func TestConfirmSpotSubmit_RESTErrorIsInconclusive(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.rejections = nil
	f.spot.openErr = errors.New("http 502")

	_, _, err := f.engine.confirmSpotSubmit(context.Background(), "BTCUSDT", "x-1")
	require.Error(t, err)
}
