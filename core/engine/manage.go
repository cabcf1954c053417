package engine

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/basisflow/hedge-engine/core/logging"
	"github.com/basisflow/hedge-engine/core/types"
)

// phase1Result is the outcome of active management: either both legs filled,
// or exactly one did and the other must be resolved.
type phase1Result struct {
	bothFilled bool
	filled     types.Venue // meaningful when bothFilled is false
	spotID     string
	perpID     string
}

// managePhase1 polls both legs until at least one fills, repricing resting
// orders to fresh maker prices every modification interval. Unbounded: while
// neither leg is filled there is no position risk, only time risk.
func (e *Engine) managePhase1(ctx context.Context, spec *types.SymbolSpec, group string, sequence int, spotID, perpID string, quantity decimal.Decimal) (*phase1Result, error) {
	spotKey := types.OrderKey{ChunkGroup: group, Sequence: sequence, Venue: types.VenueSpot}
	perpKey := types.OrderKey{ChunkGroup: group, Sequence: sequence, Venue: types.VenuePerp}
	nextModify := e.now().Add(e.params.ModifyInterval)

	for {
		spotStatus, err := e.orders.VerifyStatus(ctx, spotID)
		if err != nil {
			e.cancelLegDetached(spec, types.VenueSpot, spotID)
			e.cancelLegDetached(spec, types.VenuePerp, perpID)
			return nil, errors.Wrap(err, "verifying spot leg")
		}
		perpStatus, err := e.orders.VerifyStatus(ctx, perpID)
		if err != nil {
			e.cancelLegDetached(spec, types.VenueSpot, spotID)
			e.cancelLegDetached(spec, types.VenuePerp, perpID)
			return nil, errors.Wrap(err, "verifying perp leg")
		}

		spotFilled := spotStatus == types.StatusFilled
		perpFilled := perpStatus == types.StatusFilled
		switch {
		case spotFilled && perpFilled:
			return &phase1Result{bothFilled: true, spotID: spotID, perpID: perpID}, nil
		case spotFilled:
			return &phase1Result{filled: types.VenueSpot, spotID: spotID, perpID: perpID}, nil
		case perpFilled:
			return &phase1Result{filled: types.VenuePerp, spotID: spotID, perpID: perpID}, nil
		}

		if !e.now().Before(nextModify) {
			var result *phase1Result
			spotID, perpID, result, err = e.modificationCycle(ctx, spec, spotKey, perpKey, spotID, perpID, quantity, spotStatus, perpStatus)
			if err != nil {
				return nil, err
			}
			if result != nil {
				return result, nil
			}
			nextModify = e.now().Add(e.params.ModifyInterval)
		}

		if err := e.sleep(ctx, e.params.PollInterval); err != nil {
			// Aborted with neither leg filled: clear both so nothing rests.
			e.cancelLegDetached(spec, types.VenueSpot, spotID)
			e.cancelLegDetached(spec, types.VenuePerp, perpID)
			return nil, err
		}
	}
}

// modificationCycle reprices both resting legs to fresh maker prices. It
// returns the possibly-updated order ids, a result when a fill is discovered
// mid-cycle, and an error only for conditions that abort the chunk. Per-leg
// failures are logged and retried on the next cycle.
func (e *Engine) modificationCycle(ctx context.Context, spec *types.SymbolSpec, spotKey, perpKey types.OrderKey, spotID, perpID string, quantity decimal.Decimal, spotStatus, perpStatus types.OrderStatus) (string, string, *phase1Result, error) {
	if spotStatus == types.StatusCancelled || perpStatus == types.StatusCancelled {
		cancelledVenue, cancelledID := types.VenueSpot, spotID
		survivorVenue, survivorID, survivorStatus := types.VenuePerp, perpID, perpStatus
		if spotStatus != types.StatusCancelled {
			cancelledVenue, cancelledID = types.VenuePerp, perpID
			survivorVenue, survivorID, survivorStatus = types.VenueSpot, spotID, spotStatus
		}
		logging.Logger.Error("order cancelled outside the engine, aborting chunk",
			zap.String("venue", string(cancelledVenue)),
			zap.String("order_id", cancelledID))
		if !survivorStatus.Terminal() {
			e.cancelLeg(ctx, spec, survivorVenue, survivorID)
		}
		return "", "", nil, &types.OrderError{
			Venue:        cancelledVenue,
			Op:           "modify",
			VenueOrderID: cancelledID,
			Reason:       "order cancelled outside the engine",
		}
	}

	quote, err := e.oracle.ValidatedQuote(ctx, spec.Asset)
	if err != nil {
		logging.Logger.Warn("quote unavailable, skipping modification cycle", zap.Error(err))
		return spotID, perpID, nil, nil
	}
	e.recordSpread(ctx, spec, quote)
	if quote.SpreadPercent.GreaterThan(e.params.MaxSpreadPercent) {
		logging.Logger.Error("spread exceeded limit with resting orders, cancelling both legs",
			zap.String("spread_pct", quote.SpreadPercent.String()),
			zap.String("max_pct", e.params.MaxSpreadPercent.String()))
		e.cancelLeg(ctx, spec, types.VenueSpot, spotID)
		e.cancelLeg(ctx, spec, types.VenuePerp, perpID)
		return "", "", nil, &types.SpreadError{
			Symbol:     spec.Asset,
			Spread:     quote.SpreadPercent,
			MaxAllowed: e.params.MaxSpreadPercent,
		}
	}

	spotPrice := spec.MakerPrice(quote.SpotPrice, types.SideBuy)
	perpPrice := spec.MakerPrice(quote.PerpPrice, types.SideSell)

	spotID, spotFilled := e.modifyLeg(ctx, spec, spotKey, spotID, quantity, spotStatus, spotPrice)
	if spotFilled {
		return spotID, perpID, &phase1Result{filled: types.VenueSpot, spotID: spotID, perpID: perpID}, nil
	}
	perpID, perpFilled := e.modifyLeg(ctx, spec, perpKey, perpID, quantity, perpStatus, perpPrice)
	if perpFilled {
		return spotID, perpID, &phase1Result{filled: types.VenuePerp, spotID: spotID, perpID: perpID}, nil
	}
	return spotID, perpID, nil, nil
}

// modifyLeg moves one leg to a new price: resting orders are amended or
// cancel-replaced, rejected ones are resubmitted. Returns the current order
// id and whether a fill was discovered along the way.
func (e *Engine) modifyLeg(ctx context.Context, spec *types.SymbolSpec, key types.OrderKey, venueOrderID string, quantity decimal.Decimal, status types.OrderStatus, newPrice decimal.Decimal) (string, bool) {
	switch status {
	case types.StatusRejected:
		newID, filled, err := e.replaceLeg(ctx, spec, key, quantity, newPrice, status)
		if err != nil {
			logging.Logger.Warn("leg replacement failed",
				zap.String("key", key.String()),
				zap.Error(err))
			return venueOrderID, false
		}
		if filled {
			return venueOrderID, true
		}
		return newID, false
	case types.StatusOpen, types.StatusPlaced:
		newID, filled, err := e.repriceOrReplace(ctx, spec, key, venueOrderID, quantity, newPrice)
		if err != nil {
			logging.Logger.Warn("order modification failed",
				zap.String("key", key.String()),
				zap.String("order_id", venueOrderID),
				zap.Error(err))
			return venueOrderID, false
		}
		return newID, filled
	default:
		return venueOrderID, false
	}
}

// replaceLeg submits a fresh limit order for a leg whose previous order
// reached a terminal non-filled state, covering the remaining unexecuted
// quantity. The spot leg goes back through the post-only ladder.
func (e *Engine) replaceLeg(ctx context.Context, spec *types.SymbolSpec, key types.OrderKey, fallbackQty, price decimal.Decimal, prior types.OrderStatus) (string, bool, error) {
	remaining := e.remainingQuantity(ctx, spec, key, fallbackQty)
	if !remaining.IsPositive() {
		return "", true, nil
	}

	var venueOrderID string
	var err error
	if key.Venue == types.VenueSpot {
		venueOrderID, err = e.submitSpotLimit(ctx, spec, remaining, price)
	} else {
		venueOrderID, err = e.perp.SubmitOrder(ctx, types.SubmitOrderInput{
			Symbol:   spec.PerpSymbol,
			Side:     types.SideSell,
			Type:     types.OrderTypeLimit,
			Quantity: remaining,
			Price:    price,
		})
	}
	if err != nil {
		return "", false, err
	}

	e.upsertLeg(ctx, spec, key, types.OrderTypeLimit, price, remaining, venueOrderID)
	e.appendLifecycle(ctx, key, venueOrderID, types.LifecycleReplaced, map[string]any{
		"prior_status": string(prior),
		"price":        price.String(),
		"quantity":     remaining.String(),
	})
	logging.Logger.Info("leg replaced after terminal status",
		zap.String("venue", string(key.Venue)),
		zap.String("prior_status", string(prior)),
		zap.String("order_id", venueOrderID),
		zap.String("price", price.String()))
	return venueOrderID, false, nil
}

// repriceOrReplace amends a resting order to a new price, falling back to
// cancel+replace on venues without amendment. Returns the current order id
// and whether the order turned out to be filled.
func (e *Engine) repriceOrReplace(ctx context.Context, spec *types.SymbolSpec, key types.OrderKey, venueOrderID string, fallbackQty, newPrice decimal.Decimal) (string, bool, error) {
	amendInput := types.AmendOrderInput{
		Symbol:       spec.VenueSymbol(key.Venue),
		VenueOrderID: venueOrderID,
		NewPrice:     newPrice,
	}
	err := e.gateway(key.Venue).AmendOrder(ctx, amendInput)
	switch {
	case err == nil:
		e.appendLifecycle(ctx, key, venueOrderID, types.LifecycleModified, map[string]any{
			"new_price": newPrice.String(),
		})
		logging.Logger.Debug("order amended",
			zap.String("venue", string(key.Venue)),
			zap.String("order_id", venueOrderID),
			zap.String("new_price", newPrice.String()))
		return venueOrderID, false, nil
	case errors.Is(err, types.ErrAmendNotSupported):
		return e.cancelAndReplace(ctx, spec, key, venueOrderID, fallbackQty, newPrice)
	case errors.Is(err, types.ErrOrderNotFound):
		status, verr := e.orders.VerifyStatus(ctx, venueOrderID)
		if verr == nil && status == types.StatusFilled {
			return venueOrderID, true, nil
		}
		logging.Logger.Warn("amend target gone without a recorded fill",
			zap.String("order_id", venueOrderID))
		return venueOrderID, false, nil
	default:
		return venueOrderID, false, errors.Wrap(err, "amending order")
	}
}

// cancelAndReplace is the repricing path for venues without order amendment:
// verify the order is still worth moving, cancel it, wait for the venue to
// settle, then submit a replacement for the remaining quantity.
func (e *Engine) cancelAndReplace(ctx context.Context, spec *types.SymbolSpec, key types.OrderKey, venueOrderID string, fallbackQty, newPrice decimal.Decimal) (string, bool, error) {
	status, err := e.orders.VerifyStatus(ctx, venueOrderID)
	if err == nil {
		if status == types.StatusFilled {
			return venueOrderID, true, nil
		}
		if status.Terminal() {
			logging.Logger.Warn("skipping replacement, order already terminal",
				zap.String("order_id", venueOrderID),
				zap.String("status", string(status)))
			return venueOrderID, false, nil
		}
	}

	gateway := e.gateway(key.Venue)
	cancelInput := types.CancelOrderInput{
		Symbol:       spec.VenueSymbol(key.Venue),
		VenueOrderID: venueOrderID,
	}
	if err := gateway.CancelOrder(ctx, cancelInput); err != nil {
		// The order may have filled during the round-trip; check before
		// pressing on with a replacement.
		logging.Logger.Warn("cancel before replacement failed",
			zap.String("order_id", venueOrderID),
			zap.Error(err))
		verified, verr := e.orders.VerifyStatus(ctx, venueOrderID)
		if verr == nil && verified == types.StatusFilled {
			return venueOrderID, true, nil
		}
	}
	if err := e.sleep(ctx, cancelSettlePause); err != nil {
		return venueOrderID, false, err
	}

	remaining := e.remainingQuantity(ctx, spec, key, fallbackQty)
	if !remaining.IsPositive() {
		return venueOrderID, true, nil
	}

	newID, err := gateway.SubmitOrder(ctx, types.SubmitOrderInput{
		Symbol:   spec.VenueSymbol(key.Venue),
		Side:     legSide(key.Venue),
		Type:     types.OrderTypeLimit,
		Quantity: remaining,
		Price:    newPrice,
		PostOnly: key.Venue == types.VenueSpot,
	})
	if err != nil {
		return venueOrderID, false, errors.Wrap(err, "submitting replacement order")
	}

	e.upsertLeg(ctx, spec, key, types.OrderTypeLimit, newPrice, remaining, newID)
	e.appendLifecycle(ctx, key, newID, types.LifecycleReplaced, map[string]any{
		"old_order_id": venueOrderID,
		"price":        newPrice.String(),
		"quantity":     remaining.String(),
		"reason":       "amend_unsupported",
	})
	logging.Logger.Info("order replaced",
		zap.String("venue", string(key.Venue)),
		zap.String("old_order_id", venueOrderID),
		zap.String("new_order_id", newID),
		zap.String("price", newPrice.String()))
	return newID, false, nil
}
