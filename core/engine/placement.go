package engine

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/basisflow/hedge-engine/core/logging"
	"github.com/basisflow/hedge-engine/core/metrics"
	"github.com/basisflow/hedge-engine/core/types"
)

// placeChunk opens one chunk: a confirmed post-only spot buy, then the perp
// sell. A perp failure rolls the spot leg back so no chunk ever starts
// one-sided. Returns both venue order ids.
func (e *Engine) placeChunk(ctx context.Context, spec *types.SymbolSpec, group string, sequence int, quantity decimal.Decimal) (string, string, error) {
	quote, err := e.oracle.ValidatedQuote(ctx, spec.Asset)
	if err != nil {
		return "", "", errors.Wrap(err, "fetching placement quote")
	}
	if quote.SpreadPercent.GreaterThan(e.params.MaxSpreadPercent) {
		e.recordSpread(ctx, spec, quote)
		return "", "", &types.SpreadError{
			Symbol:     spec.Asset,
			Spread:     quote.SpreadPercent,
			MaxAllowed: e.params.MaxSpreadPercent,
		}
	}

	spotPrice := spec.MakerPrice(quote.SpotPrice, types.SideBuy)
	perpPrice := spec.MakerPrice(quote.PerpPrice, types.SideSell)
	logging.Logger.Info("placing chunk orders",
		zap.String("chunk_group", group),
		zap.Int("sequence", sequence),
		zap.String("quantity", quantity.String()),
		zap.String("spot_price", spotPrice.String()),
		zap.String("perp_price", perpPrice.String()),
		zap.String("spread_pct", quote.SpreadPercent.String()))

	spotID, err := e.submitSpotLimit(ctx, spec, quantity, spotPrice)
	if err != nil {
		return "", "", errors.Wrap(err, "placing spot leg")
	}

	perpID, err := e.perp.SubmitOrder(ctx, types.SubmitOrderInput{
		Symbol:   spec.PerpSymbol,
		Side:     types.SideSell,
		Type:     types.OrderTypeLimit,
		Quantity: quantity,
		Price:    perpPrice,
	})
	if err != nil {
		// The spot leg must not rest alone. Cancel it before reporting the
		// perp failure; a failed rollback is flagged for the operator.
		rollbackCtx, cancel := context.WithTimeout(context.Background(), shutdownCancelBudget)
		defer cancel()
		cancelInput := types.CancelOrderInput{Symbol: spec.SpotSymbol, VenueOrderID: spotID}
		if cancelErr := e.spot.CancelOrder(rollbackCtx, cancelInput); cancelErr != nil && !errors.Is(cancelErr, types.ErrOrderNotFound) {
			logging.Logger.Error("rollback cancel failed, spot order may still be resting",
				zap.String("spot_order_id", spotID),
				zap.NamedError("submit_error", err),
				zap.NamedError("cancel_error", cancelErr))
			return "", "", &types.OrderError{
				Venue:          types.VenuePerp,
				Op:             "submit",
				VenueOrderID:   spotID,
				Reason:         err.Error(),
				RollbackFailed: true,
			}
		}
		logging.Logger.Warn("perp submit failed, spot leg rolled back",
			zap.String("spot_order_id", spotID),
			zap.Error(err))
		return "", "", &types.OrderError{Venue: types.VenuePerp, Op: "submit", Reason: err.Error()}
	}

	e.recordPlacement(ctx, spec, group, sequence, quantity, spotPrice, perpPrice, spotID, perpID, quote)
	return spotID, perpID, nil
}

// recordPlacement persists both legs and their PLACED lifecycle entries once
// both venues have accepted, plus the spread that justified the placement.
func (e *Engine) recordPlacement(ctx context.Context, spec *types.SymbolSpec, group string, sequence int, quantity, spotPrice, perpPrice decimal.Decimal, spotID, perpID string, quote *types.ValidatedQuote) {
	spotKey := types.OrderKey{ChunkGroup: group, Sequence: sequence, Venue: types.VenueSpot}
	perpKey := types.OrderKey{ChunkGroup: group, Sequence: sequence, Venue: types.VenuePerp}

	e.upsertLeg(ctx, spec, spotKey, types.OrderTypeLimit, spotPrice, quantity, spotID)
	e.upsertLeg(ctx, spec, perpKey, types.OrderTypeLimit, perpPrice, quantity, perpID)

	e.appendLifecycle(ctx, spotKey, spotID, types.LifecyclePlaced, map[string]any{
		"side":       string(types.SideBuy),
		"price":      spotPrice.String(),
		"quantity":   quantity.String(),
		"order_type": string(types.OrderTypeLimit),
		"post_only":  true,
	})
	e.appendLifecycle(ctx, perpKey, perpID, types.LifecyclePlaced, map[string]any{
		"side":       string(types.SideSell),
		"price":      perpPrice.String(),
		"quantity":   quantity.String(),
		"order_type": string(types.OrderTypeLimit),
		"post_only":  false,
	})
	e.recordSpread(ctx, spec, quote)
}

// submitSpotLimit places a post-only spot buy and keeps retrying until a
// submission is confirmed. Each rejected attempt widens the maker offset by
// one tick from a fresh quote; once the ladder is exhausted the cycle
// restarts from a fresh quote at one tick. Unbounded until fill feedback,
// by way of confirmation, arrives.
func (e *Engine) submitSpotLimit(ctx context.Context, spec *types.SymbolSpec, quantity, price decimal.Decimal) (string, error) {
	for cycle := 1; ; cycle++ {
		for attempt := 1; attempt <= e.params.MaxTickRetries; attempt++ {
			orderID, err := e.spot.SubmitOrder(ctx, types.SubmitOrderInput{
				Symbol:   spec.SpotSymbol,
				Side:     types.SideBuy,
				Type:     types.OrderTypeLimit,
				Quantity: quantity,
				Price:    price,
				PostOnly: true,
			})
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				logging.Logger.Warn("spot submit failed",
					zap.Int("cycle", cycle),
					zap.Int("attempt", attempt),
					zap.Error(err))
				if err := e.sleep(ctx, submitErrorPause); err != nil {
					return "", err
				}
				continue
			}

			confirmed, reason, err := e.confirmSpotSubmit(ctx, spec.SpotSymbol, orderID)
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				logging.Logger.Warn("spot confirmation inconclusive",
					zap.String("order_id", orderID),
					zap.Error(err))
				if err := e.sleep(ctx, submitErrorPause); err != nil {
					return "", err
				}
				continue
			}
			if confirmed {
				logging.Logger.Info("spot order confirmed",
					zap.String("order_id", orderID),
					zap.String("price", price.String()),
					zap.String("quantity", quantity.String()),
					zap.Int("attempt", attempt))
				return orderID, nil
			}

			metrics.PostOnlyRejections.Inc()
			logging.Logger.Info("spot order rejected, widening maker offset",
				zap.String("order_id", orderID),
				zap.String("reason", reason),
				zap.Int("cycle", cycle),
				zap.Int("attempt", attempt))
			if attempt < e.params.MaxTickRetries {
				quote, err := e.oracle.ValidatedQuote(ctx, spec.Asset)
				if err != nil {
					logging.Logger.Warn("quote refresh failed during retry ladder", zap.Error(err))
					if err := e.sleep(ctx, submitErrorPause); err != nil {
						return "", err
					}
					continue
				}
				price = spec.MakerPriceAt(quote.SpotPrice, types.SideBuy, int64(attempt)+1)
			}
			if err := e.sleep(ctx, postOnlyRetryPause); err != nil {
				return "", err
			}
		}

		// Every tick level rejected: the book moved too fast for the stale
		// ladder, so restart from a fresh quote at one tick.
		logging.Logger.Warn("post-only ladder exhausted, restarting from fresh quote",
			zap.Int("cycle", cycle))
		if err := e.sleep(ctx, cycleRestartPause); err != nil {
			return "", err
		}
		quote, err := e.oracle.ValidatedQuote(ctx, spec.Asset)
		if err != nil {
			logging.Logger.Warn("quote refresh failed between ladder cycles", zap.Error(err))
			if err := e.sleep(ctx, quoteFailurePause); err != nil {
				return "", err
			}
			continue
		}
		price = spec.MakerPrice(quote.SpotPrice, types.SideBuy)
	}
}

// confirmSpotSubmit decides whether a submission survived: watch the
// rejection cache within the stream budget, accept early once the quiet
// period passes, and fall back to a REST open-orders lookup when the stream
// stays silent. Returns (accepted, rejection reason, error).
func (e *Engine) confirmSpotSubmit(ctx context.Context, symbol, venueOrderID string) (bool, string, error) {
	start := e.now()
	for e.now().Sub(start) < e.params.ConfirmStreamBudget {
		if err := e.sleep(ctx, e.params.ConfirmPollInterval); err != nil {
			return false, "", err
		}
		if e.rejections == nil {
			continue
		}
		if reason, ok := e.rejections.Reason(venueOrderID); ok {
			return false, reason, nil
		}
		if e.now().Sub(start) >= e.params.ConfirmEarlyAccept {
			return true, "", nil
		}
	}

	// Stream silent: one REST lookup inside the remaining budget.
	remaining := e.params.ConfirmTotalBudget - e.params.ConfirmStreamBudget
	if remaining <= 0 {
		remaining = e.params.ConfirmPollInterval
	}
	restCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	open, err := e.spot.OpenOrders(restCtx, symbol)
	if err != nil {
		return false, "", errors.Wrap(err, "open-orders confirmation fallback")
	}
	for _, order := range open {
		if order.VenueOrderID == venueOrderID {
			return true, "", nil
		}
	}
	return false, "order absent from open orders after submit", nil
}
