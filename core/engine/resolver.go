package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/basisflow/hedge-engine/core/logging"
	"github.com/basisflow/hedge-engine/core/metrics"
	"github.com/basisflow/hedge-engine/core/types"
)

// resolveNakedPosition closes the unfilled leg after the other side filled.
// Bounded: a few maker attempts near the market, a grace check, then a
// market order. Crossing the spread beats carrying one-sided exposure.
// Spread limits are not enforced here; closing the hedge takes priority.
func (e *Engine) resolveNakedPosition(ctx context.Context, spec *types.SymbolSpec, group string, sequence int, venue types.Venue, venueOrderID string, quantity decimal.Decimal) error {
	start := e.now()
	defer func() {
		metrics.NakedPositionSeconds.Observe(e.now().Sub(start).Seconds())
	}()

	key := types.OrderKey{ChunkGroup: group, Sequence: sequence, Venue: venue}
	logging.Logger.Warn("naked position, resolving unfilled leg",
		zap.String("venue", string(venue)),
		zap.String("order_id", venueOrderID),
		zap.String("quantity", quantity.String()))

	for attempt := 1; attempt <= e.params.NakedAttempts; attempt++ {
		if err := e.sleep(ctx, e.params.NakedAttemptWait); err != nil {
			return e.abandonResolution(spec, venue, venueOrderID, quantity, err)
		}

		status, err := e.orders.VerifyStatus(ctx, venueOrderID)
		if err != nil {
			logging.Logger.Warn("status verification failed during resolution",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		if status == types.StatusFilled {
			logging.Logger.Info("unfilled leg caught up, hedge complete",
				zap.String("order_id", venueOrderID),
				zap.Int("attempt", attempt))
			return nil
		}

		quote, err := e.oracle.ValidatedQuote(ctx, spec.Asset)
		if err != nil {
			logging.Logger.Warn("quote unavailable during resolution, keeping current price",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		price := spec.MakerPriceAt(venueQuote(quote, venue), legSide(venue), nakedRepriceTicks)

		if status.Terminal() {
			newID, filled, err := e.replaceLeg(ctx, spec, key, quantity, price, status)
			if err != nil {
				logging.Logger.Warn("replacement failed during resolution", zap.Error(err))
				continue
			}
			if filled {
				return nil
			}
			venueOrderID = newID
			continue
		}

		newID, filled, err := e.repriceOrReplace(ctx, spec, key, venueOrderID, quantity, price)
		if err != nil {
			logging.Logger.Warn("reprice failed during resolution", zap.Error(err))
			continue
		}
		if filled {
			logging.Logger.Info("unfilled leg filled during reprice", zap.String("order_id", venueOrderID))
			return nil
		}
		venueOrderID = newID
	}

	// Grace period: one last chance at maker pricing before paying taker.
	if err := e.sleep(ctx, e.params.NakedAttemptWait); err != nil {
		return e.abandonResolution(spec, venue, venueOrderID, quantity, err)
	}
	if status, err := e.orders.VerifyStatus(ctx, venueOrderID); err == nil && status == types.StatusFilled {
		logging.Logger.Info("unfilled leg filled during grace period",
			zap.String("order_id", venueOrderID))
		return nil
	}

	return e.marketFallback(ctx, spec, key, venue, venueOrderID, quantity, start)
}

// abandonResolution handles a context abort while a leg is still naked: the
// resting order is cleared so nothing new fills, and the exposure is logged
// for the operator.
func (e *Engine) abandonResolution(spec *types.SymbolSpec, venue types.Venue, venueOrderID string, quantity decimal.Decimal, cause error) error {
	e.cancelLegDetached(spec, venue, venueOrderID)
	logging.Logger.Error("resolution aborted with naked position, manual hedge required",
		zap.String("venue", string(venue)),
		zap.String("symbol", spec.Asset),
		zap.String("quantity", quantity.String()),
		zap.Error(cause))
	return cause
}

// marketFallback cancels the resting limit order and crosses the spread with
// a market order for whatever quantity remains unexecuted.
func (e *Engine) marketFallback(ctx context.Context, spec *types.SymbolSpec, key types.OrderKey, venue types.Venue, venueOrderID string, quantity decimal.Decimal, start time.Time) error {
	metrics.MarketFallbacks.WithLabelValues(string(venue)).Inc()
	logging.Logger.Warn("resolution attempts exhausted, falling back to market order",
		zap.String("venue", string(venue)),
		zap.String("order_id", venueOrderID))

	gateway := e.gateway(venue)
	cancelInput := types.CancelOrderInput{
		Symbol:       spec.VenueSymbol(venue),
		VenueOrderID: venueOrderID,
	}
	if err := gateway.CancelOrder(ctx, cancelInput); err != nil {
		// Cancels race against fills; a just-in-time fill shows up as a
		// failed cancel. Verify aggressively before concluding anything.
		status, verr := e.orders.VerifyStatusWith(ctx, venueOrderID, e.params.AggressiveStatusRetries, e.params.AggressiveStatusDelay)
		if verr != nil {
			logging.Logger.Warn("status unverifiable after failed cancel, assuming filled",
				zap.String("order_id", venueOrderID),
				zap.NamedError("cancel_error", err),
				zap.NamedError("verify_error", verr))
			return nil
		}
		if status == types.StatusFilled {
			logging.Logger.Info("order filled during cancel race",
				zap.String("order_id", venueOrderID))
			return nil
		}
	} else {
		if status, verr := e.orders.VerifyStatus(ctx, venueOrderID); verr == nil && status == types.StatusFilled {
			logging.Logger.Info("order filled before cancellation took effect",
				zap.String("order_id", venueOrderID))
			return nil
		}
	}

	// Preserve any partial execution of the cancelled order so fee
	// accounting can sum both orders of the leg.
	outstanding := quantity
	var partialQty, partialFee decimal.Decimal
	row, err := e.orders.Get(ctx, key)
	if err != nil {
		logging.Logger.Warn("order row read failed before market order", zap.Error(err))
	}
	if row != nil {
		if row.Quantity.IsPositive() {
			outstanding = row.Quantity
		}
		if row.CumExecQty != nil && row.CumExecQty.IsPositive() {
			partialQty = *row.CumExecQty
			if row.CumExecFee != nil {
				partialFee = *row.CumExecFee
			}
			outstanding = spec.RoundQuantity(outstanding.Sub(partialQty))
		}
	}
	if !outstanding.IsPositive() {
		logging.Logger.Info("limit order fully executed by cancellation time",
			zap.String("order_id", venueOrderID))
		return nil
	}

	marketID, err := gateway.SubmitOrder(ctx, types.SubmitOrderInput{
		Symbol:    spec.VenueSymbol(venue),
		Side:      legSide(venue),
		Type:      types.OrderTypeMarket,
		Quantity:  outstanding,
		BaseUnits: venue == types.VenueSpot,
	})
	if err != nil {
		logging.Logger.Error("market order submission failed, hedge incomplete",
			zap.String("venue", string(venue)),
			zap.String("quantity", outstanding.String()),
			zap.Error(err))
		return &types.NakedPositionError{
			Venue:    venue,
			Symbol:   spec.Asset,
			Quantity: outstanding,
			Elapsed:  e.now().Sub(start),
		}
	}

	// The row must land before the stream delivers the first event for the
	// new id, or the fill would not resolve to this chunk.
	e.recordMarketFallback(ctx, spec, key, marketID, venueOrderID, outstanding, partialQty, partialFee)

	deadline := e.now().Add(e.params.MarketFillWait)
	for e.now().Before(deadline) {
		if err := e.sleep(ctx, e.params.PollInterval); err != nil {
			return err
		}
		status, err := e.orders.VerifyStatus(ctx, marketID)
		if err != nil {
			continue
		}
		if status == types.StatusFilled {
			logging.Logger.Info("market order filled, hedge complete",
				zap.String("venue", string(venue)),
				zap.String("order_id", marketID))
			return nil
		}
	}

	logging.Logger.Error("market order fill not confirmed within budget",
		zap.String("order_id", marketID),
		zap.Duration("budget", e.params.MarketFillWait))
	return &types.NakedPositionError{
		Venue:    venue,
		Symbol:   spec.Asset,
		Quantity: outstanding,
		Elapsed:  e.now().Sub(start),
	}
}

// recordMarketFallback commits the market order's row, carrying forward the
// cancelled limit order's partial execution when there was one.
func (e *Engine) recordMarketFallback(ctx context.Context, spec *types.SymbolSpec, key types.OrderKey, marketID, limitID string, quantity, partialQty, partialFee decimal.Decimal) {
	zero := decimal.Zero
	record := &types.OrderRecord{
		Key:          key,
		Symbol:       spec.VenueSymbol(key.Venue),
		Side:         legSide(key.Venue),
		Type:         types.OrderTypeMarket,
		Quantity:     quantity,
		VenueOrderID: marketID,
		Status:       types.StatusPlaced,
		CumExecQty:   &zero,
		CumExecFee:   &zero,
		NetReceived:  &zero,
	}
	details := map[string]any{
		"side":       string(legSide(key.Venue)),
		"quantity":   quantity.String(),
		"order_type": string(types.OrderTypeMarket),
		"reason":     "limit_order_timeout",
	}
	if partialQty.IsPositive() {
		partial := true
		record.PartialOrderID = &limitID
		record.PartialExecQty = &partialQty
		record.PartialExecFee = &partialFee
		record.IsPartialCompletion = &partial
		details["partial_order_id"] = limitID
		details["partial_exec_qty"] = partialQty.String()
	}
	if err := e.orders.Upsert(ctx, record); err != nil {
		logging.Logger.Error("market order row upsert failed, fill may not resolve to chunk",
			zap.String("key", key.String()),
			zap.String("order_id", marketID),
			zap.Error(err))
	}
	e.appendLifecycle(ctx, key, marketID, types.LifecycleMarketFallback, details)
}
