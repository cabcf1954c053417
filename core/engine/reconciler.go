package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/basisflow/hedge-engine/core/logging"
	"github.com/basisflow/hedge-engine/core/metrics"
	"github.com/basisflow/hedge-engine/core/types"
)

// Reconciler restores the base-asset balance eaten by spot maker fees. Spot
// fees for a buy are charged in the asset itself, so every filled chunk
// leaves the account slightly short of the hedged quantity; at the end of a
// trade the accumulated shortfall is bought back in one market order.
type Reconciler struct {
	store  types.ReconciliationStore
	events types.VenueEventLog
	orders types.OrderStore
	spot   types.VenueGateway
	oracle types.PriceOracle

	// residualThreshold is the USD value under which an untoppable residual
	// is considered negligible.
	residualThreshold decimal.Decimal

	sleep func(context.Context, time.Duration) error
}

// NewReconcilerOptions carries the dependencies for NewReconciler.
type NewReconcilerOptions struct {
	Store                types.ReconciliationStore
	Events               types.VenueEventLog
	Orders               types.OrderStore
	SpotGateway          types.VenueGateway
	Oracle               types.PriceOracle
	ResidualUSDThreshold decimal.Decimal
}

// NewReconciler wires a fee reconciler.
func NewReconciler(options NewReconcilerOptions) (*Reconciler, error) {
	if options.Store == nil {
		return nil, errors.New("reconciliation store is required")
	}
	if options.Events == nil || options.Orders == nil {
		return nil, errors.New("event log and order store are required")
	}
	if options.SpotGateway == nil {
		return nil, errors.New("spot gateway is required")
	}
	if options.Oracle == nil {
		return nil, errors.New("price oracle is required")
	}
	return &Reconciler{
		store:             options.Store,
		events:            options.Events,
		orders:            options.Orders,
		spot:              options.SpotGateway,
		oracle:            options.Oracle,
		residualThreshold: options.ResidualUSDThreshold,
		sleep:             sleepCtx,
	}, nil
}

// Initialize creates the accumulation record for a chunk group. Idempotent.
func (r *Reconciler) Initialize(ctx context.Context, group, symbol string, totalChunks int) error {
	if err := r.store.Initialize(ctx, group, symbol, totalChunks); err != nil {
		return errors.Wrap(err, "initializing fee reconciliation")
	}
	logging.Logger.Debug("fee reconciliation initialized",
		zap.String("chunk_group", group),
		zap.String("symbol", symbol),
		zap.Int("total_chunks", totalChunks))
	return nil
}

// RecordChunk accumulates the spot leg of one completed chunk: ordered
// quantity from the order row, fees from the venue event log. With a partial
// completion the preserved partial order's execution counts too.
func (r *Reconciler) RecordChunk(ctx context.Context, group string, sequence int) error {
	fees, err := r.events.ChunkTotalFees(ctx, group, sequence, types.VenueSpot)
	if err != nil {
		return errors.Wrap(err, "summing chunk fees")
	}

	key := types.OrderKey{ChunkGroup: group, Sequence: sequence, Venue: types.VenueSpot}
	row, err := r.orders.Get(ctx, key)
	if err != nil {
		return errors.Wrap(err, "reading spot order row")
	}
	if row == nil {
		return errors.Errorf("no spot order row for %s", key)
	}

	ordered := decimal.Zero
	if row.CumExecQty != nil {
		ordered = *row.CumExecQty
	}
	if fees.IsPartialCompletion && row.PartialExecQty != nil {
		ordered = ordered.Add(*row.PartialExecQty)
	}
	netReceived := ordered.Sub(fees.FeeBase)

	logging.Logger.Debug("recording chunk fees",
		zap.String("chunk_group", group),
		zap.Int("sequence", sequence),
		zap.String("ordered", ordered.String()),
		zap.String("fee_base", fees.FeeBase.String()),
		zap.String("net_received", netReceived.String()),
		zap.Bool("partial_completion", fees.IsPartialCompletion))
	return r.store.AddChunk(ctx, group, ordered, fees.FeeBase, netReceived)
}

// Finalize settles the accumulated fee shortfall once every chunk completed.
// Shortfalls at or above the venue minimum are bought back with a market
// order; smaller residuals are recorded with their USD value. Idempotent: a
// group whose top-up already settled is left alone.
func (r *Reconciler) Finalize(ctx context.Context, group string, spec *types.SymbolSpec) error {
	record, err := r.store.Get(ctx, group)
	if err != nil {
		return errors.Wrap(err, "reading reconciliation record")
	}
	if record == nil {
		return errors.Errorf("no reconciliation record for group %s", group)
	}
	if record.CompletedChunks < record.TotalChunks {
		logging.Logger.Debug("reconciliation deferred, chunks outstanding",
			zap.String("chunk_group", group),
			zap.Int("completed", record.CompletedChunks),
			zap.Int("total", record.TotalChunks))
		return nil
	}
	if record.TopUpStatus != nil {
		return nil
	}

	shortfall := spec.RoundQuantity(record.TotalFeeBase)
	logging.Logger.Info("fee reconciliation analysis",
		zap.String("chunk_group", group),
		zap.String("symbol", record.Symbol),
		zap.String("total_ordered", record.TotalOrderedQty.String()),
		zap.String("total_fee_base", record.TotalFeeBase.String()),
		zap.String("total_net_received", record.TotalNetReceived.String()),
		zap.String("shortfall", shortfall.String()))

	if shortfall.GreaterThanOrEqual(spec.MinOrderQuantity) {
		return r.topUp(ctx, group, spec, shortfall)
	}

	// Below the venue minimum: record the residual and move on.
	quote, err := r.oracle.ValidatedQuote(ctx, spec.Asset)
	if err != nil {
		notes := fmt.Sprintf("residual %s %s below venue minimum; price unavailable for USD estimate, review manually",
			shortfall.String(), spec.Asset)
		logging.Logger.Warn("fee residual below minimum, price unavailable",
			zap.String("chunk_group", group),
			zap.Error(err))
		return r.skipTopUp(ctx, group, notes)
	}

	residualUSD := shortfall.Mul(quote.SpotPrice)
	var notes string
	if residualUSD.LessThan(r.residualThreshold) {
		notes = fmt.Sprintf("residual $%s accepted as negligible", residualUSD.StringFixed(2))
	} else {
		notes = fmt.Sprintf("residual $%s below venue minimum; operator attention suggested", residualUSD.StringFixed(2))
		logging.Logger.Warn("fee residual above negligible threshold",
			zap.String("chunk_group", group),
			zap.String("residual_usd", residualUSD.StringFixed(2)))
	}
	return r.skipTopUp(ctx, group, notes)
}

func (r *Reconciler) skipTopUp(ctx context.Context, group, notes string) error {
	metrics.ReconciliationOutcomes.WithLabelValues(string(types.TopUpSkippedBelow)).Inc()
	logging.Logger.Info("fee top-up skipped",
		zap.String("chunk_group", group),
		zap.String("notes", notes))
	return r.store.SetTopUp(ctx, group, nil, types.TopUpSkippedBelow, notes)
}

// topUp buys back the fee shortfall with a spot market order and records the
// average fill price when the venue reports it in time.
func (r *Reconciler) topUp(ctx context.Context, group string, spec *types.SymbolSpec, quantity decimal.Decimal) error {
	logging.Logger.Info("placing fee top-up order",
		zap.String("chunk_group", group),
		zap.String("symbol", spec.SpotSymbol),
		zap.String("quantity", quantity.String()))

	orderID, err := r.spot.SubmitOrder(ctx, types.SubmitOrderInput{
		Symbol:    spec.SpotSymbol,
		Side:      types.SideBuy,
		Type:      types.OrderTypeMarket,
		Quantity:  quantity,
		BaseUnits: true,
	})
	if err != nil {
		logging.Logger.Error("fee top-up failed, manual buy required",
			zap.String("chunk_group", group),
			zap.String("quantity", quantity.String()),
			zap.Error(err))
		metrics.ReconciliationOutcomes.WithLabelValues(string(types.TopUpFailed)).Inc()
		notes := fmt.Sprintf("top-up submit failed: %v", err)
		return r.store.SetTopUp(ctx, group, nil, types.TopUpFailed, notes)
	}

	if err := r.sleep(ctx, topUpSettlePause); err != nil {
		return err
	}

	notes := "top-up filled"
	if order, err := r.spot.OrderHistory(ctx, spec.SpotSymbol, orderID); err == nil && order.AvgPrice.IsPositive() {
		notes = fmt.Sprintf("top-up filled @ $%s", order.AvgPrice.StringFixed(2))
	} else if err != nil {
		logging.Logger.Warn("top-up fill price lookup failed",
			zap.String("order_id", orderID),
			zap.Error(err))
		notes = "top-up placed; fill price unavailable"
	}

	metrics.ReconciliationOutcomes.WithLabelValues(string(types.TopUpCompleted)).Inc()
	logging.Logger.Info("fee top-up completed",
		zap.String("chunk_group", group),
		zap.String("order_id", orderID),
		zap.String("notes", notes))
	return r.store.SetTopUp(ctx, group, &orderID, types.TopUpCompleted, notes)
}
