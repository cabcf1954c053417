package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/basisflow/hedge-engine/core/logging"
	"github.com/basisflow/hedge-engine/core/metrics"
	"github.com/basisflow/hedge-engine/core/types"
)

// quoteAsset funds the spot buys; balances are checked against it.
const quoteAsset = "USDT"

// ExecuteTradeInput carries one approved hedge trade.
type ExecuteTradeInput struct {
	Spec *types.SymbolSpec
	Plan *types.ChunkPlan
}

// Validate checks if ExecuteTradeInput is ready for execution.
func (i *ExecuteTradeInput) Validate() error {
	if i.Spec == nil {
		return errors.New("symbol spec is required")
	}
	if i.Plan == nil || len(i.Plan.Chunks) == 0 {
		return errors.New("chunk plan with at least one chunk is required")
	}
	if i.Plan.HasRemainder {
		return errors.New("chunk plan carries an unresolved remainder")
	}
	return nil
}

// TradeResult reports how far a trade got.
type TradeResult struct {
	ChunkGroup      string
	ChunksCompleted int
	ChunksTotal     int
}

// ExecuteTrade runs a hedge trade chunk by chunk, sequentially: place both
// legs, manage them until one fills, resolve the other, accumulate fees.
// The first chunk failure halts the trade; completed chunks stay hedged.
func (e *Engine) ExecuteTrade(ctx context.Context, input ExecuteTradeInput) (*TradeResult, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	spec := input.Spec
	group := uuid.NewString()
	total := len(input.Plan.Chunks)
	result := &TradeResult{ChunkGroup: group, ChunksTotal: total}

	logging.Logger.Info("executing hedge trade",
		zap.String("chunk_group", group),
		zap.String("symbol", spec.Asset),
		zap.Int("chunks", total),
		zap.String("total_quantity", input.Plan.TotalQuantity().String()))

	if err := e.checkBalance(ctx, spec, input.Plan.TotalQuantity()); err != nil {
		return result, err
	}

	if err := e.recon.Initialize(ctx, group, spec.Asset, total); err != nil {
		logging.Logger.Warn("fee reconciliation initialization failed, accumulation degraded",
			zap.Error(err))
	}

	for i, quantity := range input.Plan.Chunks {
		sequence := i + 1
		if err := e.executeChunk(ctx, spec, group, sequence, total, quantity); err != nil {
			metrics.ChunksExecuted.WithLabelValues(spec.Asset, "failed").Inc()
			if types.IsSpreadError(err) {
				metrics.SpreadAborts.Inc()
				logging.Logger.Error("spread violation, trade halted",
					zap.Int("completed_chunks", result.ChunksCompleted),
					zap.Int("remaining_chunks", total-result.ChunksCompleted),
					zap.Error(err))
			}
			return result, errors.Wrapf(err, "chunk %d/%d", sequence, total)
		}
		metrics.ChunksExecuted.WithLabelValues(spec.Asset, "completed").Inc()
		result.ChunksCompleted = sequence

		if err := e.recon.RecordChunk(ctx, group, sequence); err != nil {
			logging.Logger.Warn("fee accumulation failed for chunk",
				zap.Int("sequence", sequence),
				zap.Error(err))
		}
	}

	if err := e.recon.Finalize(ctx, group, spec); err != nil {
		logging.Logger.Warn("fee reconciliation failed", zap.Error(err))
	}

	logging.Logger.Info("hedge trade completed",
		zap.String("chunk_group", group),
		zap.Int("chunks", result.ChunksCompleted))
	return result, nil
}

// executeChunk runs the two-phase state machine for one chunk.
func (e *Engine) executeChunk(ctx context.Context, spec *types.SymbolSpec, group string, sequence, total int, quantity decimal.Decimal) error {
	logging.Logger.Info("executing chunk",
		zap.String("chunk_group", group),
		zap.Int("sequence", sequence),
		zap.Int("total", total),
		zap.String("quantity", quantity.String()))

	spotID, perpID, err := e.placeChunk(ctx, spec, group, sequence, quantity)
	if err != nil {
		return err
	}

	result, err := e.managePhase1(ctx, spec, group, sequence, spotID, perpID, quantity)
	if err != nil {
		return err
	}
	if result.bothFilled {
		logging.Logger.Info("both legs filled, chunk hedged",
			zap.String("chunk_group", group),
			zap.Int("sequence", sequence))
		return nil
	}

	naked := otherVenue(result.filled)
	nakedID := result.perpID
	if naked == types.VenueSpot {
		nakedID = result.spotID
	}
	return e.resolveNakedPosition(ctx, spec, group, sequence, naked, nakedID, quantity)
}

// checkBalance verifies the quote balance covers the whole trade before the
// first order goes out. Skipped without a balance reader; a venue that
// cannot report its balance does not block the trade.
func (e *Engine) checkBalance(ctx context.Context, spec *types.SymbolSpec, totalQuantity decimal.Decimal) error {
	if e.balances == nil {
		logging.Logger.Warn("balance check skipped, no balance reader configured")
		return nil
	}

	quote, err := e.oracle.ValidatedQuote(ctx, spec.Asset)
	if err != nil {
		return errors.Wrap(err, "fetching quote for balance check")
	}
	required := totalQuantity.Mul(quote.SpotPrice)

	balance, err := e.balances.Balance(ctx, quoteAsset)
	if err != nil {
		logging.Logger.Warn("unable to verify spot balance, proceeding",
			zap.Error(err))
		return nil
	}
	if balance.Available.LessThan(required) {
		return &types.InsufficientBalanceError{
			Venue:     types.VenueSpot,
			Asset:     quoteAsset,
			Required:  required,
			Available: balance.Available,
		}
	}

	logging.Logger.Info("balance check passed",
		zap.String("asset", quoteAsset),
		zap.String("required", required.StringFixed(2)),
		zap.String("available", balance.Available.StringFixed(2)))
	return nil
}
