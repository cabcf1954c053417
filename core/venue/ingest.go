package venue

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/basisflow/hedge-engine/core/logging"
	"github.com/basisflow/hedge-engine/core/metrics"
	"github.com/basisflow/hedge-engine/core/types"
)

// chunkResolver looks up which chunk currently owns a venue order id, so raw
// events can be tagged with their chunk context when known.
type chunkResolver interface {
	ResolveChunkContext(ctx context.Context, venueOrderID string) (*string, *int)
}

// Ingestor drains one venue stream into persistence. Per event: (1) append
// the raw payload to the venue event table, (2) update the order row and
// lifecycle log, (3) cache rejection reasons for the placement engine's
// confirmation poll. Only (1) is load-bearing for fee accounting; failures in
// (2) and (3) are logged and never stop the drain.
type Ingestor struct {
	stream     types.VenueStream
	events     types.VenueEventLog
	orders     types.OrderStore
	lifecycle  types.LifecycleLog
	resolver   chunkResolver
	rejections *RejectionCache
}

// NewIngestorOptions contains options for creating an Ingestor.
type NewIngestorOptions struct {
	Stream     types.VenueStream
	Events     types.VenueEventLog
	Orders     types.OrderStore
	Lifecycle  types.LifecycleLog
	Resolver   chunkResolver
	Rejections *RejectionCache
}

// NewIngestor creates the ingestion task for one venue stream.
func NewIngestor(options NewIngestorOptions) (*Ingestor, error) {
	if options.Stream == nil {
		return nil, errors.New("stream is required")
	}
	if options.Events == nil {
		return nil, errors.New("event log is required")
	}
	if options.Orders == nil {
		return nil, errors.New("order store is required")
	}
	if options.Lifecycle == nil {
		return nil, errors.New("lifecycle log is required")
	}
	if options.Resolver == nil {
		return nil, errors.New("chunk resolver is required")
	}
	if options.Rejections == nil {
		return nil, errors.New("rejection cache is required")
	}
	return &Ingestor{
		stream:     options.Stream,
		events:     options.Events,
		orders:     options.Orders,
		lifecycle:  options.Lifecycle,
		resolver:   options.Resolver,
		rejections: options.Rejections,
	}, nil
}

// Run consumes normalized events until ctx is done. The stream's Run is the
// caller's goroutine; this one only drains.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-i.stream.Events():
			i.handle(ctx, &event)
		}
	}
}

func (i *Ingestor) handle(ctx context.Context, event *types.OrderEvent) {
	metrics.StreamEvents.WithLabelValues(string(event.Venue), string(event.Status)).Inc()

	group, seq := i.resolver.ResolveChunkContext(ctx, event.VenueOrderID)

	record := &types.VenueEventRecord{
		Venue:        event.Venue,
		VenueOrderID: event.VenueOrderID,
		Symbol:       event.Symbol,
		Status:       event.Status,
		RawStatus:    event.RawStatus,
		ExecQty:      event.CumExecQty,
		ExecFee:      event.CumExecFee,
		Price:        event.AvgPrice,
		RawPayload:   event.RawPayload,
		ChunkGroup:   group,
		Sequence:     seq,
	}
	if err := i.events.Append(ctx, record); err != nil {
		logging.Logger.Error("venue event append failed",
			zap.String("venue", string(event.Venue)),
			zap.String("order_id", event.VenueOrderID),
			zap.Error(err))
	}

	if err := i.orders.UpdateFromEvent(ctx, event); err != nil {
		var se *types.StoreError
		if errors.As(err, &se) {
			// Expected for orders the engine has not upserted yet, e.g. a
			// post-only submission rejected before its row exists.
			logging.Logger.Debug("event for unknown order row",
				zap.String("venue", string(event.Venue)),
				zap.String("order_id", event.VenueOrderID),
				zap.String("status", string(event.Status)))
		} else {
			logging.Logger.Warn("order row update failed",
				zap.String("venue", string(event.Venue)),
				zap.String("order_id", event.VenueOrderID),
				zap.Error(err))
		}
	}

	i.appendLifecycle(ctx, event, group, seq)

	if event.Status == types.StatusRejected {
		i.rejections.Put(event.VenueOrderID, event.RejectReason)
	}
}

// appendLifecycle records terminal transitions observed on the stream. Chunk
// context is required by the log's key; events arriving before the order row
// exists are skipped, the engine writes its own entries for those paths.
func (i *Ingestor) appendLifecycle(ctx context.Context, event *types.OrderEvent, group *string, seq *int) {
	var eventType types.LifecycleEventType
	switch event.Status {
	case types.StatusFilled:
		eventType = types.LifecycleFilled
	case types.StatusCancelled:
		eventType = types.LifecycleCancelled
	case types.StatusRejected:
		eventType = types.LifecycleRejected
	default:
		return
	}
	if group == nil || seq == nil {
		return
	}

	details := map[string]any{
		"source":     "stream",
		"raw_status": event.RawStatus,
	}
	if event.CumExecQty.IsPositive() {
		details["exec_qty"] = event.CumExecQty.String()
		details["exec_fee"] = event.CumExecFee.String()
		details["avg_price"] = event.AvgPrice.String()
	}
	if event.RejectReason != "" {
		details["reject_reason"] = event.RejectReason
	}

	err := i.lifecycle.Append(ctx, &types.LifecycleEvent{
		Key: types.OrderKey{
			ChunkGroup: *group,
			Sequence:   *seq,
			Venue:      event.Venue,
		},
		VenueOrderID: event.VenueOrderID,
		Type:         eventType,
		Details:      details,
	})
	if err != nil {
		logging.Logger.Warn("lifecycle append failed",
			zap.String("order_id", event.VenueOrderID),
			zap.Error(err))
	}
}
