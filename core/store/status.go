package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/basisflow/hedge-engine/core/logging"
	"github.com/basisflow/hedge-engine/core/types"
)

// statusSources is the pair of reads the verifier compares. Split out so the
// decision matrix is testable without a database.
type statusSources interface {
	rowStatus(ctx context.Context, venueOrderID string) (types.OrderStatus, bool, error)
	latestLifecycle(ctx context.Context, venueOrderID string) (types.LifecycleEventType, bool, error)
}

func (s *Store) rowStatus(ctx context.Context, venueOrderID string) (types.OrderStatus, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM orders WHERE venue_order_id=$1 ORDER BY updated_at DESC LIMIT 1`,
		venueOrderID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "reading order status")
	}
	return types.OrderStatus(status), true, nil
}

func (s *Store) latestLifecycle(ctx context.Context, venueOrderID string) (types.LifecycleEventType, bool, error) {
	var eventType string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_type FROM order_lifecycle WHERE venue_order_id=$1 ORDER BY id DESC LIMIT 1`,
		venueOrderID).Scan(&eventType)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "reading lifecycle log")
	}
	return types.LifecycleEventType(eventType), true, nil
}

// VerifyStatus resolves an order's status from the two local sources, never
// from the venue. See VerifyStatusWith.
func (s *Store) VerifyStatus(ctx context.Context, venueOrderID string) (types.OrderStatus, error) {
	return s.VerifyStatusWith(ctx, venueOrderID, s.statusRetries, s.statusRetryDelay)
}

// VerifyStatusWith compares the orders row against the latest lifecycle log
// entry for the order:
//
//   - both agree, or the row holds a live status with no FILLED log entry:
//     the row wins;
//   - the log says FILLED but the row disagrees: the stream writer may still
//     be in flight, so retry, and after the retries trust the log. A FILLED
//     log entry with no surviving row also resolves to FILLED, which is what
//     keeps a market fallback from double-filling a chunk;
//   - no row and no FILLED log entry: retry, then fail.
func (s *Store) VerifyStatusWith(ctx context.Context, venueOrderID string, retries int, delay time.Duration) (types.OrderStatus, error) {
	return verifyStatus(ctx, s, venueOrderID, retries, delay, s.sleep)
}

func verifyStatus(ctx context.Context, src statusSources, venueOrderID string, retries int, delay time.Duration, sleep func(context.Context, time.Duration) error) (types.OrderStatus, error) {
	if retries < 1 {
		retries = 1
	}
	var lastRow types.OrderStatus
	var sawFilledLog bool

	for attempt := 1; attempt <= retries; attempt++ {
		rowSt, rowFound, err := src.rowStatus(ctx, venueOrderID)
		if err != nil {
			return "", err
		}
		logEv, logFound, err := src.latestLifecycle(ctx, venueOrderID)
		if err != nil {
			return "", err
		}
		logFilled := logFound && logEv == types.LifecycleFilled
		if logFilled {
			sawFilledLog = true
		}

		switch {
		case rowFound && rowSt == types.StatusFilled:
			return types.StatusFilled, nil
		case rowFound && !logFilled:
			// Row and log agree closely enough: no FILLED signal to
			// contradict the row.
			return rowSt, nil
		case !rowFound && logFilled:
			// The row was replaced or truncated after the fill was logged.
			// The log is append-only and written before the row update, so
			// it is the safer source.
			logging.Logger.Warn("order row missing, trusting lifecycle log",
				zap.String("venue_order_id", venueOrderID))
			return types.StatusFilled, nil
		case rowFound && logFilled:
			// Stream writer may not have flushed the row update yet.
			lastRow = rowSt
		}

		if attempt < retries {
			if err := sleep(ctx, delay); err != nil {
				return "", err
			}
		}
	}

	if sawFilledLog {
		logging.Logger.Warn("row never caught up with FILLED lifecycle entry",
			zap.String("venue_order_id", venueOrderID),
			zap.String("row_status", string(lastRow)))
		return types.StatusFilled, nil
	}
	return "", &types.StoreError{Key: venueOrderID, Reason: "order not found in store or lifecycle log"}
}
