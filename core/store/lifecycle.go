package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/basisflow/hedge-engine/core/types"
)

// lifecycleLog is the Store's view over the order_lifecycle table.
type lifecycleLog struct {
	s *Store
}

// Append writes one lifecycle transition. The log is append-only: nothing in
// the engine updates or deletes rows here.
func (l lifecycleLog) Append(ctx context.Context, ev *types.LifecycleEvent) error {
	if err := ev.Key.Validate(); err != nil {
		return errors.Wrap(err, "invalid lifecycle key")
	}
	if ev.VenueOrderID == "" {
		return errors.New("lifecycle event requires a venue order id")
	}

	var details any
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return errors.Wrap(err, "encoding lifecycle details")
		}
		details = b
	}

	_, err := l.s.db.ExecContext(ctx, `
		INSERT INTO order_lifecycle (chunk_group_id, chunk_sequence, venue, venue_order_id, event_type, details)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.Key.ChunkGroup, ev.Key.Sequence, string(ev.Key.Venue),
		ev.VenueOrderID, string(ev.Type), details)
	if err != nil {
		return errors.Wrapf(err, "appending lifecycle event for %s", ev.VenueOrderID)
	}
	return nil
}

// Latest returns the most recent lifecycle entry for a venue order id, or
// (nil, nil) when the order was never logged.
func (l lifecycleLog) Latest(ctx context.Context, venueOrderID string) (*types.LifecycleEvent, error) {
	row := l.s.db.QueryRowContext(ctx, `
		SELECT chunk_group_id, chunk_sequence, venue, venue_order_id, event_type, details, created_at
		FROM order_lifecycle WHERE venue_order_id=$1 ORDER BY id DESC LIMIT 1`,
		venueOrderID)

	var (
		ev      types.LifecycleEvent
		venue   string
		evType  string
		details []byte
	)
	err := row.Scan(&ev.Key.ChunkGroup, &ev.Key.Sequence, &venue, &ev.VenueOrderID, &evType, &details, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading lifecycle for %s", venueOrderID)
	}
	ev.Key.Venue = types.Venue(venue)
	ev.Type = types.LifecycleEventType(evType)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &ev.Details); err != nil {
			return nil, errors.Wrap(err, "decoding lifecycle details")
		}
	}
	return &ev, nil
}
