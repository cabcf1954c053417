package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/basisflow/hedge-engine/core/types"
	"github.com/basisflow/hedge-engine/core/util"
)

// eventLog is the Store's view over the per-venue raw event tables.
type eventLog struct {
	s *Store
}

// Append writes one raw stream payload to the venue's event table. The
// ingestion task calls this before touching the orders table, so fee data
// survives even when the row update races or fails.
func (l eventLog) Append(ctx context.Context, rec *types.VenueEventRecord) error {
	table, err := eventsTable(rec.Venue)
	if err != nil {
		return err
	}
	if rec.VenueOrderID == "" {
		return errors.New("venue event requires a venue order id")
	}

	var payload any
	if len(rec.RawPayload) > 0 {
		payload = []byte(rec.RawPayload)
	}

	_, err = l.s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (venue_order_id, symbol, status, raw_status, exec_qty, exec_fee, price, raw_payload, chunk_group_id, chunk_sequence)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.VenueOrderID, rec.Symbol, string(rec.Status), rec.RawStatus,
		rec.ExecQty.String(), rec.ExecFee.String(), rec.Price.String(),
		payload, rec.ChunkGroup, rec.Sequence)
	if err != nil {
		return errors.Wrapf(err, "appending %s event for %s", rec.Venue, rec.VenueOrderID)
	}
	return nil
}

// ChunkTotalFees totals the fees one leg of a chunk actually paid, reading
// the venue event tables rather than the mutable orders row.
//
// A leg may have executed across two venue order ids when a partially filled
// order was cancelled and completed by a fresh one. Fees in stream payloads
// are cumulative per order id, so the total is the per-id maximum summed
// across the current and partial ids. The spot venue charges fees in the
// base asset, the perp venue in the quote asset.
func (l eventLog) ChunkTotalFees(ctx context.Context, group string, sequence int, venue types.Venue) (*types.ChunkFees, error) {
	table, err := eventsTable(venue)
	if err != nil {
		return nil, err
	}
	key := types.OrderKey{ChunkGroup: group, Sequence: sequence, Venue: venue}

	var (
		orderID   string
		partialID sql.NullString
		isPartial bool
		rowFee    sql.NullString
		pFee      sql.NullString
	)
	err = l.s.db.QueryRowContext(ctx, `
		SELECT venue_order_id, partial_order_id, is_partial_completion, cum_exec_fee, partial_exec_fee
		FROM orders WHERE chunk_group_id=$1 AND chunk_sequence=$2 AND venue=$3`,
		group, sequence, string(venue)).
		Scan(&orderID, &partialID, &isPartial, &rowFee, &pFee)
	if err == sql.ErrNoRows {
		return nil, &types.StoreError{Key: key.String(), Reason: "order not found"}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading order %s", key)
	}

	ids := []string{orderID}
	if partialID.Valid && partialID.String != "" && partialID.String != orderID {
		ids = append(ids, partialID.String)
	}

	total := decimal.Zero
	for _, id := range ids {
		var fee sql.NullString
		err := l.s.db.QueryRowContext(ctx,
			`SELECT MAX(exec_fee) FROM `+table+` WHERE venue_order_id=$1`, id).Scan(&fee)
		if err != nil && err != sql.ErrNoRows {
			return nil, errors.Wrapf(err, "summing event fees for %s", id)
		}
		d, err := nullDecimal(fee)
		if err != nil {
			return nil, err
		}
		if d != nil {
			total = total.Add(*d)
		}
	}

	// The stream can drop events; fall back to the orders row when the event
	// tables saw nothing for this leg.
	if total.IsZero() {
		for _, ns := range []sql.NullString{rowFee, pFee} {
			d, err := nullDecimal(ns)
			if err != nil {
				return nil, err
			}
			if d != nil {
				total = total.Add(*d)
			}
		}
	}

	fees := &types.ChunkFees{IsPartialCompletion: isPartial}
	if venue == types.VenueSpot {
		fees.FeeBase = total
	} else {
		fees.FeeQuote = total
	}
	return fees, nil
}

// Record appends one spread check to the history table.
func (s *Store) Record(ctx context.Context, obs *types.SpreadObservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spread_history (symbol, spot_price, perp_price, spread_percent, max_allowed, within_limit)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		obs.Symbol, obs.SpotPrice.String(), obs.PerpPrice.String(),
		obs.SpreadPercent.String(), obs.MaxAllowed.String(), obs.WithinLimit)
	if err != nil {
		return errors.Wrap(err, "recording spread observation")
	}
	return nil
}

// ResolveChunkContext looks up the chunk key holding a venue order id so
// ingestion can tag raw events with the chunk they belong to. Events arriving
// before the order row is written are stored without context; fee queries key
// on order ids, not context, so nothing is lost.
func (s *Store) ResolveChunkContext(ctx context.Context, venueOrderID string) (*string, *int) {
	var group string
	var seq int
	err := s.db.QueryRowContext(ctx, `
		SELECT chunk_group_id, chunk_sequence FROM orders
		WHERE venue_order_id=$1 OR partial_order_id=$1
		ORDER BY updated_at DESC LIMIT 1`,
		venueOrderID).Scan(&group, &seq)
	if err != nil {
		return nil, nil
	}
	return util.Ptr(group), util.Ptr(seq)
}
