package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/basisflow/hedge-engine/core/types"
	"github.com/basisflow/hedge-engine/core/util"
)

// Upsert inserts or replaces the current state of one leg of a chunk.
//
// The conflict target is (chunk_group_id, chunk_sequence, venue): a replaced
// order overwrites the identity columns of the same row. Execution columns
// (cum_exec_qty, fees, partial-completion fields) are only written when the
// record carries them; NULL arguments fall through COALESCE and the existing
// values survive the replace.
func (s *Store) Upsert(ctx context.Context, rec *types.OrderRecord) error {
	if err := rec.Validate(); err != nil {
		return errors.Wrap(err, "invalid order record")
	}

	const q = `
		INSERT INTO orders (
			chunk_group_id, chunk_sequence, venue, symbol, side, order_type,
			price, quantity, venue_order_id, status,
			cum_exec_qty, cum_exec_fee, net_received,
			partial_order_id, partial_exec_qty, partial_exec_fee, is_partial_completion
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,COALESCE($17,FALSE))
		ON CONFLICT (chunk_group_id, chunk_sequence, venue) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			side = EXCLUDED.side,
			order_type = EXCLUDED.order_type,
			price = EXCLUDED.price,
			quantity = EXCLUDED.quantity,
			venue_order_id = EXCLUDED.venue_order_id,
			status = EXCLUDED.status,
			cum_exec_qty = COALESCE($11, orders.cum_exec_qty),
			cum_exec_fee = COALESCE($12, orders.cum_exec_fee),
			net_received = COALESCE($13, orders.net_received),
			partial_order_id = COALESCE($14, orders.partial_order_id),
			partial_exec_qty = COALESCE($15, orders.partial_exec_qty),
			partial_exec_fee = COALESCE($16, orders.partial_exec_fee),
			is_partial_completion = COALESCE($17, orders.is_partial_completion),
			updated_at = now()`

	_, err := s.db.ExecContext(ctx, q,
		rec.Key.ChunkGroup, rec.Key.Sequence, string(rec.Key.Venue),
		rec.Symbol, string(rec.Side), string(rec.Type),
		rec.Price.String(), rec.Quantity.String(), rec.VenueOrderID, string(rec.Status),
		decimalArg(rec.CumExecQty), decimalArg(rec.CumExecFee), decimalArg(rec.NetReceived),
		rec.PartialOrderID, decimalArg(rec.PartialExecQty), decimalArg(rec.PartialExecFee),
		rec.IsPartialCompletion,
	)
	if err != nil {
		return errors.Wrapf(err, "upserting order %s", rec.Key)
	}
	return nil
}

const orderColumns = `
	chunk_group_id, chunk_sequence, venue, symbol, side, order_type,
	price, quantity, venue_order_id, status,
	cum_exec_qty, cum_exec_fee, net_received,
	partial_order_id, partial_exec_qty, partial_exec_fee, is_partial_completion,
	created_at, updated_at`

// Get loads the current state of one leg by its chunk key. A missing row is
// not an error: it returns (nil, nil) so status verification can tell
// "absent" apart from "unreadable".
func (s *Store) Get(ctx context.Context, key types.OrderKey) (*types.OrderRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE chunk_group_id=$1 AND chunk_sequence=$2 AND venue=$3`,
		key.ChunkGroup, key.Sequence, string(key.Venue))
	rec, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading order %s", key)
	}
	return rec, nil
}

// GetByVenueOrderID loads the current state of the leg that currently holds
// the given venue order id, or (nil, nil) when no row carries it.
func (s *Store) GetByVenueOrderID(ctx context.Context, venueOrderID string) (*types.OrderRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE venue_order_id=$1
		 ORDER BY updated_at DESC LIMIT 1`,
		venueOrderID)
	rec, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading order by venue id %s", venueOrderID)
	}
	return rec, nil
}

// UpdateFromEvent applies a stream event to the row holding its venue order
// id. Cumulative execution columns are written only when the event carries a
// non-zero value, so a bare status transition never erases fill progress.
// Net received subtracts the fee only on the spot venue, where the venue
// charges the fee in the base asset.
func (s *Store) UpdateFromEvent(ctx context.Context, ev *types.OrderEvent) error {
	var qty, fee, net any
	if !ev.CumExecQty.IsZero() {
		qty = ev.CumExecQty.String()
		n := ev.CumExecQty
		if ev.Venue == types.VenueSpot {
			n = n.Sub(ev.CumExecFee)
		}
		net = n.String()
	}
	if !ev.CumExecFee.IsZero() {
		fee = ev.CumExecFee.String()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $2,
			cum_exec_qty = COALESCE($3, cum_exec_qty),
			cum_exec_fee = COALESCE($4, cum_exec_fee),
			net_received = COALESCE($5, net_received),
			updated_at = now()
		WHERE venue_order_id = $1`,
		ev.VenueOrderID, string(ev.Status), qty, fee, net)
	if err != nil {
		return errors.Wrapf(err, "updating order %s from event", ev.VenueOrderID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "reading rows affected")
	}
	if n == 0 {
		return &types.StoreError{Key: ev.VenueOrderID, Reason: "no order row for event"}
	}
	return nil
}

func decimalArg(d *decimal.Decimal) any {
	return util.TransformOrNil(d, func(v decimal.Decimal) any { return v.String() })
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*types.OrderRecord, error) {
	var (
		rec                 types.OrderRecord
		venue, side, otype  string
		status              string
		price, qty          string
		cumQty, cumFee, net sql.NullString
		partialID           sql.NullString
		partialQty, pFee    sql.NullString
		isPartial           bool
	)
	err := row.Scan(
		&rec.Key.ChunkGroup, &rec.Key.Sequence, &venue, &rec.Symbol, &side, &otype,
		&price, &qty, &rec.VenueOrderID, &status,
		&cumQty, &cumFee, &net,
		&partialID, &partialQty, &pFee, &isPartial,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Key.Venue = types.Venue(venue)
	rec.Side = types.Side(side)
	rec.Type = types.OrderType(otype)
	rec.Status = types.OrderStatus(status)
	if rec.Price, err = decimal.NewFromString(price); err != nil {
		return nil, errors.Wrap(err, "parsing price")
	}
	if rec.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, errors.Wrap(err, "parsing quantity")
	}
	if rec.CumExecQty, err = nullDecimal(cumQty); err != nil {
		return nil, err
	}
	if rec.CumExecFee, err = nullDecimal(cumFee); err != nil {
		return nil, err
	}
	if rec.NetReceived, err = nullDecimal(net); err != nil {
		return nil, err
	}
	if partialID.Valid {
		rec.PartialOrderID = &partialID.String
	}
	if rec.PartialExecQty, err = nullDecimal(partialQty); err != nil {
		return nil, err
	}
	if rec.PartialExecFee, err = nullDecimal(pFee); err != nil {
		return nil, err
	}
	rec.IsPartialCompletion = util.Ptr(isPartial)
	return &rec, nil
}

func nullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing decimal %q", ns.String)
	}
	return &d, nil
}
