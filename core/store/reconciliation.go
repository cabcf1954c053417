package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/basisflow/hedge-engine/core/types"
)

// reconciliationStore is the Store's view over the fee_reconciliation table.
type reconciliationStore struct {
	s *Store
}

// Initialize creates the accumulation record for a chunk group. Calling it
// again for the same group is a no-op.
func (r reconciliationStore) Initialize(ctx context.Context, group, symbol string, totalChunks int) error {
	if group == "" {
		return errors.New("chunk group is required")
	}
	if totalChunks < 1 {
		return errors.Errorf("total chunks must be positive, got %d", totalChunks)
	}
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO fee_reconciliation (chunk_group_id, symbol, total_chunks)
		VALUES ($1,$2,$3)
		ON CONFLICT (chunk_group_id) DO NOTHING`,
		group, symbol, totalChunks)
	if err != nil {
		return errors.Wrapf(err, "initializing reconciliation for %s", group)
	}
	return nil
}

// AddChunk folds one completed chunk into the running totals.
func (r reconciliationStore) AddChunk(ctx context.Context, group string, orderedQty, feeBase, netReceived decimal.Decimal) error {
	res, err := r.s.db.ExecContext(ctx, `
		UPDATE fee_reconciliation SET
			completed_chunks = completed_chunks + 1,
			total_ordered_qty = total_ordered_qty + $2,
			total_fee_base = total_fee_base + $3,
			total_net_received = total_net_received + $4,
			updated_at = now()
		WHERE chunk_group_id = $1`,
		group, orderedQty.String(), feeBase.String(), netReceived.String())
	if err != nil {
		return errors.Wrapf(err, "accumulating chunk for %s", group)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "reading rows affected")
	}
	if n == 0 {
		return &types.StoreError{Key: group, Reason: "reconciliation record not initialized"}
	}
	return nil
}

// Get returns the accumulation record, or (nil, nil) when the group was
// never initialized.
func (r reconciliationStore) Get(ctx context.Context, group string) (*types.ReconciliationRecord, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT chunk_group_id, symbol, total_chunks, completed_chunks,
			total_ordered_qty, total_fee_base, total_net_received,
			topup_order_id, topup_status, notes, updated_at
		FROM fee_reconciliation WHERE chunk_group_id=$1`,
		group)

	var (
		rec             types.ReconciliationRecord
		qty, fee, net   string
		topupID, status sql.NullString
	)
	err := row.Scan(&rec.ChunkGroup, &rec.Symbol, &rec.TotalChunks, &rec.CompletedChunks,
		&qty, &fee, &net, &topupID, &status, &rec.Notes, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading reconciliation for %s", group)
	}
	if rec.TotalOrderedQty, err = decimal.NewFromString(qty); err != nil {
		return nil, errors.Wrap(err, "parsing ordered qty")
	}
	if rec.TotalFeeBase, err = decimal.NewFromString(fee); err != nil {
		return nil, errors.Wrap(err, "parsing fee total")
	}
	if rec.TotalNetReceived, err = decimal.NewFromString(net); err != nil {
		return nil, errors.Wrap(err, "parsing net received")
	}
	if topupID.Valid {
		rec.TopUpOrderID = &topupID.String
	}
	if status.Valid {
		st := types.TopUpStatus(status.String)
		rec.TopUpStatus = &st
	}
	return &rec, nil
}

// SetTopUp records the outcome of the end-of-trade fee top-up.
func (r reconciliationStore) SetTopUp(ctx context.Context, group string, orderID *string, status types.TopUpStatus, notes string) error {
	res, err := r.s.db.ExecContext(ctx, `
		UPDATE fee_reconciliation SET
			topup_order_id = $2,
			topup_status = $3,
			notes = $4,
			updated_at = now()
		WHERE chunk_group_id = $1`,
		group, orderID, string(status), notes)
	if err != nil {
		return errors.Wrapf(err, "recording top-up for %s", group)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "reading rows affected")
	}
	if n == 0 {
		return &types.StoreError{Key: group, Reason: "reconciliation record not initialized"}
	}
	return nil
}
