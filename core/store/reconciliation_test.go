package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/basisflow/hedge-engine/core/types"
	"github.com/basisflow/hedge-engine/core/util"
)

func TestReconciliationAccumulatesChunks(t *testing.T) {
	s, mock := newMockStore(t)
	recon := s.Reconciliation()

	mock.ExpectExec("INSERT INTO fee_reconciliation").
		WithArgs("grp-1", "BTCUSDT", 3).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectExec("UPDATE fee_reconciliation").
		WithArgs("grp-1", "0.002", "0.0000013", "0.0019987").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, recon.Initialize(context.Background(), "grp-1", "BTCUSDT", 3))
	require.NoError(t, recon.AddChunk(context.Background(), "grp-1",
		decimal.RequireFromString("0.002"),
		decimal.RequireFromString("0.0000013"),
		decimal.RequireFromString("0.0019987")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReconciliationAddChunkRequiresInitialize(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE fee_reconciliation").
		WithArgs("grp-9", "0.002", "0", "0.002").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Reconciliation().AddChunk(context.Background(), "grp-9",
		decimal.RequireFromString("0.002"), decimal.Zero, decimal.RequireFromString("0.002"))
	var storeErr *types.StoreError
	require.ErrorAs(t, err, &storeErr)
}

func TestReconciliationGetRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("SELECT chunk_group_id, symbol").
		WithArgs("grp-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"chunk_group_id", "symbol", "total_chunks", "completed_chunks",
			"total_ordered_qty", "total_fee_base", "total_net_received",
			"topup_order_id", "topup_status", "notes", "updated_at"}).
			AddRow("grp-1", "BTCUSDT", 3, 3, "0.006", "0.0000039", "0.0059961",
				nil, "SKIPPED_BELOW_MINIMUM", "shortfall negligible (~$0.25)", now))

	rec, err := s.Reconciliation().Get(context.Background(), "grp-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, 3, rec.CompletedChunks)
	require.True(t, rec.TotalFeeBase.Equal(decimal.RequireFromString("0.0000039")))
	require.Nil(t, rec.TopUpOrderID)
	require.NotNil(t, rec.TopUpStatus)
	require.Equal(t, types.TopUpSkippedBelow, *rec.TopUpStatus)
}

func TestReconciliationGetMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT chunk_group_id, symbol").
		WithArgs("grp-9").
		WillReturnRows(sqlmock.NewRows([]string{
			"chunk_group_id", "symbol", "total_chunks", "completed_chunks",
			"total_ordered_qty", "total_fee_base", "total_net_received",
			"topup_order_id", "topup_status", "notes", "updated_at"}))

	rec, err := s.Reconciliation().Get(context.Background(), "grp-9")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestReconciliationSetTopUp(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE fee_reconciliation").
		WithArgs("grp-1", "topup-1", "COMPLETED", "fee top-up filled").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Reconciliation().SetTopUp(context.Background(), "grp-1",
		util.Ptr("topup-1"), types.TopUpCompleted, "fee top-up filled")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
