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

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newStoreWithDB(db, NewStoreOptions{}), mock
}

func baseRecord() *types.OrderRecord {
	return &types.OrderRecord{
		Key:          types.OrderKey{ChunkGroup: "grp-1", Sequence: 1, Venue: types.VenueSpot},
		Symbol:       "BTCUSDT",
		Side:         types.SideBuy,
		Type:         types.OrderTypeLimit,
		Price:        decimal.RequireFromString("64000.1"),
		Quantity:     decimal.RequireFromString("0.002"),
		VenueOrderID: "spot-1",
		Status:       types.StatusPlaced,
	}
}

func TestUpsertPreservesUnsetExecutionFields(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO orders").
		WithArgs("grp-1", 1, "spot", "BTCUSDT", "buy", "limit",
			"64000.1", "0.002", "spot-1", "PLACED",
			nil, nil, nil, nil, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Upsert(context.Background(), baseRecord()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCarriesPartialCompletionFields(t *testing.T) {
	s, mock := newMockStore(t)

	rec := baseRecord()
	rec.VenueOrderID = "spot-2"
	rec.PartialOrderID = util.Ptr("spot-1")
	rec.PartialExecQty = util.Ptr(decimal.RequireFromString("0.0006"))
	rec.PartialExecFee = util.Ptr(decimal.RequireFromString("0.00000039"))
	rec.IsPartialCompletion = util.Ptr(true)

	mock.ExpectExec("INSERT INTO orders").
		WithArgs("grp-1", 1, "spot", "BTCUSDT", "buy", "limit",
			"64000.1", "0.002", "spot-2", "PLACED",
			nil, nil, nil, "spot-1", "0.0006", "0.00000039", true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Upsert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRejectsInvalidRecord(t *testing.T) {
	s, _ := newMockStore(t)

	rec := baseRecord()
	rec.Key.Venue = "swap"
	require.Error(t, s.Upsert(context.Background(), rec))
}

func TestUpdateFromEventSpotSubtractsFeeFromNet(t *testing.T) {
	s, mock := newMockStore(t)

	ev := &types.OrderEvent{
		Venue:        types.VenueSpot,
		VenueOrderID: "spot-1",
		Status:       types.StatusFilled,
		CumExecQty:   decimal.RequireFromString("0.002"),
		CumExecFee:   decimal.RequireFromString("0.0000013"),
	}

	mock.ExpectExec("UPDATE orders").
		WithArgs("spot-1", "FILLED", "0.002", "0.0000013", "0.0019987").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateFromEvent(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFromEventPerpKeepsQtyAsNet(t *testing.T) {
	s, mock := newMockStore(t)

	ev := &types.OrderEvent{
		Venue:        types.VenuePerp,
		VenueOrderID: "perp-1",
		Status:       types.StatusFilled,
		CumExecQty:   decimal.RequireFromString("0.002"),
		CumExecFee:   decimal.RequireFromString("0.064"),
	}

	mock.ExpectExec("UPDATE orders").
		WithArgs("perp-1", "FILLED", "0.002", "0.064", "0.002").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateFromEvent(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFromEventKeepsFillProgressOnBareStatus(t *testing.T) {
	s, mock := newMockStore(t)

	ev := &types.OrderEvent{
		Venue:        types.VenueSpot,
		VenueOrderID: "spot-1",
		Status:       types.StatusCancelled,
	}

	// No execution data in the event: cumulative columns stay NULL-guarded.
	mock.ExpectExec("UPDATE orders").
		WithArgs("spot-1", "CANCELLED", nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateFromEvent(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFromEventMissingRow(t *testing.T) {
	s, mock := newMockStore(t)

	ev := &types.OrderEvent{
		Venue:        types.VenueSpot,
		VenueOrderID: "unknown",
		Status:       types.StatusOpen,
	}

	mock.ExpectExec("UPDATE orders").
		WithArgs("unknown", "OPEN", nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateFromEvent(context.Background(), ev)
	var storeErr *types.StoreError
	require.ErrorAs(t, err, &storeErr)
}

var orderCols = []string{
	"chunk_group_id", "chunk_sequence", "venue", "symbol", "side", "order_type",
	"price", "quantity", "venue_order_id", "status",
	"cum_exec_qty", "cum_exec_fee", "net_received",
	"partial_order_id", "partial_exec_qty", "partial_exec_fee", "is_partial_completion",
	"created_at", "updated_at",
}

func TestGetScansRecord(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("SELECT").
		WithArgs("grp-1", 1, "spot").
		WillReturnRows(sqlmock.NewRows(orderCols).AddRow(
			"grp-1", 1, "spot", "BTCUSDT", "buy", "limit",
			"64000.1", "0.002", "spot-1", "OPEN",
			"0.0006", "0.00000039", "0.00059961",
			nil, nil, nil, false,
			now, now,
		))

	rec, err := s.Get(context.Background(), types.OrderKey{ChunkGroup: "grp-1", Sequence: 1, Venue: types.VenueSpot})
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, types.StatusOpen, rec.Status)
	require.True(t, rec.Price.Equal(decimal.RequireFromString("64000.1")))
	require.NotNil(t, rec.CumExecQty)
	require.True(t, rec.CumExecQty.Equal(decimal.RequireFromString("0.0006")))
	require.Nil(t, rec.PartialOrderID)
	require.NotNil(t, rec.IsPartialCompletion)
	require.False(t, *rec.IsPartialCompletion)
}

func TestGetMissingRowIsNotAnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT").
		WithArgs("grp-1", 9, "perp").
		WillReturnRows(sqlmock.NewRows(orderCols))

	rec, err := s.Get(context.Background(), types.OrderKey{ChunkGroup: "grp-1", Sequence: 9, Venue: types.VenuePerp})
	require.NoError(t, err)
	require.Nil(t, rec)
}
