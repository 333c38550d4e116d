package state

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftpool/clamm-engine/internal/types"
)

func TestInsertPositionPersistsBinCluster(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectExec("INSERT INTO positions").
		WithArgs("pos-1", "pool-1", 1.02, 101, 0, pq.Array([]int64{99, 100, 101, 102, 103}),
			0.0, 0.0, "NEUTRAL", "open", false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := InsertPosition(context.Background(), PositionRow{
		TradeID:      "pos-1",
		Pool:         "pool-1",
		CurrentPrice: 1.02,
		CurrentBin:   101,
		Bins:         []int64{99, 100, 101, 102, 103},
		Regime:       types.RegimeNeutral,
		ExitState:    types.ExitStateOpen,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListOpenPositionRowsScansBins(t *testing.T) {
	mock := withMockDB(t)
	rows := sqlmock.NewRows([]string{
		"trade_id", "pool", "current_price", "current_bin", "bin_offset", "bins",
		"pnl_usd", "pnl_percent", "regime", "exit_state", "pending_exit",
	}).AddRow("pos-1", "pool-1", 1.05, 103, 3, "{99,100,101}", 0.0, 0.0, "NEUTRAL", "open", false)
	mock.ExpectQuery("SELECT trade_id, pool, current_price, current_bin, bin_offset, bins").
		WillReturnRows(rows)

	got, err := ListOpenPositionRows(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []int64{99, 100, 101}, got[0].Bins)
	assert.Equal(t, 103, got[0].CurrentBin)
	assert.Equal(t, types.ExitStateOpen, got[0].ExitState)
}
