package telemetry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftpool/clamm-engine/internal/types"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func snapAt(pool types.PoolID, offset time.Duration, liquidity float64) types.TelemetrySnapshot {
	return types.TelemetrySnapshot{
		Pool:         pool,
		ActiveBin:    100,
		BinStep:      20,
		LiquidityUSD: liquidity,
		FetchedAt:    t0.Add(offset),
	}
}

func TestSnapshotWindowIsBounded(t *testing.T) {
	s := New()
	for i := 0; i < 6; i++ {
		s.RecordSnapshot(snapAt("pool-1", time.Duration(i*10)*time.Second, 1000))
	}
	got := s.Snapshots("pool-1")
	require.Len(t, got, HSnap)
	assert.Equal(t, t0.Add(50*time.Second), got[len(got)-1].FetchedAt)
}

func TestSnapshotRejectsZeroLiquidity(t *testing.T) {
	s := New()
	s.RecordSnapshot(snapAt("pool-1", 0, 0))
	assert.Empty(t, s.Snapshots("pool-1"))
}

func TestSnapshotThrottlesSamePoolWithinInterval(t *testing.T) {
	s := New()
	s.RecordSnapshot(snapAt("pool-1", 0, 1000))
	s.RecordSnapshot(snapAt("pool-1", 3*time.Second, 1100))
	assert.Len(t, s.Snapshots("pool-1"), 1, "snapshots inside the minimum interval are silently dropped")
}

func TestSnapshotRejectsNonMonotoneTimestamp(t *testing.T) {
	s := New()
	s.RecordSnapshot(snapAt("pool-1", 20*time.Second, 1000))
	s.RecordSnapshot(snapAt("pool-1", 10*time.Second, 1100))
	got := s.Snapshots("pool-1")
	require.Len(t, got, 1)
	assert.Equal(t, 1000.0, got[0].LiquidityUSD)
}

func TestSwapWindowIsBounded(t *testing.T) {
	s := New()
	for i := 0; i < HSwap+5; i++ {
		s.RecordSwap(types.SwapEvent{Pool: "pool-1", Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}
	assert.Len(t, s.Swaps("pool-1"), HSwap)
}

func TestMaxPoolsEvictsLeastRecentlyInserted(t *testing.T) {
	s := New()
	for i := 0; i < MaxPools+1; i++ {
		pool := types.PoolID(fmt.Sprintf("pool-%d", i))
		s.RecordSnapshot(snapAt(pool, 0, 1000))
	}
	assert.Empty(t, s.Snapshots("pool-0"), "oldest pool evicted at capacity")
	assert.NotEmpty(t, s.Snapshots(types.PoolID(fmt.Sprintf("pool-%d", MaxPools))))
}

func TestPruneInactiveDropsUntracked(t *testing.T) {
	s := New()
	s.RecordSnapshot(snapAt("pool-1", 0, 1000))
	s.RecordSnapshot(snapAt("pool-2", 0, 1000))

	s.PruneInactive(map[types.PoolID]struct{}{"pool-2": {}})
	assert.Empty(t, s.Snapshots("pool-1"))
	assert.NotEmpty(t, s.Snapshots("pool-2"))
}

func TestReadsReturnOwnedCopies(t *testing.T) {
	s := New()
	s.RecordSnapshot(snapAt("pool-1", 0, 1000))

	got := s.Snapshots("pool-1")
	got[0].LiquidityUSD = -1

	again := s.Snapshots("pool-1")
	assert.Equal(t, 1000.0, again[0].LiquidityUSD, "mutating a returned slice must not touch the buffer")
}
