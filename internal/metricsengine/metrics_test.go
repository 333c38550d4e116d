package metricsengine

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftpool/clamm-engine/internal/types"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func snap(offsetSec int, bin int, liquidity float64, trades int, base, quote int64) types.TelemetrySnapshot {
	return types.TelemetrySnapshot{
		Pool:           "pool-1",
		ActiveBin:      bin,
		BinStep:        20,
		LiquidityUSD:   liquidity,
		InventoryBase:  sdkmath.NewInt(base),
		InventoryQuote: sdkmath.NewInt(quote),
		FeeRateBps:     30,
		RecentTrades:   trades,
		FetchedAt:      t0.Add(time.Duration(offsetSec) * time.Second),
	}
}

func TestBinVelocityNormalizesAndCaps(t *testing.T) {
	snaps := []types.TelemetrySnapshot{
		snap(0, 100, 1000, 1, 500, 500),
		snap(10, 101, 1000, 1, 500, 500),
	}
	v, ok := BinVelocity(snaps).Value()
	require.True(t, ok)
	assert.InDelta(t, 0.1, v.Raw, 1e-9)
	assert.InDelta(t, 1.0, v.Normalized, 1e-9)

	// A large bin jump still normalizes to at most 1.
	snaps[1].ActiveBin = 150
	v, ok = BinVelocity(snaps).Value()
	require.True(t, ok)
	assert.Equal(t, 1.0, v.Normalized)
}

func TestBinVelocityRequiresHistory(t *testing.T) {
	res := BinVelocity([]types.TelemetrySnapshot{snap(0, 100, 1000, 1, 500, 500)})
	assert.False(t, res.Valid())
}

func TestSwapVelocity(t *testing.T) {
	snaps := []types.TelemetrySnapshot{
		snap(0, 100, 1000, 1, 500, 500),
		snap(10, 100, 1000, 5, 500, 500),
	}
	v, ok := SwapVelocity(snaps).Value()
	require.True(t, ok)
	assert.InDelta(t, 0.5, v.Raw, 1e-9)
	assert.InDelta(t, 1.0, v.Normalized, 1e-9)
}

func TestLiquidityFlowNormalization(t *testing.T) {
	cases := []struct {
		name     string
		prev     float64
		cur      float64
		wantRaw  float64
		wantNorm float64
	}{
		{"ten pct outflow pins to zero", 1000, 900, -0.10, 0},
		{"five pct inflow pins to one", 1000, 1050, 0.05, 1},
		{"flat sits mid-band", 1000, 1000, 0, 10.0 / 15.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snaps := []types.TelemetrySnapshot{
				snap(0, 100, tc.prev, 1, 500, 500),
				snap(10, 100, tc.cur, 1, 500, 500),
			}
			v, ok := LiquidityFlowPct(snaps).Value()
			require.True(t, ok)
			assert.InDelta(t, tc.wantRaw, v.Raw, 1e-9)
			assert.InDelta(t, tc.wantNorm, v.Normalized, 1e-9)
		})
	}
}

func TestEntropyStaysInUnitInterval(t *testing.T) {
	snaps := []types.TelemetrySnapshot{
		snap(0, 100, 1000, 1, 1000, 0),
		snap(10, 150, 1000, 1, 0, 1000),
		snap(20, 100, 1000, 1, 1000, 0),
	}
	e, ok := Entropy(snaps).Value()
	require.True(t, ok)
	assert.GreaterOrEqual(t, e, 0.0)
	assert.LessOrEqual(t, e, 1.0)
}

func TestComputeSlopesRequiresThreeSnapshots(t *testing.T) {
	snaps := []types.TelemetrySnapshot{
		snap(0, 100, 1000, 1, 500, 500),
		snap(10, 100, 1100, 1, 500, 500),
	}
	res := ComputeSlopes(snaps, nil, nil)
	assert.False(t, res.Valid())
}

func TestComputeSlopesValues(t *testing.T) {
	snaps := []types.TelemetrySnapshot{
		snap(0, 100, 100000, 3, 500, 500),
		snap(10, 101, 102000, 4, 500, 500),
		snap(20, 102, 104000, 6, 500, 500),
	}
	sl, ok := ComputeSlopes(snaps, []float64{0.4, 0.6}, []float64{0.08, 0.09}).Value()
	require.True(t, ok)
	assert.InDelta(t, 200.0, sl.LiquiditySlope, 1e-9)
	assert.InDelta(t, 0.02, sl.VelocitySlope, 1e-9)
	assert.InDelta(t, 0.001, sl.EntropySlope, 1e-9)
	// Relative flow of ~1.96% over 10s scales to ~11.8% per minute.
	assert.InDelta(t, (2000.0/102000.0)*6, sl.LiquiditySlopePerMin, 1e-9)
}

func TestFeeIntensityRejectsEmptyPool(t *testing.T) {
	s := snap(0, 100, 0, 1, 500, 500)
	assert.False(t, FeeIntensity(s).Valid())
}

func TestFeeIntensity3mCountsRecentSwaps(t *testing.T) {
	s := snap(0, 100, 100000, 1, 500, 500)
	now := t0.Add(10 * time.Minute)
	swaps := []types.SwapEvent{
		{Pool: "pool-1", Timestamp: now.Add(-1 * time.Minute)},
		{Pool: "pool-1", Timestamp: now.Add(-2 * time.Minute)},
		{Pool: "pool-1", Timestamp: now.Add(-5 * time.Minute)}, // outside window
	}
	fi3, ok := FeeIntensity3m(swaps, s, now).Value()
	require.True(t, ok)
	fi, _ := FeeIntensity(s).Value()
	assert.InDelta(t, 2*fi, fi3, 1e-12)
}
