// Package metricsengine computes bin velocity, swap velocity, liquidity flow,
// entropy, fee intensity, and first-derivative slopes from a pool's telemetry
// snapshot window. Every output is a types.Result so callers cannot mistake
// an invalid computation for a real zero-valued measurement.
package metricsengine

import (
	"math"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/driftpool/clamm-engine/internal/logger"
	"github.com/driftpool/clamm-engine/internal/types"
)

var metricsLog = logger.GetForComponent("metrics_engine")

// MinSlopeHistory is the minimum snapshot count required to compute a slope.
const MinSlopeHistory = 3

// Normalization caps used to scale raw velocities into [0,1].
const (
	binVelocityNormCap  = 0.10
	swapVelocityNormCap = 0.50

	liqFlowLowerBound = -0.10
	liqFlowUpperBound = 0.05

	entropyInventoryWeight = 0.6
	entropyBinDeltaWeight  = 0.4
	entropyInventoryScale  = 1.0 / 0.25
	entropyBinDeltaScale   = 1.0 / 5.0

	feeIntensityNotional = 0.001
)

// Velocity holds both the raw and normalized value of a velocity metric.
type Velocity struct {
	Raw        float64
	Normalized float64
}

func deltaSeconds(a, b types.TelemetrySnapshot) float64 {
	return b.FetchedAt.Sub(a.FetchedAt).Seconds()
}

// BinVelocity computes |activeBin_t - activeBin_{t-1}| / dt, normalized by
// dividing by binVelocityNormCap and clamping to 1.
func BinVelocity(snapshots []types.TelemetrySnapshot) types.Result[Velocity] {
	if len(snapshots) < 2 {
		return types.Invalid[Velocity]("insufficient history: need >= 2 snapshots")
	}
	prev, cur := snapshots[len(snapshots)-2], snapshots[len(snapshots)-1]
	dt := deltaSeconds(prev, cur)
	if dt <= 0 {
		return types.Invalid[Velocity]("non-positive delta-t between snapshots")
	}
	raw := math.Abs(float64(cur.ActiveBin-prev.ActiveBin)) / dt
	norm := math.Min(raw/binVelocityNormCap, 1)
	return types.Ok(Velocity{Raw: raw, Normalized: norm})
}

// SwapVelocity computes recentTrades_t / dt, normalized against
// swapVelocityNormCap.
func SwapVelocity(snapshots []types.TelemetrySnapshot) types.Result[Velocity] {
	if len(snapshots) < 2 {
		return types.Invalid[Velocity]("insufficient history: need >= 2 snapshots")
	}
	prev, cur := snapshots[len(snapshots)-2], snapshots[len(snapshots)-1]
	dt := deltaSeconds(prev, cur)
	if dt <= 0 {
		return types.Invalid[Velocity]("non-positive delta-t between snapshots")
	}
	raw := float64(cur.RecentTrades) / dt
	norm := math.Min(raw/swapVelocityNormCap, 1)
	return types.Ok(Velocity{Raw: raw, Normalized: norm})
}

// LiquidityFlowPct computes (L_t - L_{t-1}) / L_{t-1}, normalized linearly
// over [liqFlowLowerBound, liqFlowUpperBound] -> [0,1].
func LiquidityFlowPct(snapshots []types.TelemetrySnapshot) types.Result[Velocity] {
	if len(snapshots) < 2 {
		return types.Invalid[Velocity]("insufficient history: need >= 2 snapshots")
	}
	prev, cur := snapshots[len(snapshots)-2], snapshots[len(snapshots)-1]
	if prev.LiquidityUSD <= 0 {
		return types.Invalid[Velocity]("previous liquidityUSD is non-positive")
	}
	raw := (cur.LiquidityUSD - prev.LiquidityUSD) / prev.LiquidityUSD
	norm := (raw - liqFlowLowerBound) / (liqFlowUpperBound - liqFlowLowerBound)
	norm = math.Max(0, math.Min(1, norm))
	return types.Ok(Velocity{Raw: raw, Normalized: norm})
}

// Entropy is the weighted sum of inventory-ratio variance and mean absolute
// bin delta over the window, both clamped to [0,1].
func Entropy(snapshots []types.TelemetrySnapshot) types.Result[float64] {
	if len(snapshots) < 2 {
		return types.Invalid[float64]("insufficient history: need >= 2 snapshots")
	}

	ratios := make([]float64, 0, len(snapshots))
	for _, s := range snapshots {
		base, ok1 := inventoryToFloat(s.InventoryBase)
		quote, ok2 := inventoryToFloat(s.InventoryQuote)
		if !ok1 || !ok2 {
			continue
		}
		total := base + quote
		if total <= 0 {
			continue
		}
		ratios = append(ratios, base/total)
	}
	if len(ratios) < 2 {
		return types.Invalid[float64]("insufficient valid inventory observations")
	}

	var mean float64
	for _, r := range ratios {
		mean += r
	}
	mean /= float64(len(ratios))

	var variance float64
	for _, r := range ratios {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(ratios))
	invComponent := math.Max(0, math.Min(1, variance*entropyInventoryScale))

	var binDeltaSum float64
	for i := 1; i < len(snapshots); i++ {
		binDeltaSum += math.Abs(float64(snapshots[i].ActiveBin - snapshots[i-1].ActiveBin))
	}
	meanBinDelta := binDeltaSum / float64(len(snapshots)-1)
	binComponent := math.Max(0, math.Min(1, meanBinDelta*entropyBinDeltaScale))

	entropy := entropyInventoryWeight*invComponent + entropyBinDeltaWeight*binComponent
	return types.Ok(entropy)
}

// inventoryToFloat converts a raw sdkmath.Int inventory amount to float64 for
// the entropy ratio, which is a dimensionless ratio of like-denominated raw
// units and so does not need decimal-precise USD conversion (contrast with
// internal/normalizer, which is required wherever a USD amount is produced).
func inventoryToFloat(amount sdkmath.Int) (float64, bool) {
	if amount.IsNil() || amount.IsNegative() {
		return 0, false
	}
	f, err := sdkmath.LegacyNewDecFromInt(amount).Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// FeeIntensity is a stable proxy for per-unit-liquidity fee accrual.
func FeeIntensity(snap types.TelemetrySnapshot) types.Result[float64] {
	if snap.LiquidityUSD <= 0 {
		return types.Invalid[float64]("liquidityUSD <= 0")
	}
	numerator := (snap.FeeRateBps / 10000.0) * snap.LiquidityUSD * feeIntensityNotional
	return types.Ok(numerator / snap.LiquidityUSD)
}

// FeeIntensity3m integrates per-swap fee accrual over the trailing three
// minutes of swap history: each swap inside the window contributes one unit
// of the pool's current fee intensity. Used to seed a position's
// entry3mFeeIntensity baseline.
func FeeIntensity3m(swaps []types.SwapEvent, snap types.TelemetrySnapshot, now time.Time) types.Result[float64] {
	fi := FeeIntensity(snap)
	fiVal, ok := fi.Value()
	if !ok {
		return types.Invalid[float64]("fee intensity unavailable: " + fi.Reason())
	}
	cutoff := now.Add(-3 * time.Minute)
	var count int
	for _, s := range swaps {
		if s.Timestamp.After(cutoff) {
			count++
		}
	}
	return types.Ok(fiVal * float64(count))
}

// Slopes holds the first-derivative slope of velocity, liquidity, and
// entropy over the snapshot window, plus the per-minute liquidity slope used
// by the regime migration classifier.
type Slopes struct {
	VelocitySlope        float64
	LiquiditySlope       float64
	EntropySlope         float64
	LiquiditySlopePerMin float64
}

// ComputeSlopes requires at least MinSlopeHistory snapshots and at least two
// points in each of the swap-velocity and entropy windows; otherwise it
// returns Invalid.
func ComputeSlopes(snapshots []types.TelemetrySnapshot, swapVelocityWindow []float64, entropyWindow []float64) types.Result[Slopes] {
	if len(snapshots) < MinSlopeHistory {
		return types.Invalid[Slopes]("insufficient history: need >= 3 snapshots for slope estimation")
	}

	prev, cur := snapshots[len(snapshots)-2], snapshots[len(snapshots)-1]
	dt := deltaSeconds(prev, cur)
	if dt <= 0 {
		return types.Invalid[Slopes]("non-positive delta-t between snapshots")
	}

	liqFlow := LiquidityFlowPct(snapshots)
	if !liqFlow.Valid() {
		return types.Invalid[Slopes]("liquidity flow unavailable: " + liqFlow.Reason())
	}
	liqVal, _ := liqFlow.Value()
	liquiditySlope := (cur.LiquidityUSD - prev.LiquidityUSD) / dt
	liquiditySlopePerMin := liqVal.Raw * (60.0 / dt)

	if len(swapVelocityWindow) < 2 {
		return types.Invalid[Slopes]("insufficient swap-velocity history: need >= 2 points")
	}
	velocitySlope := (swapVelocityWindow[len(swapVelocityWindow)-1] - swapVelocityWindow[len(swapVelocityWindow)-2]) / dt

	if len(entropyWindow) < 2 {
		return types.Invalid[Slopes]("insufficient entropy history: need >= 2 points")
	}
	entropySlope := (entropyWindow[len(entropyWindow)-1] - entropyWindow[len(entropyWindow)-2]) / dt

	return types.Ok(Slopes{
		VelocitySlope:        velocitySlope,
		LiquiditySlope:       liquiditySlope,
		EntropySlope:         entropySlope,
		LiquiditySlopePerMin: liquiditySlopePerMin,
	})
}
