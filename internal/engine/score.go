// Package engine is the execution engine: it owns positions, runs the six
// monitoring loops, enforces the single-exit-authority state machine, and
// composes the scoring/sizing/exit-signal subsystems into entry and exit
// decisions.
package engine

import (
	"github.com/driftpool/clamm-engine/internal/health"
	"github.com/driftpool/clamm-engine/internal/metricsengine"
	"github.com/driftpool/clamm-engine/internal/regime"
	"github.com/driftpool/clamm-engine/internal/types"
)

// regimeScoreMultiplier expresses the regime's risk appetite as a score
// multiplier: BULL scores run hot (a wider entry net on top of its lower
// thresholds), BEAR runs cold.
var regimeScoreMultiplier = map[types.Regime]float64{
	types.RegimeBull:    1.15,
	types.RegimeNeutral: 1.00,
	types.RegimeBear:    0.85,
}

func multiplierFor(r types.Regime) float64 {
	if m, ok := regimeScoreMultiplier[r]; ok {
		return m
	}
	return regimeScoreMultiplier[types.RegimeNeutral]
}

// microWeights combine the four normalized microstructure metrics into
// baseScore on a 0..100 scale comparable to regime.Policy's
// entry/exit thresholds (28..36 / 18..30).
const (
	microWeightSwapVel = 0.30
	microWeightBinVel  = 0.25
	microWeightLiqFlow = 0.25
	microWeightEntropy = 0.20

	baseScoreScale = 100.0
)

// ScoreInputs bundles everything composePoolScore needs beyond the raw
// snapshot window: the auxiliary series metricsengine.ComputeSlopes
// requires (swap-velocity and entropy history) and the current regime.
type ScoreInputs struct {
	Snapshots          []types.TelemetrySnapshot
	SwapVelocityWindow []float64
	EntropyWindow      []float64
	Regime             types.Regime
}

// ComposePoolScore derives a Tier-4 composite score from a pool's telemetry
// window. Any unavailable metric or slope makes the whole result Invalid;
// callers must reject the entry/exit decision rather than default a missing
// component to zero.
func ComposePoolScore(in ScoreInputs) types.Result[types.Tier4Score] {
	binVel := metricsengine.BinVelocity(in.Snapshots)
	swapVel := metricsengine.SwapVelocity(in.Snapshots)
	liqFlow := metricsengine.LiquidityFlowPct(in.Snapshots)
	entropy := metricsengine.Entropy(in.Snapshots)
	slopes := metricsengine.ComputeSlopes(in.Snapshots, in.SwapVelocityWindow, in.EntropyWindow)

	binVelV, ok := binVel.Value()
	if !ok {
		return types.Invalid[types.Tier4Score]("bin velocity unavailable: " + binVel.Reason())
	}
	swapVelV, ok := swapVel.Value()
	if !ok {
		return types.Invalid[types.Tier4Score]("swap velocity unavailable: " + swapVel.Reason())
	}
	liqFlowV, ok := liqFlow.Value()
	if !ok {
		return types.Invalid[types.Tier4Score]("liquidity flow unavailable: " + liqFlow.Reason())
	}
	entropyV, ok := entropy.Value()
	if !ok {
		return types.Invalid[types.Tier4Score]("entropy unavailable: " + entropy.Reason())
	}
	slopesV, ok := slopes.Value()
	if !ok {
		return types.Invalid[types.Tier4Score]("slopes unavailable: " + slopes.Reason())
	}

	baseScore := baseScoreScale * (microWeightSwapVel*swapVelV.Normalized +
		microWeightBinVel*binVelV.Normalized +
		microWeightLiqFlow*liqFlowV.Normalized +
		microWeightEntropy*entropyV)

	mult := multiplierFor(in.Regime)
	tier4 := baseScore * mult

	policy := regime.PolicyFor(in.Regime)
	binWidth := policy.BinWidth
	binWidth.Label = regime.BinWidthForScore(baseScore)

	migration := regime.ClassifyMigration(slopesV.LiquiditySlopePerMin)

	return types.Ok(types.Tier4Score{
		Tier4Score:         tier4,
		BaseScore:          baseScore,
		Regime:             in.Regime,
		RegimeMultiplier:   mult,
		MigrationDirection: migration,
		VelocitySlope:      slopesV.VelocitySlope,
		LiquiditySlope:     slopesV.LiquiditySlope,
		EntropySlope:       slopesV.EntropySlope,
		BinWidth:           binWidth,
		EntryThreshold:     policy.EntryThreshold,
		ExitThreshold:      policy.ExitThreshold,
		Valid:              true,
	})
}

// HealthMetricsFrom derives the health.Metrics that health.Index needs from
// the same snapshot window ComposePoolScore consumes.
func HealthMetricsFrom(snapshots []types.TelemetrySnapshot) types.Result[health.Metrics] {
	binVel := metricsengine.BinVelocity(snapshots)
	swapVel := metricsengine.SwapVelocity(snapshots)
	liqFlow := metricsengine.LiquidityFlowPct(snapshots)
	entropy := metricsengine.Entropy(snapshots)

	binVelV, ok := binVel.Value()
	if !ok {
		return types.Invalid[health.Metrics]("bin velocity unavailable: " + binVel.Reason())
	}
	swapVelV, ok := swapVel.Value()
	if !ok {
		return types.Invalid[health.Metrics]("swap velocity unavailable: " + swapVel.Reason())
	}
	liqFlowV, ok := liqFlow.Value()
	if !ok {
		return types.Invalid[health.Metrics]("liquidity flow unavailable: " + liqFlow.Reason())
	}
	entropyV, ok := entropy.Value()
	if !ok {
		return types.Invalid[health.Metrics]("entropy unavailable: " + entropy.Reason())
	}

	return types.Ok(health.Metrics{
		BinVelocity:   binVelV.Normalized,
		SwapVelocity:  swapVelV.Normalized,
		Entropy:       entropyV,
		LiquidityFlow: liqFlowV.Normalized,
	})
}

// SlopePenaltyInputsFrom adapts metricsengine.Slopes into health's penalty
// input shape.
func SlopePenaltyInputsFrom(slopes types.Result[metricsengine.Slopes]) types.Result[health.SlopePenaltyInputs] {
	v, ok := slopes.Value()
	if !ok {
		return types.Invalid[health.SlopePenaltyInputs]("slopes unavailable: " + slopes.Reason())
	}
	return types.Ok(health.SlopePenaltyInputs{
		VelocitySlope:  v.VelocitySlope,
		LiquiditySlope: v.LiquiditySlope,
		EntropySlope:   v.EntropySlope,
	})
}
