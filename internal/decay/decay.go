// Package decay implements the structural-decay and harmonic-decay exit
// detectors: the structural detector trips on a sustained run of
// jointly-negative entropy/liquidity slopes, while the harmonic detector
// evaluates volatility-adjusted drawdown and liquidity outflow bands
// against a position's entry-time baseline.
package decay

import (
	"sync"

	"github.com/driftpool/clamm-engine/internal/logger"
	"github.com/driftpool/clamm-engine/internal/types"
)

var decayLog = logger.GetForComponent("decay_detector")

// structuralTrigger is the number of consecutive snapshots with both slopes
// negative required before the position must exit.
const structuralTrigger = 3

// Detector tracks per-pool consecutive-negative-slope counters for the
// structural detector. It is safe for concurrent use across the Exit Watcher
// loop and the exit path.
type Detector struct {
	mu        sync.Mutex
	entropy   map[types.PoolID]int
	liquidity map[types.PoolID]int
}

// New constructs an empty Detector.
func New() *Detector {
	return &Detector{
		entropy:   make(map[types.PoolID]int),
		liquidity: make(map[types.PoolID]int),
	}
}

// Observe records one slope sample for pool, advancing or resetting each
// signal's consecutive-negative counter independently. It returns the
// current structural-decay severity after the update.
func (d *Detector) Observe(pool types.PoolID, entropySlope, liquiditySlope float64) types.DecaySeverity {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entropySlope < 0 {
		d.entropy[pool]++
	} else {
		d.entropy[pool] = 0
	}
	if liquiditySlope < 0 {
		d.liquidity[pool]++
	} else {
		d.liquidity[pool] = 0
	}

	return severityFor(min(d.entropy[pool], d.liquidity[pool]))
}

// Severity reads the current structural-decay severity for pool without
// advancing any counter. evaluatePositionHealth consults this so it stays
// side-effect free; only Observe mutates.
func (d *Detector) Severity(pool types.PoolID) types.DecaySeverity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return severityFor(min(d.entropy[pool], d.liquidity[pool]))
}

// Unregister drops a pool's counters, called when a position that owned
// this pool's tracking closes.
func (d *Detector) Unregister(pool types.PoolID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entropy, pool)
	delete(d.liquidity, pool)
}

func severityFor(consecutive int) types.DecaySeverity {
	switch {
	case consecutive >= structuralTrigger:
		return types.DecaySevere
	case consecutive == 2:
		return types.DecayModerate
	case consecutive == 1:
		return types.DecayMild
	default:
		return types.DecayNone
	}
}

// ShouldExit reports whether the current severity has crossed the
// structural-decay exit trigger: >= 3 consecutive snapshots with both
// entropySlope < 0 and liquiditySlope < 0.
func ShouldExit(severity types.DecaySeverity) bool {
	return severity == types.DecaySevere
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// HarmonicBaseline is the entry-time snapshot a position's harmonic-decay
// evaluation is measured against.
type HarmonicBaseline struct {
	EntryFeeIntensity float64
	EntryLiquidityUSD float64
}

// HarmonicInputs bundles the live values fed into the harmonic evaluator.
// CurrentHealthIndex may be zero when the health index is unavailable for
// the tick; the minimum-health check is skipped rather than tripped on a
// missing reading.
type HarmonicInputs struct {
	CurrentFeeIntensity float64
	CurrentLiquidityUSD float64
	CurrentHealthIndex  float64
}

const (
	// baseDropFactor is the fee-intensity drop ratio that trips a full exit
	// at volatility multiplier 1.0; the effective threshold widens (divides)
	// by the current volatility-band multiplier.
	baseDropFactor = 0.45
	// baseMinHealth is the health-index floor below which the position takes
	// a full exit at multiplier 1.0; like the drop factor, the effective
	// floor widens (divides) by the band multiplier, so high volatility
	// tolerates a lower health reading before tripping.
	baseMinHealth = 0.30
	// baseLiquidityOutflowTolerance is the fractional liquidity outflow
	// tolerated before a full exit at multiplier 1.0; the effective
	// tolerance is multiplied by the band multiplier (wider bands tolerate
	// more outflow before tripping).
	baseLiquidityOutflowTolerance = 0.25
)

// Evaluate computes the harmonic-decay verdict for a position given its
// entry baseline, current readings, and the pool's current volatility-band
// multiplier. A full-exit verdict preempts every other advisory signal in
// the position-health evaluation.
func Evaluate(baseline HarmonicBaseline, in HarmonicInputs, multiplier float64) (fullExit bool, detail string) {
	if multiplier <= 0 {
		multiplier = 1.0
	}

	if baseline.EntryFeeIntensity > 0 {
		dropFactor := (baseline.EntryFeeIntensity - in.CurrentFeeIntensity) / baseline.EntryFeeIntensity
		effectiveDropThreshold := baseDropFactor / multiplier
		if dropFactor >= effectiveDropThreshold {
			decayLog.Info().
				Float64("drop_factor", dropFactor).
				Float64("threshold", effectiveDropThreshold).
				Msg("harmonic decay: fee intensity collapse")
			return true, "fee intensity collapse"
		}
	}

	if in.CurrentHealthIndex > 0 {
		effectiveMinHealth := baseMinHealth / multiplier
		if in.CurrentHealthIndex < effectiveMinHealth {
			decayLog.Info().
				Float64("health_index", in.CurrentHealthIndex).
				Float64("min_health", effectiveMinHealth).
				Msg("harmonic decay: health below minimum")
			return true, "health below minimum"
		}
	}

	if baseline.EntryLiquidityUSD > 0 {
		outflow := (baseline.EntryLiquidityUSD - in.CurrentLiquidityUSD) / baseline.EntryLiquidityUSD
		effectiveTolerance := baseLiquidityOutflowTolerance * multiplier
		if outflow >= effectiveTolerance {
			decayLog.Info().
				Float64("outflow", outflow).
				Float64("tolerance", effectiveTolerance).
				Msg("harmonic decay: liquidity outflow")
			return true, "liquidity outflow"
		}
	}

	return false, ""
}
