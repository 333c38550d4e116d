// Package sizing implements tiered percentage-of-wallet entry sizing with
// volatility trim, scale-in eligibility, and the hard exposure-cap admission
// predicate: compute an unconstrained size, then reject it if it would
// breach a portfolio-wide cap before any capital is committed.
package sizing

import "math"

const (
	minScoreForEntry = 32

	tier1BasePct = 0.02 // score [32,44]
	tier2BasePct = 0.03 // score [45,59]
	tier3BasePct = 0.04 // score >= 60

	trimMin = 0.8
	trimMax = 1.1

	scaleInMinScore  = 45
	scaleInLowPct    = 0.06
	scaleInHighPct   = 0.12
	scaleInLowScore  = 45
	scaleInHighScore = 100

	// MaxExposurePct is the default hard cap on summed open-position USD
	// versus available wallet, overridable via MAX_EXPOSURE_PCT.
	MaxExposurePct = 0.30
)

// basePct returns the tiered base percentage for a composite score, or
// (0, false) if the score is below the entry floor.
func basePct(score float64) (float64, bool) {
	switch {
	case score < minScoreForEntry:
		return 0, false
	case score < 45:
		return tier1BasePct, true
	case score < 60:
		return tier2BasePct, true
	default:
		return tier3BasePct, true
	}
}

// EntrySize computes the entry size in USD for a pool given its composite
// score, the wallet's available balance, and the current volatility score
// (same units as volatility.Governor.Score's combined score). Returns
// (0, false) if score is below the entry floor.
func EntrySize(score, availableWallet, volatilityScore float64) (sizeUSD float64, ok bool) {
	base, ok := basePct(score)
	if !ok {
		return 0, false
	}
	trim := clamp(1.1-0.3*volatilityScore, trimMin, trimMax)
	adjustedPct := base * trim
	return adjustedPct * availableWallet, true
}

// ScaleInEligible reports whether a position is eligible to scale in:
// composite score >= 45, and both the live velocity and liquidity slopes
// exceed the slopes recorded when the position was opened. A position must
// be getting healthier, not just healthy, before more capital follows it.
func ScaleInEligible(score, velocitySlope, liquiditySlope, entryVelocityBaseline, entryLiquidityBaseline float64) bool {
	return score >= scaleInMinScore &&
		velocitySlope > entryVelocityBaseline &&
		liquiditySlope > entryLiquidityBaseline
}

// ScaleInSize interpolates the scale-in size percentage linearly between
// scaleInLowPct at scaleInLowScore and scaleInHighPct at scaleInHighScore,
// clamped to that range, then applies it to availableWallet.
func ScaleInSize(score, availableWallet float64) float64 {
	t := (score - scaleInLowScore) / (scaleInHighScore - scaleInLowScore)
	t = clamp(t, 0, 1)
	pct := scaleInLowPct + t*(scaleInHighPct-scaleInLowPct)
	return pct * availableWallet
}

// CanAddPosition is the authoritative exposure-cap admission predicate:
// rejects any candidate size that would push summed open-position USD above
// maxExposurePct of availableWallet. Checked before any capital allocation
// is attempted.
func CanAddPosition(candidateSizeUSD, currentOpenSizeUSD, availableWallet, maxExposurePct float64) bool {
	if maxExposurePct <= 0 {
		maxExposurePct = MaxExposurePct
	}
	if candidateSizeUSD <= 0 {
		return false
	}
	exposureCap := maxExposurePct * availableWallet
	return currentOpenSizeUSD+candidateSizeUSD <= exposureCap
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
