// Package regime maps the market-wide regime classification to entry/exit
// thresholds and bin-width policy.
package regime

import "github.com/driftpool/clamm-engine/internal/types"

// Policy is the {entryThreshold, exitThreshold, binWidth} triple for a regime.
type Policy struct {
	EntryThreshold float64
	ExitThreshold  float64
	BinWidth       types.BinWidthPolicy
}

var policies = map[types.Regime]Policy{
	types.RegimeBull: {
		EntryThreshold: 28,
		ExitThreshold:  18,
		BinWidth:       types.BinWidthPolicy{Min: 5, Max: 12, Label: types.BinWidthNarrow},
	},
	types.RegimeNeutral: {
		EntryThreshold: 32,
		ExitThreshold:  22,
		BinWidth:       types.BinWidthPolicy{Min: 8, Max: 18, Label: types.BinWidthMedium},
	},
	types.RegimeBear: {
		EntryThreshold: 36,
		ExitThreshold:  30,
		BinWidth:       types.BinWidthPolicy{Min: 12, Max: 26, Label: types.BinWidthWide},
	},
}

// PolicyFor returns the entry/exit thresholds and default bin-width policy
// for a regime. Unknown regimes fall back to NEUTRAL's policy.
func PolicyFor(r types.Regime) Policy {
	if p, ok := policies[r]; ok {
		return p
	}
	return policies[types.RegimeNeutral]
}

// BinWidthForScore further tightens bin width per pool based on composite
// score: narrow above 45, medium above 35, wide otherwise.
func BinWidthForScore(score float64) types.BinWidthLabel {
	switch {
	case score > 45:
		return types.BinWidthNarrow
	case score > 35:
		return types.BinWidthMedium
	default:
		return types.BinWidthWide
	}
}

// MigrationReversed reports whether the live per-minute liquidity slope has
// reversed against the position's entry-time migration direction beyond the
// 0.40 threshold. A neutral entry direction has nothing to flip against and
// never reverses.
func MigrationReversed(entryDirection types.MigrationDirection, liquiditySlopePerMin float64) bool {
	const threshold = 0.40
	switch entryDirection {
	case types.MigrationIn:
		return liquiditySlopePerMin <= -threshold
	case types.MigrationOut:
		return liquiditySlopePerMin >= threshold
	default:
		return false
	}
}

// ClassifyMigration turns a per-minute liquidity slope into a migration
// direction. Regime transitions affect only new entry/exit decisions; they
// never retroactively re-score an already-open position.
func ClassifyMigration(liquiditySlopePerMin float64) types.MigrationDirection {
	const threshold = 0.40
	switch {
	case liquiditySlopePerMin >= threshold:
		return types.MigrationIn
	case liquiditySlopePerMin <= -threshold:
		return types.MigrationOut
	default:
		return types.MigrationNeutral
	}
}
