package engine

import (
	"context"
	"sort"

	"github.com/driftpool/clamm-engine/internal/health"
	"github.com/driftpool/clamm-engine/internal/sizing"
	"github.com/driftpool/clamm-engine/internal/types"
)

// PlacePools takes scan-driver candidates, scores and filters them, and
// opens positions in score order into the remaining concurrency slots.
// It is re-entrant-safe: it mutates no position state outside ExecuteEntry.
// Returns the number of positions opened.
func (e *Engine) PlacePools(ctx context.Context, pools []types.PoolMetadata) int {
	r := e.regimes.Current()

	type candidate struct {
		meta  types.PoolMetadata
		score types.Tier4Score
	}
	var candidates []candidate

	for _, meta := range pools {
		if e.isHeld(meta.Pool) {
			continue
		}
		scoreRes := e.scorePool(meta.Pool, r)
		score, ok := scoreRes.Value()
		if !ok {
			e.logger.Debug().
				Str("pool", string(meta.Pool)).
				Str("reason", scoreRes.Reason()).
				Msg("candidate dropped: composite score invalid")
			continue
		}
		if score.Tier4Score < score.EntryThreshold {
			continue
		}
		if score.MigrationDirection == types.MigrationOut {
			e.logger.Debug().Str("pool", string(meta.Pool)).Msg("candidate dropped: liquidity migrating out")
			continue
		}
		if score.VelocitySlope <= 0 || score.LiquiditySlope <= 0 {
			continue
		}
		candidates = append(candidates, candidate{meta: meta, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score.Tier4Score > candidates[j].score.Tier4Score
	})

	slots := e.maxPools - e.openCount()
	opened := 0
	for _, c := range candidates {
		if slots <= 0 {
			break
		}

		hiRes := e.healthFor(c.meta.Pool)
		hi, ok := hiRes.Value()
		if !ok || !health.CanEnter(hi) {
			continue
		}

		bal := e.capital.GetBalance()
		volScore, _, _, ok := e.vol.Score(string(c.meta.Pool))
		if !ok {
			volScore = 0
		}
		size, ok := sizing.EntrySize(c.score.Tier4Score, bal.AvailableBalance, volScore)
		if !ok {
			continue
		}
		// The score tier and health tier are independent admission gates;
		// the smaller multiplier wins for sizing.
		if m := health.Multiplier(health.TierFor(hi)); m < 1 {
			size *= m
		}

		if !sizing.CanAddPosition(size, e.openSizeSum(), bal.AvailableBalance, e.maxExpoPct) {
			e.logger.Info().
				Str("pool", string(c.meta.Pool)).
				Float64("sizeUSD", size).
				Msg("candidate dropped: exposure cap")
			continue
		}

		if _, ok := e.ExecuteEntry(ctx, c.meta, size); ok {
			slots--
			opened++
		}
	}
	return opened
}

// isHeld reports whether any open position already tracks pool.
func (e *Engine) isHeld(pool types.PoolID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.positions {
		if p.Pool == pool && !p.Closed {
			return true
		}
	}
	return false
}

func (e *Engine) openCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, p := range e.positions {
		if !p.Closed {
			n++
		}
	}
	return n
}

// openSizeSum returns the summed sizeUSD of positions not yet closed; this
// is the quantity the exposure cap constrains.
func (e *Engine) openSizeSum() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sum float64
	for _, p := range e.positions {
		if p.ExitState != types.ExitStateClosed {
			sum += p.SizeUSD
		}
	}
	return sum
}
