package engine

import (
	"context"
	"sync"

	"github.com/driftpool/clamm-engine/internal/decay"
	"github.com/driftpool/clamm-engine/internal/metricsengine"
	"github.com/driftpool/clamm-engine/internal/obsmetrics"
	"github.com/driftpool/clamm-engine/internal/regime"
	"github.com/driftpool/clamm-engine/internal/state"
	"github.com/driftpool/clamm-engine/internal/types"
)

// Exit fee and slippage approximations applied to the exit asset value.
// Production systems should source these from execution receipts.
const (
	exitFeePct      = 0.003
	exitSlippagePct = 0.001
)

// exitLockRegistry is the process-wide atomic test-and-set guard keyed by
// position id. Exactly one caller may hold a position's lock at a time.
type exitLockRegistry struct {
	mu   sync.Mutex
	held map[string]string
}

func newExitLockRegistry() exitLockRegistry {
	return exitLockRegistry{held: make(map[string]string)}
}

// acquire atomically takes the lock for id on behalf of caller.
func (r *exitLockRegistry) acquire(id, caller string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.held[id]; taken {
		return false
	}
	r.held[id] = caller
	return true
}

// release drops the lock for id. A no-op if not held.
func (r *exitLockRegistry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, id)
}

// ExecuteExit closes position id with the given reason. It is the single
// exit authority: of any number of concurrent callers racing to close the
// same position, exactly one passes the four guards and finalizes; every
// other caller returns false without side effects.
//
// After the guards, the sequence is: (A) finalize the trade-exit row — a
// failure here reverts the position to open and releases the lock, leaving
// it re-eligible for future exits; (B) apply PnL to the capital ledger —
// failures are logged but never revert, to rule out double-close attempts;
// (C) persist the position-exit row, non-fatal; (D) finalize in memory and
// unregister from the detectors.
func (e *Engine) ExecuteExit(ctx context.Context, id string, reason types.ExitReason, caller string) bool {
	e.mu.Lock()
	p, ok := e.positions[id]
	if !ok || p.Closed {
		e.mu.Unlock()
		e.rejectExit(id, caller, "position missing or already closed")
		return false
	}
	if p.ExitState != types.ExitStateOpen {
		e.mu.Unlock()
		e.rejectExit(id, caller, "exit state is not open")
		return false
	}
	if p.PendingExit {
		e.mu.Unlock()
		e.rejectExit(id, caller, "exit already pending")
		return false
	}
	if !e.exitLocks.acquire(id, caller) {
		e.mu.Unlock()
		e.rejectExit(id, caller, "exit lock held by another caller")
		return false
	}

	p.PendingExit = true
	p.ExitState = types.ExitStateClosing
	pnl := p.PnL
	sizeUSD := p.SizeUSD
	exitPrice := p.CurrentPrice
	pool := p.Pool
	e.mu.Unlock()

	e.logger.Info().
		Str("tag", "[EXIT_AUTH]").
		Str("id", id).
		Str("caller", caller).
		Str("reason", string(reason)).
		Msg("exit lock acquired")

	if err := e.store.MarkPositionClosing(ctx, id); err != nil {
		e.logger.Warn().Err(err).Str("id", id).Msg("closing-state mirror persist failed")
	}

	now := e.now()
	exitValueUSD := sizeUSD + pnl
	feesUSD := exitValueUSD * exitFeePct
	slippageUSD := exitValueUSD * exitSlippagePct

	if err := e.store.UpdateTradeExit(ctx, id, exitPrice, exitValueUSD, feesUSD, slippageUSD, reason, now); err != nil {
		e.mu.Lock()
		p.PendingExit = false
		p.ExitState = types.ExitStateOpen
		e.mu.Unlock()
		e.exitLocks.release(id)
		if rerr := e.store.RevertPositionToOpen(ctx, id); rerr != nil {
			e.logger.Warn().Err(rerr).Str("id", id).Msg("open-state mirror revert failed")
		}
		e.logger.Error().Err(err).
			Str("id", id).
			Str("caller", caller).
			Msg("exit aborted: trade-exit row persist failed, position remains open")
		return false
	}

	netPnL := pnl - feesUSD - slippageUSD
	e.capital.ApplyPnL(ctx, id, netPnL)

	if err := e.store.FinalizePositionExit(ctx, id, now); err != nil {
		e.logger.Warn().Err(err).Str("id", id).Msg("position-exit row persist failed")
	}

	e.mu.Lock()
	p.Closed = true
	p.ClosedAt = &now
	p.ExitReason = &reason
	p.ExitState = types.ExitStateClosed
	p.PendingExit = false
	delete(e.positions, id)
	delete(e.baselines, id)
	delete(e.trackedBin, id)
	e.closedList = append(e.closedList, p)
	poolStillHeld := false
	for _, other := range e.positions {
		if other.Pool == pool {
			poolStillHeld = true
			break
		}
	}
	if !poolStillHeld {
		delete(e.lastDecayObs, pool)
	}
	e.mu.Unlock()
	e.exitLocks.release(id)

	if !poolStillHeld {
		e.decay.Unregister(pool)
		obsmetrics.RemoveHealthIndex(string(pool))
	}

	if err := e.store.AppendActionLog(ctx, state.ActionTradeExit, map[string]interface{}{
		"id":        id,
		"pool":      string(pool),
		"reason":    string(reason),
		"caller":    caller,
		"pnl":       pnl,
		"netPnl":    netPnL,
		"exitValue": exitValueUSD,
	}); err != nil {
		e.logger.Warn().Err(err).Str("id", id).Msg("exit action record persist failed")
	}

	e.logger.Info().
		Str("tag", "[POSITION] EXIT").
		Str("id", id).
		Str("pool", string(pool)).
		Str("caller", caller).
		Str("reason", string(reason)).
		Float64("pnl", pnl).
		Float64("netPnl", netPnL).
		Msg("position closed")
	obsmetrics.IncExit(string(reason))

	return true
}

// rejectExit logs a guard rejection at info level; duplicate exit attempts
// are an expected race outcome, never an error.
func (e *Engine) rejectExit(id, caller, guard string) {
	e.logger.Info().
		Str("tag", "[GUARD]").
		Str("id", id).
		Str("caller", caller).
		Str("guard", guard).
		Msg("exit rejected")
	obsmetrics.IncGuardRejection(guard)
}

// CloseAll closes every open position through the normal exit path and
// returns the number closed.
func (e *Engine) CloseAll(ctx context.Context, reason types.ExitReason) int {
	closed := 0
	for _, v := range e.openViews() {
		if e.ExecuteExit(ctx, v.id, reason, "CLOSE_ALL") {
			closed++
		}
	}
	return closed
}

// EvaluatePositionHealth is pure advisory: it inspects a position's decay
// and composite-score signals and reports whether it should exit, without
// mutating any position state or detector counter.
func (e *Engine) EvaluatePositionHealth(id string) types.HealthEvaluation {
	none := types.HealthEvaluation{ExitType: types.ExitTypeNone}

	e.mu.Lock()
	p, ok := e.positions[id]
	if !ok || p.Closed {
		e.mu.Unlock()
		return none
	}
	pool := p.Pool
	entryFeeIntensity := p.EntryFeeIntensity
	entryMigration := p.EntryMigrationDirection
	exitThreshold := p.ExitThreshold
	baseline := e.baselines[id]
	e.mu.Unlock()

	// Structural decay: a sustained run of jointly negative entropy and
	// liquidity slopes mandates an exit regardless of everything else.
	if decay.ShouldExit(e.decay.Severity(pool)) {
		return types.HealthEvaluation{
			ExitType:   types.ExitTypeHarmonic,
			ShouldExit: true,
			ExitReason: types.ExitReasonStructuralDecay,
			Detail:     "entropy and liquidity slopes negative for 3+ consecutive snapshots",
		}
	}

	snaps := e.telemetry.Snapshots(pool)
	if len(snaps) == 0 {
		return none
	}
	latest := snaps[len(snaps)-1]

	_, _, mult, ok := e.vol.Score(string(pool))
	if !ok {
		mult = 1.0
	}

	// A zero health index means the reading is unavailable this tick; the
	// evaluator skips its minimum-health floor rather than tripping on it.
	var currentHI float64
	if hi, ok := e.healthFor(pool).Value(); ok {
		currentHI = hi
	}

	if fi, ok := metricsengine.FeeIntensity(latest).Value(); ok {
		if fullExit, detail := decay.Evaluate(baseline, decay.HarmonicInputs{
			CurrentFeeIntensity: fi,
			CurrentLiquidityUSD: latest.LiquidityUSD,
			CurrentHealthIndex:  currentHI,
		}, mult); fullExit {
			return types.HealthEvaluation{
				ExitType:   types.ExitTypeHarmonic,
				ShouldExit: true,
				ExitReason: types.ExitReasonHarmonicDecay,
				Detail:     detail,
			}
		}
	}

	scoreRes := e.scorePool(pool, e.regimes.Current())
	score, ok := scoreRes.Value()
	if !ok {
		// Scoring invalid never closes a position.
		return none
	}

	if score.Tier4Score < exitThreshold {
		return types.HealthEvaluation{
			ExitType:   types.ExitTypeTier4,
			ShouldExit: true,
			ExitReason: types.ExitReasonTier4Exit,
			Detail:     "composite score below exit threshold",
		}
	}

	sw, ew := seriesWindows(snaps)
	if sl, ok := metricsengine.ComputeSlopes(snaps, sw, ew).Value(); ok {
		if regime.MigrationReversed(entryMigration, sl.LiquiditySlopePerMin) {
			return types.HealthEvaluation{
				ExitType:   types.ExitTypeTier4,
				ShouldExit: true,
				ExitReason: types.ExitReasonTier4Exit,
				Detail:     "liquidity migration reversed against entry direction",
			}
		}
	}

	if entryFeeIntensity > 0 {
		if fi, ok := metricsengine.FeeIntensity(latest).Value(); ok {
			if (entryFeeIntensity-fi)/entryFeeIntensity >= 0.35 {
				return types.HealthEvaluation{
					ExitType:   types.ExitTypeTier4,
					ShouldExit: true,
					ExitReason: types.ExitReasonTier4Exit,
					Detail:     "fee intensity collapsed versus entry",
				}
			}
		}
	}

	return none
}
