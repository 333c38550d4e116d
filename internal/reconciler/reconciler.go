// Package reconciler implements the boot-time orphan sweep: it runs after
// DB-health verification and before the engine's loops start, force-closing
// any trade or position row left open by a crash that the engine's recovery
// pass did not take back into memory.
package reconciler

import (
	"context"
	"time"

	"github.com/driftpool/clamm-engine/internal/logger"
	"github.com/driftpool/clamm-engine/internal/state"
	"github.com/driftpool/clamm-engine/internal/types"
)

var reconcilerLog = logger.GetForComponent("reconciler")

// Result summarizes one reconciliation pass.
type Result struct {
	ClosedTradeIDs    []string
	ClosedPositionIDs []string
}

// Reconcile force-closes, at zero PnL with reason FORCE_CLOSED_ON_BOOT,
// every trade row with status='open' and every position row with closed_at
// IS NULL whose id is not in recoveredIDs — the set of positions the engine
// recovered into memory and still monitors. A crash mid-exit can leave the
// persistent record inconsistent with the in-memory truth, and that truth
// is gone on restart; anything the recovery pass did not claim is an orphan
// and must be neutralized.
//
// Idempotent: the underlying updates are guarded by WHERE status='open' /
// WHERE closed_at IS NULL, so a second pass over a clean DB is a no-op.
func Reconcile(ctx context.Context, now time.Time, recoveredIDs []string) (Result, error) {
	var res Result
	recovered := make(map[string]struct{}, len(recoveredIDs))
	for _, id := range recoveredIDs {
		recovered[id] = struct{}{}
	}

	openTradeIDs, err := state.ListOpenTradeIDs(ctx)
	if err != nil {
		return res, err
	}
	for _, id := range openTradeIDs {
		if _, ok := recovered[id]; ok {
			continue
		}
		if err := state.ForceCloseOrphanTrade(ctx, id, now); err != nil {
			reconcilerLog.Error().Err(err).Str("trade_id", id).Msg("failed to force-close orphan trade")
			continue
		}
		res.ClosedTradeIDs = append(res.ClosedTradeIDs, id)
	}

	orphanPositionIDs, err := state.ListOrphanPositionIDs(ctx)
	if err != nil {
		return res, err
	}
	for _, id := range orphanPositionIDs {
		if _, ok := recovered[id]; ok {
			continue
		}
		if err := state.ForceCloseOrphanPosition(ctx, id, now); err != nil {
			reconcilerLog.Error().Err(err).Str("trade_id", id).Msg("failed to force-close orphan position")
			continue
		}
		res.ClosedPositionIDs = append(res.ClosedPositionIDs, id)
	}

	if len(res.ClosedTradeIDs) > 0 || len(res.ClosedPositionIDs) > 0 {
		reconcilerLog.Warn().
			Strs("trades", res.ClosedTradeIDs).
			Strs("positions", res.ClosedPositionIDs).
			Msg("reconciler force-closed orphaned rows on boot")
		if err := state.AppendActionLog(ctx, state.ActionKind(types.ExitReasonForceClosedBoot), res); err != nil {
			reconcilerLog.Warn().Err(err).Msg("reconciliation action record persist failed")
		}
	} else {
		reconcilerLog.Info().Msg("reconciler found no orphaned rows")
	}

	return res, nil
}
