package state

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/driftpool/clamm-engine/internal/types"
)

// Trade is one row per position lifetime.
type Trade struct {
	ID                   string
	Pool                 types.PoolID
	Symbol               string
	SizeUSD              float64
	EntryPrice           float64
	ExitPrice            *float64
	EntryValueUSD        float64
	ExitValueUSD         *float64
	FeesUSD              *float64
	SlippageUSD          *float64
	EntryScore           float64
	EntryVelocitySlope   float64
	EntryLiquiditySlope  float64
	EntryEntropySlope    float64
	Regime               types.Regime
	Status               string // "open" | "closed"
	ExitReason           *types.ExitReason
	OpenedAt             time.Time
	ClosedAt             *time.Time
}

// InsertTrade persists a new trade row at entry, before the position is
// registered in memory.
func InsertTrade(ctx context.Context, t Trade) error {
	return safeInsert("trades.insert", t.ID, func() error {
		_, err := DB.ExecContext(ctx, `
			INSERT INTO trades (
				id, pool, symbol, size_usd, entry_price, entry_value_usd,
				entry_score, entry_velocity_slope, entry_liquidity_slope, entry_entropy_slope,
				regime, status, opened_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,'open',$12)
		`, t.ID, string(t.Pool), t.Symbol, t.SizeUSD, t.EntryPrice, t.EntryValueUSD,
			t.EntryScore, t.EntryVelocitySlope, t.EntryLiquiditySlope, t.EntryEntropySlope,
			string(t.Regime), t.OpenedAt)
		return err
	})
}

// UpdateTradeExit finalizes a trade row's exit columns. On failure the
// caller must release the exit lock and revert the position to open.
func UpdateTradeExit(ctx context.Context, tradeID string, exitPrice, exitValueUSD, feesUSD, slippageUSD float64, reason types.ExitReason, closedAt time.Time) error {
	return safeUpdate("trades.exit", tradeID, func() error {
		_, err := DB.ExecContext(ctx, `
			UPDATE trades SET
				exit_price = $2, exit_value_usd = $3, fees_usd = $4, slippage_usd = $5,
				exit_reason = $6, status = 'closed', closed_at = $7
			WHERE id = $1
		`, tradeID, exitPrice, exitValueUSD, feesUSD, slippageUSD, string(reason), closedAt)
		return err
	})
}

// ForceCloseOrphanTrade marks a trade row closed at zero PnL with reason
// FORCE_CLOSED_ON_BOOT.
func ForceCloseOrphanTrade(ctx context.Context, tradeID string, closedAt time.Time) error {
	return safeUpdate("trades.force_close_orphan", tradeID, func() error {
		_, err := DB.ExecContext(ctx, `
			UPDATE trades SET
				exit_price = entry_price, exit_value_usd = entry_value_usd,
				fees_usd = 0, slippage_usd = 0,
				exit_reason = $2, status = 'closed', closed_at = $3
			WHERE id = $1 AND status = 'open'
		`, tradeID, string(types.ExitReasonForceClosedBoot), closedAt)
		return err
	})
}

// ListOpenTradeIDs returns the ids of every trade row with status 'open'.
func ListOpenTradeIDs(ctx context.Context) ([]string, error) {
	rows, err := DB.QueryContext(ctx, `SELECT id FROM trades WHERE status = 'open'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListOpenTrades returns every trade row with status 'open', used by
// initialize() to recover in-flight positions into memory.
func ListOpenTrades(ctx context.Context) ([]Trade, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT id, pool, symbol, size_usd, entry_price, entry_value_usd,
			entry_score, entry_velocity_slope, entry_liquidity_slope, entry_entropy_slope,
			regime, status, opened_at
		FROM trades WHERE status = 'open'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		var pool, regime string
		if err := rows.Scan(&t.ID, &pool, &t.Symbol, &t.SizeUSD, &t.EntryPrice, &t.EntryValueUSD,
			&t.EntryScore, &t.EntryVelocitySlope, &t.EntryLiquiditySlope, &t.EntryEntropySlope,
			&regime, &t.Status, &t.OpenedAt); err != nil {
			return nil, err
		}
		t.Pool = types.PoolID(pool)
		t.Regime = types.Regime(regime)
		out = append(out, t)
	}
	return out, rows.Err()
}

// PositionRow is the persisted parallel row for the open-position view;
// trade_id = Trade.ID.
type PositionRow struct {
	TradeID      string
	Pool         types.PoolID
	CurrentPrice float64
	CurrentBin   int
	BinOffset    int
	Bins         []int64
	PnLUSD       float64
	PnLPercent   float64
	HealthScore  *float64
	Regime       types.Regime
	ExitState    types.ExitState
	PendingExit  bool
	ClosedAt     *time.Time
}

// InsertPosition persists the initial position row at entry. Failure here
// is non-fatal and only logged; the trade row stays authoritative.
func InsertPosition(ctx context.Context, p PositionRow) error {
	return safeInsert("positions.insert", p.TradeID, func() error {
		_, err := DB.ExecContext(ctx, `
			INSERT INTO positions (
				trade_id, pool, current_price, current_bin, bin_offset, bins,
				pnl_usd, pnl_percent, regime, exit_state, pending_exit
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, p.TradeID, string(p.Pool), p.CurrentPrice, p.CurrentBin, p.BinOffset, pq.Array(p.Bins),
			p.PnLUSD, p.PnLPercent, string(p.Regime), string(p.ExitState), p.PendingExit)
		return err
	})
}

// ListOpenPositionRows returns every position row with closed_at IS NULL,
// used alongside the open trades to restore a recovered position's bin
// cluster and latest tracked state.
func ListOpenPositionRows(ctx context.Context) ([]PositionRow, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT trade_id, pool, current_price, current_bin, bin_offset, bins,
			pnl_usd, pnl_percent, regime, exit_state, pending_exit
		FROM positions WHERE closed_at IS NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var p PositionRow
		var pool, regime, exitState string
		var bins pq.Int64Array
		if err := rows.Scan(&p.TradeID, &pool, &p.CurrentPrice, &p.CurrentBin, &p.BinOffset, &bins,
			&p.PnLUSD, &p.PnLPercent, &regime, &exitState, &p.PendingExit); err != nil {
			return nil, err
		}
		p.Pool = types.PoolID(pool)
		p.Regime = types.Regime(regime)
		p.ExitState = types.ExitState(exitState)
		p.Bins = []int64(bins)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePositionPriceAndBin is called by the Bin Tracker (5s) loop; the
// Price Watcher loop updates prices in memory only.
func UpdatePositionPriceAndBin(ctx context.Context, tradeID string, currentPrice float64, currentBin, binOffset int) error {
	return safeUpdate("positions.price_bin", tradeID, func() error {
		_, err := DB.ExecContext(ctx, `
			UPDATE positions SET current_price = $2, current_bin = $3, bin_offset = $4, updated_at = now()
			WHERE trade_id = $1
		`, tradeID, currentPrice, currentBin, binOffset)
		return err
	})
}

// UpdatePositionPnL is called by the PnL Drift loop (15s).
func UpdatePositionPnL(ctx context.Context, tradeID string, pnlUSD, pnlPercent float64) error {
	return safeUpdate("positions.pnl", tradeID, func() error {
		_, err := DB.ExecContext(ctx, `
			UPDATE positions SET pnl_usd = $2, pnl_percent = $3, updated_at = now()
			WHERE trade_id = $1
		`, tradeID, pnlUSD, pnlPercent)
		return err
	})
}

// UpdatePositionRegimeAndHealth is called by the Regime Updater loop (30s);
// entry-time fields are immutable and untouched here.
func UpdatePositionRegimeAndHealth(ctx context.Context, tradeID string, regime types.Regime, healthScore float64) error {
	return safeUpdate("positions.regime_health", tradeID, func() error {
		_, err := DB.ExecContext(ctx, `
			UPDATE positions SET regime = $2, health_score = $3, updated_at = now()
			WHERE trade_id = $1
		`, tradeID, string(regime), healthScore)
		return err
	})
}

// MarkPositionClosing transitions a position row to exitState=closing,
// pendingExit=true, mirroring the in-memory acquisition in executeExit.
func MarkPositionClosing(ctx context.Context, tradeID string) error {
	return safeUpdate("positions.mark_closing", tradeID, func() error {
		_, err := DB.ExecContext(ctx, `
			UPDATE positions SET exit_state = 'closing', pending_exit = true, updated_at = now()
			WHERE trade_id = $1
		`, tradeID)
		return err
	})
}

// RevertPositionToOpen undoes MarkPositionClosing after a step-A failure.
func RevertPositionToOpen(ctx context.Context, tradeID string) error {
	return safeUpdate("positions.revert_open", tradeID, func() error {
		_, err := DB.ExecContext(ctx, `
			UPDATE positions SET exit_state = 'open', pending_exit = false, updated_at = now()
			WHERE trade_id = $1
		`, tradeID)
		return err
	})
}

// FinalizePositionExit persists the closed state. Non-fatal on failure.
func FinalizePositionExit(ctx context.Context, tradeID string, closedAt time.Time) error {
	return safeUpdate("positions.finalize_exit", tradeID, func() error {
		_, err := DB.ExecContext(ctx, `
			UPDATE positions SET exit_state = 'closed', pending_exit = false, closed_at = $2, updated_at = now()
			WHERE trade_id = $1
		`, tradeID, closedAt)
		return err
	})
}

// ForceCloseOrphanPosition closes a position row with closed_at IS NULL
// that boot-time recovery did not take back into memory.
func ForceCloseOrphanPosition(ctx context.Context, tradeID string, closedAt time.Time) error {
	return safeUpdate("positions.force_close_orphan", tradeID, func() error {
		_, err := DB.ExecContext(ctx, `
			UPDATE positions SET exit_state = 'closed', pending_exit = false, pnl_usd = 0, pnl_percent = 0, closed_at = $2, updated_at = now()
			WHERE trade_id = $1 AND closed_at IS NULL
		`, tradeID, closedAt)
		return err
	})
}

// ListOrphanPositionIDs returns trade_ids of every position row with
// closed_at IS NULL, the candidates for boot-time reconciliation.
func ListOrphanPositionIDs(ctx context.Context) ([]string, error) {
	rows, err := DB.QueryContext(ctx, `SELECT trade_id FROM positions WHERE closed_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
