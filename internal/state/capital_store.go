package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/driftpool/clamm-engine/internal/types"
)

// CapitalStore adapts the capital_state table to capital.Store.
type CapitalStore struct{}

// NewCapitalStore constructs a CapitalStore over the package-level DB.
func NewCapitalStore() *CapitalStore { return &CapitalStore{} }

// SaveCapitalState upserts the singleton capital_state row.
func (CapitalStore) SaveCapitalState(ctx context.Context, s types.CapitalState) error {
	return safeUpsert("capital_state.save", "1", func() error {
		_, err := DB.ExecContext(ctx, `
			INSERT INTO capital_state (id, available_balance, locked_balance, total_realized_pnl, updated_at)
			VALUES (1, $1, $2, $3, now())
			ON CONFLICT (id) DO UPDATE SET
				available_balance = EXCLUDED.available_balance,
				locked_balance = EXCLUDED.locked_balance,
				total_realized_pnl = EXCLUDED.total_realized_pnl,
				updated_at = now()
		`, s.AvailableBalance, s.LockedBalance, s.TotalRealizedPnL)
		return err
	})
}

// LoadCapitalState reads the singleton row. Returns sql.ErrNoRows if absent
// so the caller can bootstrap from INITIAL_CAPITAL_USD.
func (CapitalStore) LoadCapitalState(ctx context.Context) (types.CapitalState, error) {
	var s types.CapitalState
	row := DB.QueryRowContext(ctx, `SELECT available_balance, locked_balance, total_realized_pnl FROM capital_state WHERE id = 1`)
	if err := row.Scan(&s.AvailableBalance, &s.LockedBalance, &s.TotalRealizedPnL); err != nil {
		if err == sql.ErrNoRows {
			return types.CapitalState{}, err
		}
		return types.CapitalState{}, fmt.Errorf("load capital state: %w", err)
	}
	return s, nil
}

// BootstrapCapitalState inserts the initial row if absent; used once at
// startup when PERSISTENCE_URL's capital_state table has never been seeded.
func BootstrapCapitalState(ctx context.Context, initialUSD float64) error {
	return safeInsert("capital_state.bootstrap", "1", func() error {
		_, err := DB.ExecContext(ctx, `
			INSERT INTO capital_state (id, available_balance, locked_balance, total_realized_pnl)
			VALUES (1, $1, 0, 0)
			ON CONFLICT (id) DO NOTHING
		`, initialUSD)
		return err
	})
}
