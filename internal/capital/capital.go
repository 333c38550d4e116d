// Package capital implements the persistent USD capital ledger:
// allocate/release/applyPnL against availableBalance and lockedBalance,
// with every mutating operation persisted before it returns.
// A crash between persist and return at worst leaves a locked amount that
// the reconciler resolves on restart by force-closing the owning position
// at zero PnL.
package capital

import (
	"context"
	"sync"

	"github.com/driftpool/clamm-engine/internal/logger"
	"github.com/driftpool/clamm-engine/internal/types"
)

var capitalLog = logger.GetForComponent("capital_manager")

// Store is the persistence boundary the Manager writes through. Every
// mutating Manager operation calls Save before returning to the caller.
type Store interface {
	SaveCapitalState(ctx context.Context, s types.CapitalState) error
	LoadCapitalState(ctx context.Context) (types.CapitalState, error)
}

// Manager is the process-wide capital ledger. All operations serialize
// through a single mutex: the ledger is small and contended rarely enough
// that per-id locking (as the exit-lock registry does for positions) would
// add complexity without a measurable benefit.
type Manager struct {
	mu     sync.Mutex
	state  types.CapitalState
	locked map[string]float64
	store  Store
}

// New constructs a Manager seeded from state (typically loaded at startup,
// or bootstrapped from INITIAL_CAPITAL_USD if no row existed).
func New(store Store, initial types.CapitalState) *Manager {
	return &Manager{
		state:  initial,
		locked: make(map[string]float64),
		store:  store,
	}
}

// Allocate atomically debits availableBalance and credits lockedBalance for
// id's reservation. Returns false (never an error) on insufficient funds;
// the entry path treats that as an ordinary rejection. Persists before
// returning true; a persist failure is treated as allocation failure and
// the in-memory debit is rolled back.
func (m *Manager) Allocate(ctx context.Context, id string, usd float64) bool {
	if usd <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.locked[id]; exists {
		capitalLog.Warn().Str("id", id).Msg("allocate called for id with existing lock")
		return false
	}
	if usd > m.state.AvailableBalance {
		return false
	}

	m.state.AvailableBalance -= usd
	m.state.LockedBalance += usd
	m.locked[id] = usd

	if err := m.store.SaveCapitalState(ctx, m.state); err != nil {
		// Roll back the in-memory debit; the caller must treat this as a
		// rejection, not a success with unknown persisted state.
		m.state.AvailableBalance += usd
		m.state.LockedBalance -= usd
		delete(m.locked, id)
		capitalLog.Error().Err(err).Str("id", id).Msg("[DB-ERROR] allocate: persist failed, rolled back")
		return false
	}

	capitalLog.Info().Str("id", id).Float64("usd", usd).Msg("capital allocated")
	return true
}

// RestoreLock re-registers a per-id locked amount for a position recovered
// from persistence at startup. The ledger balances were already persisted by
// the original Allocate, so this only rebuilds the in-memory id map; it
// never moves money or writes.
func (m *Manager) RestoreLock(id string, usd float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.locked[id]; exists || usd <= 0 {
		return
	}
	m.locked[id] = usd
}

// Release reverses an allocation, returning the locked amount to available.
// A no-op if id has no recorded lock.
func (m *Manager) Release(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	usd, ok := m.locked[id]
	if !ok {
		return
	}
	m.state.AvailableBalance += usd
	m.state.LockedBalance -= usd
	delete(m.locked, id)

	if err := m.store.SaveCapitalState(ctx, m.state); err != nil {
		capitalLog.Error().Err(err).Str("id", id).Msg("[DB-ERROR] release: persist failed")
	}
	capitalLog.Info().Str("id", id).Float64("usd", usd).Msg("capital released")
}

// ApplyPnL unlocks id's reservation plus pnl into available, and accrues
// totalRealizedPnL. This always proceeds even if persistence fails (the
// exit protocol must not be reverted by a ledger write failure); the
// failure is logged.
func (m *Manager) ApplyPnL(ctx context.Context, id string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	locked := m.locked[id]
	m.state.AvailableBalance += locked + pnl
	m.state.LockedBalance -= locked
	m.state.TotalRealizedPnL += pnl
	delete(m.locked, id)

	if err := m.store.SaveCapitalState(ctx, m.state); err != nil {
		capitalLog.Error().Err(err).Str("id", id).Msg("[DB-ERROR] applyPnL: persist failed, in-memory state is authoritative")
	}
	capitalLog.Info().Str("id", id).Float64("locked", locked).Float64("pnl", pnl).Msg("pnl applied")
}

// GetBalance returns a consistent snapshot of the ledger.
func (m *Manager) GetBalance() types.CapitalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GetFullState returns the ledger plus a copy of the per-id locked-amount map.
func (m *Manager) GetFullState() (types.CapitalState, map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lockedCopy := make(map[string]float64, len(m.locked))
	for k, v := range m.locked {
		lockedCopy[k] = v
	}
	return m.state, lockedCopy
}
