package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftpool/clamm-engine/internal/capital"
	"github.com/driftpool/clamm-engine/internal/decay"
	"github.com/driftpool/clamm-engine/internal/state"
	"github.com/driftpool/clamm-engine/internal/telemetry"
	"github.com/driftpool/clamm-engine/internal/types"
	"github.com/driftpool/clamm-engine/internal/volatility"
)

// fakeCapStore keeps capital state in memory.
type fakeCapStore struct {
	mu    sync.Mutex
	saved types.CapitalState
}

func (f *fakeCapStore) SaveCapitalState(ctx context.Context, s types.CapitalState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = s
	return nil
}

func (f *fakeCapStore) LoadCapitalState(ctx context.Context) (types.CapitalState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved, nil
}

// fakeStore is an in-memory Persistence with failure injection.
type fakeStore struct {
	mu                  sync.Mutex
	trades              map[string]state.Trade
	positions           map[string]state.PositionRow
	exitUpdates         int
	positionInserts     int
	actions             []state.ActionKind
	openTrades          []state.Trade
	openPositionRows    []state.PositionRow
	failInsertTrade     bool
	failUpdateTradeExit bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		trades:    make(map[string]state.Trade),
		positions: make(map[string]state.PositionRow),
	}
}

func (f *fakeStore) InsertTrade(ctx context.Context, t state.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsertTrade {
		return errors.New("injected insert failure")
	}
	f.trades[t.ID] = t
	return nil
}

func (f *fakeStore) UpdateTradeExit(ctx context.Context, tradeID string, exitPrice, exitValueUSD, feesUSD, slippageUSD float64, reason types.ExitReason, closedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdateTradeExit {
		return errors.New("injected exit-update failure")
	}
	f.exitUpdates++
	t := f.trades[tradeID]
	t.Status = "closed"
	f.trades[tradeID] = t
	return nil
}

func (f *fakeStore) InsertPosition(ctx context.Context, p state.PositionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionInserts++
	f.positions[p.TradeID] = p
	return nil
}

func (f *fakeStore) UpdatePositionPriceAndBin(ctx context.Context, tradeID string, currentPrice float64, currentBin, binOffset int) error {
	return nil
}

func (f *fakeStore) UpdatePositionPnL(ctx context.Context, tradeID string, pnlUSD, pnlPercent float64) error {
	return nil
}

func (f *fakeStore) UpdatePositionRegimeAndHealth(ctx context.Context, tradeID string, regime types.Regime, healthScore float64) error {
	return nil
}

func (f *fakeStore) MarkPositionClosing(ctx context.Context, tradeID string) error { return nil }

func (f *fakeStore) RevertPositionToOpen(ctx context.Context, tradeID string) error { return nil }

func (f *fakeStore) FinalizePositionExit(ctx context.Context, tradeID string, closedAt time.Time) error {
	return nil
}

func (f *fakeStore) ListOpenTrades(ctx context.Context) ([]state.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openTrades, nil
}

func (f *fakeStore) ListOpenPositionRows(ctx context.Context) ([]state.PositionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openPositionRows, nil
}

func (f *fakeStore) AppendActionLog(ctx context.Context, kind state.ActionKind, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, kind)
	return nil
}

func (f *fakeStore) exitUpdateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitUpdates
}

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// seedPool records three well-formed snapshots for pool: rising liquidity,
// steadily walking bins, and active swap flow, so every metric and slope is
// computable and positive.
func seedPool(ts *telemetry.Store, pool types.PoolID) types.PoolMetadata {
	liquidity := []float64{100000, 102000, 104000}
	trades := []int{3, 4, 6}
	baseInv := []int64{1000, 1100, 1200}
	quoteInv := []int64{1000, 900, 800}
	for i := 0; i < 3; i++ {
		ts.RecordSnapshot(types.TelemetrySnapshot{
			Pool:           pool,
			ActiveBin:      100 + i,
			BinStep:        20,
			LiquidityUSD:   liquidity[i],
			InventoryBase:  sdkmath.NewInt(baseInv[i]),
			InventoryQuote: sdkmath.NewInt(quoteInv[i]),
			FeeRateBps:     30,
			RecentTrades:   trades[i],
			FetchedAt:      testBase.Add(time.Duration(i*10) * time.Second),
		})
	}
	return types.PoolMetadata{
		Pool:       pool,
		Address:    "addr-" + string(pool),
		BaseMint:   "base-mint",
		QuoteMint:  "quote-mint",
		BinStep:    20,
		FeeRateBps: 30,
		Symbol:     "BASE/QUOTE",
	}
}

type testHarness struct {
	engine  *Engine
	store   *fakeStore
	capital *capital.Manager
	tele    *telemetry.Store
	decay   *decay.Detector
}

func newTestEngine(t *testing.T, initial types.CapitalState) *testHarness {
	t.Helper()
	store := newFakeStore()
	ledger := capital.New(&fakeCapStore{}, initial)
	tele := telemetry.New()
	det := decay.New()

	e, err := NewEngine(Config{
		Capital:            ledger,
		Telemetry:          tele,
		Volatility:         volatility.New(),
		Decay:              det,
		Store:              store,
		Regimes:            StaticRegimeSource{Regime: types.RegimeNeutral},
		MaxConcurrentPools: 3,
		MaxExposurePct:     0.30,
		Now:                func() time.Time { return testBase.Add(30 * time.Second) },
	})
	require.NoError(t, err)
	require.True(t, e.Initialize(context.Background()))

	return &testHarness{engine: e, store: store, capital: ledger, tele: tele, decay: det}
}

func TestExecuteEntryHappyPath(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	meta := seedPool(h.tele, "pool-1")

	id, ok := h.engine.ExecuteEntry(context.Background(), meta, 300)
	require.True(t, ok)
	require.NotEmpty(t, id)

	bal := h.capital.GetBalance()
	assert.Equal(t, 9700.0, bal.AvailableBalance)
	assert.Equal(t, 300.0, bal.LockedBalance)

	status := h.engine.GetPortfolioStatus()
	assert.Equal(t, 1, status.OpenPositions)
	assert.Contains(t, status.OpenPositionIDs, id)

	h.store.mu.Lock()
	trade, exists := h.store.trades[id]
	row, rowExists := h.store.positions[id]
	h.store.mu.Unlock()
	require.True(t, exists)
	assert.Equal(t, 300.0, trade.SizeUSD)
	assert.Equal(t, types.RegimeNeutral, trade.Regime)
	require.True(t, rowExists)
	assert.NotEmpty(t, row.Bins, "bin cluster must be persisted with the position row")
}

func TestManualCloseRealizesFeesAndSlippage(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	meta := seedPool(h.tele, "pool-1")

	id, ok := h.engine.ExecuteEntry(context.Background(), meta, 300)
	require.True(t, ok)

	// No price movement: pnl is zero, so the only realized impact is the
	// 0.3% fee plus 0.1% slippage on the $300 exit value.
	ok = h.engine.ExecuteExit(context.Background(), id, types.ExitReasonManualClose, "TEST")
	require.True(t, ok)

	bal := h.capital.GetBalance()
	assert.InDelta(t, 9998.8, bal.AvailableBalance, 1e-9)
	assert.InDelta(t, 0.0, bal.LockedBalance, 1e-9)
	assert.InDelta(t, -1.2, bal.TotalRealizedPnL, 1e-9)

	status := h.engine.GetPortfolioStatus()
	assert.Equal(t, 0, status.OpenPositions)
}

func TestDuplicateExitRace(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	meta := seedPool(h.tele, "pool-1")

	id, ok := h.engine.ExecuteEntry(context.Background(), meta, 300)
	require.True(t, ok)

	const callers = 10
	results := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			caller := string(rune('A' + n))
			results <- h.engine.ExecuteExit(context.Background(), id, types.ExitReasonManualClose, caller)
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for r := range results {
		if r {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one caller must win the exit race")
	assert.Equal(t, 1, h.store.exitUpdateCount(), "exactly one trade-exit row write")
}

func TestEntryWithInsufficientCapital(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 50})
	meta := seedPool(h.tele, "pool-1")

	id, ok := h.engine.ExecuteEntry(context.Background(), meta, 300)
	assert.False(t, ok)
	assert.Empty(t, id)

	bal := h.capital.GetBalance()
	assert.Equal(t, 50.0, bal.AvailableBalance)
	assert.Equal(t, 0.0, bal.LockedBalance)

	h.store.mu.Lock()
	assert.Empty(t, h.store.trades)
	h.store.mu.Unlock()
	assert.Equal(t, 0, h.engine.GetPortfolioStatus().OpenPositions)
}

func TestTradeRowFailureReleasesCapital(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	meta := seedPool(h.tele, "pool-1")
	h.store.failInsertTrade = true

	_, ok := h.engine.ExecuteEntry(context.Background(), meta, 300)
	assert.False(t, ok)

	bal := h.capital.GetBalance()
	assert.Equal(t, 10000.0, bal.AvailableBalance)
	assert.Equal(t, 0.0, bal.LockedBalance)
}

func TestStructuralDecayClosesViaExitWatcher(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	meta := seedPool(h.tele, "pool-1")

	id, ok := h.engine.ExecuteEntry(context.Background(), meta, 300)
	require.True(t, ok)

	// Three consecutive snapshots with both slopes negative trip the
	// structural detector; suppress the watcher's own observation so the
	// seeded (healthy, rising) window cannot reset the counters.
	for i := 0; i < 3; i++ {
		h.decay.Observe("pool-1", -0.01, -5)
	}
	h.engine.mu.Lock()
	h.engine.lastDecayObs["pool-1"] = testBase.Add(time.Hour)
	h.engine.mu.Unlock()

	h.engine.exitWatchTick(context.Background())

	assert.Equal(t, 0, h.engine.GetPortfolioStatus().OpenPositions)
	h.engine.mu.Lock()
	require.Len(t, h.engine.closedList, 1)
	closed := h.engine.closedList[0]
	h.engine.mu.Unlock()
	assert.Equal(t, id, closed.ID)
	require.NotNil(t, closed.ExitReason)
	assert.Equal(t, types.ExitReasonStructuralDecay, *closed.ExitReason)
}

func TestExitTradeRowFailurePreservesOpenState(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	meta := seedPool(h.tele, "pool-1")

	id, ok := h.engine.ExecuteEntry(context.Background(), meta, 300)
	require.True(t, ok)

	h.store.failUpdateTradeExit = true
	ok = h.engine.ExecuteExit(context.Background(), id, types.ExitReasonManualClose, "TEST")
	assert.False(t, ok)

	h.engine.mu.Lock()
	p := h.engine.positions[id]
	h.engine.mu.Unlock()
	require.NotNil(t, p)
	assert.Equal(t, types.ExitStateOpen, p.ExitState)
	assert.False(t, p.PendingExit)
	assert.False(t, p.Closed)

	// Capital stays locked and the position is re-eligible for exit.
	assert.Equal(t, 300.0, h.capital.GetBalance().LockedBalance)

	h.store.failUpdateTradeExit = false
	ok = h.engine.ExecuteExit(context.Background(), id, types.ExitReasonManualClose, "TEST")
	assert.True(t, ok)
	assert.Equal(t, 0.0, h.capital.GetBalance().LockedBalance)
}

func TestInitializeIsIdempotentAndRecovers(t *testing.T) {
	store := newFakeStore()
	store.openTrades = []state.Trade{{
		ID:         "recovered-1",
		Pool:       "pool-9",
		Symbol:     "BASE/QUOTE",
		SizeUSD:    500,
		EntryPrice: 1.02,
		Status:     "open",
		Regime:     types.RegimeNeutral,
		OpenedAt:   testBase,
	}}
	store.openPositionRows = []state.PositionRow{{
		TradeID:      "recovered-1",
		Pool:         "pool-9",
		CurrentPrice: 1.05,
		CurrentBin:   103,
		BinOffset:    3,
		Bins:         []int64{99, 100, 101, 102, 103},
		Regime:       types.RegimeNeutral,
		ExitState:    types.ExitStateOpen,
	}}
	ledger := capital.New(&fakeCapStore{}, types.CapitalState{AvailableBalance: 9500, LockedBalance: 500})

	e, err := NewEngine(Config{
		Capital:    ledger,
		Telemetry:  telemetry.New(),
		Volatility: volatility.New(),
		Decay:      decay.New(),
		Store:      store,
		Regimes:    StaticRegimeSource{Regime: types.RegimeNeutral},
	})
	require.NoError(t, err)

	require.True(t, e.Initialize(context.Background()))
	require.True(t, e.Initialize(context.Background()), "second initialize must be a no-op returning true")

	status := e.GetPortfolioStatus()
	assert.Equal(t, 1, status.OpenPositions)
	assert.Contains(t, status.OpenPositionIDs, "recovered-1")

	e.mu.Lock()
	recovered := e.positions["recovered-1"]
	e.mu.Unlock()
	assert.Equal(t, []int{99, 100, 101, 102, 103}, recovered.Bins)
	assert.Equal(t, 103, recovered.CurrentBin)
	assert.InDelta(t, 1.05, recovered.CurrentPrice, 1e-9)

	// The recovered lock lets a later exit settle against the ledger.
	require.True(t, e.ExecuteExit(context.Background(), "recovered-1", types.ExitReasonManualClose, "TEST"))
	bal := ledger.GetBalance()
	assert.InDelta(t, 0.0, bal.LockedBalance, 1e-9)
	assert.InDelta(t, 9998.0, bal.AvailableBalance, 1e-9)
}

func TestCloseAllDrainsPortfolio(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	m1 := seedPool(h.tele, "pool-1")
	m2 := seedPool(h.tele, "pool-2")

	_, ok := h.engine.ExecuteEntry(context.Background(), m1, 300)
	require.True(t, ok)
	_, ok = h.engine.ExecuteEntry(context.Background(), m2, 400)
	require.True(t, ok)

	closed := h.engine.CloseAll(context.Background(), types.ExitReasonManualClose)
	assert.Equal(t, 2, closed)

	status := h.engine.GetPortfolioStatus()
	assert.Equal(t, 0, status.OpenPositions)
	assert.Equal(t, 0.0, status.Capital.LockedBalance)
}

func TestOpenSizeMatchesLockedBalance(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	m1 := seedPool(h.tele, "pool-1")
	m2 := seedPool(h.tele, "pool-2")

	_, ok := h.engine.ExecuteEntry(context.Background(), m1, 300)
	require.True(t, ok)
	_, ok = h.engine.ExecuteEntry(context.Background(), m2, 450)
	require.True(t, ok)

	assert.InDelta(t, h.capital.GetBalance().LockedBalance, h.engine.openSizeSum(), 1e-9)
}

func TestPlacePoolsOpensInScoreOrderUpToSlots(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	var metas []types.PoolMetadata
	for _, pool := range []types.PoolID{"pool-1", "pool-2", "pool-3", "pool-4"} {
		metas = append(metas, seedPool(h.tele, pool))
	}

	opened := h.engine.PlacePools(context.Background(), metas)
	assert.Equal(t, 3, opened, "maxConcurrentPools caps placement")
	assert.Equal(t, 3, h.engine.GetPortfolioStatus().OpenPositions)

	// A second pass finds every slot taken and every candidate held.
	opened = h.engine.PlacePools(context.Background(), metas)
	assert.Equal(t, 0, opened)
}

func TestPlacePoolsSkipsHeldPool(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	meta := seedPool(h.tele, "pool-1")

	_, ok := h.engine.ExecuteEntry(context.Background(), meta, 300)
	require.True(t, ok)

	opened := h.engine.PlacePools(context.Background(), []types.PoolMetadata{meta})
	assert.Equal(t, 0, opened)
	assert.Equal(t, 1, h.engine.GetPortfolioStatus().OpenPositions)
}

func TestEvaluateHealthTier4ScoreBelowThreshold(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	meta := seedPool(h.tele, "pool-1")

	id, ok := h.engine.ExecuteEntry(context.Background(), meta, 300)
	require.True(t, ok)

	h.engine.mu.Lock()
	h.engine.positions[id].ExitThreshold = 1000
	h.engine.mu.Unlock()

	ev := h.engine.EvaluatePositionHealth(id)
	assert.True(t, ev.ShouldExit)
	assert.Equal(t, types.ExitTypeTier4, ev.ExitType)
	assert.Equal(t, types.ExitReasonTier4Exit, ev.ExitReason)
}

func TestEvaluateHealthIsAdvisoryOnly(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	meta := seedPool(h.tele, "pool-1")

	id, ok := h.engine.ExecuteEntry(context.Background(), meta, 300)
	require.True(t, ok)

	ev := h.engine.EvaluatePositionHealth(id)
	assert.False(t, ev.ShouldExit)
	assert.Equal(t, types.ExitTypeNone, ev.ExitType)
	assert.Equal(t, 1, h.engine.GetPortfolioStatus().OpenPositions)
}

func TestExitGuardRejectsWhileClosing(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	meta := seedPool(h.tele, "pool-1")

	id, ok := h.engine.ExecuteEntry(context.Background(), meta, 300)
	require.True(t, ok)

	h.engine.mu.Lock()
	h.engine.positions[id].ExitState = types.ExitStateClosing
	h.engine.positions[id].PendingExit = true
	h.engine.mu.Unlock()

	assert.False(t, h.engine.ExecuteExit(context.Background(), id, types.ExitReasonManualClose, "TEST"))
}

func TestPnLDriftRecomputesFromCurrentPrice(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	meta := seedPool(h.tele, "pool-1")

	id, ok := h.engine.ExecuteEntry(context.Background(), meta, 300)
	require.True(t, ok)

	h.engine.mu.Lock()
	entry := h.engine.positions[id].EntryPrice
	h.engine.positions[id].CurrentPrice = entry * 1.10
	h.engine.mu.Unlock()

	h.engine.pnlDriftTick(context.Background())

	h.engine.mu.Lock()
	p := h.engine.positions[id]
	pnl, pnlPct := p.PnL, p.PnLPercent
	h.engine.mu.Unlock()
	assert.InDelta(t, 0.10, pnlPct, 1e-9)
	assert.InDelta(t, 30.0, pnl, 1e-9)
}

func TestStartRequiresInitialize(t *testing.T) {
	e, err := NewEngine(Config{
		Capital:    capital.New(&fakeCapStore{}, types.CapitalState{}),
		Telemetry:  telemetry.New(),
		Volatility: volatility.New(),
		Decay:      decay.New(),
		Store:      newFakeStore(),
		Regimes:    StaticRegimeSource{Regime: types.RegimeNeutral},
	})
	require.NoError(t, err)
	assert.Error(t, e.Start())
}

func TestStartStopLifecycle(t *testing.T) {
	h := newTestEngine(t, types.CapitalState{AvailableBalance: 10000})
	intervals := LoopIntervals{
		PriceWatcher:   5 * time.Millisecond,
		ExitWatcher:    5 * time.Millisecond,
		SnapshotWriter: 5 * time.Millisecond,
		PnLDrift:       5 * time.Millisecond,
		RegimeUpdater:  5 * time.Millisecond,
		BinTracker:     5 * time.Millisecond,
	}
	h.engine.intervals = intervals

	require.NoError(t, h.engine.Start())
	require.NoError(t, h.engine.Start(), "second start is a no-op")
	time.Sleep(30 * time.Millisecond)
	h.engine.Stop()
	h.engine.Stop() // safe when already stopped
}
