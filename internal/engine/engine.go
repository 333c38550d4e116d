package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftpool/clamm-engine/internal/capital"
	"github.com/driftpool/clamm-engine/internal/decay"
	"github.com/driftpool/clamm-engine/internal/health"
	"github.com/driftpool/clamm-engine/internal/logger"
	"github.com/driftpool/clamm-engine/internal/metricsengine"
	"github.com/driftpool/clamm-engine/internal/obsmetrics"
	"github.com/driftpool/clamm-engine/internal/state"
	"github.com/driftpool/clamm-engine/internal/telemetry"
	"github.com/driftpool/clamm-engine/internal/types"
	"github.com/driftpool/clamm-engine/internal/volatility"
)

// LoopIntervals holds the cadence of each of the six monitoring loops.
type LoopIntervals struct {
	PriceWatcher   time.Duration
	ExitWatcher    time.Duration
	SnapshotWriter time.Duration
	PnLDrift       time.Duration
	RegimeUpdater  time.Duration
	BinTracker     time.Duration
}

// DefaultLoopIntervals returns the production cadences.
func DefaultLoopIntervals() LoopIntervals {
	return LoopIntervals{
		PriceWatcher:   5 * time.Second,
		ExitWatcher:    10 * time.Second,
		SnapshotWriter: 60 * time.Second,
		PnLDrift:       15 * time.Second,
		RegimeUpdater:  30 * time.Second,
		BinTracker:     5 * time.Second,
	}
}

// Persistence is the engine's boundary to the persistence adapter. The
// production implementation is state.PGStore; tests inject an in-memory
// fake with failure injection.
type Persistence interface {
	InsertTrade(ctx context.Context, t state.Trade) error
	UpdateTradeExit(ctx context.Context, tradeID string, exitPrice, exitValueUSD, feesUSD, slippageUSD float64, reason types.ExitReason, closedAt time.Time) error
	InsertPosition(ctx context.Context, p state.PositionRow) error
	UpdatePositionPriceAndBin(ctx context.Context, tradeID string, currentPrice float64, currentBin, binOffset int) error
	UpdatePositionPnL(ctx context.Context, tradeID string, pnlUSD, pnlPercent float64) error
	UpdatePositionRegimeAndHealth(ctx context.Context, tradeID string, regime types.Regime, healthScore float64) error
	MarkPositionClosing(ctx context.Context, tradeID string) error
	RevertPositionToOpen(ctx context.Context, tradeID string) error
	FinalizePositionExit(ctx context.Context, tradeID string, closedAt time.Time) error
	ListOpenTrades(ctx context.Context) ([]state.Trade, error)
	ListOpenPositionRows(ctx context.Context) ([]state.PositionRow, error)
	AppendActionLog(ctx context.Context, kind state.ActionKind, payload interface{}) error
}

// RegimeSource supplies the current market regime. It lives behind an
// interface so the classification feed stays off the engine's top level
// and can be swapped in tests.
type RegimeSource interface {
	Current() types.Regime
}

// StaticRegimeSource pins the regime to a fixed value.
type StaticRegimeSource struct {
	Regime types.Regime
}

// Current returns the pinned regime.
func (s StaticRegimeSource) Current() types.Regime { return s.Regime }

// Config holds the configuration for creating a new Engine instance.
type Config struct {
	Capital    *capital.Manager
	Telemetry  *telemetry.Store
	Volatility *volatility.Governor
	Decay      *decay.Detector
	Store      Persistence
	Regimes    RegimeSource

	MaxConcurrentPools int
	MaxExposurePct     float64

	// Intervals overrides the loop cadences; nil means production defaults.
	Intervals *LoopIntervals
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Engine owns the active-position set, runs the six monitoring loops, and
// enforces the single-exit-authority state machine. All position mutation
// flows through ExecuteEntry, ExecuteExit, and the loop bodies; everything
// else reads copies.
type Engine struct {
	logger     zerolog.Logger
	capital    *capital.Manager
	telemetry  *telemetry.Store
	vol        *volatility.Governor
	decay      *decay.Detector
	store      Persistence
	regimes    RegimeSource
	maxPools   int
	maxExpoPct float64
	intervals  LoopIntervals
	now        func() time.Time

	mu           sync.Mutex
	positions    map[string]*types.Position
	closedList   []*types.Position
	baselines    map[string]decay.HarmonicBaseline
	trackedBin   map[string]int
	lastDecayObs map[types.PoolID]time.Time
	initialized  bool

	exitLocks exitLockRegistry

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates a new Engine instance with dependency injection.
func NewEngine(cfg Config) (*Engine, error) {
	if err := validateEngineConfig(cfg); err != nil {
		return nil, fmt.Errorf("engine configuration validation failed: %w", err)
	}

	intervals := DefaultLoopIntervals()
	if cfg.Intervals != nil {
		intervals = *cfg.Intervals
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxPools := cfg.MaxConcurrentPools
	if maxPools <= 0 {
		maxPools = 3
	}
	maxExpo := cfg.MaxExposurePct
	if maxExpo <= 0 || maxExpo > 1 {
		maxExpo = 0.30
	}

	e := &Engine{
		logger:       logger.GetForComponent("execution_engine"),
		capital:      cfg.Capital,
		telemetry:    cfg.Telemetry,
		vol:          cfg.Volatility,
		decay:        cfg.Decay,
		store:        cfg.Store,
		regimes:      cfg.Regimes,
		maxPools:     maxPools,
		maxExpoPct:   maxExpo,
		intervals:    intervals,
		now:          now,
		positions:    make(map[string]*types.Position),
		baselines:    make(map[string]decay.HarmonicBaseline),
		trackedBin:   make(map[string]int),
		lastDecayObs: make(map[types.PoolID]time.Time),
		exitLocks:    newExitLockRegistry(),
	}

	e.logger.Info().
		Int("maxConcurrentPools", e.maxPools).
		Float64("maxExposurePct", e.maxExpoPct).
		Msg("engine instance created")

	return e, nil
}

func validateEngineConfig(cfg Config) error {
	if cfg.Capital == nil {
		return fmt.Errorf("capital manager cannot be nil")
	}
	if cfg.Telemetry == nil {
		return fmt.Errorf("telemetry store cannot be nil")
	}
	if cfg.Volatility == nil {
		return fmt.Errorf("volatility governor cannot be nil")
	}
	if cfg.Decay == nil {
		return fmt.Errorf("decay detector cannot be nil")
	}
	if cfg.Store == nil {
		return fmt.Errorf("persistence store cannot be nil")
	}
	if cfg.Regimes == nil {
		return fmt.Errorf("regime source cannot be nil")
	}
	return nil
}

// Initialize recovers open positions from persistence into memory and
// verifies capital-manager readiness. Idempotent: a second call after a
// successful first is a no-op returning true. Callers must not proceed to
// Start on a false return.
func (e *Engine) Initialize(ctx context.Context) bool {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		e.logger.Info().Msg("initialize called on an already-initialized engine; no-op")
		return true
	}
	e.mu.Unlock()

	bal := e.capital.GetBalance()
	if bal.AvailableBalance < 0 || bal.LockedBalance < 0 {
		e.logger.Error().
			Float64("available", bal.AvailableBalance).
			Float64("locked", bal.LockedBalance).
			Msg("capital manager not ready: negative balance")
		return false
	}

	trades, err := e.store.ListOpenTrades(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to recover open trades from persistence")
		return false
	}
	posRows, err := e.store.ListOpenPositionRows(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to recover open position rows from persistence")
		return false
	}
	rowByTradeID := make(map[string]state.PositionRow, len(posRows))
	for _, r := range posRows {
		rowByTradeID[r.TradeID] = r
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range trades {
		p := &types.Position{
			ID:                  t.ID,
			Pool:                t.Pool,
			Symbol:              t.Symbol,
			EntryPrice:          t.EntryPrice,
			CurrentPrice:        t.EntryPrice,
			SizeUSD:             t.SizeUSD,
			OpenedAt:            t.OpenedAt,
			EntryTier4Score:     t.EntryScore,
			EntryRegime:         t.Regime,
			EntryVelocitySlope:  t.EntryVelocitySlope,
			EntryLiquiditySlope: t.EntryLiquiditySlope,
			EntryEntropySlope:   t.EntryEntropySlope,
			ExitState:           types.ExitStateOpen,
		}
		if row, ok := rowByTradeID[t.ID]; ok {
			p.Bins = binsFromRow(row.Bins)
			p.CurrentBin = row.CurrentBin
			p.BinOffset = row.BinOffset
			if row.CurrentPrice > 0 {
				p.CurrentPrice = row.CurrentPrice
			}
			e.trackedBin[t.ID] = row.CurrentBin
		}
		e.positions[t.ID] = p
		e.capital.RestoreLock(t.ID, t.SizeUSD)
		e.logger.Info().
			Str("id", t.ID).
			Str("pool", string(t.Pool)).
			Float64("sizeUSD", t.SizeUSD).
			Msg("recovered open position from persistence")
	}
	e.initialized = true
	e.logger.Info().Int("recovered", len(trades)).Msg("engine initialized")
	return true
}

// Start spins up the six monitoring loops. It is a no-op if already running
// and an error if Initialize has not succeeded yet.
func (e *Engine) Start() error {
	e.mu.Lock()
	initialized := e.initialized
	e.mu.Unlock()
	if !initialized {
		return fmt.Errorf("engine not initialized")
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return nil
	}
	e.running = true
	e.stopCh = make(chan struct{})

	e.spawnLoop("price_watcher", e.intervals.PriceWatcher, e.priceWatchTick)
	e.spawnLoop("exit_watcher", e.intervals.ExitWatcher, e.exitWatchTick)
	e.spawnLoop("snapshot_writer", e.intervals.SnapshotWriter, e.snapshotTick)
	e.spawnLoop("pnl_drift", e.intervals.PnLDrift, e.pnlDriftTick)
	e.spawnLoop("regime_updater", e.intervals.RegimeUpdater, e.regimeTick)
	e.spawnLoop("bin_tracker", e.intervals.BinTracker, e.binTrackTick)

	e.logger.Info().Msg("engine started: six monitoring loops running")
	return nil
}

// Stop tears the loops down gracefully: the timers are cancelled, then Stop
// waits for any in-flight body to drain. Safe to call when not running.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.runMu.Unlock()

	e.wg.Wait()
	e.logger.Info().Msg("engine stopped")
}

// spawnLoop runs tick at a fixed cadence until Stop. A per-loop busy flag
// guarantees a slow body never overlaps its successor; the successor
// silently skips its tick.
func (e *Engine) spawnLoop(name string, interval time.Duration, tick func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var busy atomic.Bool
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				if !busy.CompareAndSwap(false, true) {
					e.logger.Debug().Str("loop", name).Msg("previous iteration still running; skipping tick")
					continue
				}
				e.wg.Add(1)
				go func() {
					defer e.wg.Done()
					defer busy.Store(false)
					e.safeTick(name, tick)
				}()
			}
		}
	}()
}

// safeTick runs one loop body, catching any panic at the loop boundary so
// the loop continues on its next tick.
func (e *Engine) safeTick(name string, tick func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("loop", name).Msg("loop body panicked; continuing on next tick")
		}
	}()
	tick(context.Background())
}

// openPositionView is a copied view of an open position, taken under the
// engine mutex so loop bodies never hold it across a suspension point.
type openPositionView struct {
	id   string
	pool types.PoolID
}

func (e *Engine) openViews() []openPositionView {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]openPositionView, 0, len(e.positions))
	for id, p := range e.positions {
		if p.ExitState != types.ExitStateClosed {
			out = append(out, openPositionView{id: id, pool: p.Pool})
		}
	}
	return out
}

// priceWatchTick updates currentPrice, currentBin, and binOffset for every
// open position from the latest telemetry snapshot.
func (e *Engine) priceWatchTick(ctx context.Context) {
	for _, v := range e.openViews() {
		snaps := e.telemetry.Snapshots(v.pool)
		if len(snaps) == 0 {
			continue
		}
		latest := snaps[len(snaps)-1]
		price := priceFromBin(latest.BinStep, latest.ActiveBin)

		e.mu.Lock()
		if p, ok := e.positions[v.id]; ok && !p.Closed {
			p.CurrentPrice = price
			p.CurrentBin = latest.ActiveBin
			p.BinOffset = latest.ActiveBin - p.EntryBin
		}
		e.mu.Unlock()
	}
}

// exitWatchTick feeds fresh telemetry into the volatility governor and the
// structural-decay counters, then evaluates each open position and invokes
// the exit path when the evaluation says so.
func (e *Engine) exitWatchTick(ctx context.Context) {
	for _, v := range e.openViews() {
		snaps := e.telemetry.Snapshots(v.pool)
		if len(snaps) > 0 {
			e.observePool(v.pool, snaps)
		}

		ev := e.EvaluatePositionHealth(v.id)
		if ev.ShouldExit {
			e.ExecuteExit(ctx, v.id, ev.ExitReason, "EXIT_WATCHER")
		}
	}
}

// observePool advances the volatility window and the structural-decay
// counters, at most once per new snapshot so a stalled telemetry feed
// cannot fake a consecutive-decay run.
func (e *Engine) observePool(pool types.PoolID, snaps []types.TelemetrySnapshot) {
	latest := snaps[len(snaps)-1]

	e.mu.Lock()
	last := e.lastDecayObs[pool]
	if !latest.FetchedAt.After(last) {
		e.mu.Unlock()
		return
	}
	e.lastDecayObs[pool] = latest.FetchedAt
	e.mu.Unlock()

	entropy := metricsengine.Entropy(snaps)
	swapVel := metricsengine.SwapVelocity(snaps)
	liqFlow := metricsengine.LiquidityFlowPct(snaps)
	if ev, ok1 := entropy.Value(); ok1 {
		if sv, ok2 := swapVel.Value(); ok2 {
			if lv, ok3 := liqFlow.Value(); ok3 {
				e.vol.Observe(string(pool), volatility.Sample{
					Entropy:       ev,
					SwapVelocity:  sv.Normalized,
					LiquidityFlow: lv.Raw,
				})
			}
		}
	}

	sw, ew := seriesWindows(snaps)
	slopes := metricsengine.ComputeSlopes(snaps, sw, ew)
	if sl, ok := slopes.Value(); ok {
		sev := e.decay.Observe(pool, sl.EntropySlope, sl.LiquiditySlope)
		if sev != types.DecayNone {
			e.logger.Debug().
				Str("pool", string(pool)).
				Str("severity", string(sev)).
				Msg("structural decay counters advanced")
		}
	}
}

// snapshotTick persists a portfolio snapshot. Failures are logged, never
// fatal.
func (e *Engine) snapshotTick(ctx context.Context) {
	status := e.GetPortfolioStatus()
	payload := map[string]interface{}{
		"available":  status.Capital.AvailableBalance,
		"locked":     status.Capital.LockedBalance,
		"realized":   status.Capital.TotalRealizedPnL,
		"unrealized": status.UnrealizedPnL,
		"equity":     status.Equity,
		"open":       status.OpenPositions,
	}
	if err := e.store.AppendActionLog(ctx, state.ActionPortfolioSnapshot, payload); err != nil {
		e.logger.Warn().Err(err).Msg("portfolio snapshot persist failed")
	}
	obsmetrics.SetOpenPositions(status.OpenPositions)
	obsmetrics.SetCapital(status.Capital.AvailableBalance, status.Capital.LockedBalance, status.Capital.TotalRealizedPnL)
}

// pnlDriftTick recomputes pnlPercent and pnl for every open position from
// its current price.
func (e *Engine) pnlDriftTick(ctx context.Context) {
	type pnlUpdate struct {
		id         string
		pnl        float64
		pnlPercent float64
	}
	var updates []pnlUpdate

	e.mu.Lock()
	for id, p := range e.positions {
		if p.Closed || p.EntryPrice <= 0 {
			continue
		}
		p.PnLPercent = (p.CurrentPrice - p.EntryPrice) / p.EntryPrice
		p.PnL = p.PnLPercent * p.SizeUSD
		updates = append(updates, pnlUpdate{id: id, pnl: p.PnL, pnlPercent: p.PnLPercent})
	}
	e.mu.Unlock()

	for _, u := range updates {
		if err := e.store.UpdatePositionPnL(ctx, u.id, u.pnl, u.pnlPercent); err != nil {
			e.logger.Warn().Err(err).Str("id", u.id).Msg("pnl drift persist failed")
		}
	}
}

// regimeTick refreshes the regime and health score for every open position
// and persists them to the position row. The composite score is not
// recomputed here. Entry-time fields are immutable and never touched here.
func (e *Engine) regimeTick(ctx context.Context) {
	r := e.regimes.Current()
	for _, v := range e.openViews() {
		hiRes := e.healthFor(v.pool)
		hi, ok := hiRes.Value()
		if !ok {
			e.logger.Debug().Str("pool", string(v.pool)).Str("reason", hiRes.Reason()).Msg("health refresh skipped")
			continue
		}
		if health.CrossedSoftFloor(hi) {
			e.logger.Warn().
				Str("pool", string(v.pool)).
				Float64("hi", hi).
				Float64("softFloor", health.SoftFloor).
				Msg("health index below soft floor")
		}
		obsmetrics.SetHealthIndex(string(v.pool), hi)
		if err := e.store.UpdatePositionRegimeAndHealth(ctx, v.id, r, hi); err != nil {
			e.logger.Warn().Err(err).Str("id", v.id).Msg("regime/health persist failed")
		}
	}
}

// binTrackTick tracks active-bin movement per open position, logs jumps of
// three or more bins, and persists the new bin on change.
func (e *Engine) binTrackTick(ctx context.Context) {
	for _, v := range e.openViews() {
		snaps := e.telemetry.Snapshots(v.pool)
		if len(snaps) == 0 {
			continue
		}
		latest := snaps[len(snaps)-1]

		e.mu.Lock()
		p, ok := e.positions[v.id]
		if !ok || p.Closed {
			e.mu.Unlock()
			continue
		}
		prevBin, tracked := e.trackedBin[v.id]
		if tracked && prevBin == latest.ActiveBin {
			e.mu.Unlock()
			continue
		}
		e.trackedBin[v.id] = latest.ActiveBin
		p.CurrentBin = latest.ActiveBin
		p.BinOffset = latest.ActiveBin - p.EntryBin
		price := p.CurrentPrice
		binOffset := p.BinOffset
		e.mu.Unlock()

		if tracked {
			delta := latest.ActiveBin - prevBin
			if delta < 0 {
				delta = -delta
			}
			if delta >= 3 {
				e.logger.Info().
					Str("id", v.id).
					Str("pool", string(v.pool)).
					Int("from", prevBin).
					Int("to", latest.ActiveBin).
					Msg("large bin movement")
			}
		}
		if err := e.store.UpdatePositionPriceAndBin(ctx, v.id, price, latest.ActiveBin, binOffset); err != nil {
			e.logger.Warn().Err(err).Str("id", v.id).Msg("bin tracker persist failed")
		}
	}
}

// GetPortfolioStatus returns a consistent snapshot of the portfolio.
func (e *Engine) GetPortfolioStatus() types.PortfolioStatus {
	e.mu.Lock()
	var unrealized float64
	ids := make([]string, 0, len(e.positions))
	for id, p := range e.positions {
		if p.Closed {
			continue
		}
		unrealized += p.PnL
		ids = append(ids, id)
	}
	e.mu.Unlock()

	bal := e.capital.GetBalance()
	return types.PortfolioStatus{
		Capital:         bal,
		OpenPositions:   len(ids),
		UnrealizedPnL:   unrealized,
		Equity:          bal.AvailableBalance + bal.LockedBalance + unrealized,
		OpenPositionIDs: ids,
	}
}

// scorePool derives the composite score for a pool from its current
// telemetry window under the given regime.
func (e *Engine) scorePool(pool types.PoolID, r types.Regime) types.Result[types.Tier4Score] {
	snaps := e.telemetry.Snapshots(pool)
	sw, ew := seriesWindows(snaps)
	return ComposePoolScore(ScoreInputs{
		Snapshots:          snaps,
		SwapVelocityWindow: sw,
		EntropyWindow:      ew,
		Regime:             r,
	})
}

// healthFor computes the health index for a pool's current window.
func (e *Engine) healthFor(pool types.PoolID) types.Result[float64] {
	snaps := e.telemetry.Snapshots(pool)
	m := HealthMetricsFrom(snaps)
	mv, ok := m.Value()
	if !ok {
		return types.Invalid[float64](m.Reason())
	}
	sw, ew := seriesWindows(snaps)
	pen := SlopePenaltyInputsFrom(metricsengine.ComputeSlopes(snaps, sw, ew))
	pv, ok := pen.Value()
	if !ok {
		return types.Invalid[float64](pen.Reason())
	}
	return types.Ok(health.Index(mv, health.SlopePenalty(pv)))
}

// seriesWindows derives the swap-velocity and entropy series the slope
// estimator needs from the snapshot window itself, one point per prefix.
func seriesWindows(snaps []types.TelemetrySnapshot) (swapVels, entropies []float64) {
	for i := 2; i <= len(snaps); i++ {
		if v, ok := metricsengine.SwapVelocity(snaps[:i]).Value(); ok {
			swapVels = append(swapVels, v.Raw)
		}
		if v, ok := metricsengine.Entropy(snaps[:i]).Value(); ok {
			entropies = append(entropies, v)
		}
	}
	return swapVels, entropies
}

// binsToRow and binsFromRow convert a position's bin cluster to and from
// the int64 slice shape the array column scans through.
func binsToRow(bins []int) []int64 {
	out := make([]int64, len(bins))
	for i, b := range bins {
		out[i] = int64(b)
	}
	return out
}

func binsFromRow(bins []int64) []int {
	out := make([]int, len(bins))
	for i, b := range bins {
		out[i] = int(b)
	}
	return out
}

// priceFromBin derives the pool price spanned by a bin from the bin-step
// geometry: adjacent bins differ by a constant ratio of binStep basis
// points.
func priceFromBin(binStepBps float64, bin int) float64 {
	return math.Pow(1+binStepBps/10000.0, float64(bin))
}
