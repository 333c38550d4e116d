package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/driftpool/clamm-engine/internal/decay"
	"github.com/driftpool/clamm-engine/internal/health"
	"github.com/driftpool/clamm-engine/internal/metricsengine"
	"github.com/driftpool/clamm-engine/internal/normalizer"
	"github.com/driftpool/clamm-engine/internal/obsmetrics"
	"github.com/driftpool/clamm-engine/internal/state"
	"github.com/driftpool/clamm-engine/internal/types"
)

// ExecuteEntry opens a position of sizeUSD on the given pool. It is one of
// the two position-mutating paths (the other is ExecuteExit). The sequence
// is: score, gate, allocate capital, persist the trade row, then register
// in memory — so a persistence failure can always release the allocation
// and a capital failure never leaves a row behind. Returns the new position
// id and true on success.
func (e *Engine) ExecuteEntry(ctx context.Context, meta types.PoolMetadata, sizeUSD float64) (string, bool) {
	r := e.regimes.Current()

	scoreRes := e.scorePool(meta.Pool, r)
	score, ok := scoreRes.Value()
	if !ok {
		e.logger.Info().
			Str("pool", string(meta.Pool)).
			Str("reason", scoreRes.Reason()).
			Msg("entry rejected: composite score invalid")
		return "", false
	}

	hiRes := e.healthFor(meta.Pool)
	hi, ok := hiRes.Value()
	if !ok {
		e.logger.Info().
			Str("pool", string(meta.Pool)).
			Str("reason", hiRes.Reason()).
			Msg("entry rejected: health index unavailable")
		return "", false
	}
	if !health.CanEnter(hi) {
		e.logger.Info().
			Str("pool", string(meta.Pool)).
			Float64("hi", hi).
			Msg("entry rejected: health index below hard floor")
		return "", false
	}
	tier := health.TierFor(hi)
	leverage := health.Multiplier(tier)

	snaps := e.telemetry.Snapshots(meta.Pool)
	if len(snaps) == 0 {
		e.logger.Info().Str("pool", string(meta.Pool)).Msg("entry rejected: no telemetry")
		return "", false
	}
	latest := snaps[len(snaps)-1]
	entryPrice := priceFromBin(latest.BinStep, latest.ActiveBin)

	tv, err := normalizer.DefaultEntryExitValue(sizeUSD)
	if err != nil {
		e.logger.Info().Err(err).Str("pool", string(meta.Pool)).Msg("entry rejected: size normalization failed")
		return "", false
	}

	id := uuid.NewString()
	now := e.now()
	trade := state.Trade{
		ID:                  id,
		Pool:                meta.Pool,
		Symbol:              meta.Symbol,
		SizeUSD:             sizeUSD,
		EntryPrice:          entryPrice,
		EntryValueUSD:       tv.NetUSD,
		EntryScore:          score.Tier4Score,
		EntryVelocitySlope:  score.VelocitySlope,
		EntryLiquiditySlope: score.LiquiditySlope,
		EntryEntropySlope:   score.EntropySlope,
		Regime:              r,
		Status:              "open",
		OpenedAt:            now,
	}

	if !e.capital.Allocate(ctx, id, sizeUSD) {
		e.logger.Info().
			Str("pool", string(meta.Pool)).
			Float64("sizeUSD", sizeUSD).
			Msg("entry rejected: capital allocation refused")
		return "", false
	}

	if err := e.store.InsertTrade(ctx, trade); err != nil {
		e.capital.Release(ctx, id)
		e.logger.Error().Err(err).Str("id", id).Msg("entry aborted: trade row persist failed, capital released")
		return "", false
	}

	pos := &types.Position{
		ID:           id,
		Pool:         meta.Pool,
		Symbol:       meta.Symbol,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		SizeUSD:      sizeUSD,
		Bins:         binCluster(latest.ActiveBin, score.BinWidth),
		OpenedAt:     now,

		EntryBin:   latest.ActiveBin,
		CurrentBin: latest.ActiveBin,

		EntryTier4Score:         score.Tier4Score,
		EntryRegime:             r,
		EntryMigrationDirection: score.MigrationDirection,
		EntryVelocitySlope:      score.VelocitySlope,
		EntryLiquiditySlope:     score.LiquiditySlope,
		EntryEntropySlope:       score.EntropySlope,
		EntryBinWidth:           score.BinWidth,
		EntryThreshold:          score.EntryThreshold,
		ExitThreshold:           score.ExitThreshold,

		ExitState: types.ExitStateOpen,
	}

	if fi, ok := metricsengine.FeeIntensity(latest).Value(); ok {
		pos.EntryFeeIntensity = fi
	}
	if sv, ok := metricsengine.SwapVelocity(snaps).Value(); ok {
		pos.EntrySwapVelocity = sv.Raw
	}
	if fi3, ok := metricsengine.FeeIntensity3m(e.telemetry.Swaps(meta.Pool), latest, now).Value(); ok {
		pos.Entry3mFeeIntensity = fi3
	}

	e.mu.Lock()
	e.positions[id] = pos
	e.baselines[id] = decay.HarmonicBaseline{
		EntryFeeIntensity: pos.EntryFeeIntensity,
		EntryLiquidityUSD: latest.LiquidityUSD,
	}
	e.trackedBin[id] = latest.ActiveBin
	e.mu.Unlock()

	if err := e.store.InsertPosition(ctx, state.PositionRow{
		TradeID:      id,
		Pool:         meta.Pool,
		CurrentPrice: entryPrice,
		CurrentBin:   latest.ActiveBin,
		Bins:         binsToRow(pos.Bins),
		Regime:       r,
		ExitState:    types.ExitStateOpen,
	}); err != nil {
		e.logger.Warn().Err(err).Str("id", id).Msg("position row persist failed; trade row remains authoritative")
	}

	if err := e.store.AppendActionLog(ctx, state.ActionEntry, map[string]interface{}{
		"id":      id,
		"pool":    string(meta.Pool),
		"symbol":  meta.Symbol,
		"sizeUSD": sizeUSD,
		"score":   score.Tier4Score,
		"regime":  string(r),
	}); err != nil {
		e.logger.Warn().Err(err).Str("id", id).Msg("entry action record persist failed")
	}

	e.logger.Info().
		Str("tag", "[POSITION] ENTRY").
		Str("id", id).
		Str("pool", string(meta.Pool)).
		Str("symbol", meta.Symbol).
		Float64("sizeUSD", sizeUSD).
		Float64("entryPrice", entryPrice).
		Float64("score", score.Tier4Score).
		Str("tier", string(tier)).
		Float64("leverage", leverage).
		Str("regime", string(r)).
		Msg("position opened")
	obsmetrics.IncEntry(string(r))

	return id, true
}

// binCluster builds the bin id cluster a position spans, centered on the
// active bin, with a width picked from the regime policy range by its
// tightness label.
func binCluster(center int, w types.BinWidthPolicy) []int {
	width := w.Max
	switch w.Label {
	case types.BinWidthNarrow:
		width = w.Min
	case types.BinWidthMedium:
		width = (w.Min + w.Max) / 2
	}
	if width < 1 {
		width = 1
	}
	half := width / 2
	bins := make([]int, 0, 2*half+1)
	for b := center - half; b <= center+half; b++ {
		bins = append(bins, b)
	}
	return bins
}
