package state

import (
	"context"
	"time"

	"github.com/driftpool/clamm-engine/internal/types"
)

// PGStore adapts the package-level Postgres functions to the engine's
// persistence boundary so the engine can be constructed against an
// interface and tested against an in-memory fake.
type PGStore struct{}

// NewPGStore constructs a PGStore over the package-level DB.
func NewPGStore() *PGStore { return &PGStore{} }

func (PGStore) InsertTrade(ctx context.Context, t Trade) error { return InsertTrade(ctx, t) }

func (PGStore) UpdateTradeExit(ctx context.Context, tradeID string, exitPrice, exitValueUSD, feesUSD, slippageUSD float64, reason types.ExitReason, closedAt time.Time) error {
	return UpdateTradeExit(ctx, tradeID, exitPrice, exitValueUSD, feesUSD, slippageUSD, reason, closedAt)
}

func (PGStore) InsertPosition(ctx context.Context, p PositionRow) error {
	return InsertPosition(ctx, p)
}

func (PGStore) UpdatePositionPriceAndBin(ctx context.Context, tradeID string, currentPrice float64, currentBin, binOffset int) error {
	return UpdatePositionPriceAndBin(ctx, tradeID, currentPrice, currentBin, binOffset)
}

func (PGStore) UpdatePositionPnL(ctx context.Context, tradeID string, pnlUSD, pnlPercent float64) error {
	return UpdatePositionPnL(ctx, tradeID, pnlUSD, pnlPercent)
}

func (PGStore) UpdatePositionRegimeAndHealth(ctx context.Context, tradeID string, regime types.Regime, healthScore float64) error {
	return UpdatePositionRegimeAndHealth(ctx, tradeID, regime, healthScore)
}

func (PGStore) MarkPositionClosing(ctx context.Context, tradeID string) error {
	return MarkPositionClosing(ctx, tradeID)
}

func (PGStore) RevertPositionToOpen(ctx context.Context, tradeID string) error {
	return RevertPositionToOpen(ctx, tradeID)
}

func (PGStore) FinalizePositionExit(ctx context.Context, tradeID string, closedAt time.Time) error {
	return FinalizePositionExit(ctx, tradeID, closedAt)
}

func (PGStore) ListOpenTrades(ctx context.Context) ([]Trade, error) { return ListOpenTrades(ctx) }

func (PGStore) ListOpenPositionRows(ctx context.Context) ([]PositionRow, error) {
	return ListOpenPositionRows(ctx)
}

func (PGStore) AppendActionLog(ctx context.Context, kind ActionKind, payload interface{}) error {
	return AppendActionLog(ctx, kind, payload)
}
