// Package normalizer converts raw on-chain integer amounts into USD,
// categorically ruling out the two footguns of this domain: multiplying two
// raw token-unit amounts together, and defaulting a missing decimals value.
package normalizer

import (
	"errors"
	"fmt"
	"math"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/driftpool/clamm-engine/internal/logger"
)

var (
	ErrDecimalsUnresolved = errors.New("normalizer: decimals could not be resolved for mint")
	ErrDecimalsOutOfRange = errors.New("normalizer: decimals outside [0,18]")
	ErrNegativePrice      = errors.New("normalizer: price is negative or zero")
	ErrStalePrice         = errors.New("normalizer: price quote is stale")
	ErrSizeTooSmall       = errors.New("normalizer: sizeUSD below minimum tradable size")
	ErrNotFinite          = errors.New("normalizer: computed value is not finite")
)

const (
	// MaxPriceAge is the staleness bound on an oracle price quote.
	MaxPriceAge = 60 * time.Second
	// MinSizeUSD is the smallest tradable USD size the normalizer accepts.
	MinSizeUSD = 1.0

	// DefaultFeePct and DefaultSlippageBps are the fee/slippage model applied
	// to entry and exit USD quantities absent execution-receipt data.
	// TODO: source these from execution receipts once the fill pipeline
	// reports them.
	DefaultFeePct      = 0.003
	DefaultSlippageBps = 10.0
)

// DecimalsResolver resolves a verified on-chain decimals value for a mint.
// Implementations must fail rather than guess; this boundary is the only
// place "missing decimals" is allowed to surface as an error instead of a
// silently assumed default.
type DecimalsResolver interface {
	Decimals(mint string) (int, error)
}

// PriceQuote is a single oracle price observation.
type PriceQuote struct {
	PriceUSD float64
	QuotedAt time.Time
}

var normLog = logger.GetForComponent("normalizer")

// Normalizer converts raw amounts to USD using a decimals resolver and a
// clock for staleness checks.
type Normalizer struct {
	decimals DecimalsResolver
	now      func() time.Time
}

// New constructs a Normalizer. now defaults to time.Now when nil.
func New(decimals DecimalsResolver, now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{decimals: decimals, now: now}
}

// Normalize converts a raw integer amount for mint into a decimal-adjusted
// float64. It never substitutes a default decimals value: an unresolved or
// out-of-range decimals value fails the call.
func (n *Normalizer) Normalize(raw sdkmath.Int, mint string) (float64, error) {
	decimals, err := n.decimals.Decimals(mint)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrDecimalsUnresolved, mint, err)
	}
	if decimals < 0 || decimals > 18 {
		return 0, fmt.Errorf("%w: mint %s has decimals %d", ErrDecimalsOutOfRange, mint, decimals)
	}
	if raw.IsNil() {
		return 0, fmt.Errorf("normalizer: raw amount is nil for mint %s", mint)
	}

	dec := sdkmath.LegacyNewDecFromInt(raw)
	factor := sdkmath.LegacyNewDec(1)
	for i := 0; i < decimals; i++ {
		factor = factor.MulInt64(10)
	}
	result, err := dec.Quo(factor).Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNotFinite, err)
	}
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, fmt.Errorf("%w: normalized amount for %s is %f", ErrNotFinite, mint, result)
	}
	return result, nil
}

// ToUSD converts a normalized amount to USD given a price quote, enforcing
// staleness and sign checks.
func (n *Normalizer) ToUSD(normalized float64, quote PriceQuote) (float64, error) {
	if quote.PriceUSD <= 0 {
		return 0, ErrNegativePrice
	}
	if n.now().Sub(quote.QuotedAt) > MaxPriceAge {
		return 0, fmt.Errorf("%w: age=%s", ErrStalePrice, n.now().Sub(quote.QuotedAt))
	}
	usd := normalized * quote.PriceUSD
	if math.IsNaN(usd) || math.IsInf(usd, 0) {
		return 0, ErrNotFinite
	}
	return usd, nil
}

// TradeValue is the fee/slippage-adjusted USD value of an entry or exit.
type TradeValue struct {
	GrossUSD    float64
	FeesUSD     float64
	SlippageUSD float64
	NetUSD      float64
}

// EntryExitValue computes sizeUSD - fees - slippage at the given fee and
// slippage rates; DefaultEntryExitValue applies the default rates.
// Rejects sizeUSD below MinSizeUSD.
func EntryExitValue(sizeUSD, feePct, slippageBps float64) (TradeValue, error) {
	if sizeUSD < MinSizeUSD {
		return TradeValue{}, fmt.Errorf("%w: sizeUSD=%.4f < %.2f", ErrSizeTooSmall, sizeUSD, MinSizeUSD)
	}
	if feePct < 0 || slippageBps < 0 {
		return TradeValue{}, errors.New("normalizer: fee/slippage rates must be non-negative")
	}
	fees := sizeUSD * feePct
	slippage := sizeUSD * slippageBps / 10000.0
	net := sizeUSD - fees - slippage
	if math.IsNaN(net) || math.IsInf(net, 0) {
		return TradeValue{}, ErrNotFinite
	}
	return TradeValue{
		GrossUSD:    sizeUSD,
		FeesUSD:     fees,
		SlippageUSD: slippage,
		NetUSD:      net,
	}, nil
}

// DefaultEntryExitValue applies the default fee/slippage rates (0.3% fee,
// 10 bps slippage).
func DefaultEntryExitValue(sizeUSD float64) (TradeValue, error) {
	tv, err := EntryExitValue(sizeUSD, DefaultFeePct, DefaultSlippageBps)
	if err != nil {
		normLog.Warn().Err(err).Float64("sizeUSD", sizeUSD).Msg("trade value rejected")
	}
	return tv, err
}
