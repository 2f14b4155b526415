package sizing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/mirrorbot/internal/config"
	"github.com/web3guy0/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIZING ENGINE - Leader notional -> our order size
// ═══════════════════════════════════════════════════════════════════════════════
//
// Base amount from the configured strategy, then a strict cap chain:
//   wallet multiplier -> tier multiplier -> per-wallet max -> global max
//   -> max position size -> daily volume budget -> 99% of balance -> min floor
//
// Every step appends a reasoning fragment. A final size of exactly zero means
// "do not trade" and must surface as a filtered trade record downstream.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	one        = decimal.NewFromInt(1)
	hundred    = decimal.NewFromInt(100)
	balanceCap = decimal.NewFromFloat(0.99) // buffer against rounding/fees
)

type Sizer struct {
	cfg *config.Config
}

func NewSizer(cfg *config.Config) *Sizer {
	return &Sizer{cfg: cfg}
}

// Inputs carries everything one sizing decision depends on.
type Inputs struct {
	LeaderUsd          decimal.Decimal
	AvailableBalance   decimal.Decimal
	CurrentPositionUsd decimal.Decimal // our open exposure in this market/token
	DailyVolumeUsed    decimal.Decimal
	Wallet             types.TrackedWallet
}

// Result is the sized amount plus the audit trail of how it got there.
type Result struct {
	FinalUsd  decimal.Decimal
	Reasoning []string
	Zeroed    bool // true when a cap forced the size to zero
}

func (r *Result) note(format string, args ...interface{}) {
	r.Reasoning = append(r.Reasoning, fmt.Sprintf(format, args...))
}

// Size computes the USD amount to copy for one signal.
func (s *Sizer) Size(in Inputs) Result {
	var res Result

	amount := s.baseAmount(in.LeaderUsd, &res)

	// Per-wallet multiplier override.
	if in.Wallet.SizeMultiplier.IsPositive() && !in.Wallet.SizeMultiplier.Equal(one) {
		amount = amount.Mul(in.Wallet.SizeMultiplier)
		res.note("wallet multiplier %s -> $%s", in.Wallet.SizeMultiplier, amount.StringFixed(2))
	}

	// Size-tiered multiplier, bucketed by leader trade size.
	if mult, ok := s.tierMultiplier(in.LeaderUsd); ok {
		amount = amount.Mul(mult)
		res.note("tier multiplier %s for leader $%s -> $%s",
			mult, in.LeaderUsd.StringFixed(2), amount.StringFixed(2))
	}

	// Per-wallet max.
	if in.Wallet.MaxTradeUsd.IsPositive() && amount.GreaterThan(in.Wallet.MaxTradeUsd) {
		amount = in.Wallet.MaxTradeUsd
		res.note("capped at wallet max $%s", amount.StringFixed(2))
	}

	// Global per-trade max.
	if amount.GreaterThan(s.cfg.MaxTradeUsd) {
		amount = s.cfg.MaxTradeUsd
		res.note("capped at global max $%s", amount.StringFixed(2))
	}

	// Max position size: current + new must stay under the configured cap.
	if s.cfg.MaxPositionUsd.IsPositive() {
		headroom := s.cfg.MaxPositionUsd.Sub(in.CurrentPositionUsd)
		if amount.GreaterThan(headroom) {
			if headroom.LessThan(s.cfg.MinTradeUsd) {
				res.note("position headroom $%s below minimum, zeroing", headroom.StringFixed(2))
				res.Zeroed = true
				return res
			}
			amount = headroom
			res.note("capped at position headroom $%s", amount.StringFixed(2))
		}
	}

	// Daily volume budget.
	if s.cfg.DailyVolumeUsd.IsPositive() {
		remaining := s.cfg.DailyVolumeUsd.Sub(in.DailyVolumeUsed)
		if !remaining.IsPositive() {
			res.note("daily volume budget exhausted, zeroing")
			res.Zeroed = true
			return res
		}
		if amount.GreaterThan(remaining) {
			amount = remaining
			res.note("capped at remaining daily budget $%s", amount.StringFixed(2))
		}
	}

	// Never spend the full balance.
	maxSpend := in.AvailableBalance.Mul(balanceCap)
	if amount.GreaterThan(maxSpend) {
		amount = maxSpend
		res.note("capped at 99%% of balance $%s", amount.StringFixed(2))
	}

	amount = amount.Round(2)

	// Minimum order floor.
	if amount.LessThan(s.cfg.MinTradeUsd) {
		res.note("final $%s below minimum $%s, zeroing",
			amount.StringFixed(2), s.cfg.MinTradeUsd.StringFixed(2))
		res.Zeroed = true
		return res
	}

	res.FinalUsd = amount
	return res
}

// baseAmount applies the configured strategy to the leader's notional.
func (s *Sizer) baseAmount(leaderUsd decimal.Decimal, res *Result) decimal.Decimal {
	switch s.cfg.SizingStrategy {
	case config.StrategyFixed:
		res.note("fixed $%s", s.cfg.FixedUsd.StringFixed(2))
		return s.cfg.FixedUsd

	case config.StrategyAdaptive:
		pct := s.adaptivePct(leaderUsd)
		amount := leaderUsd.Mul(pct).Div(hundred)
		res.note("adaptive %s%% of leader $%s = $%s",
			pct.StringFixed(2), leaderUsd.StringFixed(2), amount.StringFixed(2))
		return amount

	default: // percentage
		amount := leaderUsd.Mul(s.cfg.CopyPct).Div(hundred)
		res.note("%s%% of leader $%s = $%s",
			s.cfg.CopyPct, leaderUsd.StringFixed(2), amount.StringFixed(2))
		return amount
	}
}

// adaptivePct interpolates linearly from max% (small leader trades) down to
// min% (large ones), hitting the midpoint at the configured pivot.
func (s *Sizer) adaptivePct(leaderUsd decimal.Decimal) decimal.Decimal {
	span := s.cfg.AdaptivePivotUsd.Mul(decimal.NewFromInt(2))
	if !span.IsPositive() {
		return s.cfg.AdaptiveMaxPct
	}
	t := leaderUsd.Div(span)
	if t.GreaterThan(one) {
		t = one
	}
	if t.IsNegative() {
		t = decimal.Zero
	}
	return s.cfg.AdaptiveMaxPct.Sub(s.cfg.AdaptiveMaxPct.Sub(s.cfg.AdaptiveMinPct).Mul(t))
}

// tierMultiplier returns the multiplier of the first tier whose bracket
// contains the leader's trade size.
func (s *Sizer) tierMultiplier(leaderUsd decimal.Decimal) (decimal.Decimal, bool) {
	for _, tier := range s.cfg.TierMultipliers {
		if leaderUsd.LessThanOrEqual(tier.UpToUsd) {
			return tier.Multiplier, true
		}
	}
	return one, false
}
