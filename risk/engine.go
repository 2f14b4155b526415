package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK ENGINE - Admission control for every proposed trade
// ═══════════════════════════════════════════════════════════════════════════════
//
// CheckAdmission evaluates the full rule battery and collects every violated
// rule - no short-circuit. Rejections are expected and frequent; they are
// named statuses, not faults.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Limits holds the configured admission thresholds.
type Limits struct {
	EquityFloor      decimal.Decimal
	DailyLossLimit   decimal.Decimal
	MaxOpenPositions int
	MaxExposureUsd   decimal.Decimal
	BucketMaxUsd     map[string]decimal.Decimal
	MaxTradeUsd      decimal.Decimal
	MinTradeUsd      decimal.Decimal
	LossStreakLen    int
	LossCooldown     time.Duration
}

// ResolvedTrade is one realized outcome, newest first in State.RecentResolved.
type ResolvedTrade struct {
	Pnl      decimal.Decimal
	ClosedAt time.Time
}

// State is the current portfolio picture the rules run against.
type State struct {
	OpenPositions    int
	ExposureUsd      decimal.Decimal
	DailyRealizedPnl decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	RecentResolved   []ResolvedTrade
}

// Decision is the admission outcome with every violated rule named.
type Decision struct {
	Allowed bool
	Reasons []string
}

type Engine struct {
	limits Limits

	mu          sync.Mutex
	maxDrawdown decimal.Decimal // worst peak-to-trough seen this process
}

func NewEngine(limits Limits) *Engine {
	return &Engine{limits: limits}
}

// CheckAdmission decides whether a proposed trade may proceed.
func (e *Engine) CheckAdmission(bucket types.Bucket, proposedUsd, equity decimal.Decimal, st State) Decision {
	var reasons []string

	// 1. Equity stop-loss floor blocks everything.
	if equity.LessThanOrEqual(e.limits.EquityFloor) {
		reasons = append(reasons, fmt.Sprintf(
			"equity $%s at or below stop-loss floor $%s",
			equity.StringFixed(2), e.limits.EquityFloor.StringFixed(2)))
	}

	// 2. Daily loss limit (realized + unrealized).
	dailyPnl := st.DailyRealizedPnl.Add(st.UnrealizedPnl)
	if dailyPnl.LessThanOrEqual(e.limits.DailyLossLimit.Neg()) {
		reasons = append(reasons, fmt.Sprintf(
			"daily PnL $%s breaches loss limit $%s",
			dailyPnl.StringFixed(2), e.limits.DailyLossLimit.StringFixed(2)))
	}

	// 3. Open position count.
	if st.OpenPositions >= e.limits.MaxOpenPositions {
		reasons = append(reasons, fmt.Sprintf(
			"open positions %d at max %d", st.OpenPositions, e.limits.MaxOpenPositions))
	}

	// 4. Total exposure including the proposed trade.
	if st.ExposureUsd.Add(proposedUsd).GreaterThan(e.limits.MaxExposureUsd) {
		reasons = append(reasons, fmt.Sprintf(
			"exposure $%s + $%s exceeds max $%s",
			st.ExposureUsd.StringFixed(2), proposedUsd.StringFixed(2),
			e.limits.MaxExposureUsd.StringFixed(2)))
	}

	// 5. Per-bucket and global per-trade caps.
	if bucketMax, ok := e.limits.BucketMaxUsd[string(bucket)]; ok && proposedUsd.GreaterThan(bucketMax) {
		reasons = append(reasons, fmt.Sprintf(
			"trade $%s exceeds bucket %s cap $%s",
			proposedUsd.StringFixed(2), bucket, bucketMax.StringFixed(2)))
	}
	if proposedUsd.GreaterThan(e.limits.MaxTradeUsd) {
		reasons = append(reasons, fmt.Sprintf(
			"trade $%s exceeds per-trade cap $%s",
			proposedUsd.StringFixed(2), e.limits.MaxTradeUsd.StringFixed(2)))
	}

	// 6. Minimum trade size.
	if proposedUsd.LessThan(e.limits.MinTradeUsd) {
		reasons = append(reasons, fmt.Sprintf(
			"trade $%s below minimum $%s",
			proposedUsd.StringFixed(2), e.limits.MinTradeUsd.StringFixed(2)))
	}

	// 7. Loss-streak cooldown.
	if e.inLossCooldown(st.RecentResolved) {
		reasons = append(reasons, fmt.Sprintf(
			"last %d resolved trades were losses within %s cooldown",
			e.limits.LossStreakLen, e.limits.LossCooldown))
	}

	return Decision{Allowed: len(reasons) == 0, Reasons: reasons}
}

// inLossCooldown reports whether the last N resolved trades were all losses
// and the most recent one closed inside the cooldown window.
func (e *Engine) inLossCooldown(recent []ResolvedTrade) bool {
	if e.limits.LossStreakLen <= 0 || len(recent) < e.limits.LossStreakLen {
		return false
	}
	for _, t := range recent[:e.limits.LossStreakLen] {
		if !t.Pnl.IsNegative() {
			return false
		}
	}
	return time.Since(recent[0].ClosedAt) < e.limits.LossCooldown
}

// ─── Dashboard status ───────────────────────────────────────────────────────────

// Status is the dashboard-facing risk snapshot.
type Status struct {
	ExposureUtilization decimal.Decimal // open exposure / max exposure
	LossUtilization     decimal.Decimal // daily loss / daily loss limit
	PositionUtilization decimal.Decimal // open positions / max positions
	CurrentDrawdownPct  decimal.Decimal // peak-to-current
	MaxDrawdownPct      decimal.Decimal // worst seen
	InCooldown          bool
	HealthScore         int // 1 (critical) .. 10 (healthy)
}

// RiskStatus computes utilization ratios, the drawdown pair and a weighted
// 1-10 health score. peakEquity comes from the equity snapshot history.
func (e *Engine) RiskStatus(equity, peakEquity decimal.Decimal, st State) Status {
	status := Status{
		ExposureUtilization: ratio(st.ExposureUsd, e.limits.MaxExposureUsd),
		PositionUtilization: ratio(decimal.NewFromInt(int64(st.OpenPositions)), decimal.NewFromInt(int64(e.limits.MaxOpenPositions))),
		InCooldown:          e.inLossCooldown(st.RecentResolved),
	}

	dailyPnl := st.DailyRealizedPnl.Add(st.UnrealizedPnl)
	if dailyPnl.IsNegative() {
		status.LossUtilization = ratio(dailyPnl.Neg(), e.limits.DailyLossLimit)
	}

	if peakEquity.GreaterThan(equity) && peakEquity.IsPositive() {
		status.CurrentDrawdownPct = peakEquity.Sub(equity).Div(peakEquity)
	}

	e.mu.Lock()
	if status.CurrentDrawdownPct.GreaterThan(e.maxDrawdown) {
		e.maxDrawdown = status.CurrentDrawdownPct
	}
	status.MaxDrawdownPct = e.maxDrawdown
	e.mu.Unlock()

	// Equity buffer depletion: how far equity has fallen from peak toward
	// the stop-loss floor.
	depletion := decimal.Zero
	buffer := peakEquity.Sub(e.limits.EquityFloor)
	if buffer.IsPositive() {
		depletion = clamp01(peakEquity.Sub(equity).Div(buffer))
	}

	cooldown := decimal.Zero
	if status.InCooldown {
		cooldown = decimal.NewFromInt(1)
	}

	blend := clamp01(status.ExposureUtilization).Mul(decimal.NewFromFloat(0.25)).
		Add(clamp01(status.LossUtilization).Mul(decimal.NewFromFloat(0.25))).
		Add(clamp01(status.PositionUtilization).Mul(decimal.NewFromFloat(0.20))).
		Add(depletion.Mul(decimal.NewFromFloat(0.20))).
		Add(cooldown.Mul(decimal.NewFromFloat(0.10)))

	score := decimal.NewFromInt(10).Sub(blend.Mul(decimal.NewFromInt(9))).Round(0).IntPart()
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	status.HealthScore = int(score)

	return status
}

func ratio(num, den decimal.Decimal) decimal.Decimal {
	if !den.IsPositive() {
		return decimal.Zero
	}
	return num.Div(den)
}

func clamp01(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return v
}
