package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/mirrorbot/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLimits() Limits {
	return Limits{
		EquityFloor:      dec("70"),
		DailyLossLimit:   dec("50"),
		MaxOpenPositions: 15,
		MaxExposureUsd:   dec("500"),
		BucketMaxUsd: map[string]decimal.Decimal{
			"A": dec("100"),
			"B": dec("25"),
		},
		MaxTradeUsd:   dec("100"),
		MinTradeUsd:   dec("1.05"),
		LossStreakLen: 3,
		LossCooldown:  6 * time.Hour,
	}
}

func TestCheckAdmissionAllows(t *testing.T) {
	e := NewEngine(testLimits())

	d := e.CheckAdmission(types.BucketA, dec("50"), dec("200"), State{
		OpenPositions: 3,
		ExposureUsd:   dec("100"),
	})
	if !d.Allowed {
		t.Fatalf("expected allowed, got reasons %v", d.Reasons)
	}
	if len(d.Reasons) != 0 {
		t.Errorf("allowed decision carries reasons %v", d.Reasons)
	}
}

// Equity at or below the floor blocks even an otherwise clean trade.
func TestCheckAdmissionEquityFloor(t *testing.T) {
	e := NewEngine(testLimits())

	d := e.CheckAdmission(types.BucketA, dec("10"), dec("70"), State{})
	if d.Allowed {
		t.Fatal("expected block at equity floor")
	}
	if !reasonContains(d.Reasons, "stop-loss floor") {
		t.Errorf("missing floor reason in %v", d.Reasons)
	}
}

// Every violated rule must be named, not just the first.
func TestCheckAdmissionCollectsAllViolations(t *testing.T) {
	e := NewEngine(testLimits())

	d := e.CheckAdmission(types.BucketB, dec("120"), dec("60"), State{
		OpenPositions:    15,
		ExposureUsd:      dec("490"),
		DailyRealizedPnl: dec("-60"),
	})
	if d.Allowed {
		t.Fatal("expected block")
	}

	for _, want := range []string{
		"stop-loss floor",  // equity 60 <= 70
		"loss limit",       // -60 <= -50
		"open positions",   // 15 >= 15
		"exceeds max",      // 490 + 120 > 500
		"bucket B cap",     // 120 > 25
		"per-trade cap",    // 120 > 100
	} {
		if !reasonContains(d.Reasons, want) {
			t.Errorf("missing %q in %v", want, d.Reasons)
		}
	}
}

func TestCheckAdmissionLossCooldown(t *testing.T) {
	e := NewEngine(testLimits())

	recent := []ResolvedTrade{
		{Pnl: dec("-5"), ClosedAt: time.Now().Add(-10 * time.Minute)},
		{Pnl: dec("-3"), ClosedAt: time.Now().Add(-1 * time.Hour)},
		{Pnl: dec("-8"), ClosedAt: time.Now().Add(-2 * time.Hour)},
	}

	d := e.CheckAdmission(types.BucketA, dec("10"), dec("200"), State{RecentResolved: recent})
	if d.Allowed {
		t.Fatal("expected loss-streak cooldown block")
	}
	if !reasonContains(d.Reasons, "cooldown") {
		t.Errorf("missing cooldown reason in %v", d.Reasons)
	}

	// One win inside the streak clears it.
	recent[1].Pnl = dec("4")
	d = e.CheckAdmission(types.BucketA, dec("10"), dec("200"), State{RecentResolved: recent})
	if !d.Allowed {
		t.Errorf("expected allowed after win in streak, got %v", d.Reasons)
	}

	// A streak that ended long ago no longer blocks.
	recent[1].Pnl = dec("-4")
	for i := range recent {
		recent[i].ClosedAt = time.Now().Add(-7 * time.Hour)
	}
	d = e.CheckAdmission(types.BucketA, dec("10"), dec("200"), State{RecentResolved: recent})
	if !d.Allowed {
		t.Errorf("expected allowed after cooldown elapsed, got %v", d.Reasons)
	}
}

func TestRiskStatusHealthScore(t *testing.T) {
	e := NewEngine(testLimits())

	// Untouched portfolio scores fully healthy.
	st := e.RiskStatus(dec("100"), dec("100"), State{})
	if st.HealthScore != 10 {
		t.Errorf("idle HealthScore = %d, want 10", st.HealthScore)
	}

	// Fully stressed portfolio pins the score at the bottom.
	stressed := State{
		OpenPositions:    15,
		ExposureUsd:      dec("500"),
		DailyRealizedPnl: dec("-50"),
		RecentResolved: []ResolvedTrade{
			{Pnl: dec("-1"), ClosedAt: time.Now()},
			{Pnl: dec("-1"), ClosedAt: time.Now()},
			{Pnl: dec("-1"), ClosedAt: time.Now()},
		},
	}
	st = e.RiskStatus(dec("70"), dec("200"), stressed)
	if st.HealthScore != 1 {
		t.Errorf("stressed HealthScore = %d, want 1", st.HealthScore)
	}
	if !st.InCooldown {
		t.Error("expected cooldown in stressed state")
	}
}

func TestRiskStatusDrawdownTracksWorst(t *testing.T) {
	e := NewEngine(testLimits())

	st := e.RiskStatus(dec("80"), dec("100"), State{})
	if !st.CurrentDrawdownPct.Equal(dec("0.2")) {
		t.Errorf("CurrentDrawdownPct = %s, want 0.2", st.CurrentDrawdownPct)
	}

	// Recovery keeps the high-water drawdown.
	st = e.RiskStatus(dec("95"), dec("100"), State{})
	if !st.CurrentDrawdownPct.Equal(dec("0.05")) {
		t.Errorf("CurrentDrawdownPct = %s, want 0.05", st.CurrentDrawdownPct)
	}
	if !st.MaxDrawdownPct.Equal(dec("0.2")) {
		t.Errorf("MaxDrawdownPct = %s, want 0.2", st.MaxDrawdownPct)
	}
}

func reasonContains(reasons []string, frag string) bool {
	for _, r := range reasons {
		if strings.Contains(r, frag) {
			return true
		}
	}
	return false
}
