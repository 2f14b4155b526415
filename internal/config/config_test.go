package config

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseTiers(t *testing.T) {
	tiers, err := parseTiers("50:1.0, 200:0.75,1000:0.5")
	if err != nil {
		t.Fatalf("parseTiers: %v", err)
	}
	if len(tiers) != 3 {
		t.Fatalf("got %d tiers, want 3", len(tiers))
	}
	if !tiers[1].UpToUsd.Equal(decimal.NewFromInt(200)) {
		t.Errorf("UpToUsd = %s, want 200", tiers[1].UpToUsd)
	}
	if !tiers[1].Multiplier.Equal(decimal.NewFromFloat(0.75)) {
		t.Errorf("Multiplier = %s, want 0.75", tiers[1].Multiplier)
	}
}

func TestParseTiersRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"50", "abc:1.0", "50:xyz", "50:1:2:3"} {
		if _, err := parseTiers(raw); err == nil {
			t.Errorf("parseTiers(%q) accepted malformed input", raw)
		}
	}
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	t.Setenv("SIZING_STRATEGY", "martingale")
	if _, err := Load(); err == nil {
		t.Fatal("unknown strategy accepted")
	}
}

func TestLoadRequiresKeyForLive(t *testing.T) {
	t.Setenv("DRY_RUN", "false")
	t.Setenv("WALLET_PRIVATE_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("live mode without a key accepted")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DryRun {
		t.Error("DryRun should default to true")
	}
	if cfg.SizingStrategy != StrategyPercentage {
		t.Errorf("SizingStrategy = %s, want percentage", cfg.SizingStrategy)
	}
	if len(cfg.PolygonRPCs) == 0 {
		t.Error("PolygonRPCs should have defaults")
	}
	if !cfg.ChangeThreshold.Equal(decimal.NewFromFloat(0.15)) {
		t.Errorf("ChangeThreshold = %s, want 0.15", cfg.ChangeThreshold)
	}
}

func TestParseTiersBadPair(t *testing.T) {
	if _, err := parseTiers(""); err == nil {
		t.Error("empty string accepted")
	}
}
