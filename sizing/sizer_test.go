package sizing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/mirrorbot/internal/config"
	"github.com/web3guy0/mirrorbot/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func baseConfig() *config.Config {
	return &config.Config{
		SizingStrategy: config.StrategyPercentage,
		CopyPct:        dec("5"),
		FixedUsd:       dec("10"),
		MinTradeUsd:    dec("1.05"),
		MaxTradeUsd:    dec("100"),
	}
}

func neutralWallet() types.TrackedWallet {
	return types.TrackedWallet{SizeMultiplier: decimal.NewFromInt(1)}
}

func TestSizePercentage(t *testing.T) {
	s := NewSizer(baseConfig())

	res := s.Size(Inputs{
		LeaderUsd:        dec("200"),
		AvailableBalance: dec("1000"),
		Wallet:           neutralWallet(),
	})

	if res.Zeroed {
		t.Fatalf("unexpected zero: %v", res.Reasoning)
	}
	if !res.FinalUsd.Equal(dec("10")) {
		t.Errorf("FinalUsd = %s, want 10 (5%% of 200)", res.FinalUsd)
	}
	if len(res.Reasoning) == 0 {
		t.Error("expected reasoning fragments")
	}
}

func TestSizeFixed(t *testing.T) {
	cfg := baseConfig()
	cfg.SizingStrategy = config.StrategyFixed
	s := NewSizer(cfg)

	res := s.Size(Inputs{
		LeaderUsd:        dec("5000"),
		AvailableBalance: dec("1000"),
		Wallet:           neutralWallet(),
	})
	if !res.FinalUsd.Equal(dec("10")) {
		t.Errorf("FinalUsd = %s, want fixed 10", res.FinalUsd)
	}
}

func TestSizeAdaptivePivot(t *testing.T) {
	cfg := baseConfig()
	cfg.SizingStrategy = config.StrategyAdaptive
	cfg.AdaptiveMinPct = dec("1")
	cfg.AdaptiveMaxPct = dec("10")
	cfg.AdaptivePivotUsd = dec("1000")
	s := NewSizer(cfg)

	// At the pivot the percent sits at the midpoint, 5.5%.
	res := s.Size(Inputs{
		LeaderUsd:        dec("1000"),
		AvailableBalance: dec("10000"),
		Wallet:           neutralWallet(),
	})
	if !res.FinalUsd.Equal(dec("55")) {
		t.Errorf("FinalUsd = %s, want 55 (5.5%% of 1000)", res.FinalUsd)
	}
}

// Bigger leader trades must never produce a smaller copy for the percentage
// strategy, caps aside.
func TestSizeMonotonic(t *testing.T) {
	s := NewSizer(baseConfig())

	prev := decimal.Zero
	for _, leader := range []string{"50", "100", "400", "900", "1500"} {
		res := s.Size(Inputs{
			LeaderUsd:        dec(leader),
			AvailableBalance: dec("100000"),
			Wallet:           neutralWallet(),
		})
		if res.FinalUsd.LessThan(prev) {
			t.Fatalf("size decreased: leader=%s got %s after %s", leader, res.FinalUsd, prev)
		}
		prev = res.FinalUsd
	}
}

func TestSizeCapChain(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		inputs  Inputs
		want    string
		zeroed  bool
	}{
		{
			name: "wallet max caps before global max",
			inputs: Inputs{
				LeaderUsd:        dec("2000"), // 5% = 100
				AvailableBalance: dec("10000"),
				Wallet: types.TrackedWallet{
					SizeMultiplier: decimal.NewFromInt(1),
					MaxTradeUsd:    dec("20"),
				},
			},
			want: "20",
		},
		{
			name: "global max caps the rest",
			inputs: Inputs{
				LeaderUsd:        dec("10000"), // 5% = 500
				AvailableBalance: dec("100000"),
				Wallet:           neutralWallet(),
			},
			want: "100",
		},
		{
			name:   "position headroom below minimum zeroes",
			mutate: func(c *config.Config) { c.MaxPositionUsd = dec("50") },
			inputs: Inputs{
				LeaderUsd:          dec("2000"),
				AvailableBalance:   dec("10000"),
				CurrentPositionUsd: dec("49.50"), // $0.50 headroom < min
				Wallet:             neutralWallet(),
			},
			zeroed: true,
		},
		{
			name:   "daily budget exhausted zeroes",
			mutate: func(c *config.Config) { c.DailyVolumeUsd = dec("100") },
			inputs: Inputs{
				LeaderUsd:        dec("200"),
				AvailableBalance: dec("10000"),
				DailyVolumeUsed:  dec("100"),
				Wallet:           neutralWallet(),
			},
			zeroed: true,
		},
		{
			name: "balance caps at 99 percent",
			inputs: Inputs{
				LeaderUsd:        dec("1000"), // 5% = 50
				AvailableBalance: dec("20"),
				Wallet:           neutralWallet(),
			},
			want: "19.8",
		},
		{
			name: "below minimum zeroes",
			inputs: Inputs{
				LeaderUsd:        dec("10"), // 5% = 0.50
				AvailableBalance: dec("1000"),
				Wallet:           neutralWallet(),
			},
			zeroed: true,
		},
		{
			name: "wallet multiplier scales",
			inputs: Inputs{
				LeaderUsd:        dec("200"), // 5% = 10, x2 = 20
				AvailableBalance: dec("1000"),
				Wallet: types.TrackedWallet{
					SizeMultiplier: dec("2"),
				},
			},
			want: "20",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			res := NewSizer(cfg).Size(tt.inputs)

			if res.Zeroed != tt.zeroed {
				t.Fatalf("Zeroed = %v, want %v (%v)", res.Zeroed, tt.zeroed, res.Reasoning)
			}
			if tt.zeroed {
				if res.FinalUsd.IsPositive() {
					t.Errorf("zeroed result carries size %s", res.FinalUsd)
				}
				return
			}
			if !res.FinalUsd.Equal(dec(tt.want)) {
				t.Errorf("FinalUsd = %s, want %s (%v)", res.FinalUsd, tt.want, res.Reasoning)
			}
		})
	}
}

func TestSizeTierMultiplier(t *testing.T) {
	cfg := baseConfig()
	cfg.TierMultipliers = []config.SizeTier{
		{UpToUsd: dec("100"), Multiplier: dec("1")},
		{UpToUsd: dec("1000"), Multiplier: dec("0.5")},
	}
	s := NewSizer(cfg)

	// Leader $400 lands in the second tier: 5% * 0.5 = $10.
	res := s.Size(Inputs{
		LeaderUsd:        dec("400"),
		AvailableBalance: dec("1000"),
		Wallet:           neutralWallet(),
	})
	if !res.FinalUsd.Equal(dec("10")) {
		t.Errorf("FinalUsd = %s, want 10", res.FinalUsd)
	}
}
