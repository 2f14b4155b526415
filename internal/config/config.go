package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Strategy selects how a leader's notional change maps to our order size.
type Strategy string

const (
	StrategyPercentage Strategy = "percentage"
	StrategyFixed      Strategy = "fixed"
	StrategyAdaptive   Strategy = "adaptive"
)

// Config holds all configuration for the bot
type Config struct {
	// Mode
	DryRun bool
	Debug  bool

	// Polymarket API
	DataAPIURL string
	CLOBURL    string
	MarketWSURL string

	// CLOB Credentials
	CLOBApiKey     string
	CLOBApiSecret  string
	CLOBPassphrase string

	// Wallet
	WalletPrivateKey string
	WalletAddress    string
	PolygonRPCs      []string // primary first, fallbacks after

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Polling / detection
	PollInterval    time.Duration
	ScanConcurrency int
	ScanBatchDelay  time.Duration
	ChangeThreshold decimal.Decimal // fraction, e.g. 0.15
	FullCloseFrac   decimal.Decimal // decrease beyond this is a full close
	DedupTTL        time.Duration
	MaxSignalAge    time.Duration

	// Sizing
	SizingStrategy   Strategy
	CopyPct          decimal.Decimal // percentage strategy: % of leader size
	FixedUsd         decimal.Decimal
	AdaptiveMinPct   decimal.Decimal // applied to large leader trades
	AdaptiveMaxPct   decimal.Decimal // applied to small leader trades
	AdaptivePivotUsd decimal.Decimal
	TierMultipliers  []SizeTier
	MinTradeUsd      decimal.Decimal
	MaxTradeUsd      decimal.Decimal
	MaxPositionUsd   decimal.Decimal // zero = unset
	DailyVolumeUsd   decimal.Decimal // zero = unset

	// Risk
	EquityFloor      decimal.Decimal
	DailyLossLimit   decimal.Decimal
	MaxOpenPositions int
	MaxExposureUsd   decimal.Decimal
	BucketMaxUsd     map[string]decimal.Decimal
	LossStreakLen    int
	LossCooldown     time.Duration

	// Execution
	MinPrice        decimal.Decimal
	MaxPrice        decimal.Decimal
	SlippagePct     decimal.Decimal // book-walk budget for buys
	CloseSlippage   decimal.Decimal // hard ceiling for closes
	BookWalkDepth   int
	OrderRetries    int
	OrderRetryDelay time.Duration

	// Aggregation
	AggEnabled   bool
	AggWindow    time.Duration
	AggMinUsd    decimal.Decimal
	AggMaxTotal  int
	AggMaxPerKey int

	// Lifecycle
	MaxConsecutiveErrors int

	// Database
	DatabasePath string
}

// SizeTier applies an extra multiplier to trades in a USD bracket.
type SizeTier struct {
	UpToUsd    decimal.Decimal
	Multiplier decimal.Decimal
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		DataAPIURL:  getEnv("POLYMARKET_DATA_API_URL", "https://data-api.polymarket.com"),
		CLOBURL:     getEnv("POLYMARKET_CLOB_URL", "https://clob.polymarket.com"),
		MarketWSURL: getEnv("POLYMARKET_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),

		CLOBApiKey:     os.Getenv("CLOB_API_KEY"),
		CLOBApiSecret:  os.Getenv("CLOB_API_SECRET"),
		CLOBPassphrase: os.Getenv("CLOB_PASSPHRASE"),

		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
		WalletAddress:    os.Getenv("WALLET_ADDRESS"),
		PolygonRPCs:      getEnvList("POLYGON_RPC_URLS", "https://polygon-rpc.com,https://rpc.ankr.com/polygon,https://polygon-bor-rpc.publicnode.com"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		PollInterval:    getEnvDuration("POLL_INTERVAL", 60*time.Second),
		ScanConcurrency: getEnvInt("SCAN_CONCURRENCY", 3),
		ScanBatchDelay:  getEnvDuration("SCAN_BATCH_DELAY", 500*time.Millisecond),
		ChangeThreshold: getEnvDecimal("CHANGE_THRESHOLD", decimal.NewFromFloat(0.15)),
		FullCloseFrac:   getEnvDecimal("FULL_CLOSE_FRACTION", decimal.NewFromFloat(0.90)),
		DedupTTL:        getEnvDuration("DEDUP_TTL", 5*time.Minute),
		MaxSignalAge:    getEnvDuration("MAX_SIGNAL_AGE", 5*time.Minute),

		SizingStrategy:   Strategy(getEnv("SIZING_STRATEGY", string(StrategyPercentage))),
		CopyPct:          getEnvDecimal("COPY_PCT", decimal.NewFromInt(5)),
		FixedUsd:         getEnvDecimal("FIXED_USD", decimal.NewFromInt(10)),
		AdaptiveMinPct:   getEnvDecimal("ADAPTIVE_MIN_PCT", decimal.NewFromInt(1)),
		AdaptiveMaxPct:   getEnvDecimal("ADAPTIVE_MAX_PCT", decimal.NewFromInt(10)),
		AdaptivePivotUsd: getEnvDecimal("ADAPTIVE_PIVOT_USD", decimal.NewFromInt(1000)),
		MinTradeUsd:      getEnvDecimal("MIN_TRADE_USD", decimal.NewFromFloat(1.05)),
		MaxTradeUsd:      getEnvDecimal("MAX_TRADE_USD", decimal.NewFromInt(100)),
		MaxPositionUsd:   getEnvDecimal("MAX_POSITION_USD", decimal.Zero),
		DailyVolumeUsd:   getEnvDecimal("DAILY_VOLUME_USD", decimal.Zero),

		EquityFloor:      getEnvDecimal("EQUITY_FLOOR", decimal.NewFromInt(70)),
		DailyLossLimit:   getEnvDecimal("DAILY_LOSS_LIMIT", decimal.NewFromInt(50)),
		MaxOpenPositions: getEnvInt("MAX_OPEN_POSITIONS", 15),
		MaxExposureUsd:   getEnvDecimal("MAX_EXPOSURE_USD", decimal.NewFromInt(500)),
		LossStreakLen:    getEnvInt("LOSS_STREAK_LEN", 3),
		LossCooldown:     getEnvDuration("LOSS_COOLDOWN", 6*time.Hour),

		MinPrice:        getEnvDecimal("MIN_PRICE", decimal.NewFromFloat(0.05)),
		MaxPrice:        getEnvDecimal("MAX_PRICE", decimal.NewFromFloat(0.95)),
		SlippagePct:     getEnvDecimal("MAX_SLIPPAGE_PCT", decimal.NewFromFloat(0.05)),
		CloseSlippage:   getEnvDecimal("CLOSE_SLIPPAGE_PCT", decimal.NewFromFloat(0.15)),
		BookWalkDepth:   getEnvInt("BOOK_WALK_DEPTH", 20),
		OrderRetries:    getEnvInt("ORDER_RETRIES", 2),
		OrderRetryDelay: getEnvDuration("ORDER_RETRY_DELAY", 1500*time.Millisecond),

		AggEnabled:   getEnvBool("AGG_ENABLED", false),
		AggWindow:    getEnvDuration("AGG_WINDOW", 30*time.Second),
		AggMinUsd:    getEnvDecimal("AGG_MIN_USD", decimal.NewFromInt(5)),
		AggMaxTotal:  getEnvInt("AGG_MAX_TOTAL", 200),
		AggMaxPerKey: getEnvInt("AGG_MAX_PER_KEY", 10),

		MaxConsecutiveErrors: getEnvInt("MAX_CONSECUTIVE_ERRORS", 10),

		DatabasePath: getEnv("DATABASE_PATH", "data/mirrorbot.db"),
	}

	cfg.BucketMaxUsd = map[string]decimal.Decimal{
		"A": getEnvDecimal("BUCKET_A_MAX_USD", decimal.NewFromInt(100)),
		"B": getEnvDecimal("BUCKET_B_MAX_USD", decimal.NewFromInt(25)),
	}

	// Optional tier multipliers, e.g. "50:1.0,200:0.75,1000:0.5"
	if raw := os.Getenv("SIZE_TIERS"); raw != "" {
		tiers, err := parseTiers(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid SIZE_TIERS: %w", err)
		}
		cfg.TierMultipliers = tiers
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	switch cfg.SizingStrategy {
	case StrategyPercentage, StrategyFixed, StrategyAdaptive:
	default:
		return nil, fmt.Errorf("unknown SIZING_STRATEGY %q", cfg.SizingStrategy)
	}

	if !cfg.DryRun && cfg.WalletPrivateKey == "" {
		return nil, fmt.Errorf("WALLET_PRIVATE_KEY is required for live trading")
	}

	return cfg, nil
}

func parseTiers(raw string) ([]SizeTier, error) {
	var tiers []SizeTier
	for _, part := range strings.Split(raw, ",") {
		fields := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("bad tier %q", part)
		}
		upTo, err := decimal.NewFromString(fields[0])
		if err != nil {
			return nil, err
		}
		mult, err := decimal.NewFromString(fields[1])
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, SizeTier{UpToUsd: upTo, Multiplier: mult})
	}
	return tiers, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
