package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/mirrorbot/bot"
	"github.com/web3guy0/mirrorbot/buffer"
	"github.com/web3guy0/mirrorbot/core"
	"github.com/web3guy0/mirrorbot/dedup"
	"github.com/web3guy0/mirrorbot/exec"
	"github.com/web3guy0/mirrorbot/feeds"
	"github.com/web3guy0/mirrorbot/internal/config"
	"github.com/web3guy0/mirrorbot/monitor"
	"github.com/web3guy0/mirrorbot/risk"
	"github.com/web3guy0/mirrorbot/sizing"
	"github.com/web3guy0/mirrorbot/storage"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("                    MIRRORBOT - COPY TRADER")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration invalid")
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Storage
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()
	log.Info().Msg("✅ Storage layer initialized")

	// 2. Dedup store, hot tier over the database
	dedupStore := dedup.NewStore(db, cfg.DedupTTL)
	dedupStore.StartSweep(cfg.DedupTTL)
	defer dedupStore.Stop()

	// 3. Feeds
	positions := feeds.NewPositionsClient(cfg.DataAPIURL)
	books := feeds.NewBookClient(cfg.CLOBURL)
	marketFeed := feeds.NewMarketFeed(cfg.MarketWSURL)
	marketFeed.Start()
	defer marketFeed.Stop()
	log.Info().Msg("✅ Feeds initialized")

	// 4. Execution client
	orders, err := exec.NewClient(exec.ClientOpts{
		BaseURL:    cfg.CLOBURL,
		PrivateKey: cfg.WalletPrivateKey,
		APIKey:     cfg.CLOBApiKey,
		APISecret:  cfg.CLOBApiSecret,
		Passphrase: cfg.CLOBPassphrase,
		DryRun:     cfg.DryRun,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize execution client")
	}

	// 5. Risk and sizing
	riskEngine := risk.NewEngine(risk.Limits{
		EquityFloor:      cfg.EquityFloor,
		DailyLossLimit:   cfg.DailyLossLimit,
		MaxOpenPositions: cfg.MaxOpenPositions,
		MaxExposureUsd:   cfg.MaxExposureUsd,
		BucketMaxUsd:     cfg.BucketMaxUsd,
		MaxTradeUsd:      cfg.MaxTradeUsd,
		MinTradeUsd:      cfg.MinTradeUsd,
		LossStreakLen:    cfg.LossStreakLen,
		LossCooldown:     cfg.LossCooldown,
	})
	sizer := sizing.NewSizer(cfg)
	log.Info().Msg("✅ Risk layer initialized")

	// 6. Detection and execution pipeline
	detector := monitor.NewDetector(positions, db, dedupStore,
		cfg.ChangeThreshold, cfg.FullCloseFrac, cfg.ScanConcurrency, cfg.ScanBatchDelay)

	executor := core.NewExecutor(cfg, db, riskEngine, sizer, orders, books)
	executor.SetPriceSource(marketFeed)

	var chain *exec.ChainReader
	if len(cfg.PolygonRPCs) > 0 {
		chain = exec.NewChainReader(cfg.PolygonRPCs)
		executor.SetCollateralReader(chain)
	}

	var agg *buffer.Aggregator
	if cfg.AggEnabled {
		agg = buffer.NewAggregator(cfg.AggWindow, cfg.AggMinUsd, cfg.AggMaxTotal, cfg.AggMaxPerKey)
		log.Info().Dur("window", cfg.AggWindow).Msg("✅ Aggregation buffer enabled")
	}

	// 7. Lifecycle and engine. The auto-pause callback is wired to Telegram
	// below once the notifier exists.
	var tg *bot.TelegramBot
	lifecycle := core.NewLifecycle(cfg.MaxConsecutiveErrors, func(reason string) {
		if tg != nil {
			tg.NotifyPause(reason)
		}
	})
	engine := core.NewEngine(cfg, db, detector, executor, agg, lifecycle, orders)
	if chain != nil {
		engine.SetCollateralReader(chain)
	}
	log.Info().Msg("✅ Core engine initialized")

	// 8. Telegram (optional)
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, lifecycle, db)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram disabled")
		} else {
			executor.SetNotifier(tg)
			tg.Start()
			defer tg.Stop()
		}
	}

	mode := "DRY RUN"
	if !cfg.DryRun {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Dur("poll", cfg.PollInterval).
		Str("strategy", string(cfg.SizingStrategy)).
		Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// START + GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")
	cancel()
	engine.Stop()

	log.Info().Msg("👋 Goodbye!")
}
