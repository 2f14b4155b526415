package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mirrorbot/buffer"
	"github.com/web3guy0/mirrorbot/internal/config"
	"github.com/web3guy0/mirrorbot/monitor"
	"github.com/web3guy0/mirrorbot/storage"
	"github.com/web3guy0/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow per cycle:
//   Registry reload → Scan → Aggregation buffer → Sequential execution
//   → Equity snapshot
//
// One cycle at a time. A failed cycle backs the interval off exponentially;
// a clean one snaps it back to the configured poll interval.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	backoffMultiplierCap = 10
	shutdownGrace        = 15 * time.Second
)

// Equity a dry run starts from when there is no chain balance to read.
var dryRunBaseEquity = decimal.NewFromInt(100)

type Engine struct {
	cfg       *config.Config
	db        *storage.Database
	detector  *monitor.Detector
	executor  *Executor
	agg       *buffer.Aggregator // nil when aggregation is disabled
	lifecycle *Lifecycle
	chain     CollateralReader // optional
	orders    OrderPlacer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewEngine(cfg *config.Config, db *storage.Database, detector *monitor.Detector,
	executor *Executor, agg *buffer.Aggregator, lifecycle *Lifecycle, orders OrderPlacer) *Engine {
	return &Engine{
		cfg:       cfg,
		db:        db,
		detector:  detector,
		executor:  executor,
		agg:       agg,
		lifecycle: lifecycle,
		orders:    orders,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (e *Engine) SetCollateralReader(c CollateralReader) { e.chain = c }

// Lifecycle exposes the state machine for operator control.
func (e *Engine) Lifecycle() *Lifecycle { return e.lifecycle }

// Run drives the poll loop until ctx is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.doneCh)

	if err := e.lifecycle.Start(); err != nil {
		log.Error().Err(err).Msg("Engine failed to start")
		return
	}
	log.Info().Dur("interval", e.cfg.PollInterval).Msg("⚡ Engine started")

	interval := e.cfg.PollInterval
	for {
		if err := e.runCycle(ctx); err != nil {
			e.lifecycle.RecordError(err)
			interval *= 2
			if max := e.cfg.PollInterval * backoffMultiplierCap; interval > max {
				interval = max
			}
			log.Warn().Dur("next_cycle", interval).Msg("Cycle failed, backing off")
		} else {
			e.lifecycle.RecordCycle()
			interval = e.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-e.stopCh:
			e.shutdown()
			return
		case <-time.After(interval):
		}
	}
}

// Stop requests a clean shutdown and waits for the current cycle, up to the
// grace period.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	select {
	case <-e.doneCh:
	case <-time.After(shutdownGrace):
		log.Warn().Msg("Shutdown grace period expired")
	}
}

func (e *Engine) shutdown() {
	e.snapshotEquity(context.Background())
	e.lifecycle.Stop()
	log.Info().Msg("Engine stopped")
}

// runCycle executes one full detection and execution pass.
func (e *Engine) runCycle(ctx context.Context) error {
	state := e.lifecycle.State()
	if state != types.StateRunning {
		log.Debug().Str("state", string(state)).Msg("Cycle skipped")
		return nil
	}

	// Reload the registry every cycle so wallet edits take effect without a
	// restart.
	wallets, err := e.db.GetTrackedWallets()
	if err != nil {
		return err
	}
	byAddress := make(map[string]types.TrackedWallet, len(wallets))
	for _, w := range wallets {
		byAddress[strings.ToLower(w.Address)] = w
	}

	signals := e.detector.Scan(ctx, wallets)

	// Route through the aggregation buffer when enabled.
	var ready []types.Signal
	if e.agg != nil {
		for _, sig := range signals {
			if !e.agg.Offer(sig) {
				ready = append(ready, sig)
			}
		}
		ready = append(ready, e.agg.Drain(time.Now())...)
	} else {
		ready = signals
	}

	if len(ready) > 0 {
		log.Info().Int("signals", len(ready)).Msg("Executing signals")
	}

	// Mark open positions to market before the risk rules and equity read
	// them.
	e.executor.RefreshPositions(ctx)

	equity := e.currentEquity(ctx)

	// Capital below the floor is not a per-trade concern anymore; halt
	// everything until the operator intervenes.
	if e.cfg.EquityFloor.IsPositive() && equity.LessThanOrEqual(e.cfg.EquityFloor) {
		log.Error().
			Str("equity", equity.StringFixed(2)).
			Str("floor", e.cfg.EquityFloor.StringFixed(2)).
			Msg("🛑 Equity at or below floor")
		e.lifecycle.EmergencyStop("equity floor breached")
		e.snapshotEquity(ctx)
		return nil
	}

	if status, err := e.executor.RiskStatus(equity); err == nil {
		event := log.Info()
		if status.HealthScore <= 3 {
			event = log.Warn()
		}
		event.
			Int("health", status.HealthScore).
			Str("exposure_util", status.ExposureUtilization.StringFixed(2)).
			Str("drawdown_pct", status.CurrentDrawdownPct.StringFixed(1)).
			Bool("cooldown", status.InCooldown).
			Msg("Risk status")
	}

	for _, sig := range ready {
		// An auto-pause or operator pause mid-cycle stops execution cold.
		if !e.lifecycle.IsRunning() {
			log.Warn().Int("dropped", len(ready)).Msg("Execution halted mid-cycle")
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		e.executor.Execute(ctx, sig, byAddress[strings.ToLower(sig.Wallet)], equity)
	}

	e.snapshotEquity(ctx)
	return nil
}

// currentEquity is the chain balance plus deployed exposure in live mode; a
// dry run tracks a simulated base adjusted by realized PnL.
func (e *Engine) currentEquity(ctx context.Context) decimal.Decimal {
	exposure := decimal.Zero
	if positions, err := e.db.GetOpenPositions(); err == nil {
		for _, p := range positions {
			exposure = exposure.Add(p.SizeUsd)
		}
	}

	if e.chain != nil && !e.orders.IsDryRun() {
		if balance, err := e.chain.Balance(ctx, e.orders.Address()); err == nil {
			return balance.Add(exposure)
		}
		log.Warn().Msg("Balance read failed, using simulated equity")
	}

	pnl, _ := e.db.RealizedPnlSince(time.Time{})
	return dryRunBaseEquity.Add(pnl)
}

func (e *Engine) snapshotEquity(ctx context.Context) {
	positions, err := e.db.GetOpenPositions()
	if err != nil {
		return
	}
	exposure := decimal.Zero
	for _, p := range positions {
		exposure = exposure.Add(p.SizeUsd)
	}
	equity := e.currentEquity(ctx)
	if err := e.db.SaveEquitySnapshot(equity, exposure, len(positions)); err != nil {
		log.Warn().Err(err).Msg("Equity snapshot failed")
	}
}
