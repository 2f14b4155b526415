package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mirrorbot/exec"
	"github.com/web3guy0/mirrorbot/feeds"
	"github.com/web3guy0/mirrorbot/internal/config"
	"github.com/web3guy0/mirrorbot/risk"
	"github.com/web3guy0/mirrorbot/sizing"
	"github.com/web3guy0/mirrorbot/storage"
	"github.com/web3guy0/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTOR - Turn one accepted signal into at most one order
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every branch writes exactly one trade record. Rejections carry their reason
// in the record's notes; they are outcomes, not errors.
//
// BUY path:   sizing -> price band -> risk admission -> balance/allowance
//             -> book walk -> slippage check -> FOK order -> position upsert
// CLOSE path: position lookup -> proportional size -> book walk with the
//             close slippage ceiling -> FOK sell -> realized PnL bookkeeping
//
// ═══════════════════════════════════════════════════════════════════════════════

// OrderPlacer submits fill-or-kill orders.
type OrderPlacer interface {
	PlaceFOKOrder(ctx context.Context, tokenID, side string, usdAmount decimal.Decimal) (*exec.OrderResult, error)
	IsDryRun() bool
	Address() string
}

// BookReader fetches the current order book for a token.
type BookReader interface {
	GetOrderBook(ctx context.Context, tokenID string) (*feeds.OrderBook, error)
}

// PriceSource is the live price cache; best-effort, may have nothing fresh.
type PriceSource interface {
	GetPrice(tokenID string) (decimal.Decimal, bool)
	Watch(tokenID string)
}

// CollateralReader verifies spendable USDC before a live order.
type CollateralReader interface {
	Balance(ctx context.Context, wallet string) (decimal.Decimal, error)
	Allowance(ctx context.Context, wallet string) (decimal.Decimal, error)
}

// TradeNotifier pushes trade outcomes to the operator.
type TradeNotifier interface {
	NotifyTrade(sig types.Signal, status types.TradeStatus, sizeUsd, price decimal.Decimal)
}

// Failures carrying these fragments never succeed on retry.
var permanentOrderErrors = []string{
	"insufficient balance",
	"insufficient allowance",
	"invalid",
	"unauthorized",
}

type Executor struct {
	cfg      *config.Config
	db       *storage.Database
	risk     *risk.Engine
	sizer    *sizing.Sizer
	orders   OrderPlacer
	books    BookReader
	prices   PriceSource      // optional
	chain    CollateralReader // optional in dry-run
	notifier TradeNotifier    // optional
}

func NewExecutor(cfg *config.Config, db *storage.Database, riskEngine *risk.Engine,
	sizer *sizing.Sizer, orders OrderPlacer, books BookReader) *Executor {
	return &Executor{
		cfg:    cfg,
		db:     db,
		risk:   riskEngine,
		sizer:  sizer,
		orders: orders,
		books:  books,
	}
}

func (x *Executor) SetPriceSource(p PriceSource)           { x.prices = p }
func (x *Executor) SetCollateralReader(c CollateralReader) { x.chain = c }
func (x *Executor) SetNotifier(n TradeNotifier)            { x.notifier = n }

// Execute processes one signal to completion.
func (x *Executor) Execute(ctx context.Context, sig types.Signal, wallet types.TrackedWallet, equity decimal.Decimal) {
	// A signal that sat through outages or a long buffer is no longer the
	// leader's current intent.
	if age := time.Since(sig.DetectedAt); age > x.cfg.MaxSignalAge {
		x.record(sig, types.StatusFiltered, decimal.Zero, decimal.Zero,
			fmt.Sprintf("signal stale: %s old", age.Round(time.Second)))
		return
	}

	if sig.Type == types.SignalClose {
		x.executeClose(ctx, sig)
		return
	}
	x.executeBuy(ctx, sig, wallet, equity)
}

// ─── BUY path ───────────────────────────────────────────────────────────────────

func (x *Executor) executeBuy(ctx context.Context, sig types.Signal, wallet types.TrackedWallet, equity decimal.Decimal) {
	if x.prices != nil {
		x.prices.Watch(sig.TokenID)
	}

	balance := equity
	if x.chain != nil && !x.orders.IsDryRun() {
		b, err := x.chain.Balance(ctx, x.orders.Address())
		if err != nil {
			x.record(sig, types.StatusFailed, decimal.Zero, decimal.Zero,
				"balance read failed: "+err.Error())
			return
		}
		balance = b
	}

	sized := x.size(sig, wallet, balance)
	notes := strings.Join(sized.Reasoning, "; ")
	if sized.Zeroed || !sized.FinalUsd.IsPositive() {
		x.record(sig, types.StatusFiltered, decimal.Zero, sig.Price, notes)
		return
	}
	amount := sized.FinalUsd

	// Price band: outside it the payoff profile is not worth copying.
	reference := x.referencePrice(ctx, sig)
	if reference.LessThan(x.cfg.MinPrice) || reference.GreaterThan(x.cfg.MaxPrice) {
		x.record(sig, types.StatusFiltered, decimal.Zero, reference, fmt.Sprintf(
			"price %s outside band [%s, %s]",
			reference.StringFixed(3), x.cfg.MinPrice, x.cfg.MaxPrice))
		return
	}

	// Risk admission against the full portfolio picture.
	st, err := x.loadRiskState()
	if err != nil {
		x.record(sig, types.StatusFailed, decimal.Zero, reference,
			"risk state load failed: "+err.Error())
		return
	}
	decision := x.risk.CheckAdmission(wallet.Bucket, amount, equity, st)
	if !decision.Allowed {
		x.record(sig, types.StatusRiskBlocked, amount, reference,
			strings.Join(decision.Reasons, "; "))
		return
	}

	var fillPrice decimal.Decimal
	status := types.StatusExecuted

	if x.orders.IsDryRun() {
		// Simulation books the fill at the price the leader was seen at.
		// The order book gates below only make sense against a real fill.
		status = types.StatusSimulated
		if _, err := x.placeWithRetry(ctx, sig.TokenID, exec.SideBuy, amount); err != nil {
			x.record(sig, types.StatusFailed, amount, sig.Price, "order failed: "+err.Error())
			return
		}
		fillPrice = sig.Price
		if !fillPrice.IsPositive() {
			fillPrice = reference
		}
	} else {
		// Live orders verify spendable collateral up front.
		if x.chain != nil {
			if balance.LessThan(amount) {
				x.record(sig, types.StatusRejected, amount, reference, fmt.Sprintf(
					"balance $%s below order $%s", balance.StringFixed(2), amount.StringFixed(2)))
				return
			}
			allowance, err := x.chain.Allowance(ctx, x.orders.Address())
			if err != nil {
				x.record(sig, types.StatusFailed, amount, reference,
					"allowance read failed: "+err.Error())
				return
			}
			if allowance.LessThan(amount) {
				x.record(sig, types.StatusRejected, amount, reference, fmt.Sprintf(
					"allowance $%s below order $%s", allowance.StringFixed(2), amount.StringFixed(2)))
				return
			}
		}

		// Walk the book: a FOK order against a book that cannot absorb half
		// the amount is a guaranteed kill.
		book, err := x.books.GetOrderBook(ctx, sig.TokenID)
		if err != nil {
			x.record(sig, types.StatusFailed, amount, reference, "book read failed: "+err.Error())
			return
		}
		walk := feeds.WalkBook(book, true, amount, x.cfg.BookWalkDepth, x.cfg.SlippagePct)
		if !walk.FullFill {
			half := amount.Div(decimal.NewFromInt(2))
			if walk.FillableUsd.LessThan(half) {
				x.record(sig, types.StatusRejected, amount, reference, fmt.Sprintf(
					"book too thin: $%s fillable of $%s",
					walk.FillableUsd.StringFixed(2), amount.StringFixed(2)))
				return
			}
			amount = walk.FillableUsd.Round(2)
			if amount.LessThan(x.cfg.MinTradeUsd) {
				x.record(sig, types.StatusRejected, amount, reference,
					"fillable amount below minimum")
				return
			}
		}

		// Slippage versus the signal price, so market movement since
		// detection is what gets measured. A fill better than the leader's
		// price passes freely.
		if sig.Price.IsPositive() && walk.EffectivePrice.GreaterThan(sig.Price) {
			slip := walk.EffectivePrice.Sub(sig.Price).Div(sig.Price)
			if slip.GreaterThan(x.cfg.SlippagePct) {
				x.record(sig, types.StatusSlippageBlocked, amount, walk.EffectivePrice, fmt.Sprintf(
					"effective %s vs signal %s (%s%% slip)",
					walk.EffectivePrice.StringFixed(3), sig.Price.StringFixed(3),
					slip.Mul(decimal.NewFromInt(100)).StringFixed(1)))
				return
			}
		}

		result, err := x.placeWithRetry(ctx, sig.TokenID, exec.SideBuy, amount)
		if err != nil {
			x.record(sig, types.StatusFailed, amount, walk.EffectivePrice, "order failed: "+err.Error())
			return
		}
		fillPrice = result.Price
		if !fillPrice.IsPositive() {
			fillPrice = walk.EffectivePrice
		}
	}

	tradeID := x.record(sig, status, amount, fillPrice, notes)
	x.applyFill(sig, amount, fillPrice, tradeID)

	if x.notifier != nil {
		x.notifier.NotifyTrade(sig, status, amount, fillPrice)
	}
}

// applyFill accumulates the fill into our position with a size-weighted
// average entry price.
func (x *Executor) applyFill(sig types.Signal, amount, fillPrice decimal.Decimal, tradeID uint) {
	pos, err := x.db.GetPosition(sig.MarketID, sig.TokenID)
	if err != nil {
		log.Error().Err(err).Msg("Position lookup failed after fill")
		return
	}

	if pos == nil || pos.Status != "open" {
		pos = &storage.Position{
			ID:          sig.MarketID + ":" + sig.TokenID,
			MarketID:    sig.MarketID,
			TokenID:     sig.TokenID,
			Outcome:     sig.Outcome,
			Title:       sig.MarketName,
			EntryPrice:  fillPrice,
			SizeUsd:     amount,
			Status:      "open",
			OpenTradeID: tradeID,
		}
	} else {
		newSize := pos.SizeUsd.Add(amount)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.SizeUsd).
			Add(fillPrice.Mul(amount)).Div(newSize)
		pos.SizeUsd = newSize
	}
	pos.CurrentPrice = fillPrice

	if err := x.db.UpsertPosition(pos); err != nil {
		log.Error().Err(err).Str("id", pos.ID).Msg("Position upsert failed")
		return
	}

	log.Info().
		Str("market", sig.MarketName).
		Str("entry", pos.EntryPrice.StringFixed(3)).
		Str("size", pos.SizeUsd.StringFixed(2)).
		Msg("📈 Position updated")
}

// ─── CLOSE path ─────────────────────────────────────────────────────────────────

func (x *Executor) executeClose(ctx context.Context, sig types.Signal) {
	pos, err := x.db.GetPosition(sig.MarketID, sig.TokenID)
	if err != nil {
		x.record(sig, types.StatusFailed, decimal.Zero, decimal.Zero,
			"position lookup failed: "+err.Error())
		return
	}
	if pos == nil || pos.Status != "open" || !pos.SizeUsd.IsPositive() {
		// We never copied the entry, nothing to unwind.
		x.record(sig, types.StatusNoPosition, decimal.Zero, decimal.Zero,
			"leader closed a position we do not hold")
		return
	}

	// Mirror the leader's exit proportionally.
	closeFrac := sig.CloseFraction
	if !closeFrac.IsPositive() || closeFrac.GreaterThan(decimal.NewFromInt(1)) {
		closeFrac = decimal.NewFromInt(1)
	}
	closeUsd := pos.SizeUsd.Mul(closeFrac).Round(2)
	fullClose := closeFrac.Equal(decimal.NewFromInt(1))

	var fillPrice decimal.Decimal
	status := types.StatusExecuted

	if x.orders.IsDryRun() {
		// Simulation unwinds at the price the leader exited at; no book to
		// walk against a fabricated sell.
		status = types.StatusSimulated
		if _, err := x.placeWithRetry(ctx, sig.TokenID, exec.SideSell, closeUsd); err != nil {
			x.record(sig, types.StatusFailed, closeUsd, sig.Price, "order failed: "+err.Error())
			return
		}
		fillPrice = sig.Price
		if !fillPrice.IsPositive() {
			fillPrice = pos.CurrentPrice
		}
	} else {
		book, err := x.books.GetOrderBook(ctx, sig.TokenID)
		if err != nil {
			x.record(sig, types.StatusFailed, closeUsd, decimal.Zero, "book read failed: "+err.Error())
			return
		}

		// Exits tolerate more slippage than entries, but the ceiling is hard:
		// dumping into a collapsed book only locks in the worst price.
		walk := feeds.WalkBook(book, false, closeUsd, x.cfg.BookWalkDepth, x.cfg.CloseSlippage)
		if hint := closeSlippageHint(sig.Price); hint.GreaterThan(x.cfg.CloseSlippage) {
			log.Debug().
				Str("price", sig.Price.StringFixed(3)).
				Str("hint", hint.StringFixed(2)).
				Str("ceiling", x.cfg.CloseSlippage.StringFixed(2)).
				Msg("Extreme price suggests a wider close slippage than the ceiling allows")
		}
		if sig.Price.IsPositive() && walk.EffectivePrice.IsPositive() {
			slip := sig.Price.Sub(walk.EffectivePrice).Div(sig.Price)
			if slip.GreaterThan(x.cfg.CloseSlippage) {
				x.record(sig, types.StatusSlippageBlocked, closeUsd, walk.EffectivePrice, fmt.Sprintf(
					"close slippage %s%% over ceiling %s%%",
					slip.Mul(decimal.NewFromInt(100)).StringFixed(1),
					x.cfg.CloseSlippage.Mul(decimal.NewFromInt(100)).StringFixed(1)))
				return
			}
		}

		result, err := x.placeWithRetry(ctx, sig.TokenID, exec.SideSell, closeUsd)
		if err != nil {
			x.record(sig, types.StatusFailed, closeUsd, walk.EffectivePrice, "order failed: "+err.Error())
			return
		}
		fillPrice = result.Price
		if !fillPrice.IsPositive() {
			fillPrice = walk.EffectivePrice
		}
	}

	// Realized PnL on the closed fraction.
	pnl := decimal.Zero
	if pos.EntryPrice.IsPositive() && fillPrice.IsPositive() {
		tokens := closeUsd.Div(pos.EntryPrice)
		pnl = tokens.Mul(fillPrice.Sub(pos.EntryPrice)).Round(4)
	}
	rec := &storage.TradeRecord{
		Wallet:     sig.Wallet,
		MarketID:   sig.MarketID,
		TokenID:    sig.TokenID,
		Outcome:    sig.Outcome,
		MarketName: sig.MarketName,
		SignalType: string(sig.Type),
		Status:     string(status),
		SizeUsd:    closeUsd,
		LeaderUsd:  sig.AmountUsd,
		Price:      fillPrice,
		Pnl:        pnl,
		Resolved:   true,
		Notes:      fmt.Sprintf("closed %s%% of position", closeFrac.Mul(decimal.NewFromInt(100)).StringFixed(0)),
	}
	if _, err := x.db.LogTrade(rec); err == nil {
		log.Info().
			Str("market", sig.MarketName).
			Str("pnl", pnl.StringFixed(2)).
			Bool("full", fullClose).
			Msg("📊 Position closed")
	}

	// Carry the realized PnL onto the originating entry for reporting. The
	// close record above is the row the PnL sums count.
	if err := x.db.AccrueEntryPnl(pos.OpenTradeID, pnl); err != nil {
		log.Warn().Err(err).Uint("trade_id", pos.OpenTradeID).Msg("Failed to accrue entry pnl")
	}

	pos.SizeUsd = pos.SizeUsd.Sub(closeUsd)
	pos.CurrentPrice = fillPrice
	if fullClose || !pos.SizeUsd.IsPositive() {
		pos.SizeUsd = decimal.Zero
		pos.Status = "closed"
	}
	if err := x.db.UpsertPosition(pos); err != nil {
		log.Error().Err(err).Str("id", pos.ID).Msg("Position upsert failed")
	}

	if x.notifier != nil {
		x.notifier.NotifyTrade(sig, status, closeUsd, fillPrice)
	}
}

// ─── Shared plumbing ────────────────────────────────────────────────────────────

func (x *Executor) size(sig types.Signal, wallet types.TrackedWallet, balance decimal.Decimal) sizing.Result {
	currentUsd := decimal.Zero
	if pos, err := x.db.GetPosition(sig.MarketID, sig.TokenID); err == nil && pos != nil && pos.Status == "open" {
		currentUsd = pos.SizeUsd
	}

	volumeUsed := decimal.Zero
	if x.cfg.DailyVolumeUsd.IsPositive() {
		if v, err := x.db.ExecutedVolumeSince(startOfDay()); err == nil {
			volumeUsed = v
		}
	}

	return x.sizer.Size(sizing.Inputs{
		LeaderUsd:          sig.AmountUsd,
		AvailableBalance:   balance,
		CurrentPositionUsd: currentUsd,
		DailyVolumeUsed:    volumeUsed,
		Wallet:             wallet,
	})
}

// referencePrice prefers a fresh websocket price, then the leader's own
// price, in that order.
func (x *Executor) referencePrice(ctx context.Context, sig types.Signal) decimal.Decimal {
	if x.prices != nil {
		if p, ok := x.prices.GetPrice(sig.TokenID); ok {
			return p
		}
	}
	return sig.Price
}

// RefreshPositions marks every open position to the current market price so
// the daily loss rules and risk status see unrealized PnL, not just booked
// closes. A token with no readable price keeps its last mark.
func (x *Executor) RefreshPositions(ctx context.Context) {
	positions, err := x.db.GetOpenPositions()
	if err != nil {
		log.Warn().Err(err).Msg("Position refresh skipped")
		return
	}
	for i := range positions {
		pos := &positions[i]
		price, ok := x.currentPrice(ctx, pos.TokenID)
		if !ok {
			continue
		}
		pos.CurrentPrice = price
		if pos.EntryPrice.IsPositive() {
			tokens := pos.SizeUsd.Div(pos.EntryPrice)
			pos.UnrealizedPnl = tokens.Mul(price.Sub(pos.EntryPrice)).Round(4)
		}
		if err := x.db.UpsertPosition(pos); err != nil {
			log.Warn().Err(err).Str("id", pos.ID).Msg("Position mark failed")
		}
	}
}

// currentPrice reads a fresh websocket price, falling back to the book mid.
func (x *Executor) currentPrice(ctx context.Context, tokenID string) (decimal.Decimal, bool) {
	if x.prices != nil {
		if p, ok := x.prices.GetPrice(tokenID); ok {
			return p, true
		}
	}
	book, err := x.books.GetOrderBook(ctx, tokenID)
	if err != nil {
		return decimal.Zero, false
	}
	switch {
	case len(book.Bids) > 0 && len(book.Asks) > 0:
		return book.Bids[0].Price.Add(book.Asks[0].Price).Div(decimal.NewFromInt(2)), true
	case len(book.Bids) > 0:
		return book.Bids[0].Price, true
	case len(book.Asks) > 0:
		return book.Asks[0].Price, true
	}
	return decimal.Zero, false
}

// RiskStatus reports portfolio health against the configured limits.
func (x *Executor) RiskStatus(equity decimal.Decimal) (risk.Status, error) {
	st, err := x.loadRiskState()
	if err != nil {
		return risk.Status{}, err
	}
	peak, err := x.db.PeakEquity()
	if err != nil {
		return risk.Status{}, err
	}
	return x.risk.RiskStatus(equity, peak, st), nil
}

// loadRiskState assembles the portfolio picture the admission rules run on.
func (x *Executor) loadRiskState() (risk.State, error) {
	var st risk.State

	positions, err := x.db.GetOpenPositions()
	if err != nil {
		return st, err
	}
	st.OpenPositions = len(positions)
	for _, p := range positions {
		st.ExposureUsd = st.ExposureUsd.Add(p.SizeUsd)
		st.UnrealizedPnl = st.UnrealizedPnl.Add(p.UnrealizedPnl)
	}

	if pnl, err := x.db.RealizedPnlSince(startOfDay()); err == nil {
		st.DailyRealizedPnl = pnl
	}

	recent, err := x.db.RecentResolvedTrades(x.cfg.LossStreakLen)
	if err == nil {
		for _, t := range recent {
			st.RecentResolved = append(st.RecentResolved, risk.ResolvedTrade{
				Pnl:      t.Pnl,
				ClosedAt: t.UpdatedAt,
			})
		}
	}

	return st, nil
}

// placeWithRetry retries transient order failures with linear backoff.
// Permanent failures abort immediately.
func (x *Executor) placeWithRetry(ctx context.Context, tokenID, side string, usd decimal.Decimal) (*exec.OrderResult, error) {
	var lastErr error
	for attempt := 0; attempt <= x.cfg.OrderRetries; attempt++ {
		if attempt > 0 {
			delay := x.cfg.OrderRetryDelay * time.Duration(attempt)
			log.Warn().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).
				Msg("Retrying order")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := x.orders.PlaceFOKOrder(ctx, tokenID, side, usd)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if isPermanentOrderError(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func isPermanentOrderError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, frag := range permanentOrderErrors {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// record writes the single ledger entry for this execution branch.
func (x *Executor) record(sig types.Signal, status types.TradeStatus, sizeUsd, price decimal.Decimal, notes string) uint {
	rec := &storage.TradeRecord{
		Wallet:     sig.Wallet,
		MarketID:   sig.MarketID,
		TokenID:    sig.TokenID,
		Outcome:    sig.Outcome,
		MarketName: sig.MarketName,
		SignalType: string(sig.Type),
		Status:     string(status),
		SizeUsd:    sizeUsd,
		LeaderUsd:  sig.AmountUsd,
		Price:      price,
		Notes:      notes,
	}
	id, err := x.db.LogTrade(rec)
	if err != nil {
		return 0
	}

	event := log.Info()
	if status == types.StatusFailed {
		event = log.Error()
	}
	event.
		Str("market", sig.MarketName).
		Str("type", string(sig.Type)).
		Str("status", string(status)).
		Str("usd", sizeUsd.StringFixed(2)).
		Str("notes", notes).
		Msg("Trade recorded")
	return id
}

// closeSlippageHint widens the tolerable exit slippage near the price
// extremes, where books thin out and a cent of movement is a large fraction
// of the price. Advisory only.
func closeSlippageHint(price decimal.Decimal) decimal.Decimal {
	switch {
	case price.LessThan(decimal.NewFromFloat(0.10)) || price.GreaterThan(decimal.NewFromFloat(0.90)):
		return decimal.NewFromFloat(0.25)
	case price.LessThan(decimal.NewFromFloat(0.20)) || price.GreaterThan(decimal.NewFromFloat(0.80)):
		return decimal.NewFromFloat(0.20)
	default:
		return decimal.NewFromFloat(0.15)
	}
}

func startOfDay() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
