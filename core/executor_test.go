package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/mirrorbot/exec"
	"github.com/web3guy0/mirrorbot/feeds"
	"github.com/web3guy0/mirrorbot/internal/config"
	"github.com/web3guy0/mirrorbot/risk"
	"github.com/web3guy0/mirrorbot/sizing"
	"github.com/web3guy0/mirrorbot/storage"
	"github.com/web3guy0/mirrorbot/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ─── Fakes ──────────────────────────────────────────────────────────────────────

type fakeOrders struct {
	live      bool
	fillPrice decimal.Decimal
	err       error
	placed    []string // side per call
}

func (f *fakeOrders) PlaceFOKOrder(_ context.Context, _, side string, _ decimal.Decimal) (*exec.OrderResult, error) {
	f.placed = append(f.placed, side)
	if f.err != nil {
		return nil, f.err
	}
	return &exec.OrderResult{OrderID: "ORD_1", Status: "matched", Price: f.fillPrice}, nil
}

func (f *fakeOrders) IsDryRun() bool  { return !f.live }
func (f *fakeOrders) Address() string { return "" }

type fakeBooks struct {
	book *feeds.OrderBook
	err  error
}

func (f *fakeBooks) GetOrderBook(_ context.Context, tokenID string) (*feeds.OrderBook, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.book, nil
}

type fakePrices struct {
	prices map[string]decimal.Decimal
}

func (f *fakePrices) GetPrice(tokenID string) (decimal.Decimal, bool) {
	p, ok := f.prices[tokenID]
	return p, ok
}

func (f *fakePrices) Watch(string) {}

// ─── Helpers ────────────────────────────────────────────────────────────────────

func testConfig() *config.Config {
	return &config.Config{
		SizingStrategy:  config.StrategyPercentage,
		CopyPct:         dec("5"),
		MinTradeUsd:     dec("1.05"),
		MaxTradeUsd:     dec("100"),
		MinPrice:        dec("0.05"),
		MaxPrice:        dec("0.95"),
		SlippagePct:     dec("0.05"),
		CloseSlippage:   dec("0.15"),
		BookWalkDepth:   20,
		OrderRetries:    0,
		OrderRetryDelay: time.Millisecond,
		MaxSignalAge:    5 * time.Minute,
	}
}

func testRiskLimits() risk.Limits {
	return risk.Limits{
		EquityFloor:      dec("70"),
		DailyLossLimit:   dec("50"),
		MaxOpenPositions: 15,
		MaxExposureUsd:   dec("500"),
		MaxTradeUsd:      dec("100"),
		MinTradeUsd:      dec("1.05"),
		LossStreakLen:    3,
		LossCooldown:     6 * time.Hour,
	}
}

func newTestExecutor(t *testing.T, orders *fakeOrders, books *fakeBooks) (*Executor, *storage.Database) {
	t.Helper()
	db, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(db.Close)

	cfg := testConfig()
	x := NewExecutor(cfg, db, risk.NewEngine(testRiskLimits()), sizing.NewSizer(cfg), orders, books)
	return x, db
}

func deepBook(askPrice, bidPrice string) *feeds.OrderBook {
	return &feeds.OrderBook{
		Asks: []feeds.Level{{Price: dec(askPrice), Size: dec("10000")}},
		Bids: []feeds.Level{{Price: dec(bidPrice), Size: dec("10000")}},
	}
}

func buySignal(leaderUsd, price string) types.Signal {
	return types.Signal{
		Type:       types.SignalNew,
		Wallet:     "0xleader",
		MarketID:   "m1",
		TokenID:    "t1",
		Outcome:    "Yes",
		MarketName: "Test market",
		AmountUsd:  dec(leaderUsd),
		Price:      dec(price),
		DetectedAt: time.Now(),
	}
}

func wallet() types.TrackedWallet {
	return types.TrackedWallet{
		Address:        "0xleader",
		Bucket:         types.BucketA,
		Enabled:        true,
		SizeMultiplier: decimal.NewFromInt(1),
	}
}

func lastTrade(t *testing.T, db *storage.Database) storage.TradeRecord {
	t.Helper()
	recs, err := db.GetRecentTrades(1)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one trade record, got %d (err=%v)", len(recs), err)
	}
	return recs[0]
}

// ─── Tests ──────────────────────────────────────────────────────────────────────

func TestExecuteBuySimulated(t *testing.T) {
	orders := &fakeOrders{fillPrice: dec("0.50")}
	x, db := newTestExecutor(t, orders, &fakeBooks{book: deepBook("0.50", "0.49")})

	// Leader $200 at 5% copies $10.
	x.Execute(context.Background(), buySignal("200", "0.50"), wallet(), dec("200"))

	rec := lastTrade(t, db)
	if rec.Status != string(types.StatusSimulated) {
		t.Fatalf("Status = %s, want simulated (%s)", rec.Status, rec.Notes)
	}
	if !rec.SizeUsd.Equal(dec("10")) {
		t.Errorf("SizeUsd = %s, want 10", rec.SizeUsd)
	}

	pos, err := db.GetPosition("m1", "t1")
	if err != nil || pos == nil {
		t.Fatalf("position missing after fill: %v", err)
	}
	if !pos.EntryPrice.Equal(dec("0.5")) || !pos.SizeUsd.Equal(dec("10")) {
		t.Errorf("position entry=%s size=%s, want 0.5 / 10", pos.EntryPrice, pos.SizeUsd)
	}
}

// Two fills accumulate into one position at the size-weighted entry.
func TestExecuteBuyAccumulatesWeightedEntry(t *testing.T) {
	orders := &fakeOrders{fillPrice: dec("0.40")}
	books := &fakeBooks{book: deepBook("0.40", "0.39")}
	x, db := newTestExecutor(t, orders, books)

	x.Execute(context.Background(), buySignal("200", "0.40"), wallet(), dec("200"))

	orders.fillPrice = dec("0.60")
	books.book = deepBook("0.60", "0.59")
	second := buySignal("200", "0.60")
	second.Type = types.SignalIncrease
	x.Execute(context.Background(), second, wallet(), dec("200"))

	pos, _ := db.GetPosition("m1", "t1")
	if pos == nil {
		t.Fatal("position missing")
	}
	if !pos.SizeUsd.Equal(dec("20")) {
		t.Errorf("SizeUsd = %s, want 20", pos.SizeUsd)
	}
	// ($10 @ 0.40 + $10 @ 0.60) / $20 = 0.50
	if !pos.EntryPrice.Equal(dec("0.5")) {
		t.Errorf("EntryPrice = %s, want 0.5", pos.EntryPrice)
	}
}

func TestExecuteCloseWithoutPosition(t *testing.T) {
	x, db := newTestExecutor(t, &fakeOrders{}, &fakeBooks{book: deepBook("0.50", "0.49")})

	sig := buySignal("200", "0.50")
	sig.Type = types.SignalClose
	sig.CloseFraction = decimal.NewFromInt(1)
	x.Execute(context.Background(), sig, wallet(), dec("200"))

	rec := lastTrade(t, db)
	if rec.Status != string(types.StatusNoPosition) {
		t.Errorf("Status = %s, want no_position", rec.Status)
	}
}

func TestExecutePartialCloseBooksPnl(t *testing.T) {
	orders := &fakeOrders{fillPrice: dec("0.40")}
	books := &fakeBooks{book: deepBook("0.40", "0.39")}
	x, db := newTestExecutor(t, orders, books)

	// Open $20 at 0.40 entry.
	x.Execute(context.Background(), buySignal("400", "0.40"), wallet(), dec("200"))

	// Leader halves; we sell $10 of position at 0.60.
	orders.fillPrice = dec("0.60")
	books.book = deepBook("0.61", "0.60")
	sig := buySignal("200", "0.60")
	sig.Type = types.SignalClose
	sig.Partial = true
	sig.CloseFraction = dec("0.5")
	x.Execute(context.Background(), sig, wallet(), dec("200"))

	if got := orders.placed[len(orders.placed)-1]; got != exec.SideSell {
		t.Fatalf("last order side = %s, want SELL", got)
	}

	rec := lastTrade(t, db)
	if rec.Status != string(types.StatusSimulated) {
		t.Fatalf("Status = %s, want simulated (%s)", rec.Status, rec.Notes)
	}
	if !rec.Resolved {
		t.Error("close record not resolved")
	}
	// $10 closed = 25 tokens at 0.40 entry, sold at 0.60: +$5.
	if !rec.Pnl.Equal(dec("5")) {
		t.Errorf("Pnl = %s, want 5", rec.Pnl)
	}

	pos, _ := db.GetPosition("m1", "t1")
	if pos == nil {
		t.Fatal("position missing")
	}
	if pos.Status != "open" || !pos.SizeUsd.Equal(dec("10")) {
		t.Errorf("position status=%s size=%s, want open / 10", pos.Status, pos.SizeUsd)
	}
}

func TestExecuteStaleSignalFiltered(t *testing.T) {
	x, db := newTestExecutor(t, &fakeOrders{}, &fakeBooks{book: deepBook("0.50", "0.49")})

	sig := buySignal("200", "0.50")
	sig.DetectedAt = time.Now().Add(-10 * time.Minute)
	x.Execute(context.Background(), sig, wallet(), dec("200"))

	rec := lastTrade(t, db)
	if rec.Status != string(types.StatusFiltered) {
		t.Errorf("Status = %s, want filtered", rec.Status)
	}
}

func TestExecuteBuyPriceBandFiltered(t *testing.T) {
	x, db := newTestExecutor(t, &fakeOrders{}, &fakeBooks{book: deepBook("0.97", "0.96")})

	x.Execute(context.Background(), buySignal("200", "0.97"), wallet(), dec("200"))

	rec := lastTrade(t, db)
	if rec.Status != string(types.StatusFiltered) {
		t.Errorf("Status = %s, want filtered (%s)", rec.Status, rec.Notes)
	}
}

func TestExecuteBuyRiskBlockedAtFloor(t *testing.T) {
	x, db := newTestExecutor(t, &fakeOrders{fillPrice: dec("0.50")},
		&fakeBooks{book: deepBook("0.50", "0.49")})

	x.Execute(context.Background(), buySignal("200", "0.50"), wallet(), dec("70"))

	rec := lastTrade(t, db)
	if rec.Status != string(types.StatusRiskBlocked) {
		t.Errorf("Status = %s, want risk_blocked (%s)", rec.Status, rec.Notes)
	}
}

func TestExecuteBuyThinBookRejected(t *testing.T) {
	thin := &feeds.OrderBook{
		Asks: []feeds.Level{{Price: dec("0.50"), Size: dec("8")}}, // $4 of depth
	}
	x, db := newTestExecutor(t, &fakeOrders{live: true}, &fakeBooks{book: thin})

	// $10 order against $4 of depth fails the half-fillable check.
	x.Execute(context.Background(), buySignal("200", "0.50"), wallet(), dec("200"))

	rec := lastTrade(t, db)
	if rec.Status != string(types.StatusRejected) {
		t.Errorf("Status = %s, want rejected (%s)", rec.Status, rec.Notes)
	}
}

func TestExecuteBuyZeroSizeFiltered(t *testing.T) {
	x, db := newTestExecutor(t, &fakeOrders{}, &fakeBooks{book: deepBook("0.50", "0.49")})

	// Leader $10 at 5% is $0.50, below the order minimum.
	x.Execute(context.Background(), buySignal("10", "0.50"), wallet(), dec("200"))

	rec := lastTrade(t, db)
	if rec.Status != string(types.StatusFiltered) {
		t.Errorf("Status = %s, want filtered (%s)", rec.Status, rec.Notes)
	}
	if !rec.SizeUsd.IsZero() {
		t.Errorf("SizeUsd = %s, want 0", rec.SizeUsd)
	}
}

func TestExecuteBuyPermanentErrorNoRetry(t *testing.T) {
	orders := &fakeOrders{err: errInsufficientBalance{}}
	cfgRetries := 2
	x, db := newTestExecutor(t, orders, &fakeBooks{book: deepBook("0.50", "0.49")})
	x.cfg.OrderRetries = cfgRetries

	x.Execute(context.Background(), buySignal("200", "0.50"), wallet(), dec("200"))

	if len(orders.placed) != 1 {
		t.Errorf("placed %d orders, want 1 (no retry on permanent failure)", len(orders.placed))
	}
	rec := lastTrade(t, db)
	if rec.Status != string(types.StatusFailed) {
		t.Errorf("Status = %s, want failed", rec.Status)
	}
}

type errInsufficientBalance struct{}

func (errInsufficientBalance) Error() string { return "API error: insufficient balance" }

// A full round trip must contribute its PnL to the realized sum exactly once:
// the close record is the resolved row, the entry only mirrors the total.
func TestCloseRealizedPnlCountedOnce(t *testing.T) {
	orders := &fakeOrders{}
	books := &fakeBooks{book: deepBook("0.40", "0.39")}
	x, db := newTestExecutor(t, orders, books)

	// Open $20 at 0.40, close everything at 0.60: +$10 realized.
	x.Execute(context.Background(), buySignal("400", "0.40"), wallet(), dec("200"))

	sig := buySignal("400", "0.60")
	sig.Type = types.SignalClose
	sig.CloseFraction = decimal.NewFromInt(1)
	x.Execute(context.Background(), sig, wallet(), dec("200"))

	pnl, err := db.RealizedPnlSince(time.Time{})
	if err != nil {
		t.Fatalf("RealizedPnlSince: %v", err)
	}
	if !pnl.Equal(dec("10")) {
		t.Errorf("RealizedPnlSince = %s, want 10", pnl)
	}

	recs, err := db.GetRecentTrades(2)
	if err != nil || len(recs) != 2 {
		t.Fatalf("expected 2 trade records, got %d (err=%v)", len(recs), err)
	}
	entry := recs[1]
	if entry.Resolved {
		t.Error("entry record marked resolved; only the close record should be")
	}
	if !entry.Pnl.Equal(dec("10")) {
		t.Errorf("entry Pnl = %s, want 10 (mirrored total)", entry.Pnl)
	}
}

// Successive partial closes accumulate onto the entry record instead of
// overwriting each other, and each close resolves its own share once.
func TestPartialClosesAccruePnlOnEntry(t *testing.T) {
	orders := &fakeOrders{}
	books := &fakeBooks{book: deepBook("0.40", "0.39")}
	x, db := newTestExecutor(t, orders, books)

	x.Execute(context.Background(), buySignal("400", "0.40"), wallet(), dec("200"))

	half := buySignal("200", "0.60")
	half.Type = types.SignalClose
	half.Partial = true
	half.CloseFraction = dec("0.5")
	x.Execute(context.Background(), half, wallet(), dec("200"))

	rest := buySignal("200", "0.60")
	rest.Type = types.SignalClose
	rest.CloseFraction = decimal.NewFromInt(1)
	x.Execute(context.Background(), rest, wallet(), dec("200"))

	pnl, _ := db.RealizedPnlSince(time.Time{})
	if !pnl.Equal(dec("10")) {
		t.Errorf("RealizedPnlSince = %s, want 10 (5 + 5)", pnl)
	}

	recs, err := db.GetRecentTrades(3)
	if err != nil || len(recs) != 3 {
		t.Fatalf("expected 3 trade records, got %d (err=%v)", len(recs), err)
	}
	entry := recs[2]
	if !entry.Pnl.Equal(dec("10")) {
		t.Errorf("entry Pnl = %s, want 10 accumulated across partials", entry.Pnl)
	}
}

// A dry run books the fill at the signal price and never touches the order
// book; a dead book API must not fail a pure simulation.
func TestDryRunFillsAtSignalPriceWithoutBook(t *testing.T) {
	x, db := newTestExecutor(t, &fakeOrders{}, &fakeBooks{err: errors.New("clob down")})

	x.Execute(context.Background(), buySignal("200", "0.50"), wallet(), dec("200"))

	rec := lastTrade(t, db)
	if rec.Status != string(types.StatusSimulated) {
		t.Fatalf("Status = %s, want simulated (%s)", rec.Status, rec.Notes)
	}
	if !rec.Price.Equal(dec("0.5")) {
		t.Errorf("fill price = %s, want signal price 0.5", rec.Price)
	}

	pos, _ := db.GetPosition("m1", "t1")
	if pos == nil {
		t.Fatal("position missing after simulated fill")
	}
	if !pos.EntryPrice.Equal(dec("0.5")) {
		t.Errorf("EntryPrice = %s, want 0.5", pos.EntryPrice)
	}
}

// Live slippage is measured against the signal price, so a market that moved
// since detection is caught even when the live feed agrees with the book.
func TestLiveBuySlippageVsSignalPrice(t *testing.T) {
	orders := &fakeOrders{live: true, fillPrice: dec("0.55")}
	x, db := newTestExecutor(t, orders, &fakeBooks{book: deepBook("0.55", "0.54")})
	x.SetPriceSource(&fakePrices{prices: map[string]decimal.Decimal{"t1": dec("0.55")}})

	// Leader bought at 0.50; the book now asks 0.55, a 10% move.
	x.Execute(context.Background(), buySignal("200", "0.50"), wallet(), dec("200"))

	rec := lastTrade(t, db)
	if rec.Status != string(types.StatusSlippageBlocked) {
		t.Errorf("Status = %s, want slippage_blocked (%s)", rec.Status, rec.Notes)
	}
	if len(orders.placed) != 0 {
		t.Errorf("placed %d orders, want 0", len(orders.placed))
	}
}

// RefreshPositions marks open positions to the book mid, or to the live feed
// when it has a fresh price.
func TestRefreshPositionsMarksToMarket(t *testing.T) {
	orders := &fakeOrders{}
	books := &fakeBooks{book: deepBook("0.40", "0.39")}
	x, db := newTestExecutor(t, orders, books)

	// Open $20 at 0.40 (50 tokens).
	x.Execute(context.Background(), buySignal("400", "0.40"), wallet(), dec("200"))

	books.book = deepBook("0.61", "0.59") // mid 0.60
	x.RefreshPositions(context.Background())

	pos, _ := db.GetPosition("m1", "t1")
	if pos == nil {
		t.Fatal("position missing")
	}
	if !pos.CurrentPrice.Equal(dec("0.6")) {
		t.Errorf("CurrentPrice = %s, want 0.6 (book mid)", pos.CurrentPrice)
	}
	if !pos.UnrealizedPnl.Equal(dec("10")) {
		t.Errorf("UnrealizedPnl = %s, want 10", pos.UnrealizedPnl)
	}

	// A fresh feed price wins over the book.
	x.SetPriceSource(&fakePrices{prices: map[string]decimal.Decimal{"t1": dec("0.70")}})
	x.RefreshPositions(context.Background())

	pos, _ = db.GetPosition("m1", "t1")
	if !pos.CurrentPrice.Equal(dec("0.7")) {
		t.Errorf("CurrentPrice = %s, want 0.7 (feed)", pos.CurrentPrice)
	}
	if !pos.UnrealizedPnl.Equal(dec("15")) {
		t.Errorf("UnrealizedPnl = %s, want 15", pos.UnrealizedPnl)
	}
}
