package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mirrorbot/storage"
	"github.com/web3guy0/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DETECTOR - Diff leader holdings against snapshots to produce signals
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per wallet: fetch current holdings, diff against the stored snapshot
// baseline, emit NEW / INCREASE / CLOSE signals for changes that clear the
// threshold, then advance the baseline for the keys that moved.
//
// Two rules are load-bearing:
//   - A fetch failure skips the wallet and leaves its baseline untouched.
//     Treating "unreachable" as "empty" would fabricate a CLOSE for every
//     holding.
//   - The first scan of a wallet only seeds the baseline. Copying a leader's
//     whole standing book at startup is not copying their decisions.
//
// ═══════════════════════════════════════════════════════════════════════════════

// HoldingsFetcher reads a leader wallet's current book.
type HoldingsFetcher interface {
	FetchHoldings(ctx context.Context, wallet string) ([]types.Holding, error)
}

// SnapshotStore persists the diff baseline.
type SnapshotStore interface {
	GetWalletSnapshots(wallet string) ([]storage.WalletSnapshot, error)
	UpsertWalletSnapshot(snap *storage.WalletSnapshot) error
	DeleteWalletSnapshot(wallet, holdKey string) error
}

// DedupGuard suppresses re-emission of an already-acted-on change.
type DedupGuard interface {
	Seen(key string) bool
	Mark(key string)
}

type Detector struct {
	fetcher HoldingsFetcher
	store   SnapshotStore
	dedup   DedupGuard

	changeThreshold decimal.Decimal // fraction of position size
	fullCloseFrac   decimal.Decimal // decrease beyond this is a full exit
	concurrency     int
	batchDelay      time.Duration

	mu     sync.Mutex
	seeded map[string]bool // wallets scanned at least once this process
}

func NewDetector(fetcher HoldingsFetcher, store SnapshotStore, dedup DedupGuard,
	changeThreshold, fullCloseFrac decimal.Decimal, concurrency int, batchDelay time.Duration) *Detector {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Detector{
		fetcher:         fetcher,
		store:           store,
		dedup:           dedup,
		changeThreshold: changeThreshold,
		fullCloseFrac:   fullCloseFrac,
		concurrency:     concurrency,
		batchDelay:      batchDelay,
		seeded:          make(map[string]bool),
	}
}

// Scan diffs every enabled wallet and returns the accepted signals. Wallets
// are scanned by a bounded worker pool with a small delay between fetches to
// stay under the data API's rate limit.
func (d *Detector) Scan(ctx context.Context, wallets []types.TrackedWallet) []types.Signal {
	jobs := make(chan types.TrackedWallet)

	var mu sync.Mutex
	var signals []types.Signal

	var wg sync.WaitGroup
	for i := 0; i < d.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range jobs {
				sigs, err := d.scanWallet(ctx, w)
				if err != nil {
					log.Warn().Err(err).Str("wallet", w.Address).
						Msg("Wallet scan failed, skipping this cycle")
				} else if len(sigs) > 0 {
					mu.Lock()
					signals = append(signals, sigs...)
					mu.Unlock()
				}
				if d.batchDelay > 0 {
					select {
					case <-ctx.Done():
					case <-time.After(d.batchDelay):
					}
				}
			}
		}()
	}

	for _, w := range wallets {
		if !w.Enabled {
			continue
		}
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return signals
		case jobs <- w:
		}
	}
	close(jobs)
	wg.Wait()

	return signals
}

// scanWallet diffs one wallet. A fetch error propagates so the caller leaves
// the baseline alone.
func (d *Detector) scanWallet(ctx context.Context, w types.TrackedWallet) ([]types.Signal, error) {
	holdings, err := d.fetcher.FetchHoldings(ctx, w.Address)
	if err != nil {
		return nil, err
	}

	snaps, err := d.store.GetWalletSnapshots(w.Address)
	if err != nil {
		return nil, err
	}

	// First sighting of a wallet with no persisted baseline: seed and emit
	// nothing. A wallet restored from snapshots after a restart diffs
	// normally. The seeded set keeps a wallet whose first scan found an
	// empty book from being "first" forever.
	d.mu.Lock()
	first := !d.seeded[w.Address] && len(snaps) == 0
	d.seeded[w.Address] = true
	d.mu.Unlock()
	if first {
		for i := range holdings {
			d.saveSnapshot(w.Address, holdings[i])
		}
		log.Info().
			Str("wallet", w.Address).
			Int("holdings", len(holdings)).
			Msg("📸 Baseline seeded for new wallet")
		return nil, nil
	}

	baseline := make(map[string]storage.WalletSnapshot, len(snaps))
	for _, s := range snaps {
		baseline[s.HoldKey] = s
	}

	var signals []types.Signal
	now := time.Now()

	current := make(map[string]bool, len(holdings))
	for _, h := range holdings {
		current[h.Key()] = true

		snap, known := baseline[h.Key()]
		if !known {
			sig := types.Signal{
				Type:       types.SignalNew,
				Wallet:     w.Address,
				MarketID:   h.MarketID,
				TokenID:    h.TokenID,
				Outcome:    h.Outcome,
				MarketName: h.Title,
				AmountUsd:  h.ValueUsd(),
				Price:      h.AvgPrice,
				DetectedAt: now,
			}
			if s, ok := d.accept(sig, w.Address, h); ok {
				signals = append(signals, s)
			}
			continue
		}

		if !snap.Size.IsPositive() {
			d.saveSnapshot(w.Address, h)
			continue
		}

		delta := h.Size.Sub(snap.Size)
		frac := delta.Abs().Div(snap.Size)
		if frac.LessThan(d.changeThreshold) {
			// Below threshold: leave the baseline so slow accumulation can
			// still cross it later.
			continue
		}

		if delta.IsPositive() {
			sig := types.Signal{
				Type:       types.SignalIncrease,
				Wallet:     w.Address,
				MarketID:   h.MarketID,
				TokenID:    h.TokenID,
				Outcome:    h.Outcome,
				MarketName: h.Title,
				AmountUsd:  delta.Mul(h.AvgPrice),
				Price:      h.AvgPrice,
				DetectedAt: now,
			}
			if s, ok := d.accept(sig, w.Address, h); ok {
				signals = append(signals, s)
			}
			continue
		}

		// Decrease: beyond the full-close fraction it counts as an exit.
		closeFrac := frac
		partial := true
		if frac.GreaterThanOrEqual(d.fullCloseFrac) {
			closeFrac = decimal.NewFromInt(1)
			partial = false
		}
		sig := types.Signal{
			Type:          types.SignalClose,
			Wallet:        w.Address,
			MarketID:      h.MarketID,
			TokenID:       h.TokenID,
			Outcome:       h.Outcome,
			MarketName:    h.Title,
			AmountUsd:     delta.Neg().Mul(snap.AvgPrice),
			Price:         h.AvgPrice,
			Partial:       partial,
			CloseFraction: closeFrac,
			DetectedAt:    now,
		}
		if s, ok := d.accept(sig, w.Address, h); ok {
			signals = append(signals, s)
		}
	}

	// Holdings gone entirely: full close.
	for key, snap := range baseline {
		if current[key] {
			continue
		}
		sig := types.Signal{
			Type:          types.SignalClose,
			Wallet:        w.Address,
			MarketID:      snap.MarketID,
			TokenID:       snap.TokenID,
			Outcome:       snap.Outcome,
			MarketName:    snap.Title,
			AmountUsd:     snap.Size.Mul(snap.AvgPrice),
			Price:         snap.AvgPrice,
			CloseFraction: decimal.NewFromInt(1),
			DetectedAt:    now,
		}
		emitted := false
		if !d.dedup.Seen(sig.DedupKey()) {
			d.dedup.Mark(sig.DedupKey())
			signals = append(signals, sig)
			emitted = true
		}
		if err := d.store.DeleteWalletSnapshot(w.Address, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to drop snapshot")
		}
		if emitted {
			log.Info().
				Str("wallet", short(w.Address)).
				Str("market", snap.Title).
				Msg("🔔 Leader exited position")
		}
	}

	return signals, nil
}

// accept runs the dedup gate and, pass or fail, advances the baseline so the
// same underlying change is not re-diffed next cycle.
func (d *Detector) accept(sig types.Signal, wallet string, h types.Holding) (types.Signal, bool) {
	seen := d.dedup.Seen(sig.DedupKey())
	if !seen {
		d.dedup.Mark(sig.DedupKey())
	}
	d.saveSnapshot(wallet, h)
	if seen {
		log.Debug().Str("key", sig.DedupKey()).Msg("Duplicate signal suppressed")
		return types.Signal{}, false
	}

	log.Info().
		Str("wallet", short(wallet)).
		Str("type", string(sig.Type)).
		Str("market", sig.MarketName).
		Str("usd", sig.AmountUsd.StringFixed(2)).
		Msg("🔔 Signal detected")
	return sig, true
}

func (d *Detector) saveSnapshot(wallet string, h types.Holding) {
	snap := &storage.WalletSnapshot{
		Wallet:   wallet,
		HoldKey:  h.Key(),
		MarketID: h.MarketID,
		TokenID:  h.TokenID,
		Outcome:  h.Outcome,
		Title:    h.Title,
		Size:     h.Size,
		AvgPrice: h.AvgPrice,
	}
	if err := d.store.UpsertWalletSnapshot(snap); err != nil {
		log.Warn().Err(err).Str("key", h.Key()).Msg("Failed to save snapshot")
	}
}

func short(addr string) string {
	if len(addr) > 10 {
		return addr[:10] + "..."
	}
	return addr
}
