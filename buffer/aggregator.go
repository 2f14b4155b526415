package buffer

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AGGREGATION BUFFER - Merge sub-minimum buy signals before execution
// ═══════════════════════════════════════════════════════════════════════════════
//
// Leaders that scale into a position with many small clips would each produce
// a copy order below the exchange minimum. The buffer parks those signals,
// keyed by (wallet, market, token), and drains them as one merged order once
// the window ages out. CLOSE signals never buffer: exits are time-critical.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Aggregator struct {
	window    time.Duration
	minUsd    decimal.Decimal
	maxTotal  int
	maxPerKey int

	mu      sync.Mutex
	buckets map[string][]types.Signal
	total   int
}

func NewAggregator(window time.Duration, minUsd decimal.Decimal, maxTotal, maxPerKey int) *Aggregator {
	return &Aggregator{
		window:    window,
		minUsd:    minUsd,
		maxTotal:  maxTotal,
		maxPerKey: maxPerKey,
		buckets:   make(map[string][]types.Signal),
	}
}

func bucketKey(s types.Signal) string {
	return s.Wallet + ":" + s.MarketID + ":" + s.TokenID
}

// Offer hands a signal to the buffer. It returns true when the signal was
// absorbed; false means the caller must execute it directly. Close signals,
// signals already at or above the merge minimum, and overflow beyond the
// buffer caps all pass through.
func (a *Aggregator) Offer(s types.Signal) bool {
	if s.Type == types.SignalClose {
		return false
	}
	if s.AmountUsd.GreaterThanOrEqual(a.minUsd) {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := bucketKey(s)
	if a.total >= a.maxTotal || len(a.buckets[key]) >= a.maxPerKey {
		log.Debug().Str("key", key).Msg("Aggregation buffer full, passing signal through")
		return false
	}

	a.buckets[key] = append(a.buckets[key], s)
	a.total++
	log.Debug().
		Str("key", key).
		Str("usd", s.AmountUsd.StringFixed(2)).
		Int("bucket_size", len(a.buckets[key])).
		Msg("Signal buffered for aggregation")
	return true
}

// Drain returns ready signals from buckets whose oldest entry has aged past
// the window. A bucket whose merged total clears the minimum yields one
// synthetic signal with a volume-weighted price; otherwise the originals are
// released unchanged so downstream still records them as filtered.
func (a *Aggregator) Drain(now time.Time) []types.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []types.Signal
	for key, sigs := range a.buckets {
		if len(sigs) == 0 || now.Sub(sigs[0].DetectedAt) < a.window {
			continue
		}

		delete(a.buckets, key)
		a.total -= len(sigs)

		merged, ok := merge(sigs, a.minUsd)
		if ok {
			log.Info().
				Str("key", key).
				Int("count", len(sigs)).
				Str("usd", merged.AmountUsd.StringFixed(2)).
				Msg("Merged buffered signals into one order")
			out = append(out, merged)
		} else {
			out = append(out, sigs...)
		}
	}
	return out
}

// merge combines a bucket into one signal when the total clears minUsd.
func merge(sigs []types.Signal, minUsd decimal.Decimal) (types.Signal, bool) {
	total := decimal.Zero
	weighted := decimal.Zero
	anyNew := false
	for _, s := range sigs {
		total = total.Add(s.AmountUsd)
		weighted = weighted.Add(s.Price.Mul(s.AmountUsd))
		if s.Type == types.SignalNew {
			anyNew = true
		}
	}
	if total.LessThan(minUsd) || len(sigs) < 2 {
		return types.Signal{}, false
	}

	merged := sigs[0]
	merged.AmountUsd = total
	if total.IsPositive() {
		merged.Price = weighted.Div(total)
	}
	if anyNew {
		merged.Type = types.SignalNew
	} else {
		merged.Type = types.SignalIncrease
	}
	merged.DetectedAt = sigs[len(sigs)-1].DetectedAt
	return merged, true
}

// Len reports how many signals are currently parked.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}
