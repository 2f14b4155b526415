package dedup

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DEDUP STORE - Two-tier guard against acting twice on one signal
// ═══════════════════════════════════════════════════════════════════════════════
//
// Hot tier: in-process map, checked first.
// Durable tier: database table, covers the restart gap.
// Both tiers are written together on Mark; a background sweep expires both.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Backing is the durable tier.
type Backing interface {
	IsDedupRecorded(key string) (bool, error)
	RecordDedup(key string, ttl time.Duration) error
	PurgeExpiredDedup() (int64, error)
}

type Store struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	ttl     time.Duration
	backing Backing

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewStore(backing Backing, ttl time.Duration) *Store {
	return &Store{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		backing: backing,
		stopCh:  make(chan struct{}),
	}
}

// Seen reports whether key was already acted on within the TTL window.
// The hot cache answers first; on miss the durable tier is consulted so a
// restart inside the window cannot double-act.
func (s *Store) Seen(key string) bool {
	s.mu.Lock()
	expiry, ok := s.entries[key]
	if ok && time.Now().Before(expiry) {
		s.mu.Unlock()
		return true
	}
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	recorded, err := s.backing.IsDedupRecorded(key)
	if err != nil {
		// Durable tier unavailable: fall back to the hot cache answer.
		log.Warn().Err(err).Str("key", key).Msg("Dedup backing check failed")
		return false
	}
	return recorded
}

// Mark records key in both tiers.
func (s *Store) Mark(key string) {
	s.mu.Lock()
	s.entries[key] = time.Now().Add(s.ttl)
	s.mu.Unlock()

	if err := s.backing.RecordDedup(key, s.ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Dedup backing write failed")
	}
}

// StartSweep runs a periodic expiry pass over both tiers until Stop.
func (s *Store) StartSweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) sweep() {
	now := time.Now()

	s.mu.Lock()
	for key, expiry := range s.entries {
		if now.After(expiry) {
			delete(s.entries, key)
		}
	}
	remaining := len(s.entries)
	s.mu.Unlock()

	purged, err := s.backing.PurgeExpiredDedup()
	if err != nil {
		log.Warn().Err(err).Msg("Dedup sweep failed on durable tier")
		return
	}
	if purged > 0 {
		log.Debug().Int64("purged", purged).Int("hot", remaining).Msg("Dedup sweep")
	}
}
