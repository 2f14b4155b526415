package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE - State machine gating whether the pipeline acts at all
// ═══════════════════════════════════════════════════════════════════════════════
//
//   starting -> running <-> paused
//                  |            \
//                  +-> emergency_stopped (manual intervention only)
//                  +-> stopped
//
// Consecutive cycle errors trip an auto-pause; a clean cycle resets the
// counter. Emergency stop is sticky: Resume does not leave it.
//
// ═══════════════════════════════════════════════════════════════════════════════

const errorRingSize = 50

// ErrorEvent is one recorded cycle failure.
type ErrorEvent struct {
	At      time.Time
	Message string
}

type Lifecycle struct {
	mu sync.Mutex

	state             types.BotState
	consecutiveErrors int
	maxErrors         int
	errors            []ErrorEvent // bounded ring, oldest dropped first

	// Called outside the lock when an auto-pause trips.
	onAutoPause func(reason string)
}

func NewLifecycle(maxConsecutiveErrors int, onAutoPause func(reason string)) *Lifecycle {
	return &Lifecycle{
		state:       types.StateStarting,
		maxErrors:   maxConsecutiveErrors,
		onAutoPause: onAutoPause,
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() types.BotState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsRunning reports whether the pipeline may act on signals.
func (l *Lifecycle) IsRunning() bool {
	return l.State() == types.StateRunning
}

// Start moves starting -> running.
func (l *Lifecycle) Start() error {
	return l.transition(types.StateRunning, types.StateStarting)
}

// Pause suspends execution; detection may continue upstream.
func (l *Lifecycle) Pause(reason string) error {
	if err := l.transition(types.StatePaused, types.StateRunning); err != nil {
		return err
	}
	log.Warn().Str("reason", reason).Msg("⏸️  Bot paused")
	return nil
}

// Resume moves paused -> running and forgives the error streak.
func (l *Lifecycle) Resume() error {
	l.mu.Lock()
	if l.state != types.StatePaused {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("cannot resume from %s", state)
	}
	l.state = types.StateRunning
	l.consecutiveErrors = 0
	l.mu.Unlock()
	log.Info().Msg("▶️  Bot resumed")
	return nil
}

// EmergencyStop halts everything. Sticky until process restart.
func (l *Lifecycle) EmergencyStop(reason string) {
	l.mu.Lock()
	l.state = types.StateEmergencyStopped
	l.mu.Unlock()
	log.Error().Str("reason", reason).Msg("🛑 EMERGENCY STOP")
}

// Stop is the clean shutdown transition.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	if l.state != types.StateEmergencyStopped {
		l.state = types.StateStopped
	}
	l.mu.Unlock()
}

// RecordCycle marks one clean cycle, resetting the error streak.
func (l *Lifecycle) RecordCycle() {
	l.mu.Lock()
	l.consecutiveErrors = 0
	l.mu.Unlock()
}

// RecordError appends to the error ring and auto-pauses once the consecutive
// streak reaches the configured threshold.
func (l *Lifecycle) RecordError(err error) {
	l.mu.Lock()
	l.errors = append(l.errors, ErrorEvent{At: time.Now(), Message: err.Error()})
	if len(l.errors) > errorRingSize {
		l.errors = l.errors[len(l.errors)-errorRingSize:]
	}
	l.consecutiveErrors++
	tripped := l.maxErrors > 0 &&
		l.consecutiveErrors >= l.maxErrors &&
		l.state == types.StateRunning
	if tripped {
		l.state = types.StatePaused
	}
	streak := l.consecutiveErrors
	l.mu.Unlock()

	log.Error().Err(err).Int("consecutive", streak).Msg("Cycle error recorded")

	if tripped {
		reason := fmt.Sprintf("%d consecutive errors", streak)
		log.Warn().Str("reason", reason).Msg("⏸️  Auto-pause tripped")
		if l.onAutoPause != nil {
			l.onAutoPause(reason)
		}
	}
}

// ConsecutiveErrors returns the current error streak.
func (l *Lifecycle) ConsecutiveErrors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecutiveErrors
}

// RecentErrors returns a copy of the error ring, oldest first.
func (l *Lifecycle) RecentErrors() []ErrorEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ErrorEvent, len(l.errors))
	copy(out, l.errors)
	return out
}

func (l *Lifecycle) transition(to types.BotState, from ...types.BotState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range from {
		if l.state == f {
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", l.state, to)
}
