package core

import (
	"errors"
	"testing"

	"github.com/web3guy0/mirrorbot/types"
)

func newRunningLifecycle(t *testing.T, maxErrors int, onPause func(string)) *Lifecycle {
	t.Helper()
	l := NewLifecycle(maxErrors, onPause)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return l
}

func TestLifecycleTransitions(t *testing.T) {
	l := NewLifecycle(10, nil)
	if l.State() != types.StateStarting {
		t.Fatalf("initial state = %s", l.State())
	}

	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !l.IsRunning() {
		t.Fatal("expected running after Start")
	}

	// Resume from running is invalid.
	if err := l.Resume(); err == nil {
		t.Error("Resume from running should fail")
	}

	if err := l.Pause("test"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := l.Pause("again"); err == nil {
		t.Error("Pause from paused should fail")
	}
	if err := l.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	l.Stop()
	if l.State() != types.StateStopped {
		t.Errorf("state = %s, want stopped", l.State())
	}
}

func TestLifecycleEmergencyStopIsSticky(t *testing.T) {
	l := newRunningLifecycle(t, 10, nil)

	l.EmergencyStop("manual")
	if l.State() != types.StateEmergencyStopped {
		t.Fatalf("state = %s", l.State())
	}
	if err := l.Resume(); err == nil {
		t.Error("Resume should not leave emergency stop")
	}

	// A clean Stop must not mask the emergency state.
	l.Stop()
	if l.State() != types.StateEmergencyStopped {
		t.Errorf("state = %s, want emergency_stopped", l.State())
	}
}

func TestLifecycleAutoPause(t *testing.T) {
	var pausedReason string
	l := newRunningLifecycle(t, 3, func(reason string) { pausedReason = reason })

	l.RecordError(errors.New("boom"))
	l.RecordError(errors.New("boom"))
	if !l.IsRunning() {
		t.Fatal("paused before threshold")
	}

	l.RecordError(errors.New("boom"))
	if l.State() != types.StatePaused {
		t.Fatalf("state = %s, want paused at threshold", l.State())
	}
	if pausedReason == "" {
		t.Error("auto-pause callback not invoked")
	}

	// Resume forgives the streak.
	if err := l.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if l.ConsecutiveErrors() != 0 {
		t.Errorf("ConsecutiveErrors = %d after resume", l.ConsecutiveErrors())
	}
}

func TestLifecycleCleanCycleResetsStreak(t *testing.T) {
	l := newRunningLifecycle(t, 3, nil)

	l.RecordError(errors.New("boom"))
	l.RecordError(errors.New("boom"))
	l.RecordCycle()
	l.RecordError(errors.New("boom"))

	if l.State() != types.StateRunning {
		t.Errorf("state = %s, streak should have reset", l.State())
	}
	if l.ConsecutiveErrors() != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", l.ConsecutiveErrors())
	}
}

func TestLifecycleErrorRingBounded(t *testing.T) {
	l := newRunningLifecycle(t, 0, nil) // threshold disabled

	for i := 0; i < errorRingSize+20; i++ {
		l.RecordError(errors.New("boom"))
	}
	if got := len(l.RecentErrors()); got != errorRingSize {
		t.Errorf("ring size = %d, want %d", got, errorRingSize)
	}
}
