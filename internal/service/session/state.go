package session

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of a recording session.
type State int

const (
	// StateIdle - Session created, nothing captured yet.
	StateIdle State = iota
	// StateRecording - Capture, recognition and assembly are running.
	StateRecording
	// StateStopped - Pipeline drained and transcript sealed. Terminal.
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRecording:
		return "RECORDING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateStopped
}

// ErrInvalidStateTransition is returned when an operation is not allowed in
// the current state.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// Lifecycle manages the state machine of a session.
// Thread-safe for concurrent access.
//
// State transitions:
//
//	IDLE ── Start() ──→ RECORDING ── Stop() ──→ STOPPED
//	  │                                            ▲
//	  └────────────── Abort() ─────────────────────┘
//
// Rules:
//   - IDLE: Start allowed, Stop rejected
//   - RECORDING: Stop allowed, Start rejected
//   - STOPPED: everything rejected
type Lifecycle struct {
	mu    sync.RWMutex
	state State
}

// NewLifecycle creates a lifecycle in IDLE state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateIdle}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// CanStart returns true if Start would succeed.
func (l *Lifecycle) CanStart() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.check(StateIdle, "start")
}

// Start transitions IDLE → RECORDING.
func (l *Lifecycle) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(StateIdle, "start"); err != nil {
		return err
	}
	l.state = StateRecording
	return nil
}

// Stop transitions RECORDING → STOPPED.
func (l *Lifecycle) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(StateRecording, "stop"); err != nil {
		return err
	}
	l.state = StateStopped
	return nil
}

// Abort moves a session that failed to start straight to STOPPED.
// Returns false if already in a terminal state.
func (l *Lifecycle) Abort() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.IsTerminal() {
		return false
	}
	l.state = StateStopped
	return true
}

func (l *Lifecycle) check(want State, event string) error {
	if l.state != want {
		return fmt.Errorf("%w: cannot %s from %s", ErrInvalidStateTransition, event, l.state)
	}
	return nil
}
