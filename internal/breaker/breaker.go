// Package breaker implements the Circuit Breaker (spec §4.2): a
// per-collaborator wrapper with closed/open/half-open states, guarding
// outbound collaborators (AI orchestrator, platform senders, repositories)
// against cascading failure. It must never wrap the Queue Core itself.
//
// The state machine mirrors the closed/open/half-open shape used by
// distributed Redis-Lua breakers elsewhere in this codebase's lineage, but
// runs in-process: this breaker's state is per-instance runtime state, not
// queue state, so there is no need to coordinate it through Redis.
package breaker

import (
	"sync"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/queueerr"
)

// State is one of closed, open, half-open.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes a Breaker's thresholds.
type Config struct {
	FailureThreshold int           // default 5
	ResetTimeout     time.Duration // default 60s
}

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, ResetTimeout: 60 * time.Second}
}

// Snapshot is a read-only copy of a Breaker's current state.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	ResetAfterMs        int64
}

// Breaker wraps one outbound collaborator.
type Breaker struct {
	name                  string
	cfg                   Config
	mu                    sync.Mutex
	state                 State
	consecutiveFailures   int
	openedAt              time.Time
	halfOpenProbeInFlight bool

	onStateChange func(from, to State)
}

// New builds a Breaker named for the collaborator it guards (used in error
// messages and, optionally, logging callbacks).
func New(name string, cfg Config, onStateChange func(from, to State)) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	return &Breaker{
		name:          name,
		cfg:           cfg,
		state:         StateClosed,
		onStateChange: onStateChange,
	}
}

// Call executes fn if the breaker allows it, recording the outcome.
// Returns *queueerr.CircuitOpenError without invoking fn if the breaker is
// open and the reset timeout has not yet elapsed.
func (b *Breaker) Call(fn func() error) error {
	if !b.allow() {
		return &queueerr.CircuitOpenError{Collaborator: b.name}
	}
	err := fn()
	b.report(err)
	return err
}

// allow reports whether a call may proceed right now, transitioning
// open -> half-open if the reset timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.ResetTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenProbeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenProbeInFlight {
			return false // a probe is already in flight; fail fast
		}
		b.halfOpenProbeInFlight = true
		return true
	default:
		return true
	}
}

func (b *Breaker) report(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenProbeInFlight = false
		if err == nil {
			b.consecutiveFailures = 0
			b.transition(StateClosed)
		} else {
			b.openedAt = time.Now()
			b.transition(StateOpen)
		}
	case StateClosed:
		if err == nil {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openedAt = time.Now()
			b.transition(StateOpen)
		}
	case StateOpen:
		// A call shouldn't reach here (allow() gates it), but stay defensive.
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		go b.onStateChange(from, to)
	}
}

// Snapshot returns a point-in-time read of the breaker's state, matching
// the Circuit Breaker State data model in spec §3.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	resetAfterMs := int64(0)
	if b.state == StateOpen {
		remaining := b.cfg.ResetTimeout - time.Since(b.openedAt)
		if remaining > 0 {
			resetAfterMs = remaining.Milliseconds()
		}
	}

	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		ResetAfterMs:        resetAfterMs,
	}
}
