// Package circuit provides a circuit breaker for calls to remote
// collaborators: the job source, Bitcoin Core, Kafka and the databases.
package circuit

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/bardlex/prefixminer/pkg/errors"
)

// State is the position of a breaker
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until Timeout has passed
	StateOpen
	// StateHalfOpen lets calls through on probation
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker
type Config struct {
	// Name is reported in rejections and state changes
	Name string
	// MaxFailures opens the breaker from closed
	MaxFailures int
	// SuccessRequired closes the breaker from half-open
	SuccessRequired int
	// Timeout is how long the breaker stays open
	Timeout time.Duration
	// ResetTimeout clears the failure count of a closed breaker
	ResetTimeout time.Duration

	// IsFailure decides whether an error counts against the remote side.
	// Nil counts everything except the caller's own cancellation.
	IsFailure func(error) bool
	// OnStateChange is called after every transition, outside the lock
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the settings used when New is given nil
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// ErrOpen is wrapped by every rejection of an open breaker
var ErrOpen = errors.New(errors.ErrorTypeInternal, "circuit_breaker", "circuit breaker is open")

// Breaker stops calling a remote collaborator after repeated failures and
// tries it again once Timeout has passed
type Breaker struct {
	config *Config
	now    func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	lastFailTime time.Time
	windowStart  time.Time
}

// New creates a closed breaker
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		config:      config,
		now:         time.Now,
		state:       StateClosed,
		windowStart: time.Now(),
	}
}

// Execute runs fn unless the breaker is open
func (cb *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn unless the breaker is open. A context that is
// already done is returned as is, without touching the breaker.
func ExecuteWithResult[T any](ctx context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	if state, ok := cb.admit(); !ok {
		return zero, errors.Wrap(ErrOpen, errors.ErrorTypeInternal, "circuit_breaker",
			"request rejected").
			WithContext("breaker", cb.config.Name).
			WithContext("state", state.String())
	}

	result, err := fn()
	cb.record(err)

	return result, err
}

// transition moves to state `to` and returns the change to announce.
// Callers hold cb.mu.
func (cb *Breaker) transition(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}

	cb.state = to
	cb.successes = 0
	if to == StateClosed {
		cb.failures = 0
		cb.windowStart = cb.now()
	}

	if cb.config.OnStateChange == nil {
		return nil
	}
	name, hook := cb.config.Name, cb.config.OnStateChange
	return func() { hook(name, from, to) }
}

func (cb *Breaker) admit() (State, bool) {
	cb.mu.Lock()

	var announce func()
	allowed := true
	now := cb.now()

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.windowStart) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.windowStart = now
		}
	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			announce = cb.transition(StateHalfOpen)
		} else {
			allowed = false
		}
	}

	state := cb.state
	cb.mu.Unlock()

	if announce != nil {
		announce()
	}
	return state, allowed
}

func (cb *Breaker) record(err error) {
	if err != nil && !cb.isFailure(err) {
		return
	}

	cb.mu.Lock()

	var announce func()
	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
			announce = cb.transition(StateOpen)
		}
	} else {
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessRequired {
			announce = cb.transition(StateClosed)
		}
	}

	cb.mu.Unlock()

	if announce != nil {
		announce()
	}
}

func (cb *Breaker) isFailure(err error) bool {
	if cb.config.IsFailure != nil {
		return cb.config.IsFailure(err)
	}
	return !stderrors.Is(err, context.Canceled)
}

// GetState returns the current state
func (cb *Breaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a snapshot of a breaker
type Stats struct {
	Name         string
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// GetStats returns a snapshot of the breaker
func (cb *Breaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:         cb.config.Name,
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		LastFailTime: cb.lastFailTime,
	}
}

// Reset closes the breaker and forgets past failures
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	announce := cb.transition(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.windowStart = cb.now()
	cb.mu.Unlock()

	if announce != nil {
		announce()
	}
}
