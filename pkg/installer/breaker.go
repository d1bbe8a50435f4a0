package installer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed indicates the circuit is closed and calls are allowed.
	CircuitClosed CircuitState = iota

	// CircuitOpen indicates the circuit is open and calls are rejected.
	CircuitOpen

	// CircuitHalfOpen indicates the circuit is probing whether the host recovered.
	CircuitHalfOpen
)

// String returns a string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned, wrapped as a host-unavailable error, for host
// calls rejected by an open circuit.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs.
	Name string

	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// SuccessThreshold is the number of successes in half-open that closes the circuit.
	SuccessThreshold int

	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration

	// MaxHalfOpenRequests is the maximum number of probes in flight while half-open.
	MaxHalfOpenRequests int

	// OnStateChange is called with the breaker lock held when the state changes.
	OnStateChange func(name string, from, to CircuitState)

	// IsFailure decides whether an error counts as a failure.
	// If nil, every error except a context error counts.
	IsFailure func(err error) bool
}

// DefaultCircuitBreakerConfig returns the defaults used for the host breaker.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                name,
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker stops calling a host that keeps failing.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state            CircuitState
	failures         int
	successes        int
	lastStateChange  time.Time
	halfOpenRequests int

	mu sync.Mutex
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	d := DefaultCircuitBreakerConfig(config.Name)
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = d.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = d.MaxHalfOpenRequests
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}
	return &CircuitBreaker{
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the circuit is open, in which case it returns an
// error matching both ErrCircuitOpen and ErrHostUnavailable.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return HostUnavailable(ErrCircuitOpen)
	}
	err := fn()
	cb.record(err)
	return err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && time.Since(cb.lastStateChange) >= cb.config.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Failures returns the current count of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(CircuitClosed)
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.lastStateChange) < cb.config.Timeout {
			return false
		}
		cb.transitionTo(CircuitHalfOpen)
	}
	if cb.state == CircuitHalfOpen {
		if cb.halfOpenRequests >= cb.config.MaxHalfOpenRequests {
			return false
		}
		cb.halfOpenRequests++
	}
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && cb.config.IsFailure(err)
	switch cb.state {
	case CircuitClosed:
		if failed {
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				cb.transitionTo(CircuitOpen)
			}
		} else {
			cb.failures = 0
		}
	case CircuitHalfOpen:
		cb.halfOpenRequests--
		if failed {
			cb.transitionTo(CircuitOpen)
			return
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.successes = 0
	cb.halfOpenRequests = 0
	if newState == CircuitClosed {
		cb.failures = 0
	}
	if cb.config.OnStateChange != nil && oldState != newState {
		cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// GuardHost wraps host so that its bundle operations go through cb. Listings,
// refresh listeners and the config store are passed through unguarded.
func GuardHost(host Host, cb *CircuitBreaker) Host {
	return &guardedHost{Host: host, cb: cb}
}

type guardedHost struct {
	Host
	cb *CircuitBreaker
}

func (g *guardedHost) InstallBundle(ctx context.Context, location string, r io.Reader) (BundleID, error) {
	var id BundleID
	err := g.cb.Execute(func() error {
		var err error
		id, err = g.Host.InstallBundle(ctx, location, r)
		return err
	})
	return id, err
}

func (g *guardedHost) UpdateBundle(ctx context.Context, id BundleID, r io.Reader) error {
	return g.cb.Execute(func() error { return g.Host.UpdateBundle(ctx, id, r) })
}

func (g *guardedHost) UninstallBundle(ctx context.Context, id BundleID) error {
	return g.cb.Execute(func() error { return g.Host.UninstallBundle(ctx, id) })
}

func (g *guardedHost) StartBundle(ctx context.Context, id BundleID) error {
	return g.cb.Execute(func() error { return g.Host.StartBundle(ctx, id) })
}

func (g *guardedHost) RefreshPackages(ctx context.Context) error {
	return g.cb.Execute(func() error { return g.Host.RefreshPackages(ctx) })
}
