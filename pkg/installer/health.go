package installer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus int

const (
	// HealthStatusHealthy indicates the component is healthy.
	HealthStatusHealthy HealthStatus = iota

	// HealthStatusDegraded indicates the component is partially healthy.
	HealthStatusDegraded

	// HealthStatusUnhealthy indicates the component is unhealthy.
	HealthStatusUnhealthy

	// HealthStatusUnknown indicates the health status is unknown.
	HealthStatusUnknown
)

// String returns a string representation of the health status.
func (s HealthStatus) String() string {
	switch s {
	case HealthStatusHealthy:
		return "healthy"
	case HealthStatusDegraded:
		return "degraded"
	case HealthStatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthCheckResult represents the result of a health check.
type HealthCheckResult struct {
	// Status is the health status.
	Status HealthStatus

	// Message provides additional details.
	Message string

	// Timestamp is when the check was performed.
	Timestamp time.Time

	// Duration is how long the check took.
	Duration time.Duration

	// Error is any error that occurred during the check.
	Error error
}

// IsHealthy returns true if the status is Healthy.
func (r HealthCheckResult) IsHealthy() bool {
	return r.Status == HealthStatusHealthy
}

// Err returns nil unless the result is unhealthy.
func (r HealthCheckResult) Err() error {
	if r.Status != HealthStatusUnhealthy {
		return nil
	}
	if r.Error != nil {
		return fmt.Errorf("%s: %w", r.Message, r.Error)
	}
	return errors.New(r.Message)
}

// HealthCheck is a function that performs a health check.
type HealthCheck func(ctx context.Context) HealthCheckResult

// HealthChecker manages the health checks of an installer process.
type HealthChecker interface {
	// Register adds a health check.
	Register(name string, check HealthCheck)

	// RegisterWithTimeout adds a health check with a timeout.
	RegisterWithTimeout(name string, check HealthCheck, timeout time.Duration)

	// Names returns the registered check names, sorted.
	Names() []string

	// Check performs a single health check by name.
	Check(ctx context.Context, name string) HealthCheckResult

	// CheckAll performs all health checks.
	CheckAll(ctx context.Context) map[string]HealthCheckResult

	// IsHealthy returns true if no check is unhealthy.
	IsHealthy(ctx context.Context) bool

	// OverallStatus returns the worst status of all checks.
	OverallStatus(ctx context.Context) HealthStatus
}

type healthChecker struct {
	checks   map[string]healthCheckEntry
	results  map[string]HealthCheckResult
	mu       sync.RWMutex
	cacheTTL time.Duration
}

type healthCheckEntry struct {
	check   HealthCheck
	timeout time.Duration
}

// NewHealthChecker creates a HealthChecker caching results for cacheTTL.
func NewHealthChecker(cacheTTL time.Duration) HealthChecker {
	return &healthChecker{
		checks:   make(map[string]healthCheckEntry),
		results:  make(map[string]HealthCheckResult),
		cacheTTL: cacheTTL,
	}
}

func (hc *healthChecker) Register(name string, check HealthCheck) {
	hc.RegisterWithTimeout(name, check, 5*time.Second)
}

func (hc *healthChecker) RegisterWithTimeout(name string, check HealthCheck, timeout time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.checks[name] = healthCheckEntry{check: check, timeout: timeout}
	delete(hc.results, name)
}

func (hc *healthChecker) Names() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (hc *healthChecker) Check(ctx context.Context, name string) HealthCheckResult {
	hc.mu.RLock()
	entry, exists := hc.checks[name]
	hc.mu.RUnlock()

	if !exists {
		return HealthCheckResult{
			Status:    HealthStatusUnknown,
			Message:   "health check not found",
			Timestamp: time.Now(),
		}
	}
	return hc.runCheck(ctx, name, entry)
}

func (hc *healthChecker) CheckAll(ctx context.Context) map[string]HealthCheckResult {
	hc.mu.RLock()
	checks := make(map[string]healthCheckEntry, len(hc.checks))
	for name, entry := range hc.checks {
		checks[name] = entry
	}
	hc.mu.RUnlock()

	results := make(map[string]HealthCheckResult, len(checks))
	for name, entry := range checks {
		results[name] = hc.runCheck(ctx, name, entry)
	}
	return results
}

func (hc *healthChecker) runCheck(ctx context.Context, name string, entry healthCheckEntry) HealthCheckResult {
	hc.mu.RLock()
	if cached, exists := hc.results[name]; exists && time.Since(cached.Timestamp) < hc.cacheTTL {
		hc.mu.RUnlock()
		return cached
	}
	hc.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, entry.timeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan HealthCheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- HealthCheckResult{
					Status:  HealthStatusUnhealthy,
					Message: fmt.Sprintf("panic: %v", r),
				}
			}
		}()
		resultCh <- entry.check(checkCtx)
	}()

	var result HealthCheckResult
	select {
	case result = <-resultCh:
	case <-checkCtx.Done():
		result = HealthCheckResult{
			Status:  HealthStatusUnhealthy,
			Message: "health check timed out",
			Error:   checkCtx.Err(),
		}
	}
	result.Duration = time.Since(start)
	result.Timestamp = time.Now()

	hc.mu.Lock()
	hc.results[name] = result
	hc.mu.Unlock()
	return result
}

func (hc *healthChecker) IsHealthy(ctx context.Context) bool {
	for _, result := range hc.CheckAll(ctx) {
		if result.Status == HealthStatusUnhealthy {
			return false
		}
	}
	return true
}

func (hc *healthChecker) OverallStatus(ctx context.Context) HealthStatus {
	results := hc.CheckAll(ctx)
	if len(results) == 0 {
		return HealthStatusUnknown
	}

	hasDegraded := false
	for _, result := range results {
		switch result.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded, HealthStatusUnknown:
			hasDegraded = true
		}
	}
	if hasDegraded {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

// PingCheck creates a health check that always returns healthy.
func PingCheck() HealthCheck {
	return func(context.Context) HealthCheckResult {
		return HealthCheckResult{Status: HealthStatusHealthy, Message: "pong"}
	}
}

// WorkerCheck reports the installer worker unhealthy when it is not running,
// and degraded when no cycle completed within maxSilence. The worker is silent
// while idle only if no CycleInterval is set, so pick maxSilence accordingly.
func WorkerCheck(i *Installer, maxSilence time.Duration) HealthCheck {
	return func(context.Context) HealthCheckResult {
		if !i.Running() {
			return HealthCheckResult{Status: HealthStatusUnhealthy, Message: "installer worker not running"}
		}
		if p := i.PauseState(); p.Paused {
			return HealthCheckResult{Status: HealthStatusDegraded, Message: fmt.Sprintf("paused by %q: %s", p.PausedBy, p.Reason)}
		}
		last := i.LastCycle()
		if last.IsZero() {
			return HealthCheckResult{Status: HealthStatusDegraded, Message: "no cycle completed yet"}
		}
		if maxSilence > 0 && time.Since(last) > maxSilence {
			return HealthCheckResult{
				Status:  HealthStatusDegraded,
				Message: fmt.Sprintf("last cycle completed %s ago", time.Since(last).Round(time.Second)),
			}
		}
		return HealthCheckResult{Status: HealthStatusHealthy, Message: fmt.Sprintf("phase %s", i.Phase())}
	}
}

// HostCheck reports whether the host answers a bundle listing.
func HostCheck(host Host) HealthCheck {
	return func(ctx context.Context) HealthCheckResult {
		bundles, err := host.Bundles(ctx)
		if err != nil {
			return HealthCheckResult{Status: HealthStatusUnhealthy, Message: "host not reachable", Error: err}
		}
		return HealthCheckResult{Status: HealthStatusHealthy, Message: fmt.Sprintf("%d bundles installed", len(bundles))}
	}
}

// ThresholdCheck creates a health check based on a numeric value.
func ThresholdCheck(name string, getValue func() float64, healthy, warning float64) HealthCheck {
	return func(context.Context) HealthCheckResult {
		value := getValue()
		switch {
		case value <= healthy:
			return HealthCheckResult{
				Status:  HealthStatusHealthy,
				Message: fmt.Sprintf("%s: %.0f (threshold: %.0f)", name, value, healthy),
			}
		case value <= warning:
			return HealthCheckResult{
				Status:  HealthStatusDegraded,
				Message: fmt.Sprintf("%s: %.0f exceeds healthy threshold %.0f", name, value, healthy),
			}
		default:
			return HealthCheckResult{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("%s: %.0f exceeds warning threshold %.0f", name, value, warning),
			}
		}
	}
}

// PendingTasksCheck degrades when many tasks keep being deferred.
func PendingTasksCheck(i *Installer, healthy, warning int) HealthCheck {
	return ThresholdCheck("pending tasks", func() float64 {
		return float64(len(i.PendingTasks()))
	}, float64(healthy), float64(warning))
}

// BreakerCheck reports the host circuit: degraded while half-open, unhealthy
// while open. A nil breaker is always healthy.
func BreakerCheck(cb *CircuitBreaker) HealthCheck {
	return func(context.Context) HealthCheckResult {
		if cb == nil {
			return HealthCheckResult{Status: HealthStatusHealthy, Message: "no circuit breaker"}
		}
		switch state := cb.State(); state {
		case CircuitOpen:
			return HealthCheckResult{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("host circuit open after %d failures", cb.Failures()),
				Error:   ErrCircuitOpen,
			}
		case CircuitHalfOpen:
			return HealthCheckResult{Status: HealthStatusDegraded, Message: "host circuit half-open"}
		default:
			return HealthCheckResult{Status: HealthStatusHealthy, Message: "host circuit " + state.String()}
		}
	}
}
