package installer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state    CircuitState
		expected string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("CircuitState.String() = %v, want %v", got, tt.expected)
		}
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "host"})
	if cb.config.FailureThreshold != 5 || cb.config.SuccessThreshold != 2 {
		t.Errorf("thresholds = %d/%d, want 5/2", cb.config.FailureThreshold, cb.config.SuccessThreshold)
	}
	if cb.config.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cb.config.Timeout)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "host",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          20 * time.Millisecond,
		OnStateChange: func(_ string, from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	boom := errors.New("boom")
	fail := func() error { return boom }
	ok := func() error { return nil }

	if err := cb.Execute(fail); !errors.Is(err, boom) {
		t.Fatalf("Execute() = %v, want %v", err, boom)
	}
	cb.Execute(ok)
	if cb.Failures() != 0 {
		t.Errorf("a success should reset failures, got %d", cb.Failures())
	}

	cb.Execute(fail)
	cb.Execute(fail)
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if called {
		t.Error("an open circuit should not call through")
	}
	if !errors.Is(err, ErrCircuitOpen) || !IsHostUnavailable(err) {
		t.Errorf("Execute() = %v, want circuit open classified as host unavailable", err)
	}

	time.Sleep(30 * time.Millisecond)
	if cb.State() != CircuitHalfOpen {
		t.Errorf("state after timeout = %v, want half-open", cb.State())
	}
	if err := cb.Execute(ok); err != nil {
		t.Fatalf("probe Execute() = %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("state after successful probe = %v, want closed", cb.State())
	}

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: 10 * time.Millisecond})
	cb.Execute(func() error { return errors.New("down") })
	time.Sleep(15 * time.Millisecond)
	cb.Execute(func() error { return errors.New("still down") })
	if cb.State() != CircuitOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
	cb.Reset()
	if cb.State() != CircuitClosed || cb.Failures() != 0 {
		t.Error("Reset() should close the circuit")
	}
}

func TestCircuitBreaker_ContextErrorsDoNotCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	cb.Execute(func() error { return context.Canceled })
	if cb.State() != CircuitClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

// failingHost fails every bundle operation.
type failingHost struct {
	Host
	calls int
}

func (h *failingHost) StartBundle(context.Context, BundleID) error {
	h.calls++
	return errors.New("host down")
}

func (h *failingHost) InstallBundle(context.Context, string, io.Reader) (BundleID, error) {
	h.calls++
	return 0, errors.New("host down")
}

func TestGuardHost(t *testing.T) {
	inner := &failingHost{}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour})
	host := GuardHost(inner, cb)
	ctx := context.Background()

	host.StartBundle(ctx, 1)
	host.InstallBundle(ctx, "file:/a.jar", nil)
	err := host.StartBundle(ctx, 1)
	if !IsHostUnavailable(err) {
		t.Errorf("StartBundle() = %v, want host unavailable", err)
	}
	if inner.calls != 2 {
		t.Errorf("inner host called %d times, want 2", inner.calls)
	}
}

func TestBreakerCheck(t *testing.T) {
	ctx := context.Background()
	if got := BreakerCheck(nil)(ctx).Status; got != HealthStatusHealthy {
		t.Errorf("nil breaker status = %v, want healthy", got)
	}
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour})
	check := BreakerCheck(cb)
	if got := check(ctx).Status; got != HealthStatusHealthy {
		t.Errorf("closed breaker status = %v, want healthy", got)
	}
	cb.Execute(func() error { return errors.New("down") })
	if got := check(ctx); got.Status != HealthStatusUnhealthy || !errors.Is(got.Err(), ErrCircuitOpen) {
		t.Errorf("open breaker = %+v, want unhealthy", got)
	}
}
