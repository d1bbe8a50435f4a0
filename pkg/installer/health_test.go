package installer

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHealthStatus_String(t *testing.T) {
	tests := []struct {
		status   HealthStatus
		expected string
	}{
		{HealthStatusHealthy, "healthy"},
		{HealthStatusDegraded, "degraded"},
		{HealthStatusUnhealthy, "unhealthy"},
		{HealthStatusUnknown, "unknown"},
		{HealthStatus(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.expected {
			t.Errorf("HealthStatus.String() = %v, want %v", got, tt.expected)
		}
	}
}

func TestHealthCheckResult_Err(t *testing.T) {
	if err := (HealthCheckResult{Status: HealthStatusDegraded, Message: "slow"}).Err(); err != nil {
		t.Errorf("degraded Err() = %v, want nil", err)
	}
	cause := errors.New("boom")
	err := HealthCheckResult{Status: HealthStatusUnhealthy, Message: "down", Error: cause}.Err()
	if !errors.Is(err, cause) {
		t.Errorf("unhealthy Err() = %v, want wrapping %v", err, cause)
	}
	if err := (HealthCheckResult{Status: HealthStatusUnhealthy, Message: "down"}).Err(); err == nil || err.Error() != "down" {
		t.Errorf("unhealthy Err() = %v, want \"down\"", err)
	}
}

func TestHealthChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("empty checker is unknown", func(t *testing.T) {
		hc := NewHealthChecker(0)
		if hc.OverallStatus(ctx) != HealthStatusUnknown {
			t.Error("OverallStatus() of an empty checker should be unknown")
		}
		if !hc.IsHealthy(ctx) {
			t.Error("IsHealthy() of an empty checker should be true")
		}
	})

	t.Run("worst status wins", func(t *testing.T) {
		hc := NewHealthChecker(0)
		hc.Register("ping", PingCheck())
		if hc.OverallStatus(ctx) != HealthStatusHealthy {
			t.Error("OverallStatus() should be healthy")
		}
		hc.Register("degraded", func(context.Context) HealthCheckResult {
			return HealthCheckResult{Status: HealthStatusDegraded}
		})
		if hc.OverallStatus(ctx) != HealthStatusDegraded {
			t.Error("OverallStatus() should be degraded")
		}
		hc.Register("down", func(context.Context) HealthCheckResult {
			return HealthCheckResult{Status: HealthStatusUnhealthy}
		})
		if hc.OverallStatus(ctx) != HealthStatusUnhealthy || hc.IsHealthy(ctx) {
			t.Error("OverallStatus() should be unhealthy")
		}
		if names := hc.Names(); len(names) != 3 || names[0] != "degraded" {
			t.Errorf("Names() = %v, want sorted names", names)
		}
	})

	t.Run("unknown check", func(t *testing.T) {
		hc := NewHealthChecker(0)
		if got := hc.Check(ctx, "missing"); got.Status != HealthStatusUnknown {
			t.Errorf("Check(missing) = %v, want unknown", got.Status)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		hc := NewHealthChecker(0)
		hc.RegisterWithTimeout("slow", func(ctx context.Context) HealthCheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return HealthCheckResult{Status: HealthStatusHealthy}
		}, 10*time.Millisecond)
		if got := hc.Check(ctx, "slow"); got.Status != HealthStatusUnhealthy {
			t.Errorf("Check(slow) = %v, want unhealthy", got.Status)
		}
	})

	t.Run("panic", func(t *testing.T) {
		hc := NewHealthChecker(0)
		hc.Register("panics", func(context.Context) HealthCheckResult { panic("boom") })
		if got := hc.Check(ctx, "panics"); got.Status != HealthStatusUnhealthy {
			t.Errorf("Check(panics) = %v, want unhealthy", got.Status)
		}
	})

	t.Run("results are cached", func(t *testing.T) {
		hc := NewHealthChecker(time.Hour)
		calls := 0
		hc.Register("counted", func(context.Context) HealthCheckResult {
			calls++
			return HealthCheckResult{Status: HealthStatusHealthy}
		})
		hc.Check(ctx, "counted")
		hc.Check(ctx, "counted")
		if calls != 1 {
			t.Errorf("check ran %d times, want 1", calls)
		}
	})
}

func TestThresholdCheck(t *testing.T) {
	value := 0.0
	check := ThresholdCheck("pending", func() float64 { return value }, 5, 10)
	tests := []struct {
		value float64
		want  HealthStatus
	}{
		{0, HealthStatusHealthy},
		{5, HealthStatusHealthy},
		{7, HealthStatusDegraded},
		{11, HealthStatusUnhealthy},
	}
	for _, tt := range tests {
		value = tt.value
		if got := check(context.Background()).Status; got != tt.want {
			t.Errorf("ThresholdCheck(%v) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
