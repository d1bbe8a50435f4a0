package installer

import (
	"testing"

	"github.com/go-logr/logr/testr"
)

func TestResultConstructors(t *testing.T) {
	tests := []struct {
		name        string
		result      Result
		wantRequeue bool
		wantSkipped bool
		wantZero    bool
	}{
		{"done", Done(), false, false, true},
		{"skip", Skip("unchanged"), false, true, false},
		{"requeue", RequeueNextCycle("config store unavailable"), true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.result.Requeue != tt.wantRequeue {
				t.Errorf("Requeue = %v, want %v", tt.result.Requeue, tt.wantRequeue)
			}
			if tt.result.Skipped() != tt.wantSkipped {
				t.Errorf("Skipped() = %v, want %v", tt.result.Skipped(), tt.wantSkipped)
			}
			if tt.result.IsZero() != tt.wantZero {
				t.Errorf("IsZero() = %v, want %v", tt.result.IsZero(), tt.wantZero)
			}
		})
	}
}

func TestContext_AddTasks(t *testing.T) {
	current := NewTaskSet()
	next := NewTaskSet()
	c := NewContext(nil, testr.New(t), NewRefreshTask(), current, next)

	if !c.AddTaskToCurrentCycle(NewBundleStartTask(1)) {
		t.Error("AddTaskToCurrentCycle() = false, want true")
	}
	if c.AddTaskToCurrentCycle(NewBundleStartTask(1)) {
		t.Error("adding a duplicate to the current cycle should return false")
	}
	if !c.AddTaskToNextCycle(NewBundleStartTask(2)) {
		t.Error("AddTaskToNextCycle() = false, want true")
	}
	if current.Len() != 1 || next.Len() != 1 {
		t.Errorf("current=%d next=%d, want 1 and 1", current.Len(), next.Len())
	}

	detached := NewContext(nil, testr.New(t), NewRefreshTask(), nil, nil)
	if detached.AddTaskToCurrentCycle(NewRefreshTask()) || detached.AddTaskToNextCycle(NewRefreshTask()) {
		t.Error("a context without task sets should not accept tasks")
	}
}
