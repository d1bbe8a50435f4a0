package installertest

import (
	"reflect"
	"testing"

	"github.com/rajeshp/sling/pkg/installer"
)

// AssertIdle fails if the report is not of an idle cycle.
func AssertIdle(t testing.TB, report installer.CycleReport) {
	t.Helper()
	if !report.Idle {
		t.Errorf("Expected idle cycle, got %d tasks: %v", len(report.Tasks), report.Tasks)
	}
}

// AssertTaskKinds fails unless tasks have exactly the expected kinds, in order.
func AssertTaskKinds(t testing.TB, tasks []installer.Task, expected ...installer.TaskKind) {
	t.Helper()
	got := TaskKinds(tasks)
	if len(got) == 0 && len(expected) == 0 {
		return
	}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected task kinds %v, got %v", expected, got)
	}
}

// AssertBundleState fails unless the host has a bundle named symbolicName in state.
func AssertBundleState(t testing.TB, host *FakeHost, symbolicName string, state installer.BundleState) {
	t.Helper()
	b, ok := host.Bundle(symbolicName)
	if !ok {
		t.Errorf("Expected bundle %s to be installed", symbolicName)
		return
	}
	if b.State != state {
		t.Errorf("Expected bundle %s in state %s, got %s", symbolicName, state, b.State)
	}
}

// AssertBundleVersion fails unless the host has symbolicName at version.
func AssertBundleVersion(t testing.TB, host *FakeHost, symbolicName, version string) {
	t.Helper()
	b, ok := host.Bundle(symbolicName)
	if !ok {
		t.Errorf("Expected bundle %s to be installed", symbolicName)
		return
	}
	if b.Version != version {
		t.Errorf("Expected bundle %s at version %s, got %s", symbolicName, version, b.Version)
	}
}

// AssertNoBundle fails if the host has a bundle named symbolicName.
func AssertNoBundle(t testing.TB, host *FakeHost, symbolicName string) {
	t.Helper()
	if b, ok := host.Bundle(symbolicName); ok {
		t.Errorf("Expected bundle %s to be absent, found id %d", symbolicName, b.ID)
	}
}

// AssertConfig fails unless the config store holds pid with the given value for key.
func AssertConfig(t testing.TB, host *FakeHost, pid, key string, value any) {
	t.Helper()
	d, ok := host.Configs().Lookup(pid)
	if !ok {
		t.Errorf("Expected configuration %s to exist", pid)
		return
	}
	if !reflect.DeepEqual(d[key], value) {
		t.Errorf("Expected configuration %s to have %s=%v, got %v", pid, key, value, d[key])
	}
}

// AssertNoConfig fails if the config store holds pid.
func AssertNoConfig(t testing.TB, host *FakeHost, pid string) {
	t.Helper()
	if _, ok := host.Configs().Lookup(pid); ok {
		t.Errorf("Expected configuration %s to be absent", pid)
	}
}

// AssertCallCount fails unless the host recorded n calls of op.
func AssertCallCount(t testing.TB, host *FakeHost, op Op, n int) {
	t.Helper()
	if got := len(host.CallsOf(op)); got != n {
		t.Errorf("Expected %d %s calls, got %d: %v", n, op, got, host.Calls())
	}
}

// AssertApplied fails unless the applied state holds exactly the entity ids.
func AssertApplied(t testing.TB, inst *installer.Installer, entityIDs ...string) {
	t.Helper()
	got := AppliedIDs(inst)
	if len(got) == 0 && len(entityIDs) == 0 {
		return
	}
	if !reflect.DeepEqual(got, entityIDs) {
		t.Errorf("Expected applied entities %v, got %v", entityIDs, got)
	}
}
