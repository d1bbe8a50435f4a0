package installertest

import (
	"context"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/rajeshp/sling/pkg/installer"
)

// Step is one registration change applied to the installer in a scenario.
type Step struct {
	// Owner registers the resources. Defaults to "test".
	Owner string

	// Register replaces Owner's resources when not nil.
	Register []installer.InstallableResource

	// Update upserts into Owner's resources.
	Update []installer.InstallableResource

	// Unregister removes Owner's resources at these urls.
	Unregister []string

	// WantTasks are the task kinds executed until the installer is idle again.
	// Nil skips the check.
	WantTasks []installer.TaskKind
}

// Scenario defines an end-to-end installer test case.
type Scenario struct {
	// Name is the name of the test case.
	Name string

	// Setup prepares the host before the installer is created.
	Setup func(t *testing.T, host *FakeHost)

	// Options adjust the installer.
	Options []InstallerOption

	// Steps run in order, each followed by cycles until idle.
	Steps []Step

	// Assertions run after the last step.
	Assertions []Assertion
}

// Assertion checks the outcome of a scenario.
type Assertion func(t *testing.T, host *FakeHost, inst *installer.Installer)

// ScenarioRunner runs installer scenarios as subtests.
type ScenarioRunner struct{}

// NewScenarioRunner creates a new ScenarioRunner.
func NewScenarioRunner() *ScenarioRunner {
	return &ScenarioRunner{}
}

// Run executes all scenarios as subtests.
func (sr *ScenarioRunner) Run(t *testing.T, scenarios []Scenario) {
	for _, scenario := range scenarios {
		t.Run(scenario.Name, func(t *testing.T) {
			sr.runScenario(t, scenario)
		})
	}
}

func (sr *ScenarioRunner) runScenario(t *testing.T, scenario Scenario) {
	host := NewFakeHost()
	if scenario.Setup != nil {
		scenario.Setup(t, host)
	}
	inst := NewInstaller(t, host, scenario.Options...)

	for n, step := range scenario.Steps {
		owner := step.Owner
		if owner == "" {
			owner = "test"
		}
		if step.Register != nil {
			if err := inst.RegisterResources(owner, step.Register); err != nil {
				t.Fatalf("step %d: register: %v", n+1, err)
			}
		}
		if step.Update != nil {
			if err := inst.UpdateResources(owner, step.Update); err != nil {
				t.Fatalf("step %d: update: %v", n+1, err)
			}
		}
		if step.Unregister != nil {
			inst.UnregisterResources(owner, step.Unregister)
		}

		tasks := ExecutedTasks(RunUntilIdle(t, inst))
		if step.WantTasks != nil {
			AssertTaskKinds(t, tasks, step.WantTasks...)
		}
	}

	for _, assertion := range scenario.Assertions {
		assertion(t, host, inst)
	}
}

// ExpectBundle creates an assertion that symbolicName is in state on the host.
func ExpectBundle(symbolicName string, state installer.BundleState) Assertion {
	return func(t *testing.T, host *FakeHost, _ *installer.Installer) {
		t.Helper()
		AssertBundleState(t, host, symbolicName, state)
	}
}

// ExpectNoBundle creates an assertion that symbolicName is not on the host.
func ExpectNoBundle(symbolicName string) Assertion {
	return func(t *testing.T, host *FakeHost, _ *installer.Installer) {
		t.Helper()
		AssertNoBundle(t, host, symbolicName)
	}
}

// ExpectConfig creates an assertion on a stored configuration value.
func ExpectConfig(pid, key string, value any) Assertion {
	return func(t *testing.T, host *FakeHost, _ *installer.Installer) {
		t.Helper()
		AssertConfig(t, host, pid, key, value)
	}
}

// ExpectNoConfig creates an assertion that pid is not stored.
func ExpectNoConfig(pid string) Assertion {
	return func(t *testing.T, host *FakeHost, _ *installer.Installer) {
		t.Helper()
		AssertNoConfig(t, host, pid)
	}
}

// ExpectApplied creates an assertion on the applied entity ids.
func ExpectApplied(entityIDs ...string) Assertion {
	return func(t *testing.T, _ *FakeHost, inst *installer.Installer) {
		t.Helper()
		AssertApplied(t, inst, entityIDs...)
	}
}

// Custom creates a custom assertion function.
func Custom(fn func(t *testing.T, host *FakeHost, inst *installer.Installer)) Assertion {
	return fn
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	err := wait.PollUntilContextTimeout(context.Background(), 5*time.Millisecond, timeout, true,
		func(context.Context) (bool, error) {
			return cond(), nil
		})
	if err != nil {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// WaitForCounter polls the installer counters until cond holds or timeout elapses.
func WaitForCounter(t testing.TB, inst *installer.Installer, timeout time.Duration, cond func(installer.Counters) bool) {
	t.Helper()
	WaitFor(t, timeout, func() bool {
		return cond(inst.Counters())
	})
}
