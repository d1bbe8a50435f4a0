package installer

import (
	"context"
	"fmt"
)

// PlanAction represents an action the next cycle would take.
type PlanAction string

const (
	// PlanActionInstall indicates a resource would be installed.
	PlanActionInstall PlanAction = "install"

	// PlanActionUpdate indicates an installed resource would be replaced.
	PlanActionUpdate PlanAction = "update"

	// PlanActionRemove indicates an installed resource would be removed.
	PlanActionRemove PlanAction = "remove"

	// PlanActionRefresh indicates the host's packages would be refreshed.
	PlanActionRefresh PlanAction = "refresh"

	// PlanActionStart indicates a bundle would be started.
	PlanActionStart PlanAction = "start"
)

func planAction(k TaskKind) PlanAction {
	switch k {
	case TaskConfigInstall, TaskBundleInstall:
		return PlanActionInstall
	case TaskBundleUpdate:
		return PlanActionUpdate
	case TaskConfigRemove, TaskBundleRemove:
		return PlanActionRemove
	case TaskRefreshPackages:
		return PlanActionRefresh
	default:
		return PlanActionStart
	}
}

// PlannedChange is one task the next cycle would execute.
type PlannedChange struct {
	// Action is the type of change.
	Action PlanAction

	// Task is the task that would run.
	Task Task

	// Description is a human-readable description of the change.
	Description string
}

// Plan lists the changes the next cycle would make, in execution order.
// Start tasks for newly installed bundles are not listed since their ids are
// only known once the host has installed them.
type Plan struct {
	// Changes is the list of changes that would be made.
	Changes []PlannedChange

	// Forget lists applied entities that vanished from the host.
	Forget []string

	// Summary is a human-readable summary of all changes.
	Summary string
}

// HasChanges returns true if any changes would be made.
func (p *Plan) HasChanges() bool {
	return len(p.Changes) > 0
}

// CountByAction returns the count of changes by action type.
func (p *Plan) CountByAction(action PlanAction) int {
	count := 0
	for _, c := range p.Changes {
		if c.Action == action {
			count++
		}
	}
	return count
}

func describe(t Task) string {
	switch t.Kind {
	case TaskConfigInstall:
		return fmt.Sprintf("install configuration %s from %s", t.PID, t.Resource.URL())
	case TaskConfigRemove:
		return fmt.Sprintf("delete configuration %s", t.PID)
	case TaskBundleInstall:
		m := t.Resource.Manifest()
		return fmt.Sprintf("install bundle %s %s from %s", m.SymbolicName, m.Version, t.Resource.URL())
	case TaskBundleUpdate:
		m := t.Resource.Manifest()
		return fmt.Sprintf("update bundle %d to %s %s from %s", t.BundleID, m.SymbolicName, m.Version, t.Resource.URL())
	case TaskBundleRemove:
		return fmt.Sprintf("uninstall bundle %d (%s)", t.BundleID, t.EntityID)
	case TaskRefreshPackages:
		return "refresh packages"
	default:
		return fmt.Sprintf("start bundle %d", t.BundleID)
	}
}

// Plan computes the changes the next cycle would make without touching the host.
// Configuration installs are listed even when the live configuration already
// matches, since that is only checked at execution.
func (i *Installer) Plan(ctx context.Context) (*Plan, error) {
	i.cycleMu.Lock()
	defer i.cycleMu.Unlock()

	if err := i.loadState(ctx); err != nil {
		return nil, fmt.Errorf("loading applied state: %w", err)
	}

	d := diff(i.table.selected(), i.applied.snapshot(), i.hostBundles(ctx))
	tasks := NewTaskSet(d.Tasks...)
	mutates := false
	for _, t := range d.Tasks {
		if t.mutatesBundles() {
			mutates = true
		}
	}
	if mutates {
		tasks.Add(NewRefreshTask())
	}
	for _, t := range i.deferred.Tasks() {
		if carriedOver(t) {
			tasks.Add(t)
		}
	}

	plan := &Plan{Forget: d.Forget}
	for _, t := range tasks.Tasks() {
		plan.Changes = append(plan.Changes, PlannedChange{
			Action:      planAction(t.Kind),
			Task:        t,
			Description: describe(t),
		})
	}
	plan.Summary = fmt.Sprintf("%d installs, %d updates, %d removes, %d refreshes, %d starts",
		plan.CountByAction(PlanActionInstall),
		plan.CountByAction(PlanActionUpdate),
		plan.CountByAction(PlanActionRemove),
		plan.CountByAction(PlanActionRefresh),
		plan.CountByAction(PlanActionStart))
	return plan, nil
}
