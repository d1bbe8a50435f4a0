package installer

import "fmt"

// TaskKind is the closed set of operations the installer performs on the host.
type TaskKind int

const (
	TaskConfigRemove TaskKind = iota
	TaskConfigInstall
	TaskBundleRemove
	TaskBundleUpdate
	TaskBundleInstall
	TaskRefreshPackages
	TaskBundleStart
)

// sortPrefix returns the fixed prefix that orders tasks of this kind relative to
// other kinds. Lexicographic order of the prefixes is the execution order.
func (k TaskKind) sortPrefix() string {
	switch k {
	case TaskConfigRemove:
		return "10-"
	case TaskConfigInstall:
		return "20-"
	case TaskBundleRemove:
		return "30-"
	case TaskBundleUpdate:
		return "40-"
	case TaskBundleInstall:
		return "50-"
	case TaskRefreshPackages:
		return "60-"
	case TaskBundleStart:
		return "70-"
	default:
		return "99-"
	}
}

// String returns a string representation of the task kind.
func (k TaskKind) String() string {
	switch k {
	case TaskConfigRemove:
		return "config-remove"
	case TaskConfigInstall:
		return "config-install"
	case TaskBundleRemove:
		return "bundle-remove"
	case TaskBundleUpdate:
		return "bundle-update"
	case TaskBundleInstall:
		return "bundle-install"
	case TaskRefreshPackages:
		return "refresh-packages"
	case TaskBundleStart:
		return "bundle-start"
	default:
		return "unknown"
	}
}

// TaskKinds lists every task kind in execution order.
var TaskKinds = []TaskKind{
	TaskConfigRemove,
	TaskConfigInstall,
	TaskBundleRemove,
	TaskBundleUpdate,
	TaskBundleInstall,
	TaskRefreshPackages,
	TaskBundleStart,
}

// Task is one pending operation against the host.
//
// Two tasks are the same task when their sort keys are equal, whatever the
// other fields hold.
type Task struct {
	// Kind selects the operation.
	Kind TaskKind

	// EntityID is the logical identity the task targets. Empty for refresh tasks
	// and for start tasks addressed by bundle id.
	EntityID string

	// BundleID addresses a bundle on the host for start and remove tasks.
	BundleID BundleID

	// PID addresses a configuration in the host's config store.
	PID ConfigPID

	// Resource is the selected resource for install and update tasks.
	Resource *RegisteredResource
}

// NewConfigInstallTask returns a task installing the configuration r.
func NewConfigInstallTask(r *RegisteredResource) Task {
	return Task{Kind: TaskConfigInstall, EntityID: r.EntityID(), PID: r.ConfigPID(), Resource: r}
}

// NewConfigRemoveTask returns a task deleting the configuration pid.
func NewConfigRemoveTask(entityID string, pid ConfigPID) Task {
	return Task{Kind: TaskConfigRemove, EntityID: entityID, PID: pid}
}

// NewBundleInstallTask returns a task installing the bundle r.
func NewBundleInstallTask(r *RegisteredResource) Task {
	return Task{Kind: TaskBundleInstall, EntityID: r.EntityID(), Resource: r}
}

// NewBundleUpdateTask returns a task replacing the payload of bundle id with r.
func NewBundleUpdateTask(r *RegisteredResource, id BundleID) Task {
	return Task{Kind: TaskBundleUpdate, EntityID: r.EntityID(), BundleID: id, Resource: r}
}

// NewBundleRemoveTask returns a task uninstalling bundle id.
func NewBundleRemoveTask(entityID string, id BundleID) Task {
	return Task{Kind: TaskBundleRemove, EntityID: entityID, BundleID: id}
}

// NewRefreshTask returns the package refresh task.
func NewRefreshTask() Task {
	return Task{Kind: TaskRefreshPackages}
}

// NewBundleStartTask returns a task starting bundle id.
func NewBundleStartTask(id BundleID) Task {
	return Task{Kind: TaskBundleStart, BundleID: id}
}

// SortKey returns the key that totally orders tasks. Tasks with equal keys are
// duplicates.
func (t Task) SortKey() string {
	switch t.Kind {
	case TaskRefreshPackages:
		return t.Kind.sortPrefix()
	case TaskBundleStart:
		return fmt.Sprintf("%s%020d", t.Kind.sortPrefix(), t.BundleID)
	default:
		return t.Kind.sortPrefix() + t.EntityID
	}
}

// String implements fmt.Stringer.
func (t Task) String() string {
	switch t.Kind {
	case TaskRefreshPackages:
		return t.Kind.String()
	case TaskBundleStart:
		return fmt.Sprintf("%s(%d)", t.Kind, t.BundleID)
	}
	if t.Resource != nil {
		return fmt.Sprintf("%s(%s, %s)", t.Kind, t.EntityID, t.Resource.URL())
	}
	return fmt.Sprintf("%s(%s)", t.Kind, t.EntityID)
}

// Equal reports whether t and other are the same task.
func (t Task) Equal(other Task) bool {
	return t.SortKey() == other.SortKey()
}

// mutatesBundles reports whether successful execution disturbs the host's class space.
func (t Task) mutatesBundles() bool {
	switch t.Kind {
	case TaskBundleInstall, TaskBundleUpdate, TaskBundleRemove:
		return true
	default:
		return false
	}
}
