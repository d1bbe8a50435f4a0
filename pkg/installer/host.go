package installer

import (
	"context"
	"io"
)

// BundleID is the host-assigned numeric id of an installed bundle.
type BundleID int64

// BundleState is the lifecycle state of a bundle on the host.
type BundleState string

const (
	BundleInstalled BundleState = "Installed"
	BundleResolved  BundleState = "Resolved"
	BundleActive    BundleState = "Active"
)

// BundleInfo describes a bundle installed on the host.
type BundleInfo struct {
	ID           BundleID
	SymbolicName string
	Version      string
	Location     string
	State        BundleState
	Fragment     bool
}

// Host is the component runtime the installer mutates.
//
// Every method may block and must honor ctx. Methods that need a host service
// which is not present yet return an error matching ErrHostUnavailable; the
// installer then retries the task in the next cycle.
type Host interface {
	// InstallBundle installs the archive read from r under location and returns its id.
	InstallBundle(ctx context.Context, location string, r io.Reader) (BundleID, error)

	// UpdateBundle replaces the archive of bundle id.
	UpdateBundle(ctx context.Context, id BundleID, r io.Reader) error

	// UninstallBundle removes bundle id.
	UninstallBundle(ctx context.Context, id BundleID) error

	// StartBundle activates bundle id.
	StartBundle(ctx context.Context, id BundleID) error

	// RefreshPackages asks the host to rewire its class space. Completion is
	// signalled asynchronously to the listeners added with AddRefreshListener.
	RefreshPackages(ctx context.Context) error

	// AddRefreshListener registers fn to be called when a refresh completes.
	// The returned function removes the listener.
	AddRefreshListener(fn func()) (remove func())

	// Bundles lists the installed bundles.
	Bundles(ctx context.Context) ([]BundleInfo, error)

	// ConfigStore returns the host's configuration store.
	ConfigStore(ctx context.Context) (ConfigStore, error)
}

// ConfigStore holds configuration dictionaries addressed by pid.
type ConfigStore interface {
	// Get returns the configuration for pid, or nil and no error if there is none.
	Get(ctx context.Context, pid ConfigPID) (Dictionary, error)

	// Update creates or replaces the configuration for pid.
	Update(ctx context.Context, pid ConfigPID, dict Dictionary) error

	// Delete removes the configuration for pid. Deleting a missing pid is not an error.
	Delete(ctx context.Context, pid ConfigPID) error
}

// findBundle returns the installed bundle with the given symbolic name.
func findBundle(bundles []BundleInfo, symbolicName string) (BundleInfo, bool) {
	for _, b := range bundles {
		if b.SymbolicName == symbolicName {
			return b, true
		}
	}
	return BundleInfo{}, false
}
