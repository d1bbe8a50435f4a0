// Package hostdir provides an installer.Host that keeps bundles and
// configurations in a local directory.
//
// Layout under the root directory:
//
//	host.yaml               installed bundles and the next bundle id
//	bundles/<id>.jar        archive of each installed bundle
//	config/<pid>.yaml       one file per configuration
//
// The host has no class space to rewire. A package refresh resolves every
// installed bundle and stops active ones, which the installer then starts
// again, and completion is reported to refresh listeners asynchronously.
package hostdir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/rajeshp/sling/pkg/installer"
)

const stateFileName = "host.yaml"

// ErrBundleNotFound is returned for operations on an unknown bundle id.
var ErrBundleNotFound = errors.New("bundle not installed")

// Options configures a Host.
type Options struct {
	// Log is the base logger. Defaults to a discarding logger.
	Log logr.Logger

	// DisableConfigStore makes ConfigStore report the store as unavailable.
	DisableConfigStore bool
}

type bundleRecord struct {
	ID           installer.BundleID    `yaml:"id"`
	SymbolicName string                `yaml:"symbolicName"`
	Version      string                `yaml:"version"`
	Location     string                `yaml:"location"`
	State        installer.BundleState `yaml:"state"`
	Fragment     bool                  `yaml:"fragment,omitempty"`
}

type hostState struct {
	NextID  installer.BundleID `yaml:"nextId"`
	Bundles []bundleRecord     `yaml:"bundles"`
}

// Host is a directory-backed installer.Host.
type Host struct {
	root   string
	log    logr.Logger
	config *ConfigStore

	mu      sync.Mutex
	nextID  installer.BundleID
	bundles map[installer.BundleID]*bundleRecord

	listenersMu sync.Mutex
	listeners   map[int]func()
	listenerSeq int
}

var _ installer.Host = (*Host)(nil)

// Open opens the host rooted at dir, creating the layout if needed and
// loading previously installed bundles.
func Open(dir string, opts Options) (*Host, error) {
	if dir == "" {
		return nil, errors.New("hostdir: root directory is required")
	}
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}
	for _, sub := range []string{"bundles", "config"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("hostdir: %w", err)
		}
	}

	h := &Host{
		root:      dir,
		log:       opts.Log.WithName("hostdir"),
		nextID:    1,
		bundles:   make(map[installer.BundleID]*bundleRecord),
		listeners: make(map[int]func()),
	}
	if !opts.DisableConfigStore {
		h.config = &ConfigStore{dir: filepath.Join(dir, "config")}
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	return h, nil
}

// Root returns the host's root directory.
func (h *Host) Root() string {
	return h.root
}

func (h *Host) load() error {
	data, err := os.ReadFile(filepath.Join(h.root, stateFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hostdir: reading state: %w", err)
	}
	var st hostState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("hostdir: decoding state: %w", err)
	}
	for i := range st.Bundles {
		b := st.Bundles[i]
		h.bundles[b.ID] = &b
		if b.ID >= h.nextID {
			h.nextID = b.ID + 1
		}
	}
	if st.NextID > h.nextID {
		h.nextID = st.NextID
	}
	return nil
}

// saveLocked writes host.yaml. h.mu must be held.
func (h *Host) saveLocked() error {
	st := hostState{NextID: h.nextID}
	for _, b := range h.bundles {
		st.Bundles = append(st.Bundles, *b)
	}
	sort.Slice(st.Bundles, func(i, j int) bool { return st.Bundles[i].ID < st.Bundles[j].ID })
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("hostdir: encoding state: %w", err)
	}
	if err := installer.WriteFileAtomic(filepath.Join(h.root, stateFileName), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("hostdir: writing state: %w", err)
	}
	return nil
}

func (h *Host) archivePath(id installer.BundleID) string {
	return filepath.Join(h.root, "bundles", strconv.FormatInt(int64(id), 10)+".jar")
}

func readArchive(r io.Reader) ([]byte, installer.BundleManifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, installer.BundleManifest{}, fmt.Errorf("reading archive: %w", err)
	}
	m, err := installer.ReadBundleManifestFrom(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, installer.BundleManifest{}, err
	}
	return data, m, nil
}

// InstallBundle implements installer.Host.
func (h *Host) InstallBundle(ctx context.Context, location string, r io.Reader) (installer.BundleID, error) {
	data, m, err := readArchive(r)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.bundles {
		if b.SymbolicName == m.SymbolicName {
			return 0, fmt.Errorf("bundle %s is already installed as %d", m.SymbolicName, b.ID)
		}
	}
	id := h.nextID
	if err := installer.WriteFileAtomic(h.archivePath(id), bytes.NewReader(data)); err != nil {
		return 0, fmt.Errorf("storing archive of %s: %w", m.SymbolicName, err)
	}
	h.nextID++
	h.bundles[id] = &bundleRecord{
		ID:           id,
		SymbolicName: m.SymbolicName,
		Version:      m.Version,
		Location:     location,
		State:        installer.BundleInstalled,
		Fragment:     m.IsFragment(),
	}
	h.log.V(1).Info("installed bundle", "bundleId", id, "symbolicName", m.SymbolicName, "version", m.Version)
	return id, h.saveLocked()
}

// UpdateBundle implements installer.Host.
func (h *Host) UpdateBundle(ctx context.Context, id installer.BundleID, r io.Reader) error {
	data, m, err := readArchive(r)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.bundles[id]
	if !ok {
		return fmt.Errorf("updating %d: %w", id, ErrBundleNotFound)
	}
	if err := installer.WriteFileAtomic(h.archivePath(id), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("storing archive of %s: %w", m.SymbolicName, err)
	}
	b.SymbolicName = m.SymbolicName
	b.Version = m.Version
	b.Fragment = m.IsFragment()
	if b.State == installer.BundleResolved {
		b.State = installer.BundleInstalled
	}
	h.log.V(1).Info("updated bundle", "bundleId", id, "version", m.Version)
	return h.saveLocked()
}

// UninstallBundle implements installer.Host.
func (h *Host) UninstallBundle(_ context.Context, id installer.BundleID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.bundles[id]; !ok {
		return fmt.Errorf("uninstalling %d: %w", id, ErrBundleNotFound)
	}
	if err := os.Remove(h.archivePath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing archive of %d: %w", id, err)
	}
	delete(h.bundles, id)
	h.log.V(1).Info("uninstalled bundle", "bundleId", id)
	return h.saveLocked()
}

// StartBundle implements installer.Host. Fragments cannot be started.
func (h *Host) StartBundle(_ context.Context, id installer.BundleID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.bundles[id]
	if !ok {
		return fmt.Errorf("starting %d: %w", id, ErrBundleNotFound)
	}
	if b.Fragment {
		return fmt.Errorf("bundle %s is a fragment and cannot be started", b.SymbolicName)
	}
	if b.State == installer.BundleActive {
		return nil
	}
	b.State = installer.BundleActive
	return h.saveLocked()
}

// RefreshPackages implements installer.Host.
func (h *Host) RefreshPackages(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	for _, b := range h.bundles {
		b.State = installer.BundleResolved
	}
	err := h.saveLocked()
	h.mu.Unlock()
	if err != nil {
		return err
	}

	h.listenersMu.Lock()
	fns := make([]func(), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.listenersMu.Unlock()
	go func() {
		for _, fn := range fns {
			fn()
		}
	}()
	return nil
}

// AddRefreshListener implements installer.Host.
func (h *Host) AddRefreshListener(fn func()) func() {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listenerSeq++
	key := h.listenerSeq
	h.listeners[key] = fn
	return func() {
		h.listenersMu.Lock()
		defer h.listenersMu.Unlock()
		delete(h.listeners, key)
	}
}

// Bundles implements installer.Host. Bundles are listed by id.
func (h *Host) Bundles(context.Context) ([]installer.BundleInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]installer.BundleInfo, 0, len(h.bundles))
	for _, b := range h.bundles {
		out = append(out, installer.BundleInfo{
			ID:           b.ID,
			SymbolicName: b.SymbolicName,
			Version:      b.Version,
			Location:     b.Location,
			State:        b.State,
			Fragment:     b.Fragment,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ConfigStore implements installer.Host.
func (h *Host) ConfigStore(context.Context) (installer.ConfigStore, error) {
	if h.config == nil {
		return nil, installer.HostUnavailable(errors.New("config store disabled"))
	}
	return h.config, nil
}
