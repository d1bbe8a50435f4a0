package installertest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rajeshp/sling/pkg/installer"
)

// Op names a FakeHost operation.
type Op string

// Operations recorded by FakeHost.
const (
	OpInstall      Op = "install"
	OpUpdate       Op = "update"
	OpUninstall    Op = "uninstall"
	OpStart        Op = "start"
	OpRefresh      Op = "refresh"
	OpConfigUpdate Op = "config-update"
	OpConfigDelete Op = "config-delete"
)

// Call records one mutating call on the FakeHost.
type Call struct {
	Op       Op
	BundleID installer.BundleID
	Location string
	PID      string
}

// String implements fmt.Stringer.
func (c Call) String() string {
	switch c.Op {
	case OpInstall:
		return fmt.Sprintf("%s(%s)", c.Op, c.Location)
	case OpConfigUpdate, OpConfigDelete:
		return fmt.Sprintf("%s(%s)", c.Op, c.PID)
	case OpRefresh:
		return string(c.Op)
	default:
		return fmt.Sprintf("%s(%d)", c.Op, c.BundleID)
	}
}

type injectedError struct {
	err   error
	times int
}

// FakeHost is an in-memory installer.Host.
//
// Bundles go through Installed and Active states. A refresh stops every
// active bundle, as a real host does for the bundles it rewires, and then
// notifies the refresh listeners from a separate goroutine.
type FakeHost struct {
	mu        sync.Mutex
	nextID    installer.BundleID
	bundles   map[installer.BundleID]*installer.BundleInfo
	configs   *FakeConfigStore
	listeners map[int]func()
	nextLst   int
	calls     []Call

	configAvailable bool
	notifyRefresh   bool
	failures        map[Op]*injectedError
}

// NewFakeHost creates a FakeHost with an available config store and refresh
// notifications enabled.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		nextID:          1,
		bundles:         make(map[installer.BundleID]*installer.BundleInfo),
		configs:         NewFakeConfigStore(),
		listeners:       make(map[int]func()),
		configAvailable: true,
		notifyRefresh:   true,
		failures:        make(map[Op]*injectedError),
	}
}

// SetConfigStoreAvailable controls whether ConfigStore reports the store as unavailable.
func (h *FakeHost) SetConfigStoreAvailable(available bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.configAvailable = available
}

// SetRefreshNotifications controls whether refreshes notify their listeners.
func (h *FakeHost) SetRefreshNotifications(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifyRefresh = enabled
}

// FailNext makes the next times calls of op fail with err.
func (h *FakeHost) FailNext(op Op, err error, times int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[op] = &injectedError{err: err, times: times}
}

// failure consumes an injected error for op. Caller holds mu.
func (h *FakeHost) failure(op Op) error {
	f, ok := h.failures[op]
	if !ok || f.times <= 0 {
		return nil
	}
	f.times--
	if f.times == 0 {
		delete(h.failures, op)
	}
	return f.err
}

// AddBundle places a bundle on the host directly, bypassing the installer.
func (h *FakeHost) AddBundle(symbolicName, version string, state installer.BundleState) installer.BundleID {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.bundles[id] = &installer.BundleInfo{
		ID:           id,
		SymbolicName: symbolicName,
		Version:      version,
		Location:     "external:" + symbolicName,
		State:        state,
	}
	return id
}

// RemoveBundle drops a bundle from the host directly, bypassing the installer.
func (h *FakeHost) RemoveBundle(id installer.BundleID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bundles, id)
}

// Configs returns the host's config store.
func (h *FakeHost) Configs() *FakeConfigStore {
	return h.configs
}

// Calls returns the recorded mutating calls in order.
func (h *FakeHost) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallsOf returns the recorded calls of op.
func (h *FakeHost) CallsOf(op Op) []Call {
	var out []Call
	for _, c := range h.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls forgets the recorded calls.
func (h *FakeHost) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// Bundle returns the bundle with the given symbolic name.
func (h *FakeHost) Bundle(symbolicName string) (installer.BundleInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.bundles {
		if b.SymbolicName == symbolicName {
			return *b, true
		}
	}
	return installer.BundleInfo{}, false
}

func (h *FakeHost) record(c Call) {
	h.calls = append(h.calls, c)
}

func readManifest(r io.Reader) (installer.BundleManifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return installer.BundleManifest{}, err
	}
	return installer.ReadBundleManifestFrom(bytes.NewReader(data), int64(len(data)))
}

// InstallBundle implements installer.Host.
func (h *FakeHost) InstallBundle(_ context.Context, location string, r io.Reader) (installer.BundleID, error) {
	m, err := readManifest(r)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.record(Call{Op: OpInstall, Location: location})
	if err := h.failure(OpInstall); err != nil {
		return 0, err
	}
	if err != nil {
		return 0, err
	}
	for _, b := range h.bundles {
		if b.SymbolicName == m.SymbolicName {
			return 0, fmt.Errorf("bundle %s already installed as %d", m.SymbolicName, b.ID)
		}
	}
	id := h.nextID
	h.nextID++
	h.bundles[id] = &installer.BundleInfo{
		ID:           id,
		SymbolicName: m.SymbolicName,
		Version:      m.Version,
		Location:     location,
		State:        installer.BundleInstalled,
		Fragment:     m.IsFragment(),
	}
	h.calls[len(h.calls)-1].BundleID = id
	return id, nil
}

// UpdateBundle implements installer.Host.
func (h *FakeHost) UpdateBundle(_ context.Context, id installer.BundleID, r io.Reader) error {
	m, err := readManifest(r)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.record(Call{Op: OpUpdate, BundleID: id})
	if err := h.failure(OpUpdate); err != nil {
		return err
	}
	if err != nil {
		return err
	}
	b, ok := h.bundles[id]
	if !ok {
		return fmt.Errorf("bundle %d not installed", id)
	}
	b.SymbolicName = m.SymbolicName
	b.Version = m.Version
	b.Fragment = m.IsFragment()
	return nil
}

// UninstallBundle implements installer.Host.
func (h *FakeHost) UninstallBundle(_ context.Context, id installer.BundleID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record(Call{Op: OpUninstall, BundleID: id})
	if err := h.failure(OpUninstall); err != nil {
		return err
	}
	if _, ok := h.bundles[id]; !ok {
		return fmt.Errorf("bundle %d not installed", id)
	}
	delete(h.bundles, id)
	return nil
}

// StartBundle implements installer.Host.
func (h *FakeHost) StartBundle(_ context.Context, id installer.BundleID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record(Call{Op: OpStart, BundleID: id})
	if err := h.failure(OpStart); err != nil {
		return err
	}
	b, ok := h.bundles[id]
	if !ok {
		return fmt.Errorf("bundle %d not installed", id)
	}
	if b.Fragment {
		return fmt.Errorf("bundle %d is a fragment", id)
	}
	b.State = installer.BundleActive
	return nil
}

// RefreshPackages implements installer.Host.
func (h *FakeHost) RefreshPackages(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record(Call{Op: OpRefresh})
	if err := h.failure(OpRefresh); err != nil {
		return err
	}
	for _, b := range h.bundles {
		if b.State == installer.BundleActive {
			b.State = installer.BundleResolved
		}
	}
	if !h.notifyRefresh {
		return nil
	}
	listeners := make([]func(), 0, len(h.listeners))
	for _, fn := range h.listeners {
		listeners = append(listeners, fn)
	}
	go func() {
		for _, fn := range listeners {
			fn()
		}
	}()
	return nil
}

// AddRefreshListener implements installer.Host.
func (h *FakeHost) AddRefreshListener(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := h.nextLst
	h.nextLst++
	h.listeners[key] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, key)
	}
}

// Bundles implements installer.Host.
func (h *FakeHost) Bundles(context.Context) ([]installer.BundleInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]installer.BundleInfo, 0, len(h.bundles))
	for _, b := range h.bundles {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ConfigStore implements installer.Host.
func (h *FakeHost) ConfigStore(context.Context) (installer.ConfigStore, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.configAvailable {
		return nil, installer.HostUnavailable(fmt.Errorf("configuration admin not available"))
	}
	return &recordingStore{host: h}, nil
}

// recordingStore records config mutations on the host before delegating.
type recordingStore struct {
	host *FakeHost
}

func (s *recordingStore) Get(ctx context.Context, pid installer.ConfigPID) (installer.Dictionary, error) {
	return s.host.configs.Get(ctx, pid)
}

func (s *recordingStore) Update(ctx context.Context, pid installer.ConfigPID, dict installer.Dictionary) error {
	s.host.mu.Lock()
	s.host.record(Call{Op: OpConfigUpdate, PID: pid.Composite()})
	err := s.host.failure(OpConfigUpdate)
	s.host.mu.Unlock()
	if err != nil {
		return err
	}
	return s.host.configs.Update(ctx, pid, dict)
}

func (s *recordingStore) Delete(ctx context.Context, pid installer.ConfigPID) error {
	s.host.mu.Lock()
	s.host.record(Call{Op: OpConfigDelete, PID: pid.Composite()})
	err := s.host.failure(OpConfigDelete)
	s.host.mu.Unlock()
	if err != nil {
		return err
	}
	return s.host.configs.Delete(ctx, pid)
}

// FakeConfigStore is an in-memory installer.ConfigStore.
type FakeConfigStore struct {
	mu      sync.Mutex
	configs map[string]installer.Dictionary
}

// NewFakeConfigStore creates an empty FakeConfigStore.
func NewFakeConfigStore() *FakeConfigStore {
	return &FakeConfigStore{configs: make(map[string]installer.Dictionary)}
}

// Get implements installer.ConfigStore. The host assigns service.pid.
func (s *FakeConfigStore) Get(_ context.Context, pid installer.ConfigPID) (installer.Dictionary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.configs[pid.Composite()]
	if !ok {
		return nil, nil
	}
	return d.Clone(), nil
}

// Update implements installer.ConfigStore.
func (s *FakeConfigStore) Update(_ context.Context, pid installer.ConfigPID, dict installer.Dictionary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := dict.Clone()
	if d == nil {
		d = installer.Dictionary{}
	}
	d[installer.ServicePIDKey] = pid.Composite()
	s.configs[pid.Composite()] = d
	return nil
}

// Delete implements installer.ConfigStore.
func (s *FakeConfigStore) Delete(_ context.Context, pid installer.ConfigPID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, pid.Composite())
	return nil
}

// Lookup returns the stored configuration for a composite pid.
func (s *FakeConfigStore) Lookup(pid string) (installer.Dictionary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.configs[pid]
	return d.Clone(), ok
}

// Len returns the number of stored configurations.
func (s *FakeConfigStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.configs)
}
