package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// AppliedEntry records what the installer last applied to the host for one entity.
type AppliedEntry struct {
	EntityID     string       `yaml:"entityId"`
	Type         ResourceType `yaml:"type"`
	URL          string       `yaml:"url"`
	Digest       string       `yaml:"digest"`
	BundleID     BundleID     `yaml:"bundleId,omitempty"`
	SymbolicName string       `yaml:"symbolicName,omitempty"`
	PID          ConfigPID    `yaml:"pid,omitempty"`
	DataFile     string       `yaml:"dataFile,omitempty"`
}

// StateStore persists applied state across restarts.
type StateStore interface {
	// Load returns the entries saved last, or none if nothing was saved.
	Load(ctx context.Context) ([]AppliedEntry, error)

	// Save replaces the saved entries.
	Save(ctx context.Context, entries []AppliedEntry) error
}

// MemoryStateStore keeps applied state in memory. It is the default when no
// store is configured.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries []AppliedEntry
}

// NewMemoryStateStore returns an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

func (m *MemoryStateStore) Load(context.Context) ([]AppliedEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AppliedEntry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *MemoryStateStore) Save(_ context.Context, entries []AppliedEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make([]AppliedEntry, len(entries))
	copy(m.entries, entries)
	return nil
}

// FileStateStore keeps applied state in a yaml file.
type FileStateStore struct {
	Path string

	mu   sync.Mutex
	last []byte
}

type stateFile struct {
	Entries []AppliedEntry `yaml:"entries"`
}

// NewFileStateStore returns a store writing to path.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{Path: path}
}

// Load reads the state file. A missing file is an empty state.
func (f *FileStateStore) Load(context.Context) ([]AppliedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading applied state: %w", err)
	}
	var sf stateFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("loading applied state from %s: %w", f.Path, err)
	}
	f.last = data
	return sf.Entries, nil
}

// Save writes entries to the state file, skipping the write if nothing changed.
func (f *FileStateStore) Save(_ context.Context, entries []AppliedEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := yaml.Marshal(stateFile{Entries: entries})
	if err != nil {
		return fmt.Errorf("encoding applied state: %w", err)
	}
	if bytes.Equal(data, f.last) {
		return nil
	}
	if err := WriteFileAtomic(f.Path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("saving applied state to %s: %w", f.Path, err)
	}
	f.last = data
	return nil
}

// appliedState is the installer's in-memory view of what the host holds.
type appliedState struct {
	mu      sync.RWMutex
	entries map[string]AppliedEntry
	dirty   bool
}

func newAppliedState() *appliedState {
	return &appliedState{entries: make(map[string]AppliedEntry)}
}

func (s *appliedState) get(entityID string) (AppliedEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entityID]
	return e, ok
}

func (s *appliedState) set(e AppliedEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.EntityID] = e
	s.dirty = true
}

func (s *appliedState) delete(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entityID]; ok {
		delete(s.entries, entityID)
		s.dirty = true
	}
}

// snapshot returns the entries sorted by entity id.
func (s *appliedState) snapshot() []AppliedEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AppliedEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

func (s *appliedState) replace(entries []AppliedEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]AppliedEntry, len(entries))
	for _, e := range entries {
		if e.EntityID != "" {
			s.entries[e.EntityID] = e
		}
	}
	s.dirty = false
}

func (s *appliedState) markDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

// takeDirty reports whether entries changed since the last call.
func (s *appliedState) takeDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dirty
	s.dirty = false
	return d
}

// bundleDigests returns the digests of applied bundles, whose payload files
// must survive garbage collection.
func (s *appliedState) bundleDigests() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, e := range s.entries {
		if e.Type == ResourceTypeBundle && e.Digest != "" {
			out = append(out, e.Digest)
		}
	}
	return out
}
