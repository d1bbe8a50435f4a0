package hostdir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rajeshp/sling/pkg/installer"
)

// ConfigStore keeps one yaml file per configuration.
type ConfigStore struct {
	dir string
	mu  sync.Mutex
}

var _ installer.ConfigStore = (*ConfigStore)(nil)

func (s *ConfigStore) path(pid installer.ConfigPID) (string, error) {
	name := pid.Composite()
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid configuration pid %q", name)
	}
	return filepath.Join(s.dir, name+".yaml"), nil
}

// Get implements installer.ConfigStore.
func (s *ConfigStore) Get(_ context.Context, pid installer.ConfigPID) (installer.Dictionary, error) {
	p, err := s.path(pid)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading configuration %s: %w", pid, err)
	}
	var dict installer.Dictionary
	if err := yaml.Unmarshal(data, &dict); err != nil {
		return nil, fmt.Errorf("decoding configuration %s: %w", pid, err)
	}
	if dict == nil {
		dict = installer.Dictionary{}
	}
	return dict, nil
}

// Update implements installer.ConfigStore. The stored dictionary carries
// service.pid set to the composite pid.
func (s *ConfigStore) Update(_ context.Context, pid installer.ConfigPID, dict installer.Dictionary) error {
	p, err := s.path(pid)
	if err != nil {
		return err
	}
	stored := dict.Clone()
	if stored == nil {
		stored = installer.Dictionary{}
	}
	stored[installer.ServicePIDKey] = pid.Composite()
	data, err := yaml.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encoding configuration %s: %w", pid, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := installer.WriteFileAtomic(p, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing configuration %s: %w", pid, err)
	}
	return nil
}

// Delete implements installer.ConfigStore.
func (s *ConfigStore) Delete(_ context.Context, pid installer.ConfigPID) error {
	p, err := s.path(pid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting configuration %s: %w", pid, err)
	}
	return nil
}

// List returns the composite pids of all stored configurations, sorted.
func (s *ConfigStore) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSuffix(filepath.Base(m), ".yaml"))
	}
	return out, nil
}
