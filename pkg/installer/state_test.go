package installer

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

func TestFileStateStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "applied.yaml")
	store := NewFileStateStore(path)

	entries, err := store.Load(ctx)
	if err != nil || len(entries) != 0 {
		t.Fatalf("Load() on missing file = %v, %v; want empty", entries, err)
	}

	want := []AppliedEntry{
		{
			EntityID:     "bundle:org.example.api",
			Type:         ResourceTypeBundle,
			URL:          "file:/api.jar",
			Digest:       "d1",
			BundleID:     12,
			SymbolicName: "org.example.api",
			DataFile:     "/data/d1.data",
		},
		{
			EntityID: "config:org.example.F.main",
			Type:     ResourceTypeConfig,
			URL:      "file:/org.example.F-main.cfg",
			Digest:   "d2",
			PID:      ConfigPID{FactoryPID: "org.example.F", PID: "main"},
		},
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "entries:") || !strings.Contains(string(data), "factoryPid: org.example.F") {
		t.Errorf("unexpected state file:\n%s", data)
	}

	got, err := NewFileStateStore(path).Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestFileStateStore_SkipsUnchangedWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "applied.yaml")
	store := NewFileStateStore(path)
	entries := []AppliedEntry{{EntityID: "config:a", Type: ResourceTypeConfig, Digest: "d"}}

	if err := store.Save(ctx, entries); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, entries); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(old) {
		t.Error("unchanged state was rewritten")
	}
}

func TestFileStateStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "applied.yaml")
	if err := os.WriteFile(path, []byte("entries: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStateStore(path).Load(context.Background()); err == nil {
		t.Error("Load() of a corrupt file should fail")
	}
}

func TestAppliedState(t *testing.T) {
	s := newAppliedState()
	if s.takeDirty() {
		t.Error("new state should not be dirty")
	}

	s.set(AppliedEntry{EntityID: "bundle:b", Type: ResourceTypeBundle, Digest: "db"})
	s.set(AppliedEntry{EntityID: "config:a", Type: ResourceTypeConfig, Digest: "da"})
	if !s.takeDirty() || s.takeDirty() {
		t.Error("takeDirty() should report a change exactly once")
	}

	snap := s.snapshot()
	if len(snap) != 2 || snap[0].EntityID != "bundle:b" {
		t.Errorf("snapshot() = %+v, want sorted entries", snap)
	}
	if got := sets.New(s.bundleDigests()...); !got.Equal(sets.New("db")) {
		t.Errorf("bundleDigests() = %v, want [db]", sets.List(got))
	}

	s.delete("missing")
	if s.takeDirty() {
		t.Error("deleting a missing entry should not mark the state dirty")
	}
	s.delete("config:a")
	if _, ok := s.get("config:a"); ok || !s.takeDirty() {
		t.Error("delete() should remove the entry and mark the state dirty")
	}

	s.replace([]AppliedEntry{{EntityID: "bundle:x"}, {EntityID: ""}})
	if len(s.snapshot()) != 1 || s.takeDirty() {
		t.Error("replace() should drop empty ids and leave the state clean")
	}
}
