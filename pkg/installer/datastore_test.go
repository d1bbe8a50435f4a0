package installer

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

func TestDataStore_Put(t *testing.T) {
	store := newTestStore(t)

	path, written, err := store.Put("abcdef", strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !written {
		t.Error("first Put() should write")
	}
	if path != store.Path("abcdef") || !store.Has("abcdef") {
		t.Errorf("Put() path = %s, want %s", path, store.Path("abcdef"))
	}

	_, written, err = store.Put("abcdef", strings.NewReader("other"))
	if err != nil || written {
		t.Errorf("second Put() = written %v, err %v; want reuse", written, err)
	}

	f, err := store.Open("abcdef")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if string(data) != "payload" {
		t.Errorf("stored payload = %q, want the first write", data)
	}
}

func TestDataStore_InvalidDigest(t *testing.T) {
	store := newTestStore(t)
	for _, d := range []string{"", ".", "..", "a/b", `a\b`} {
		if _, _, err := store.Put(d, strings.NewReader("x")); err == nil {
			t.Errorf("Put(%q) should fail", d)
		}
	}
}

func TestDataStore_ConcurrentPut(t *testing.T) {
	store := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := store.Put("shared", strings.NewReader("same bytes")); err != nil {
				t.Errorf("Put() error = %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(filepath.Dir(store.Path("shared")))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("%d files after concurrent puts, want 1", len(entries))
	}
}

func TestDataStore_Prune(t *testing.T) {
	store := newTestStore(t)
	for _, d := range []string{"keep1", "drop1", "young"} {
		if _, _, err := store.Put(d, strings.NewReader(d)); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-time.Hour)
	for _, d := range []string{"keep1", "drop1"} {
		if err := os.Chtimes(store.Path(d), old, old); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := store.Prune(sets.New("keep1"), 10*time.Minute)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if len(removed) != 1 || removed[0] != "drop1" {
		t.Errorf("Prune() removed %v, want [drop1]", removed)
	}
	if !store.Has("keep1") || !store.Has("young") || store.Has("drop1") {
		t.Error("Prune() removed the wrong files")
	}
}
