package installer

import (
	"archive/zip"
	"bytes"
	"fmt"
	"testing"
)

// testBundle returns a registered bundle without touching a data store.
func testBundle(symbolicName, url, digest string, priority int) *RegisteredResource {
	return &RegisteredResource{
		url:      url,
		scheme:   "test",
		typ:      ResourceTypeBundle,
		digest:   digest,
		priority: priority,
		entityID: EntityID(ResourceTypeBundle, symbolicName),
		manifest: BundleManifest{SymbolicName: symbolicName, Version: "1.0.0"},
	}
}

// testConfig returns a registered configuration.
func testConfig(pid, url, digest string, priority int) *RegisteredResource {
	p := parseConfigPID(pid)
	return &RegisteredResource{
		url:      url,
		scheme:   "test",
		typ:      ResourceTypeConfig,
		digest:   digest,
		priority: priority,
		entityID: EntityID(ResourceTypeConfig, p.Composite()),
		pid:      p,
		dict:     Dictionary{"key": "value"},
	}
}

// jar builds a bundle archive with the given manifest text.
func jar(t *testing.T, manifest string) []byte {
	t.Helper()
	return jarEntries(t, map[string]string{manifestPath: manifest})
}

func jarEntries(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func bundleJar(t *testing.T, symbolicName, version string) []byte {
	t.Helper()
	return jar(t, fmt.Sprintf("Manifest-Version: 1.0\nBundle-SymbolicName: %s\nBundle-Version: %s\n\n", symbolicName, version))
}

// closeCounter counts Close calls on a stream payload.
type closeCounter struct {
	*bytes.Reader
	closes int
}

func newCloseCounter(data []byte) *closeCounter {
	return &closeCounter{Reader: bytes.NewReader(data)}
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func keysOf(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.SortKey()
	}
	return out
}
