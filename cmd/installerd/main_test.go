package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajeshp/sling/internal/config"
	"github.com/rajeshp/sling/pkg/installertest"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "launchpad")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "resources", "config"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "resources", "bundles"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "resources", "config", "org.example.Service.cfg"), []byte("port = 8080\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "resources", "bundles", "api.jar"), installertest.BundleJar(t, "org.example.api", "1.0.0"), 0o644))

	path := filepath.Join(dir, "installerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataDir: `+filepath.Join(dir, "data")+`
launchpad:
  root: `+root+`
installer:
  refreshPollInterval: 5ms
  refreshTimeout: 1s
metrics:
  addr: 127.0.0.1:0
health:
  addr: ""
`), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestPlan(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, testr.New(t), true, &out))

	assert.Contains(t, out.String(), "install configuration org.example.Service from launchpad:resources/config/org.example.Service.cfg")
	assert.Contains(t, out.String(), "install bundle org.example.api 1.0.0 from launchpad:resources/bundles/api.jar")
	assert.Contains(t, out.String(), "2 installs, 0 updates, 0 removes, 1 refreshes, 0 starts")
	assert.NoFileExists(t, filepath.Join(cfg.HostDir, "config", "org.example.Service.yaml"), "plan must not apply changes")
}

func TestProbes(t *testing.T) {
	d, err := newDaemon(testConfig(t), testr.New(t))
	require.NoError(t, err)
	h := d.probeHandler()

	get := func(path string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}
	assert.Equal(t, http.StatusInternalServerError, get("/healthz"), "worker is not running")
	assert.Equal(t, http.StatusOK, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/readyz/host"))

	rec := httptest.NewRecorder()
	d.metricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRun(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, testr.New(t), false, nil) }()

	installertest.WaitFor(t, 10*time.Second, func() bool {
		data, err := os.ReadFile(filepath.Join(cfg.HostDir, "host.yaml"))
		return err == nil && bytes.Contains(data, []byte("state: Active"))
	})
	assert.FileExists(t, filepath.Join(cfg.HostDir, "config", "org.example.Service.yaml"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.FileExists(t, cfg.StateFile)
}
