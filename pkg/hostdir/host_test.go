package hostdir_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajeshp/sling/pkg/hostdir"
	"github.com/rajeshp/sling/pkg/installer"
	"github.com/rajeshp/sling/pkg/installertest"
)

func openHost(t *testing.T, dir string) *hostdir.Host {
	t.Helper()
	h, err := hostdir.Open(dir, hostdir.Options{})
	require.NoError(t, err)
	return h
}

func install(t *testing.T, h *hostdir.Host, bsn, version string) installer.BundleID {
	t.Helper()
	jar := installertest.BundleJar(t, bsn, version)
	id, err := h.InstallBundle(context.Background(), "file:/"+bsn+".jar", bytesReader(jar))
	require.NoError(t, err)
	return id
}

func bundleBySymbolicName(t *testing.T, h *hostdir.Host, bsn string) installer.BundleInfo {
	t.Helper()
	bundles, err := h.Bundles(context.Background())
	require.NoError(t, err)
	for _, b := range bundles {
		if b.SymbolicName == bsn {
			return b
		}
	}
	t.Fatalf("bundle %s not installed", bsn)
	return installer.BundleInfo{}
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := hostdir.Open("", hostdir.Options{})
	assert.Error(t, err)
}

func TestHost_BundleLifecycle(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	h := openHost(t, dir)

	id := install(t, h, "org.example.api", "1.0.0")
	assert.Equal(t, installer.BundleID(1), id)
	assert.FileExists(t, filepath.Join(dir, "bundles", "1.jar"))
	assert.Equal(t, installer.BundleInstalled, bundleBySymbolicName(t, h, "org.example.api").State)

	_, err := h.InstallBundle(ctx, "file:/other.jar", bytesReader(installertest.BundleJar(t, "org.example.api", "1.1.0")))
	assert.Error(t, err, "symbolic names are unique")

	require.NoError(t, h.StartBundle(ctx, id))
	assert.Equal(t, installer.BundleActive, bundleBySymbolicName(t, h, "org.example.api").State)

	require.NoError(t, h.UpdateBundle(ctx, id, bytesReader(installertest.BundleJar(t, "org.example.api", "2.0.0"))))
	b := bundleBySymbolicName(t, h, "org.example.api")
	assert.Equal(t, "2.0.0", b.Version)
	assert.Equal(t, installer.BundleActive, b.State)

	require.NoError(t, h.UninstallBundle(ctx, id))
	assert.NoFileExists(t, filepath.Join(dir, "bundles", "1.jar"))
	bundles, err := h.Bundles(ctx)
	require.NoError(t, err)
	assert.Empty(t, bundles)

	assert.ErrorIs(t, h.UninstallBundle(ctx, id), hostdir.ErrBundleNotFound)
	assert.ErrorIs(t, h.StartBundle(ctx, id), hostdir.ErrBundleNotFound)
	assert.ErrorIs(t, h.UpdateBundle(ctx, id, bytesReader(installertest.BundleJar(t, "x", "1"))), hostdir.ErrBundleNotFound)

	next := install(t, h, "org.example.next", "1.0.0")
	assert.Equal(t, installer.BundleID(2), next, "ids are never reused")
}

func TestHost_FragmentCannotStart(t *testing.T) {
	h := openHost(t, t.TempDir())
	jar := installertest.FragmentJar(t, "org.example.frag", "1.0.0", "org.example.api")
	id, err := h.InstallBundle(context.Background(), "file:/frag.jar", bytesReader(jar))
	require.NoError(t, err)

	assert.True(t, bundleBySymbolicName(t, h, "org.example.frag").Fragment)
	assert.Error(t, h.StartBundle(context.Background(), id))
}

func TestHost_InvalidArchive(t *testing.T) {
	h := openHost(t, t.TempDir())
	_, err := h.InstallBundle(context.Background(), "file:/bad.jar", bytesReader([]byte("not a zip")))
	assert.Error(t, err)
}

func TestHost_StateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	h := openHost(t, dir)
	id := install(t, h, "org.example.api", "1.0.0")
	require.NoError(t, h.StartBundle(context.Background(), id))

	reopened := openHost(t, dir)
	b := bundleBySymbolicName(t, reopened, "org.example.api")
	assert.Equal(t, id, b.ID)
	assert.Equal(t, installer.BundleActive, b.State)
	assert.Equal(t, "file:/org.example.api.jar", b.Location)

	assert.Equal(t, installer.BundleID(2), install(t, reopened, "org.example.other", "1.0.0"))
}

func TestHost_RefreshNotifiesListeners(t *testing.T) {
	h := openHost(t, t.TempDir())
	id := install(t, h, "org.example.api", "1.0.0")
	require.NoError(t, h.StartBundle(context.Background(), id))

	done := make(chan struct{}, 1)
	var removedCalls atomic.Int32
	removeDone := h.AddRefreshListener(func() { done <- struct{}{} })
	defer removeDone()
	remove := h.AddRefreshListener(func() { removedCalls.Add(1) })
	remove()

	require.NoError(t, h.RefreshPackages(context.Background()))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh listener was not notified")
	}
	assert.Equal(t, int32(0), removedCalls.Load())
	assert.Equal(t, installer.BundleResolved, bundleBySymbolicName(t, h, "org.example.api").State)
}

func TestConfigStore(t *testing.T) {
	ctx := context.Background()
	h := openHost(t, t.TempDir())
	store, err := h.ConfigStore(ctx)
	require.NoError(t, err)

	pid := installer.ConfigPID{PID: "org.example.Service"}
	got, err := store.Get(ctx, pid)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Update(ctx, pid, installer.Dictionary{"port": "8080"}))
	got, err = store.Get(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "8080", got["port"])
	assert.Equal(t, "org.example.Service", got[installer.ServicePIDKey])

	factory := installer.ConfigPID{FactoryPID: "org.example.Factory", PID: "main"}
	require.NoError(t, store.Update(ctx, factory, installer.Dictionary{"name": "main"}))
	pids, err := store.(*hostdir.ConfigStore).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"org.example.Factory.main", "org.example.Service"}, pids)

	require.NoError(t, store.Delete(ctx, pid))
	require.NoError(t, store.Delete(ctx, pid), "deleting a missing configuration is not an error")
	got, err = store.Get(ctx, pid)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.Error(t, store.Update(ctx, installer.ConfigPID{PID: "../escape"}, installer.Dictionary{}))
}

func TestConfigStore_Disabled(t *testing.T) {
	h, err := hostdir.Open(t.TempDir(), hostdir.Options{DisableConfigStore: true})
	require.NoError(t, err)
	_, err = h.ConfigStore(context.Background())
	assert.True(t, installer.IsHostUnavailable(err))
}

func TestHost_WithInstaller(t *testing.T) {
	dir := t.TempDir()
	h := openHost(t, dir)
	inst := installertest.NewInstaller(t, h)

	require.NoError(t, inst.RegisterResources("test", []installer.InstallableResource{
		installertest.BundleResource("file:/api.jar", installertest.BundleJar(t, "org.example.api", "1.0.0")),
		installertest.BundleResource("file:/impl.jar", installertest.BundleJar(t, "org.example.impl", "1.0.0")),
		installertest.ConfigResource("file:/org.example.Service.cfg", "port", "8080"),
	}))
	installertest.RunUntilIdle(t, inst)

	assert.Equal(t, installer.BundleActive, bundleBySymbolicName(t, h, "org.example.api").State)
	assert.Equal(t, installer.BundleActive, bundleBySymbolicName(t, h, "org.example.impl").State)
	_, err := os.Stat(filepath.Join(dir, "config", "org.example.Service.yaml"))
	assert.NoError(t, err)

	require.NoError(t, inst.RegisterResources("test", nil))
	installertest.RunUntilIdle(t, inst)
	bundles, err := h.Bundles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, bundles)
	assert.NoFileExists(t, filepath.Join(dir, "config", "org.example.Service.yaml"))
}

func TestHost_StoredConfigurationIsNotRewritten(t *testing.T) {
	dir := t.TempDir()
	h := openHost(t, dir)
	inst := installertest.NewInstaller(t, h)
	dict := installer.Dictionary{"hosts": []string{"a", "b"}, "port": 8080}

	require.NoError(t, inst.RegisterResources("first", []installer.InstallableResource{
		installer.NewConfigResource("file:/first/org.example.Service.cfg", dict),
	}))
	installertest.RunUntilIdle(t, inst)
	path := filepath.Join(dir, "config", "org.example.Service.yaml")
	before, err := os.Stat(path)
	require.NoError(t, err)

	// The same data from a second source wins the entity but must not touch the store.
	require.NoError(t, inst.RegisterResources("second", []installer.InstallableResource{
		installer.NewConfigResource("file:/second/org.example.Service.cfg", dict.Clone()),
	}))
	reports := installertest.RunUntilIdle(t, inst)
	installertest.AssertTaskKinds(t, installertest.ExecutedTasks(reports), installer.TaskConfigInstall)
	skipped := 0
	for _, r := range reports {
		skipped += r.Skipped
	}
	assert.Equal(t, 1, skipped)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}
