package installertest

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"github.com/rajeshp/sling/pkg/installer"
)

// BundleJar builds an in-memory bundle archive whose manifest carries the
// given symbolic name and version plus any extra headers.
func BundleJar(t testing.TB, symbolicName, version string, headers ...string) []byte {
	t.Helper()
	if len(headers)%2 != 0 {
		t.Fatalf("BundleJar: headers must be name/value pairs, got %d values", len(headers))
	}

	var manifest bytes.Buffer
	manifest.WriteString("Manifest-Version: 1.0\r\n")
	if symbolicName != "" {
		fmt.Fprintf(&manifest, "%s: %s\r\n", installer.HeaderBundleSymbolicName, symbolicName)
	}
	if version != "" {
		fmt.Fprintf(&manifest, "%s: %s\r\n", installer.HeaderBundleVersion, version)
	}
	for i := 0; i < len(headers); i += 2 {
		fmt.Fprintf(&manifest, "%s: %s\r\n", headers[i], headers[i+1])
	}
	manifest.WriteString("\r\n")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("META-INF/MANIFEST.MF")
	if err != nil {
		t.Fatalf("BundleJar: %v", err)
	}
	if _, err := w.Write(manifest.Bytes()); err != nil {
		t.Fatalf("BundleJar: %v", err)
	}
	w, err = zw.Create("content.txt")
	if err != nil {
		t.Fatalf("BundleJar: %v", err)
	}
	fmt.Fprintf(w, "%s %s", symbolicName, version)
	if err := zw.Close(); err != nil {
		t.Fatalf("BundleJar: %v", err)
	}
	return buf.Bytes()
}

// FragmentJar builds a bundle archive that attaches to hostSymbolicName.
func FragmentJar(t testing.TB, symbolicName, version, hostSymbolicName string) []byte {
	t.Helper()
	return BundleJar(t, symbolicName, version, installer.HeaderFragmentHost, hostSymbolicName)
}

// Digest returns the hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TrackingReader is an io.ReadCloser that counts Close calls.
type TrackingReader struct {
	io.Reader
	closes int
}

// NewTrackingReader wraps data in a TrackingReader.
func NewTrackingReader(data []byte) *TrackingReader {
	return &TrackingReader{Reader: bytes.NewReader(data)}
}

// Close implements io.Closer.
func (r *TrackingReader) Close() error {
	r.closes++
	return nil
}

// Closes returns how many times Close was called.
func (r *TrackingReader) Closes() int {
	return r.closes
}

// BundleResource describes a bundle archive at url with the default priority.
func BundleResource(url string, jar []byte) installer.InstallableResource {
	return installer.NewStreamResource(url, io.NopCloser(bytes.NewReader(jar)), Digest(jar))
}

// BundleResourceWithPriority describes a bundle archive with an explicit priority.
func BundleResourceWithPriority(url string, jar []byte, priority int) installer.InstallableResource {
	r := BundleResource(url, jar)
	r.Priority = priority
	return r
}

// ConfigResource describes a configuration dictionary at url with the default priority.
func ConfigResource(url string, kv ...any) installer.InstallableResource {
	return installer.NewConfigResource(url, Dict(kv...))
}

// ConfigFileResource describes a configuration file in properties syntax.
func ConfigFileResource(url, content string) installer.InstallableResource {
	return installer.InstallableResource{
		URL:      url,
		Stream:   io.NopCloser(bytes.NewBufferString(content)),
		Priority: installer.DefaultPriority,
	}
}

// Dict builds a Dictionary from alternating keys and values.
func Dict(kv ...any) installer.Dictionary {
	d := installer.Dictionary{}
	for i := 0; i+1 < len(kv); i += 2 {
		d[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return d
}

// InstallerOption adjusts the Options used by NewInstaller.
type InstallerOption func(*installer.Options)

// WithStateStore sets the applied state store.
func WithStateStore(s installer.StateStore) InstallerOption {
	return func(o *installer.Options) { o.StateStore = s }
}

// WithStorageDir sets the data file directory.
func WithStorageDir(dir string) InstallerOption {
	return func(o *installer.Options) { o.StorageDir = dir }
}

// WithRefreshTimeout sets the refresh wait bound.
func WithRefreshTimeout(d time.Duration) InstallerOption {
	return func(o *installer.Options) { o.RefreshTimeout = d }
}

// WithMaxStartAttempts sets how often a bundle start is tried.
func WithMaxStartAttempts(n int) InstallerOption {
	return func(o *installer.Options) { o.MaxStartAttempts = n }
}

// WithMetrics sets the metrics provider.
func WithMetrics(m installer.MetricsProvider) InstallerOption {
	return func(o *installer.Options) { o.Metrics = m }
}

// WithGCGrace sets the data file garbage collection grace period.
func WithGCGrace(d time.Duration) InstallerOption {
	return func(o *installer.Options) { o.GCGrace = d }
}

// WithHostBreaker guards the host with a circuit breaker.
func WithHostBreaker(cfg installer.CircuitBreakerConfig) InstallerOption {
	return func(o *installer.Options) { o.HostBreaker = &cfg }
}

// NewInstaller creates an Installer for host with a temporary storage
// directory, a test logger and fast refresh polling.
func NewInstaller(t testing.TB, host installer.Host, opts ...InstallerOption) *installer.Installer {
	t.Helper()
	o := installer.Options{
		Host:                host,
		StorageDir:          t.TempDir(),
		Log:                 testr.NewWithInterface(t, testr.Options{Verbosity: 1}),
		RefreshTimeout:      2 * time.Second,
		RefreshPollInterval: 5 * time.Millisecond,
		RetryBackoff:        installer.ConstantBackoff(10 * time.Millisecond),
	}
	for _, opt := range opts {
		opt(&o)
	}
	inst, err := installer.New(o)
	if err != nil {
		t.Fatalf("creating installer: %v", err)
	}
	return inst
}

// MaxCycles bounds RunUntilIdle.
const MaxCycles = 20

// RunUntilIdle runs cycles until one reports idle and returns the reports.
func RunUntilIdle(t testing.TB, inst *installer.Installer) []installer.CycleReport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var reports []installer.CycleReport
	for n := 0; n < MaxCycles; n++ {
		report, err := inst.RunCycle(ctx)
		if err != nil {
			t.Fatalf("cycle %d failed: %v", n+1, err)
		}
		reports = append(reports, report)
		if report.Idle {
			return reports
		}
	}
	t.Fatalf("installer not idle after %d cycles", MaxCycles)
	return reports
}

// RunCycle runs a single cycle and fails the test on error.
func RunCycle(t testing.TB, inst *installer.Installer) installer.CycleReport {
	t.Helper()
	report, err := inst.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	return report
}

// TaskKinds returns the kinds of tasks, in order.
func TaskKinds(tasks []installer.Task) []installer.TaskKind {
	out := make([]installer.TaskKind, len(tasks))
	for i, t := range tasks {
		out[i] = t.Kind
	}
	return out
}

// ExecutedTasks flattens the tasks of several cycle reports.
func ExecutedTasks(reports []installer.CycleReport) []installer.Task {
	var out []installer.Task
	for _, r := range reports {
		out = append(out, r.Tasks...)
	}
	return out
}

// AppliedIDs returns the entity ids of the applied state, sorted.
func AppliedIDs(inst *installer.Installer) []string {
	entries := inst.Applied()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.EntityID
	}
	sort.Strings(out)
	return out
}
