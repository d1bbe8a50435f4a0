// Package config loads the installerd configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/rajeshp/sling/pkg/installer"
)

// DefaultDataDir is used when the file does not set dataDir.
const DefaultDataDir = "/var/lib/installerd"

// Duration is a time.Duration written as a string such as "250ms" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the installerd configuration file.
type Config struct {
	// DataDir is the parent of every path left empty below.
	DataDir string `yaml:"dataDir"`

	// HostDir is the root of the directory-backed host. Default: <dataDir>/host.
	HostDir string `yaml:"hostDir"`

	// StorageDir holds bundle payload files. Default: <dataDir>/data.
	StorageDir string `yaml:"storageDir"`

	// StateFile persists applied state. Default: <dataDir>/state.yaml.
	StateFile string `yaml:"stateFile"`

	Launchpad LaunchpadConfig `yaml:"launchpad"`
	Installer InstallerConfig `yaml:"installer"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
	Log       LogConfig       `yaml:"log"`
}

// LaunchpadConfig configures the launchpad scanner.
type LaunchpadConfig struct {
	// Root is the launchpad content directory. Empty disables the scanner.
	Root string `yaml:"root"`

	// RescanInterval re-reads Root periodically. Zero scans once at startup.
	RescanInterval Duration `yaml:"rescanInterval"`

	// Priority is assigned to launchpad resources.
	Priority int `yaml:"priority"`
}

// InstallerConfig mirrors installer.Options.
type InstallerConfig struct {
	CycleInterval       Duration      `yaml:"cycleInterval"`
	RefreshTimeout      Duration      `yaml:"refreshTimeout"`
	RefreshPollInterval Duration      `yaml:"refreshPollInterval"`
	MaxStartAttempts    int           `yaml:"maxStartAttempts"`
	GCGrace             Duration      `yaml:"gcGrace"`
	RetryBackoff        BackoffConfig `yaml:"retryBackoff"`
}

// BackoffConfig mirrors installer.BackoffConfig.
type BackoffConfig struct {
	InitialInterval     Duration `yaml:"initialInterval"`
	MaxInterval         Duration `yaml:"maxInterval"`
	Multiplier          float64  `yaml:"multiplier"`
	RandomizationFactor float64  `yaml:"randomizationFactor"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of /metrics. Empty disables the endpoint.
	Addr string `yaml:"addr"`
}

// HealthConfig configures the probe endpoints.
type HealthConfig struct {
	// Addr is the listen address of /healthz and /readyz. Empty disables them.
	Addr string `yaml:"addr"`

	// WorkerMaxSilence degrades the worker check when no cycle completed
	// for this long. Zero disables the staleness check.
	WorkerMaxSilence Duration `yaml:"workerMaxSilence"`

	// MaxPendingTasks makes readiness fail when more tasks than this are deferred.
	MaxPendingTasks int `yaml:"maxPendingTasks"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Development bool `yaml:"development"`

	// Verbosity enables logr V-levels up to this value.
	Verbosity int `yaml:"verbosity"`
}

// Default returns the configuration used for keys missing from the file.
func Default() Config {
	b := installer.DefaultBackoffConfig()
	return Config{
		DataDir: DefaultDataDir,
		Installer: InstallerConfig{
			RefreshTimeout:      Duration(installer.DefaultRefreshTimeout),
			RefreshPollInterval: Duration(installer.DefaultRefreshPollInterval),
			MaxStartAttempts:    installer.DefaultMaxStartAttempts,
			GCGrace:             Duration(installer.DefaultGCGrace),
			RetryBackoff: BackoffConfig{
				InitialInterval:     Duration(b.InitialInterval),
				MaxInterval:         Duration(b.MaxInterval),
				Multiplier:          b.Multiplier,
				RandomizationFactor: b.RandomizationFactor,
			},
		},
		Metrics: MetricsConfig{Addr: ":8080"},
		Health:  HealthConfig{Addr: ":8081", MaxPendingTasks: 100},
	}
}

// Load reads the file at path over Default. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.HostDir == "" {
		c.HostDir = filepath.Join(c.DataDir, "host")
	}
	if c.StorageDir == "" {
		c.StorageDir = filepath.Join(c.DataDir, "data")
	}
	if c.StateFile == "" {
		c.StateFile = filepath.Join(c.DataDir, "state.yaml")
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	durations := []struct {
		key string
		d   Duration
	}{
		{"installer.cycleInterval", c.Installer.CycleInterval},
		{"installer.refreshTimeout", c.Installer.RefreshTimeout},
		{"installer.refreshPollInterval", c.Installer.RefreshPollInterval},
		{"installer.gcGrace", c.Installer.GCGrace},
		{"installer.retryBackoff.maxInterval", c.Installer.RetryBackoff.MaxInterval},
		{"launchpad.rescanInterval", c.Launchpad.RescanInterval},
		{"health.workerMaxSilence", c.Health.WorkerMaxSilence},
	}
	for _, e := range durations {
		if e.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", e.key))
		}
	}
	if c.Installer.MaxStartAttempts < 0 {
		errs = append(errs, errors.New("installer.maxStartAttempts must not be negative"))
	}
	if m := c.Installer.RetryBackoff.Multiplier; m != 0 && m < 1 {
		errs = append(errs, errors.New("installer.retryBackoff.multiplier must be at least 1"))
	}
	if f := c.Installer.RetryBackoff.RandomizationFactor; f < 0 || f > 1 {
		errs = append(errs, errors.New("installer.retryBackoff.randomizationFactor must be between 0 and 1"))
	}
	if c.Log.Verbosity < 0 {
		errs = append(errs, errors.New("log.verbosity must not be negative"))
	}
	if c.Health.MaxPendingTasks < 0 {
		errs = append(errs, errors.New("health.maxPendingTasks must not be negative"))
	}
	return utilerrors.NewAggregate(errs)
}

// Backoff returns the retry backoff strategy of the installer.
func (c InstallerConfig) Backoff() installer.BackoffStrategy {
	return installer.ExponentialBackoff(installer.BackoffConfig{
		InitialInterval:     c.RetryBackoff.InitialInterval.Std(),
		MaxInterval:         c.RetryBackoff.MaxInterval.Std(),
		Multiplier:          c.RetryBackoff.Multiplier,
		RandomizationFactor: c.RetryBackoff.RandomizationFactor,
	})
}
