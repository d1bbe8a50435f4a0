// Command installerd runs the resource installer against a directory-backed
// host, registering the launchpad content found in its configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/rajeshp/sling/internal/config"
	"github.com/rajeshp/sling/pkg/hostdir"
	"github.com/rajeshp/sling/pkg/installer"
	"github.com/rajeshp/sling/pkg/launchpad"
)

func main() {
	var (
		configPath string
		planOnly   bool
	)
	flag.StringVar(&configPath, "config", "", "path to the yaml configuration file")
	flag.BoolVar(&planOnly, "plan", false, "print the changes the next cycle would make and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "installerd: %v\n", err)
		os.Exit(2)
	}
	log := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, planOnly, os.Stdout); err != nil {
		log.Error(err, "installerd failed")
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) logr.Logger {
	return zap.New(
		zap.UseDevMode(cfg.Development),
		zap.Level(zapcore.Level(-cfg.Verbosity)),
	)
}

// daemon holds the wired components.
type daemon struct {
	cfg      config.Config
	log      logr.Logger
	registry *prometheus.Registry
	host     *hostdir.Host
	inst     *installer.Installer
	scanner  *launchpad.Scanner
	health   installer.HealthChecker
}

func newDaemon(cfg config.Config, log logr.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	host, err := hostdir.Open(cfg.HostDir, hostdir.Options{Log: log})
	if err != nil {
		return nil, err
	}
	d.host = host

	breaker := installer.DefaultCircuitBreakerConfig("host")
	d.inst, err = installer.New(installer.Options{
		Host:                host,
		StorageDir:          cfg.StorageDir,
		Log:                 log,
		Metrics:             installer.NewMetricsProvider(&installer.MetricsConfig{Registry: d.registry}),
		StateStore:          installer.NewFileStateStore(cfg.StateFile),
		RefreshTimeout:      cfg.Installer.RefreshTimeout.Std(),
		RefreshPollInterval: cfg.Installer.RefreshPollInterval.Std(),
		CycleInterval:       cfg.Installer.CycleInterval.Std(),
		RetryBackoff:        cfg.Installer.Backoff(),
		MaxStartAttempts:    cfg.Installer.MaxStartAttempts,
		GCGrace:             cfg.Installer.GCGrace.Std(),
		HostBreaker:         &breaker,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Launchpad.Root != "" {
		d.scanner, err = launchpad.NewScanner(launchpad.Options{
			Content:   os.DirFS(cfg.Launchpad.Root),
			Registrar: d.inst,
			Log:       log,
			Priority:  cfg.Launchpad.Priority,
		})
		if err != nil {
			return nil, err
		}
	}

	d.health = installer.NewHealthChecker(0)
	d.health.Register(checkWorker, installer.WorkerCheck(d.inst, cfg.Health.WorkerMaxSilence.Std()))
	d.health.Register(checkHost, installer.HostCheck(host))
	d.health.Register(checkCircuit, installer.BreakerCheck(d.inst.HostBreaker()))
	d.health.Register(checkPending, installer.PendingTasksCheck(d.inst, cfg.Health.MaxPendingTasks/2, cfg.Health.MaxPendingTasks))
	return d, nil
}

func run(ctx context.Context, cfg config.Config, log logr.Logger, planOnly bool, out io.Writer) error {
	d, err := newDaemon(cfg, log)
	if err != nil {
		return err
	}
	if planOnly {
		return d.plan(ctx, out)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.inst.Run(ctx)
	})
	if d.scanner != nil {
		g.Go(func() error {
			d.scanner.Watch(ctx, cfg.Launchpad.RescanInterval.Std())
			return nil
		})
	}
	if cfg.Metrics.Addr != "" {
		srv := newServer(cfg.Metrics.Addr, d.metricsHandler())
		g.Go(func() error { return serve(ctx, log.WithName("metrics"), srv) })
	}
	if cfg.Health.Addr != "" {
		srv := newServer(cfg.Health.Addr, d.probeHandler())
		g.Go(func() error { return serve(ctx, log.WithName("health"), srv) })
	}

	log.Info("installerd started", "hostDir", cfg.HostDir, "launchpad", cfg.Launchpad.Root)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("installerd stopped")
	return nil
}

// plan registers the launchpad content once and prints the next cycle's changes.
func (d *daemon) plan(ctx context.Context, out io.Writer) error {
	if d.scanner != nil {
		if err := d.scanner.Scan(ctx); err != nil {
			d.log.Error(err, "scanning launchpad content")
		}
	}
	p, err := d.inst.Plan(ctx)
	if err != nil {
		return err
	}
	for _, c := range p.Changes {
		fmt.Fprintf(out, "%-8s %s\n", c.Action, c.Description)
	}
	for _, id := range p.Forget {
		fmt.Fprintf(out, "%-8s %s\n", "forget", id)
	}
	fmt.Fprintln(out, p.Summary)
	return nil
}
