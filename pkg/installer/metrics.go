package installer

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TaskOutcome represents the outcome of a task execution.
type TaskOutcome string

const (
	// OutcomeSuccess indicates the task mutated the host.
	OutcomeSuccess TaskOutcome = "success"

	// OutcomeSkipped indicates the host already matched and nothing was changed.
	OutcomeSkipped TaskOutcome = "skipped"

	// OutcomeDeferred indicates the task was requeued into the next cycle.
	OutcomeDeferred TaskOutcome = "deferred"

	// OutcomeFailed indicates the task failed and was dropped.
	OutcomeFailed TaskOutcome = "failed"
)

// MetricsProvider records installer metrics.
type MetricsProvider interface {
	// RecordTask records the outcome and duration of a task execution.
	RecordTask(kind TaskKind, outcome TaskOutcome, duration time.Duration)

	// RecordCycle records a completed cycle.
	RecordCycle(duration time.Duration, idle bool)

	// RecordIdleTransition records the installer becoming quiescent.
	RecordIdleTransition()

	// RecordRefresh records a package refresh and whether it timed out.
	RecordRefresh(duration time.Duration, timedOut bool)

	// RecordRegistration records resources accepted and rejected by a registration call.
	RecordRegistration(accepted, rejected int)

	// SetPendingTasks sets the number of tasks waiting for the next cycle.
	SetPendingTasks(count int)

	// SetRegisteredResources sets the number of registered resources.
	SetRegisteredResources(count int)

	// SetPhase marks phase as the current cycle phase.
	SetPhase(phase string)

	// Registry returns the underlying Prometheus registry.
	Registry() prometheus.Registerer
}

// MetricsConfig configures the metrics provider.
type MetricsConfig struct {
	// Namespace is the Prometheus namespace for all metrics.
	// Default: "sling"
	Namespace string

	// Subsystem is the Prometheus subsystem for all metrics.
	// Default: "installer"
	Subsystem string

	// DurationBuckets are the histogram buckets for task and cycle durations.
	DurationBuckets []float64

	// Registry is the Prometheus registry to use.
	// Default: a new private registry.
	Registry prometheus.Registerer
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Namespace: "sling",
		Subsystem: "installer",
		DurationBuckets: []float64{
			0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
		},
		Registry: prometheus.NewRegistry(),
	}
}

type metricsProvider struct {
	config *MetricsConfig

	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	cyclesTotal     *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	idleTransitions prometheus.Counter
	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	registrations   *prometheus.CounterVec
	pendingTasks    prometheus.Gauge
	registeredGauge prometheus.Gauge
	phase           *prometheus.GaugeVec
}

// NewMetricsProvider creates a MetricsProvider registering its collectors with
// config.Registry.
func NewMetricsProvider(config *MetricsConfig) MetricsProvider {
	defaults := DefaultMetricsConfig()
	if config == nil {
		config = defaults
	}
	if config.Namespace == "" {
		config.Namespace = defaults.Namespace
	}
	if config.Subsystem == "" {
		config.Subsystem = defaults.Subsystem
	}
	if len(config.DurationBuckets) == 0 {
		config.DurationBuckets = defaults.DurationBuckets
	}
	if config.Registry == nil {
		config.Registry = defaults.Registry
	}

	mp := &metricsProvider{config: config}
	mp.init()
	return mp
}

func (mp *metricsProvider) init() {
	ns, sub := mp.config.Namespace, mp.config.Subsystem

	mp.tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "tasks_total",
			Help:      "Total number of executed tasks by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	mp.taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "task_duration_seconds",
			Help:      "Duration of task executions in seconds",
			Buckets:   mp.config.DurationBuckets,
		},
		[]string{"kind"},
	)
	mp.cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "cycles_total",
			Help:      "Total number of completed installer cycles",
		},
		[]string{"idle"},
	)
	mp.cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of installer cycles in seconds",
			Buckets:   mp.config.DurationBuckets,
		},
	)
	mp.idleTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "idle_transitions_total",
			Help:      "Total number of times the installer became quiescent",
		},
	)
	mp.refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "refresh_total",
			Help:      "Total number of package refreshes by result",
		},
		[]string{"result"},
	)
	mp.refreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "refresh_duration_seconds",
			Help:      "Time spent waiting for package refreshes in seconds",
			Buckets:   mp.config.DurationBuckets,
		},
	)
	mp.registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "registered_resources_total",
			Help:      "Total number of resource descriptors received by result",
		},
		[]string{"result"},
	)
	mp.pendingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "pending_tasks",
			Help:      "Number of tasks waiting for the next cycle",
		},
	)
	mp.registeredGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "registered_resources",
			Help:      "Number of currently registered resources",
		},
	)
	mp.phase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "phase",
			Help:      "Current cycle phase, 1 for the active phase and 0 for the others",
		},
		[]string{"phase"},
	)

	mp.config.Registry.MustRegister(
		mp.tasksTotal,
		mp.taskDuration,
		mp.cyclesTotal,
		mp.cycleDuration,
		mp.idleTransitions,
		mp.refreshTotal,
		mp.refreshDuration,
		mp.registrations,
		mp.pendingTasks,
		mp.registeredGauge,
		mp.phase,
	)
}

func (mp *metricsProvider) RecordTask(kind TaskKind, outcome TaskOutcome, duration time.Duration) {
	mp.tasksTotal.WithLabelValues(kind.String(), string(outcome)).Inc()
	mp.taskDuration.WithLabelValues(kind.String()).Observe(duration.Seconds())
}

func (mp *metricsProvider) RecordCycle(duration time.Duration, idle bool) {
	mp.cyclesTotal.WithLabelValues(boolToString(idle)).Inc()
	mp.cycleDuration.Observe(duration.Seconds())
}

func (mp *metricsProvider) RecordIdleTransition() {
	mp.idleTransitions.Inc()
}

func (mp *metricsProvider) RecordRefresh(duration time.Duration, timedOut bool) {
	result := "completed"
	if timedOut {
		result = "timeout"
	}
	mp.refreshTotal.WithLabelValues(result).Inc()
	mp.refreshDuration.Observe(duration.Seconds())
}

func (mp *metricsProvider) RecordRegistration(accepted, rejected int) {
	mp.registrations.WithLabelValues("accepted").Add(float64(accepted))
	mp.registrations.WithLabelValues("rejected").Add(float64(rejected))
}

func (mp *metricsProvider) SetPendingTasks(count int) {
	mp.pendingTasks.Set(float64(count))
}

func (mp *metricsProvider) SetRegisteredResources(count int) {
	mp.registeredGauge.Set(float64(count))
}

func (mp *metricsProvider) SetPhase(phase string) {
	for _, p := range cyclePhases {
		mp.phase.WithLabelValues(p).Set(0)
	}
	mp.phase.WithLabelValues(phase).Set(1)
}

func (mp *metricsProvider) Registry() prometheus.Registerer {
	return mp.config.Registry
}

// NoopMetricsProvider is a MetricsProvider that does nothing.
type NoopMetricsProvider struct{}

// NewNoopMetricsProvider creates a new no-op metrics provider.
func NewNoopMetricsProvider() MetricsProvider {
	return &NoopMetricsProvider{}
}

func (n *NoopMetricsProvider) RecordTask(TaskKind, TaskOutcome, time.Duration) {}
func (n *NoopMetricsProvider) RecordCycle(time.Duration, bool)                 {}
func (n *NoopMetricsProvider) RecordIdleTransition()                           {}
func (n *NoopMetricsProvider) RecordRefresh(time.Duration, bool)               {}
func (n *NoopMetricsProvider) RecordRegistration(int, int)                     {}
func (n *NoopMetricsProvider) SetPendingTasks(int)                             {}
func (n *NoopMetricsProvider) SetRegisteredResources(int)                      {}
func (n *NoopMetricsProvider) SetPhase(string)                                 {}

func (n *NoopMetricsProvider) Registry() prometheus.Registerer {
	return prometheus.NewRegistry()
}

func boolToString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Counters is a snapshot of the installer's monotonically increasing counters.
type Counters struct {
	TasksExecuted   uint64
	TasksFailed     uint64
	TasksDeferred   uint64
	CyclesCompleted uint64
	IdleTransitions uint64
	RefreshTimeouts uint64
}

type counters struct {
	tasksExecuted   atomic.Uint64
	tasksFailed     atomic.Uint64
	tasksDeferred   atomic.Uint64
	cyclesCompleted atomic.Uint64
	idleTransitions atomic.Uint64
	refreshTimeouts atomic.Uint64
}

func (c *counters) snapshot() Counters {
	return Counters{
		TasksExecuted:   c.tasksExecuted.Load(),
		TasksFailed:     c.tasksFailed.Load(),
		TasksDeferred:   c.tasksDeferred.Load(),
		CyclesCompleted: c.cyclesCompleted.Load(),
		IdleTransitions: c.idleTransitions.Load(),
		RefreshTimeouts: c.refreshTimeouts.Load(),
	}
}
