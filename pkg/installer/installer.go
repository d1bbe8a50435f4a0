package installer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// Defaults for Options.
const (
	DefaultMaxStartAttempts = 5
	DefaultGCGrace          = 10 * time.Minute
	DefaultHistorySize      = 64
)

// cycleRetryKey tracks consecutive cycles that made no progress.
const cycleRetryKey = "cycle"

// Options configures an Installer.
type Options struct {
	// Host is the runtime the installer mutates. Required.
	Host Host

	// StorageDir holds bundle payload files. Required.
	StorageDir string

	// Log is the base logger. Defaults to a discarding logger.
	Log logr.Logger

	// Metrics records Prometheus metrics. Defaults to a provider with a private registry.
	Metrics MetricsProvider

	// StateStore persists applied state. Defaults to memory only.
	StateStore StateStore

	// RefreshTimeout bounds the wait for a package refresh notification.
	RefreshTimeout time.Duration

	// RefreshPollInterval is how often the refresh wait checks for completion.
	RefreshPollInterval time.Duration

	// CycleInterval is the period of cycles run by Run while idle. Zero means
	// Run only cycles when resources change or deferred work is pending.
	CycleInterval time.Duration

	// RetryBackoff is the delay between cycles that only deferred or failed tasks.
	RetryBackoff BackoffStrategy

	// MaxStartAttempts bounds how often a bundle start is tried before it is dropped.
	MaxStartAttempts int

	// GCGrace keeps unreferenced payload files younger than this.
	GCGrace time.Duration

	// HistorySize is the number of phase transitions kept for PhaseHistory.
	HistorySize int

	// HostBreaker, if set, guards bundle operations on the host with a
	// circuit breaker. While the circuit is open those tasks are deferred.
	HostBreaker *CircuitBreakerConfig
}

// DefaultOptions returns Options with every default filled in except Host and StorageDir.
func DefaultOptions() Options {
	return Options{
		Log:                 logr.Discard(),
		RefreshTimeout:      DefaultRefreshTimeout,
		RefreshPollInterval: DefaultRefreshPollInterval,
		RetryBackoff:        ExponentialBackoff(DefaultBackoffConfig()),
		MaxStartAttempts:    DefaultMaxStartAttempts,
		GCGrace:             DefaultGCGrace,
		HistorySize:         DefaultHistorySize,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Log.GetSink() == nil {
		o.Log = d.Log
	}
	if o.Metrics == nil {
		o.Metrics = NewMetricsProvider(nil)
	}
	if o.StateStore == nil {
		o.StateStore = NewMemoryStateStore()
	}
	if o.RefreshTimeout <= 0 {
		o.RefreshTimeout = d.RefreshTimeout
	}
	if o.RefreshPollInterval <= 0 {
		o.RefreshPollInterval = d.RefreshPollInterval
	}
	if o.RetryBackoff == nil {
		o.RetryBackoff = d.RetryBackoff
	}
	if o.MaxStartAttempts <= 0 {
		o.MaxStartAttempts = d.MaxStartAttempts
	}
	if o.GCGrace < 0 {
		o.GCGrace = 0
	}
	if o.HistorySize <= 0 {
		o.HistorySize = d.HistorySize
	}
}

// CycleReport summarizes one installer cycle.
type CycleReport struct {
	// Cycle is the sequence number of the cycle, starting at 1.
	Cycle uint64

	// Tasks lists the executed tasks in execution order.
	Tasks []Task

	// Executed counts tasks that completed, including skipped ones.
	Executed int

	// Skipped counts tasks that found the host already matching.
	Skipped int

	// Deferred counts tasks requeued into the next cycle.
	Deferred int

	// Failed counts tasks that failed and were dropped.
	Failed int

	// Idle is true if the cycle found nothing to do.
	Idle bool

	// Paused is true if the installer was paused before or during the cycle.
	Paused bool

	// Duration is how long the cycle took.
	Duration time.Duration
}

// Installer reconciles registered resources against the host.
//
// Registration methods may be called from any goroutine. Cycles run one at a
// time, either driven by Run or called directly with RunCycle.
type Installer struct {
	opts      Options
	log       logr.Logger
	host      Host
	breaker   *CircuitBreaker
	store     *DataStore
	metrics   MetricsProvider
	refresher *refreshCoordinator
	retries   BackoffTracker

	table    *resourceTable
	applied  *appliedState
	deferred *TaskSet

	sm      *PhaseStateMachine
	phase   phaseHolder
	history *StateHistory

	counters counters
	cycle    atomic.Uint64
	lastRun  atomic.Int64
	running  atomic.Bool

	cycleMu sync.Mutex
	loaded  bool

	// gcMu is read-held by registrations from payload storage until table
	// insertion; garbage collection needs it exclusively.
	gcMu sync.RWMutex

	wake  chan struct{}
	idle  *idleSignal
	pause pauseHolder
}

// New creates an Installer.
func New(opts Options) (*Installer, error) {
	if opts.Host == nil {
		return nil, errors.New("installer: host is required")
	}
	store, err := NewDataStore(opts.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("installer: %w", err)
	}
	opts.applyDefaults()
	log := opts.Log.WithName("installer")

	host := opts.Host
	var breaker *CircuitBreaker
	if opts.HostBreaker != nil {
		cfg := *opts.HostBreaker
		if cfg.Name == "" {
			cfg.Name = "host"
		}
		notify := cfg.OnStateChange
		cfg.OnStateChange = func(name string, from, to CircuitState) {
			log.Info("host circuit changed state", "breaker", name, "from", from.String(), "to", to.String())
			if notify != nil {
				notify(name, from, to)
			}
		}
		breaker = NewCircuitBreaker(cfg)
		host = GuardHost(host, breaker)
	}

	i := &Installer{
		opts:    opts,
		log:     log,
		host:    host,
		breaker: breaker,
		store:   store,
		metrics: opts.Metrics,
		refresher: &refreshCoordinator{
			host:     host,
			timeout:  opts.RefreshTimeout,
			interval: opts.RefreshPollInterval,
		},
		retries:  NewBackoffTracker(opts.RetryBackoff),
		table:    newResourceTable(),
		applied:  newAppliedState(),
		deferred: NewTaskSet(),
		history:  NewStateHistory(opts.HistorySize),
		wake:     make(chan struct{}, 1),
		idle:     newIdleSignal(),
	}
	i.sm = CycleStateMachine().OnChange(func(from, to string) {
		i.history.Record(from, to, i.cycle.Load())
		i.metrics.SetPhase(to)
	})
	i.phase.SetPhase(PhaseIdle)
	i.metrics.SetPhase(PhaseIdle)
	return i, nil
}

// HostBreaker returns the circuit breaker guarding the host, or nil if
// Options.HostBreaker was not set.
func (i *Installer) HostBreaker() *CircuitBreaker {
	return i.breaker
}

// DataStore returns the store holding bundle payloads.
func (i *Installer) DataStore() *DataStore {
	return i.store
}

// RegisterResources makes resources the complete set registered by owner,
// dropping any of owner's resources not listed. Invalid descriptors are
// rejected and reported in the returned aggregate error; the valid ones are
// registered regardless.
func (i *Installer) RegisterResources(owner string, resources []InstallableResource) error {
	i.gcMu.RLock()
	accepted, err := i.build(resources)
	changed := i.table.replace(owner, accepted)
	i.gcMu.RUnlock()
	i.afterRegistration(owner, changed)
	return err
}

// UpdateResources adds resources to owner's set, replacing entries with the
// same url. Re-registering an unchanged resource has no effect.
func (i *Installer) UpdateResources(owner string, resources []InstallableResource) error {
	i.gcMu.RLock()
	accepted, err := i.build(resources)
	changed := i.table.upsert(owner, accepted)
	i.gcMu.RUnlock()
	i.afterRegistration(owner, changed)
	return err
}

// UnregisterResources removes owner's resources at urls.
func (i *Installer) UnregisterResources(owner string, urls []string) {
	changed := i.table.remove(owner, urls)
	i.afterRegistration(owner, changed)
}

// build materializes every descriptor. Stream payloads are consumed and closed
// whether or not the descriptor is valid.
func (i *Installer) build(resources []InstallableResource) ([]*RegisteredResource, error) {
	accepted := make([]*RegisteredResource, 0, len(resources))
	var errs []error
	for _, in := range resources {
		r, err := NewRegisteredResource(i.store, in)
		if err != nil {
			i.log.Error(err, "rejecting resource", "url", in.URL)
			errs = append(errs, err)
			continue
		}
		accepted = append(accepted, r)
	}
	i.metrics.RecordRegistration(len(accepted), len(errs))
	return accepted, utilerrors.NewAggregate(errs)
}

func (i *Installer) afterRegistration(owner string, changed bool) {
	i.metrics.SetRegisteredResources(i.table.len())
	if !changed {
		return
	}
	i.log.V(1).Info("registered resources changed", "owner", owner)
	i.idle.markBusy()
	i.Wake()
}

// Wake asks a running worker to start a cycle without waiting for its timer.
func (i *Installer) Wake() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// Resources returns the resources registered by owner, sorted by url.
func (i *Installer) Resources(owner string) []*RegisteredResource {
	return i.table.owned(owner)
}

// Candidates returns every resource registered for entityID, the selected one first.
func (i *Installer) Candidates(entityID string) []*RegisteredResource {
	return i.table.candidates(entityID)
}

// Applied returns the applied state, sorted by entity id.
func (i *Installer) Applied() []AppliedEntry {
	return i.applied.snapshot()
}

// PendingTasks returns the tasks waiting for the next cycle, in execution order.
func (i *Installer) PendingTasks() []Task {
	return i.deferred.Tasks()
}

// Counters returns a snapshot of the installer counters.
func (i *Installer) Counters() Counters {
	return i.counters.snapshot()
}

// Phase returns the current cycle phase.
func (i *Installer) Phase() string {
	return i.phase.GetPhase()
}

// PhaseHistory returns recent phase transitions, oldest first.
func (i *Installer) PhaseHistory() []StateHistoryEntry {
	return i.history.Entries()
}

// Running reports whether Run is active.
func (i *Installer) Running() bool {
	return i.running.Load()
}

// LastCycle returns when the last cycle completed, zero if none has.
func (i *Installer) LastCycle() time.Time {
	n := i.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// WaitForIdle blocks until a cycle finds nothing to do after the most recent
// registration change, or ctx ends.
func (i *Installer) WaitForIdle(ctx context.Context) error {
	select {
	case <-i.idle.wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Installer) transition(to string) {
	if err := i.sm.Transition(&i.phase, to); err != nil {
		i.log.Error(err, "invalid phase transition")
	}
}

// loadState reads persisted applied state once. Caller holds cycleMu.
func (i *Installer) loadState(ctx context.Context) error {
	if i.loaded {
		return nil
	}
	entries, err := i.opts.StateStore.Load(ctx)
	if err != nil {
		return err
	}
	i.applied.replace(entries)
	i.loaded = true
	if len(entries) > 0 {
		i.log.Info("loaded applied state", "entries", len(entries))
	}
	return nil
}

func (i *Installer) saveState(ctx context.Context) {
	if !i.applied.takeDirty() {
		return
	}
	if err := i.opts.StateStore.Save(ctx, i.applied.snapshot()); err != nil {
		i.applied.markDirty()
		i.log.Error(err, "saving applied state")
	}
}

// hostBundles lists the host's bundles, or nil if the host cannot be listed.
func (i *Installer) hostBundles(ctx context.Context) []BundleInfo {
	bundles, err := i.host.Bundles(ctx)
	if err != nil {
		i.log.Error(err, "listing host bundles")
		return nil
	}
	if bundles == nil {
		bundles = []BundleInfo{}
	}
	return bundles
}

// carriedOver reports whether a task deferred by the previous cycle is kept.
// Install, update and remove tasks are derived again by the diff whenever
// they are still needed.
func carriedOver(t Task) bool {
	return t.Kind == TaskRefreshPackages || t.Kind == TaskBundleStart
}

// RunCycle runs one complete cycle: diff, then execute every pending task in
// order. It returns early with the context error if ctx ends; tasks not yet
// executed are kept for the next cycle.
func (i *Installer) RunCycle(ctx context.Context) (CycleReport, error) {
	i.cycleMu.Lock()
	defer i.cycleMu.Unlock()

	if err := i.loadState(ctx); err != nil {
		return CycleReport{}, fmt.Errorf("loading applied state: %w", err)
	}
	if i.pause.current(time.Now()).Paused {
		return CycleReport{Paused: true}, nil
	}

	start := time.Now()
	report := CycleReport{Cycle: i.cycle.Add(1)}
	log := i.log.WithValues("cycle", report.Cycle)
	generation := i.idle.generation()

	i.transition(PhaseDiffing)
	d := diff(i.table.selected(), i.applied.snapshot(), i.hostBundles(ctx))
	for _, id := range d.Forget {
		log.Info("bundle vanished from host, forgetting it", "entity", id)
		i.applied.delete(id)
	}
	pending := NewTaskSet(d.Tasks...)
	for _, t := range i.deferred.Tasks() {
		if carriedOver(t) {
			pending.Add(t)
		}
	}
	i.deferred.Clear()

	if pending.Len() == 0 {
		i.transition(PhaseIdle)
		report.Idle = true
		i.finishCycle(ctx, &report, start)
		if i.idle.markIdle(generation) {
			i.counters.idleTransitions.Add(1)
			i.metrics.RecordIdleTransition()
			log.Info("installer idle")
		}
		i.collectGarbage()
		return report, nil
	}

	log.V(1).Info("executing tasks", "count", pending.Len())
	i.transition(PhaseExecuting)
	refreshed := false
	for {
		if err := ctx.Err(); err != nil {
			i.deferred.Merge(pending)
			i.transition(PhaseIdle)
			i.finishCycle(ctx, &report, start)
			return report, err
		}
		if i.pause.current(time.Now()).Paused {
			log.Info("installer paused, stopping cycle", "remaining", pending.Len())
			i.deferred.Merge(pending)
			report.Paused = true
			break
		}
		task, ok := pending.PopFirst()
		if !ok {
			break
		}
		report.Tasks = append(report.Tasks, task)
		outcome := i.runTask(ctx, log, task, pending, i.deferred)
		switch outcome {
		case OutcomeSuccess:
			report.Executed++
		case OutcomeSkipped:
			report.Executed++
			report.Skipped++
		case OutcomeDeferred:
			report.Deferred++
		case OutcomeFailed:
			report.Failed++
		}
		if task.Kind == TaskRefreshPackages {
			refreshed = true
		}
		if outcome == OutcomeSuccess && task.mutatesBundles() && !refreshed {
			pending.Add(NewRefreshTask())
		}
	}

	i.transition(PhaseIdle)
	i.finishCycle(ctx, &report, start)
	log.Info("cycle completed",
		"executed", report.Executed, "skipped", report.Skipped,
		"deferred", report.Deferred, "failed", report.Failed,
		"duration", report.Duration)
	return report, nil
}

func (i *Installer) finishCycle(ctx context.Context, report *CycleReport, start time.Time) {
	report.Duration = time.Since(start)
	i.counters.cyclesCompleted.Add(1)
	i.lastRun.Store(time.Now().UnixNano())
	i.metrics.RecordCycle(report.Duration, report.Idle)
	i.metrics.SetPendingTasks(i.deferred.Len())
	i.saveState(context.WithoutCancel(ctx))
}

// runTask executes task and applies its outcome to the task sets and counters.
func (i *Installer) runTask(ctx context.Context, log logr.Logger, task Task, current, next *TaskSet) TaskOutcome {
	c := NewContext(i.host, log, task, current, next)
	c.applied = i.applied

	start := time.Now()
	res, err := i.execute(ctx, c)
	elapsed := time.Since(start)

	var outcome TaskOutcome
	switch {
	case err == nil && res.Requeue:
		outcome = OutcomeDeferred
		c.Log.Info("task deferred to next cycle", "reason", res.Reason)
	case err == nil && res.Skipped():
		outcome = OutcomeSkipped
	case err == nil:
		outcome = OutcomeSuccess
	case IsHostUnavailable(err):
		outcome = OutcomeDeferred
		c.Log.Info("host service unavailable, task deferred to next cycle", "reason", err.Error())
	case ctx.Err() != nil:
		outcome = OutcomeDeferred
		c.Log.V(1).Info("task interrupted", "reason", err.Error())
	case task.Kind == TaskBundleStart:
		key := startRetryKey(task.BundleID)
		attempts := i.retries.RecordFailure(key)
		if attempts < i.opts.MaxStartAttempts {
			outcome = OutcomeDeferred
			c.Log.Error(err, "starting bundle failed, retrying next cycle", "attempt", attempts)
		} else {
			outcome = OutcomeFailed
			i.retries.Reset(key)
			c.Log.Error(TaskExecutionFailure(task, err), "giving up starting bundle", "attempts", attempts)
		}
	default:
		outcome = OutcomeFailed
		c.Log.Error(TaskExecutionFailure(task, err), "task failed")
	}

	switch outcome {
	case OutcomeSuccess, OutcomeSkipped:
		i.counters.tasksExecuted.Add(1)
	case OutcomeDeferred:
		next.Add(task)
		i.counters.tasksDeferred.Add(1)
	case OutcomeFailed:
		i.counters.tasksFailed.Add(1)
	}
	i.metrics.RecordTask(task.Kind, outcome, elapsed)
	return outcome
}

// collectGarbage removes payload files no registered or applied bundle uses.
// It is skipped while a registration is in progress; the next idle cycle
// collects instead.
func (i *Installer) collectGarbage() {
	if !i.gcMu.TryLock() {
		i.log.V(1).Info("registration in progress, skipping garbage collection")
		return
	}
	defer i.gcMu.Unlock()
	keep := i.table.bundleDigests()
	keep.Insert(i.applied.bundleDigests()...)
	removed, err := i.store.Prune(keep, i.opts.GCGrace)
	if err != nil {
		i.log.Error(err, "collecting unused data files")
	}
	if len(removed) > 0 {
		i.log.V(1).Info("removed unused data files", "count", len(removed))
	}
}

// Run executes cycles until ctx ends. After a cycle that made progress the
// next one starts immediately; after a cycle that only deferred or failed
// tasks, Run waits for the retry backoff; when idle it waits for a
// registration change or CycleInterval. While paused it waits for Resume or
// the pause's resume time.
func (i *Installer) Run(ctx context.Context) error {
	i.running.Store(true)
	defer i.running.Store(false)

	i.log.Info("starting installer worker")
	for {
		report, err := i.RunCycle(ctx)
		if ctx.Err() != nil {
			i.log.Info("stopping installer worker")
			return nil
		}

		var delay time.Duration
		switch {
		case report.Paused:
			delay = i.PauseState().TimeUntilResume(time.Now())
			i.log.V(1).Info("installer paused, waiting", "resumeIn", delay)
		case err != nil:
			i.retries.RecordFailure(cycleRetryKey)
			delay = i.retries.GetBackoff(cycleRetryKey)
			i.log.Error(err, "installer cycle failed", "retryAfter", delay)
		case report.Idle:
			i.retries.Reset(cycleRetryKey)
			delay = i.opts.CycleInterval
			if delay == 0 {
				delay = -1
			}
		case report.Executed > 0:
			i.retries.Reset(cycleRetryKey)
			continue
		default:
			i.retries.RecordFailure(cycleRetryKey)
			delay = i.retries.GetBackoff(cycleRetryKey)
			i.log.V(1).Info("no progress in cycle, backing off", "retryAfter", delay)
		}

		if !i.sleep(ctx, delay) {
			i.log.Info("stopping installer worker")
			return nil
		}
	}
}

// sleep waits for d, a wake-up or the end of ctx. A negative d waits for a
// wake-up only. It returns false if ctx ended.
func (i *Installer) sleep(ctx context.Context, d time.Duration) bool {
	var timer <-chan time.Time
	if d >= 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-i.wake:
		return true
	case <-timer:
		return true
	}
}

// idleSignal is closed when a cycle finds nothing to do and reopened by the
// next registration change.
type idleSignal struct {
	mu   sync.Mutex
	ch   chan struct{}
	gen  uint64
	idle bool
}

func newIdleSignal() *idleSignal {
	return &idleSignal{ch: make(chan struct{})}
}

func (s *idleSignal) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *idleSignal) markBusy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.idle {
		s.ch = make(chan struct{})
		s.idle = false
	}
}

// markIdle closes the signal unless a registration changed since gen. It
// reports whether the installer just became idle.
func (s *idleSignal) markIdle(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle || gen != s.gen {
		return false
	}
	close(s.ch)
	s.idle = true
	return true
}

func (s *idleSignal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
