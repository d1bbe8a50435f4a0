package installer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// execute performs c.Task against the host. Every task kind is dispatched here.
func (i *Installer) execute(ctx context.Context, c *Context) (Result, error) {
	switch c.Task.Kind {
	case TaskConfigRemove:
		return i.removeConfig(ctx, c)
	case TaskConfigInstall:
		return i.installConfig(ctx, c)
	case TaskBundleRemove:
		return i.removeBundle(ctx, c)
	case TaskBundleUpdate:
		return i.updateBundle(ctx, c)
	case TaskBundleInstall:
		return i.installBundle(ctx, c)
	case TaskRefreshPackages:
		return i.refreshPackages(ctx, c)
	case TaskBundleStart:
		return i.startBundle(ctx, c)
	default:
		return Result{}, fmt.Errorf("unknown task kind %d", c.Task.Kind)
	}
}

// configStore returns the host's config store, or a requeue result if the
// store is not available yet.
func configStore(ctx context.Context, c *Context) (ConfigStore, *Result, error) {
	store, err := c.Host.ConfigStore(ctx)
	if err == nil && store == nil {
		err = HostUnavailable(nil)
	}
	if IsHostUnavailable(err) {
		res := RequeueNextCycle("config store unavailable")
		return nil, &res, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return store, nil, nil
}

func (i *Installer) installConfig(ctx context.Context, c *Context) (Result, error) {
	r := c.Task.Resource
	store, requeue, err := configStore(ctx, c)
	if requeue != nil || err != nil {
		return derefResult(requeue), err
	}

	pid := r.ConfigPID()
	desired := r.Dictionary()
	desired[ConfigPathKey] = r.URL()
	if pid.FactoryPID != "" {
		desired[AliasKey] = pid.PID
	}
	entry := AppliedEntry{
		EntityID: r.EntityID(),
		Type:     ResourceTypeConfig,
		URL:      r.URL(),
		Digest:   r.Digest(),
		PID:      pid,
	}

	live, err := store.Get(ctx, pid)
	if err != nil {
		return Result{}, err
	}
	if live != nil && sameConfigData(live, desired) {
		c.applied.set(entry)
		c.Log.V(1).Info("configuration unchanged, skipping update", "pid", pid.String())
		return Skip("configuration unchanged"), nil
	}
	if err := store.Update(ctx, pid, desired); err != nil {
		return Result{}, err
	}
	c.applied.set(entry)
	c.Log.Info("installed configuration", "pid", pid.String(), "url", r.URL())
	return Done(), nil
}

func (i *Installer) removeConfig(ctx context.Context, c *Context) (Result, error) {
	store, requeue, err := configStore(ctx, c)
	if requeue != nil || err != nil {
		return derefResult(requeue), err
	}
	if err := store.Delete(ctx, c.Task.PID); err != nil {
		return Result{}, err
	}
	c.applied.delete(c.Task.EntityID)
	c.Log.Info("removed configuration", "pid", c.Task.PID.String())
	return Done(), nil
}

func bundleEntry(r *RegisteredResource, id BundleID) AppliedEntry {
	return AppliedEntry{
		EntityID:     r.EntityID(),
		Type:         ResourceTypeBundle,
		URL:          r.URL(),
		Digest:       r.Digest(),
		BundleID:     id,
		SymbolicName: r.Manifest().SymbolicName,
		DataFile:     r.DataFile(),
	}
}

func (i *Installer) installBundle(ctx context.Context, c *Context) (Result, error) {
	r := c.Task.Resource
	rc, err := r.Open()
	if err != nil {
		return Result{}, fmt.Errorf("opening data file of %s: %w", r.URL(), err)
	}
	defer rc.Close()

	id, err := c.Host.InstallBundle(ctx, r.URL(), rc)
	if err != nil {
		return Result{}, err
	}
	c.applied.set(bundleEntry(r, id))
	c.Log.Info("installed bundle", "bundleId", id, "symbolicName", r.Manifest().SymbolicName, "version", r.Manifest().Version)
	if !r.Manifest().IsFragment() {
		c.AddTaskToCurrentCycle(NewBundleStartTask(id))
	}
	return Done(), nil
}

func (i *Installer) updateBundle(ctx context.Context, c *Context) (Result, error) {
	r := c.Task.Resource
	rc, err := r.Open()
	if err != nil {
		return Result{}, fmt.Errorf("opening data file of %s: %w", r.URL(), err)
	}
	defer rc.Close()

	if err := c.Host.UpdateBundle(ctx, c.Task.BundleID, rc); err != nil {
		return Result{}, err
	}
	c.applied.set(bundleEntry(r, c.Task.BundleID))
	c.Log.Info("updated bundle", "bundleId", c.Task.BundleID, "symbolicName", r.Manifest().SymbolicName, "version", r.Manifest().Version)
	if !r.Manifest().IsFragment() {
		c.AddTaskToCurrentCycle(NewBundleStartTask(c.Task.BundleID))
	}
	return Done(), nil
}

func (i *Installer) removeBundle(ctx context.Context, c *Context) (Result, error) {
	if err := c.Host.UninstallBundle(ctx, c.Task.BundleID); err != nil {
		return Result{}, err
	}
	c.applied.delete(c.Task.EntityID)
	c.Log.Info("uninstalled bundle", "bundleId", c.Task.BundleID)
	return Done(), nil
}

// refreshPackages refreshes the host and schedules a start for every bundle
// that was active before, since a refresh stops bundles it rewires.
func (i *Installer) refreshPackages(ctx context.Context, c *Context) (Result, error) {
	bundles, err := c.Host.Bundles(ctx)
	if err != nil {
		c.Log.Error(err, "listing bundles before refresh")
		bundles = nil
	}

	i.transition(PhaseWaitingRefresh)
	start := time.Now()
	err = i.refresher.refresh(ctx)
	elapsed := time.Since(start)
	i.transition(PhaseExecuting)

	switch {
	case err == nil:
		i.metrics.RecordRefresh(elapsed, false)
		c.Log.V(1).Info("package refresh completed", "duration", elapsed)
	case errors.Is(err, ErrRefreshTimeout):
		i.counters.refreshTimeouts.Add(1)
		i.metrics.RecordRefresh(elapsed, true)
		c.Log.Error(err, "package refresh not confirmed, proceeding")
	default:
		return Result{}, err
	}

	for _, b := range bundles {
		if b.State == BundleActive && !b.Fragment {
			c.AddTaskToCurrentCycle(NewBundleStartTask(b.ID))
		}
	}
	return Done(), nil
}

func (i *Installer) startBundle(ctx context.Context, c *Context) (Result, error) {
	if err := c.Host.StartBundle(ctx, c.Task.BundleID); err != nil {
		return Result{}, err
	}
	i.retries.Reset(startRetryKey(c.Task.BundleID))
	c.Log.V(1).Info("started bundle", "bundleId", c.Task.BundleID)
	return Done(), nil
}

func startRetryKey(id BundleID) string {
	return fmt.Sprintf("start/%d", id)
}

func derefResult(r *Result) Result {
	if r == nil {
		return Result{}
	}
	return *r
}
