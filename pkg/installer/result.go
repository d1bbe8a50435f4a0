package installer

// Result indicates the outcome of a task execution and determines whether the
// task runs again in the next cycle.
//
// Use the constructor functions (Done, Skip, RequeueNextCycle) to create Result
// values rather than constructing them directly.
type Result struct {
	// Requeue indicates that the task should be added to the next cycle.
	Requeue bool

	// Reason describes why the task was requeued or skipped.
	Reason string
}

// Done returns a Result indicating the task completed and should not run again.
//
// Example:
//
//	if err := c.Host.StartBundle(ctx, c.Task.BundleID); err != nil {
//	    return installer.Result{}, err
//	}
//	return installer.Done(), nil
func Done() Result {
	return Result{}
}

// RequeueNextCycle returns a Result deferring the task to the next cycle.
// Use this when a host service the task needs is not present yet.
//
// Example:
//
//	store, err := c.Host.ConfigStore(ctx)
//	if installer.IsHostUnavailable(err) {
//	    return installer.RequeueNextCycle("config store unavailable"), nil
//	}
func RequeueNextCycle(reason string) Result {
	return Result{Requeue: true, Reason: reason}
}

// Skip returns a Result indicating the host already matched and the task
// completed without changing it.
func Skip(reason string) Result {
	return Result{Reason: reason}
}

// Skipped reports whether the task completed without changing the host.
func (r Result) Skipped() bool {
	return !r.Requeue && r.Reason != ""
}

// IsZero returns true if this is a zero-value Result (equivalent to Done()).
func (r Result) IsZero() bool {
	return !r.Requeue && r.Reason == ""
}
