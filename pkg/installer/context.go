package installer

import (
	"github.com/go-logr/logr"
)

// Context provides the helpers a task uses while it executes.
//
// The Context is created fresh for each task and carries a logger with the
// task already set as a key.
type Context struct {
	// Host is the runtime the task mutates.
	Host Host

	// Log is a structured logger pre-configured with the task.
	Log logr.Logger

	// Task is the task being executed.
	Task Task

	current *TaskSet
	next    *TaskSet
	applied *appliedState
}

// NewContext creates a Context for executing task. current receives tasks for
// the running cycle, next receives tasks for the following one.
func NewContext(host Host, log logr.Logger, task Task, current, next *TaskSet) *Context {
	return &Context{
		Host:    host,
		Log:     log.WithValues("task", task.String()),
		Task:    task,
		current: current,
		next:    next,
	}
}

// AddTaskToCurrentCycle schedules t to run later in the running cycle. Tasks
// sorting before the executing one still run, since the pending set is drained
// from the front.
func (c *Context) AddTaskToCurrentCycle(t Task) bool {
	if c.current == nil {
		return false
	}
	added := c.current.Add(t)
	if added {
		c.Log.V(1).Info("scheduled task in current cycle", "added", t.String())
	}
	return added
}

// AddTaskToNextCycle schedules t for the next cycle.
func (c *Context) AddTaskToNextCycle(t Task) bool {
	if c.next == nil {
		return false
	}
	added := c.next.Add(t)
	if added {
		c.Log.V(1).Info("scheduled task in next cycle", "added", t.String())
	}
	return added
}
