package installer

import (
	"sort"
	"sync"
)

// TaskSet is the ordered, duplicate-free set of pending tasks.
//
// Iteration order is execution order: tasks are kept sorted by SortKey, so the
// sequence never depends on the order of insertion. Adding a task whose sort
// key is already present is a no-op; the first inserted task is retained.
//
// A TaskSet is safe for concurrent use. The lock guards insertion and removal
// only; Tasks returns a snapshot that callers may iterate freely.
type TaskSet struct {
	mu    sync.Mutex
	tasks []Task
	keys  []string
}

// NewTaskSet returns a set holding tasks.
func NewTaskSet(tasks ...Task) *TaskSet {
	s := &TaskSet{}
	for _, t := range tasks {
		s.Add(t)
	}
	return s
}

// search returns the position of key and whether it is present. Caller holds mu.
func (s *TaskSet) search(key string) (int, bool) {
	i := sort.SearchStrings(s.keys, key)
	return i, i < len(s.keys) && s.keys[i] == key
}

// Add inserts t at its sorted position. It returns false if an equal task is
// already present, in which case the set is unchanged.
func (s *TaskSet) Add(t Task) bool {
	key := t.SortKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	i, found := s.search(key)
	if found {
		return false
	}
	s.keys = append(s.keys, "")
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = key

	s.tasks = append(s.tasks, Task{})
	copy(s.tasks[i+1:], s.tasks[i:])
	s.tasks[i] = t
	return true
}

// Remove deletes the task equal to t. It returns false if none was present.
func (s *TaskSet) Remove(t Task) bool {
	key := t.SortKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	i, found := s.search(key)
	if !found {
		return false
	}
	s.removeAt(i)
	return true
}

func (s *TaskSet) removeAt(i int) {
	s.keys = append(s.keys[:i], s.keys[i+1:]...)
	copy(s.tasks[i:], s.tasks[i+1:])
	s.tasks[len(s.tasks)-1] = Task{}
	s.tasks = s.tasks[:len(s.tasks)-1]
}

// Contains reports whether a task equal to t is present.
func (s *TaskSet) Contains(t Task) bool {
	key := t.SortKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, found := s.search(key)
	return found
}

// First returns the task that executes next.
func (s *TaskSet) First() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) == 0 {
		return Task{}, false
	}
	return s.tasks[0], true
}

// PopFirst removes and returns the task that executes next.
func (s *TaskSet) PopFirst() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tasks) == 0 {
		return Task{}, false
	}
	t := s.tasks[0]
	s.removeAt(0)
	return t, true
}

// Tasks returns a snapshot of the pending tasks in execution order.
func (s *TaskSet) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Len returns the number of pending tasks.
func (s *TaskSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Clear removes all tasks.
func (s *TaskSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = nil
	s.keys = nil
}

// Merge adds every task of other and returns how many were new.
func (s *TaskSet) Merge(other *TaskSet) int {
	if other == nil || other == s {
		return 0
	}
	added := 0
	for _, t := range other.Tasks() {
		if s.Add(t) {
			added++
		}
	}
	return added
}
