// Package state owns the in-memory authoritative record of all tasks and
// groups, guarded by a single exclusive lock, and its snapshot
// persistence. Grounded on the teacher's pkg/storage/store.go Store
// interface shape and pkg/manager/manager.go's "owns store, exposes CRUD,
// drives invariants" role, with BoltDB persistence replaced by the
// atomic cbor+snappy snapshot model.
package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/taskqd/pkg/metrics"
	"github.com/cuemby/taskqd/pkg/types"
)

// ErrNotFound is returned when a task or group id/name is unknown.
type ErrNotFound struct {
	Kind string
	Key  string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// ErrInUse is returned when an operation is rejected because some other
// entity still refers to the target.
type ErrInUse struct {
	Kind string
	Key  string
	Why  string
}

func (e *ErrInUse) Error() string {
	return fmt.Sprintf("%s %s in use: %s", e.Kind, e.Key, e.Why)
}

// Waiter is a registered notification for the Wait request: it fires once
// the named task reaches a target status.
type Waiter struct {
	TaskID int
	Target types.StatusKind
	Done   chan struct{}
}

// Store is the process-wide authoritative state. All reads and writes go
// through Lock/Unlock or the convenience methods below, which acquire the
// lock themselves; callers composing several mutations into one unit of
// work should use Lock/Unlock directly.
type Store struct {
	mu sync.Mutex

	tasks  map[int]*types.Task
	groups map[string]*types.Group

	waiters []*Waiter

	dataDir string
}

// New creates an empty store seeded with the default group.
func New(dataDir string, defaultParallelism int) *Store {
	s := &Store{
		tasks:   make(map[int]*types.Task),
		groups:  make(map[string]*types.Group),
		dataDir: dataDir,
	}
	s.groups[types.DefaultGroupName] = &types.Group{
		Name:        types.DefaultGroupName,
		Parallelism: defaultParallelism,
		RunState:    types.GroupRunning,
	}
	return s
}

// Lock acquires the exclusive state lock. Callers must Unlock before any
// suspension point (I/O, channel receive) per the single-threaded
// cooperative-core design.
func (s *Store) Lock() { s.mu.Lock() }

// Unlock releases the exclusive state lock.
func (s *Store) Unlock() { s.mu.Unlock() }

// NextID returns the smallest non-negative integer not currently used by
// any task. Must be called with the lock held.
func (s *Store) NextID() int {
	for id := 0; ; id++ {
		if _, used := s.tasks[id]; !used {
			return id
		}
	}
}

// AddTask inserts a fully-constructed task (id already assigned by the
// caller via NextID) and validates it references an existing group and
// only existing, non-cyclic dependencies. Must be called with the lock
// held.
func (s *Store) AddTask(t *types.Task) error {
	if _, ok := s.groups[t.Group]; !ok {
		return &ErrNotFound{Kind: "group", Key: t.Group}
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return fmt.Errorf("task %d cannot depend on itself", t.ID)
		}
		if _, ok := s.tasks[dep]; !ok {
			return &ErrNotFound{Kind: "task", Key: fmt.Sprintf("%d", dep)}
		}
	}
	s.tasks[t.ID] = t
	return nil
}

// Task looks up a task by id. Must be called with the lock held.
func (s *Store) Task(id int) (*types.Task, bool) {
	t, ok := s.tasks[id]
	return t, ok
}

// Tasks returns every task, in id order. Must be called with the lock held.
func (s *Store) Tasks() []*types.Task {
	out := make([]*types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TasksInGroup returns every task belonging to group, in id order.
func (s *Store) TasksInGroup(group string) []*types.Task {
	var out []*types.Task
	for _, t := range s.Tasks() {
		if t.Group == group {
			out = append(out, t)
		}
	}
	return out
}

// RemoveTask deletes a task unconditionally. Must be called with the lock
// held; callers are responsible for checking it is safe to remove (not
// Running/Paused, not a dependency of another non-terminal task).
func (s *Store) RemoveTask(id int) {
	delete(s.tasks, id)
}

// DependentsOf returns the ids of non-terminal tasks that list id as a
// dependency.
func (s *Store) DependentsOf(id int) []int {
	var out []int
	for _, t := range s.Tasks() {
		if t.Status.Kind() == types.StatusDone {
			continue
		}
		for _, dep := range t.Dependencies {
			if dep == id {
				out = append(out, t.ID)
				break
			}
		}
	}
	return out
}

// Group looks up a group by name. Must be called with the lock held.
func (s *Store) Group(name string) (*types.Group, bool) {
	g, ok := s.groups[name]
	return g, ok
}

// Groups returns every group, sorted by name.
func (s *Store) Groups() []*types.Group {
	out := make([]*types.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddGroup creates a new named group. Must be called with the lock held.
func (s *Store) AddGroup(name string, parallelism int) error {
	if _, exists := s.groups[name]; exists {
		return fmt.Errorf("group %q already exists", name)
	}
	s.groups[name] = &types.Group{Name: name, Parallelism: parallelism, RunState: types.GroupRunning}
	return nil
}

// RemoveGroup deletes a group, refusing the default group or any group
// that still contains tasks.
func (s *Store) RemoveGroup(name string) error {
	if name == types.DefaultGroupName {
		return fmt.Errorf("cannot remove the default group")
	}
	g, ok := s.groups[name]
	if !ok {
		return &ErrNotFound{Kind: "group", Key: name}
	}
	if len(s.TasksInGroup(g.Name)) > 0 {
		return &ErrInUse{Kind: "group", Key: name, Why: "still contains tasks"}
	}
	delete(s.groups, name)
	return nil
}

// InFlightCount returns the number of tasks in group g that are
// Running/Paused and not force-started, i.e. the count that competes
// against the group's parallelism cap.
func (s *Store) InFlightCount(group string) int {
	count := 0
	for _, t := range s.TasksInGroup(group) {
		if t.ForceStarted {
			continue
		}
		switch t.Status.Kind() {
		case types.StatusRunning, types.StatusPaused:
			count++
		}
	}
	return count
}

// RegisterWaiter registers a notification to fire when taskID reaches
// target. Must be called with the lock held; the caller should then
// release the lock and block on w.Done.
func (s *Store) RegisterWaiter(taskID int, target types.StatusKind) *Waiter {
	w := &Waiter{TaskID: taskID, Target: target, Done: make(chan struct{})}
	s.waiters = append(s.waiters, w)
	return w
}

// NotifyWaiters fires and removes any waiter whose target has been
// reached by the current state of its task. Must be called with the lock
// held, after any status transition.
func (s *Store) NotifyWaiters() {
	remaining := s.waiters[:0]
	for _, w := range s.waiters {
		t, ok := s.tasks[w.TaskID]
		if !ok || t.Status.Kind() == w.Target {
			close(w.Done)
			continue
		}
		remaining = append(remaining, w)
	}
	s.waiters = remaining
}

// TaskCountsByStatus implements metrics.StatsSource.
func (s *Store) TaskCountsByStatus() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, t := range s.tasks {
		counts[string(t.Status.Kind())]++
	}
	return counts
}

// GroupCount implements metrics.StatsSource.
func (s *Store) GroupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}

// GroupParallelismUsage implements metrics.StatsSource.
func (s *Store) GroupParallelismUsage() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	usage := make(map[string]int, len(s.groups))
	for name := range s.groups {
		usage[name] = s.InFlightCount(name)
	}
	return usage
}

var _ metrics.StatsSource = (*Store)(nil)
