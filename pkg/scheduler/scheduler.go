// Package scheduler runs the cooperative loop that advances task state:
// promoting delayed tasks, resolving dependencies, reaping finished
// children, starting new ones within each group's parallelism cap, and
// applying pause-on-failure policy. Grounded on the teacher's
// pkg/scheduler/scheduler.go shape: a ticker-driven run()/schedule() pair
// behind Start/Stop, rebound here from service-replica reconciliation to
// the five ordered steps of a task queue's scheduling cycle.
package scheduler

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/taskqd/pkg/log"
	"github.com/cuemby/taskqd/pkg/metrics"
	"github.com/cuemby/taskqd/pkg/process"
	"github.com/cuemby/taskqd/pkg/state"
	"github.com/cuemby/taskqd/pkg/types"
)

// Config controls the scheduler's cadence and the policies it enforces.
type Config struct {
	Interval            time.Duration
	CallbackTemplate    string
	CallbackLogLines    int
	ShellCommand        string
	PauseGroupOnFailure bool
	PauseAllOnFailure   bool
}

// Scheduler owns the cooperative loop. It never holds the state lock
// across a suspension point: every tick acquires the lock, runs to
// completion synchronously, and releases it.
type Scheduler struct {
	store  *state.Store
	proc   *process.Handler
	cfg    Config
	logger zerolog.Logger

	stopCh chan struct{}
	wakeCh chan struct{}

	slots map[string]map[int]int // group -> taskID -> assigned slot
}

// New creates a scheduler bound to store and proc.
func New(store *state.Store, proc *process.Handler, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	return &Scheduler{
		store:  store,
		proc:   proc,
		cfg:    cfg,
		logger: log.WithComponent("scheduler"),
		stopCh: make(chan struct{}),
		wakeCh: make(chan struct{}, 1),
		slots:  make(map[string]map[int]int),
	}
}

// Start begins the scheduler loop in a new goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the scheduler loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// Wake requests an out-of-band tick, used by the request dispatcher after
// a mutation that might make new work runnable (e.g. Add, Enqueue, Parallel).
// Non-blocking: a tick already pending coalesces with this one.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.wakeCh:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick performs one scheduling cycle under the state lock.
func (s *Scheduler) tick() {
	s.store.Lock()
	defer s.store.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	justFailed := make(map[string]bool)

	s.promoteStashed()
	s.resolveDependencies(justFailed)
	s.reap(justFailed)
	s.startNewTasks(justFailed)
	s.applyPauseOnFailurePolicy(justFailed)
	s.store.NotifyWaiters()
}

// promoteStashed implements step 1: any Stashed task whose enqueue_at has
// arrived becomes Queued.
func (s *Scheduler) promoteStashed() {
	now := time.Now()
	for _, t := range s.store.Tasks() {
		stashed, ok := t.Status.(types.Stashed)
		if !ok || stashed.EnqueueAt == nil {
			continue
		}
		if !stashed.EnqueueAt.After(now) {
			t.Status = types.Queued{EnqueuedAt: now}
			t.EnqueuedAt = now
		}
	}
}

// resolveDependencies implements step 2: a Queued task whose dependencies
// include a non-Success terminal task is finalized as DependencyFailed
// without ever spawning a process.
func (s *Scheduler) resolveDependencies(justFailed map[string]bool) {
	for _, t := range s.store.Tasks() {
		if t.Status.Kind() != types.StatusQueued {
			continue
		}
		if len(t.Dependencies) == 0 {
			continue
		}
		failed := false
		for _, depID := range t.Dependencies {
			dep, ok := s.store.Task(depID)
			if !ok {
				continue
			}
			done, isDone := dep.Status.(types.Done)
			if !isDone {
				continue
			}
			if !types.IsSuccess(done.Result) {
				failed = true
				break
			}
		}
		if failed {
			now := time.Now()
			t.Status = types.Done{Start: now, End: now, Result: types.DependencyFailed{}}
			justFailed[t.Group] = true
			s.fireCallback(t)
		}
	}
}

// reap implements step 3: finalize any Running task whose process handle
// has exited.
func (s *Scheduler) reap(justFailed map[string]bool) {
	for _, t := range s.store.Tasks() {
		running, ok := t.Status.(types.Running)
		if !ok {
			continue
		}
		info, exited := s.proc.Poll(t.ID)
		if !exited {
			continue
		}
		s.freeSlot(t)

		now := time.Now()
		var result types.Result
		switch {
		case info.SpawnErr != nil:
			result = types.FailedToStart{Reason: info.SpawnErr.Error()}
		case info.KilledByUs:
			result = types.Killed{}
		case info.ExitCode == 0:
			result = types.Success{}
		default:
			result = types.Failed{ExitCode: info.ExitCode}
		}
		t.ForceStarted = false
		t.Status = types.Done{Start: running.Start, End: now, Result: result}
		if !types.IsSuccess(result) {
			justFailed[t.Group] = true
		}
		s.fireCallback(t)
	}
}

// startNewTasks implements step 4: for each Running group under its
// parallelism cap, spawn the next eligible Queued task in priority/id
// order.
func (s *Scheduler) startNewTasks(justFailed map[string]bool) {
	for _, g := range s.store.Groups() {
		if g.RunState != types.GroupRunning {
			continue
		}
		for {
			if g.Parallelism > 0 && s.store.InFlightCount(g.Name) >= g.Parallelism {
				break
			}
			next := s.nextEligible(g.Name)
			if next == nil {
				break
			}
			s.spawn(next, g, justFailed)
		}
	}
}

// nextEligible picks the next Queued task in group whose dependencies are
// all Success, ordered by higher priority then lower id.
func (s *Scheduler) nextEligible(group string) *types.Task {
	var best *types.Task
	for _, t := range s.store.TasksInGroup(group) {
		if t.Status.Kind() != types.StatusQueued {
			continue
		}
		if !s.dependenciesSatisfied(t) {
			continue
		}
		if best == nil || t.Priority > best.Priority || (t.Priority == best.Priority && t.ID < best.ID) {
			best = t
		}
	}
	return best
}

func (s *Scheduler) dependenciesSatisfied(t *types.Task) bool {
	for _, depID := range t.Dependencies {
		dep, ok := s.store.Task(depID)
		if !ok {
			continue
		}
		done, isDone := dep.Status.(types.Done)
		if !isDone || !types.IsSuccess(done.Result) {
			return false
		}
	}
	return true
}

// spawn hands a Queued task to the process handler and transitions it to
// Running, assigning it a worker slot within its group's cap.
func (s *Scheduler) spawn(t *types.Task, g *types.Group, justFailed map[string]bool) {
	slot := s.assignSlot(t, g)
	pid, err := s.proc.Spawn(process.SpawnRequest{
		TaskID:     t.ID,
		Command:    t.Command,
		Path:       t.Path,
		Env:        t.Env,
		GroupName:  t.Group,
		WorkerSlot: slot,
	})
	now := time.Now()
	if err != nil {
		s.freeSlotByID(t.Group, t.ID)
		t.ForceStarted = false
		t.Status = types.Done{Start: now, End: now, Result: types.FailedToStart{Reason: err.Error()}}
		justFailed[t.Group] = true
		s.fireCallback(t)
		return
	}
	metrics.TasksStarted.Inc()
	t.Status = types.Running{Start: now}
	s.logger.Info().Int("task_id", t.ID).Int("pid", pid).Str("group", t.Group).Msg("task started")
}

// ForceStart immediately spawns t, bypassing its group's parallelism cap and
// paused run state. Used by the dispatcher for Add(immediate) and for
// Start(id) on a Queued task, per spec.md's force-start override. Must be
// called with the state lock held; t must currently be Queued.
func (s *Scheduler) ForceStart(t *types.Task) error {
	g, ok := s.store.Group(t.Group)
	if !ok {
		return fmt.Errorf("unknown group %q", t.Group)
	}
	t.ForceStarted = true
	justFailed := make(map[string]bool)
	s.spawn(t, g, justFailed)
	s.applyPauseOnFailurePolicy(justFailed)
	return nil
}

func (s *Scheduler) assignSlot(t *types.Task, g *types.Group) int {
	used, ok := s.slots[g.Name]
	if !ok {
		used = make(map[int]int)
		s.slots[g.Name] = used
	}
	taken := make(map[int]bool, len(used))
	for _, slot := range used {
		taken[slot] = true
	}
	slot := 0
	for taken[slot] {
		slot++
	}
	used[t.ID] = slot
	return slot
}

func (s *Scheduler) freeSlot(t *types.Task) {
	s.freeSlotByID(t.Group, t.ID)
}

func (s *Scheduler) freeSlotByID(group string, taskID int) {
	if used, ok := s.slots[group]; ok {
		delete(used, taskID)
	}
}

// applyPauseOnFailurePolicy implements step 5.
func (s *Scheduler) applyPauseOnFailurePolicy(justFailedGroups map[string]bool) {
	if len(justFailedGroups) == 0 {
		return
	}
	if s.cfg.PauseAllOnFailure {
		for _, g := range s.store.Groups() {
			g.RunState = types.GroupPaused
		}
		return
	}
	if s.cfg.PauseGroupOnFailure {
		for name := range justFailedGroups {
			if g, ok := s.store.Group(name); ok {
				g.RunState = types.GroupPaused
			}
		}
	}
}

func (s *Scheduler) fireCallback(t *types.Task) {
	metrics.TasksFinished.WithLabelValues(resultKind(t)).Inc()
	if s.cfg.CallbackTemplate == "" {
		return
	}
	done, ok := t.Status.(types.Done)
	if !ok {
		return
	}
	metrics.CallbacksFired.Inc()
	output, err := process.TailLines(s.proc.LogPath(t.ID), s.cfg.CallbackLogLines)
	if err != nil {
		output = ""
	}

	queued, stashed := 0, 0
	for _, other := range s.store.Tasks() {
		switch other.Status.Kind() {
		case types.StatusQueued:
			queued++
		case types.StatusStashed:
			stashed++
		}
	}

	s.proc.FireCallback(s.cfg.CallbackTemplate, s.cfg.ShellCommand, process.CallbackVars{
		ID:           t.ID,
		Command:      t.Command,
		Path:         t.Path,
		Label:        t.Label,
		Group:        t.Group,
		Result:       resultKind(t),
		ExitCode:     resultExitCode(done.Result),
		EnqueuedAt:   t.EnqueuedAt,
		Start:        done.Start,
		End:          done.End,
		Output:       output,
		QueuedCount:  queued,
		StashedCount: stashed,
	})
}

func resultKind(t *types.Task) string {
	done, ok := t.Status.(types.Done)
	if !ok {
		return ""
	}
	return string(done.Result.Kind())
}

func resultExitCode(r types.Result) int {
	if failed, ok := r.(types.Failed); ok {
		return failed.ExitCode
	}
	return 0
}
