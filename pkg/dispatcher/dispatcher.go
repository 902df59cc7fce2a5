// Package dispatcher turns a decoded protocol.Request into state mutations
// and a protocol.Response, one request per connection. Grounded on the
// teacher's pkg/api/server.go per-RPC-method shape (validate at the
// boundary, convert wire<->internal, call into the owning component,
// convert back) with one switch branch per request Kind standing in for
// one gRPC method per proto service, and its doc.go's "all RPC methods are
// instrumented" convention carried over to RequestsTotal/RequestDuration.
package dispatcher

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cuemby/taskqd/pkg/log"
	"github.com/cuemby/taskqd/pkg/process"
	"github.com/cuemby/taskqd/pkg/protocol"
	"github.com/cuemby/taskqd/pkg/scheduler"
	"github.com/cuemby/taskqd/pkg/state"
	"github.com/cuemby/taskqd/pkg/types"
)

// ShutdownSignal is delivered on Dispatcher.ShutdownCh when a client sends a
// Shutdown request. main acts on it: it stops the scheduler and listener,
// saves the state and exits (with a non-zero code when Graceful is false).
// Running tasks are neither waited for nor killed in either mode. The
// dispatcher only records the request and responds.
type ShutdownSignal struct {
	Graceful bool
}

// Dispatcher owns the single switch over request kinds. It never keeps
// state of its own; everything it touches lives in the store, the process
// handler or the scheduler.
type Dispatcher struct {
	store  *state.Store
	proc   *process.Handler
	sched  *scheduler.Scheduler
	logger zerolog.Logger

	ShutdownCh chan ShutdownSignal
}

// New creates a dispatcher bound to the daemon's core components.
func New(store *state.Store, proc *process.Handler, sched *scheduler.Scheduler) *Dispatcher {
	return &Dispatcher{
		store:      store,
		proc:       proc,
		sched:      sched,
		logger:     log.WithComponent("dispatcher"),
		ShutdownCh: make(chan ShutdownSignal, 1),
	}
}

// Dispatch handles one request and returns its response. It never panics or
// returns a Go error; every failure is reported as a Response with OK=false
// and a structured Failure naming the offending ids/groups, per the
// "no raw error crosses the connection boundary" rule.
func (d *Dispatcher) Dispatch(req protocol.Request) protocol.Response {
	switch req.Kind {
	case protocol.KindAdd:
		return d.add(req)
	case protocol.KindRemove:
		return d.remove(req)
	case protocol.KindSwitch:
		return d.switchIDs(req)
	case protocol.KindStash:
		return d.moveToStashed(req)
	case protocol.KindEnqueue:
		return d.moveToQueued(req)
	case protocol.KindStart:
		return d.start(req)
	case protocol.KindPause:
		return d.pause(req)
	case protocol.KindKill:
		return d.kill(req)
	case protocol.KindRestart:
		return d.restart(req)
	case protocol.KindEditBegin:
		return d.editBegin(req)
	case protocol.KindEditEnd:
		return d.editEnd(req)
	case protocol.KindSend:
		return d.send(req)
	case protocol.KindLog:
		return d.readLog(req)
	case protocol.KindStatus:
		return d.status(req)
	case protocol.KindGroupAdd:
		return d.groupAdd(req)
	case protocol.KindGroupRemove:
		return d.groupRemove(req)
	case protocol.KindGroupList:
		return d.groupList()
	case protocol.KindParallel:
		return d.parallel(req)
	case protocol.KindClean:
		return d.clean(req)
	case protocol.KindReset:
		return d.reset(req)
	case protocol.KindEnvSet:
		return d.envSet(req, true)
	case protocol.KindEnvUnset:
		return d.envSet(req, false)
	case protocol.KindWait:
		return d.wait(req)
	case protocol.KindShutdown:
		return d.shutdown(req)
	default:
		return fail(fmt.Sprintf("unrecognized request kind %q", req.Kind))
	}
}

func fail(msg string) protocol.Response {
	return protocol.Response{OK: false, Error: &protocol.Failure{Message: msg}}
}

func failTasks(msg string, ids ...int) protocol.Response {
	return protocol.Response{OK: false, Error: &protocol.Failure{Message: msg, TaskIDs: ids}}
}

func failGroups(msg string, groups ...string) protocol.Response {
	return protocol.Response{OK: false, Error: &protocol.Failure{Message: msg, Groups: groups}}
}

func ok() protocol.Response { return protocol.Response{OK: true} }

// resolveSelection expands a Selection into the tasks it names. Must be
// called with the store lock held. An empty selection (no ids, no group,
// not all) is itself an error: every selection-based request must name
// something.
func (d *Dispatcher) resolveSelection(sel protocol.Selection) ([]*types.Task, *protocol.Response) {
	switch {
	case sel.All:
		return d.store.Tasks(), nil
	case sel.Group != "":
		if _, ok := d.store.Group(sel.Group); !ok {
			resp := failGroups(fmt.Sprintf("unknown group %q", sel.Group), sel.Group)
			return nil, &resp
		}
		return d.store.TasksInGroup(sel.Group), nil
	case len(sel.IDs) > 0:
		tasks := make([]*types.Task, 0, len(sel.IDs))
		var missing []int
		for _, id := range sel.IDs {
			t, ok := d.store.Task(id)
			if !ok {
				missing = append(missing, id)
				continue
			}
			tasks = append(tasks, t)
		}
		if len(missing) > 0 {
			resp := failTasks("unknown task id(s)", missing...)
			return nil, &resp
		}
		return tasks, nil
	default:
		resp := fail("selection names no task, group or 'all'")
		return nil, &resp
	}
}

// resolveSingle resolves a selection that must name exactly one task, the
// shape Send, Log and Env use since their responses carry a single result.
func (d *Dispatcher) resolveSingle(sel protocol.Selection) (*types.Task, *protocol.Response) {
	tasks, errResp := d.resolveSelection(sel)
	if errResp != nil {
		return nil, errResp
	}
	if len(tasks) != 1 {
		resp := fail(fmt.Sprintf("selection must name exactly one task, got %d", len(tasks)))
		return nil, &resp
	}
	return tasks[0], nil
}

// add implements the Add request: validate group and dependencies, assign
// the next id, and insert either Stashed or Queued depending on stashed/
// enqueue_at, with an optional immediate force-start.
func (d *Dispatcher) add(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	group := req.Group
	if group == "" {
		group = types.DefaultGroupName
	}
	if _, exists := d.store.Group(group); !exists {
		return failGroups(fmt.Sprintf("unknown group %q", group), group)
	}
	for _, dep := range req.Dependencies {
		if _, exists := d.store.Task(dep); !exists {
			return failTasks(fmt.Sprintf("unknown dependency task %d", dep), dep)
		}
	}

	now := time.Now()
	task := &types.Task{
		ID:           d.store.NextID(),
		Command:      req.Command,
		Path:         req.Path,
		Env:          req.Env,
		Group:        group,
		Label:        req.Label,
		Dependencies: req.Dependencies,
		Priority:     req.Priority,
		CreatedAt:    now,
	}

	switch {
	case req.Stashed:
		task.Status = types.Stashed{EnqueueAt: req.EnqueueAt}
	case req.EnqueueAt != nil && req.EnqueueAt.After(now):
		task.Status = types.Stashed{EnqueueAt: req.EnqueueAt}
	default:
		task.Status = types.Queued{EnqueuedAt: now}
		task.EnqueuedAt = now
	}

	if err := d.store.AddTask(task); err != nil {
		return fail(err.Error())
	}

	if req.Immediate {
		if task.Status.Kind() != types.StatusQueued {
			return failTasks(fmt.Sprintf("task %d cannot be force-started: not queued", task.ID), task.ID)
		}
		if err := d.sched.ForceStart(task); err != nil {
			return failTasks(err.Error(), task.ID)
		}
	} else {
		d.sched.Wake()
	}

	d.logger.Info().Int("task_id", task.ID).Str("group", group).Msg("task added")
	return protocol.Response{OK: true, TaskID: task.ID}
}

// remove implements Remove: refuse Running/Paused tasks and any task still
// depended on by a non-terminal task.
func (d *Dispatcher) remove(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	tasks, errResp := d.resolveSelection(req.Selection)
	if errResp != nil {
		return *errResp
	}
	for _, t := range tasks {
		switch t.Status.Kind() {
		case types.StatusRunning, types.StatusPaused:
			return failTasks(fmt.Sprintf("task %d is running", t.ID), t.ID)
		}
		if deps := d.store.DependentsOf(t.ID); len(deps) > 0 {
			return failTasks(fmt.Sprintf("task %d is a dependency of other pending tasks", t.ID), t.ID)
		}
	}
	for _, t := range tasks {
		d.store.RemoveTask(t.ID)
	}
	return ok()
}

// switchIDs implements Switch(id_a, id_b): swap the two tasks' queue
// positions by exchanging everything except id and status.
func (d *Dispatcher) switchIDs(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	a, okA := d.store.Task(req.IDA)
	b, okB := d.store.Task(req.IDB)
	var missing []int
	if !okA {
		missing = append(missing, req.IDA)
	}
	if !okB {
		missing = append(missing, req.IDB)
	}
	if len(missing) > 0 {
		return failTasks("unknown task id(s)", missing...)
	}
	for _, t := range []*types.Task{a, b} {
		switch t.Status.Kind() {
		case types.StatusRunning, types.StatusPaused, types.StatusLocked:
			return failTasks(fmt.Sprintf("task %d cannot be switched while %s", t.ID, t.Status.Kind()), t.ID)
		}
	}

	a.Command, b.Command = b.Command, a.Command
	a.Path, b.Path = b.Path, a.Path
	a.Env, b.Env = b.Env, a.Env
	a.Group, b.Group = b.Group, a.Group
	a.Label, b.Label = b.Label, a.Label
	a.Dependencies, b.Dependencies = b.Dependencies, a.Dependencies
	a.Priority, b.Priority = b.Priority, a.Priority

	// IDs stay put; command/path/etc. move between them. A third task that
	// depended on id_a was waiting on whatever now runs at id_b, so its
	// dependency list has to move with the content, not stay pinned to the
	// old ID. This also makes Switch(a,b) applied twice an identity op.
	for _, other := range d.store.Tasks() {
		if other.ID == a.ID || other.ID == b.ID {
			continue
		}
		for i, dep := range other.Dependencies {
			switch dep {
			case req.IDA:
				other.Dependencies[i] = req.IDB
			case req.IDB:
				other.Dependencies[i] = req.IDA
			}
		}
	}
	return ok()
}

// moveToStashed implements Stash(selection): Queued -> Stashed only.
func (d *Dispatcher) moveToStashed(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	tasks, errResp := d.resolveSelection(req.Selection)
	if errResp != nil {
		return *errResp
	}
	for _, t := range tasks {
		if t.Status.Kind() != types.StatusQueued {
			return failTasks(fmt.Sprintf("task %d is not queued", t.ID), t.ID)
		}
	}
	for _, t := range tasks {
		t.Status = types.Stashed{}
	}
	return ok()
}

// moveToQueued implements Enqueue(selection): Stashed -> Queued only.
func (d *Dispatcher) moveToQueued(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	tasks, errResp := d.resolveSelection(req.Selection)
	if errResp != nil {
		return *errResp
	}
	for _, t := range tasks {
		if t.Status.Kind() != types.StatusStashed {
			return failTasks(fmt.Sprintf("task %d is not stashed", t.ID), t.ID)
		}
	}
	now := time.Now()
	for _, t := range tasks {
		t.Status = types.Queued{EnqueuedAt: now}
		t.EnqueuedAt = now
	}
	d.sched.Wake()
	return ok()
}

// start implements Start(selection): per-task it resumes a Paused task or
// force-starts a Queued one; for a group/all selection it toggles the
// group's run state back to Running and resumes any Paused children.
func (d *Dispatcher) start(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	if req.Selection.Group != "" || req.Selection.All {
		groups, errResp := d.resolveGroups(req.Selection)
		if errResp != nil {
			return *errResp
		}
		for _, g := range groups {
			g.RunState = types.GroupRunning
			for _, t := range d.store.TasksInGroup(g.Name) {
				if paused, isPaused := t.Status.(types.Paused); isPaused {
					if err := d.proc.Resume(t.ID); err != nil {
						d.logger.Warn().Err(err).Int("task_id", t.ID).Msg("failed to resume task")
						continue
					}
					t.Status = types.Running{Start: paused.Start}
				}
			}
		}
		d.sched.Wake()
		return ok()
	}

	tasks, errResp := d.resolveSelection(req.Selection)
	if errResp != nil {
		return *errResp
	}
	for _, t := range tasks {
		switch status := t.Status.(type) {
		case types.Paused:
			if err := d.proc.Resume(t.ID); err != nil {
				return failTasks(err.Error(), t.ID)
			}
			t.Status = types.Running{Start: status.Start}
		case types.Queued:
			if err := d.sched.ForceStart(t); err != nil {
				return failTasks(err.Error(), t.ID)
			}
		default:
			return failTasks(fmt.Sprintf("task %d cannot be started from %s", t.ID, t.Status.Kind()), t.ID)
		}
	}
	return ok()
}

// pause implements Pause(selection): per-task it stops a Running task; for
// a group/all selection it toggles the group's run state to Paused and
// stops any currently Running children.
func (d *Dispatcher) pause(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	if req.Selection.Group != "" || req.Selection.All {
		groups, errResp := d.resolveGroups(req.Selection)
		if errResp != nil {
			return *errResp
		}
		for _, g := range groups {
			g.RunState = types.GroupPaused
			for _, t := range d.store.TasksInGroup(g.Name) {
				if running, isRunning := t.Status.(types.Running); isRunning {
					if err := d.proc.Pause(t.ID); err != nil {
						d.logger.Warn().Err(err).Int("task_id", t.ID).Msg("failed to pause task")
						continue
					}
					t.Status = types.Paused{Start: running.Start}
				}
			}
		}
		return ok()
	}

	tasks, errResp := d.resolveSelection(req.Selection)
	if errResp != nil {
		return *errResp
	}
	for _, t := range tasks {
		if t.Status.Kind() != types.StatusRunning {
			return failTasks(fmt.Sprintf("task %d is not running", t.ID), t.ID)
		}
	}
	for _, t := range tasks {
		running := t.Status.(types.Running)
		if err := d.proc.Pause(t.ID); err != nil {
			return failTasks(err.Error(), t.ID)
		}
		t.Status = types.Paused{Start: running.Start}
	}
	return ok()
}

func (d *Dispatcher) resolveGroups(sel protocol.Selection) ([]*types.Group, *protocol.Response) {
	if sel.All {
		return d.store.Groups(), nil
	}
	g, exists := d.store.Group(sel.Group)
	if !exists {
		resp := failGroups(fmt.Sprintf("unknown group %q", sel.Group), sel.Group)
		return nil, &resp
	}
	return []*types.Group{g}, nil
}

var signalsByName = map[string]unix.Signal{
	"SIGTERM": unix.SIGTERM,
	"SIGKILL": unix.SIGKILL,
	"SIGINT":  unix.SIGINT,
	"SIGHUP":  unix.SIGHUP,
	"SIGQUIT": unix.SIGQUIT,
	"SIGUSR1": unix.SIGUSR1,
	"SIGUSR2": unix.SIGUSR2,
	"SIGSTOP": unix.SIGSTOP,
	"SIGCONT": unix.SIGCONT,
}

// kill implements Kill(selection, optional_signal): the default signal
// terminates and marks killed-by-us so reap reports Killed; an explicit
// signal is delivered as-is, leaving the eventual exit code to decide the
// result, per spec's distinction between a kill and an arbitrary signal.
func (d *Dispatcher) kill(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	tasks, errResp := d.resolveSelection(req.Selection)
	if errResp != nil {
		return *errResp
	}
	for _, t := range tasks {
		switch t.Status.Kind() {
		case types.StatusRunning, types.StatusPaused:
		default:
			return failTasks(fmt.Sprintf("task %d has no live process", t.ID), t.ID)
		}
	}

	var sig unix.Signal
	explicit := req.Signal != ""
	if explicit {
		var known bool
		sig, known = signalsByName[req.Signal]
		if !known {
			return fail(fmt.Sprintf("unrecognized signal %q", req.Signal))
		}
	}

	for _, t := range tasks {
		_, wasPaused := t.Status.(types.Paused)
		if explicit {
			if err := d.proc.Signal(t.ID, sig); err != nil {
				return failTasks(err.Error(), t.ID)
			}
			continue
		}
		if err := d.proc.KillResumingIfNeeded(t.ID, wasPaused); err != nil {
			return failTasks(err.Error(), t.ID)
		}
	}
	return ok()
}

// restart implements Restart(ids, in_place, edits...): in-place reuses the
// task's id and clears its history; otherwise a clone is added with a new
// id, both per spec's force-start-after-restart cap rule (ForceStarted set
// only when immediate is requested).
func (d *Dispatcher) restart(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	tasks, errResp := d.resolveSelection(req.Selection)
	if errResp != nil {
		return *errResp
	}
	for _, t := range tasks {
		if t.Status.Kind() != types.StatusDone {
			return failTasks(fmt.Sprintf("task %d has not finished", t.ID), t.ID)
		}
	}

	views := make([]protocol.TaskView, 0, len(tasks))
	for _, t := range tasks {
		target := t
		if !req.InPlace {
			clone := *t
			clone.ID = d.store.NextID()
			target = &clone
		}
		target.ForceStarted = false
		target.EditSnapshot = nil

		if req.EditCommand != nil {
			target.Command = *req.EditCommand
		}
		if req.EditPath != nil {
			target.Path = *req.EditPath
		}
		if req.EditLabel != nil {
			target.Label = *req.EditLabel
		}
		if req.EditPriority != nil {
			target.Priority = *req.EditPriority
		}

		now := time.Now()
		switch {
		case req.Stashed:
			target.Status = types.Stashed{}
		default:
			target.Status = types.Queued{EnqueuedAt: now}
			target.EnqueuedAt = now
		}

		if !req.InPlace {
			if err := d.store.AddTask(target); err != nil {
				return fail(err.Error())
			}
		}

		if req.Immediate {
			if err := d.sched.ForceStart(target); err != nil {
				return failTasks(err.Error(), target.ID)
			}
		}
		views = append(views, protocol.NewTaskView(target))
	}
	if !req.Immediate {
		d.sched.Wake()
	}
	return protocol.Response{OK: true, Tasks: views}
}

// editBegin implements EditBegin(ids): only Queued/Stashed tasks may be
// locked; the response carries each task's current editable fields via its
// TaskView so the client can show them before submitting an edit.
func (d *Dispatcher) editBegin(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	tasks, errResp := d.resolveSelection(req.Selection)
	if errResp != nil {
		return *errResp
	}
	for _, t := range tasks {
		switch t.Status.Kind() {
		case types.StatusQueued, types.StatusStashed:
		default:
			return failTasks(fmt.Sprintf("task %d cannot be edited from %s", t.ID, t.Status.Kind()), t.ID)
		}
	}

	views := make([]protocol.TaskView, 0, len(tasks))
	var snapshot *types.EditSnapshot
	for _, t := range tasks {
		t.EditSnapshot = &types.EditSnapshot{
			Command:  t.Command,
			Path:     t.Path,
			Label:    t.Label,
			Priority: t.Priority,
		}
		snapshot = t.EditSnapshot
		t.Status = types.Locked{Prior: t.Status}
		views = append(views, protocol.NewTaskView(t))
	}
	resp := protocol.Response{OK: true, Tasks: views}
	if len(tasks) == 1 {
		resp.EditSnapshot = snapshot
	}
	return resp
}

// editEnd implements EditEnd(ids, edits, restore): applies the requested
// field edits (or none, on restore) and transitions each task back to its
// pre-lock status.
func (d *Dispatcher) editEnd(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	tasks, errResp := d.resolveSelection(req.Selection)
	if errResp != nil {
		return *errResp
	}
	for _, t := range tasks {
		if t.Status.Kind() != types.StatusLocked {
			return failTasks(fmt.Sprintf("task %d is not locked", t.ID), t.ID)
		}
	}

	views := make([]protocol.TaskView, 0, len(tasks))
	for _, t := range tasks {
		locked := t.Status.(types.Locked)
		if !req.Restore {
			if req.EditCommand != nil {
				t.Command = *req.EditCommand
			}
			if req.EditPath != nil {
				t.Path = *req.EditPath
			}
			if req.EditLabel != nil {
				t.Label = *req.EditLabel
			}
			if req.EditPriority != nil {
				t.Priority = *req.EditPriority
			}
		}
		t.Status = locked.Prior
		t.EditSnapshot = nil
		views = append(views, protocol.NewTaskView(t))
	}
	d.sched.Wake()
	return protocol.Response{OK: true, Tasks: views}
}

// send implements Send(id, data): only a Running task has a live stdin.
func (d *Dispatcher) send(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	t, errResp := d.resolveSingle(req.Selection)
	if errResp != nil {
		return *errResp
	}
	if t.Status.Kind() != types.StatusRunning {
		return failTasks(fmt.Sprintf("task %d is not running", t.ID), t.ID)
	}
	if err := d.proc.Send(t.ID, req.Data); err != nil {
		return failTasks(err.Error(), t.ID)
	}
	return ok()
}

// readLog implements Log(id, lines, full): the task's existence and log
// path are resolved under the lock, but the file itself is read after
// releasing it, since disk I/O is a suspension point the state lock must
// never be held across.
func (d *Dispatcher) readLog(req protocol.Request) protocol.Response {
	d.store.Lock()
	t, errResp := d.resolveSingle(req.Selection)
	if errResp != nil {
		d.store.Unlock()
		return *errResp
	}
	path := d.proc.LogPath(t.ID)
	taskID := t.ID
	d.store.Unlock()

	n := req.Lines
	if req.Full {
		n = 0
	} else if n <= 0 {
		n = 20
	}
	contents, err := process.TailLines(path, n)
	if err != nil {
		return failTasks(fmt.Sprintf("failed to read log for task %d: %v", taskID, err), taskID)
	}
	return protocol.Response{OK: true, Log: []byte(contents), TaskID: taskID}
}

// status implements Status(group?): returns every task and group, or only
// those in the named group when the selection specifies one.
func (d *Dispatcher) status(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	var tasks []*types.Task
	var groups []*types.Group
	if req.Selection.Group != "" {
		g, exists := d.store.Group(req.Selection.Group)
		if !exists {
			return failGroups(fmt.Sprintf("unknown group %q", req.Selection.Group), req.Selection.Group)
		}
		tasks = d.store.TasksInGroup(req.Selection.Group)
		groups = []*types.Group{g}
	} else {
		tasks = d.store.Tasks()
		groups = d.store.Groups()
	}

	resp := protocol.Response{OK: true}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, protocol.NewTaskView(t))
	}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, protocol.NewGroupView(g))
	}
	return resp
}

func (d *Dispatcher) groupAdd(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	if err := d.store.AddGroup(req.Group, req.Parallelism); err != nil {
		return failGroups(err.Error(), req.Group)
	}
	return ok()
}

func (d *Dispatcher) groupRemove(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	if err := d.store.RemoveGroup(req.Group); err != nil {
		return failGroups(err.Error(), req.Group)
	}
	return ok()
}

func (d *Dispatcher) groupList() protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	resp := protocol.Response{OK: true}
	for _, g := range d.store.Groups() {
		resp.Groups = append(resp.Groups, protocol.NewGroupView(g))
	}
	return resp
}

func (d *Dispatcher) parallel(req protocol.Request) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	g, exists := d.store.Group(req.Group)
	if !exists {
		return failGroups(fmt.Sprintf("unknown group %q", req.Group), req.Group)
	}
	if req.Parallelism < 0 {
		return failGroups("parallelism must be >= 0", req.Group)
	}
	g.Parallelism = req.Parallelism
	d.sched.Wake()
	return ok()
}

// clean implements Clean(group?, successful_only): removes every Done task
// in scope (optionally only Success ones) and its log file.
func (d *Dispatcher) clean(req protocol.Request) protocol.Response {
	d.store.Lock()
	var targets []*types.Task
	if req.Selection.Group != "" {
		if _, exists := d.store.Group(req.Selection.Group); !exists {
			d.store.Unlock()
			return failGroups(fmt.Sprintf("unknown group %q", req.Selection.Group), req.Selection.Group)
		}
		targets = d.store.TasksInGroup(req.Selection.Group)
	} else {
		targets = d.store.Tasks()
	}

	var removed []int
	for _, t := range targets {
		done, isDone := t.Status.(types.Done)
		if !isDone {
			continue
		}
		if req.SuccessfulOnly && !types.IsSuccess(done.Result) {
			continue
		}
		d.store.RemoveTask(t.ID)
		removed = append(removed, t.ID)
	}
	d.store.Unlock()

	for _, id := range removed {
		d.proc.RemoveLog(id)
	}
	return ok()
}

// reset implements Reset(group|all): kills every live task in scope, then
// removes every task in scope and its log, leaving groups intact.
func (d *Dispatcher) reset(req protocol.Request) protocol.Response {
	d.store.Lock()
	tasks, errResp := d.resolveSelection(req.Selection)
	if errResp != nil {
		d.store.Unlock()
		return *errResp
	}
	var removed []int
	for _, t := range tasks {
		switch t.Status.Kind() {
		case types.StatusPaused:
			_ = d.proc.KillResumingIfNeeded(t.ID, true)
		case types.StatusRunning:
			_ = d.proc.KillResumingIfNeeded(t.ID, false)
		}
		d.store.RemoveTask(t.ID)
		removed = append(removed, t.ID)
	}
	d.store.Unlock()

	for _, id := range removed {
		d.proc.RemoveLog(id)
	}
	return ok()
}

// envSet implements EnvSet/EnvUnset(id, name, value?): only a task not yet
// running may have its captured environment edited.
func (d *Dispatcher) envSet(req protocol.Request, set bool) protocol.Response {
	d.store.Lock()
	defer d.store.Unlock()

	t, errResp := d.resolveSingle(req.Selection)
	if errResp != nil {
		return *errResp
	}
	switch t.Status.Kind() {
	case types.StatusQueued, types.StatusStashed:
	default:
		return failTasks(fmt.Sprintf("task %d's environment cannot be edited from %s", t.ID, t.Status.Kind()), t.ID)
	}

	if set {
		if t.Env == nil {
			t.Env = make(map[string]string)
		}
		t.Env[req.Name] = req.Value
	} else {
		delete(t.Env, req.Name)
	}
	return ok()
}

// wait implements Wait(selection, target_status): registers a waiter per
// resolved task under the lock, then releases the lock and blocks until
// every waiter fires, per spec's "handler returns, response deferred to a
// per-task condition" suspension point.
func (d *Dispatcher) wait(req protocol.Request) protocol.Response {
	target := req.TargetStatus
	if target == "" {
		target = types.StatusDone
	}

	d.store.Lock()
	tasks, errResp := d.resolveSelection(req.Selection)
	if errResp != nil {
		d.store.Unlock()
		return *errResp
	}
	var waiters []*state.Waiter
	for _, t := range tasks {
		if t.Status.Kind() == target {
			continue
		}
		waiters = append(waiters, d.store.RegisterWaiter(t.ID, target))
	}
	d.store.Unlock()

	for _, w := range waiters {
		<-w.Done
	}

	d.store.Lock()
	defer d.store.Unlock()
	views := make([]protocol.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, protocol.NewTaskView(t))
	}
	return protocol.Response{OK: true, Tasks: views}
}

// shutdown implements Shutdown(graceful): records the request for main to
// act on (see ShutdownSignal) and responds immediately.
func (d *Dispatcher) shutdown(req protocol.Request) protocol.Response {
	select {
	case d.ShutdownCh <- ShutdownSignal{Graceful: req.Graceful}:
	default:
	}
	return ok()
}
