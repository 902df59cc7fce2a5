package protocol

import (
	"time"

	"github.com/cuemby/taskqd/pkg/types"
)

// RequestKind names the request variant in an envelope, mirroring the
// catalogue of operations the dispatcher understands.
type RequestKind string

const (
	KindAdd          RequestKind = "Add"
	KindRemove       RequestKind = "Remove"
	KindSwitch       RequestKind = "Switch"
	KindStash        RequestKind = "Stash"
	KindEnqueue      RequestKind = "Enqueue"
	KindStart        RequestKind = "Start"
	KindPause        RequestKind = "Pause"
	KindKill         RequestKind = "Kill"
	KindRestart      RequestKind = "Restart"
	KindEditBegin    RequestKind = "EditBegin"
	KindEditEnd      RequestKind = "EditEnd"
	KindSend         RequestKind = "Send"
	KindLog          RequestKind = "Log"
	KindStatus       RequestKind = "Status"
	KindGroupAdd     RequestKind = "GroupAdd"
	KindGroupRemove  RequestKind = "GroupRemove"
	KindGroupList    RequestKind = "GroupList"
	KindParallel     RequestKind = "Parallel"
	KindClean        RequestKind = "Clean"
	KindReset        RequestKind = "Reset"
	KindEnvSet       RequestKind = "EnvSet"
	KindEnvUnset     RequestKind = "EnvUnset"
	KindWait         RequestKind = "Wait"
	KindShutdown     RequestKind = "Shutdown"
)

// Selection names the targets of an operation: either explicit task ids, a
// single group, or every task/group ("all").
type Selection struct {
	IDs   []int  `cbor:"ids,omitempty"`
	Group string `cbor:"group,omitempty"`
	All   bool   `cbor:"all,omitempty"`
}

// Request is the single cbor-friendly envelope for every client request.
// Only the fields relevant to Kind are populated; this flat-struct-with-
// union-of-fields shape mirrors the wireTask/wireStatus pattern used for
// the state snapshot, for the same reason: cbor has no notion of a Go
// interface, so the sum type lives at the domain layer, not the wire layer.
type Request struct {
	Kind RequestKind `cbor:"kind"`

	// Add
	Command      string            `cbor:"command,omitempty"`
	Path         string            `cbor:"path,omitempty"`
	Env          map[string]string `cbor:"env,omitempty"`
	Group        string            `cbor:"group,omitempty"`
	Dependencies []int             `cbor:"dependencies,omitempty"`
	Priority     int               `cbor:"priority,omitempty"`
	Label        string            `cbor:"label,omitempty"`
	EnqueueAt    *time.Time        `cbor:"enqueue_at,omitempty"`
	Immediate    bool              `cbor:"immediate,omitempty"`
	Stashed      bool              `cbor:"stashed,omitempty"`

	// Most selection-based requests (Remove, Stash, Enqueue, Start, Pause,
	// Kill, Send, Log, Clean, Reset, Wait)
	Selection Selection `cbor:"selection,omitempty"`

	// Switch
	IDA int `cbor:"id_a,omitempty"`
	IDB int `cbor:"id_b,omitempty"`

	// Kill
	Signal string `cbor:"signal,omitempty"`

	// Restart
	InPlace      bool    `cbor:"in_place,omitempty"`
	EditCommand  *string `cbor:"edit_command,omitempty"`
	EditPath     *string `cbor:"edit_path,omitempty"`
	EditLabel    *string `cbor:"edit_label,omitempty"`
	EditPriority *int    `cbor:"edit_priority,omitempty"`

	// EditEnd
	Restore bool `cbor:"restore,omitempty"`

	// Send
	Data []byte `cbor:"data,omitempty"`

	// Log
	Lines int  `cbor:"lines,omitempty"`
	Full  bool `cbor:"full,omitempty"`

	// Parallel
	Parallelism int `cbor:"parallelism,omitempty"`

	// Clean
	SuccessfulOnly bool `cbor:"successful_only,omitempty"`

	// Env
	Name  string `cbor:"name,omitempty"`
	Value string `cbor:"value,omitempty"`

	// Wait
	TargetStatus types.StatusKind `cbor:"target_status,omitempty"`

	// Shutdown
	Graceful bool `cbor:"graceful,omitempty"`
}

// TaskView is the flat, cbor-friendly projection of a types.Task returned
// in Status, Restart, EditBegin/EditEnd and Wait responses.
type TaskView struct {
	ID           int               `cbor:"id"`
	Command      string            `cbor:"command"`
	Path         string            `cbor:"path"`
	Env          map[string]string `cbor:"env"`
	Group        string            `cbor:"group"`
	Label        string            `cbor:"label"`
	Dependencies []int             `cbor:"dependencies"`
	Priority     int               `cbor:"priority"`
	CreatedAt    time.Time         `cbor:"created_at"`
	EnqueuedAt   time.Time         `cbor:"enqueued_at"`
	Status       types.StatusKind  `cbor:"status"`
	Result       types.ResultKind  `cbor:"result,omitempty"`
	ExitCode     int               `cbor:"exit_code,omitempty"`
	Start        *time.Time        `cbor:"start,omitempty"`
	End          *time.Time        `cbor:"end,omitempty"`
	ForceStarted bool              `cbor:"force_started,omitempty"`
}

// GroupView is the flat projection of a types.Group.
type GroupView struct {
	Name        string              `cbor:"name"`
	Parallelism int                 `cbor:"parallelism"`
	RunState    types.GroupRunState `cbor:"run_state"`
}

// NewTaskView flattens a domain task into its wire projection.
func NewTaskView(t *types.Task) TaskView {
	view := TaskView{
		ID:           t.ID,
		Command:      t.Command,
		Path:         t.Path,
		Env:          t.Env,
		Group:        t.Group,
		Label:        t.Label,
		Dependencies: t.Dependencies,
		Priority:     t.Priority,
		CreatedAt:    t.CreatedAt,
		EnqueuedAt:   t.EnqueuedAt,
		Status:       t.Status.Kind(),
		ForceStarted: t.ForceStarted,
	}
	if done, ok := t.Status.(types.Done); ok {
		start, end := done.Start, done.End
		view.Start = &start
		view.End = &end
		view.Result = done.Result.Kind()
		if failed, ok := done.Result.(types.Failed); ok {
			view.ExitCode = failed.ExitCode
		}
	}
	return view
}

// NewGroupView flattens a domain group into its wire projection.
func NewGroupView(g *types.Group) GroupView {
	return GroupView{Name: g.Name, Parallelism: g.Parallelism, RunState: g.RunState}
}

// Failure describes a rejected request: a human-readable message plus the
// specific ids/groups that were invalid, per spec.md §7's "structured
// failure naming offending ids/groups" requirement. It is never a raw Go
// error value — errors never cross the connection boundary.
type Failure struct {
	Message string   `cbor:"message"`
	TaskIDs []int    `cbor:"task_ids,omitempty"`
	Groups  []string `cbor:"groups,omitempty"`
}

// Response is the single envelope for every reply.
type Response struct {
	OK    bool     `cbor:"ok"`
	Error *Failure `cbor:"error,omitempty"`

	Tasks  []TaskView  `cbor:"tasks,omitempty"`
	Groups []GroupView `cbor:"groups,omitempty"`

	// EditBegin
	EditSnapshot *types.EditSnapshot `cbor:"edit_snapshot,omitempty"`

	// Log
	Log       []byte `cbor:"log,omitempty"`
	Truncated bool   `cbor:"truncated,omitempty"`

	// Add
	TaskID int `cbor:"task_id,omitempty"`
}
