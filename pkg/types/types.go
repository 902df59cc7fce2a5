package types

import (
	"strconv"
	"time"
)

// StatusKind names the variant a TaskStatus holds. It exists purely for
// logging, wire encoding and switch statements that want a comparable tag
// instead of a type assertion chain.
type StatusKind string

const (
	StatusQueued  StatusKind = "Queued"
	StatusStashed StatusKind = "Stashed"
	StatusLocked  StatusKind = "Locked"
	StatusRunning StatusKind = "Running"
	StatusPaused  StatusKind = "Paused"
	StatusDone    StatusKind = "Done"
)

// TaskStatus is a sealed interface: only the variants in this file
// implement it, so a switch over Kind() can be exhaustive.
type TaskStatus interface {
	Kind() StatusKind
	sealedTaskStatus()
}

// Queued tasks are eligible for scheduling.
type Queued struct {
	EnqueuedAt time.Time
}

func (Queued) Kind() StatusKind   { return StatusQueued }
func (Queued) sealedTaskStatus()  {}

// Stashed tasks are held back. EnqueueAt is nil for an indefinite stash,
// or set to the wall-clock time at or after which the scheduler promotes
// the task to Queued.
type Stashed struct {
	EnqueueAt *time.Time
}

func (Stashed) Kind() StatusKind  { return StatusStashed }
func (Stashed) sealedTaskStatus() {}

// Locked tasks are being edited by a client. Prior holds the status to
// restore on edit-end; it is always a Queued or Stashed value.
type Locked struct {
	Prior TaskStatus
}

func (Locked) Kind() StatusKind  { return StatusLocked }
func (Locked) sealedTaskStatus() {}

// Running tasks have a live child process.
type Running struct {
	Start time.Time
}

func (Running) Kind() StatusKind  { return StatusRunning }
func (Running) sealedTaskStatus() {}

// Paused tasks have a live, stopped child process.
type Paused struct {
	Start time.Time
}

func (Paused) Kind() StatusKind  { return StatusPaused }
func (Paused) sealedTaskStatus() {}

// Done tasks are terminal.
type Done struct {
	Start  time.Time
	End    time.Time
	Result Result
}

func (Done) Kind() StatusKind  { return StatusDone }
func (Done) sealedTaskStatus() {}

// ResultKind names the variant a Result holds.
type ResultKind string

const (
	ResultSuccess          ResultKind = "Success"
	ResultFailed           ResultKind = "Failed"
	ResultFailedToStart    ResultKind = "FailedToStart"
	ResultKilled           ResultKind = "Killed"
	ResultErrored          ResultKind = "Errored"
	ResultDependencyFailed ResultKind = "DependencyFailed"
)

// Result is a sealed interface describing how a Done task ended.
type Result interface {
	Kind() ResultKind
	sealedResult()
}

type Success struct{}

func (Success) Kind() ResultKind { return ResultSuccess }
func (Success) sealedResult()    {}

type Failed struct {
	ExitCode int
}

func (Failed) Kind() ResultKind { return ResultFailed }
func (Failed) sealedResult()    {}

type FailedToStart struct {
	Reason string
}

func (FailedToStart) Kind() ResultKind { return ResultFailedToStart }
func (FailedToStart) sealedResult()    {}

type Killed struct{}

func (Killed) Kind() ResultKind { return ResultKilled }
func (Killed) sealedResult()    {}

type Errored struct{}

func (Errored) Kind() ResultKind { return ResultErrored }
func (Errored) sealedResult()    {}

type DependencyFailed struct{}

func (DependencyFailed) Kind() ResultKind { return ResultDependencyFailed }
func (DependencyFailed) sealedResult()    {}

// IsSuccess reports whether a Done result counts as success for dependency
// resolution purposes (spec: only Success satisfies a dependency).
func IsSuccess(r Result) bool {
	_, ok := r.(Success)
	return ok
}

// Task is a single user-submitted shell command with its metadata and
// current status. Command is kept verbatim; the daemon never parses it,
// it only ever hands it to the configured shell.
type Task struct {
	ID           int
	Command      string
	Path         string
	Env          map[string]string
	Group        string
	Label        string
	Dependencies []int
	Priority     int
	CreatedAt    time.Time
	Status       TaskStatus

	// ForceStarted is true only while this task is Running/Paused after
	// being started by an explicit force-start (or immediate restart); such
	// tasks don't count against their group's parallelism cap. It is
	// cleared the instant the task reaches Done.
	ForceStarted bool

	// EnqueuedAt records the most recent transition into Queued, independent
	// of the current Status; it survives into Running/Done for callback
	// templating (spec's "enqueued_at" variable), unlike Queued.EnqueuedAt
	// which only exists while Status is actually Queued.
	EnqueuedAt time.Time

	// EditSnapshot holds the pre-edit command/path/label/priority while
	// Status is Locked, so edit-end's "restore" request is a true no-op.
	EditSnapshot *EditSnapshot
}

// EditSnapshot captures the editable fields of a task before an
// edit-begin/edit-end cycle mutates them.
type EditSnapshot struct {
	Command  string
	Path     string
	Label    string
	Priority int
}

// LogPath returns the path, relative to the data directory's logs/
// subdirectory, of this task's combined stdout+stderr log.
func (t *Task) LogPath() string {
	return logFileName(t.ID)
}

func logFileName(id int) string {
	return strconv.Itoa(id) + ".log"
}

// GroupRunState is the run state of a Group.
type GroupRunState string

const (
	GroupRunning GroupRunState = "Running"
	GroupPaused  GroupRunState = "Paused"
)

// DefaultGroupName is the well-known group that always exists and cannot
// be removed.
const DefaultGroupName = "default"

// Group is a named queue with its own parallelism cap and run state.
// Parallelism == 0 means unlimited.
type Group struct {
	Name        string
	Parallelism int
	RunState    GroupRunState
}
