package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"

	"github.com/cuemby/taskqd/pkg/metrics"
	"github.com/cuemby/taskqd/pkg/types"
)

const snapshotFileName = "state.cbor"

// wireTask and wireStatus/wireResult are flat, cbor-friendly shadows of
// the sealed-interface domain types. The in-memory model keeps status and
// result as sum types so impossible states can't be constructed in code;
// the wire/snapshot form needs a tag plus the union of possible fields,
// since cbor has no notion of a Go interface.
type wireStatus struct {
	Kind       types.StatusKind `cbor:"kind"`
	EnqueuedAt *time.Time       `cbor:"enqueued_at,omitempty"`
	EnqueueAt  *time.Time       `cbor:"enqueue_at,omitempty"`
	PriorKind  types.StatusKind `cbor:"prior_kind,omitempty"`
	PriorSnap  *wireStatus      `cbor:"prior,omitempty"`
	Start      *time.Time       `cbor:"start,omitempty"`
	End        *time.Time       `cbor:"end,omitempty"`
	Result     *wireResult      `cbor:"result,omitempty"`
}

type wireResult struct {
	Kind     types.ResultKind `cbor:"kind"`
	ExitCode int              `cbor:"exit_code,omitempty"`
	Reason   string           `cbor:"reason,omitempty"`
}

type wireTask struct {
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
	Status       wireStatus        `cbor:"status"`
	ForceStarted bool              `cbor:"force_started"`
	EditSnapshot *types.EditSnapshot `cbor:"edit_snapshot,omitempty"`
}

type wireGroup struct {
	Name        string               `cbor:"name"`
	Parallelism int                  `cbor:"parallelism"`
	RunState    types.GroupRunState  `cbor:"run_state"`
}

type wireSnapshot struct {
	Tasks  []wireTask  `cbor:"tasks"`
	Groups []wireGroup `cbor:"groups"`
}

func toWireResult(r types.Result) *wireResult {
	switch v := r.(type) {
	case types.Success:
		return &wireResult{Kind: types.ResultSuccess}
	case types.Failed:
		return &wireResult{Kind: types.ResultFailed, ExitCode: v.ExitCode}
	case types.FailedToStart:
		return &wireResult{Kind: types.ResultFailedToStart, Reason: v.Reason}
	case types.Killed:
		return &wireResult{Kind: types.ResultKilled}
	case types.Errored:
		return &wireResult{Kind: types.ResultErrored}
	case types.DependencyFailed:
		return &wireResult{Kind: types.ResultDependencyFailed}
	default:
		return nil
	}
}

func fromWireResult(w *wireResult) types.Result {
	if w == nil {
		return types.Errored{}
	}
	switch w.Kind {
	case types.ResultSuccess:
		return types.Success{}
	case types.ResultFailed:
		return types.Failed{ExitCode: w.ExitCode}
	case types.ResultFailedToStart:
		return types.FailedToStart{Reason: w.Reason}
	case types.ResultKilled:
		return types.Killed{}
	case types.ResultDependencyFailed:
		return types.DependencyFailed{}
	default:
		return types.Errored{}
	}
}

func toWireStatus(st types.TaskStatus) wireStatus {
	switch v := st.(type) {
	case types.Queued:
		t := v.EnqueuedAt
		return wireStatus{Kind: types.StatusQueued, EnqueuedAt: &t}
	case types.Stashed:
		return wireStatus{Kind: types.StatusStashed, EnqueueAt: v.EnqueueAt}
	case types.Locked:
		prior := toWireStatus(v.Prior)
		return wireStatus{Kind: types.StatusLocked, PriorKind: prior.Kind, PriorSnap: &prior}
	case types.Running:
		t := v.Start
		return wireStatus{Kind: types.StatusRunning, Start: &t}
	case types.Paused:
		t := v.Start
		return wireStatus{Kind: types.StatusPaused, Start: &t}
	case types.Done:
		start, end := v.Start, v.End
		return wireStatus{Kind: types.StatusDone, Start: &start, End: &end, Result: toWireResult(v.Result)}
	default:
		return wireStatus{Kind: types.StatusQueued, EnqueuedAt: &time.Time{}}
	}
}

func fromWireStatus(w wireStatus) types.TaskStatus {
	switch w.Kind {
	case types.StatusQueued:
		if w.EnqueuedAt != nil {
			return types.Queued{EnqueuedAt: *w.EnqueuedAt}
		}
		return types.Queued{EnqueuedAt: time.Now()}
	case types.StatusStashed:
		return types.Stashed{EnqueueAt: w.EnqueueAt}
	case types.StatusLocked:
		var prior types.TaskStatus = types.Queued{EnqueuedAt: time.Now()}
		if w.PriorSnap != nil {
			prior = fromWireStatus(*w.PriorSnap)
		}
		return types.Locked{Prior: prior}
	case types.StatusRunning:
		return types.Running{Start: derefTime(w.Start)}
	case types.StatusPaused:
		return types.Paused{Start: derefTime(w.Start)}
	case types.StatusDone:
		return types.Done{Start: derefTime(w.Start), End: derefTime(w.End), Result: fromWireResult(w.Result)}
	default:
		return types.Queued{EnqueuedAt: time.Now()}
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Save encodes the full state, compresses it, and atomically replaces the
// on-disk snapshot: write to a temp file in the same directory, fsync,
// then rename over state.cbor. Must be called with the lock held so the
// encoded view is consistent.
func (s *Store) Save() (err error) {
	timer := metrics.NewTimer()
	defer func() {
		if err == nil {
			timer.ObserveDuration(metrics.SnapshotDuration)
			metrics.SnapshotsWritten.Inc()
		}
	}()

	snap := wireSnapshot{}
	for _, t := range s.Tasks() {
		snap.Tasks = append(snap.Tasks, wireTask{
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
			Status:       toWireStatus(t.Status),
			ForceStarted: t.ForceStarted,
			EditSnapshot: t.EditSnapshot,
		})
	}
	for _, g := range s.Groups() {
		snap.Groups = append(snap.Groups, wireGroup{Name: g.Name, Parallelism: g.Parallelism, RunState: g.RunState})
	}

	encoded, err := cbor.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode state snapshot: %w", err)
	}
	compressed := snappy.Encode(nil, encoded)

	path := filepath.Join(s.dataDir, snapshotFileName)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	if _, err := f.Write(compressed); err != nil {
		f.Close()
		return fmt.Errorf("failed to write snapshot temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to fsync snapshot temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename snapshot into place: %w", err)
	}
	return nil
}

// Load reads the on-disk snapshot (if any) and reconciles runtime-only
// status: Running/Paused tasks revert to Queued with start/end cleared
// (they will re-run from scratch), and Locked tasks revert to the status
// captured in their EditSnapshot-adjacent prior status. A missing file
// means "start empty" and is not an error.
func Load(dataDir string, defaultParallelism int) (*Store, error) {
	path := filepath.Join(dataDir, snapshotFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(dataDir, defaultParallelism), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state snapshot: %w", err)
	}

	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress state snapshot: %w", err)
	}

	var snap wireSnapshot
	if err := cbor.Unmarshal(decoded, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode state snapshot: %w", err)
	}

	s := &Store{
		tasks:   make(map[int]*types.Task),
		groups:  make(map[string]*types.Group),
		dataDir: dataDir,
	}
	for _, wg := range snap.Groups {
		s.groups[wg.Name] = &types.Group{Name: wg.Name, Parallelism: wg.Parallelism, RunState: wg.RunState}
	}
	if _, ok := s.groups[types.DefaultGroupName]; !ok {
		s.groups[types.DefaultGroupName] = &types.Group{Name: types.DefaultGroupName, Parallelism: defaultParallelism, RunState: types.GroupRunning}
	}

	for _, wt := range snap.Tasks {
		status := reconcileStatus(wt.Status)
		s.tasks[wt.ID] = &types.Task{
			ID:           wt.ID,
			Command:      wt.Command,
			Path:         wt.Path,
			Env:          wt.Env,
			Group:        wt.Group,
			Label:        wt.Label,
			Dependencies: wt.Dependencies,
			Priority:     wt.Priority,
			CreatedAt:    wt.CreatedAt,
			EnqueuedAt:   wt.EnqueuedAt,
			Status:       status,
			EditSnapshot: wt.EditSnapshot,
		}
	}
	return s, nil
}

// reconcileStatus implements spec.md §4.1's load-time reclassification:
// Running/Paused -> Queued with start/end cleared; Locked -> prior status.
func reconcileStatus(w wireStatus) types.TaskStatus {
	switch w.Kind {
	case types.StatusRunning, types.StatusPaused:
		return types.Queued{EnqueuedAt: time.Now()}
	case types.StatusLocked:
		if w.PriorSnap != nil {
			return reconcileStatus(*w.PriorSnap)
		}
		return types.Queued{EnqueuedAt: time.Now()}
	default:
		return fromWireStatus(w)
	}
}
