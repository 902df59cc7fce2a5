// Package process owns the operating-system interaction for running
// tasks: spawning each task's command as the leader of its own process
// group, redirecting combined output to a log file, signaling and
// reaping. Grounded on the teacher's pkg/worker/worker.go lifecycle shape
// (a per-task map guarded by a mutex, ticker-driven monitoring,
// spawn/stop methods that update shared state under the lock) generalized
// from containerd container lifecycles to os/exec child processes
// signaled through their process group.
package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	shellwords "github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cuemby/taskqd/pkg/log"
	"github.com/cuemby/taskqd/pkg/metrics"
)

// Handle is the process handler's private record of a live child. The
// state store never sees this; it only sees the task's Status. waitDone
// is closed exactly once, by the goroutine started in Spawn that owns the
// single legal call to cmd.Wait, so Poll never blocks and never double-waits.
type Handle struct {
	PID        int
	cmd        *exec.Cmd
	logFile    *os.File
	killedByUs bool

	waitDone chan struct{}
	waitErr  error
}

// Handler owns every live Handle, keyed by task id, per spec.md §3's
// "Ownership" paragraph: the process handler holds weak references (by
// task id) to process-group handles in a private map.
type Handler struct {
	mu      sync.Mutex
	handles map[int]*Handle

	logDir       string
	shellCommand string
	envVars      map[string]string

	logger zerolog.Logger
}

// SpawnRequest carries everything the handler needs to launch a task's
// command; it deliberately does not import pkg/types to avoid a cycle,
// since pkg/types has no business knowing about OS processes.
type SpawnRequest struct {
	TaskID      int
	Command     string
	Path        string
	Env         map[string]string
	GroupName   string
	WorkerSlot  int
}

// ExitInfo describes how a reaped child finished.
type ExitInfo struct {
	ExitCode  int
	KilledByUs bool
	SpawnErr  error
}

// New creates a process handler that writes task logs under logDir and
// launches commands through shellCommand (a template containing
// "{{ pueue_command_string }}", tokenized with shellquote), with envVars
// injected into every task's environment (overriding the task's own
// captured env on conflict).
func New(logDir, shellCommand string, envVars map[string]string) *Handler {
	return &Handler{
		handles:      make(map[int]*Handle),
		logDir:       logDir,
		shellCommand: shellCommand,
		envVars:      envVars,
		logger:       log.WithComponent("process"),
	}
}

// LogPath returns the absolute path of a task's combined output log.
func (h *Handler) LogPath(taskID int) string {
	return filepath.Join(h.logDir, fmt.Sprintf("%d.log", taskID))
}

// Spawn launches req's command as the leader of a new process group,
// redirecting combined stdout+stderr to the task's log file (overwriting
// any previous content). On success it records the Handle and returns the
// child's PID; on failure it returns an error describing the spawn
// failure for the caller to map to Done(FailedToStart(reason)).
func (h *Handler) Spawn(req SpawnRequest) (pid int, err error) {
	timer := metrics.NewTimer()
	defer func() {
		if err == nil {
			timer.ObserveDuration(metrics.ProcessSpawnDuration)
		}
	}()

	if err := os.MkdirAll(h.logDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile, err := os.OpenFile(h.LogPath(req.TaskID), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create task log file: %w", err)
	}

	args, err := shellwords.Split(renderShellCommand(h.shellCommand, req.Command))
	if err != nil {
		logFile.Close()
		return 0, fmt.Errorf("failed to tokenize shell command: %w", err)
	}
	if len(args) == 0 {
		logFile.Close()
		return 0, fmt.Errorf("shell_command resolved to an empty argument list")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = req.Path
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = mergeEnv(req.Env, h.envVars, req.GroupName, req.WorkerSlot)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, fmt.Errorf("failed to start process: %w", err)
	}

	handle := &Handle{PID: cmd.Process.Pid, cmd: cmd, logFile: logFile, waitDone: make(chan struct{})}
	h.mu.Lock()
	h.handles[req.TaskID] = handle
	h.mu.Unlock()

	go func() {
		handle.waitErr = cmd.Wait()
		close(handle.waitDone)
	}()

	h.logger.Info().Int("task_id", req.TaskID).Int("pid", cmd.Process.Pid).Str("group", req.GroupName).Msg("spawned task")
	return cmd.Process.Pid, nil
}

// renderShellCommand substitutes the task's command into the configured
// shell invocation template, quoted as a single shell word so that the
// later tokenization hands it to the shell as one argument.
func renderShellCommand(template, command string) string {
	const placeholder = "{{ pueue_command_string }}"
	out := ""
	for i := 0; i < len(template); {
		if i+len(placeholder) <= len(template) && template[i:i+len(placeholder)] == placeholder {
			out += shellwords.Join(command)
			i += len(placeholder)
			continue
		}
		out += string(template[i])
		i++
	}
	return out
}

func mergeEnv(captured, injected map[string]string, group string, slot int) []string {
	merged := make(map[string]string, len(captured)+len(injected)+2)
	for k, v := range captured {
		merged[k] = v
	}
	for k, v := range injected {
		merged[k] = v
	}
	merged["TASKQD_GROUP"] = group
	merged["TASKQD_SLOT"] = fmt.Sprintf("%d", slot)

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// Pause sends a group-wide stop signal to taskID's process group.
func (h *Handler) Pause(taskID int) error {
	return h.signal(taskID, unix.SIGSTOP)
}

// Resume sends a group-wide continue signal to taskID's process group.
func (h *Handler) Resume(taskID int) error {
	return h.signal(taskID, unix.SIGCONT)
}

// Kill sends a group-wide termination signal to taskID's process group.
// If the task is currently Paused, the caller must resume it first (see
// KillResumingIfNeeded) so the signal is actually delivered.
func (h *Handler) Kill(taskID int) error {
	return h.KillWithSignal(taskID, unix.SIGTERM)
}

// KillWithSignal marks taskID as killed-by-us (so reap reports Killed
// rather than Failed on exit) and sends sig to its process group. Used by
// Kill; the dispatcher's Kill request with an explicit signal goes through
// Signal instead and does not mark the task.
func (h *Handler) KillWithSignal(taskID int, sig unix.Signal) error {
	h.mu.Lock()
	if handle, ok := h.handles[taskID]; ok {
		handle.killedByUs = true
	}
	h.mu.Unlock()
	return h.signal(taskID, sig)
}

// KillResumingIfNeeded implements spec.md §4.2's "killing a Paused task
// first resumes then terminates" rule.
func (h *Handler) KillResumingIfNeeded(taskID int, wasPaused bool) error {
	if wasPaused {
		_ = h.Resume(taskID)
	}
	return h.Kill(taskID)
}

// Signal sends an arbitrary POSIX signal to taskID's process group.
func (h *Handler) Signal(taskID int, sig unix.Signal) error {
	return h.signal(taskID, sig)
}

func (h *Handler) signal(taskID int, sig unix.Signal) error {
	h.mu.Lock()
	handle, ok := h.handles[taskID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live process for task %d", taskID)
	}
	if err := unix.Kill(-handle.PID, sig); err != nil {
		return fmt.Errorf("failed to signal process group %d: %w", handle.PID, err)
	}
	return nil
}

// Send writes data to taskID's stdin and flushes it. Only valid while the
// task is Running; the caller is responsible for that check.
func (h *Handler) Send(taskID int, data []byte) error {
	h.mu.Lock()
	handle, ok := h.handles[taskID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live process for task %d", taskID)
	}
	stdin, err := handle.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin: %w", err)
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write stdin: %w", err)
	}
	if f, ok := stdin.(interface{ Sync() error }); ok {
		_ = f.Sync()
	}
	return nil
}

// Poll non-blockingly checks whether taskID's process has exited. It
// returns ok=false if the task has no live handle or hasn't exited yet.
func (h *Handler) Poll(taskID int) (info ExitInfo, ok bool) {
	h.mu.Lock()
	handle, exists := h.handles[taskID]
	h.mu.Unlock()
	if !exists {
		return ExitInfo{}, false
	}

	select {
	case <-handle.waitDone:
	default:
		return ExitInfo{}, false
	}

	exitCode := 0
	if handle.waitErr != nil {
		if exitErr, isExit := handle.waitErr.(*exec.ExitError); isExit {
			exitCode = exitErr.ExitCode()
		} else {
			h.finalize(taskID)
			return ExitInfo{SpawnErr: handle.waitErr}, true
		}
	}

	h.mu.Lock()
	killedByUs := handle.killedByUs
	h.mu.Unlock()
	h.finalize(taskID)

	return ExitInfo{ExitCode: exitCode, KilledByUs: killedByUs}, true
}

func (h *Handler) finalize(taskID int) {
	h.mu.Lock()
	handle, ok := h.handles[taskID]
	if ok {
		delete(h.handles, taskID)
	}
	h.mu.Unlock()
	if ok && handle.logFile != nil {
		_ = handle.logFile.Sync()
		_ = handle.logFile.Close()
	}
}

// RemoveLog deletes taskID's log file. Best-effort: a missing file is not
// an error, since Clean/Reset may race a task that never produced output.
func (h *Handler) RemoveLog(taskID int) {
	if err := os.Remove(h.LogPath(taskID)); err != nil && !os.IsNotExist(err) {
		h.logger.Warn().Err(err).Int("task_id", taskID).Msg("failed to remove task log")
	}
}

// TailLines returns the last n lines of the log file at path, reading
// backwards from the end in fixed-size chunks until n newlines have been
// seen (per spec.md §9: never assume a line fits in one buffer). An n of
// zero or less returns the whole file.
func TailLines(path string, n int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()
	return tailLines(f, n)
}

const tailChunkSize = 4096

func tailLines(f *os.File, n int) (string, error) {
	if n <= 0 {
		data, err := io.ReadAll(f)
		if err != nil {
			return "", fmt.Errorf("failed to read log file: %w", err)
		}
		return string(data), nil
	}

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat log file: %w", err)
	}

	var (
		size      = info.Size()
		offset    = size
		newlines  = 0
		chunk     = make([]byte, tailChunkSize)
		collected []byte
	)

	for offset > 0 && newlines <= n {
		readSize := int64(tailChunkSize)
		if offset < readSize {
			readSize = offset
		}
		offset -= readSize

		if _, err := f.ReadAt(chunk[:readSize], offset); err != nil && err != io.EOF {
			return "", fmt.Errorf("failed to read log file: %w", err)
		}

		for i := int(readSize) - 1; i >= 0; i-- {
			if chunk[i] == '\n' {
				newlines++
				if newlines > n {
					offset += int64(i) + 1
					collected = append([]byte(nil), chunk[i+1:readSize]...)
					goto done
				}
			}
		}
		collected = append(append([]byte(nil), chunk[:readSize]...), collected...)
	}

done:
	if newlines <= n {
		return string(collected), nil
	}

	rest := make([]byte, size-offset)
	if _, err := f.ReadAt(rest, offset); err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read log file: %w", err)
	}
	return string(rest), nil
}
