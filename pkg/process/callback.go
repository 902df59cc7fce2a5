package process

import (
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	shellwords "github.com/kballard/go-shellquote"
)

// CallbackVars carries the substitution values named in spec.md §4.2's
// callback variable set: id, command, path, label, group, result,
// exit_code, enqueued_at, start, end, output, queued_count, stashed_count.
type CallbackVars struct {
	ID           int
	Command      string
	Path         string
	Label        string
	Group        string
	Result       string
	ExitCode     int
	EnqueuedAt   time.Time
	Start        time.Time
	End          time.Time
	Output       string
	QueuedCount  int
	StashedCount int
}

// RenderCallback substitutes {{ var }} placeholders in template with the
// fields of vars, matching the teacher's "{{ pueue_command_string }}"
// double-brace convention used for the shell_command template.
func RenderCallback(template string, vars CallbackVars) string {
	replacer := strings.NewReplacer(
		"{{ id }}", strconv.Itoa(vars.ID),
		"{{ command }}", vars.Command,
		"{{ path }}", vars.Path,
		"{{ label }}", vars.Label,
		"{{ group }}", vars.Group,
		"{{ result }}", vars.Result,
		"{{ exit_code }}", strconv.Itoa(vars.ExitCode),
		"{{ enqueued_at }}", vars.EnqueuedAt.Format(time.RFC3339),
		"{{ start }}", vars.Start.Format(time.RFC3339),
		"{{ end }}", vars.End.Format(time.RFC3339),
		"{{ output }}", vars.Output,
		"{{ queued_count }}", strconv.Itoa(vars.QueuedCount),
		"{{ stashed_count }}", strconv.Itoa(vars.StashedCount),
	)
	return replacer.Replace(template)
}

// FireCallback renders template with vars, tokenizes the result through
// shellCommand the same way a task's own command is tokenized, and spawns
// it detached: the handler does not track or reap it, and a failure to
// launch is logged and otherwise ignored per spec.md §4.2.
func (h *Handler) FireCallback(template, shellCommand string, vars CallbackVars) {
	if template == "" {
		return
	}
	rendered := RenderCallback(template, vars)

	args, err := shellwords.Split(renderShellCommand(shellCommand, rendered))
	if err != nil || len(args) == 0 {
		h.logger.Warn().Int("task_id", vars.ID).Err(err).Msg("failed to tokenize callback command")
		return
	}

	cmd := exec.Command(args[0], args[1:]...)
	invocationID := uuid.NewString()
	if err := cmd.Start(); err != nil {
		h.logger.Warn().Int("task_id", vars.ID).Str("invocation_id", invocationID).Err(err).Msg("failed to launch callback")
		return
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			h.logger.Warn().Int("task_id", vars.ID).Str("invocation_id", invocationID).Err(err).Msg("callback exited with error")
		}
	}()
}
