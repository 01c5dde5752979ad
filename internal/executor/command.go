package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/conductor/internal/scheduler"
)

// CommandExecutor runs each task's Command through the shell. Tasks without
// a command succeed immediately with empty output, which keeps plan-shaped
// runs (effort estimation only) executable.
type CommandExecutor struct {
	Shell string          // Shell binary (default "sh")
	PM    *ProcessManager // Optional subprocess tracking for shutdown
}

// NewCommandExecutor creates a CommandExecutor with subprocess tracking.
func NewCommandExecutor(pm *ProcessManager) *CommandExecutor {
	return &CommandExecutor{Shell: "sh", PM: pm}
}

// Execute implements TaskExecutor.
func (e *CommandExecutor) Execute(ctx context.Context, task scheduler.Task) (Result, error) {
	if strings.TrimSpace(task.Command) == "" {
		return Result{}, nil
	}

	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := newCommand(ctx, shell, "-c", task.Command)
	stdout, _, err := runCommand(cmd, e.PM)
	if err != nil {
		if ctx.Err() != nil {
			// Surface cancellation distinctly so it is not counted as failure
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("task %q: %w", task.ID, err)
	}

	return Result{Output: string(stdout)}, nil
}
