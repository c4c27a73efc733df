package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/executor"
	"github.com/t77yq/taskbeat/internal/model"
)

// ShellCommandPayload represents the arguments of a shell_command job
type ShellCommandPayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Timeout    string            `json:"timeout"`
}

// ShellCommandResult is the stored result of a shell_command job
type ShellCommandResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// ShellCommandHandler handles shell command execution tasks
type ShellCommandHandler struct {
	logger *zap.Logger
}

// NewShellCommandHandler creates a new shell command handler
func NewShellCommandHandler(logger *zap.Logger) *ShellCommandHandler {
	return &ShellCommandHandler{
		logger: logger.Named("shell-command"),
	}
}

// Handle runs the command. A timeout is transient; a non-zero exit or a
// command that cannot be started is permanent.
func (h *ShellCommandHandler) Handle(ctx context.Context, job *model.Job) ([]byte, error) {
	var payload ShellCommandPayload
	if err := executor.DecodeArgs(job, &payload); err != nil {
		return nil, err
	}
	if payload.Command == "" {
		return nil, executor.Permanent(errors.New("command is required"))
	}

	// Create command context with timeout
	cmdCtx := ctx
	if payload.Timeout != "" {
		timeout, err := time.ParseDuration(payload.Timeout)
		if err != nil {
			return nil, executor.Permanent(fmt.Errorf("invalid timeout: %w", err))
		}
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, payload.Command, payload.Args...)
	// Children that inherited the output pipes must not hold Wait open
	cmd.WaitDelay = time.Second
	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}
	if len(payload.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range payload.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	h.logger.Info("Executing shell command",
		zap.String("job_id", job.ID),
		zap.String("command", payload.Command),
		zap.Strings("args", payload.Args))

	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			return nil, executor.Transient(errors.New("command execution timed out"))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, executor.Permanent(fmt.Errorf("command exited with code %d: %s",
				exitErr.ExitCode(), strings.TrimSpace(string(output))))
		}
		return nil, executor.Permanent(fmt.Errorf("failed to run command: %w", err))
	}

	return json.Marshal(ShellCommandResult{ExitCode: 0, Output: string(output)})
}
