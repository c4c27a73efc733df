package handler

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/executor"
	"github.com/t77yq/taskbeat/internal/model"
)

func shellJob(t *testing.T, payload ShellCommandPayload) *model.Job {
	t.Helper()
	args, err := json.Marshal(payload)
	require.NoError(t, err)
	return &model.Job{ID: "job-1", Task: ShellCommandTask, Args: args}
}

func TestShellCommandHandler(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	h := NewShellCommandHandler(zap.NewNop())
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		result, err := h.Handle(ctx, shellJob(t, ShellCommandPayload{
			Command: "sh",
			Args:    []string{"-c", "echo $GREETING"},
			Env:     map[string]string{"GREETING": "hello"},
		}))
		require.NoError(t, err)

		var out ShellCommandResult
		require.NoError(t, json.Unmarshal(result, &out))
		assert.Equal(t, 0, out.ExitCode)
		assert.Equal(t, "hello\n", out.Output)
	})

	t.Run("Working directory", func(t *testing.T) {
		dir := t.TempDir()
		result, err := h.Handle(ctx, shellJob(t, ShellCommandPayload{
			Command:    "sh",
			Args:       []string{"-c", "pwd"},
			WorkingDir: dir,
		}))
		require.NoError(t, err)
		assert.Contains(t, string(result), dir)
	})

	t.Run("Non-zero exit is permanent", func(t *testing.T) {
		_, err := h.Handle(ctx, shellJob(t, ShellCommandPayload{
			Command: "sh",
			Args:    []string{"-c", "echo failing >&2; exit 3"},
		}))
		require.Error(t, err)
		assert.Equal(t, executor.ClassPermanent, executor.Classify(err))
		assert.Contains(t, err.Error(), "code 3")
		assert.Contains(t, err.Error(), "failing")
	})

	t.Run("Timeout is transient", func(t *testing.T) {
		_, err := h.Handle(ctx, shellJob(t, ShellCommandPayload{
			Command: "sh",
			Args:    []string{"-c", "exec sleep 5"},
			Timeout: "50ms",
		}))
		require.Error(t, err)
		assert.Equal(t, executor.ClassTransient, executor.Classify(err))
	})

	t.Run("Unknown command is permanent", func(t *testing.T) {
		_, err := h.Handle(ctx, shellJob(t, ShellCommandPayload{Command: "definitely-not-a-command-xyz"}))
		require.Error(t, err)
		assert.Equal(t, executor.ClassPermanent, executor.Classify(err))
	})

	t.Run("Missing command", func(t *testing.T) {
		_, err := h.Handle(ctx, shellJob(t, ShellCommandPayload{}))
		assert.Equal(t, executor.ClassPermanent, executor.Classify(err))
	})
}
