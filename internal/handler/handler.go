// Package handler provides the built-in task handlers.
package handler

import (
	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/executor"
)

const (
	HTTPRequestTask  = "http_request"
	ShellCommandTask = "shell_command"
)

// RegisterBuiltins registers the built-in handlers with registry
func RegisterBuiltins(registry *executor.Registry, logger *zap.Logger) error {
	if err := registry.Register(HTTPRequestTask, NewHTTPRequestHandler(logger)); err != nil {
		return err
	}
	return registry.Register(ShellCommandTask, NewShellCommandHandler(logger))
}
