package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/talon/internal/bus"
)

// ProcessEngine runs the engine as a child process per call. The input is
// written to stdin as one JSON document; stdout is the reply text. On
// timeout the process receives SIGTERM, then SIGKILL after a grace period.
type ProcessEngine struct {
	command   string
	args      []string
	timeout   time.Duration
	killDelay time.Duration
}

// NewProcessEngine creates a process engine. timeout <= 0 disables the
// per-call deadline.
func NewProcessEngine(command string, args []string, timeout time.Duration) *ProcessEngine {
	return &ProcessEngine{
		command:   command,
		args:      args,
		timeout:   timeout,
		killDelay: 10 * time.Second,
	}
}

// Complete spawns the engine process for one turn.
func (e *ProcessEngine) Complete(ctx context.Context, input bus.EngineInput) (string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("%w: marshal input: %v", ErrFailed, err)
	}

	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Prefer a graceful stop so the engine can flush partial work.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.killDelay

	err = cmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: %s after %s", ErrTimeout, e.command, e.timeout)
		}
		if ctx.Err() == context.Canceled {
			return "", context.Canceled
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%w: %s", ErrFailed, msg)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// Ping checks that the engine binary is invocable.
func (e *ProcessEngine) Ping(ctx context.Context) bool {
	path, err := exec.LookPath(e.command)
	if err != nil {
		slog.Debug("engine ping failed", "command", e.command, "error", err)
		return false
	}
	_ = path
	return true
}
