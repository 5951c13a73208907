// Package engine abstracts the agent engine that computes replies. The
// core only ever sees the Engine interface; the concrete engine is a
// spawned process speaking JSON over stdin/stdout.
package engine

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/talon/internal/bus"
)

var (
	// ErrTimeout marks an engine call that exceeded ENGINE_TIMEOUT_MS.
	ErrTimeout = errors.New("engine_timeout")
	// ErrFailed marks any other engine execution failure.
	ErrFailed = errors.New("engine_failed")
)

// Engine computes one reply for one input. Complete must honor ctx
// cancellation promptly: aborting a turn cancels the context.
type Engine interface {
	Complete(ctx context.Context, input bus.EngineInput) (string, error)
	Ping(ctx context.Context) bool
}

// IsCancellation reports whether an engine error came from an operator
// abort rather than an engine failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsTimeout reports whether the engine call exceeded its deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
