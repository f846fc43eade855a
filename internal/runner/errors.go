package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/busytex/internal/protocol"
)

var (
	// ErrNotInitialized is returned by Compile unless the Runner is Ready.
	ErrNotInitialized = errors.New("busytex runner not initialized")

	// ErrModeMismatch is returned by Initialize when the Runner was already
	// initialized in the other execution mode.
	ErrModeMismatch = errors.New("busytex runner already bound to another execution mode")
)

// EngineException is an internal failure reported verbatim by the engine host.
type EngineException = protocol.EngineException

// InitializationError reports a failed or timed-out handshake.
type InitializationError struct {
	// Timeout is set when the engine host did not answer in time.
	Timeout bool
	After   time.Duration
	Err     error
}

func (e *InitializationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("busytex initialization timed out after %s", e.After)
	}
	return fmt.Sprintf("busytex initialization failed: %v", e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

// CompileTimeoutError reports a compile that got no answer in time. The
// engine host is released and must be initialized again.
type CompileTimeoutError struct {
	After time.Duration
}

func (e *CompileTimeoutError) Error() string {
	return fmt.Sprintf("busytex compile timed out after %s", e.After)
}

func (e *CompileTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}
