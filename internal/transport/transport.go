// Package transport connects the runner to an engine host. A Channel speaks
// the framed message protocol to a worker (subprocess, unix socket, TCP or
// vsock peer); Direct calls a pipeline in the caller's goroutine.
package transport

import (
	"context"
	"errors"

	"github.com/seantiz/busytex/internal/protocol"
)

// ErrClosed is returned for requests on a transport that was terminated or
// whose engine host went away.
var ErrClosed = errors.New("transport closed")

// Mode selects where the engine host runs.
type Mode string

// Execution modes.
const (
	// ModeWorker runs the engine host in a background process or peer.
	ModeWorker Mode = "worker"

	// ModeDirect runs the engine in the caller's goroutine.
	ModeDirect Mode = "direct"
)

// ProgressFunc receives progress lines emitted by the engine host.
type ProgressFunc func(line string)

// Transport is the contract shared by every way of reaching an engine host.
type Transport interface {
	// Initialize performs the handshake and returns the engine's applet versions.
	Initialize(ctx context.Context, msg protocol.InitMessage, progress ProgressFunc) (map[string]string, error)

	// Compile sends one compile request and waits for its result. Engine-side
	// failures are returned as *protocol.EngineException.
	Compile(ctx context.Context, msg protocol.CompileMessage, progress ProgressFunc) (protocol.CompileOutput, error)

	// Terminate releases the engine host. It is safe to call more than once.
	Terminate() error
}
