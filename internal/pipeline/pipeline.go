// Package pipeline runs compile requests against a BusyTeX engine inside the
// current process. It is the engine side of the protocol: the engine host
// serves it over a message channel, and the runner calls it directly in
// direct mode.
package pipeline

import (
	"context"

	"github.com/seantiz/busytex/internal/protocol"
)

// PrintFunc receives progress lines while the engine works.
type PrintFunc func(line string)

// Pipeline is an engine that can be initialized once and then compile any
// number of file sets, one at a time.
type Pipeline interface {
	// Init loads the engine and its package data and returns the versions of
	// the applets it found.
	Init(ctx context.Context, msg protocol.InitMessage, progress PrintFunc) (map[string]string, error)

	// Compile runs the passes for msg.Driver. A LaTeX-level failure is not an
	// error: it is reported through CompileOutput.ExitCode.
	Compile(ctx context.Context, msg protocol.CompileMessage, progress PrintFunc) (protocol.CompileOutput, error)

	// Terminate releases the engine. Init must be called again before Compile.
	Terminate() error
}
