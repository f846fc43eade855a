package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/seantiz/busytex/internal/pipeline"
	"github.com/seantiz/busytex/internal/protocol"
)

// Compile-time interface satisfaction check.
var _ Transport = (*Direct)(nil)

// Direct runs a pipeline synchronously in the calling goroutine. The caller is
// blocked for the whole compile; only one call runs at a time.
type Direct struct {
	pipeline pipeline.Pipeline

	mu     sync.Mutex
	closed bool
}

// NewDirect wraps p as a transport.
func NewDirect(p pipeline.Pipeline) *Direct {
	return &Direct{pipeline: p}
}

// Initialize calls the pipeline's Init.
func (d *Direct) Initialize(ctx context.Context, msg protocol.InitMessage, progress ProgressFunc) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	versions, err := d.pipeline.Init(ctx, msg, pipeline.PrintFunc(progress))
	if err != nil {
		return nil, asEngineError(ctx, err)
	}
	return versions, nil
}

// Compile calls the pipeline's Compile.
func (d *Direct) Compile(ctx context.Context, msg protocol.CompileMessage, progress ProgressFunc) (protocol.CompileOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return protocol.CompileOutput{}, ErrClosed
	}

	out, err := d.pipeline.Compile(ctx, msg, pipeline.PrintFunc(progress))
	if err != nil {
		return protocol.CompileOutput{}, asEngineError(ctx, err)
	}
	return out, nil
}

// Terminate releases the pipeline once.
func (d *Direct) Terminate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.pipeline.Terminate()
}

// asEngineError reports pipeline failures the way a worker would, as an
// engine exception, while keeping context errors intact for timeout handling.
func asEngineError(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return ctx.Err()
	}
	return &protocol.EngineException{Message: err.Error()}
}
