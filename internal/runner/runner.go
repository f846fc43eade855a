// Package runner owns the connection to one BusyTeX engine host. It runs the
// lifecycle (initialize, compile, terminate), bounds every exchange with a
// timeout and turns engine responses into model.CompileResult values.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/seantiz/busytex/internal/model"
	"github.com/seantiz/busytex/internal/pipeline"
	"github.com/seantiz/busytex/internal/protocol"
	"github.com/seantiz/busytex/internal/transport"
)

// Opener creates the transport for an execution mode. ctx bounds connection
// setup and is the Runner's init deadline.
type Opener func(ctx context.Context, mode transport.Mode, cfg Config, logger *slog.Logger) (transport.Transport, error)

// DefaultOpener spawns or dials a worker in worker mode and drives the native
// engine binary in the caller's goroutine in direct mode.
func DefaultOpener(ctx context.Context, mode transport.Mode, cfg Config, logger *slog.Logger) (transport.Transport, error) {
	switch mode {
	case transport.ModeWorker:
		if cfg.WorkerAddr != "" {
			addr, err := transport.ParseAddr(cfg.WorkerAddr)
			if err != nil {
				return nil, err
			}
			return transport.Dial(ctx, addr, logger)
		}
		return transport.Spawn(cfg.WorkerCommand, logger)
	case transport.ModeDirect:
		return transport.NewDirect(pipeline.NewExec(cfg.EngineBin, logger)), nil
	default:
		return nil, fmt.Errorf("unknown execution mode %q", mode)
	}
}

// Runner is a handle on one engine host. It is safe for concurrent use:
// compiles are queued and run one at a time in arrival order.
type Runner struct {
	cfg    Config
	logger *slog.Logger
	open   Opener

	// initMu serializes Initialize calls.
	initMu sync.Mutex

	// slot admits one compile at a time.
	slot chan struct{}

	mu       sync.Mutex
	state    State
	mode     transport.Mode
	tr       transport.Transport
	versions map[string]string
}

// New creates an uninitialized Runner. A nil opener means DefaultOpener.
func New(cfg Config, logger *slog.Logger, open Opener) *Runner {
	if open == nil {
		open = DefaultOpener
	}
	return &Runner{
		cfg:    cfg.withDefaults(),
		logger: logger,
		open:   open,
		slot:   make(chan struct{}, 1),
		state:  StateUninitialized,
	}
}

// Config returns the effective configuration, defaults applied.
func (r *Runner) Config() Config {
	return r.cfg
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Mode returns the execution mode recorded by the first successful
// Initialize, or "" before that.
func (r *Runner) Mode() transport.Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// EngineVersions returns the applet versions reported by the last handshake.
func (r *Runner) EngineVersions() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.versions)
}

// Initialize opens a transport in the given mode and performs the handshake.
// It is a no-op while Ready. The mode is fixed by the first success; asking
// for the other mode later returns ErrModeMismatch.
func (r *Runner) Initialize(ctx context.Context, mode transport.Mode) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	r.mu.Lock()
	if r.mode != "" && r.mode != mode {
		bound := r.mode
		r.mu.Unlock()
		return fmt.Errorf("%w: bound to %s, asked for %s", ErrModeMismatch, bound, mode)
	}
	if r.state == StateReady {
		r.mu.Unlock()
		return nil
	}
	r.state = StateInitializing
	r.mu.Unlock()

	start := time.Now()
	initCtx, cancel := context.WithTimeout(ctx, r.cfg.InitTimeout)
	defer cancel()

	versions, tr, err := r.handshake(initCtx, mode)
	if err != nil {
		r.mu.Lock()
		if r.state == StateInitializing {
			r.state = StateUninitialized
		}
		r.mu.Unlock()

		initDuration.WithLabelValues(string(mode), "error").Observe(time.Since(start).Seconds())
		initErr := &InitializationError{Err: err}
		if errors.Is(err, context.DeadlineExceeded) {
			initErr.Timeout = true
			initErr.After = r.cfg.InitTimeout
		}
		r.logger.Error("engine initialization failed", "mode", mode, "timeout", initErr.Timeout, "error", err)
		return initErr
	}

	r.mu.Lock()
	if r.state != StateInitializing {
		// Terminate ran while the handshake was in flight.
		r.mu.Unlock()
		tr.Terminate()
		return &InitializationError{Err: errors.New("runner terminated during initialization")}
	}
	r.tr = tr
	r.mode = mode
	r.versions = versions
	r.state = StateReady
	r.mu.Unlock()

	initDuration.WithLabelValues(string(mode), "ok").Observe(time.Since(start).Seconds())
	r.logger.Info("engine initialized",
		"mode", mode,
		"base_path", r.cfg.BasePath,
		"applets", len(versions),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// handshake opens a transport and sends the init message. The transport is
// released on failure.
func (r *Runner) handshake(ctx context.Context, mode transport.Mode) (map[string]string, transport.Transport, error) {
	tr, err := r.open(ctx, mode, r.cfg, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s transport: %w", mode, err)
	}

	versions, err := tr.Initialize(ctx, initMessage(r.cfg), r.progress(nil))
	if err != nil {
		if termErr := tr.Terminate(); termErr != nil {
			r.logger.Warn("release transport after failed handshake", "error", termErr)
		}
		return nil, nil, err
	}
	return versions, tr, nil
}

// Compile runs one compile and waits for its result. A LaTeX-level failure is
// a result with Success false, not an error. Errors are ErrNotInitialized,
// *CompileTimeoutError, *EngineException, transport.ErrClosed or the caller's
// context error.
func (r *Runner) Compile(ctx context.Context, req model.CompileRequest) (*model.CompileResult, error) {
	if r.State() != StateReady {
		return nil, ErrNotInitialized
	}

	compileQueueDepth.Inc()
	select {
	case r.slot <- struct{}{}:
		compileQueueDepth.Dec()
	case <-ctx.Done():
		compileQueueDepth.Dec()
		return nil, ctx.Err()
	}
	defer func() { <-r.slot }()

	r.mu.Lock()
	tr := r.tr
	ready := r.state == StateReady
	r.mu.Unlock()
	if !ready || tr == nil {
		return nil, ErrNotInitialized
	}

	driver := string(req.Driver)
	start := time.Now()
	compileCtx, cancel := context.WithTimeout(ctx, r.cfg.CompileTimeout)
	defer cancel()

	out, err := tr.Compile(compileCtx, compileMessage(req), r.progress(req.LogWriter))
	compileDuration.WithLabelValues(driver).Observe(time.Since(start).Seconds())

	if err != nil {
		switch {
		case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
			compilesTotal.WithLabelValues(driver, outcomeTimeout).Inc()
			r.logger.Error("compile timed out, releasing engine", "driver", driver, "timeout", r.cfg.CompileTimeout)
			r.release(tr)
			return nil, &CompileTimeoutError{After: r.cfg.CompileTimeout}
		case errors.Is(err, transport.ErrClosed):
			compilesTotal.WithLabelValues(driver, outcomeError).Inc()
			r.release(tr)
			return nil, fmt.Errorf("compile: %w", err)
		default:
			compilesTotal.WithLabelValues(driver, outcomeError).Inc()
			return nil, err
		}
	}

	result := toResult(out)
	outcome := outcomeSuccess
	if !result.Success {
		outcome = outcomeFailure
	}
	compilesTotal.WithLabelValues(driver, outcome).Inc()
	r.logger.Debug("compile finished",
		"driver", driver,
		"main_path", req.MainPath,
		"exit_code", result.ExitCode,
		"pdf_bytes", len(result.PDF),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// Terminate releases the engine host. It is idempotent. Compile fails with
// ErrNotInitialized until Initialize runs again.
func (r *Runner) Terminate() error {
	r.mu.Lock()
	tr := r.tr
	r.tr = nil
	r.versions = nil
	r.state = StateTerminated
	r.mu.Unlock()

	if tr == nil {
		return nil
	}
	r.logger.Info("engine terminated", "mode", r.Mode())
	return tr.Terminate()
}

// release drops tr after it was left in an undefined state, unless another
// Initialize or Terminate already replaced it.
func (r *Runner) release(tr transport.Transport) {
	r.mu.Lock()
	current := r.tr == tr
	if current {
		r.tr = nil
		r.versions = nil
		r.state = StateUninitialized
	}
	r.mu.Unlock()

	if err := tr.Terminate(); err != nil {
		r.logger.Warn("release transport", "error", err)
	}
}

// progress returns the sink for engine print messages: the verbose log and
// the request's own writer.
func (r *Runner) progress(logWriter func(string)) transport.ProgressFunc {
	return func(line string) {
		if r.cfg.Verbose {
			r.logger.Info("engine", "line", line)
		}
		if logWriter != nil {
			logWriter(line)
		}
	}
}

func compileMessage(req model.CompileRequest) protocol.CompileMessage {
	files := make([]protocol.File, len(req.Files))
	for i, f := range req.Files {
		files[i] = protocol.File{Path: f.Path, Contents: f.Content}
	}

	verbosity := req.Verbosity
	if verbosity == "" {
		verbosity = model.VerbositySilent
	}

	return protocol.CompileMessage{
		Files:        files,
		MainTexPath:  req.MainPath,
		Bibtex:       req.Bibtex,
		Verbose:      string(verbosity),
		Driver:       string(req.Driver),
		DataPackages: req.DataPackages,
	}
}

// toResult maps engine output to a result. Only a zero exit code is a
// success; a failed result never carries a PDF.
func toResult(out protocol.CompileOutput) *model.CompileResult {
	result := &model.CompileResult{
		Success:  out.ExitCode == 0,
		Log:      out.Log,
		ExitCode: out.ExitCode,
		Logs:     make([]model.LogEntry, len(out.Logs)),
	}
	if result.Success {
		result.PDF = out.PDF
		result.SyncTeX = out.SyncTeX
	}
	for i, l := range out.Logs {
		result.Logs[i] = model.LogEntry{
			Cmd:         l.Cmd,
			TexmfLog:    l.TexmfLog,
			MissfontLog: l.MissfontLog,
			Log:         l.Log,
			Aux:         l.Aux,
			Stdout:      l.Stdout,
			Stderr:      l.Stderr,
			ExitCode:    l.ExitCode,
		}
	}
	return result
}
