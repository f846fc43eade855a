// Package jobs runs compiles as tracked jobs. Every compile gets a persisted
// record that moves pending → running → completed|failed, its progress lines
// are stored and fanned out to live subscribers, and its per-pass logs are
// kept for later inspection.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/busytex/internal/model"
	"github.com/seantiz/busytex/internal/protocol"
	"github.com/seantiz/busytex/internal/runner"
	"github.com/seantiz/busytex/internal/store"
	"github.com/seantiz/busytex/internal/tools"
)

// Submission is a compile request addressed to a named tool.
type Submission struct {
	Tool    string
	Options tools.CompileOptions
}

// Service creates compile jobs and executes them through the tool registry.
type Service struct {
	store    store.Store
	registry *tools.Registry
	logger   *slog.Logger
	wg       sync.WaitGroup
	broker   *LogBroker
}

// NewService creates a job service.
func NewService(s store.Store, reg *tools.Registry, logger *slog.Logger) *Service {
	return &Service{
		store:    s,
		registry: reg,
		logger:   logger,
		broker:   NewLogBroker(),
	}
}

// Broker returns the service's log broker for live progress subscriptions.
func (s *Service) Broker() *LogBroker {
	return s.broker
}

// Submit stores a pending job and compiles it in the background. It fails
// without creating a job when the tool is unknown.
func (s *Service) Submit(ctx context.Context, sub Submission) (*model.CompileJob, error) {
	compiler, err := s.registry.Resolve(sub.Tool)
	if err != nil {
		return nil, err
	}

	job, err := s.create(ctx, sub, compiler)
	if err != nil {
		return nil, err
	}

	jobCopy := *job
	s.wg.Go(func() {
		s.execute(context.Background(), &jobCopy, compiler, sub.Options)
	})

	return job, nil
}

// Run stores a job, compiles it in the calling goroutine and returns the
// finished job with the compile result. The result is nil when the job
// failed; the reason is in the job's Error.
func (s *Service) Run(ctx context.Context, sub Submission) (*model.CompileJob, *model.CompileResult, error) {
	compiler, err := s.registry.Resolve(sub.Tool)
	if err != nil {
		return nil, nil, err
	}

	job, err := s.create(ctx, sub, compiler)
	if err != nil {
		return nil, nil, err
	}

	result := s.execute(ctx, job, compiler, sub.Options)

	finished, err := s.store.GetCompile(context.Background(), job.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("reload compile: %w", err)
	}
	return finished, result, nil
}

// Wait blocks until all background compiles finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) create(ctx context.Context, sub Submission, compiler tools.Compiler) (*model.CompileJob, error) {
	verbosity := sub.Options.Verbose
	if verbosity == "" {
		verbosity = model.VerbositySilent
	}

	job := &model.CompileJob{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		Tool:      compiler.Name(),
		Driver:    compiler.Driver(),
		MainPath:  tools.MainFile,
		Bibtex:    sub.Options.Bibtex,
		Verbosity: verbosity,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateCompile(ctx, job); err != nil {
		return nil, fmt.Errorf("create compile: %w", err)
	}
	return job, nil
}

// execute drives one job through running to completed or failed.
func (s *Service) execute(ctx context.Context, job *model.CompileJob, compiler tools.Compiler, opts tools.CompileOptions) *model.CompileResult {
	defer s.broker.Close(job.ID)

	if err := s.store.UpdateCompileStatus(context.Background(), job.ID, model.StatusRunning); err != nil {
		s.logger.Error("failed to transition to running", "compile_id", job.ID, "error", err)
		s.finishFailed(job.ID, nil, fmt.Sprintf("failed to start: %v", err))
		return nil
	}
	start := time.Now().UTC()

	// Progress lines are persisted for history and published for live
	// streaming, then handed to the caller's own writer.
	var seq atomic.Int32
	callerWriter := opts.LogWriter
	opts.LogWriter = func(line string) {
		n := int(seq.Add(1) - 1)
		if err := s.store.InsertLogLine(context.Background(), job.ID, n, line); err != nil {
			s.logger.Error("failed to persist log line", "compile_id", job.ID, "seq", n, "error", err)
		}
		s.broker.Publish(job.ID, ProgressLine{Seq: n, Text: line})
		if callerWriter != nil {
			callerWriter(line)
		}
	}

	result, err := compiler.Compile(ctx, opts)
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		s.logger.Warn("compile failed", "compile_id", job.ID, "tool", job.Tool, "error", err)
		s.finishFailed(job.ID, &start, failureMessage(err))
		return nil
	}

	if err := s.store.InsertPassLogs(context.Background(), job.ID, result.Logs); err != nil {
		s.logger.Error("failed to persist pass logs", "compile_id", job.ID, "error", err)
	}

	now := time.Now().UTC()
	exitCode := result.ExitCode
	success := result.Success
	completed := &model.CompileJob{
		ID:         job.ID,
		Status:     model.StatusCompleted,
		ExitCode:   &exitCode,
		Success:    &success,
		Log:        result.Log,
		PDF:        result.PDF,
		SyncTeX:    result.SyncTeX,
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &now,
	}
	if err := s.store.UpdateCompile(context.Background(), completed); err != nil {
		s.logger.Error("failed to update completed compile", "compile_id", job.ID, "error", err)
	}

	s.logger.Info("compile completed",
		"compile_id", job.ID,
		"tool", job.Tool,
		"success", success,
		"exit_code", exitCode,
		"pdf_bytes", len(result.PDF),
		"duration_ms", durationMS,
	)
	return result
}

// failureMessage describes why a job got no result.
func failureMessage(err error) string {
	var timeoutErr *runner.CompileTimeoutError
	var exc *protocol.EngineException
	switch {
	case errors.As(err, &timeoutErr):
		return fmt.Sprintf("compile timed out after %s", timeoutErr.After)
	case errors.As(err, &exc):
		return exc.Error()
	default:
		return err.Error()
	}
}

// finishFailed marks a job failed. startedAt is nil if it never started.
func (s *Service) finishFailed(id string, startedAt *time.Time, errMsg string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	c := &model.CompileJob{
		ID:         id,
		Status:     model.StatusFailed,
		Error:      errMsg,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}

	if err := s.store.UpdateCompile(context.Background(), c); err != nil {
		s.logger.Error("failed to update failed compile", "compile_id", id, "error", err)
	}
}
