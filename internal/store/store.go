package store

import (
	"context"
	"errors"

	"github.com/seantiz/busytex/internal/model"
)

var (
	// ErrNotFound is returned when a compile job does not exist.
	ErrNotFound = errors.New("compile not found")

	// ErrInvalidTransition is returned when a compile status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CompileStats holds aggregate compile statistics.
type CompileStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByTool   map[string]int `json:"count_by_tool"`
	CountByDriver map[string]int `json:"count_by_driver"`

	// LaTeXFailures counts completed compiles whose run exited non-zero.
	LaTeXFailures int     `json:"latex_failures"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Store defines the persistence operations for compile jobs.
type Store interface {
	CreateCompile(ctx context.Context, c *model.CompileJob) error
	GetCompile(ctx context.Context, id string) (*model.CompileJob, error)
	ListCompiles(ctx context.Context, limit, offset int) ([]*model.CompileJob, int, error)
	UpdateCompileStatus(ctx context.Context, id, status string) error
	UpdateCompile(ctx context.Context, c *model.CompileJob) error
	GetCompileStats(ctx context.Context) (*CompileStats, error)
	InsertLogLine(ctx context.Context, compileID string, seq int, line string) error
	GetLogLines(ctx context.Context, compileID string) ([]model.LogLine, error)
	InsertPassLogs(ctx context.Context, compileID string, passes []model.LogEntry) error
	GetPassLogs(ctx context.Context, compileID string) ([]model.LogEntry, error)
	Close() error
}
