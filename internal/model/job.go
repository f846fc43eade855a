package model

import "time"

// Compile job status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final job status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// LogLine is a single persisted progress line from a compile job.
type LogLine struct {
	ID        int64     `json:"id"`
	CompileID string    `json:"compile_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// CompileJob is a compile submitted through the service layer and its outcome.
//
// Completed means the engine answered; the LaTeX run itself may still have
// failed, which is recorded in Success and ExitCode. Failed means no result
// was obtained (timeout, engine exception, engine not available).
type CompileJob struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Tool       string     `json:"tool"`
	Driver     Driver     `json:"driver"`
	MainPath   string     `json:"main_path"`
	Bibtex     *bool      `json:"bibtex,omitempty"`
	Verbosity  Verbosity  `json:"verbosity"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Success    *bool      `json:"success,omitempty"`
	Error      string     `json:"error,omitempty"`
	Log        string     `json:"log,omitempty"`
	PDF        []byte     `json:"-"`
	SyncTeX    []byte     `json:"-"`
	PDFSize    int        `json:"pdf_size"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
