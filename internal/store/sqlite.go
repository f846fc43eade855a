package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/busytex/internal/model"

	_ "modernc.org/sqlite"
)

const createCompilesTable = `
CREATE TABLE IF NOT EXISTS compiles (
    id          TEXT PRIMARY KEY,
    status      TEXT NOT NULL,
    tool        TEXT NOT NULL,
    driver      TEXT NOT NULL,
    main_path   TEXT NOT NULL,
    bibtex      INTEGER,
    verbosity   TEXT NOT NULL,
    exit_code   INTEGER,
    success     INTEGER,
    error       TEXT NOT NULL DEFAULT '',
    log         TEXT NOT NULL DEFAULT '',
    pdf         BLOB,
    synctex     BLOB,
    pdf_size    INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS compile_log_lines (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    compile_id TEXT NOT NULL REFERENCES compiles(id),
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createLogLinesIndex = `
CREATE INDEX IF NOT EXISTS idx_compile_log_lines_compile_seq
    ON compile_log_lines (compile_id, seq)`

const createPassesTable = `
CREATE TABLE IF NOT EXISTS compile_passes (
    compile_id   TEXT NOT NULL REFERENCES compiles(id),
    idx          INTEGER NOT NULL,
    cmd          TEXT NOT NULL,
    texmf_log    TEXT NOT NULL,
    missfont_log TEXT NOT NULL,
    log          TEXT NOT NULL,
    aux          TEXT NOT NULL,
    stdout       TEXT NOT NULL,
    stderr       TEXT NOT NULL,
    exit_code    INTEGER NOT NULL,
    PRIMARY KEY (compile_id, idx)
)`

var migrations = []string{
	createCompilesTable,
	createLogLinesTable,
	createLogLinesIndex,
	createPassesTable,
}

// compileColumns are the columns every compile query reads, without blobs.
const compileColumns = `id, status, tool, driver, main_path, bibtex, verbosity,
	exit_code, success, error, log, pdf_size, duration_ms,
	created_at, started_at, finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: SQLite has a single writer, and every connection to
	// ":memory:" would otherwise be a separate empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateCompile inserts a new compile record.
func (s *SQLiteStore) CreateCompile(ctx context.Context, c *model.CompileJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO compiles (
			id, status, tool, driver, main_path, bibtex, verbosity,
			exit_code, success, error, log, pdf, synctex, pdf_size, duration_ms,
			created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Status, c.Tool, string(c.Driver), c.MainPath, c.Bibtex, string(c.Verbosity),
		c.ExitCode, c.Success, c.Error, c.Log, c.PDF, c.SyncTeX, len(c.PDF), c.DurationMS,
		c.CreatedAt, c.StartedAt, c.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert compile: %w", err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCompile(row rowScanner, extra ...any) (*model.CompileJob, error) {
	c := &model.CompileJob{}
	dest := []any{
		&c.ID, &c.Status, &c.Tool, &c.Driver, &c.MainPath, &c.Bibtex, &c.Verbosity,
		&c.ExitCode, &c.Success, &c.Error, &c.Log, &c.PDFSize, &c.DurationMS,
		&c.CreatedAt, &c.StartedAt, &c.FinishedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return c, nil
}

// GetCompile retrieves a compile by ID, including its PDF and SyncTeX data.
func (s *SQLiteStore) GetCompile(ctx context.Context, id string) (*model.CompileJob, error) {
	var pdf, synctex []byte
	row := s.db.QueryRowContext(ctx,
		`SELECT `+compileColumns+`, pdf, synctex FROM compiles WHERE id = ?`, id)
	c, err := scanCompile(row, &pdf, &synctex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get compile: %w", err)
	}
	c.PDF = pdf
	c.SyncTeX = synctex
	return c, nil
}

// ListCompiles returns a page of compiles ordered by created_at DESC, without
// PDF data, along with the total count of all compiles.
func (s *SQLiteStore) ListCompiles(ctx context.Context, limit, offset int) ([]*model.CompileJob, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM compiles").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count compiles: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+compileColumns+` FROM compiles ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list compiles: %w", err)
	}
	defer rows.Close()

	var compiles []*model.CompileJob
	for rows.Next() {
		c, err := scanCompile(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan compile: %w", err)
		}
		compiles = append(compiles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate compiles: %w", err)
	}

	return compiles, total, nil
}

// currentStatus reads the status of id inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM compiles WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read compile status: %w", err)
	}
	return status, nil
}

// UpdateCompileStatus moves a compile to status. Entering running sets
// started_at; entering a terminal status sets finished_at.
func (s *SQLiteStore) UpdateCompileStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE compiles SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE compiles SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE compiles SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update compile status: %w", err)
	}

	return tx.Commit()
}

// UpdateCompile writes the outcome fields of c. A status change must be a
// valid transition; started_at is kept when c does not carry one.
func (s *SQLiteStore) UpdateCompile(ctx context.Context, c *model.CompileJob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, c.ID)
	if err != nil {
		return err
	}
	if from != c.Status && !model.ValidTransition(from, c.Status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, c.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE compiles SET
			status = ?, exit_code = ?, success = ?, error = ?, log = ?,
			pdf = ?, synctex = ?, pdf_size = ?, duration_ms = ?,
			started_at = COALESCE(?, started_at), finished_at = ?
		WHERE id = ?`,
		c.Status, c.ExitCode, c.Success, c.Error, c.Log,
		c.PDF, c.SyncTeX, len(c.PDF), c.DurationMS,
		c.StartedAt, c.FinishedAt,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("update compile: %w", err)
	}

	return tx.Commit()
}

// GetCompileStats returns counts by status and tool, the number of LaTeX
// failures and the average duration of finished compiles.
func (s *SQLiteStore) GetCompileStats(ctx context.Context) (*CompileStats, error) {
	stats := &CompileStats{
		CountByStatus: make(map[string]int),
		CountByTool:   make(map[string]int),
		CountByDriver: make(map[string]int),
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "tool", stats.CountByTool); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "driver", stats.CountByDriver); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT
			AVG(duration_ms),
			(SELECT COUNT(*) FROM compiles WHERE status = ? AND success = 0)
		FROM compiles WHERE duration_ms IS NOT NULL AND finished_at IS NOT NULL`,
		model.StatusCompleted,
	).Scan(&avg, &stats.LaTeXFailures)
	if err != nil {
		return nil, fmt.Errorf("compile durations: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

// countBy fills counts with COUNT(*) grouped by column. column is one of a
// fixed set of names, never user input.
func (s *SQLiteStore) countBy(ctx context.Context, column string, counts map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM compiles GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		counts[key] = n
	}
	return rows.Err()
}

// InsertLogLine appends one progress line of a compile.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, compileID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO compile_log_lines (compile_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		compileID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the progress lines of a compile ordered by seq. The
// result is empty, not nil, when there are none.
func (s *SQLiteStore) GetLogLines(ctx context.Context, compileID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, compile_id, seq, line, created_at
		FROM compile_log_lines WHERE compile_id = ? ORDER BY seq ASC`, compileID)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	lines := []model.LogLine{}
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.CompileID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

// InsertPassLogs stores the per-pass logs of a compile, replacing any stored
// before.
func (s *SQLiteStore) InsertPassLogs(ctx context.Context, compileID string, passes []model.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM compile_passes WHERE compile_id = ?", compileID); err != nil {
		return fmt.Errorf("clear pass logs: %w", err)
	}

	for i, p := range passes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO compile_passes (
				compile_id, idx, cmd, texmf_log, missfont_log, log, aux, stdout, stderr, exit_code
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			compileID, i, p.Cmd, p.TexmfLog, p.MissfontLog, p.Log, p.Aux, p.Stdout, p.Stderr, p.ExitCode,
		)
		if err != nil {
			return fmt.Errorf("insert pass log %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// GetPassLogs returns the per-pass logs of a compile in pass order.
func (s *SQLiteStore) GetPassLogs(ctx context.Context, compileID string) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cmd, texmf_log, missfont_log, log, aux, stdout, stderr, exit_code
		FROM compile_passes WHERE compile_id = ? ORDER BY idx ASC`, compileID)
	if err != nil {
		return nil, fmt.Errorf("get pass logs: %w", err)
	}
	defer rows.Close()

	passes := []model.LogEntry{}
	for rows.Next() {
		var p model.LogEntry
		if err := rows.Scan(&p.Cmd, &p.TexmfLog, &p.MissfontLog, &p.Log, &p.Aux, &p.Stdout, &p.Stderr, &p.ExitCode); err != nil {
			return nil, fmt.Errorf("scan pass log: %w", err)
		}
		passes = append(passes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pass logs: %w", err)
	}
	return passes, nil
}
