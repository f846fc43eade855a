package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/busytex/internal/model"
	"github.com/seantiz/busytex/internal/protocol"
)

// ErrNotInitialized is returned by Compile before a successful Init.
var ErrNotInitialized = errors.New("pipeline not initialized")

const (
	// maxLineSize caps a single line of engine output.
	maxLineSize = 1 << 20
	// truncatedSuffix marks a line cut at maxLineSize.
	truncatedSuffix = " [line truncated]"
	// passWaitDelay bounds how long a finished or killed applet's streams may
	// stay open through processes it left behind.
	passWaitDelay = 2 * time.Second
)

// Files the engine leaves behind that are collected after every pass.
const (
	texmfLogFile    = "texmf.log"
	missfontLogFile = "missfont.log"
)

// Compile-time interface satisfaction check.
var _ Pipeline = (*Exec)(nil)

// Exec drives a native BusyTeX multi-call binary, one process per pass, in a
// scratch directory populated from the request's files.
type Exec struct {
	defaultBin string
	logger     *slog.Logger

	mu          sync.Mutex
	initialized bool
	bin         string
	texmf       []string
	versions    map[string]string
}

// NewExec creates an Exec pipeline. bin is used unless the init message names
// its own binary.
func NewExec(bin string, logger *slog.Logger) *Exec {
	return &Exec{defaultBin: bin, logger: logger}
}

// Init locates the engine binary, checks preloaded package data and queries
// applet versions. Version queries that fail are skipped.
func (e *Exec) Init(ctx context.Context, msg protocol.InitMessage, progress PrintFunc) (map[string]string, error) {
	bin := msg.BusytexBin
	if bin == "" {
		bin = e.defaultBin
	}
	if bin == "" {
		return nil, errors.New("no engine binary configured")
	}
	if err := checkExecutable(bin); err != nil {
		return nil, err
	}

	if msg.Preload {
		for _, pkg := range msg.PreloadDataPackages {
			root := texmfRoot(pkg)
			if _, err := os.Stat(root); err != nil {
				return nil, fmt.Errorf("preload data package %s: %w", pkg, err)
			}
			emit(progress, "preloaded "+pkg)
		}
	}

	texmf := make([]string, 0, len(msg.DataPackages)+len(msg.TexmfLocal))
	for _, pkg := range msg.DataPackages {
		texmf = append(texmf, texmfRoot(pkg))
	}
	texmf = append(texmf, msg.TexmfLocal...)

	versions := make(map[string]string, len(versionedApplets))
	for _, applet := range versionedApplets {
		v, err := queryVersion(ctx, bin, applet)
		if err != nil {
			e.logger.Debug("version query failed", "applet", applet, "error", err)
			continue
		}
		versions[applet] = v
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	e.mu.Lock()
	e.bin = bin
	e.texmf = texmf
	e.versions = versions
	e.initialized = true
	e.mu.Unlock()

	return versions, nil
}

// Compile writes the request's files to a scratch directory and runs the
// driver's passes, stopping at the first pass that exits non-zero.
func (e *Exec) Compile(ctx context.Context, msg protocol.CompileMessage, progress PrintFunc) (protocol.CompileOutput, error) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return protocol.CompileOutput{}, ErrNotInitialized
	}
	bin := e.bin
	texmf := append([]string(nil), e.texmf...)
	e.mu.Unlock()

	passes, err := planPasses(msg)
	if err != nil {
		return protocol.CompileOutput{}, err
	}

	workDir, err := os.MkdirTemp("", "busytex-")
	if err != nil {
		return protocol.CompileOutput{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	if err := writeFiles(workDir, msg.Files); err != nil {
		return protocol.CompileOutput{}, err
	}

	for _, pkg := range msg.DataPackages {
		texmf = append(texmf, texmfRoot(pkg))
	}
	env := os.Environ()
	if len(texmf) > 0 {
		env = append(env, "TEXMF={"+strings.Join(texmf, ",")+"}")
	}
	env = append(env, "TEXMFVAR="+filepath.Join(workDir, ".texmf-var"))

	verbosity := model.Verbosity(msg.Verbose)
	job := jobName(msg.MainTexPath)
	out := protocol.CompileOutput{}

	for _, p := range passes {
		if verbosity != model.VerbositySilent {
			emit(progress, "$ busytex "+p.String())
		}

		var linePrint PrintFunc
		if verbosity == model.VerbosityDebug {
			linePrint = progress
		}

		entry, err := runPass(ctx, bin, workDir, env, p, linePrint)
		if err != nil {
			return protocol.CompileOutput{}, fmt.Errorf("%s: %w", p.applet, err)
		}
		entry.Log = readOptional(workDir, job+".log")
		entry.Aux = readOptional(workDir, job+".aux")
		out.Logs = append(out.Logs, entry)
		out.ExitCode = entry.ExitCode

		if entry.ExitCode != 0 {
			break
		}
	}

	out.Log = readOptional(workDir, job+".log")
	if out.Log == "" && len(out.Logs) > 0 {
		last := out.Logs[len(out.Logs)-1]
		out.Log = last.Stdout + last.Stderr
	}

	if out.ExitCode == 0 {
		out.PDF = readBytes(workDir, job+".pdf")
		out.SyncTeX = readBytes(workDir, job+".synctex.gz")
		if out.SyncTeX == nil {
			out.SyncTeX = readBytes(workDir, job+".synctex")
		}
	}

	return out, nil
}

// Terminate forgets the engine configuration.
func (e *Exec) Terminate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = false
	e.versions = nil
	return nil
}

// runPass executes one applet and collects its streams and side logs.
func runPass(ctx context.Context, bin, dir string, env []string, p pass, progress PrintFunc) (protocol.PassLog, error) {
	cmd := exec.CommandContext(ctx, bin, append([]string{p.applet}, p.args...)...)
	cmd.Dir = dir
	cmd.Env = env

	// Wait owns the stream copying; WaitDelay bounds streams held open by
	// child processes the applet left behind.
	var printMu sync.Mutex
	stdout := newLineWriter(progress, &printMu)
	stderr := newLineWriter(progress, &printMu)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = passWaitDelay

	// The engine resolves missing fonts into missfont.log; stale copies from
	// earlier passes must not leak into this one.
	os.Remove(filepath.Join(dir, missfontLogFile))

	if err := cmd.Start(); err != nil {
		return protocol.PassLog{}, fmt.Errorf("start: %w", err)
	}

	exitCode := 0
	waitErr := cmd.Wait()
	stdout.finish()
	stderr.finish()
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// The applet exited cleanly; only a leftover child held the streams.
		waitErr = nil
	}
	if waitErr != nil {
		if ctx.Err() != nil {
			return protocol.PassLog{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return protocol.PassLog{}, waitErr
		}
		exitCode = exitErr.ExitCode()
	}

	return protocol.PassLog{
		Cmd:         "busytex " + p.String(),
		TexmfLog:    readOptional(dir, texmfLogFile),
		MissfontLog: readOptional(dir, missfontLogFile),
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		ExitCode:    exitCode,
	}, nil
}

// lineWriter splits a process stream into lines, keeps a copy of everything
// written and forwards each line to progress (under mu, which sibling streams
// share). Lines longer than maxLineSize are cut and marked.
type lineWriter struct {
	progress PrintFunc
	mu       *sync.Mutex

	output    strings.Builder
	partial   []byte
	truncated bool
}

func newLineWriter(progress PrintFunc, mu *sync.Mutex) *lineWriter {
	return &lineWriter{progress: progress, mu: mu}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.appendPartial(p)
			break
		}
		w.appendPartial(p[:i])
		w.flushLine()
		p = p[i+1:]
	}
	return n, nil
}

func (w *lineWriter) appendPartial(b []byte) {
	if room := maxLineSize - len(w.partial); len(b) > room {
		w.partial = append(w.partial, b[:max(room, 0)]...)
		w.truncated = true
		return
	}
	w.partial = append(w.partial, b...)
}

func (w *lineWriter) flushLine() {
	line := string(w.partial)
	if w.truncated {
		line += truncatedSuffix
	}
	w.partial = w.partial[:0]
	w.truncated = false

	w.output.WriteString(line)
	w.output.WriteByte('\n')
	if w.progress != nil {
		w.mu.Lock()
		w.progress(line)
		w.mu.Unlock()
	}
}

// finish emits a last line that had no trailing newline. Call it after Wait.
func (w *lineWriter) finish() {
	if len(w.partial) > 0 || w.truncated {
		w.flushLine()
	}
}

func (w *lineWriter) String() string {
	return w.output.String()
}

// writeFiles materializes the request's virtual files under dir, in order.
// A duplicated path is overwritten by its later occurrence.
func writeFiles(dir string, files []protocol.File) error {
	for _, f := range files {
		if err := validatePath(dir, f.Path); err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent dir for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(target, []byte(f.Contents), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Path, err)
		}
	}
	return nil
}

// validatePath checks that joining baseDir with relPath stays within baseDir.
func validatePath(baseDir, relPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	cleaned := filepath.Clean(filepath.Join(absBase, filepath.FromSlash(relPath)))
	if !strings.HasPrefix(cleaned, absBase+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes work directory", relPath)
	}
	return nil
}

// texmfRoot maps a package-data bundle URL (texlive-basic.js) to the texmf
// tree a native engine reads (texlive-basic).
func texmfRoot(pkg string) string {
	return strings.TrimSuffix(pkg, filepath.Ext(pkg))
}

func checkExecutable(bin string) error {
	info, err := os.Stat(bin)
	if err != nil {
		return fmt.Errorf("engine binary: %w", err)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return fmt.Errorf("engine binary %s is not executable", bin)
	}
	return nil
}

// queryVersion returns the first line printed by "<bin> <applet> --version".
func queryVersion(ctx context.Context, bin, applet string) (string, error) {
	out, err := exec.CommandContext(ctx, bin, applet, "--version").Output()
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

func readOptional(dir, name string) string {
	return string(readBytes(dir, name))
}

func readBytes(dir, name string) []byte {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil
	}
	return data
}

func emit(progress PrintFunc, line string) {
	if progress != nil {
		progress(line)
	}
}
