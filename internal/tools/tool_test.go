package tools_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/busytex/internal/model"
	"github.com/seantiz/busytex/internal/protocol"
	"github.com/seantiz/busytex/internal/runner"
	"github.com/seantiz/busytex/internal/tools"
	"github.com/seantiz/busytex/internal/transport"
)

// fakeEngine records what a tool asks of the runner.
type fakeEngine struct {
	state   runner.State
	mode    transport.Mode
	initErr error

	initModes []transport.Mode
	requests  []model.CompileRequest
}

func (f *fakeEngine) State() runner.State  { return f.state }
func (f *fakeEngine) Mode() transport.Mode { return f.mode }

func (f *fakeEngine) Initialize(_ context.Context, mode transport.Mode) error {
	f.initModes = append(f.initModes, mode)
	if f.initErr != nil {
		return f.initErr
	}
	f.state = runner.StateReady
	f.mode = mode
	return nil
}

func (f *fakeEngine) Compile(_ context.Context, req model.CompileRequest) (*model.CompileResult, error) {
	f.requests = append(f.requests, req)
	return &model.CompileResult{Success: true, PDF: []byte("%PDF")}, nil
}

func TestToolDrivers(t *testing.T) {
	tests := []struct {
		tool   *tools.Tool
		name   string
		driver model.Driver
	}{
		{tools.NewXeLatex(nil), "xelatex", "xetex_bibtex8_dvipdfmx"},
		{tools.NewPdfLatex(nil), "pdflatex", "pdftex_bibtex8"},
		{tools.NewLuaLatex(nil), "lualatex", "luahbtex_bibtex8"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.tool.Name())
		assert.Equal(t, tt.driver, tt.tool.Driver())
	}
}

func TestToolLazilyInitializesInWorkerMode(t *testing.T) {
	e := &fakeEngine{state: runner.StateUninitialized}
	tool := tools.NewPdfLatex(e)

	_, err := tool.Compile(context.Background(), tools.CompileOptions{Input: "doc"})
	require.NoError(t, err)
	_, err = tool.Compile(context.Background(), tools.CompileOptions{Input: "doc"})
	require.NoError(t, err)

	assert.Equal(t, []transport.Mode{transport.ModeWorker}, e.initModes)
	assert.Len(t, e.requests, 2)
}

func TestToolReinitializesInBoundMode(t *testing.T) {
	// A compile timeout left the engine uninitialized after a direct-mode start.
	e := &fakeEngine{state: runner.StateUninitialized, mode: transport.ModeDirect}
	tool := tools.NewLuaLatex(e)

	_, err := tool.Compile(context.Background(), tools.CompileOptions{Input: "doc"})
	require.NoError(t, err)
	assert.Equal(t, []transport.Mode{transport.ModeDirect}, e.initModes)
}

func TestToolInitializeErrorPropagates(t *testing.T) {
	want := &runner.InitializationError{Timeout: true}
	e := &fakeEngine{initErr: want}
	tool := tools.NewXeLatex(e)

	_, err := tool.Compile(context.Background(), tools.CompileOptions{Input: "doc"})
	var initErr *runner.InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.True(t, initErr.Timeout)
	assert.Empty(t, e.requests)
}

func TestToolBuildsRequest(t *testing.T) {
	e := &fakeEngine{state: runner.StateReady, mode: transport.ModeWorker}
	tool := tools.NewXeLatex(e)
	bib := true
	var lines []string

	_, err := tool.Compile(context.Background(), tools.CompileOptions{
		Input:        `\documentclass{article}`,
		Bibtex:       &bib,
		Driver:       model.DriverPdfTeX,
		DataPackages: []string{"/core/busytex/texlive-extra.js"},
		AdditionalFiles: []model.FileInput{
			{Path: "refs.bib", Content: "@book{k}"},
			{Path: "main.tex", Content: "shadow"},
		},
		LogWriter: func(line string) { lines = append(lines, line) },
	})
	require.NoError(t, err)
	assert.Empty(t, e.initModes, "no handshake while ready")

	require.Len(t, e.requests, 1)
	req := e.requests[0]
	assert.Equal(t, model.DriverXeTeX, req.Driver, "the tool's driver wins over the caller's")
	assert.Equal(t, "main.tex", req.MainPath)
	assert.Equal(t, model.VerbositySilent, req.Verbosity)
	assert.Equal(t, &bib, req.Bibtex)
	assert.Equal(t, []string{"/core/busytex/texlive-extra.js"}, req.DataPackages)
	assert.Equal(t, []model.FileInput{
		{Path: "main.tex", Content: `\documentclass{article}`},
		{Path: "refs.bib", Content: "@book{k}"},
		{Path: "main.tex", Content: "shadow"},
	}, req.Files)

	require.NotNil(t, req.LogWriter)
	req.LogWriter("progress")
	assert.Equal(t, []string{"progress"}, lines)
}

// stubTransport lets a real Runner run under a tool.
type stubTransport struct {
	inits int
	last  protocol.CompileMessage
}

func (s *stubTransport) Initialize(context.Context, protocol.InitMessage, transport.ProgressFunc) (map[string]string, error) {
	s.inits++
	return map[string]string{}, nil
}

func (s *stubTransport) Compile(_ context.Context, msg protocol.CompileMessage, _ transport.ProgressFunc) (protocol.CompileOutput, error) {
	s.last = msg
	return protocol.CompileOutput{PDF: []byte("%PDF"), ExitCode: 0}, nil
}

func (s *stubTransport) Terminate() error { return nil }

func TestToolOverRunner(t *testing.T) {
	st := &stubTransport{}
	var modes []transport.Mode
	r := runner.New(runner.Config{}, slog.New(slog.NewJSONHandler(io.Discard, nil)),
		func(_ context.Context, mode transport.Mode, _ runner.Config, _ *slog.Logger) (transport.Transport, error) {
			modes = append(modes, mode)
			return st, nil
		})

	tool := tools.NewXeLatex(r)
	result, err := tool.Compile(context.Background(), tools.CompileOptions{Input: "doc", Verbose: model.VerbosityInfo})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []transport.Mode{transport.ModeWorker}, modes)
	assert.Equal(t, runner.StateReady, r.State())
	assert.Equal(t, "xetex_bibtex8_dvipdfmx", st.last.Driver)
	assert.Equal(t, "info", st.last.Verbose)
	assert.Equal(t, 1, st.inits)
}

func TestToolOverTerminatedRunner(t *testing.T) {
	r := runner.New(runner.Config{}, slog.New(slog.NewJSONHandler(io.Discard, nil)),
		func(context.Context, transport.Mode, runner.Config, *slog.Logger) (transport.Transport, error) {
			return nil, errors.New("engine unavailable")
		})
	require.NoError(t, r.Terminate())

	_, err := tools.NewPdfLatex(r).Compile(context.Background(), tools.CompileOptions{Input: "doc"})
	var initErr *runner.InitializationError
	assert.ErrorAs(t, err, &initErr)
}
