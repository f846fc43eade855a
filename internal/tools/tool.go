// Package tools provides the LaTeX front ends (XeLaTeX, pdfLaTeX, LuaLaTeX)
// over a shared Runner. Each tool stages the document as main.tex and fixes
// the engine driver.
package tools

import (
	"context"

	"github.com/seantiz/busytex/internal/model"
	"github.com/seantiz/busytex/internal/runner"
	"github.com/seantiz/busytex/internal/transport"
)

// MainFile is the path the document source is staged under.
const MainFile = "main.tex"

// Tool names accepted by Registry.Resolve.
const (
	NameXeLatex  = "xelatex"
	NamePdfLatex = "pdflatex"
	NameLuaLatex = "lualatex"
)

// Engine is the part of *runner.Runner the tools use.
type Engine interface {
	State() runner.State
	Mode() transport.Mode
	Initialize(ctx context.Context, mode transport.Mode) error
	Compile(ctx context.Context, req model.CompileRequest) (*model.CompileResult, error)
}

// CompileOptions is what a caller hands a tool.
type CompileOptions struct {
	// Input is the source of main.tex.
	Input string

	Bibtex  *bool
	Verbose model.Verbosity

	// Driver is ignored: every tool compiles with its own driver.
	Driver model.Driver

	DataPackages []string

	// AdditionalFiles are staged after main.tex, in order, as given.
	AdditionalFiles []model.FileInput

	LogWriter func(line string)
}

// Compiler compiles a document with a fixed driver.
type Compiler interface {
	Name() string
	Driver() model.Driver
	Compile(ctx context.Context, opts CompileOptions) (*model.CompileResult, error)
}

// Compile-time interface satisfaction check.
var _ Compiler = (*Tool)(nil)

// Tool is a Compiler bound to one driver.
type Tool struct {
	name   string
	driver model.Driver
	engine Engine
}

// NewXeLatex returns the XeLaTeX tool (xetex, bibtex8, dvipdfmx).
func NewXeLatex(e Engine) *Tool {
	return &Tool{name: NameXeLatex, driver: model.DriverXeTeX, engine: e}
}

// NewPdfLatex returns the pdfLaTeX tool.
func NewPdfLatex(e Engine) *Tool {
	return &Tool{name: NamePdfLatex, driver: model.DriverPdfTeX, engine: e}
}

// NewLuaLatex returns the LuaLaTeX tool, backed by LuaHBTeX.
func NewLuaLatex(e Engine) *Tool {
	return &Tool{name: NameLuaLatex, driver: model.DriverLuaHBTeX, engine: e}
}

// Name returns the tool's registry name.
func (t *Tool) Name() string { return t.name }

// Driver returns the driver the tool always compiles with.
func (t *Tool) Driver() model.Driver { return t.driver }

// Compile initializes the engine if needed and compiles opts.Input as
// main.tex. The engine is initialized in the mode it was bound to before,
// or in worker mode on first use.
func (t *Tool) Compile(ctx context.Context, opts CompileOptions) (*model.CompileResult, error) {
	if t.engine.State() != runner.StateReady {
		mode := t.engine.Mode()
		if mode == "" {
			mode = transport.ModeWorker
		}
		if err := t.engine.Initialize(ctx, mode); err != nil {
			return nil, err
		}
	}

	files := make([]model.FileInput, 0, 1+len(opts.AdditionalFiles))
	files = append(files, model.FileInput{Path: MainFile, Content: opts.Input})
	files = append(files, opts.AdditionalFiles...)

	verbosity := opts.Verbose
	if verbosity == "" {
		verbosity = model.VerbositySilent
	}

	return t.engine.Compile(ctx, model.CompileRequest{
		Files:        files,
		MainPath:     MainFile,
		Bibtex:       opts.Bibtex,
		Verbosity:    verbosity,
		Driver:       t.driver,
		DataPackages: opts.DataPackages,
		LogWriter:    opts.LogWriter,
	})
}
