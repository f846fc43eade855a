package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seantiz/busytex/internal/config"
	"github.com/seantiz/busytex/internal/model"
	"github.com/seantiz/busytex/internal/runner"
	"github.com/seantiz/busytex/internal/tools"
	"github.com/seantiz/busytex/internal/transport"
)

// compileFlags are the options of one compile invocation.
type compileFlags struct {
	tool         string
	bibtex       bool
	noBibtex     bool
	files        []string
	dataPackages []string
	direct       bool
	output       string
	synctex      string
	verbosity    string
	progress     bool
}

func newCompileCmd(v *viper.Viper) *cobra.Command {
	var f compileFlags

	cmd := &cobra.Command{
		Use:   "compile <main.tex>",
		Short: "Compile a document to PDF",
		Long: `Compile a document to PDF. The file is staged as main.tex; extra files
given with --file keep their relative paths. Use "-" to read the document
from stdin.`,
		Args: cobra.ExactArgs(1),
		// Bound when this command runs so other commands' flags of the same
		// name do not take the key.
		PreRun: func(cmd *cobra.Command, args []string) {
			bindFlags(v, cmd.Flags(), map[string]string{
				config.KeyMode:       "mode",
				config.KeyWorkerAddr: "worker-addr",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(v)
			if err != nil {
				return err
			}
			if f.direct {
				cfg.Mode = transport.ModeDirect
			}
			return runCompile(cmd.Context(), cmd, cfg, args[0], f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.tool, "tool", tools.NamePdfLatex, "xelatex, pdflatex or lualatex")
	flags.BoolVar(&f.bibtex, "bibtex", false, "always run bibtex8")
	flags.BoolVar(&f.noBibtex, "no-bibtex", false, "never run bibtex8")
	flags.StringArrayVar(&f.files, "file", nil, "additional file to stage (repeatable)")
	flags.StringArrayVar(&f.dataPackages, "data-package", nil, "extra package data bundle for this compile (repeatable)")
	flags.BoolVar(&f.direct, "direct", false, "run the engine in this process instead of a worker")
	flags.StringVarP(&f.output, "output", "o", "", "PDF output path (default <main>.pdf)")
	flags.StringVar(&f.synctex, "synctex", "", "also write SyncTeX data to this path")
	flags.StringVar(&f.verbosity, "verbosity", string(model.VerbositySilent), "engine verbosity: silent, info or debug")
	flags.BoolVar(&f.progress, "progress", false, "print engine progress lines to stderr")
	flags.String("mode", "worker", "engine execution mode: worker or direct")
	flags.String("worker-addr", "", "remote engine host (unix:/path, tcp:host:port, vsock:cid:port)")
	cmd.MarkFlagsMutuallyExclusive("bibtex", "no-bibtex")

	return cmd
}

func runCompile(ctx context.Context, cmd *cobra.Command, cfg config.Config, mainPath string, f compileFlags) error {
	stderr := cmd.ErrOrStderr()
	logger := config.NewLogger(stderr, cfg.LogLevel)

	verbosity := model.Verbosity(f.verbosity)
	if !verbosity.Valid() {
		return fmt.Errorf("invalid verbosity %q", f.verbosity)
	}

	input, err := readInput(cmd.InOrStdin(), mainPath)
	if err != nil {
		return err
	}
	if input == "" {
		return fmt.Errorf("%s: document is empty", mainPath)
	}
	extra, err := readExtraFiles(f.files)
	if err != nil {
		return err
	}

	r := runner.New(cfg.Runner, logger, runner.DefaultOpener)
	defer r.Terminate()

	if err := r.Initialize(ctx, cfg.Mode); err != nil {
		return err
	}

	compiler, err := tools.NewDefaultRegistry(r).Resolve(f.tool)
	if err != nil {
		return err
	}

	opts := tools.CompileOptions{
		Input:           input,
		Verbose:         verbosity,
		DataPackages:    f.dataPackages,
		AdditionalFiles: extra,
	}
	if f.bibtex || f.noBibtex {
		bibtex := f.bibtex
		opts.Bibtex = &bibtex
	}
	if f.progress {
		opts.LogWriter = func(line string) { fmt.Fprintln(stderr, line) }
	}

	result, err := compiler.Compile(ctx, opts)
	if err != nil {
		return err
	}

	if !result.Success {
		fmt.Fprintln(stderr, result.Log)
		return fmt.Errorf("%s failed with exit code %d", compiler.Name(), result.ExitCode)
	}
	if len(result.PDF) == 0 {
		fmt.Fprintln(stderr, "warning: compile succeeded but produced no PDF")
		return nil
	}

	out := f.output
	if out == "" {
		out = defaultOutput(mainPath)
	}
	if err := os.WriteFile(out, result.PDF, 0o644); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	if f.synctex != "" && len(result.SyncTeX) > 0 {
		if err := os.WriteFile(f.synctex, result.SyncTeX, 0o644); err != nil {
			return fmt.Errorf("write synctex: %w", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(result.PDF))
	return nil
}

func readInput(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// readExtraFiles loads each file under its slash-separated relative path.
func readExtraFiles(paths []string) ([]model.FileInput, error) {
	files := make([]model.FileInput, 0, len(paths))
	for _, p := range paths {
		rel := filepath.ToSlash(filepath.Clean(p))
		if filepath.IsAbs(p) || rel == ".." || strings.HasPrefix(rel, "../") {
			return nil, errors.New("--file must be a relative path inside the working directory: " + p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		files = append(files, model.FileInput{Path: rel, Content: string(data)})
	}
	return files, nil
}

func defaultOutput(mainPath string) string {
	if mainPath == "-" {
		return "main.pdf"
	}
	return strings.TrimSuffix(mainPath, filepath.Ext(mainPath)) + ".pdf"
}
