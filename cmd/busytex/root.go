package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/seantiz/busytex/internal/config"
	"github.com/seantiz/busytex/internal/runner"
)

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "busytex",
		Short: "Compile LaTeX documents with the BusyTeX engine",
		Long: `busytex drives the BusyTeX engine: XeLaTeX, pdfLaTeX and LuaLaTeX with
bibtex8, compiled from in-memory sources.

  Compile a document:
    busytex compile paper.tex --tool pdflatex -o paper.pdf

  Serve the HTTP compile API:
    busytex serve --listen :8080

  Run an engine host on stdin/stdout or a socket:
    busytex worker --listen vsock:5000

Configuration is read from BUSYTEX_* environment variables (BUSYTEX_BASE_PATH,
BUSYTEX_MODE, BUSYTEX_COMPILE_TIMEOUT, ...) or a config file; flags win.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("base-path", runner.DefaultBasePath, "engine assets and package data directory")
	flags.String("engine-bin", "", "native engine binary (default <base-path>/busytex)")
	bindFlags(v, flags, map[string]string{
		config.KeyLogLevel:  "log-level",
		config.KeyBasePath:  "base-path",
		config.KeyEngineBin: "engine-bin",
	})

	root.AddCommand(newServeCmd(v), newCompileCmd(v), newWorkerCmd(v))
	return root
}

// bindFlags binds each config key to the named flag, so a flag given on the
// command line overrides the environment and config file.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}
