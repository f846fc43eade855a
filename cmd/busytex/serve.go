package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seantiz/busytex/internal/api"
	"github.com/seantiz/busytex/internal/config"
	"github.com/seantiz/busytex/internal/jobs"
	"github.com/seantiz/busytex/internal/runner"
	"github.com/seantiz/busytex/internal/store"
	"github.com/seantiz/busytex/internal/tools"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP compile API",
		Args:  cobra.NoArgs,
		// Bound when this command runs so other commands' flags of the same
		// name do not take the key.
		PreRun: func(cmd *cobra.Command, args []string) {
			bindFlags(v, cmd.Flags(), map[string]string{
				config.KeyListenAddr: "listen",
				config.KeyDBPath:     "db",
				config.KeyMode:       "mode",
				config.KeyWorkerAddr: "worker-addr",
				config.KeyVerbose:    "verbose",
				config.KeyRateLimit:  "rate-limit",
				config.KeyRateBurst:  "rate-burst",
			})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(v)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("db", "busytex.db", "SQLite database path")
	flags.String("mode", "worker", "engine execution mode: worker or direct")
	flags.String("worker-addr", "", "remote engine host (unix:/path, tcp:host:port, vsock:cid:port)")
	flags.Bool("verbose", false, "log engine progress lines")
	flags.Float64("rate-limit", 2, "compile submissions per second (0 disables)")
	flags.Int("rate-burst", 4, "compile submission burst")

	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("busytex: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"mode", cfg.Mode,
		"base_path", cfg.Runner.BasePath,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	r := runner.New(cfg.Runner, logger, runner.DefaultOpener)
	if err := r.Initialize(ctx, cfg.Mode); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	logger.Info("engine ready", "mode", r.Mode(), "versions", r.EngineVersions())

	reg := tools.NewDefaultRegistry(r)
	svc := jobs.NewService(db, reg, logger)

	srv := api.NewServer(cfg.ListenAddr, db, reg, svc, r, logger,
		api.WithCompileRateLimit(cfg.RateLimit, cfg.RateBurst))

	return srv.Run()
}
