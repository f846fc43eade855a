package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seantiz/busytex/internal/config"
	"github.com/seantiz/busytex/internal/enginehost"
	"github.com/seantiz/busytex/internal/pipeline"
	"github.com/seantiz/busytex/internal/transport"
)

const listenStdio = "stdio"

func newWorkerCmd(v *viper.Viper) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run an engine host",
		Long: `Run an engine host that answers init and compile requests with the native
engine. With --listen stdio (the default) it serves one runner on
stdin/stdout and logs to stderr; otherwise it accepts connections on a
unix, tcp or vsock address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFrom(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", listenStdio, "stdio, unix:/path, tcp:host:port or vsock:port")
	return cmd
}

func runWorker(ctx context.Context, cfg config.Config, listen string) error {
	// stdout carries the protocol in stdio mode.
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	enginehost.SetupInit(logger)

	bin := cfg.Runner.EngineBin
	if bin == "" {
		bin = filepath.Join(cfg.Runner.BasePath, "busytex")
	}
	host := enginehost.New(func() pipeline.Pipeline {
		return pipeline.NewExec(bin, logger)
	}, logger)

	if listen == listenStdio {
		logger.Info("engine host serving stdio", "engine_bin", bin)
		return host.ServeConn(ctx, enginehost.StdioConn{Reader: os.Stdin, Writer: os.Stdout})
	}

	addr, err := transport.ParseAddr(listen)
	if err != nil {
		return err
	}
	ln, err := transport.Listen(addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("engine host listening", "addr", addr.String(), "engine_bin", bin)
	return host.Serve(ctx, ln)
}
