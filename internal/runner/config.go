package runner

import (
	"os"
	"path"
	"time"
)

// Defaults applied by New to zero-valued Config fields.
const (
	DefaultBasePath       = "/core/busytex"
	DefaultInitTimeout    = 60 * time.Second
	DefaultCompileTimeout = 120 * time.Second
)

// Config configures a Runner. It is fixed once the Runner is built.
type Config struct {
	// BasePath is the location of the engine assets and package data.
	BasePath string

	// Verbose copies engine progress lines to the Runner's logger.
	Verbose bool

	InitTimeout    time.Duration
	CompileTimeout time.Duration

	// EngineBin is the native engine binary handed to the engine host.
	// Defaults to <BasePath>/busytex.
	EngineBin string

	// WorkerAddr is a remote engine host address (unix:, tcp:, vsock:).
	// Empty means worker mode spawns WorkerCommand.
	WorkerAddr string

	// WorkerCommand starts an engine host speaking the protocol on
	// stdin/stdout. Defaults to this executable with the "worker" argument.
	WorkerCommand []string
}

func (c Config) withDefaults() Config {
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.CompileTimeout <= 0 {
		c.CompileTimeout = DefaultCompileTimeout
	}
	if c.EngineBin == "" {
		c.EngineBin = path.Join(c.BasePath, "busytex")
	}
	if len(c.WorkerCommand) == 0 {
		if exe, err := os.Executable(); err == nil {
			c.WorkerCommand = []string{exe, "worker"}
		}
	} else {
		c.WorkerCommand = append([]string(nil), c.WorkerCommand...)
	}
	return c
}
