// Package config loads busytex settings from BUSYTEX_* environment variables,
// an optional config file and command-line flags bound by the CLI.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/seantiz/busytex/internal/runner"
	"github.com/seantiz/busytex/internal/transport"
)

// EnvPrefix prefixes every environment variable, e.g. BUSYTEX_LISTEN_ADDR.
const EnvPrefix = "BUSYTEX"

// Keys understood by Load. Each maps to BUSYTEX_<KEY in upper case>.
const (
	KeyListenAddr     = "listen_addr"
	KeyDBPath         = "db_path"
	KeyLogLevel       = "log_level"
	KeyMode           = "mode"
	KeyBasePath       = "base_path"
	KeyEngineBin      = "engine_bin"
	KeyVerbose        = "verbose"
	KeyInitTimeout    = "init_timeout"
	KeyCompileTimeout = "compile_timeout"
	KeyWorkerAddr     = "worker_addr"
	KeyWorkerCommand  = "worker_command"
	KeyRateLimit      = "rate_limit"
	KeyRateBurst      = "rate_burst"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "busytex.db"
	defaultRateLimit  = 2.0
	defaultRateBurst  = 4
)

// Config holds application configuration.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Mode is the execution mode the server initializes the engine in.
	Mode transport.Mode

	Runner runner.Config

	// RateLimit is compile submissions per second; 0 disables the limit.
	RateLimit float64
	RateBurst int
}

// New returns a viper instance with defaults and environment binding set up.
// Callers may bind flags to it before passing it to LoadFrom.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyListenAddr, defaultListenAddr)
	v.SetDefault(KeyDBPath, defaultDBPath)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyMode, string(transport.ModeWorker))
	v.SetDefault(KeyBasePath, runner.DefaultBasePath)
	v.SetDefault(KeyEngineBin, "")
	v.SetDefault(KeyVerbose, false)
	v.SetDefault(KeyInitTimeout, runner.DefaultInitTimeout)
	v.SetDefault(KeyCompileTimeout, runner.DefaultCompileTimeout)
	v.SetDefault(KeyWorkerAddr, "")
	v.SetDefault(KeyWorkerCommand, "")
	v.SetDefault(KeyRateLimit, defaultRateLimit)
	v.SetDefault(KeyRateBurst, defaultRateBurst)
	return v
}

// Load reads configuration from the environment with defaults.
func Load() (Config, error) {
	return LoadFrom(New())
}

// LoadFrom builds a Config from v. A config file set on v is read first.
func LoadFrom(v *viper.Viper) (Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		ListenAddr: v.GetString(KeyListenAddr),
		DBPath:     v.GetString(KeyDBPath),
		LogLevel:   parseLogLevel(v.GetString(KeyLogLevel)),
		Mode:       transport.Mode(strings.ToLower(v.GetString(KeyMode))),
		Runner: runner.Config{
			BasePath:       v.GetString(KeyBasePath),
			Verbose:        v.GetBool(KeyVerbose),
			InitTimeout:    v.GetDuration(KeyInitTimeout),
			CompileTimeout: v.GetDuration(KeyCompileTimeout),
			EngineBin:      v.GetString(KeyEngineBin),
			WorkerAddr:     v.GetString(KeyWorkerAddr),
			WorkerCommand:  strings.Fields(v.GetString(KeyWorkerCommand)),
		},
		RateLimit: v.GetFloat64(KeyRateLimit),
		RateBurst: v.GetInt(KeyRateBurst),
	}

	if cfg.Mode != transport.ModeWorker && cfg.Mode != transport.ModeDirect {
		return Config{}, fmt.Errorf("invalid %s %q: want worker or direct", KeyMode, cfg.Mode)
	}
	if cfg.Runner.InitTimeout < time.Second {
		return Config{}, fmt.Errorf("invalid %s %s: must be at least 1s", KeyInitTimeout, cfg.Runner.InitTimeout)
	}
	if cfg.Runner.CompileTimeout < time.Second {
		return Config{}, fmt.Errorf("invalid %s %s: must be at least 1s", KeyCompileTimeout, cfg.Runner.CompileTimeout)
	}
	if cfg.RateLimit < 0 {
		return Config{}, fmt.Errorf("invalid %s %v: must not be negative", KeyRateLimit, cfg.RateLimit)
	}

	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
