//go:build !linux

package enginehost

import "log/slog"

// SetupInit does nothing outside Linux.
func SetupInit(logger *slog.Logger) {}
