// Package logx builds the structured loggers used by the engine and CLI.
package logx

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/davidahmann/portero/core/schema/v1/access"
)

func New(format, level string, w io.Writer) (*slog.Logger, error) {
	parsedLevel, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: parsedLevel}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", level)
	}
}

// Discard drops every record. Used where no logger was configured.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ForCall scopes a logger to one call.
func ForCall(logger *slog.Logger, call access.CallContext) *slog.Logger {
	if logger == nil {
		logger = Discard()
	}
	return logger.With(
		slog.String("tenant_id", call.TenantID),
		slog.String("call_id", call.CallID),
	)
}
