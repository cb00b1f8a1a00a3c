// Package logging builds the slog handler used by both rpc-shield
// binaries: a pretty, colorless single-line handler for local
// development, or JSON for production log aggregation.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// PrettyHandler implements slog.Handler with a compact, single-line,
// human-readable format: "LEVEL [hh:mm:ss] message; key=value, ...".
type PrettyHandler struct {
	level slog.Level
	w     io.Writer
}

// NewPrettyHandler builds a PrettyHandler writing to w at the given
// minimum level.
func NewPrettyHandler(w io.Writer, level slog.Level) *PrettyHandler {
	return &PrettyHandler{level: level, w: w}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	timeStr := r.Time.Format("15:04:05")

	message := r.Message
	var attrs []string
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(attrs) > 0 {
		message = fmt.Sprintf("%s; %s", message, strings.Join(attrs, ", "))
	}

	_, err := fmt.Fprintf(h.w, "%s [%s] %s\n", r.Level.String(), timeStr, message)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *PrettyHandler) WithGroup(name string) slog.Handler       { return h }

// New builds the logger for the given LOG_LEVEL/LOG_FORMAT environment
// values (LOG_FORMAT=json selects structured JSON; anything else
// selects the pretty handler).
func New(levelEnv, formatEnv string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelEnv) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if formatEnv == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = NewPrettyHandler(os.Stderr, level)
	}

	return slog.New(handler)
}
