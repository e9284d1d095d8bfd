package observability

import (
	"io"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
)

// NewLogger builds the process logger. Format "text" produces a tinted
// console handler for interactive runs; anything else produces JSON.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	lvl := parseLevel(level)
	if strings.EqualFold(format, "text") {
		return slog.New(tint.NewHandler(w, &tint.Options{Level: lvl}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
