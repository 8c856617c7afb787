package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

var level = &slog.LevelVar{}

// ParseLevel maps a config or LOG_LEVEL value to a slog level. Unknown
// values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "dev", "development", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "production", "prod":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the default logger. LOG_LEVEL overrides levelName.
// format is "text" (colored, via tint) or "json".
func Init(levelName, format string) {
	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		levelName = l
	}
	level.Set(ParseLevel(levelName))
	slog.SetDefault(slog.New(NewHandler(os.Stderr, format)))
}

// SetLevel changes the level of the installed logger, e.g. on config reload.
func SetLevel(levelName string) {
	level.Set(ParseLevel(levelName))
}

func NewHandler(w io.Writer, format string) slog.Handler {
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})
}
