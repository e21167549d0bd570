package designflow

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// NewLogger returns the default pipeline logger at info level. Logs go to
// stderr so stdout stays free for summaries and exported reports.
func NewLogger() *slog.Logger {
	return NewLeveledLogger(slog.LevelInfo)
}

// NewLeveledLogger returns a stderr logger at the given level, colorized when
// stderr is a terminal. Pipeline runs are short, so timestamps carry only the
// time of day.
func NewLeveledLogger(level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

// NewJSONLogger returns a logger that writes to stderr in JSON format.
func NewJSONLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}
