package cli

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the global logger instance
var Logger = slog.Default()

// InitLogging initializes the logger with the level named by RP_LOG. Logs go
// to stderr so report output on stdout stays clean.
func InitLogging() {
	initLogging(os.Stderr)
}

func initLogging(w io.Writer) {
	level := new(slog.LevelVar)

	switch strings.ToUpper(os.Getenv("RP_LOG")) {
	case "DEBUG":
		level.Set(slog.LevelDebug)
	case "WARN":
		level.Set(slog.LevelWarn)
	case "ERROR":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	Logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))

	// Replace the default logger
	slog.SetDefault(Logger)
}
