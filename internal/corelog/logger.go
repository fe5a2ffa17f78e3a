// Package corelog sets up the structured logger shared by every engine,
// the way pkg/logger does for the teacher's HTTP service.
package corelog

import (
	"log/slog"
	"os"
)

// Setup builds the process-wide logger: JSON in production for ingestion by
// log aggregators, human-readable text everywhere else.
func Setup(env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// Component returns a child logger tagged with the owning engine, so log
// lines from the token engine, session engine, etc. are easy to filter.
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", name)
}
