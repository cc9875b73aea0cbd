package logger

import (
	"log/slog"
	"os"
)

// New returns a production-friendly structured logger for one of the two
// long-running processes (cmd/scheduler, cmd/worker). Loggers are passed to
// constructors rather than through context propagation: the long-lived
// types that log (the scheduler and sweeper Loops, Pool, Queue, Reconciler)
// hold their own logger, and the Loops and Pool derive a component-scoped
// child with (*slog.Logger).With("component", ...) in their constructors.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}
