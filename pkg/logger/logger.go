package logger

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// New builds the process-wide structured logger. Local and dev
// environments log human-readable text at debug level; everything
// else emits JSON at info so log shippers can parse it.
func New(env string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var h slog.Handler
	switch env {
	case "local", "dev":
		opts.Level = slog.LevelDebug
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h)
}

type ctxKey struct{}

// With returns a context carrying l.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From returns the logger stored by With, or slog.Default when the
// context carries none.
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// ShutdownFlush drains any buffered log output before exit. The slog
// handlers used today write synchronously, so there is nothing to
// drain yet; main still calls this so a buffered handler can be
// swapped in later without touching the shutdown path.
func ShutdownFlush(_ context.Context, _ time.Duration) error { return nil }
