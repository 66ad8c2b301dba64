// Package logging configures the application logger and carries it, along
// with per-request IDs, through contexts.
package logging

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
)

type loggerKey struct{}

// Flags holds the CLI flags that affect logging behavior.
type Flags struct {
	Verbose bool
	Quiet   bool
	NoColor bool
	JSON    bool
}

// NewLogger creates a new logger writing to the given writer.
// The default level is WarnLevel (suppresses debug/info).
func NewLogger(w io.Writer) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Level: log.WarnLevel,
	})
}

// Configure adjusts the logger based on CLI flags.
// Quiet takes precedence over verbose when both are set.
func Configure(l *log.Logger, f Flags) {
	switch {
	case f.Quiet:
		l.SetLevel(log.ErrorLevel)
	case f.Verbose:
		l.SetLevel(log.DebugLevel)
	default:
		l.SetLevel(log.WarnLevel)
	}

	if f.NoColor {
		l.SetColorProfile(termenv.Ascii)
	}

	if f.JSON {
		l.SetFormatter(log.JSONFormatter)
	}
}

// WithLogger returns a new context with the given logger attached.
func WithLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext retrieves the logger from the context.
// If no logger is stored, it returns a default WarnLevel logger
// that discards output.
func FromContext(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*log.Logger); ok {
		return l
	}
	return NewLogger(io.Discard)
}

// MaskToken hides all but the tail of a token so log lines stay greppable
// without leaking the credential.
func MaskToken(t string) string {
	if len(t) < 20 {
		return t
	}
	return "..." + t[len(t)-12:]
}
