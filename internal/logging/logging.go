// Package logging builds the process logger and carries request-scoped
// loggers through context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
)

type loggerKey struct{}

// WithLogger returns a context that carries the provided logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, orDiscard(logger))
}

// FromContext returns the logger stored in ctx, then fallback, then a
// logger that discards everything.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return orDiscard(fallback)
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type Options struct {
	Level slog.Level
	// Format is "text" (colored console) or "json".
	Format string
	// File receives a JSON copy of every record when set.
	File io.Writer
}

// New builds the console handler for opts.Format and fans out to a JSON
// file sink when one is given. Attributes that look like secrets are masked
// in every sink.
func New(console io.Writer, opts Options) *slog.Logger {
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "json":
		handler = slog.NewJSONHandler(console, &slog.HandlerOptions{Level: opts.Level, ReplaceAttr: redactAttr})
	default:
		handler = tint.NewHandler(console, &tint.Options{Level: opts.Level, ReplaceAttr: redactAttr})
	}

	if opts.File != nil {
		handler = MultiHandler(handler, slog.NewJSONHandler(opts.File, &slog.HandlerOptions{Level: opts.Level, ReplaceAttr: redactAttr}))
	}
	return slog.New(handler)
}

const redacted = "[REDACTED]"

var sensitiveKeys = []string{
	"secret",
	"password",
	"checksum",
	"checksumhash",
	"api_key",
	"card",
	"cvv",
	"signature",
	"authorization",
}

// redactAttr masks attribute values whose key names a credential or
// payment instrument. Matching is by substring on the lowercased key.
func redactAttr(_ []string, attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		return attr
	}
	key := strings.ToLower(attr.Key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(key, sensitive) {
			return slog.String(attr.Key, redacted)
		}
	}
	return attr
}
