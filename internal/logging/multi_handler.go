package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// MultiHandler sends each record to every handler that accepts its level.
// Nil handlers are skipped.
func MultiHandler(handlers ...slog.Handler) slog.Handler {
	var sinks fanout
	for _, handler := range handlers {
		if handler != nil {
			sinks = append(sinks, handler)
		}
	}
	switch len(sinks) {
	case 0:
		return slog.NewTextHandler(io.Discard, nil)
	case 1:
		return sinks[0]
	}
	return sinks
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, sink := range f {
		if sink.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, sink := range f {
		if sink.Enabled(ctx, record.Level) {
			// Each sink gets its own copy; handlers may retain attrs.
			if err := sink.Handle(ctx, record.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanout) each(fn func(slog.Handler) slog.Handler) fanout {
	next := make(fanout, len(f))
	for i, sink := range f {
		next[i] = fn(sink)
	}
	return next
}
