package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/opticshop/opticshop/internal/logging"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusRecorder) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// RequestLogger stores the request scope and a logger carrying it in the
// context, then logs the outcome once the handler returns.
func (h *Handlers) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		scope := newRequestScope(r)
		w.Header().Set("X-Request-ID", scope.requestID)

		logger := h.logger.With(scope.logAttrs()...)
		ctx := withRequestScope(r.Context(), scope)
		ctx = logging.WithLogger(ctx, logger)
		r = r.WithContext(ctx)

		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := recorder.code()
		elapsed := time.Since(start)
		h.recordRequest(r, scope, status, elapsed)

		level := requestLogLevel(scope.path, status)
		logger.Log(ctx, level, "request completed",
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"bytes", recorder.bytes,
		)
	})
}

func (h *Handlers) recordRequest(r *http.Request, scope requestScope, status int, elapsed time.Duration) {
	ctx := r.Context()
	attrs := []attribute.Builder{
		attribute.String("http.method", scope.method),
		attribute.String("http.route", scope.metricRoute()),
		attribute.Int("http.status_code", status),
	}
	if scope.gateway != "" {
		attrs = append(attrs, attribute.String("gateway", scope.gateway))
	}

	meter := sentry.NewMeter(ctx).WithCtx(ctx)
	meter.Count("http.server.requests", 1, sentry.WithAttributes(attrs...))
	meter.Distribution(
		"http.server.duration",
		float64(elapsed.Milliseconds()),
		sentry.WithUnit(sentry.UnitMillisecond),
		sentry.WithAttributes(
			attribute.String("http.route", scope.metricRoute()),
			attribute.String("http.status_class", fmt.Sprintf("%dxx", status/100)),
		),
	)
	if status >= http.StatusInternalServerError {
		meter.Count("http.server.errors", 1, sentry.WithAttributes(attrs...))
	}
}

// requestLogLevel keeps health checks out of the info stream and lifts
// server errors so they stand out from rejected client input.
func requestLogLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelWarn
	case path == "/health":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
