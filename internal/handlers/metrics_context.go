package handlers

import (
	"net/http"

	"github.com/getsentry/sentry-go"

	"github.com/opticshop/opticshop/internal/observability"
)

// MetricsContext puts a meter pre-attributed with the request scope into the
// context, so a payment counter emitted deep in a service still carries the
// order number and gateway.
func (h *Handlers) MetricsContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		scope := scopeFromRequest(r)

		meter := sentry.NewMeter(ctx).WithCtx(ctx)
		meter.SetAttributes(scope.meterAttrs()...)

		ctx = observability.WithMeter(ctx, meter)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
