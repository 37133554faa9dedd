package promotions

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/apperr"
	"github.com/opticshop/opticshop/internal/logging"
	"github.com/opticshop/opticshop/internal/observability"
)

// Store is the coupon lookup the validator reads from.
type Store interface {
	GetActiveByCode(ctx context.Context, code string) (*Coupon, error)
	CountCustomerUsage(ctx context.Context, couponID, customerID uuid.UUID) (int, error)
}

type Validator struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func NewValidator(store Store, logger *slog.Logger) *Validator {
	return &Validator{
		store:  store,
		now:    time.Now,
		logger: logger,
	}
}

// Request describes one validation attempt. CustomerID is uuid.Nil for guest
// checkouts, which skip the per-customer limit.
type Request struct {
	Code       string
	Subtotal   decimal.Decimal
	CustomerID uuid.UUID
}

// Validate looks the code up and evaluates it. Rejections are returned as
// validation errors wrapping one of the package sentinels.
func (v *Validator) Validate(ctx context.Context, req Request) (Discount, error) {
	span := sentry.StartSpan(
		ctx,
		"service.coupon.validate",
		sentry.WithOpName("service.coupon"),
		sentry.WithDescription("Validate"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := logging.FromContext(ctx, v.logger)
	meter := observability.MeterFromContext(ctx)
	recordRejected := func(reason string) {
		meter.Count("coupon.validation.rejected", 1, sentry.WithAttributes(attribute.String("reason", reason)))
	}

	code := NormalizeCode(req.Code)
	if code == "" {
		recordRejected("empty_code")
		return Discount{}, apperr.Validation("coupon.validate", ErrNotFound)
	}

	coupon, err := v.store.GetActiveByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			recordRejected("not_found")
			return Discount{}, apperr.Validation("coupon.validate", ErrNotFound)
		}
		recordRejected("lookup_failed")
		return Discount{}, apperr.Persistence("coupon.lookup", err)
	}

	usage := Usage{Authenticated: req.CustomerID != uuid.Nil}
	if usage.Authenticated && coupon.UsageLimitPerCustomer != nil && *coupon.UsageLimitPerCustomer > 0 {
		count, err := v.store.CountCustomerUsage(ctx, coupon.ID, req.CustomerID)
		if err != nil {
			recordRejected("usage_lookup_failed")
			return Discount{}, apperr.Persistence("coupon.usage", err)
		}
		usage.CustomerUses = count
	}

	discount, err := Evaluate(coupon, v.now(), req.Subtotal, usage)
	if err != nil {
		reason := rejectionReason(err)
		recordRejected(reason)
		logger.Info("coupon rejected", "code", code, "reason", reason)
		if errors.Is(err, ErrInvalidDefinition) {
			logger.Warn("coupon has an invalid definition", "code", code, "coupon_id", coupon.ID)
		}
		return Discount{}, apperr.Validation("coupon.validate", err)
	}

	meter.Count("coupon.validation.accepted", 1, sentry.WithAttributes(attribute.String("discount_type", string(discount.Type))))
	span.Status = sentry.SpanStatusOK
	return discount, nil
}

func rejectionReason(err error) string {
	for _, candidate := range []struct {
		err    error
		reason string
	}{
		{ErrNotFound, "not_found"},
		{ErrNotYetActive, "not_yet_active"},
		{ErrExpired, "expired"},
		{ErrGlobalLimitReached, "global_limit"},
		{ErrPerCustomerLimitReached, "customer_limit"},
		{ErrMinimumNotMet, "minimum_not_met"},
		{ErrInvalidDefinition, "invalid_definition"},
	} {
		if errors.Is(err, candidate.err) {
			return candidate.reason
		}
	}
	return "unknown"
}
