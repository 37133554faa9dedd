package promotions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opticshop/opticshop/internal/apperr"
)

type fakeStore struct {
	coupons    map[string]*Coupon
	usage      map[uuid.UUID]int
	lookupErr  error
	usageCalls int
}

func (f *fakeStore) GetActiveByCode(_ context.Context, code string) (*Coupon, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	coupon, ok := f.coupons[code]
	if !ok || !coupon.IsActive {
		return nil, ErrNotFound
	}
	return coupon, nil
}

func (f *fakeStore) CountCustomerUsage(_ context.Context, _ uuid.UUID, customerID uuid.UUID) (int, error) {
	f.usageCalls++
	return f.usage[customerID], nil
}

func newTestValidator(store Store) *Validator {
	v := NewValidator(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	v.now = func() time.Time { return midYear }
	return v
}

func TestValidatorValidate(t *testing.T) {
	t.Parallel()

	customerID := uuid.New()
	limited := baseCoupon()
	limited.Code = "ONCE"
	limited.UsageLimitPerCustomer = ip(1)

	store := &fakeStore{
		coupons: map[string]*Coupon{
			"SUMMER25": baseCoupon(),
			"ONCE":     limited,
		},
		usage: map[uuid.UUID]int{customerID: 1},
	}
	validator := newTestValidator(store)

	discount, err := validator.Validate(context.Background(), Request{Code: " summer25", Subtotal: d("80")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !discount.Amount.Equal(d("20")) || discount.Code != "SUMMER25" {
		t.Fatalf("unexpected discount: %+v", discount)
	}

	_, err = validator.Validate(context.Background(), Request{Code: "missing", Subtotal: d("80")})
	if !errors.Is(err, ErrNotFound) || !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected not found validation error, got %v", err)
	}

	_, err = validator.Validate(context.Background(), Request{Code: "once", Subtotal: d("80"), CustomerID: customerID})
	if !errors.Is(err, ErrPerCustomerLimitReached) {
		t.Fatalf("expected per-customer limit, got %v", err)
	}

	if _, err := validator.Validate(context.Background(), Request{Code: "once", Subtotal: d("80")}); err != nil {
		t.Fatalf("guest should not hit per-customer limit: %v", err)
	}
	if store.usageCalls != 1 {
		t.Fatalf("usage lookups = %d, want 1", store.usageCalls)
	}
}

func TestValidatorLookupFailureIsPersistenceError(t *testing.T) {
	t.Parallel()

	validator := newTestValidator(&fakeStore{lookupErr: errors.New("connection refused")})
	_, err := validator.Validate(context.Background(), Request{Code: "SUMMER25", Subtotal: d("80")})
	if !apperr.Is(err, apperr.KindPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestValidatorEmptyCode(t *testing.T) {
	t.Parallel()

	validator := newTestValidator(&fakeStore{})
	_, err := validator.Validate(context.Background(), Request{Code: "   ", Subtotal: d("80")})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
