package promotions

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func dp(value string) *decimal.Decimal {
	v := d(value)
	return &v
}

func ip(value int) *int {
	return &value
}

var (
	validFrom  = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	validUntil = time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)
	midYear    = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
)

func baseCoupon() *Coupon {
	return &Coupon{
		Code:          "summer25",
		DiscountType:  DiscountPercentage,
		DiscountValue: d("25"),
		ValidFrom:     validFrom,
		ValidUntil:    validUntil,
		IsActive:      true,
	}
}

func TestEvaluateChecksInOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		mutate   func(c *Coupon)
		now      time.Time
		subtotal string
		usage    Usage
		wantErr  error
	}{
		{
			name:    "inactive coupon is not found",
			mutate:  func(c *Coupon) { c.IsActive = false },
			now:     midYear,
			wantErr: ErrNotFound,
		},
		{
			name:    "before valid_from",
			now:     validFrom.Add(-time.Second),
			wantErr: ErrNotYetActive,
		},
		{
			name:    "after valid_until",
			now:     validUntil.Add(time.Second),
			wantErr: ErrExpired,
		},
		{
			name: "expired wins over usage limit",
			mutate: func(c *Coupon) {
				c.UsageLimit = ip(1)
				c.TimesUsed = 1
			},
			now:     validUntil.Add(time.Hour),
			wantErr: ErrExpired,
		},
		{
			name: "global limit reached regardless of subtotal",
			mutate: func(c *Coupon) {
				c.UsageLimit = ip(1)
				c.TimesUsed = 1
			},
			now:      midYear,
			subtotal: "10000",
			wantErr:  ErrGlobalLimitReached,
		},
		{
			name:    "per customer limit for authenticated customer",
			mutate:  func(c *Coupon) { c.UsageLimitPerCustomer = ip(1) },
			now:     midYear,
			usage:   Usage{Authenticated: true, CustomerUses: 1},
			wantErr: ErrPerCustomerLimitReached,
		},
		{
			name:     "per customer limit skipped for guests",
			mutate:   func(c *Coupon) { c.UsageLimitPerCustomer = ip(1) },
			now:      midYear,
			subtotal: "100",
			usage:    Usage{Authenticated: false, CustomerUses: 5},
		},
		{
			name:     "minimum not met",
			mutate:   func(c *Coupon) { c.MinimumOrderAmount = dp("100.00") },
			now:      midYear,
			subtotal: "99.99",
			wantErr:  ErrMinimumNotMet,
		},
		{
			name:     "minimum met exactly",
			mutate:   func(c *Coupon) { c.MinimumOrderAmount = dp("100.00") },
			now:      midYear,
			subtotal: "100.00",
		},
		{
			name:     "zero usage limit means unlimited",
			mutate: func(c *Coupon) {
				c.UsageLimit = ip(0)
				c.TimesUsed = 40
			},
			now:      midYear,
			subtotal: "10",
		},
		{
			name:    "window inverted",
			mutate:  func(c *Coupon) { c.ValidFrom, c.ValidUntil = c.ValidUntil, c.ValidFrom },
			now:     midYear,
			wantErr: ErrInvalidDefinition,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			coupon := baseCoupon()
			if tt.mutate != nil {
				tt.mutate(coupon)
			}
			subtotal := tt.subtotal
			if subtotal == "" {
				subtotal = "50"
			}

			_, err := Evaluate(coupon, tt.now, d(subtotal), tt.usage)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDiscountAmount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		coupon   Coupon
		subtotal string
		want     string
	}{
		{
			name:     "percentage capped at maximum",
			coupon:   Coupon{DiscountType: DiscountPercentage, DiscountValue: d("50"), MaximumDiscountAmount: dp("30")},
			subtotal: "100",
			want:     "30",
		},
		{
			name:     "percentage below cap",
			coupon:   Coupon{DiscountType: DiscountPercentage, DiscountValue: d("10"), MaximumDiscountAmount: dp("30")},
			subtotal: "100",
			want:     "10",
		},
		{
			name:     "percentage rounds half even to cents",
			coupon:   Coupon{DiscountType: DiscountPercentage, DiscountValue: d("15")},
			subtotal: "33.50",
			want:     "5.02",
		},
		{
			name:     "fixed never exceeds subtotal",
			coupon:   Coupon{DiscountType: DiscountFixedAmount, DiscountValue: d("100")},
			subtotal: "40",
			want:     "40",
		},
		{
			name:     "fixed below subtotal",
			coupon:   Coupon{DiscountType: DiscountFixedAmount, DiscountValue: d("50")},
			subtotal: "185",
			want:     "50",
		},
		{
			name:     "free shipping has no monetary discount",
			coupon:   Coupon{DiscountType: DiscountFreeShipping, DiscountValue: d("20")},
			subtotal: "185",
			want:     "0",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.coupon.DiscountAmount(d(tt.subtotal))
			if !got.Equal(d(tt.want)) {
				t.Fatalf("DiscountAmount() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEvaluateReturnsNormalizedCodeAndFreeShipping(t *testing.T) {
	t.Parallel()

	coupon := baseCoupon()
	coupon.Code = " shipfree "
	coupon.DiscountType = DiscountFreeShipping

	discount, err := Evaluate(coupon, midYear, d("20"), Usage{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if discount.Code != "SHIPFREE" {
		t.Fatalf("code = %q, want SHIPFREE", discount.Code)
	}
	if !discount.FreeShipping || !discount.Amount.IsZero() {
		t.Fatalf("unexpected discount: %+v", discount)
	}
}
