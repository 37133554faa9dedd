// Package promotions validates discount codes and computes their discount.
package promotions

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountPercentage   DiscountType = "percentage"
	DiscountFixedAmount  DiscountType = "fixed_amount"
	DiscountFreeShipping DiscountType = "free_shipping"
)

func (t DiscountType) Valid() bool {
	switch t {
	case DiscountPercentage, DiscountFixedAmount, DiscountFreeShipping:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound                = errors.New("coupon not found")
	ErrNotYetActive            = errors.New("coupon is not yet active")
	ErrExpired                 = errors.New("coupon has expired")
	ErrGlobalLimitReached      = errors.New("coupon usage limit reached")
	ErrPerCustomerLimitReached = errors.New("coupon already used the maximum number of times by this customer")
	ErrMinimumNotMet           = errors.New("minimum order amount not met")
	ErrInvalidDefinition       = errors.New("coupon definition is invalid")
)

// Coupon mirrors the persisted coupon row. Optional limits are nil when
// unset; a zero limit is treated as unset as well.
type Coupon struct {
	ID                    uuid.UUID
	Code                  string
	Name                  string
	DiscountType          DiscountType
	DiscountValue         decimal.Decimal
	MinimumOrderAmount    *decimal.Decimal
	MaximumDiscountAmount *decimal.Decimal
	UsageLimit            *int
	UsageLimitPerCustomer *int
	TimesUsed             int
	ValidFrom             time.Time
	ValidUntil            time.Time
	IsActive              bool
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Usage is the redemption history a validation runs against.
type Usage struct {
	Authenticated bool
	CustomerUses  int
}

// Discount is the outcome of a successful validation.
type Discount struct {
	CouponID     uuid.UUID       `json:"-"`
	Code         string          `json:"code"`
	Type         DiscountType    `json:"discount_type"`
	Amount       decimal.Decimal `json:"discount_amount"`
	FreeShipping bool            `json:"free_shipping"`
}

var hundred = decimal.NewFromInt(100)

// Evaluate runs the time, usage and minimum checks in order and computes the
// discount against subtotal. The first failing check wins.
func Evaluate(c *Coupon, now time.Time, subtotal decimal.Decimal, usage Usage) (Discount, error) {
	if c == nil || !c.IsActive {
		return Discount{}, ErrNotFound
	}
	if !c.DiscountType.Valid() || c.DiscountValue.IsNegative() || !c.ValidFrom.Before(c.ValidUntil) {
		return Discount{}, ErrInvalidDefinition
	}
	if now.Before(c.ValidFrom) {
		return Discount{}, ErrNotYetActive
	}
	if now.After(c.ValidUntil) {
		return Discount{}, ErrExpired
	}
	if limit, ok := limitSet(c.UsageLimit); ok && c.TimesUsed >= limit {
		return Discount{}, ErrGlobalLimitReached
	}
	if limit, ok := limitSet(c.UsageLimitPerCustomer); ok && usage.Authenticated && usage.CustomerUses >= limit {
		return Discount{}, ErrPerCustomerLimitReached
	}
	if minimum, ok := amountSet(c.MinimumOrderAmount); ok && subtotal.LessThan(minimum) {
		return Discount{}, ErrMinimumNotMet
	}

	discount := Discount{
		CouponID: c.ID,
		Code:     NormalizeCode(c.Code),
		Type:     c.DiscountType,
		Amount:   c.DiscountAmount(subtotal),
	}
	discount.FreeShipping = c.DiscountType == DiscountFreeShipping
	return discount, nil
}

// DiscountAmount computes the monetary discount, rounded half-even to cents.
func (c *Coupon) DiscountAmount(subtotal decimal.Decimal) decimal.Decimal {
	var amount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		amount = subtotal.Mul(c.DiscountValue).Div(hundred)
		if maximum, ok := amountSet(c.MaximumDiscountAmount); ok && amount.GreaterThan(maximum) {
			amount = maximum
		}
	case DiscountFixedAmount:
		amount = decimal.Min(c.DiscountValue, subtotal)
	default:
		return decimal.Zero
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount.RoundBank(2)
}

func limitSet(limit *int) (int, bool) {
	if limit == nil || *limit <= 0 {
		return 0, false
	}
	return *limit, true
}

func amountSet(amount *decimal.Decimal) (decimal.Decimal, bool) {
	if amount == nil || !amount.IsPositive() {
		return decimal.Zero, false
	}
	return *amount, true
}
