// Package pricing composes line and cart totals from priced components.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrNegativeAmount  = errors.New("monetary amounts must not be negative")
	ErrMixedCurrency   = errors.New("line items must share a single currency")
	ErrNegativeTotal   = errors.New("discount exceeds order total")
)

var hundred = decimal.NewFromInt(100)

// LineItem is one priced cart or order line. UnitPrice already includes any
// variant adjustment.
type LineItem struct {
	UnitPrice   decimal.Decimal
	Quantity    int
	LensPrice   decimal.Decimal
	AddOnPrices []decimal.Decimal
	Currency    string
}

func (i LineItem) Validate() error {
	if i.Quantity < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidQuantity, i.Quantity)
	}
	if i.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: unit price %s", ErrNegativeAmount, i.UnitPrice)
	}
	if i.LensPrice.IsNegative() {
		return fmt.Errorf("%w: lens price %s", ErrNegativeAmount, i.LensPrice)
	}
	for idx, price := range i.AddOnPrices {
		if price.IsNegative() {
			return fmt.Errorf("%w: add-on %d price %s", ErrNegativeAmount, idx, price)
		}
	}
	return nil
}

// LineTotal scales every component by quantity: a second frame with lenses
// pays for the second pair of lenses and add-ons too.
func LineTotal(item LineItem) decimal.Decimal {
	qty := decimal.NewFromInt(int64(item.Quantity))

	total := item.UnitPrice.Mul(qty)
	if item.LensPrice.IsPositive() {
		total = total.Add(item.LensPrice.Mul(qty))
	}
	for _, addOn := range item.AddOnPrices {
		total = total.Add(addOn.Mul(qty))
	}
	return total
}

type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax_amount"`
	Shipping decimal.Decimal `json:"shipping_amount"`
	Discount decimal.Decimal `json:"discount_amount"`
	Total    decimal.Decimal `json:"total_amount"`
	Currency string          `json:"currency"`
}

// Balanced reports whether Total = Subtotal + Tax + Shipping - Discount and
// Total is non-negative.
func (t Totals) Balanced() bool {
	expected := t.Subtotal.Add(t.Tax).Add(t.Shipping).Sub(t.Discount)
	return expected.Equal(t.Total) && !t.Total.IsNegative()
}

type ShippingProgress struct {
	Threshold decimal.Decimal `json:"threshold"`
	Remaining decimal.Decimal `json:"remaining"`
	Percent   decimal.Decimal `json:"percent"`
	Qualifies bool            `json:"qualifies"`
}

type Composer struct {
	policy Policy
}

func NewComposer(policy Policy) *Composer {
	return &Composer{policy: policy}
}

func (c *Composer) Policy() Policy {
	return c.policy
}

// CartTotals aggregates items into order totals. Shipping eligibility is
// decided on the pre-discount subtotal.
func (c *Composer) CartTotals(items []LineItem, discount decimal.Decimal, freeShipping bool) (Totals, error) {
	currency, err := c.cartCurrency(items)
	if err != nil {
		return Totals{}, err
	}
	if discount.IsNegative() {
		return Totals{}, fmt.Errorf("%w: discount %s", ErrNegativeAmount, discount)
	}

	subtotal := decimal.Zero
	for idx, item := range items {
		if err := item.Validate(); err != nil {
			return Totals{}, fmt.Errorf("line %d: %w", idx+1, err)
		}
		subtotal = subtotal.Add(LineTotal(item))
	}

	tax := subtotal.Mul(c.policy.TaxRate).Round(2)
	shipping := c.ShippingFor(subtotal, freeShipping)

	total := subtotal.Add(tax).Add(shipping).Sub(discount)
	if total.IsNegative() {
		return Totals{}, fmt.Errorf("%w: subtotal %s, discount %s", ErrNegativeTotal, subtotal, discount)
	}

	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: shipping,
		Discount: discount,
		Total:    total,
		Currency: currency,
	}, nil
}

// ShippingFor is waived at exactly the threshold, for an empty cart, and when
// a free-shipping coupon applies.
func (c *Composer) ShippingFor(subtotal decimal.Decimal, freeShipping bool) decimal.Decimal {
	if freeShipping || subtotal.IsZero() || subtotal.GreaterThanOrEqual(c.policy.FreeShippingThreshold) {
		return decimal.Zero
	}
	return c.policy.FlatShippingFee
}

func (c *Composer) FreeShippingProgress(subtotal decimal.Decimal) ShippingProgress {
	threshold := c.policy.FreeShippingThreshold
	progress := ShippingProgress{
		Threshold: threshold,
		Remaining: decimal.Zero,
		Percent:   hundred,
		Qualifies: subtotal.GreaterThanOrEqual(threshold),
	}
	if progress.Qualifies || !threshold.IsPositive() {
		return progress
	}

	progress.Remaining = threshold.Sub(subtotal)
	progress.Percent = decimal.Min(hundred, subtotal.Div(threshold).Mul(hundred).Round(0))
	return progress
}

func (c *Composer) cartCurrency(items []LineItem) (string, error) {
	currency := ""
	for _, item := range items {
		code := strings.ToUpper(strings.TrimSpace(item.Currency))
		if code == "" {
			continue
		}
		if currency == "" {
			currency = code
			continue
		}
		if code != currency {
			return "", fmt.Errorf("%w: %s and %s", ErrMixedCurrency, currency, code)
		}
	}
	if currency == "" {
		currency = c.policy.Currency
	}
	return currency, nil
}
