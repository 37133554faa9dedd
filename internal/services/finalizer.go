package services

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/apperr"
	"github.com/opticshop/opticshop/internal/models"
	"github.com/opticshop/opticshop/internal/pricing"
	"github.com/opticshop/opticshop/internal/promotions"
)

var ErrUnbalancedTotals = errors.New("order totals do not balance")

// OrderDraft is everything about a new order that does not come from pricing.
type OrderDraft struct {
	OrderNumber     string
	CustomerID      uuid.UUID
	CustomerEmail   string
	CustomerName    string
	CustomerPhone   string
	ShippingAddress json.RawMessage
	BillingAddress  json.RawMessage
	PaymentMethod   string
	Notes           string
	Discount        *promotions.Discount
}

// finalizeOrder assembles the order from computed totals and copies every
// priced line into an independent snapshot. Totals must balance and be
// non-negative.
func finalizeOrder(cart pricedCart, totals pricing.Totals, draft OrderDraft) (*models.Order, error) {
	if !totals.Balanced() {
		return nil, apperr.Validation("checkout.finalize", fmt.Errorf("%w: subtotal %s, tax %s, shipping %s, discount %s, total %s",
			ErrUnbalancedTotals, totals.Subtotal, totals.Tax, totals.Shipping, totals.Discount, totals.Total))
	}

	lineSum := decimal.Zero
	items := make([]models.OrderItem, len(cart.items))
	for idx, item := range cart.items {
		snapshot := item
		snapshot.AddOns = append([]models.OrderItemAddOn(nil), item.AddOns...)
		snapshot.VariantDetails = cloneJSON(item.VariantDetails)
		snapshot.Prescription = cloneJSON(item.Prescription)
		if item.VariantID != nil {
			variantID := *item.VariantID
			snapshot.VariantID = &variantID
		}
		items[idx] = snapshot
		lineSum = lineSum.Add(item.Subtotal)
	}
	if !lineSum.Equal(totals.Subtotal) {
		return nil, apperr.Validation("checkout.finalize", fmt.Errorf("%w: lines sum to %s, subtotal is %s", ErrUnbalancedTotals, lineSum, totals.Subtotal))
	}

	status := models.StatusPending
	if draft.PaymentMethod == models.PaymentMethodCashOnDelivery {
		status = models.StatusConfirmed
	}

	order := &models.Order{
		OrderNumber:     draft.OrderNumber,
		CustomerID:      draft.CustomerID,
		CustomerEmail:   draft.CustomerEmail,
		CustomerName:    draft.CustomerName,
		CustomerPhone:   draft.CustomerPhone,
		ShippingAddress: cloneJSON(draft.ShippingAddress),
		BillingAddress:  cloneJSON(draft.BillingAddress),
		Currency:        totals.Currency,
		Subtotal:        totals.Subtotal,
		TaxAmount:       totals.Tax,
		ShippingAmount:  totals.Shipping,
		DiscountAmount:  totals.Discount,
		TotalAmount:     totals.Total,
		PaymentMethod:   draft.PaymentMethod,
		PaymentStatus:   models.PaymentPending,
		Status:          status,
		Notes:           draft.Notes,
		Items:           items,
	}
	if draft.Discount != nil {
		order.CouponCode = draft.Discount.Code
	}
	return order, nil
}

func cloneJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
