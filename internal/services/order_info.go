package services

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/email"
	"github.com/opticshop/opticshop/internal/models"
)

// StoreInfo names the storefront in customer-facing messages.
type StoreInfo struct {
	Name string
	URL  string
}

// OrderInfoOverrides provides optional overrides when building order email data.
type OrderInfoOverrides struct {
	RefundAmount *decimal.Decimal
	OrderDate    time.Time
}

// BuildOrderInfo builds a consistent OrderInfo payload for email templates.
func BuildOrderInfo(store StoreInfo, order *models.Order, overrides OrderInfoOverrides) *email.OrderInfo {
	info := &email.OrderInfo{
		StoreName: store.Name,
		StoreURL:  store.URL,
	}
	if order == nil {
		return info
	}

	orderDate := overrides.OrderDate
	if orderDate.IsZero() {
		orderDate = order.CreatedAt
	}
	if orderDate.IsZero() {
		orderDate = time.Now()
	}

	info.OrderNumber = order.OrderNumber
	info.CustomerName = strings.TrimSpace(order.CustomerName)
	info.CustomerEmail = strings.TrimSpace(order.CustomerEmail)
	info.OrderDate = orderDate.Format("January 2, 2006")
	info.Subtotal = formatPrice(order.Subtotal, order.Currency)
	info.Shipping = formatPrice(order.ShippingAmount, order.Currency)
	info.Tax = formatPrice(order.TaxAmount, order.Currency)
	info.Total = formatPrice(order.TotalAmount, order.Currency)
	info.CouponCode = order.CouponCode
	info.PaymentMethod = order.PaymentMethod
	info.PaymentReference = order.PaymentTransactionID
	info.PaidOnDelivery = order.PaymentMethod == models.PaymentMethodCashOnDelivery
	if order.DiscountAmount.IsPositive() {
		info.Discount = formatPrice(order.DiscountAmount, order.Currency)
	}
	if overrides.RefundAmount != nil {
		info.RefundAmount = formatPrice(*overrides.RefundAmount, order.Currency)
	}

	info.Items = make([]email.OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		info.Items = append(info.Items, email.OrderItem{
			Name:       item.ProductName,
			Options:    itemOptions(item),
			Quantity:   item.Quantity,
			TotalPrice: formatPrice(item.Subtotal, order.Currency),
		})
	}
	return info
}

func formatPrice(amount decimal.Decimal, currency string) string {
	return fmt.Sprintf("%s %s", currency, amount.StringFixed(2))
}

// itemOptions describes the variant, lens and add-ons on one line.
func itemOptions(item models.OrderItem) string {
	var parts []string
	if variant := formatMap(item.VariantDetails); variant != "" {
		parts = append(parts, variant)
	}
	if item.LensOptionName != "" {
		parts = append(parts, "Lens: "+item.LensOptionName)
	}
	for _, addOn := range item.AddOns {
		parts = append(parts, "+ "+addOn.Name)
	}
	return strings.Join(parts, ", ")
}

func formatMap(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}

	keys := make([]string, 0, len(m))
	for k, v := range m {
		if k == "sku" || fmt.Sprint(v) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, m[k]))
	}
	return strings.Join(parts, ", ")
}
