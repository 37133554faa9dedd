package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusPending        OrderStatus = "pending"
	StatusConfirmed      OrderStatus = "confirmed"
	StatusProcessing     OrderStatus = "processing"
	StatusReadyForPickup OrderStatus = "ready_for_pickup"
	StatusShipped        OrderStatus = "shipped"
	StatusDelivered      OrderStatus = "delivered"
	StatusCancelled      OrderStatus = "cancelled"
	StatusRefunded       OrderStatus = "refunded"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payable reports whether a payment attempt may still settle the order.
func (s PaymentStatus) Payable() bool {
	return s == PaymentPending || s == PaymentFailed
}

const PaymentMethodCashOnDelivery = "cod"

// Order monetary fields are a snapshot taken at placement and are never
// rewritten by payment or refund transitions.
type Order struct {
	ID                   uuid.UUID       `json:"id"`
	OrderNumber          string          `json:"order_number"`
	CustomerID           uuid.UUID       `json:"customer_id"`
	CustomerEmail        string          `json:"customer_email"`
	CustomerPhone        string          `json:"customer_phone"`
	CustomerName         string          `json:"customer_name"`
	ShippingAddress      json.RawMessage `json:"shipping_address,omitempty"`
	BillingAddress       json.RawMessage `json:"billing_address,omitempty"`
	Currency             string          `json:"currency"`
	Subtotal             decimal.Decimal `json:"subtotal"`
	TaxAmount            decimal.Decimal `json:"tax_amount"`
	ShippingAmount       decimal.Decimal `json:"shipping_amount"`
	DiscountAmount       decimal.Decimal `json:"discount_amount"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	CouponCode           string          `json:"coupon_code,omitempty"`
	PaymentMethod        string          `json:"payment_method"`
	PaymentStatus        PaymentStatus   `json:"payment_status"`
	PaymentReference     string          `json:"payment_reference,omitempty"`
	PaymentTransactionID string          `json:"payment_transaction_id,omitempty"`
	Status               OrderStatus     `json:"status"`
	TrackingNumber       string          `json:"tracking_number,omitempty"`
	Carrier              string          `json:"carrier,omitempty"`
	Notes                string          `json:"notes,omitempty"`
	Items                []OrderItem     `json:"items,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	PaidAt               *time.Time      `json:"paid_at,omitempty"`
}

func (o *Order) IsGuest() bool {
	return o.CustomerID == uuid.Nil
}

// CanBeCancelled reports whether the customer may still cancel. Orders that
// have been paid go through a merchant refund instead.
func CanBeCancelled(status OrderStatus, payment PaymentStatus) bool {
	if status != StatusPending && status != StatusConfirmed {
		return false
	}
	return payment == PaymentPending || payment == PaymentFailed
}

// FulfilmentSteps is the progression shown to customers tracking an order.
var FulfilmentSteps = []OrderStatus{StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered}

// FulfilmentStep returns the index of status in FulfilmentSteps, or -1 for
// statuses off the normal path.
func FulfilmentStep(status OrderStatus) int {
	if status == StatusReadyForPickup {
		return 3
	}
	for idx, step := range FulfilmentSteps {
		if step == status {
			return idx
		}
	}
	return -1
}

// OrderItem freezes catalog data at the time the order was placed.
type OrderItem struct {
	ID             uuid.UUID        `json:"id"`
	OrderID        uuid.UUID        `json:"order_id"`
	ProductID      uuid.UUID        `json:"product_id"`
	VariantID      *uuid.UUID       `json:"variant_id,omitempty"`
	ProductName    string           `json:"product_name"`
	ProductSKU     string           `json:"product_sku"`
	VariantDetails json.RawMessage  `json:"variant_details,omitempty"`
	Quantity       int              `json:"quantity"`
	UnitPrice      decimal.Decimal  `json:"unit_price"`
	LensOptionName string           `json:"lens_option_name,omitempty"`
	LensPrice      decimal.Decimal  `json:"lens_price"`
	Prescription   json.RawMessage  `json:"prescription,omitempty"`
	AddOns         []OrderItemAddOn `json:"add_ons,omitempty"`
	Subtotal       decimal.Decimal  `json:"subtotal"`
}

type OrderItemAddOn struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type StatusHistory struct {
	ID         uuid.UUID   `json:"id"`
	OrderID    uuid.UUID   `json:"order_id"`
	FromStatus OrderStatus `json:"from_status"`
	ToStatus   OrderStatus `json:"to_status"`
	Notes      string      `json:"notes"`
	CreatedAt  time.Time   `json:"created_at"`
}

// CouponRedemption links a validated coupon to the order being created.
type CouponRedemption struct {
	CouponID       uuid.UUID
	Code           string
	DiscountAmount decimal.Decimal
}
