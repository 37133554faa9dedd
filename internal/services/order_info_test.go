package services

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/opticshop/opticshop/internal/email"
	"github.com/opticshop/opticshop/internal/models"
)

func TestBuildOrderInfo(t *testing.T) {
	t.Parallel()

	refund := d("50.00")
	order := &models.Order{
		OrderNumber:          "ORD-20260314-ABC123",
		CustomerName:         "  Noor Al-Thani ",
		CustomerEmail:        "noor@example.com",
		Currency:             "QAR",
		Subtotal:             d("185.00"),
		ShippingAmount:       d("20.00"),
		TaxAmount:            d("0"),
		DiscountAmount:       d("50.00"),
		TotalAmount:          d("155.00"),
		CouponCode:           "FIFTY",
		PaymentMethod:        "stripe",
		PaymentTransactionID: "pi_123",
		CreatedAt:            time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
		Items: []models.OrderItem{{
			ProductName:    "Aviator Classic",
			VariantDetails: json.RawMessage(`{"color":"gold","sku":"AV-G","size":""}`),
			LensOptionName: "Blue light",
			AddOns:         []models.OrderItemAddOn{{Name: "Anti-glare"}},
			Quantity:       1,
			Subtotal:       d("185.00"),
		}},
	}

	info := BuildOrderInfo(StoreInfo{Name: "Optic Shop", URL: "https://www.example.com"}, order, OrderInfoOverrides{RefundAmount: &refund})

	want := email.OrderInfo{
		OrderNumber:      "ORD-20260314-ABC123",
		CustomerName:     "Noor Al-Thani",
		CustomerEmail:    "noor@example.com",
		StoreName:        "Optic Shop",
		StoreURL:         "https://www.example.com",
		OrderDate:        "March 14, 2026",
		Subtotal:         "QAR 185.00",
		Discount:         "QAR 50.00",
		CouponCode:       "FIFTY",
		Shipping:         "QAR 20.00",
		Tax:              "QAR 0.00",
		Total:            "QAR 155.00",
		PaymentMethod:    "stripe",
		PaymentReference: "pi_123",
		RefundAmount:     "QAR 50.00",
	}
	items := info.Items
	info.Items = nil
	if !reflect.DeepEqual(*info, want) {
		t.Fatalf("BuildOrderInfo =\n%+v\nwant\n%+v", *info, want)
	}

	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}
	if items[0].Options != "color: gold, Lens: Blue light, + Anti-glare" {
		t.Fatalf("item options = %q", items[0].Options)
	}
	if items[0].TotalPrice != "QAR 185.00" {
		t.Fatalf("item total = %q", items[0].TotalPrice)
	}
}

func TestBuildOrderInfoCashOnDelivery(t *testing.T) {
	t.Parallel()

	info := BuildOrderInfo(StoreInfo{Name: "Optic Shop"}, &models.Order{
		OrderNumber:   "ORD-20260314-COD001",
		Currency:      "QAR",
		PaymentMethod: models.PaymentMethodCashOnDelivery,
	}, OrderInfoOverrides{})

	if !info.PaidOnDelivery {
		t.Fatal("expected cash on delivery flag")
	}
	if info.Discount != "" || info.RefundAmount != "" {
		t.Fatalf("unexpected optional amounts: discount=%q refund=%q", info.Discount, info.RefundAmount)
	}
}

func TestTemplateOrderEmailSenderRequiresRenderer(t *testing.T) {
	t.Parallel()

	sender := NewTemplateOrderEmailSender(nil, nil, StoreInfo{Name: "Optic Shop"})
	if err := sender.SendOrderConfirmation(context.Background(), &models.Order{}); err == nil {
		t.Fatal("expected an error without a renderer")
	}
}
