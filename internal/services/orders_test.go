package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/opticshop/opticshop/internal/apperr"
	"github.com/opticshop/opticshop/internal/crypto"
	"github.com/opticshop/opticshop/internal/events"
	"github.com/opticshop/opticshop/internal/models"
	"github.com/opticshop/opticshop/internal/payments"
)

type orderFixture struct {
	service   *OrderService
	orders    *memoryOrders
	publisher *recordingPublisher
	sealer    crypto.Sealer
	customer  uuid.UUID
	order     *models.Order
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()

	sealer, err := crypto.NewSealer(testEncryptionKey)
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}
	fixture := &orderFixture{
		orders:    newMemoryOrders(),
		publisher: &recordingPublisher{},
		sealer:    sealer,
		customer:  uuid.New(),
	}
	fixture.order = fixture.orders.add(models.Order{
		OrderNumber:    "ORD-20260314-TRK001",
		CustomerID:     fixture.customer,
		CustomerEmail:  "buyer@example.com",
		Currency:       "QAR",
		Subtotal:       d("185.00"),
		ShippingAmount: d("20.00"),
		TotalAmount:    d("205.00"),
		PaymentMethod:  payments.GatewaySadad,
		PaymentStatus:  models.PaymentPending,
		Status:         models.StatusPending,
	})
	fixture.service = NewOrderService(fixture.orders, sealer, fixture.publisher, nil)
	return fixture
}

func TestOrderStatus(t *testing.T) {
	t.Parallel()

	fixture := newOrderFixture(t)
	view, err := fixture.service.Status(context.Background(), fixture.order.OrderNumber, fixture.customer)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if view.Status != models.StatusPending || view.PaymentStatus != models.PaymentPending {
		t.Fatalf("unexpected status %s/%s", view.Status, view.PaymentStatus)
	}
	if !view.CanCancel {
		t.Fatal("expected an unpaid pending order to be cancellable")
	}
	if view.CurrentStep != 0 || len(view.Steps) != len(models.FulfilmentSteps) {
		t.Fatalf("unexpected steps %v at %d", view.Steps, view.CurrentStep)
	}
	if !view.Total.Equal(d("205.00")) {
		t.Fatalf("expected total 205.00, got %s", view.Total)
	}
	if view.History == nil {
		t.Fatal("expected an empty history, not nil")
	}
}

func TestOrderStatusHidesOtherCustomersOrders(t *testing.T) {
	t.Parallel()

	fixture := newOrderFixture(t)
	_, err := fixture.service.Status(context.Background(), fixture.order.OrderNumber, uuid.New())
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := fixture.service.Status(context.Background(), "ORD-20260314-NOPE00", fixture.customer); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for an unknown number, got %v", err)
	}
}

func TestOrderStatusShowsTracking(t *testing.T) {
	t.Parallel()

	fixture := newOrderFixture(t)
	shipped := fixture.orders.add(models.Order{
		OrderNumber:    "ORD-20260314-SHIP01",
		CustomerEmail:  "guest@example.com",
		Currency:       "QAR",
		TotalAmount:    d("90.00"),
		PaymentStatus:  models.PaymentCompleted,
		Status:         models.StatusShipped,
		TrackingNumber: "1Z999AA10123456784",
		Carrier:        "Aramex",
	})

	view, err := fixture.service.Status(context.Background(), shipped.OrderNumber, uuid.Nil)
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if view.TrackingNumber != "1Z999AA10123456784" || view.Carrier != "Aramex" {
		t.Fatalf("unexpected tracking %q/%q", view.TrackingNumber, view.Carrier)
	}
	if view.CanCancel {
		t.Fatal("a shipped order must not be cancellable")
	}
	if view.CurrentStep != 3 {
		t.Fatalf("expected shipped at step 3, got %d", view.CurrentStep)
	}
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()

	fixture := newOrderFixture(t)
	order, err := fixture.service.Cancel(context.Background(), CancelInput{
		OrderNumber: fixture.order.OrderNumber,
		CustomerID:  fixture.customer,
		Reason:      "  ordered the wrong lens power ",
	})
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if order.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", order.Status)
	}

	stored := fixture.orders.get(fixture.order.ID)
	if stored.Status != models.StatusCancelled || stored.PaymentStatus != models.PaymentPending {
		t.Fatalf("unexpected stored status %s/%s", stored.Status, stored.PaymentStatus)
	}
	if !stored.TotalAmount.Equal(d("205.00")) || !stored.Subtotal.Equal(d("185.00")) {
		t.Fatalf("cancel changed totals: %s/%s", stored.Subtotal, stored.TotalAmount)
	}

	history, _ := fixture.orders.StatusHistory(context.Background(), fixture.order.ID)
	if len(history) != 1 || history[0].FromStatus != models.StatusPending || history[0].ToStatus != models.StatusCancelled {
		t.Fatalf("unexpected history %+v", history)
	}
	if history[0].Notes != "Cancelled by customer: ordered the wrong lens power" {
		t.Fatalf("unexpected history notes %q", history[0].Notes)
	}

	if got := fixture.publisher.types(); len(got) != 1 || got[0] != events.OrderCancelled {
		t.Fatalf("expected one order.cancelled event, got %v", got)
	}
	if from := fixture.publisher.events[0].Attributes["from_status"]; from != string(models.StatusPending) {
		t.Fatalf("expected from_status pending, got %q", from)
	}
}

func TestCancelOrderRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*orderFixture) CancelInput
		wantErr error
	}{
		{
			name: "paid order",
			mutate: func(f *orderFixture) CancelInput {
				f.orders.mu.Lock()
				f.orders.orders[f.order.ID].PaymentStatus = models.PaymentCompleted
				f.orders.orders[f.order.ID].Status = models.StatusConfirmed
				f.orders.mu.Unlock()
				return CancelInput{OrderNumber: f.order.OrderNumber, CustomerID: f.customer}
			},
			wantErr: ErrOrderNotCancellable,
		},
		{
			name: "shipped order",
			mutate: func(f *orderFixture) CancelInput {
				f.orders.setStatus(f.order.ID, models.StatusShipped)
				return CancelInput{OrderNumber: f.order.OrderNumber, CustomerID: f.customer}
			},
			wantErr: ErrOrderNotCancellable,
		},
		{
			name: "already cancelled",
			mutate: func(f *orderFixture) CancelInput {
				f.orders.setStatus(f.order.ID, models.StatusCancelled)
				return CancelInput{OrderNumber: f.order.OrderNumber, CustomerID: f.customer}
			},
			wantErr: ErrOrderNotCancellable,
		},
		{
			name: "guest order",
			mutate: func(f *orderFixture) CancelInput {
				guest := f.orders.add(models.Order{
					OrderNumber:   "ORD-20260314-GUEST1",
					CustomerEmail: "guest@example.com",
					PaymentStatus: models.PaymentPending,
					Status:        models.StatusPending,
				})
				return CancelInput{OrderNumber: guest.OrderNumber}
			},
			wantErr: ErrOrderNotCancellable,
		},
		{
			name: "someone else's order",
			mutate: func(f *orderFixture) CancelInput {
				return CancelInput{OrderNumber: f.order.OrderNumber, CustomerID: uuid.New()}
			},
			wantErr: ErrOrderNotFound,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fixture := newOrderFixture(t)
			input := tt.mutate(fixture)
			before := fixture.orders.get(fixture.order.ID)

			_, err := fixture.service.Cancel(context.Background(), input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("expected a validation error, got %v", err)
			}
			if after := fixture.orders.get(fixture.order.ID); after.Status != before.Status {
				t.Fatalf("status changed from %s to %s", before.Status, after.Status)
			}
			if len(fixture.publisher.types()) != 0 {
				t.Fatalf("expected no events, got %v", fixture.publisher.types())
			}
		})
	}
}

func TestOrderTransactionsOpensStoredResponses(t *testing.T) {
	t.Parallel()

	fixture := newOrderFixture(t)
	ctx := context.Background()

	sealedJSON, err := fixture.sealer.Seal(fixture.order.OrderNumber, []byte(`{"id":"pay_1","status":"captured"}`))
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	sealedForm, err := fixture.sealer.Seal(fixture.order.OrderNumber, []byte("RESPCODE=1&TXNAMOUNT=205.00"))
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	sealedElsewhere, err := fixture.sealer.Seal("ORD-20260314-OTHER1", []byte(`{"id":"pay_2"}`))
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}

	for i, raw := range []string{sealedJSON, sealedForm, sealedElsewhere, ""} {
		_ = fixture.orders.RecordTransaction(ctx, &models.PaymentTransaction{
			TransactionID: "TXN-" + string(rune('A'+i)),
			OrderID:       fixture.order.ID,
			Gateway:       payments.GatewaySadad,
			Type:          models.TransactionPayment,
			Status:        models.AttemptSubmitted,
			Amount:        d("205.00"),
			Currency:      "QAR",
			RawResponse:   raw,
		})
	}

	audit, err := fixture.service.Transactions(ctx, fixture.order.OrderNumber)
	if err != nil {
		t.Fatalf("Transactions returned error: %v", err)
	}
	if len(audit) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(audit))
	}

	var decoded map[string]string
	if err := json.Unmarshal(audit[0].Response, &decoded); err != nil || decoded["status"] != "captured" {
		t.Fatalf("unexpected opened response %s: %v", audit[0].Response, err)
	}
	var form string
	if err := json.Unmarshal(audit[1].Response, &form); err != nil || form != "RESPCODE=1&TXNAMOUNT=205.00" {
		t.Fatalf("unexpected form response %s: %v", audit[1].Response, err)
	}
	if audit[2].Response != nil || !strings.Contains(audit[2].ResponseError, crypto.ErrWrongOrder.Error()) {
		t.Fatalf("expected a response bound to another order to stay sealed, got %+v", audit[2])
	}
	if audit[3].Response != nil || audit[3].ResponseError != "" {
		t.Fatalf("expected an empty response to stay empty, got %+v", audit[3])
	}
}

func TestOrderTransactionsUnknownOrder(t *testing.T) {
	t.Parallel()

	fixture := newOrderFixture(t)
	if _, err := fixture.service.Transactions(context.Background(), "ORD-20260314-NOPE00"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}
