package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/opticshop/opticshop/internal/apperr"
	"github.com/opticshop/opticshop/internal/cache"
	"github.com/opticshop/opticshop/internal/crypto"
	"github.com/opticshop/opticshop/internal/events"
	"github.com/opticshop/opticshop/internal/models"
	"github.com/opticshop/opticshop/internal/payments"
	"github.com/opticshop/opticshop/internal/payments/stripe"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

type paymentFixture struct {
	service   *PaymentService
	orders    *memoryOrders
	gateway   *fakeGateway
	publisher *recordingPublisher
	emails    *recordingEmails
	sealer    crypto.Sealer
	order     *models.Order
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()

	gateway := &fakeGateway{
		name: payments.GatewayRazorpay,
		initiation: &payments.Initiation{
			Gateway:   payments.GatewayRazorpay,
			Success:   true,
			Reference: "order_RZP1",
			Data:      map[string]string{"key_id": "rzp_test_key"},
		},
		result: &payments.Result{
			Gateway:               payments.GatewayRazorpay,
			Success:               true,
			Reference:             "order_RZP1",
			ExternalTransactionID: "pay_1",
			Amount:                d("205.00"),
			SignatureValid:        true,
			Raw:                   json.RawMessage(`{"id":"pay_1","status":"captured"}`),
		},
		refund: &payments.RefundResult{
			Gateway:  payments.GatewayRazorpay,
			Success:  true,
			RefundID: "rfnd_1",
			Status:   "processed",
			Raw:      json.RawMessage(`{"id":"rfnd_1"}`),
		},
	}
	registry, err := payments.NewRegistry(gateway)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	cacheProvider, err := cache.NewMemoryProvider()
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { _ = cacheProvider.Close() })
	sealer, err := crypto.NewSealer(testEncryptionKey)
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}

	fixture := &paymentFixture{
		orders:    newMemoryOrders(),
		gateway:   gateway,
		publisher: &recordingPublisher{},
		emails:    &recordingEmails{},
		sealer:    sealer,
	}
	fixture.order = fixture.orders.add(models.Order{
		OrderNumber:    "ORD-20260314-ABC123",
		CustomerEmail:  "buyer@example.com",
		CustomerName:   "Noor",
		Currency:       "QAR",
		Subtotal:       d("185.00"),
		ShippingAmount: d("20.00"),
		TotalAmount:    d("205.00"),
		PaymentMethod:  payments.GatewayRazorpay,
		PaymentStatus:  models.PaymentPending,
		Status:         models.StatusPending,
	})
	fixture.service = NewPaymentService(fixture.orders, registry, cacheProvider, fixture.publisher, fixture.emails, sealer, PaymentServiceConfig{
		GatewayTimeout: time.Second,
		BaseURL:        "https://shop.example.com/",
	}, nil)
	return fixture
}

func (f *paymentFixture) initiate(t *testing.T) *payments.Initiation {
	t.Helper()

	initiation, err := f.service.Initiate(context.Background(), InitiateInput{OrderNumber: f.order.OrderNumber, Gateway: "Razorpay"})
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}
	if !initiation.Success {
		t.Fatalf("initiation failed: %s", initiation.Detail)
	}
	return initiation
}

func (f *paymentFixture) confirm(t *testing.T) *Confirmation {
	t.Helper()

	confirmation, err := f.service.Confirm(context.Background(), ConfirmInput{
		Gateway: payments.GatewayRazorpay,
		Verify:  payments.VerifyRequest{Reference: "order_RZP1", PaymentID: "pay_1", Signature: "sig"},
		Source:  "confirm",
	})
	if err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}
	return confirmation
}

func (f *paymentFixture) markCompleted(method, transactionID string) {
	f.orders.mu.Lock()
	defer f.orders.mu.Unlock()
	order := f.orders.orders[f.order.ID]
	order.PaymentMethod = method
	order.PaymentStatus = models.PaymentCompleted
	order.Status = models.StatusConfirmed
	order.PaymentTransactionID = transactionID
}

func TestInitiateSubmitsAttempt(t *testing.T) {
	t.Parallel()

	fixture := newPaymentFixture(t)
	initiation := fixture.initiate(t)

	transactionID := initiation.Data["transaction_id"]
	if transactionID == "" || initiation.Data["order_number"] != fixture.order.OrderNumber {
		t.Fatalf("unexpected initiation data: %v", initiation.Data)
	}
	if initiation.Data["key_id"] != "rzp_test_key" {
		t.Fatal("gateway data was dropped")
	}

	attempt := fixture.orders.attempt(transactionID)
	if attempt == nil || attempt.Status != models.AttemptSubmitted {
		t.Fatalf("attempt = %+v, want submitted", attempt)
	}
	if attempt.GatewayTransactionID != "order_RZP1" || !attempt.Amount.Equal(d("205.00")) {
		t.Fatalf("unexpected attempt: %+v", attempt)
	}

	stored := fixture.orders.get(fixture.order.ID)
	if stored.PaymentReference != "order_RZP1" {
		t.Fatalf("payment reference = %q", stored.PaymentReference)
	}

	request := fixture.gateway.initiated[0]
	if request.OrderReference != fixture.order.OrderNumber || !request.Amount.Equal(d("205.00")) || request.Currency != "QAR" {
		t.Fatalf("unexpected gateway request: %+v", request)
	}
	if request.ReturnURL != "https://shop.example.com/payments/paypal/return" {
		t.Fatalf("return url = %q", request.ReturnURL)
	}
	if request.Customer.ID != "buyer@example.com" {
		t.Fatalf("guest customer reference = %q", request.Customer.ID)
	}
}

func TestInitiateRecordsGatewayFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		initiation  *payments.Initiation
		initErr     error
		wantErrKind apperr.Kind
		wantStatus  models.AttemptStatus
	}{
		{
			name:       "timeout",
			initiation: &payments.Initiation{Gateway: payments.GatewayRazorpay, ErrorKind: apperr.KindTimeout, Detail: "deadline exceeded"},
			wantStatus: models.AttemptTimedOut,
		},
		{
			name:       "provider error",
			initiation: &payments.Initiation{Gateway: payments.GatewayRazorpay, ErrorKind: apperr.KindGatewayCommunication, Detail: "bad gateway"},
			wantStatus: models.AttemptFailed,
		},
		{
			name:        "invalid request",
			initErr:     apperr.New(apperr.KindValidation, "razorpay.initiate", "amount must be positive"),
			wantErrKind: apperr.KindValidation,
			wantStatus:  models.AttemptFailed,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fixture := newPaymentFixture(t)
			fixture.gateway.initiation = tt.initiation
			fixture.gateway.initErr = tt.initErr

			initiation, err := fixture.service.Initiate(context.Background(), InitiateInput{OrderNumber: fixture.order.OrderNumber, Gateway: payments.GatewayRazorpay})
			if tt.wantErrKind != apperr.KindUnknown {
				if !apperr.Is(err, tt.wantErrKind) {
					t.Fatalf("kind = %s, want %s", apperr.KindOf(err), tt.wantErrKind)
				}
			} else {
				if err != nil {
					t.Fatalf("Initiate returned error: %v", err)
				}
				if initiation.Success {
					t.Fatal("expected unsuccessful initiation")
				}
			}

			attempt := fixture.orders.transactions[0]
			if attempt.Status != tt.wantStatus {
				t.Fatalf("attempt status = %s, want %s", attempt.Status, tt.wantStatus)
			}
			if stored := fixture.orders.get(fixture.order.ID); stored.PaymentReference != "" {
				t.Fatalf("payment reference set on failure: %q", stored.PaymentReference)
			}
		})
	}
}

func TestInitiateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		prepare  func(*paymentFixture) InitiateInput
		wantKind apperr.Kind
		wantErr  error
	}{
		{
			name: "already paid",
			prepare: func(f *paymentFixture) InitiateInput {
				f.markCompleted(payments.GatewayRazorpay, "pay_0")
				return InitiateInput{OrderNumber: f.order.OrderNumber, Gateway: payments.GatewayRazorpay}
			},
			wantKind: apperr.KindValidation,
			wantErr:  ErrOrderAlreadyPaid,
		},
		{
			name: "cash on delivery order",
			prepare: func(f *paymentFixture) InitiateInput {
				f.orders.mu.Lock()
				f.orders.orders[f.order.ID].Status = models.StatusConfirmed
				f.orders.mu.Unlock()
				return InitiateInput{OrderNumber: f.order.OrderNumber, Gateway: payments.GatewayRazorpay}
			},
			wantKind: apperr.KindValidation,
			wantErr:  ErrOrderNotPayable,
		},
		{
			name: "another customer's order",
			prepare: func(f *paymentFixture) InitiateInput {
				f.orders.mu.Lock()
				f.orders.orders[f.order.ID].CustomerID = uuid.New()
				f.orders.mu.Unlock()
				return InitiateInput{OrderNumber: f.order.OrderNumber, Gateway: payments.GatewayRazorpay, CustomerID: uuid.New()}
			},
			wantKind: apperr.KindValidation,
			wantErr:  ErrOrderNotFound,
		},
		{
			name: "unknown order",
			prepare: func(f *paymentFixture) InitiateInput {
				return InitiateInput{OrderNumber: "ORD-20260101-NOPE00", Gateway: payments.GatewayRazorpay}
			},
			wantKind: apperr.KindValidation,
			wantErr:  ErrOrderNotFound,
		},
		{
			name: "gateway not configured",
			prepare: func(f *paymentFixture) InitiateInput {
				return InitiateInput{OrderNumber: f.order.OrderNumber, Gateway: payments.GatewaySadad}
			},
			wantKind: apperr.KindConfiguration,
			wantErr:  payments.ErrGatewayNotConfigured,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fixture := newPaymentFixture(t)
			_, err := fixture.service.Initiate(context.Background(), tt.prepare(fixture))
			if !apperr.Is(err, tt.wantKind) {
				t.Fatalf("kind = %s, want %s (%v)", apperr.KindOf(err), tt.wantKind, err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v in chain, got %v", tt.wantErr, err)
			}
			if len(fixture.gateway.initiated) != 0 {
				t.Fatal("gateway must not be called")
			}
		})
	}
}

func TestConfirmMarksOrderPaidOnce(t *testing.T) {
	t.Parallel()

	fixture := newPaymentFixture(t)
	initiation := fixture.initiate(t)

	first := fixture.confirm(t)
	if !first.Paid || first.AlreadyPaid || first.Duplicate {
		t.Fatalf("unexpected first confirmation: %+v", first)
	}

	stored := fixture.orders.get(fixture.order.ID)
	if stored.PaymentStatus != models.PaymentCompleted || stored.Status != models.StatusConfirmed {
		t.Fatalf("order = %s/%s, want completed/confirmed", stored.PaymentStatus, stored.Status)
	}
	if stored.PaymentTransactionID != "pay_1" {
		t.Fatalf("payment transaction id = %q", stored.PaymentTransactionID)
	}

	attempt := fixture.orders.attempt(initiation.Data["transaction_id"])
	if attempt.Status != models.AttemptVerified {
		t.Fatalf("attempt status = %s", attempt.Status)
	}
	if attempt.RawResponse == "" || strings.Contains(attempt.RawResponse, "captured") {
		t.Fatalf("raw response is not sealed: %q", attempt.RawResponse)
	}
	plain, err := fixture.sealer.Open(fixture.order.OrderNumber, attempt.RawResponse)
	if err != nil || string(plain) != `{"id":"pay_1","status":"captured"}` {
		t.Fatalf("sealed response = %q, %v", plain, err)
	}

	second := fixture.confirm(t)
	if !second.Paid || !second.AlreadyPaid {
		t.Fatalf("unexpected repeat confirmation: %+v", second)
	}

	if got := fixture.publisher.types(); len(got) != 1 || got[0] != events.OrderPaid {
		t.Fatalf("published events = %v", got)
	}
	if len(fixture.emails.confirmations) != 1 {
		t.Fatalf("confirmation emails = %d, want 1", len(fixture.emails.confirmations))
	}
}

func TestConfirmVerificationFailure(t *testing.T) {
	t.Parallel()

	fixture := newPaymentFixture(t)
	initiation := fixture.initiate(t)
	fixture.gateway.result = &payments.Result{
		Gateway:        payments.GatewayRazorpay,
		Reference:      "order_RZP1",
		SignatureValid: true,
		Status:         "failed",
		ErrorKind:      apperr.KindVerification,
		Detail:         "payment status is failed",
	}

	first := fixture.confirm(t)
	if first.Paid || first.Duplicate {
		t.Fatalf("unexpected confirmation: %+v", first)
	}
	if stored := fixture.orders.get(fixture.order.ID); stored.PaymentStatus != models.PaymentFailed {
		t.Fatalf("payment status = %s, want failed", stored.PaymentStatus)
	}
	if attempt := fixture.orders.attempt(initiation.Data["transaction_id"]); attempt.Status != models.AttemptVerificationFailed {
		t.Fatalf("attempt status = %s", attempt.Status)
	}

	repeat := fixture.confirm(t)
	if !repeat.Duplicate || repeat.Paid {
		t.Fatalf("expected duplicate delivery to be dropped: %+v", repeat)
	}
	if got := fixture.publisher.types(); len(got) != 1 || got[0] != events.PaymentFailed {
		t.Fatalf("published events = %v", got)
	}
	if len(fixture.emails.confirmations) != 0 {
		t.Fatal("no confirmation email for a failed payment")
	}
}

func TestConfirmUnsignedPayloadLeavesOrderUntouched(t *testing.T) {
	t.Parallel()

	fixture := newPaymentFixture(t)
	initiation := fixture.initiate(t)
	fixture.gateway.result = &payments.Result{
		Gateway:        payments.GatewayRazorpay,
		Reference:      "order_RZP1",
		SignatureValid: false,
		ErrorKind:      apperr.KindVerification,
		Detail:         "invalid payment signature",
		Raw:            json.RawMessage(`{"razorpay_signature":"forged"}`),
	}

	rejected := fixture.confirm(t)
	if rejected.Paid || rejected.Duplicate {
		t.Fatalf("unexpected confirmation: %+v", rejected)
	}
	stored := fixture.orders.get(fixture.order.ID)
	if stored.PaymentStatus != models.PaymentPending || stored.Status != models.StatusPending {
		t.Fatalf("order = %s/%s, want pending/pending", stored.PaymentStatus, stored.Status)
	}
	attempt := fixture.orders.attempt(initiation.Data["transaction_id"])
	if attempt.Status != models.AttemptVerificationFailed || attempt.RawResponse == "" {
		t.Fatalf("attempt = %s with response %q", attempt.Status, attempt.RawResponse)
	}
	if got := fixture.publisher.types(); len(got) != 0 {
		t.Fatalf("published events = %v, want none", got)
	}

	// The genuine outcome still settles the order afterwards.
	fixture.gateway.result = &payments.Result{
		Gateway:               payments.GatewayRazorpay,
		Success:               true,
		Reference:             "order_RZP1",
		ExternalTransactionID: "pay_1",
		Amount:                d("205.00"),
		SignatureValid:        true,
	}
	if genuine := fixture.confirm(t); !genuine.Paid || genuine.Duplicate {
		t.Fatalf("unexpected genuine confirmation: %+v", genuine)
	}
	if stored := fixture.orders.get(fixture.order.ID); stored.PaymentStatus != models.PaymentCompleted {
		t.Fatalf("payment status = %s, want completed", stored.PaymentStatus)
	}
}

func TestConfirmRejectsPaymentForCancelledOrder(t *testing.T) {
	t.Parallel()

	fixture := newPaymentFixture(t)
	fixture.initiate(t)
	fixture.orders.setStatus(fixture.order.ID, models.StatusCancelled)

	_, err := fixture.service.Confirm(context.Background(), ConfirmInput{
		Gateway: payments.GatewayRazorpay,
		Verify:  payments.VerifyRequest{Reference: "order_RZP1", PaymentID: "pay_1", Signature: "sig"},
		Source:  "confirm",
	})
	if !errors.Is(err, ErrOrderNotPayable) {
		t.Fatalf("Confirm() error = %v, want ErrOrderNotPayable", err)
	}
	if stored := fixture.orders.get(fixture.order.ID); stored.PaymentStatus != models.PaymentPending {
		t.Fatalf("payment status = %s, want pending", stored.PaymentStatus)
	}
}

func TestConfirmRejectsAmountMismatch(t *testing.T) {
	t.Parallel()

	fixture := newPaymentFixture(t)
	fixture.initiate(t)
	fixture.gateway.result.Amount = d("200.00")

	confirmation := fixture.confirm(t)
	if confirmation.Paid {
		t.Fatal("a short payment must not settle the order")
	}
	if confirmation.Result.ErrorKind != apperr.KindVerification || !strings.Contains(confirmation.Result.Detail, ErrAmountMismatch.Error()) {
		t.Fatalf("unexpected result: %+v", confirmation.Result)
	}
	if stored := fixture.orders.get(fixture.order.ID); stored.PaymentStatus != models.PaymentFailed {
		t.Fatalf("payment status = %s, want failed", stored.PaymentStatus)
	}
}

func TestConfirmLateFailureKeepsPayment(t *testing.T) {
	t.Parallel()

	fixture := newPaymentFixture(t)
	fixture.initiate(t)
	fixture.confirm(t)

	fixture.gateway.result = &payments.Result{
		Gateway:        payments.GatewayRazorpay,
		Reference:      "order_RZP1",
		SignatureValid: true,
		ErrorKind:      apperr.KindVerification,
		Detail:         "payment failed",
	}
	late := fixture.confirm(t)
	if !late.AlreadyPaid {
		t.Fatalf("expected already paid, got %+v", late)
	}
	if stored := fixture.orders.get(fixture.order.ID); stored.PaymentStatus != models.PaymentCompleted {
		t.Fatalf("payment status = %s, want completed", stored.PaymentStatus)
	}
}

func TestConfirmUnknownReference(t *testing.T) {
	t.Parallel()

	fixture := newPaymentFixture(t)
	fixture.gateway.result.Reference = "order_OTHER"

	_, err := fixture.service.Confirm(context.Background(), ConfirmInput{
		Gateway: payments.GatewayRazorpay,
		Verify:  payments.VerifyRequest{Reference: "order_OTHER"},
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCancelMarksAttemptFailed(t *testing.T) {
	t.Parallel()

	fixture := newPaymentFixture(t)
	initiation := fixture.initiate(t)

	order, err := fixture.service.Cancel(context.Background(), payments.GatewayRazorpay, "order_RZP1")
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if order.PaymentStatus != models.PaymentFailed {
		t.Fatalf("payment status = %s", order.PaymentStatus)
	}
	if attempt := fixture.orders.attempt(initiation.Data["transaction_id"]); attempt.Status != models.AttemptFailed {
		t.Fatalf("attempt status = %s", attempt.Status)
	}

	// A later successful callback still settles the order.
	if confirmation := fixture.confirm(t); !confirmation.Paid {
		t.Fatalf("expected payment after cancel to settle, got %+v", confirmation)
	}
}

func TestRefundPartialThenRemaining(t *testing.T) {
	t.Parallel()

	fixture := newPaymentFixture(t)
	fixture.markCompleted(payments.GatewayRazorpay, "pay_1")

	partial := d("50.00")
	if _, err := fixture.service.Refund(context.Background(), RefundInput{OrderNumber: fixture.order.OrderNumber, Amount: &partial}); err != nil {
		t.Fatalf("partial refund returned error: %v", err)
	}
	first := fixture.gateway.refundRequest[0]
	if first.Amount == nil || !first.Amount.Equal(partial) || first.TransactionID != "pay_1" {
		t.Fatalf("unexpected refund request: %+v", first)
	}
	if stored := fixture.orders.get(fixture.order.ID); stored.PaymentStatus != models.PaymentCompleted {
		t.Fatalf("partial refund changed payment status to %s", stored.PaymentStatus)
	}

	if _, err := fixture.service.Refund(context.Background(), RefundInput{OrderNumber: fixture.order.OrderNumber}); err != nil {
		t.Fatalf("remaining refund returned error: %v", err)
	}
	second := fixture.gateway.refundRequest[1]
	if second.Amount == nil || !second.Amount.Equal(d("155.00")) {
		t.Fatalf("remaining refund amount = %v", second.Amount)
	}

	stored := fixture.orders.get(fixture.order.ID)
	if stored.PaymentStatus != models.PaymentRefunded || stored.Status != models.StatusRefunded {
		t.Fatalf("order = %s/%s, want refunded/refunded", stored.PaymentStatus, stored.Status)
	}
	if strings.Join(fixture.emails.refunds, ",") != fixture.order.OrderNumber+":50.00,"+fixture.order.OrderNumber+":155.00" {
		t.Fatalf("refund emails = %v", fixture.emails.refunds)
	}
	if got := fixture.publisher.types(); len(got) != 2 || got[1] != events.OrderRefunded {
		t.Fatalf("published events = %v", got)
	}

	_, err := fixture.service.Refund(context.Background(), RefundInput{OrderNumber: fixture.order.OrderNumber})
	if !errors.Is(err, ErrOrderNotRefundable) {
		t.Fatalf("expected ErrOrderNotRefundable after full refund, got %v", err)
	}
}

func TestRefundFullSendsNoAmount(t *testing.T) {
	t.Parallel()

	fixture := newPaymentFixture(t)
	fixture.markCompleted(payments.GatewayRazorpay, "pay_1")

	if _, err := fixture.service.Refund(context.Background(), RefundInput{OrderNumber: fixture.order.OrderNumber}); err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}
	if request := fixture.gateway.refundRequest[0]; request.Amount != nil {
		t.Fatalf("full refund should leave the amount to the provider, got %s", request.Amount)
	}
}

func TestRefundRejects(t *testing.T) {
	t.Parallel()

	amount := func(value string) *decimal.Decimal {
		parsed := d(value)
		return &parsed
	}

	tests := []struct {
		name     string
		prepare  func(*paymentFixture)
		amount   *decimal.Decimal
		wantKind apperr.Kind
		wantErr  error
	}{
		{
			name:     "unpaid order",
			prepare:  func(f *paymentFixture) {},
			wantKind: apperr.KindValidation,
			wantErr:  ErrOrderNotRefundable,
		},
		{
			name:     "cash on delivery",
			prepare:  func(f *paymentFixture) { f.markCompleted(models.PaymentMethodCashOnDelivery, "") },
			wantKind: apperr.KindValidation,
			wantErr:  ErrOrderNotRefundable,
		},
		{
			name:     "more than paid",
			prepare:  func(f *paymentFixture) { f.markCompleted(payments.GatewayRazorpay, "pay_1") },
			amount:   amount("205.01"),
			wantKind: apperr.KindValidation,
			wantErr:  ErrInvalidRefund,
		},
		{
			name:     "zero amount",
			prepare:  func(f *paymentFixture) { f.markCompleted(payments.GatewayRazorpay, "pay_1") },
			amount:   amount("0"),
			wantKind: apperr.KindValidation,
			wantErr:  ErrInvalidRefund,
		},
		{
			name: "provider declines",
			prepare: func(f *paymentFixture) {
				f.markCompleted(payments.GatewayRazorpay, "pay_1")
				f.gateway.refund = &payments.RefundResult{Gateway: payments.GatewayRazorpay, ErrorKind: apperr.KindGatewayCommunication, Detail: "refund window closed"}
			},
			wantKind: apperr.KindGatewayCommunication,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fixture := newPaymentFixture(t)
			tt.prepare(fixture)

			_, err := fixture.service.Refund(context.Background(), RefundInput{OrderNumber: fixture.order.OrderNumber, Amount: tt.amount})
			if !apperr.Is(err, tt.wantKind) {
				t.Fatalf("kind = %s, want %s (%v)", apperr.KindOf(err), tt.wantKind, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v in chain, got %v", tt.wantErr, err)
			}
			if len(fixture.emails.refunds) != 0 {
				t.Fatal("no refund email for a rejected refund")
			}
		})
	}
}

func stripeEvent(id, eventType, intentID string) *stripeapi.Event {
	raw := `{"id":"` + intentID + `","object":"payment_intent","amount":20500,"amount_received":20500,"currency":"qar","status":"succeeded","metadata":{"order_number":"ORD-20260314-ABC123"}}`
	return &stripeapi.Event{
		ID:   id,
		Type: stripeapi.EventType(eventType),
		Data: &stripeapi.EventData{Raw: json.RawMessage(raw)},
	}
}

func TestHandleStripeEvent(t *testing.T) {
	t.Parallel()

	fixture := newPaymentFixture(t)
	fixture.orders.mu.Lock()
	stored := fixture.orders.orders[fixture.order.ID]
	stored.PaymentMethod = payments.GatewayStripe
	stored.PaymentReference = "pi_123"
	fixture.orders.mu.Unlock()

	ctx := context.Background()
	if err := fixture.service.HandleStripeEvent(ctx, stripeEvent("evt_1", stripe.EventPaymentIntentSucceeded, "pi_123")); err != nil {
		t.Fatalf("HandleStripeEvent returned error: %v", err)
	}
	if order := fixture.orders.get(fixture.order.ID); order.PaymentStatus != models.PaymentCompleted || order.PaymentTransactionID != "pi_123" {
		t.Fatalf("order = %s (%s), want completed with pi_123", order.PaymentStatus, order.PaymentTransactionID)
	}

	if err := fixture.service.HandleStripeEvent(ctx, stripeEvent("evt_1", stripe.EventPaymentIntentSucceeded, "pi_123")); err != nil {
		t.Fatalf("redelivered event returned error: %v", err)
	}
	if err := fixture.service.HandleStripeEvent(ctx, stripeEvent("evt_2", stripe.EventPaymentIntentSucceeded, "pi_unknown")); err != nil {
		t.Fatalf("event for unknown intent returned error: %v", err)
	}
	if err := fixture.service.HandleStripeEvent(ctx, stripeEvent("evt_3", "charge.refunded", "pi_123")); err != nil {
		t.Fatalf("ignored event returned error: %v", err)
	}

	if len(fixture.emails.confirmations) != 1 {
		t.Fatalf("confirmation emails = %d, want 1", len(fixture.emails.confirmations))
	}
	if got := fixture.publisher.types(); len(got) != 1 || got[0] != events.OrderPaid {
		t.Fatalf("published events = %v", got)
	}
}

func TestOrderStatusURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		paid    bool
		order   string
		message string
		want    string
	}{
		{name: "paid", paid: true, order: "ORD-1", want: "https://shop.example.com/checkout/success?order=ORD-1"},
		{name: "failed with message", order: "ORD-1", message: "Payment declined", want: "https://shop.example.com/checkout/failed?message=Payment+declined&order=ORD-1"},
		{name: "no order", want: "https://shop.example.com/checkout/failed"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := OrderStatusURL("https://shop.example.com/", tt.order, tt.paid, tt.message); got != tt.want {
				t.Fatalf("OrderStatusURL = %q, want %q", got, tt.want)
			}
		})
	}
}
