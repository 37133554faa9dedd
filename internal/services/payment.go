package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/opticshop/opticshop/internal/apperr"
	"github.com/opticshop/opticshop/internal/cache"
	"github.com/opticshop/opticshop/internal/crypto"
	"github.com/opticshop/opticshop/internal/db"
	"github.com/opticshop/opticshop/internal/events"
	"github.com/opticshop/opticshop/internal/logging"
	"github.com/opticshop/opticshop/internal/models"
	"github.com/opticshop/opticshop/internal/observability"
	"github.com/opticshop/opticshop/internal/payments"
	"github.com/opticshop/opticshop/internal/payments/stripe"
)

var (
	ErrOrderAlreadyPaid   = errors.New("order is already paid")
	ErrOrderNotPayable    = errors.New("order can no longer be paid")
	ErrOrderNotRefundable = errors.New("only completed payments can be refunded")
	ErrInvalidRefund      = errors.New("refund amount must be positive and within the amount paid")
	ErrAmountMismatch     = errors.New("paid amount does not match the order total")
)

const dedupTTL = 24 * time.Hour

type paymentOrderStore interface {
	GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	GetByPaymentReference(ctx context.Context, gateway, reference string) (*models.Order, error)
	SetPaymentReference(ctx context.Context, orderID uuid.UUID, gateway, reference string) error
	RecordTransaction(ctx context.Context, txn *models.PaymentTransaction) error
	UpdateTransactionStatus(ctx context.Context, transactionID string, from, to models.AttemptStatus, update db.TransactionUpdate) error
	LatestAttempt(ctx context.Context, orderID uuid.UUID, gateway string) (*models.PaymentTransaction, error)
	MarkPaid(ctx context.Context, orderID uuid.UUID, confirmation db.PaymentConfirmation) error
	MarkPaymentFailed(ctx context.Context, orderID uuid.UUID, notes string) error
	RefundedAmount(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error)
	MarkRefunded(ctx context.Context, orderID uuid.UUID, refund db.RefundRecord) (bool, error)
}

type PaymentServiceConfig struct {
	// GatewayTimeout bounds every outbound gateway call.
	GatewayTimeout time.Duration
	// BaseURL is this service's public origin, used for gateway return URLs.
	BaseURL string
}

type PaymentService struct {
	orders      paymentOrderStore
	gateways    gatewayResolver
	cache       cache.Provider
	publisher   events.Publisher
	emailSender OrderEmailSender
	sealer      crypto.Sealer
	cfg         PaymentServiceConfig
	now         func() time.Time
	logger      *slog.Logger
}

func NewPaymentService(orders paymentOrderStore, gateways gatewayResolver, cacheProvider cache.Provider, publisher events.Publisher, emailSender OrderEmailSender, sealer crypto.Sealer, cfg PaymentServiceConfig, logger *slog.Logger) *PaymentService {
	if emailSender == nil {
		emailSender = noopOrderEmailSender{}
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &PaymentService{
		orders:      orders,
		gateways:    gateways,
		cache:       cacheProvider,
		publisher:   publisher,
		emailSender: emailSender,
		sealer:      sealer,
		cfg:         cfg,
		now:         time.Now,
		logger:      logger,
	}
}

func (s *PaymentService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

type InitiateInput struct {
	OrderNumber string
	Gateway     string
	CustomerID  uuid.UUID
}

// Initiate starts a checkout attempt against the named gateway and records it.
// Gateway failures come back as an unsuccessful Initiation, not an error.
func (s *PaymentService) Initiate(ctx context.Context, input InitiateInput) (*payments.Initiation, error) {
	span := sentry.StartSpan(
		ctx,
		"service.payment.initiate",
		sentry.WithOpName("service.payment"),
		sentry.WithDescription("Initiate"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := s.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)

	gateway, err := s.gateways.Get(input.Gateway)
	if err != nil {
		return nil, err
	}
	name := gateway.Name()
	meter.SetAttributes(attribute.String("gateway", name))

	order, err := ownedOrder(ctx, s.orders, "payment.order", input.OrderNumber, input.CustomerID)
	if err != nil {
		return nil, err
	}
	switch {
	case order.PaymentStatus == models.PaymentCompleted:
		return nil, apperr.Validation("payment.initiate", ErrOrderAlreadyPaid)
	case !order.PaymentStatus.Payable() || order.Status != models.StatusPending:
		return nil, apperr.Validation("payment.initiate", fmt.Errorf("%w: %s/%s", ErrOrderNotPayable, order.Status, order.PaymentStatus))
	}

	now := s.now()
	transactionID, err := models.NewTransactionID(now)
	if err != nil {
		return nil, fmt.Errorf("failed to generate transaction id: %w", err)
	}
	attempt := &models.PaymentTransaction{
		TransactionID: transactionID,
		OrderID:       order.ID,
		Gateway:       name,
		Type:          models.TransactionPayment,
		Status:        models.AttemptBuilding,
		Amount:        order.TotalAmount,
		Currency:      order.Currency,
	}
	if err := s.orders.RecordTransaction(ctx, attempt); err != nil {
		return nil, apperr.Persistence("payment.initiate", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	initiation, err := gateway.Initiate(callCtx, payments.PaymentRequest{
		OrderID:        order.ID,
		OrderReference: order.OrderNumber,
		Amount:         order.TotalAmount,
		Currency:       order.Currency,
		Description:    "Order " + order.OrderNumber,
		Customer: payments.Customer{
			ID:    customerRef(order),
			Name:  order.CustomerName,
			Email: order.CustomerEmail,
			Phone: order.CustomerPhone,
		},
		ReturnURL: s.cfg.BaseURL + "/payments/paypal/return",
		CancelURL: s.cfg.BaseURL + "/payments/paypal/cancel",
	})
	if err != nil {
		s.moveAttempt(ctx, attempt, models.AttemptFailed, db.TransactionUpdate{RawResponse: s.seal(ctx, order.OrderNumber, []byte(err.Error()))})
		meter.Count("payments.initiation_failed", 1, sentry.WithAttributes(attribute.String("reason", string(apperr.KindOf(err)))))
		return nil, err
	}
	if !initiation.Success {
		next := models.AttemptFailed
		if initiation.ErrorKind == apperr.KindTimeout {
			next = models.AttemptTimedOut
		}
		s.moveAttempt(ctx, attempt, next, db.TransactionUpdate{RawResponse: s.seal(ctx, order.OrderNumber, []byte(initiation.Detail))})
		meter.Count("payments.initiation_failed", 1, sentry.WithAttributes(attribute.String("reason", string(initiation.ErrorKind))))
		logger.Warn("payment initiation failed", "gateway", name, "order_number", order.OrderNumber, "error_kind", initiation.ErrorKind, "detail", initiation.Detail)
		return initiation, nil
	}

	if !s.moveAttempt(ctx, attempt, models.AttemptSigned, db.TransactionUpdate{GatewayTransactionID: initiation.Reference}) {
		return nil, apperr.Persistence("payment.initiate", fmt.Errorf("attempt %s could not be signed", transactionID))
	}
	if err := s.orders.SetPaymentReference(ctx, order.ID, name, initiation.Reference); err != nil {
		return nil, apperr.Persistence("payment.initiate", err)
	}
	s.moveAttempt(ctx, attempt, models.AttemptSubmitted, db.TransactionUpdate{})

	if initiation.Data == nil {
		initiation.Data = map[string]string{}
	}
	initiation.Data["transaction_id"] = transactionID
	initiation.Data["order_number"] = order.OrderNumber

	logger.Info("payment initiated", "gateway", name, "order_number", order.OrderNumber, "transaction_id", transactionID)
	meter.Count("payments.initiated", 1)
	span.Status = sentry.SpanStatusOK
	return initiation, nil
}

// ConfirmInput carries what the customer's browser or the provider sent
// back. Source is "confirm", "callback" or "webhook" and is used for logging.
type ConfirmInput struct {
	Gateway string
	Verify  payments.VerifyRequest
	Source  string
}

type Confirmation struct {
	OrderNumber string           `json:"order_number"`
	Paid        bool             `json:"paid"`
	AlreadyPaid bool             `json:"already_paid,omitempty"`
	Duplicate   bool             `json:"duplicate,omitempty"`
	Result      *payments.Result `json:"result"`
}

// Confirm verifies a gateway outcome and applies it to the order. It is
// idempotent: an order that is already paid reports success without being
// touched, and a repeated delivery of the same outcome is dropped.
func (s *PaymentService) Confirm(ctx context.Context, input ConfirmInput) (*Confirmation, error) {
	span := sentry.StartSpan(
		ctx,
		"service.payment.confirm",
		sentry.WithOpName("service.payment"),
		sentry.WithDescription("Confirm"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	gateway, err := s.gateways.Get(input.Gateway)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	result, err := gateway.Verify(callCtx, input.Verify)
	if err != nil {
		return nil, err
	}

	confirmation, err := s.apply(ctx, gateway.Name(), result, lookupReference(gateway.Name(), result, input.Verify), input.Source)
	if err != nil {
		return nil, err
	}
	span.Status = sentry.SpanStatusOK
	return confirmation, nil
}

// HandleStripeEvent applies a verified Stripe webhook event. Unhandled event
// types are ignored.
func (s *PaymentService) HandleStripeEvent(ctx context.Context, event *stripeapi.Event) error {
	logger := s.loggerFromContext(ctx)

	eventType := string(event.Type)
	if eventType != stripe.EventPaymentIntentSucceeded && eventType != stripe.EventPaymentIntentFailed {
		logger.Debug("ignoring stripe event", "type", eventType, "event_id", event.ID)
		return nil
	}

	webhookKey := cache.WebhookKey(payments.GatewayStripe, event.ID)
	if s.cache != nil && event.ID != "" {
		claimed, err := s.cache.SetIfAbsent(ctx, webhookKey, eventType, dedupTTL)
		if err != nil {
			logger.Warn("failed to claim webhook event", "error", err, "event_id", event.ID)
		} else if !claimed {
			logger.Info("dropping duplicate stripe event", "event_id", event.ID)
			return nil
		}
	}

	result, err := stripe.PaymentIntentResult(event)
	if err != nil {
		return apperr.Validation("payment.stripe_webhook", err)
	}

	_, err = s.apply(ctx, payments.GatewayStripe, result, result.ExternalTransactionID, "webhook")
	if errors.Is(err, ErrOrderNotFound) {
		// Intents created outside this storefront share the account.
		logger.Info("stripe event for unknown payment intent", "payment_intent", result.ExternalTransactionID)
		return nil
	}
	if err != nil && s.cache != nil && event.ID != "" {
		_ = s.cache.Release(ctx, webhookKey, eventType)
	}
	return err
}

// Cancel records that the customer abandoned the gateway's hosted page.
func (s *PaymentService) Cancel(ctx context.Context, gatewayName, reference string) (*models.Order, error) {
	gateway, err := s.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}
	name := gateway.Name()

	order, err := s.orders.GetByPaymentReference(ctx, name, reference)
	if err != nil {
		return nil, orderLookupError("payment.cancel", err)
	}
	if !order.PaymentStatus.Payable() {
		return order, nil
	}

	if attempt, err := s.orders.LatestAttempt(ctx, order.ID, name); err == nil && attempt.Status == models.AttemptSubmitted {
		s.moveAttempt(ctx, attempt, models.AttemptFailed, db.TransactionUpdate{RawResponse: s.seal(ctx, order.OrderNumber, []byte("cancelled by customer"))})
	}
	if err := s.orders.MarkPaymentFailed(ctx, order.ID, "Payment cancelled by customer on "+name); err != nil && !errors.Is(err, db.ErrInvalidStatusTransition) {
		return nil, apperr.Persistence("payment.cancel", err)
	}
	observability.CountGatewayOutcome(ctx, "payments.cancelled", name, "")
	order.PaymentStatus = models.PaymentFailed
	return order, nil
}

// apply moves the order and attempt according to a verification result.
func (s *PaymentService) apply(ctx context.Context, gateway string, result *payments.Result, reference, source string) (*Confirmation, error) {
	logger := s.loggerFromContext(ctx).With("gateway", gateway, "source", source, "reference", reference)

	if reference == "" {
		return nil, apperr.Validation("payment.confirm", fmt.Errorf("%w: no payment reference", ErrOrderNotFound))
	}
	order, err := s.orders.GetByPaymentReference(ctx, gateway, reference)
	if err != nil {
		logger.Warn("payment outcome for unknown order", "error", err, "success", result.Success)
		return nil, orderLookupError("payment.confirm", err)
	}

	confirmation := &Confirmation{OrderNumber: order.OrderNumber, Result: result}
	if order.PaymentStatus == models.PaymentCompleted {
		confirmation.Paid = true
		confirmation.AlreadyPaid = true
		return confirmation, nil
	}

	// An unsigned payload proves nothing about the payment, so it may only
	// leave a trace on the attempt. The order stays as it is.
	if result.Untrusted() {
		s.rejectUnsigned(ctx, order, gateway, result)
		return confirmation, nil
	}

	if result.Success && order.Status == models.StatusCancelled {
		logger.Error("payment received for a cancelled order; refund required", "order_number", order.OrderNumber, "gateway_transaction_id", result.ExternalTransactionID)
		observability.CountGatewayOutcome(ctx, "payments.verification_failed", gateway, "order_cancelled")
		return nil, apperr.Validation("payment.confirm", fmt.Errorf("%w: order was cancelled", ErrOrderNotPayable))
	}

	if result.Success && result.Amount.IsPositive() && !result.Amount.Equal(order.TotalAmount) {
		logger.Error("paid amount does not match order total", "amount", result.Amount.String(), "total", order.TotalAmount.String(), "order_number", order.OrderNumber)
		result.Success = false
		result.ErrorKind = apperr.KindVerification
		result.Detail = fmt.Sprintf("%s: paid %s, expected %s", ErrAmountMismatch, result.Amount.StringFixed(2), order.TotalAmount.StringFixed(2))
	}

	outcome := "failed"
	if result.Success {
		outcome = "paid"
	}
	dedupKey := cache.CallbackKey(gateway, reference, outcome+":"+result.ExternalTransactionID)
	if s.cache != nil {
		claimed, err := s.cache.SetIfAbsent(ctx, dedupKey, order.OrderNumber, dedupTTL)
		if err != nil {
			logger.Warn("failed to claim payment callback", "error", err)
		} else if !claimed {
			logger.Info("dropping duplicate payment callback", "outcome", outcome)
			confirmation.Duplicate = true
			confirmation.Paid = result.Success
			return confirmation, nil
		}
	}
	release := func() {
		if s.cache != nil {
			_ = s.cache.Release(ctx, dedupKey, order.OrderNumber)
		}
	}

	attempt, err := s.orders.LatestAttempt(ctx, order.ID, gateway)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		release()
		return nil, apperr.Persistence("payment.confirm", err)
	}
	if attempt != nil && attempt.Status == models.AttemptSubmitted {
		s.moveAttempt(ctx, attempt, models.AttemptCallbackReceived, db.TransactionUpdate{GatewayTransactionID: result.ExternalTransactionID})
	}

	sealed := s.seal(ctx, order.OrderNumber, result.Raw)
	if !result.Success {
		if attempt != nil {
			next := models.AttemptVerificationFailed
			if result.ErrorKind == apperr.KindTimeout && attempt.Status == models.AttemptSubmitted {
				next = models.AttemptTimedOut
			}
			s.moveAttempt(ctx, attempt, next, db.TransactionUpdate{RawResponse: sealed})
		}
		notes := fmt.Sprintf("Payment via %s failed: %s", gateway, result.Detail)
		if err := s.orders.MarkPaymentFailed(ctx, order.ID, notes); err != nil && !errors.Is(err, db.ErrInvalidStatusTransition) {
			release()
			return nil, apperr.Persistence("payment.confirm", err)
		}

		observability.CountGatewayOutcome(ctx, "payments.verification_failed", gateway, string(result.ErrorKind))
		logger.Warn("payment verification failed", "order_number", order.OrderNumber, "error_kind", result.ErrorKind, "detail", result.Detail)
		s.publish(ctx, orderEvent(events.PaymentFailed, order, gateway, result.Detail))
		return confirmation, nil
	}

	transactionID := ""
	if attempt != nil {
		transactionID = attempt.TransactionID
	} else if transactionID, err = models.NewTransactionID(s.now()); err != nil {
		release()
		return nil, fmt.Errorf("failed to generate transaction id: %w", err)
	}

	err = s.orders.MarkPaid(ctx, order.ID, db.PaymentConfirmation{
		TransactionID:        transactionID,
		Gateway:              gateway,
		GatewayTransactionID: result.ExternalTransactionID,
		Amount:               order.TotalAmount,
		Currency:             order.Currency,
		RawResponse:          sealed,
		Notes:                fmt.Sprintf("Payment confirmed via %s (%s)", gateway, source),
	})
	switch {
	case errors.Is(err, db.ErrAlreadyPaid):
		confirmation.Paid = true
		confirmation.AlreadyPaid = true
		return confirmation, nil
	case err != nil:
		release()
		return nil, apperr.Persistence("payment.confirm", err)
	}

	now := s.now()
	order.PaymentStatus = models.PaymentCompleted
	order.Status = models.StatusConfirmed
	order.PaymentMethod = gateway
	order.PaymentTransactionID = result.ExternalTransactionID
	order.PaidAt = &now

	confirmation.Paid = true
	observability.CountGatewayOutcome(ctx, "payments.verified", gateway, "")
	logger.Info("payment verified", "order_number", order.OrderNumber, "transaction_id", transactionID)

	s.publish(ctx, orderEvent(events.OrderPaid, order, gateway, ""))
	if err := s.emailSender.SendOrderConfirmation(ctx, order); err != nil {
		logger.Warn("failed to send order confirmation", "error", err, "order_number", order.OrderNumber)
	}
	return confirmation, nil
}

type RefundInput struct {
	OrderNumber string
	Amount      *decimal.Decimal
}

// Refund issues a refund through the gateway that took the payment. A nil
// amount refunds whatever has not been refunded yet.
func (s *PaymentService) Refund(ctx context.Context, input RefundInput) (*payments.RefundResult, error) {
	span := sentry.StartSpan(
		ctx,
		"service.payment.refund",
		sentry.WithOpName("service.payment"),
		sentry.WithDescription("Refund"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := s.loggerFromContext(ctx)

	order, err := s.orders.GetByNumber(ctx, input.OrderNumber)
	if err != nil {
		return nil, orderLookupError("payment.refund", err)
	}
	if order.PaymentStatus != models.PaymentCompleted {
		return nil, apperr.Validation("payment.refund", fmt.Errorf("%w: payment is %s", ErrOrderNotRefundable, order.PaymentStatus))
	}
	if order.PaymentMethod == models.PaymentMethodCashOnDelivery {
		return nil, apperr.Validation("payment.refund", fmt.Errorf("%w: cash on delivery orders are refunded in store", ErrOrderNotRefundable))
	}

	gateway, err := s.gateways.Get(order.PaymentMethod)
	if err != nil {
		return nil, err
	}

	refunded, err := s.orders.RefundedAmount(ctx, order.ID)
	if err != nil {
		return nil, apperr.Persistence("payment.refund", err)
	}
	remaining := order.TotalAmount.Sub(refunded)

	amount := remaining
	if input.Amount != nil {
		amount = input.Amount.Round(2)
	}
	if !amount.IsPositive() || amount.GreaterThan(remaining) {
		return nil, apperr.Validation("payment.refund", fmt.Errorf("%w: requested %s, refundable %s", ErrInvalidRefund, amount.StringFixed(2), remaining.StringFixed(2)))
	}

	request := payments.RefundRequest{
		Reference:     order.OrderNumber,
		TransactionID: order.PaymentTransactionID,
		Currency:      order.Currency,
	}
	if !(refunded.IsZero() && amount.Equal(order.TotalAmount)) {
		request.Amount = &amount
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	result, err := gateway.Refund(callCtx, request)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		logger.Warn("refund failed", "gateway", gateway.Name(), "order_number", order.OrderNumber, "error_kind", result.ErrorKind, "detail", result.Detail)
		return result, apperr.New(result.ErrorKind, "payment.refund", result.Detail)
	}

	transactionID, err := models.NewTransactionID(s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to generate transaction id: %w", err)
	}
	refundedAmount := amount
	if result.Amount.IsPositive() {
		refundedAmount = result.Amount
	}

	full, err := s.orders.MarkRefunded(ctx, order.ID, db.RefundRecord{
		TransactionID:        transactionID,
		Gateway:              gateway.Name(),
		GatewayTransactionID: result.RefundID,
		Amount:               refundedAmount,
		Currency:             order.Currency,
		RawResponse:          s.seal(ctx, order.OrderNumber, result.Raw),
	})
	if err != nil {
		// The provider has already moved the money; this needs a person.
		logger.Error("refund issued but not recorded", "error", err, "order_number", order.OrderNumber, "refund_id", result.RefundID)
		return nil, apperr.Persistence("payment.refund", err)
	}
	if full {
		order.PaymentStatus = models.PaymentRefunded
		order.Status = models.StatusRefunded
	}

	observability.CountGatewayOutcome(ctx, "payments.refunded", gateway.Name(), "")
	logger.Info("refund issued", "order_number", order.OrderNumber, "amount", refundedAmount.StringFixed(2), "full", full)

	event := orderEvent(events.OrderRefunded, order, gateway.Name(), "")
	event.Amount = refundedAmount
	event.Attributes = map[string]string{"refund_id": result.RefundID, "full": fmt.Sprint(full)}
	s.publish(ctx, event)
	if err := s.emailSender.SendOrderRefunded(ctx, order, refundedAmount); err != nil {
		logger.Warn("failed to send refund email", "error", err, "order_number", order.OrderNumber)
	}

	span.Status = sentry.SpanStatusOK
	return result, nil
}

// OrderStatusURL is where the storefront shows the outcome of a redirect
// based payment.
func OrderStatusURL(storefrontURL, orderNumber string, paid bool, message string) string {
	status := "failed"
	if paid {
		status = "success"
	}
	values := url.Values{}
	if orderNumber != "" {
		values.Set("order", orderNumber)
	}
	if message != "" {
		values.Set("message", message)
	}
	target := strings.TrimRight(storefrontURL, "/") + "/checkout/" + status
	if encoded := values.Encode(); encoded != "" {
		target += "?" + encoded
	}
	return target
}

// moveAttempt advances the attempt and reports whether it moved. Conflicts
// are logged; the attempt record never blocks an order update.
func (s *PaymentService) moveAttempt(ctx context.Context, attempt *models.PaymentTransaction, next models.AttemptStatus, update db.TransactionUpdate) bool {
	if err := s.orders.UpdateTransactionStatus(ctx, attempt.TransactionID, attempt.Status, next, update); err != nil {
		s.loggerFromContext(ctx).Warn("failed to update payment attempt", "error", err, "transaction_id", attempt.TransactionID, "from", attempt.Status, "to", next)
		return false
	}
	attempt.Status = next
	return true
}

// rejectUnsigned records a payload whose signature did not verify. Only a
// submitted attempt is moved; nothing reaches the order, the event stream or
// the dedup cache.
func (s *PaymentService) rejectUnsigned(ctx context.Context, order *models.Order, gateway string, result *payments.Result) {
	observability.CountGatewayOutcome(ctx, "payments.verification_failed", gateway, "signature_invalid")
	s.loggerFromContext(ctx).Warn("payment payload failed signature verification",
		"gateway", gateway,
		"order_number", order.OrderNumber,
		"detail", result.Detail,
	)

	attempt, err := s.orders.LatestAttempt(ctx, order.ID, gateway)
	if err != nil || attempt.Status != models.AttemptSubmitted {
		return
	}
	s.moveAttempt(ctx, attempt, models.AttemptVerificationFailed, db.TransactionUpdate{RawResponse: s.seal(ctx, order.OrderNumber, result.Raw)})
}

// seal encrypts a gateway response for storage against its order. An empty
// response stays empty.
func (s *PaymentService) seal(ctx context.Context, orderNumber string, raw []byte) string {
	if len(raw) == 0 || s.sealer == nil {
		return ""
	}
	sealed, err := s.sealer.Seal(orderNumber, raw)
	if err != nil {
		s.loggerFromContext(ctx).Warn("failed to encrypt gateway response", "error", err)
		return ""
	}
	return sealed
}

func (s *PaymentService) publish(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.loggerFromContext(ctx).Warn("failed to publish event", "error", err, "type", event.Type, "order_number", event.OrderNumber)
	}
}

// lookupReference picks the value stored as the order's payment reference
// for each gateway: the PaymentIntent id for Stripe and the provider's
// order reference for the others.
func lookupReference(gateway string, result *payments.Result, req payments.VerifyRequest) string {
	if gateway == payments.GatewayStripe {
		if result.ExternalTransactionID != "" {
			return result.ExternalTransactionID
		}
		return strings.TrimSpace(req.PaymentID)
	}
	if result.Reference != "" {
		return result.Reference
	}
	return strings.TrimSpace(req.Reference)
}

func customerRef(order *models.Order) string {
	if order.IsGuest() {
		return order.CustomerEmail
	}
	return order.CustomerID.String()
}
