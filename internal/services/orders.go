package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/apperr"
	"github.com/opticshop/opticshop/internal/crypto"
	"github.com/opticshop/opticshop/internal/db"
	"github.com/opticshop/opticshop/internal/events"
	"github.com/opticshop/opticshop/internal/logging"
	"github.com/opticshop/opticshop/internal/models"
	"github.com/opticshop/opticshop/internal/observability"
)

var ErrOrderNotCancellable = errors.New("order can no longer be cancelled")

const maxCancelReasonLength = 500

type orderFinder interface {
	GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
}

type orderStatusStore interface {
	orderFinder
	Cancel(ctx context.Context, orderID uuid.UUID, notes string) (models.OrderStatus, error)
	StatusHistory(ctx context.Context, orderID uuid.UUID) ([]models.StatusHistory, error)
	ListTransactions(ctx context.Context, orderID uuid.UUID) ([]models.PaymentTransaction, error)
}

// OrderService serves order tracking and cancellation after checkout.
type OrderService struct {
	orders    orderStatusStore
	sealer    crypto.Sealer
	publisher events.Publisher
	logger    *slog.Logger
}

func NewOrderService(orders orderStatusStore, sealer crypto.Sealer, publisher events.Publisher, logger *slog.Logger) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	return &OrderService{
		orders:    orders,
		sealer:    sealer,
		publisher: publisher,
		logger:    logger,
	}
}

func (s *OrderService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

// OrderStatusView is what a customer sees when tracking an order.
type OrderStatusView struct {
	OrderNumber    string                 `json:"order_number"`
	Status         models.OrderStatus     `json:"status"`
	PaymentStatus  models.PaymentStatus   `json:"payment_status"`
	PaymentMethod  string                 `json:"payment_method"`
	TrackingNumber string                 `json:"tracking_number,omitempty"`
	Carrier        string                 `json:"carrier,omitempty"`
	Total          decimal.Decimal        `json:"total"`
	Currency       string                 `json:"currency"`
	CanCancel      bool                   `json:"can_cancel"`
	Steps          []models.OrderStatus   `json:"steps"`
	CurrentStep    int                    `json:"current_step"`
	History        []models.StatusHistory `json:"history"`
	PlacedAt       time.Time              `json:"placed_at"`
}

func (s *OrderService) Status(ctx context.Context, orderNumber string, customerID uuid.UUID) (*OrderStatusView, error) {
	span := sentry.StartSpan(
		ctx,
		"function",
		sentry.WithOpName("service.order"),
		sentry.WithDescription("Status"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	order, err := ownedOrder(ctx, s.orders, "order.status", orderNumber, customerID)
	if err != nil {
		span.Status = sentry.SpanStatusNotFound
		return nil, err
	}
	history, err := s.orders.StatusHistory(ctx, order.ID)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, apperr.Persistence("order.status", err)
	}
	if history == nil {
		history = []models.StatusHistory{}
	}

	span.Status = sentry.SpanStatusOK
	return &OrderStatusView{
		OrderNumber:    order.OrderNumber,
		Status:         order.Status,
		PaymentStatus:  order.PaymentStatus,
		PaymentMethod:  order.PaymentMethod,
		TrackingNumber: order.TrackingNumber,
		Carrier:        order.Carrier,
		Total:          order.TotalAmount,
		Currency:       order.Currency,
		CanCancel:      !order.IsGuest() && models.CanBeCancelled(order.Status, order.PaymentStatus),
		Steps:          models.FulfilmentSteps,
		CurrentStep:    models.FulfilmentStep(order.Status),
		History:        history,
		PlacedAt:       order.CreatedAt,
	}, nil
}

type CancelInput struct {
	OrderNumber string
	CustomerID  uuid.UUID
	Reason      string
}

// Cancel withdraws an unpaid order for its customer. Guest orders are only
// identified by their number, so they are cancelled by the store instead.
func (s *OrderService) Cancel(ctx context.Context, input CancelInput) (*models.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"function",
		sentry.WithOpName("service.order"),
		sentry.WithDescription("Cancel"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()
	meter := observability.MeterFromContext(ctx)
	logger := s.loggerFromContext(ctx)

	order, err := ownedOrder(ctx, s.orders, "order.cancel", input.OrderNumber, input.CustomerID)
	if err != nil {
		span.Status = sentry.SpanStatusNotFound
		return nil, err
	}
	if order.IsGuest() {
		span.Status = sentry.SpanStatusPermissionDenied
		return nil, apperr.Validation("order.cancel", fmt.Errorf("%w: guest orders are cancelled by the store", ErrOrderNotCancellable))
	}
	if !models.CanBeCancelled(order.Status, order.PaymentStatus) {
		span.Status = sentry.SpanStatusFailedPrecondition
		meter.Count("orders.cancel_rejected", 1, sentry.WithAttributes(attribute.String("status", string(order.Status))))
		return nil, apperr.Validation("order.cancel", fmt.Errorf("%w: %s order with %s payment", ErrOrderNotCancellable, order.Status, order.PaymentStatus))
	}

	notes := "Cancelled by customer"
	if reason := strings.TrimSpace(input.Reason); reason != "" {
		if len(reason) > maxCancelReasonLength {
			reason = reason[:maxCancelReasonLength]
		}
		notes += ": " + reason
	}

	previous, err := s.orders.Cancel(ctx, order.ID, notes)
	if err != nil {
		if errors.Is(err, db.ErrInvalidStatusTransition) {
			// A payment settled between the read and the lock.
			span.Status = sentry.SpanStatusFailedPrecondition
			return nil, apperr.Validation("order.cancel", fmt.Errorf("%w: %w", ErrOrderNotCancellable, err))
		}
		span.Status = sentry.SpanStatusInternalError
		return nil, apperr.Persistence("order.cancel", err)
	}
	order.Status = models.StatusCancelled

	logger.Info("order cancelled", "order_number", order.OrderNumber, "from", previous)
	meter.Count("orders.cancelled", 1, sentry.WithAttributes(attribute.String("from", string(previous))))

	event := orderEvent(events.OrderCancelled, order, order.PaymentMethod, notes)
	event.Attributes = map[string]string{"from_status": string(previous)}
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish event", "error", err, "type", event.Type, "order_number", order.OrderNumber)
	}

	span.Status = sentry.SpanStatusOK
	return order, nil
}

// TransactionAudit is one payment or refund row with its gateway response
// opened for the merchant.
type TransactionAudit struct {
	TransactionID        string                 `json:"transaction_id"`
	Gateway              string                 `json:"gateway"`
	GatewayTransactionID string                 `json:"gateway_transaction_id,omitempty"`
	Type                 models.TransactionType `json:"type"`
	Status               models.AttemptStatus   `json:"status"`
	Amount               decimal.Decimal        `json:"amount"`
	Currency             string                 `json:"currency"`
	CreatedAt            time.Time              `json:"created_at"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`
	Response             json.RawMessage        `json:"response,omitempty"`
	ResponseError        string                 `json:"response_error,omitempty"`
}

// Transactions lists the order's gateway history for the merchant. A stored
// response that no longer opens is reported on its row, not as a failure.
func (s *OrderService) Transactions(ctx context.Context, orderNumber string) ([]TransactionAudit, error) {
	span := sentry.StartSpan(
		ctx,
		"function",
		sentry.WithOpName("service.order"),
		sentry.WithDescription("Transactions"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	order, err := s.orders.GetByNumber(ctx, orderNumber)
	if err != nil {
		span.Status = sentry.SpanStatusNotFound
		return nil, orderLookupError("order.transactions", err)
	}
	transactions, err := s.orders.ListTransactions(ctx, order.ID)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, apperr.Persistence("order.transactions", err)
	}

	audit := make([]TransactionAudit, 0, len(transactions))
	for _, txn := range transactions {
		entry := TransactionAudit{
			TransactionID:        txn.TransactionID,
			Gateway:              txn.Gateway,
			GatewayTransactionID: txn.GatewayTransactionID,
			Type:                 txn.Type,
			Status:               txn.Status,
			Amount:               txn.Amount,
			Currency:             txn.Currency,
			CreatedAt:            txn.CreatedAt,
			CompletedAt:          txn.CompletedAt,
		}
		if txn.RawResponse != "" {
			entry.Response, entry.ResponseError = s.openResponse(ctx, order.OrderNumber, txn)
		}
		audit = append(audit, entry)
	}

	span.Status = sentry.SpanStatusOK
	return audit, nil
}

func (s *OrderService) openResponse(ctx context.Context, orderNumber string, txn models.PaymentTransaction) (json.RawMessage, string) {
	if s.sealer == nil {
		return nil, crypto.ErrMissingKey.Error()
	}
	plain, err := s.sealer.Open(orderNumber, txn.RawResponse)
	if err != nil {
		s.loggerFromContext(ctx).Warn("stored gateway response did not open",
			"error", err,
			"order_number", orderNumber,
			"transaction_id", txn.TransactionID,
		)
		return nil, err.Error()
	}
	if json.Valid(plain) {
		return plain, ""
	}
	// Sadad posts form fields; keep them readable as a JSON string.
	quoted, err := json.Marshal(string(plain))
	if err != nil {
		return nil, err.Error()
	}
	return quoted, ""
}

// ownedOrder loads an order for the customer asking for it. Someone else's
// order is reported as missing.
func ownedOrder(ctx context.Context, orders orderFinder, op, orderNumber string, customerID uuid.UUID) (*models.Order, error) {
	order, err := orders.GetByNumber(ctx, strings.TrimSpace(orderNumber))
	if err != nil {
		return nil, orderLookupError(op, err)
	}
	if !order.IsGuest() && order.CustomerID != customerID {
		return nil, apperr.Validation(op, ErrOrderNotFound)
	}
	return order, nil
}

func orderLookupError(op string, err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return apperr.Validation(op, ErrOrderNotFound)
	}
	return apperr.Persistence(op, err)
}
