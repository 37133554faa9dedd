package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/apperr"
	"github.com/opticshop/opticshop/internal/db"
	"github.com/opticshop/opticshop/internal/events"
	"github.com/opticshop/opticshop/internal/models"
	"github.com/opticshop/opticshop/internal/payments"
	"github.com/opticshop/opticshop/internal/promotions"
)

func d(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

type fakeCatalog struct {
	lines map[uuid.UUID]models.PricedLine
}

func (f *fakeCatalog) PriceLine(_ context.Context, line models.CartLine) (models.PricedLine, error) {
	priced, ok := f.lines[line.ProductID]
	if !ok {
		return models.PricedLine{}, fmt.Errorf("%w: product %s", db.ErrNotFound, line.ProductID)
	}
	priced.Item.Quantity = line.Quantity
	priced.Item.Prescription = line.Prescription
	return priced, nil
}

type fakeCoupons struct {
	discounts map[string]promotions.Discount
	rejects   map[string]error
}

func (f *fakeCoupons) Validate(_ context.Context, req promotions.Request) (promotions.Discount, error) {
	code := promotions.NormalizeCode(req.Code)
	if err, ok := f.rejects[code]; ok {
		return promotions.Discount{}, apperr.Validation("coupon.validate", err)
	}
	discount, ok := f.discounts[code]
	if !ok {
		return promotions.Discount{}, apperr.Validation("coupon.validate", promotions.ErrNotFound)
	}
	return discount, nil
}

// memoryOrders mirrors the conditional updates of db.OrderStore.
type memoryOrders struct {
	mu            sync.Mutex
	orders        map[uuid.UUID]*models.Order
	transactions  []*models.PaymentTransaction
	history       []string
	statusHistory []models.StatusHistory
	createErr     error
}

func newMemoryOrders() *memoryOrders {
	return &memoryOrders{orders: map[uuid.UUID]*models.Order{}}
}

func (m *memoryOrders) Create(_ context.Context, order *models.Order, _ *models.CouponRedemption, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	order.CreatedAt = now
	stored := *order
	m.orders[order.ID] = &stored
	m.history = append(m.history, "placed:"+string(order.Status))
	return nil
}

func (m *memoryOrders) add(order models.Order) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	m.orders[order.ID] = &order
	copied := order
	return &copied
}

func (m *memoryOrders) get(id uuid.UUID) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.orders[id]
}

func (m *memoryOrders) setStatus(id uuid.UUID, status models.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id].Status = status
}

func (m *memoryOrders) Cancel(_ context.Context, orderID uuid.UUID, notes string) (models.OrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order := m.orders[orderID]
	if order == nil {
		return "", db.ErrNotFound
	}
	if !models.CanBeCancelled(order.Status, order.PaymentStatus) {
		return "", db.ErrInvalidStatusTransition
	}
	previous := order.Status
	order.Status = models.StatusCancelled
	m.statusHistory = append(m.statusHistory, models.StatusHistory{
		ID:         uuid.New(),
		OrderID:    orderID,
		FromStatus: previous,
		ToStatus:   models.StatusCancelled,
		Notes:      notes,
	})
	return previous, nil
}

func (m *memoryOrders) StatusHistory(_ context.Context, orderID uuid.UUID) ([]models.StatusHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var history []models.StatusHistory
	for _, entry := range m.statusHistory {
		if entry.OrderID == orderID {
			history = append(history, entry)
		}
	}
	return history, nil
}

func (m *memoryOrders) ListTransactions(_ context.Context, orderID uuid.UUID) ([]models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var transactions []models.PaymentTransaction
	for _, txn := range m.transactions {
		if txn.OrderID == orderID {
			transactions = append(transactions, *txn)
		}
	}
	return transactions, nil
}

func (m *memoryOrders) find(match func(*models.Order) bool) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if match(order) {
			copied := *order
			return &copied, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memoryOrders) GetByNumber(_ context.Context, orderNumber string) (*models.Order, error) {
	return m.find(func(o *models.Order) bool { return o.OrderNumber == orderNumber })
}

func (m *memoryOrders) GetByPaymentReference(_ context.Context, gateway, reference string) (*models.Order, error) {
	return m.find(func(o *models.Order) bool { return o.PaymentMethod == gateway && o.PaymentReference == reference })
}

func (m *memoryOrders) SetPaymentReference(_ context.Context, orderID uuid.UUID, gateway, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order := m.orders[orderID]
	if order == nil || !order.PaymentStatus.Payable() || order.Status == models.StatusCancelled {
		return db.ErrInvalidStatusTransition
	}
	order.PaymentMethod = gateway
	order.PaymentReference = reference
	return nil
}

func (m *memoryOrders) RecordTransaction(_ context.Context, txn *models.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *txn
	m.transactions = append(m.transactions, &stored)
	return nil
}

func (m *memoryOrders) UpdateTransactionStatus(_ context.Context, transactionID string, from, to models.AttemptStatus, update db.TransactionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !from.CanTransitionTo(to) {
		return db.ErrInvalidStatusTransition
	}
	for _, txn := range m.transactions {
		if txn.TransactionID != transactionID {
			continue
		}
		if txn.Status != from {
			return db.ErrInvalidStatusTransition
		}
		txn.Status = to
		if update.GatewayTransactionID != "" {
			txn.GatewayTransactionID = update.GatewayTransactionID
		}
		if update.RawResponse != "" {
			txn.RawResponse = update.RawResponse
		}
		return nil
	}
	return db.ErrInvalidStatusTransition
}

func (m *memoryOrders) LatestAttempt(_ context.Context, orderID uuid.UUID, gateway string) (*models.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.transactions) - 1; i >= 0; i-- {
		txn := m.transactions[i]
		if txn.OrderID == orderID && txn.Gateway == gateway && txn.Type == models.TransactionPayment {
			copied := *txn
			return &copied, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *memoryOrders) attempt(transactionID string) *models.PaymentTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, txn := range m.transactions {
		if txn.TransactionID == transactionID {
			copied := *txn
			return &copied
		}
	}
	return nil
}

func (m *memoryOrders) MarkPaid(_ context.Context, orderID uuid.UUID, confirmation db.PaymentConfirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order := m.orders[orderID]
	if order == nil {
		return db.ErrNotFound
	}
	if order.PaymentStatus == models.PaymentCompleted {
		return db.ErrAlreadyPaid
	}
	if !order.PaymentStatus.Payable() {
		return db.ErrInvalidStatusTransition
	}
	order.PaymentStatus = models.PaymentCompleted
	order.Status = models.StatusConfirmed
	order.PaymentMethod = confirmation.Gateway
	order.PaymentTransactionID = confirmation.GatewayTransactionID

	for _, txn := range m.transactions {
		if txn.TransactionID == confirmation.TransactionID {
			txn.Status = models.AttemptVerified
			txn.RawResponse = confirmation.RawResponse
			return nil
		}
	}
	m.transactions = append(m.transactions, &models.PaymentTransaction{
		TransactionID:        confirmation.TransactionID,
		OrderID:              orderID,
		Gateway:              confirmation.Gateway,
		GatewayTransactionID: confirmation.GatewayTransactionID,
		Type:                 models.TransactionPayment,
		Status:               models.AttemptVerified,
		Amount:               confirmation.Amount,
		Currency:             confirmation.Currency,
		RawResponse:          confirmation.RawResponse,
	})
	return nil
}

func (m *memoryOrders) MarkPaymentFailed(_ context.Context, orderID uuid.UUID, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order := m.orders[orderID]
	if order == nil || !order.PaymentStatus.Payable() {
		return db.ErrInvalidStatusTransition
	}
	order.PaymentStatus = models.PaymentFailed
	m.history = append(m.history, notes)
	return nil
}

func (m *memoryOrders) RefundedAmount(_ context.Context, orderID uuid.UUID) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refunded(orderID), nil
}

func (m *memoryOrders) refunded(orderID uuid.UUID) decimal.Decimal {
	total := decimal.Zero
	for _, txn := range m.transactions {
		if txn.OrderID == orderID && txn.Type == models.TransactionRefund {
			total = total.Add(txn.Amount)
		}
	}
	return total
}

func (m *memoryOrders) MarkRefunded(_ context.Context, orderID uuid.UUID, refund db.RefundRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order := m.orders[orderID]
	if order == nil || order.PaymentStatus != models.PaymentCompleted {
		return false, db.ErrInvalidStatusTransition
	}
	refunded := m.refunded(orderID).Add(refund.Amount)
	if refunded.GreaterThan(order.TotalAmount) {
		return false, db.ErrRefundExceedsPaid
	}
	m.transactions = append(m.transactions, &models.PaymentTransaction{
		TransactionID:        refund.TransactionID,
		OrderID:              orderID,
		Gateway:              refund.Gateway,
		GatewayTransactionID: refund.GatewayTransactionID,
		Type:                 models.TransactionRefund,
		Status:               models.AttemptVerified,
		Amount:               refund.Amount,
		Currency:             refund.Currency,
		RawResponse:          refund.RawResponse,
	})
	if !refunded.Equal(order.TotalAmount) {
		return false, nil
	}
	order.PaymentStatus = models.PaymentRefunded
	order.Status = models.StatusRefunded
	return true, nil
}

type fakeGateway struct {
	name       string
	initiation *payments.Initiation
	initErr    error
	result     *payments.Result
	refund     *payments.RefundResult

	mu            sync.Mutex
	initiated     []payments.PaymentRequest
	verified      []payments.VerifyRequest
	refundRequest []payments.RefundRequest
}

func (g *fakeGateway) Name() string {
	return g.name
}

func (g *fakeGateway) Initiate(_ context.Context, req payments.PaymentRequest) (*payments.Initiation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiated = append(g.initiated, req)
	if g.initErr != nil {
		return nil, g.initErr
	}
	copied := *g.initiation
	return &copied, nil
}

func (g *fakeGateway) Verify(_ context.Context, req payments.VerifyRequest) (*payments.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verified = append(g.verified, req)
	copied := *g.result
	return &copied, nil
}

func (g *fakeGateway) Refund(_ context.Context, req payments.RefundRequest) (*payments.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundRequest = append(g.refundRequest, req)
	copied := *g.refund
	return &copied, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error {
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type recordingEmails struct {
	mu            sync.Mutex
	confirmations []string
	refunds       []string
}

func (r *recordingEmails) SendOrderConfirmation(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmations = append(r.confirmations, order.OrderNumber)
	return nil
}

func (r *recordingEmails) SendOrderRefunded(_ context.Context, order *models.Order, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refunds = append(r.refunds, order.OrderNumber+":"+amount.StringFixed(2))
	return nil
}
