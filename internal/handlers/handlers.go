package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/opticshop/opticshop/internal/cache"
	"github.com/opticshop/opticshop/internal/config"
	"github.com/opticshop/opticshop/internal/logging"
	"github.com/opticshop/opticshop/internal/models"
	"github.com/opticshop/opticshop/internal/payments"
	"github.com/opticshop/opticshop/internal/services"
)

const (
	maxWebhookBodyBytes = 1 << 20 // 1 MB
	maxJSONBodyBytes    = 64 << 10
)

type checkoutService interface {
	Quote(ctx context.Context, input services.CartInput) (*services.Quote, error)
	ValidateCoupon(ctx context.Context, input services.CartInput) (*services.CouponCheck, error)
	PlaceOrder(ctx context.Context, input services.PlaceOrderInput) (*models.Order, error)
}

type paymentService interface {
	Initiate(ctx context.Context, input services.InitiateInput) (*payments.Initiation, error)
	Confirm(ctx context.Context, input services.ConfirmInput) (*services.Confirmation, error)
	Cancel(ctx context.Context, gateway, reference string) (*models.Order, error)
	Refund(ctx context.Context, input services.RefundInput) (*payments.RefundResult, error)
	HandleStripeEvent(ctx context.Context, event *stripeapi.Event) error
}

type orderService interface {
	Status(ctx context.Context, orderNumber string, customerID uuid.UUID) (*services.OrderStatusView, error)
	Cancel(ctx context.Context, input services.CancelInput) (*models.Order, error)
	Transactions(ctx context.Context, orderNumber string) ([]services.TransactionAudit, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Handlers serves the storefront checkout API and the gateway return paths.
type Handlers struct {
	config        *config.Config
	db            pinger
	cacheProvider cache.Provider
	checkout      checkoutService
	payments      paymentService
	orders        orderService
	logger        *slog.Logger
}

type Dependencies struct {
	Config          *config.Config
	DB              pinger
	CacheProvider   cache.Provider
	CheckoutService checkoutService
	PaymentService  paymentService
	OrderService    orderService
	Logger          *slog.Logger
}

func New(deps Dependencies) (*Handlers, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if deps.Config == nil {
		return nil, fmt.Errorf("handlers dependencies: config is required")
	}
	if deps.DB == nil {
		return nil, fmt.Errorf("handlers dependencies: db is required")
	}
	if deps.CacheProvider == nil {
		return nil, fmt.Errorf("handlers dependencies: cacheProvider is required")
	}
	if deps.CheckoutService == nil {
		return nil, fmt.Errorf("handlers dependencies: checkoutService is required")
	}
	if deps.PaymentService == nil {
		return nil, fmt.Errorf("handlers dependencies: paymentService is required")
	}
	if deps.OrderService == nil {
		return nil, fmt.Errorf("handlers dependencies: orderService is required")
	}

	return &Handlers{
		config:        deps.Config,
		db:            deps.DB,
		cacheProvider: deps.CacheProvider,
		checkout:      deps.CheckoutService,
		payments:      deps.PaymentService,
		orders:        deps.OrderService,
		logger:        logger.With("component", "handlers"),
	}, nil
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	if err := h.db.Ping(ctx); err != nil {
		logger.Error("database health check failed", "error", err)
		http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
		return
	}

	if err := h.cacheProvider.Ping(ctx); err != nil {
		logger.Error("cache health check failed", "error", err)
		http.Error(w, "Cache unhealthy", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	}); err != nil {
		logger.Error("failed to encode health response", "error", err)
	}
}

func (h *Handlers) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.logger)
}
