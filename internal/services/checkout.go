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
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/apperr"
	"github.com/opticshop/opticshop/internal/db"
	"github.com/opticshop/opticshop/internal/events"
	"github.com/opticshop/opticshop/internal/logging"
	"github.com/opticshop/opticshop/internal/models"
	"github.com/opticshop/opticshop/internal/observability"
	"github.com/opticshop/opticshop/internal/payments"
	"github.com/opticshop/opticshop/internal/pricing"
	"github.com/opticshop/opticshop/internal/promotions"
)

var (
	ErrEmptyCart     = errors.New("cart has no items")
	ErrOrderNotFound = errors.New("order not found")
)

type catalogPricer interface {
	PriceLine(ctx context.Context, line models.CartLine) (models.PricedLine, error)
}

type couponValidator interface {
	Validate(ctx context.Context, req promotions.Request) (promotions.Discount, error)
}

type orderCreator interface {
	Create(ctx context.Context, order *models.Order, redemption *models.CouponRedemption, now time.Time) error
}

type gatewayResolver interface {
	Get(name string) (payments.Gateway, error)
}

type CheckoutService struct {
	catalog     catalogPricer
	composer    *pricing.Composer
	coupons     couponValidator
	orders      orderCreator
	gateways    gatewayResolver
	publisher   events.Publisher
	emailSender OrderEmailSender
	validate    *validator.Validate
	now         func() time.Time
	logger      *slog.Logger
}

func NewCheckoutService(catalog catalogPricer, composer *pricing.Composer, coupons couponValidator, orders orderCreator, gateways gatewayResolver, publisher events.Publisher, emailSender OrderEmailSender, logger *slog.Logger) *CheckoutService {
	if emailSender == nil {
		emailSender = noopOrderEmailSender{}
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}

	return &CheckoutService{
		catalog:     catalog,
		composer:    composer,
		coupons:     coupons,
		orders:      orders,
		gateways:    gateways,
		publisher:   publisher,
		emailSender: emailSender,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		now:         time.Now,
		logger:      logger,
	}
}

func (s *CheckoutService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

type CartInput struct {
	Items      []models.CartLine `json:"items" validate:"max=50,dive"`
	CouponCode string            `json:"coupon_code,omitempty" validate:"max=50"`
	CustomerID uuid.UUID         `json:"-"`
}

type Quote struct {
	Items        []models.OrderItem       `json:"items"`
	Totals       pricing.Totals           `json:"totals"`
	Coupon       *promotions.Discount     `json:"coupon,omitempty"`
	CouponError  string                   `json:"coupon_error,omitempty"`
	FreeShipping pricing.ShippingProgress `json:"free_shipping"`
}

// Quote prices the cart without persisting anything. A rejected coupon does
// not fail the quote; the reason is reported in CouponError and the totals
// carry no discount.
func (s *CheckoutService) Quote(ctx context.Context, input CartInput) (*Quote, error) {
	span := sentry.StartSpan(
		ctx,
		"service.checkout.quote",
		sentry.WithOpName("service.checkout"),
		sentry.WithDescription("Quote"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	if err := s.validate.StructCtx(ctx, input); err != nil {
		return nil, apperr.Validation("checkout.quote", err)
	}

	cart, err := s.priceCart(ctx, input.Items)
	if err != nil {
		return nil, err
	}
	subtotal, err := s.subtotal(cart)
	if err != nil {
		return nil, err
	}

	quote := &Quote{Items: cart.items}
	var discount *promotions.Discount
	if strings.TrimSpace(input.CouponCode) != "" {
		applied, err := s.coupons.Validate(ctx, promotions.Request{Code: input.CouponCode, Subtotal: subtotal, CustomerID: input.CustomerID})
		switch {
		case err == nil:
			discount = &applied
			quote.Coupon = &applied
		case apperr.Is(err, apperr.KindValidation):
			quote.CouponError = CouponRejection(err)
		default:
			return nil, err
		}
	}

	totals, err := s.cartTotals(cart, discount)
	if err != nil {
		return nil, err
	}
	quote.Totals = totals
	quote.FreeShipping = s.composer.FreeShippingProgress(totals.Subtotal)

	span.Status = sentry.SpanStatusOK
	return quote, nil
}

type CouponCheck struct {
	Discount promotions.Discount `json:"discount"`
	Totals   pricing.Totals      `json:"totals"`
}

// ValidateCoupon checks a code against the server-priced cart. Rejections are
// validation errors carrying the specific reason.
func (s *CheckoutService) ValidateCoupon(ctx context.Context, input CartInput) (*CouponCheck, error) {
	if err := s.validate.StructCtx(ctx, input); err != nil {
		return nil, apperr.Validation("checkout.coupon", err)
	}
	if strings.TrimSpace(input.CouponCode) == "" {
		return nil, apperr.Validation("checkout.coupon", promotions.ErrNotFound)
	}

	cart, err := s.priceCart(ctx, input.Items)
	if err != nil {
		return nil, err
	}
	subtotal, err := s.subtotal(cart)
	if err != nil {
		return nil, err
	}

	discount, err := s.coupons.Validate(ctx, promotions.Request{Code: input.CouponCode, Subtotal: subtotal, CustomerID: input.CustomerID})
	if err != nil {
		return nil, err
	}
	totals, err := s.cartTotals(cart, &discount)
	if err != nil {
		return nil, err
	}
	return &CouponCheck{Discount: discount, Totals: totals}, nil
}

type PlaceOrderInput struct {
	CartInput
	CustomerEmail   string          `json:"customer_email" validate:"required,email"`
	CustomerName    string          `json:"customer_name" validate:"max=200"`
	CustomerPhone   string          `json:"customer_phone" validate:"max=30"`
	ShippingAddress json.RawMessage `json:"shipping_address,omitempty"`
	BillingAddress  json.RawMessage `json:"billing_address,omitempty"`
	PaymentMethod   string          `json:"payment_method" validate:"required"`
	Notes           string          `json:"notes,omitempty" validate:"max=1000"`
}

// PlaceOrder prices the cart, applies the coupon and persists the order with
// its item snapshots. Cash on delivery orders are confirmed immediately.
func (s *CheckoutService) PlaceOrder(ctx context.Context, input PlaceOrderInput) (*models.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.checkout.place_order",
		sentry.WithOpName("service.checkout"),
		sentry.WithDescription("PlaceOrder"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := s.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)
	recordFailure := func(reason string) {
		meter.Count("checkout.order_failed", 1, sentry.WithAttributes(attribute.String("reason", reason)))
	}

	if err := s.validate.StructCtx(ctx, input); err != nil {
		recordFailure("invalid_input")
		return nil, apperr.Validation("checkout.place_order", err)
	}
	if len(input.Items) == 0 {
		recordFailure("empty_cart")
		return nil, apperr.Validation("checkout.place_order", ErrEmptyCart)
	}

	method := strings.ToLower(strings.TrimSpace(input.PaymentMethod))
	if method != models.PaymentMethodCashOnDelivery {
		if _, err := s.gateways.Get(method); err != nil {
			recordFailure("gateway_unavailable")
			return nil, err
		}
	}

	cart, err := s.priceCart(ctx, input.Items)
	if err != nil {
		recordFailure("pricing_failed")
		return nil, err
	}
	subtotal, err := s.subtotal(cart)
	if err != nil {
		recordFailure("pricing_failed")
		return nil, err
	}

	var discount *promotions.Discount
	if strings.TrimSpace(input.CouponCode) != "" {
		applied, err := s.coupons.Validate(ctx, promotions.Request{Code: input.CouponCode, Subtotal: subtotal, CustomerID: input.CustomerID})
		if err != nil {
			recordFailure("coupon_rejected")
			return nil, err
		}
		discount = &applied
	}

	totals, err := s.cartTotals(cart, discount)
	if err != nil {
		recordFailure("pricing_failed")
		return nil, err
	}

	now := s.now()
	orderNumber, err := models.NewOrderNumber(now)
	if err != nil {
		return nil, fmt.Errorf("failed to generate order number: %w", err)
	}

	order, err := finalizeOrder(cart, totals, OrderDraft{
		OrderNumber:     orderNumber,
		CustomerID:      input.CustomerID,
		CustomerEmail:   strings.TrimSpace(input.CustomerEmail),
		CustomerName:    strings.TrimSpace(input.CustomerName),
		CustomerPhone:   strings.TrimSpace(input.CustomerPhone),
		ShippingAddress: input.ShippingAddress,
		BillingAddress:  input.BillingAddress,
		PaymentMethod:   method,
		Notes:           strings.TrimSpace(input.Notes),
		Discount:        discount,
	})
	if err != nil {
		recordFailure("finalize_failed")
		return nil, err
	}

	var redemption *models.CouponRedemption
	if discount != nil {
		redemption = &models.CouponRedemption{
			CouponID:       discount.CouponID,
			Code:           discount.Code,
			DiscountAmount: discount.Amount,
		}
	}

	if err := s.orders.Create(ctx, order, redemption, now); err != nil {
		if errors.Is(err, db.ErrCouponRejected) {
			recordFailure("coupon_rejected")
			return nil, apperr.Validation("checkout.place_order", err)
		}
		recordFailure("persist_failed")
		return nil, apperr.Persistence("checkout.place_order", err)
	}

	logger.Info("order placed", "order_number", order.OrderNumber, "total", order.TotalAmount.StringFixed(2), "payment_method", method)
	meter.Count("checkout.order_placed", 1, sentry.WithAttributes(attribute.String("payment_method", method)))

	s.publish(ctx, orderEvent(events.OrderPlaced, order, method, ""))
	if method == models.PaymentMethodCashOnDelivery {
		if err := s.emailSender.SendOrderConfirmation(ctx, order); err != nil {
			logger.Warn("failed to send order confirmation", "error", err, "order_number", order.OrderNumber)
		}
	}

	span.Status = sentry.SpanStatusOK
	return order, nil
}

type pricedCart struct {
	items []models.OrderItem
	lines []pricing.LineItem
}

func (s *CheckoutService) priceCart(ctx context.Context, cartLines []models.CartLine) (pricedCart, error) {
	cart := pricedCart{
		items: make([]models.OrderItem, 0, len(cartLines)),
		lines: make([]pricing.LineItem, 0, len(cartLines)),
	}
	for idx, line := range cartLines {
		priced, err := s.catalog.PriceLine(ctx, line)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrNegativeUnitPrice) {
				return pricedCart{}, apperr.Validation("checkout.price", fmt.Errorf("line %d: %w", idx+1, err))
			}
			return pricedCart{}, apperr.Persistence("checkout.price", err)
		}

		addOnPrices := make([]decimal.Decimal, 0, len(priced.Item.AddOns))
		for _, addOn := range priced.Item.AddOns {
			addOnPrices = append(addOnPrices, addOn.Price)
		}
		lineItem := pricing.LineItem{
			UnitPrice:   priced.Item.UnitPrice,
			Quantity:    priced.Item.Quantity,
			LensPrice:   priced.Item.LensPrice,
			AddOnPrices: addOnPrices,
			Currency:    priced.Currency,
		}
		if err := lineItem.Validate(); err != nil {
			return pricedCart{}, apperr.Validation("checkout.price", fmt.Errorf("line %d: %w", idx+1, err))
		}

		item := priced.Item
		item.Subtotal = pricing.LineTotal(lineItem)
		cart.items = append(cart.items, item)
		cart.lines = append(cart.lines, lineItem)
	}
	return cart, nil
}

func (s *CheckoutService) subtotal(cart pricedCart) (decimal.Decimal, error) {
	totals, err := s.cartTotals(cart, nil)
	if err != nil {
		return decimal.Zero, err
	}
	return totals.Subtotal, nil
}

func (s *CheckoutService) cartTotals(cart pricedCart, discount *promotions.Discount) (pricing.Totals, error) {
	amount := decimal.Zero
	freeShipping := false
	if discount != nil {
		amount = discount.Amount
		freeShipping = discount.FreeShipping
	}
	totals, err := s.composer.CartTotals(cart.lines, amount, freeShipping)
	if err != nil {
		return pricing.Totals{}, apperr.Validation("checkout.totals", err)
	}
	return totals, nil
}

func (s *CheckoutService) publish(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.loggerFromContext(ctx).Warn("failed to publish event", "error", err, "type", event.Type, "order_number", event.OrderNumber)
	}
}

// CouponRejection returns the customer-facing reason behind a coupon
// validation error.
func CouponRejection(err error) string {
	var classified *apperr.Error
	if errors.As(err, &classified) && classified.Err != nil {
		return classified.Err.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func orderEvent(eventType events.Type, order *models.Order, gateway, detail string) events.Event {
	return events.Event{
		Type:        eventType,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Gateway:     gateway,
		Amount:      order.TotalAmount,
		Currency:    order.Currency,
		Detail:      detail,
	}
}
