// Package paypal provides the PayPal Orders v2 adapter: the customer approves
// on PayPal and the return handler captures the order.
package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/apperr"
	"github.com/opticshop/opticshop/internal/payments"
)

const statusCompleted = "COMPLETED"

type Config struct {
	ClientID     string
	ClientSecret string
	Live         bool
	HTTPClient   *http.Client
}

type Gateway struct {
	api     api
	breaker *payments.Breaker
}

func New(cfg Config) (*Gateway, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	secret := strings.TrimSpace(cfg.ClientSecret)
	if clientID == "" || secret == "" {
		return nil, apperr.Configuration("paypal.new", "PAYPAL_CLIENT_ID and PAYPAL_CLIENT_SECRET are required")
	}

	client, err := newSDKClient(clientID, secret, cfg.Live, cfg.HTTPClient)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "paypal.new", err)
	}
	return &Gateway{api: client, breaker: payments.NewBreaker(payments.GatewayPayPal)}, nil
}

func (g *Gateway) Name() string {
	return payments.GatewayPayPal
}

// Initiate creates a CAPTURE-intent order and returns the approval link.
func (g *Gateway) Initiate(ctx context.Context, req payments.PaymentRequest) (*payments.Initiation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ReturnURL == "" || req.CancelURL == "" {
		return nil, apperr.New(apperr.KindConfiguration, "paypal.initiate", "return and cancel URLs are required")
	}

	created, err := payments.Call(g.breaker, "paypal.create_order", func() (*order, error) {
		return g.api.CreateOrder(ctx, req.OrderReference, strings.ToUpper(req.Currency), req.Amount.StringFixed(2), req.ReturnURL, req.CancelURL)
	})
	if err != nil {
		return payments.FailedInitiation(g.Name(), err), nil
	}
	if created.ApproveLink == "" {
		return payments.FailedInitiation(g.Name(), apperr.New(apperr.KindGatewayCommunication, "paypal.create_order", "response has no approval link")), nil
	}

	return &payments.Initiation{
		Gateway:     g.Name(),
		Success:     true,
		Reference:   created.ID,
		RedirectURL: created.ApproveLink,
		Data: map[string]string{
			"paypal_order_id": created.ID,
			"status":          created.Status,
		},
	}, nil
}

// Verify captures the approved order. Reference is the PayPal order id
// (the "token" query parameter on the return URL).
func (g *Gateway) Verify(ctx context.Context, req payments.VerifyRequest) (*payments.Result, error) {
	orderID := strings.TrimSpace(req.Reference)
	if orderID == "" {
		return nil, apperr.New(apperr.KindValidation, "paypal.verify", "paypal order id is required")
	}

	captured, err := payments.Call(g.breaker, "paypal.capture_order", func() (*capture, error) {
		return g.api.CaptureOrder(ctx, orderID)
	})
	if err != nil {
		return payments.FailedResult(g.Name(), orderID, err), nil
	}

	result := &payments.Result{
		Gateway:               g.Name(),
		Reference:             orderID,
		ExternalTransactionID: captured.CaptureID,
		Status:                captured.Status,
		SignatureValid:        true,
	}
	if amount, err := decimal.NewFromString(captured.Amount); err == nil {
		result.Amount = amount
	}
	result.Raw, _ = json.Marshal(captured)

	if captured.Status == statusCompleted && captured.CaptureID != "" {
		result.Success = true
		return result, nil
	}
	result.ErrorKind = apperr.KindVerification
	result.Detail = fmt.Sprintf("paypal order status is %s", captured.Status)
	return result, nil
}

// Refund refunds a capture. A nil amount refunds the full capture.
func (g *Gateway) Refund(ctx context.Context, req payments.RefundRequest) (*payments.RefundResult, error) {
	captureID := strings.TrimSpace(req.TransactionID)
	if captureID == "" {
		return nil, apperr.New(apperr.KindValidation, "paypal.refund", "capture id is required")
	}

	var value string
	if req.Amount != nil {
		if !req.Amount.IsPositive() {
			return nil, apperr.New(apperr.KindValidation, "paypal.refund", "refund amount must be positive")
		}
		if req.Currency == "" {
			return nil, apperr.New(apperr.KindValidation, "paypal.refund", "currency is required for partial refunds")
		}
		value = req.Amount.StringFixed(2)
	}

	refunded, err := payments.Call(g.breaker, "paypal.refund_capture", func() (*refund, error) {
		return g.api.RefundCapture(ctx, captureID, strings.ToUpper(req.Currency), value)
	})
	if err != nil {
		return payments.FailedRefund(g.Name(), err), nil
	}

	result := &payments.RefundResult{
		Gateway:  g.Name(),
		RefundID: refunded.ID,
		Status:   refunded.Status,
	}
	if req.Amount != nil {
		result.Amount = *req.Amount
	}
	result.Raw, _ = json.Marshal(refunded)

	switch refunded.Status {
	case statusCompleted, "PENDING":
		result.Success = true
	default:
		result.ErrorKind = apperr.KindGatewayCommunication
		result.Detail = fmt.Sprintf("refund status is %s", refunded.Status)
	}
	return result, nil
}
