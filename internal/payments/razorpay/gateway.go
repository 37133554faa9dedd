// Package razorpay provides the Razorpay Checkout adapter.
package razorpay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/razorpay/razorpay-go/utils"
	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/apperr"
	"github.com/opticshop/opticshop/internal/payments"
)

const maxReceiptLength = 40

const (
	statusCaptured   = "captured"
	statusAuthorized = "authorized"
)

// api is the subset of the Razorpay SDK the adapter uses. Responses are the
// SDK's decoded JSON maps.
type api interface {
	CreateOrder(data map[string]interface{}) (map[string]interface{}, error)
	FetchPayment(paymentID string) (map[string]interface{}, error)
	RefundPayment(paymentID string, amount int, data map[string]interface{}) (map[string]interface{}, error)
}

type Config struct {
	KeyID     string
	KeySecret string
}

// Gateway creates Razorpay orders for Checkout.js and verifies the
// order_id|payment_id signature it hands back.
type Gateway struct {
	api       api
	keyID     string
	keySecret string
	breaker   *payments.Breaker
}

func New(cfg Config) (*Gateway, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	keySecret := strings.TrimSpace(cfg.KeySecret)
	if keyID == "" || keySecret == "" {
		return nil, apperr.Configuration("razorpay.new", "RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET are required")
	}

	return &Gateway{
		api:       newSDKClient(keyID, keySecret),
		keyID:     keyID,
		keySecret: keySecret,
		breaker:   payments.NewBreaker(payments.GatewayRazorpay),
	}, nil
}

func (g *Gateway) Name() string {
	return payments.GatewayRazorpay
}

func (g *Gateway) Initiate(ctx context.Context, req payments.PaymentRequest) (*payments.Initiation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	receipt := req.OrderReference
	if len(receipt) > maxReceiptLength {
		receipt = receipt[:maxReceiptLength]
	}
	amount := payments.MinorUnits(req.Amount)
	data := map[string]interface{}{
		"amount":   amount,
		"currency": strings.ToUpper(req.Currency),
		"receipt":  receipt,
		"notes": map[string]interface{}{
			"order_id":       req.OrderID.String(),
			"order_number":   req.OrderReference,
			"customer_email": req.Customer.Email,
		},
	}

	order, err := withContext(ctx, g.breaker, "razorpay.create_order", func() (map[string]interface{}, error) {
		return g.api.CreateOrder(data)
	})
	if err != nil {
		return payments.FailedInitiation(g.Name(), err), nil
	}

	orderID := stringField(order, "id")
	if orderID == "" {
		return payments.FailedInitiation(g.Name(), apperr.New(apperr.KindGatewayCommunication, "razorpay.create_order", "response has no order id")), nil
	}

	return &payments.Initiation{
		Gateway:   g.Name(),
		Success:   true,
		Reference: orderID,
		Data: map[string]string{
			"key_id":            g.keyID,
			"razorpay_order_id": orderID,
			"amount":            fmt.Sprintf("%d", amount),
			"currency":          strings.ToUpper(req.Currency),
			"name":              req.Customer.Name,
			"email":             req.Customer.Email,
			"contact":           req.Customer.Phone,
		},
	}, nil
}

// Verify checks the checkout signature before asking Razorpay about the
// payment. A bad signature never reaches the API.
func (g *Gateway) Verify(ctx context.Context, req payments.VerifyRequest) (*payments.Result, error) {
	orderID := strings.TrimSpace(req.Reference)
	paymentID := strings.TrimSpace(req.PaymentID)
	if orderID == "" || paymentID == "" || strings.TrimSpace(req.Signature) == "" {
		return nil, apperr.New(apperr.KindValidation, "razorpay.verify", "razorpay_order_id, razorpay_payment_id and razorpay_signature are required")
	}

	if !g.SignatureValid(orderID, paymentID, req.Signature) {
		return &payments.Result{
			Gateway:               g.Name(),
			Reference:             orderID,
			ExternalTransactionID: paymentID,
			ErrorKind:             apperr.KindVerification,
			Detail:                "invalid payment signature",
		}, nil
	}

	payment, err := withContext(ctx, g.breaker, "razorpay.fetch_payment", func() (map[string]interface{}, error) {
		return g.api.FetchPayment(paymentID)
	})
	if err != nil {
		result := payments.FailedResult(g.Name(), orderID, err)
		result.SignatureValid = true
		return result, nil
	}

	status := stringField(payment, "status")
	result := &payments.Result{
		Gateway:               g.Name(),
		Reference:             orderID,
		ExternalTransactionID: paymentID,
		Status:                status,
		Amount:                payments.FromMinorUnits(intField(payment, "amount")),
		SignatureValid:        true,
		Raw:                   rawPayment(payment),
	}
	if paymentOrder := stringField(payment, "order_id"); paymentOrder != "" && paymentOrder != orderID {
		result.ErrorKind = apperr.KindVerification
		result.Detail = fmt.Sprintf("payment %s belongs to razorpay order %s", paymentID, paymentOrder)
		return result, nil
	}

	switch status {
	case statusCaptured, statusAuthorized:
		result.Success = true
	default:
		result.ErrorKind = apperr.KindVerification
		result.Detail = fmt.Sprintf("payment status is %s", status)
	}
	return result, nil
}

// SignatureValid reports whether signature is the hex HMAC-SHA256 of
// "order_id|payment_id" under the key secret. Checkout returns it lowercase;
// surrounding whitespace and case from client forwarding are tolerated.
func (g *Gateway) SignatureValid(orderID, paymentID, signature string) bool {
	return utils.VerifyPaymentSignature(map[string]interface{}{
		"razorpay_order_id":   orderID,
		"razorpay_payment_id": paymentID,
	}, strings.ToLower(strings.TrimSpace(signature)), g.keySecret)
}

// Refund refunds the payment. A nil amount refunds whatever was captured.
func (g *Gateway) Refund(ctx context.Context, req payments.RefundRequest) (*payments.RefundResult, error) {
	paymentID := strings.TrimSpace(req.TransactionID)
	if paymentID == "" {
		return nil, apperr.New(apperr.KindValidation, "razorpay.refund", "payment id is required")
	}

	var amount int
	if req.Amount != nil {
		if !req.Amount.IsPositive() {
			return nil, apperr.New(apperr.KindValidation, "razorpay.refund", "refund amount must be positive")
		}
		amount = int(payments.MinorUnits(*req.Amount))
	} else {
		payment, err := withContext(ctx, g.breaker, "razorpay.fetch_payment", func() (map[string]interface{}, error) {
			return g.api.FetchPayment(paymentID)
		})
		if err != nil {
			return payments.FailedRefund(g.Name(), err), nil
		}
		amount = int(intField(payment, "amount"))
	}

	data := map[string]interface{}{
		"notes": map[string]interface{}{"order_number": req.Reference},
	}
	refund, err := withContext(ctx, g.breaker, "razorpay.refund", func() (map[string]interface{}, error) {
		return g.api.RefundPayment(paymentID, amount, data)
	})
	if err != nil {
		return payments.FailedRefund(g.Name(), err), nil
	}

	result := &payments.RefundResult{
		Gateway:  g.Name(),
		Success:  true,
		RefundID: stringField(refund, "id"),
		Status:   stringField(refund, "status"),
		Amount:   payments.FromMinorUnits(intField(refund, "amount")),
		Raw:      rawPayment(refund),
	}
	if result.Status == "failed" {
		result.Success = false
		result.ErrorKind = apperr.KindGatewayCommunication
		result.Detail = "refund failed"
	}
	return result, nil
}

// withContext runs a blocking SDK call through the breaker and gives up when
// ctx is done. The SDK has no context support, so an abandoned call finishes
// in the background.
func withContext(ctx context.Context, b *payments.Breaker, op string, fn func() (map[string]interface{}, error)) (map[string]interface{}, error) {
	type outcome struct {
		value map[string]interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := payments.Call(b, op, fn)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, apperr.FromGatewayError(op, ctx.Err())
	case out := <-done:
		return out.value, out.err
	}
}

func stringField(m map[string]interface{}, key string) string {
	value, ok := m[key]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

func intField(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return 0
		}
		return d.IntPart()
	default:
		return 0
	}
}

// rawPayment drops card details before the payload is stored.
func rawPayment(m map[string]interface{}) json.RawMessage {
	clean := make(map[string]interface{}, len(m))
	for key, value := range m {
		if key == "card" || key == "vpa" || key == "bank_account" {
			continue
		}
		clean[key] = value
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return nil
	}
	return raw
}
