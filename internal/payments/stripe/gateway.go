// Package stripe provides the Stripe PaymentIntent adapter and webhook
// validation.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/opticshop/opticshop/internal/apperr"
	"github.com/opticshop/opticshop/internal/payments"
)

const (
	metadataOrderNumber = "order_number"
	metadataOrderID     = "order_id"
)

type paymentIntentAPI interface {
	Create(ctx context.Context, params *stripeapi.PaymentIntentCreateParams) (*stripeapi.PaymentIntent, error)
	Retrieve(ctx context.Context, id string, params *stripeapi.PaymentIntentRetrieveParams) (*stripeapi.PaymentIntent, error)
}

type refundAPI interface {
	Create(ctx context.Context, params *stripeapi.RefundCreateParams) (*stripeapi.Refund, error)
}

// Gateway creates PaymentIntents that the storefront confirms with Stripe.js
// using the returned client secret.
type Gateway struct {
	intents paymentIntentAPI
	refunds refundAPI
	breaker *payments.Breaker
}

func New(secretKey string) (*Gateway, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, apperr.Configuration("stripe.new", "STRIPE_SECRET_KEY is required")
	}

	client := stripeapi.NewClient(secretKey)
	return &Gateway{
		intents: client.V1PaymentIntents,
		refunds: client.V1Refunds,
		breaker: payments.NewBreaker(payments.GatewayStripe),
	}, nil
}

func (g *Gateway) Name() string {
	return payments.GatewayStripe
}

func (g *Gateway) Initiate(ctx context.Context, req payments.PaymentRequest) (*payments.Initiation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	params := &stripeapi.PaymentIntentCreateParams{
		Amount:   stripeapi.Int64(payments.MinorUnits(req.Amount)),
		Currency: stripeapi.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripeapi.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripeapi.Bool(true),
		},
		Metadata: map[string]string{
			metadataOrderNumber: req.OrderReference,
			metadataOrderID:     req.OrderID.String(),
		},
	}
	if req.Description != "" {
		params.Description = stripeapi.String(req.Description)
	}
	// Only send the receipt email when present to avoid Stripe validation errors.
	if req.Customer.Email != "" {
		params.ReceiptEmail = stripeapi.String(req.Customer.Email)
	}
	params.SetIdempotencyKey("payment-intent-" + req.OrderReference + "-" + strconv.FormatInt(payments.MinorUnits(req.Amount), 10))

	intent, err := payments.Call(g.breaker, "stripe.create_payment_intent", func() (*stripeapi.PaymentIntent, error) {
		return g.intents.Create(ctx, params)
	})
	if err != nil {
		return payments.FailedInitiation(g.Name(), err), nil
	}

	return &payments.Initiation{
		Gateway:      g.Name(),
		Success:      true,
		Reference:    intent.ID,
		ClientSecret: intent.ClientSecret,
		Data: map[string]string{
			"payment_intent_id": intent.ID,
			"status":            string(intent.Status),
		},
	}, nil
}

// Verify retrieves the PaymentIntent and treats only "succeeded" as paid.
// When Reference is set, the intent must belong to that order.
func (g *Gateway) Verify(ctx context.Context, req payments.VerifyRequest) (*payments.Result, error) {
	intentID := strings.TrimSpace(req.PaymentID)
	if intentID == "" {
		return nil, apperr.New(apperr.KindValidation, "stripe.verify", "payment intent id is required")
	}

	intent, err := payments.Call(g.breaker, "stripe.retrieve_payment_intent", func() (*stripeapi.PaymentIntent, error) {
		return g.intents.Retrieve(ctx, intentID, nil)
	})
	if err != nil {
		return payments.FailedResult(g.Name(), req.Reference, err), nil
	}

	return intentResult(intent, req.Reference), nil
}

func intentResult(intent *stripeapi.PaymentIntent, expectedOrder string) *payments.Result {
	orderNumber := intent.Metadata[metadataOrderNumber]
	amount := intent.AmountReceived
	if amount == 0 {
		amount = intent.Amount
	}

	result := &payments.Result{
		Gateway:               payments.GatewayStripe,
		Reference:             orderNumber,
		ExternalTransactionID: intent.ID,
		Status:                string(intent.Status),
		Amount:                payments.FromMinorUnits(amount),
		SignatureValid:        true,
		Raw:                   rawIntent(intent),
	}

	switch {
	case expectedOrder != "" && orderNumber != expectedOrder:
		result.SignatureValid = false
		result.ErrorKind = apperr.KindVerification
		result.Detail = fmt.Sprintf("payment intent %s belongs to order %q", intent.ID, orderNumber)
	case intent.Status == stripeapi.PaymentIntentStatusSucceeded:
		result.Success = true
	default:
		result.ErrorKind = apperr.KindVerification
		result.Detail = fmt.Sprintf("payment intent status is %s", intent.Status)
	}
	return result
}

// Refund refunds against the PaymentIntent. A nil amount refunds in full.
func (g *Gateway) Refund(ctx context.Context, req payments.RefundRequest) (*payments.RefundResult, error) {
	intentID := strings.TrimSpace(req.TransactionID)
	if intentID == "" {
		return nil, apperr.New(apperr.KindValidation, "stripe.refund", "payment intent id is required")
	}

	params := &stripeapi.RefundCreateParams{
		PaymentIntent: stripeapi.String(intentID),
		Metadata: map[string]string{
			metadataOrderNumber: req.Reference,
		},
	}
	if req.Amount != nil {
		if !req.Amount.IsPositive() {
			return nil, apperr.New(apperr.KindValidation, "stripe.refund", "refund amount must be positive")
		}
		params.Amount = stripeapi.Int64(payments.MinorUnits(*req.Amount))
	}

	refund, err := payments.Call(g.breaker, "stripe.create_refund", func() (*stripeapi.Refund, error) {
		return g.refunds.Create(ctx, params)
	})
	if err != nil {
		return payments.FailedRefund(g.Name(), err), nil
	}

	result := &payments.RefundResult{
		Gateway:  g.Name(),
		RefundID: refund.ID,
		Status:   string(refund.Status),
		Amount:   payments.FromMinorUnits(refund.Amount),
	}
	switch refund.Status {
	case stripeapi.RefundStatusSucceeded, stripeapi.RefundStatusPending:
		result.Success = true
	default:
		result.ErrorKind = apperr.KindGatewayCommunication
		result.Detail = fmt.Sprintf("refund status is %s", refund.Status)
	}
	result.Raw, _ = json.Marshal(map[string]any{
		"id":             refund.ID,
		"status":         refund.Status,
		"amount":         refund.Amount,
		"payment_intent": intentID,
	})
	return result, nil
}

// rawIntent keeps the fields worth auditing. The client secret is left out.
func rawIntent(intent *stripeapi.PaymentIntent) json.RawMessage {
	raw, err := json.Marshal(map[string]any{
		"id":              intent.ID,
		"status":          intent.Status,
		"amount":          intent.Amount,
		"amount_received": intent.AmountReceived,
		"currency":        intent.Currency,
		"metadata":        intent.Metadata,
	})
	if err != nil {
		return nil
	}
	return raw
}
