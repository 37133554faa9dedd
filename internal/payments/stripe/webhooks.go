package stripe

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	stripeapi "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/opticshop/opticshop/internal/payments"
)

const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventPaymentIntentFailed    = "payment_intent.payment_failed"
)

func ReadWebhookEvent(r *http.Request, secret string) (*stripeapi.Event, error) {
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		return nil, fmt.Errorf("missing stripe signature header")
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	event, err := webhook.ConstructEvent(payload, signature, secret)
	if err != nil {
		return nil, fmt.Errorf("webhook signature validation failed: %w", err)
	}

	return &event, nil
}

// PaymentIntentResult converts a payment_intent.* event into a verification
// result. The event signature has already been checked, so the payload is
// trusted as-is.
func PaymentIntentResult(event *stripeapi.Event) (*payments.Result, error) {
	if event == nil || event.Data == nil {
		return nil, fmt.Errorf("event has no data")
	}

	var intent stripeapi.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("invalid payment intent payload: %w", err)
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("missing payment intent ID")
	}

	return intentResult(&intent, ""), nil
}
