package handlers

import (
	"net/http"

	"github.com/opticshop/opticshop/internal/payments/stripe"
)

// StripeWebhook verifies the event signature and hands the event to the
// payment service, which owns deduplication.
func (h *Handlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	if h.config.StripeWebhookSecret == "" {
		logger.Error("stripe webhook received but STRIPE_WEBHOOK_SECRET is not set")
		http.Error(w, "Webhook handler not configured", http.StatusServiceUnavailable)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)

	event, err := stripe.ReadWebhookEvent(r, h.config.StripeWebhookSecret)
	if err != nil {
		logger.Error("failed to read Stripe webhook payload", "error", err)
		http.Error(w, "Invalid webhook", http.StatusBadRequest)
		return
	}

	if event == nil || event.ID == "" {
		logger.Error("missing Stripe event ID")
		http.Error(w, "Missing event ID", http.StatusBadRequest)
		return
	}

	if err := h.payments.HandleStripeEvent(ctx, event); err != nil {
		logger.Error("failed to process Stripe webhook", "error", err, "type", event.Type, "event_id", event.ID)
		http.Error(w, "Processing failed", statusForError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
}
