package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/payments"
	"github.com/opticshop/opticshop/internal/services"
)

const (
	msgPaymentFailed     = "Payment could not be completed"
	msgPaymentCancelled  = "Payment was cancelled"
	msgPaymentDeclined   = "Payment was declined"
	msgPaymentUnverified = "Payment response could not be verified"
)

func (h *Handlers) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	buyer, err := customerFromRequest(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	initiation, err := h.payments.Initiate(r.Context(), services.InitiateInput{
		OrderNumber: vars["number"],
		Gateway:     vars["gateway"],
		CustomerID:  buyer.ID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !initiation.Success {
		h.writeJSON(w, r, statusForKind(initiation.ErrorKind), initiation)
		return
	}
	h.writeJSON(w, r, http.StatusOK, initiation)
}

type stripeConfirmRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
}

func (h *Handlers) ConfirmStripePayment(w http.ResponseWriter, r *http.Request) {
	var req stripeConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if strings.TrimSpace(req.PaymentIntentID) == "" {
		h.badRequest(w, r, errors.New("payment_intent_id is required"))
		return
	}

	h.confirmJSON(w, r, services.ConfirmInput{
		Gateway: payments.GatewayStripe,
		Verify:  payments.VerifyRequest{PaymentID: req.PaymentIntentID},
		Source:  "confirm",
	})
}

type razorpayVerifyRequest struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

func (h *Handlers) VerifyRazorpayPayment(w http.ResponseWriter, r *http.Request) {
	var req razorpayVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if req.OrderID == "" || req.PaymentID == "" || req.Signature == "" {
		h.badRequest(w, r, errors.New("razorpay_order_id, razorpay_payment_id and razorpay_signature are required"))
		return
	}

	h.confirmJSON(w, r, services.ConfirmInput{
		Gateway: payments.GatewayRazorpay,
		Verify: payments.VerifyRequest{
			Reference: req.OrderID,
			PaymentID: req.PaymentID,
			Signature: req.Signature,
		},
		Source: "confirm",
	})
}

func (h *Handlers) confirmJSON(w http.ResponseWriter, r *http.Request, input services.ConfirmInput) {
	confirmation, err := h.payments.Confirm(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !confirmation.Paid {
		h.writeJSON(w, r, http.StatusPaymentRequired, confirmation)
		return
	}
	h.writeJSON(w, r, http.StatusOK, confirmation)
}

// PayPalReturn captures the approved PayPal order and sends the customer back
// to the storefront.
func (h *Handlers) PayPalReturn(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		h.redirectToStorefront(w, r, "", false, msgPaymentFailed)
		return
	}

	confirmation, err := h.payments.Confirm(r.Context(), services.ConfirmInput{
		Gateway: payments.GatewayPayPal,
		Verify:  payments.VerifyRequest{Reference: token},
		Source:  "callback",
	})
	if err != nil {
		h.loggerFromContext(r.Context()).Error("paypal capture failed", "error", err, "token", token)
		h.redirectToStorefront(w, r, "", false, msgPaymentFailed)
		return
	}
	message := ""
	if !confirmation.Paid {
		message = msgPaymentDeclined
	}
	h.redirectToStorefront(w, r, confirmation.OrderNumber, confirmation.Paid, message)
}

func (h *Handlers) PayPalCancel(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	orderNumber := ""
	if token != "" {
		order, err := h.payments.Cancel(r.Context(), payments.GatewayPayPal, token)
		if err != nil {
			h.loggerFromContext(r.Context()).Warn("failed to record paypal cancellation", "error", err, "token", token)
		} else {
			orderNumber = order.OrderNumber
		}
	}
	h.redirectToStorefront(w, r, orderNumber, false, msgPaymentCancelled)
}

// SadadCallback handles the browser post back from Sadad's hosted page. The
// body is parsed by hand because the checksum depends on field order.
func (h *Handlers) SadadCallback(w http.ResponseWriter, r *http.Request) {
	logger := h.loggerFromContext(r.Context())

	fields, err := readOrderedFields(w, r)
	if err != nil {
		logger.Warn("invalid sadad callback", "error", err)
		h.redirectToStorefront(w, r, "", false, msgPaymentUnverified)
		return
	}

	confirmation, err := h.payments.Confirm(r.Context(), services.ConfirmInput{
		Gateway: payments.GatewaySadad,
		Verify:  payments.VerifyRequest{Callback: fields},
		Source:  "callback",
	})
	if err != nil {
		logger.Error("sadad callback failed", "error", err)
		h.redirectToStorefront(w, r, "", false, msgPaymentFailed)
		return
	}

	message := ""
	switch {
	case confirmation.Paid:
	case confirmation.Result != nil && !confirmation.Result.SignatureValid:
		message = msgPaymentUnverified
	default:
		message = msgPaymentDeclined
	}
	h.redirectToStorefront(w, r, confirmation.OrderNumber, confirmation.Paid, message)
}

// SadadWebhook is the server-to-server notification. It accepts either a
// form or a flat JSON object and is held to the same checksum as the
// browser callback.
func (h *Handlers) SadadWebhook(w http.ResponseWriter, r *http.Request) {
	fields, err := readOrderedFields(w, r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	confirmation, err := h.payments.Confirm(r.Context(), services.ConfirmInput{
		Gateway: payments.GatewaySadad,
		Verify:  payments.VerifyRequest{Callback: fields},
		Source:  "webhook",
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if confirmation.Result != nil && !confirmation.Result.SignatureValid {
		h.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "checksum verification failed"})
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"received": true, "paid": confirmation.Paid})
}

func readOrderedFields(w http.ResponseWriter, r *http.Request) (payments.Fields, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	var fields payments.Fields
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		fields, err = payments.ParseOrderedJSON(body)
	} else {
		fields, err = payments.ParseOrderedForm(string(body))
	}
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, errors.New("payload has no fields")
	}
	return fields, nil
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

// RefundOrder refunds a paid order. An empty body refunds the remaining
// balance.
func (h *Handlers) RefundOrder(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			h.badRequest(w, r, err)
			return
		}
	}

	result, err := h.payments.Refund(r.Context(), services.RefundInput{
		OrderNumber: mux.Vars(r)["number"],
		Amount:      req.Amount,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, result)
}

func (h *Handlers) redirectToStorefront(w http.ResponseWriter, r *http.Request, orderNumber string, paid bool, message string) {
	target := services.OrderStatusURL(h.config.Storefront(), orderNumber, paid, message)
	http.Redirect(w, r, target, http.StatusSeeOther)
}
