package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/opticshop/opticshop/internal/services"
)

// GetOrderStatus shows a customer where their order is.
func (h *Handlers) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	buyer, err := customerFromRequest(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}

	view, err := h.orders.Status(r.Context(), mux.Vars(r)["number"], buyer.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, view)
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// CancelOrder withdraws an unpaid order. The body is optional.
func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	buyer, err := customerFromRequest(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	var req cancelOrderRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
			h.badRequest(w, r, err)
			return
		}
	}

	order, err := h.orders.Cancel(r.Context(), services.CancelInput{
		OrderNumber: mux.Vars(r)["number"],
		CustomerID:  buyer.ID,
		Reason:      req.Reason,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"order_number":   order.OrderNumber,
		"status":         order.Status,
		"payment_status": order.PaymentStatus,
	})
}

// ListOrderTransactions is the merchant's view of every gateway exchange for
// an order, with stored responses opened.
func (h *Handlers) ListOrderTransactions(w http.ResponseWriter, r *http.Request) {
	audit, err := h.orders.Transactions(r.Context(), mux.Vars(r)["number"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]any{"transactions": audit})
}
