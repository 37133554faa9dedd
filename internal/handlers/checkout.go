package handlers

import (
	"net/http"

	"github.com/opticshop/opticshop/internal/services"
)

func (h *Handlers) QuoteCart(w http.ResponseWriter, r *http.Request) {
	var input services.CartInput
	if err := decodeJSON(w, r, &input); err != nil {
		h.badRequest(w, r, err)
		return
	}
	buyer, err := customerFromRequest(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	input.CustomerID = buyer.ID

	quote, err := h.checkout.Quote(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, quote)
}

func (h *Handlers) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var input services.CartInput
	if err := decodeJSON(w, r, &input); err != nil {
		h.badRequest(w, r, err)
		return
	}
	buyer, err := customerFromRequest(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	input.CustomerID = buyer.ID

	check, err := h.checkout.ValidateCoupon(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, check)
}

// PlaceOrder creates the order. A signed-in customer's email from the auth
// proxy wins over the one in the body.
func (h *Handlers) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var input services.PlaceOrderInput
	if err := decodeJSON(w, r, &input); err != nil {
		h.badRequest(w, r, err)
		return
	}
	buyer, err := customerFromRequest(r)
	if err != nil {
		h.badRequest(w, r, err)
		return
	}
	input.CustomerID = buyer.ID
	if buyer.Email != "" {
		input.CustomerEmail = buyer.Email
	}

	order, err := h.checkout.PlaceOrder(r.Context(), input)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, order)
}
