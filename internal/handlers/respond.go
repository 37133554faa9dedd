package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/opticshop/opticshop/internal/apperr"
	"github.com/opticshop/opticshop/internal/payments"
	"github.com/opticshop/opticshop/internal/services"
)

var errInvalidCustomerID = errors.New("X-Customer-ID must be a UUID")

type errorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.loggerFromContext(r.Context()).Error("failed to encode response", "error", err)
	}
}

// writeError maps a classified service error onto an HTTP status. Internal
// failures are logged and never echoed to the client.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	kind := apperr.KindOf(err)

	message := http.StatusText(status)
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		h.loggerFromContext(r.Context()).Error("request failed", "error", err, "kind", kind)
	default:
		h.loggerFromContext(r.Context()).Warn("request rejected", "error", err, "kind", kind, "status", status)
		message = services.CouponRejection(err)
	}

	h.writeJSON(w, r, status, errorResponse{Error: message, Kind: kind})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrOrderAlreadyPaid), errors.Is(err, services.ErrOrderNotCancellable):
		return http.StatusConflict
	case errors.Is(err, payments.ErrUnsupportedGateway):
		return http.StatusBadRequest
	}

	return statusForKind(apperr.KindOf(err))
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindConfiguration:
		return http.StatusServiceUnavailable
	case apperr.KindGatewayCommunication:
		return http.StatusBadGateway
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindVerification:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body into dst. Unknown fields are
// rejected so client typos surface as errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

func (h *Handlers) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	h.loggerFromContext(r.Context()).Warn("bad request", "error", err)
	h.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

// customer is the identity forwarded by the upstream auth proxy. Both
// fields are empty for guest checkouts.
type customer struct {
	ID    uuid.UUID
	Email string
}

func customerFromRequest(r *http.Request) (customer, error) {
	var c customer
	if raw := strings.TrimSpace(r.Header.Get("X-Customer-ID")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return customer{}, errInvalidCustomerID
		}
		c.ID = id
	}
	c.Email = strings.TrimSpace(r.Header.Get("X-Customer-Email"))
	return c, nil
}
