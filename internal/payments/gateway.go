// Package payments defines the gateway adapter contract and the registry that
// selects an adapter by name.
package payments

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/apperr"
)

const (
	GatewayStripe   = "stripe"
	GatewayRazorpay = "razorpay"
	GatewayPayPal   = "paypal"
	GatewaySadad    = "sadad"
)

// Gateway is implemented once per payment provider. Configuration and input
// validation problems are returned as errors before any network call.
// Provider and verification failures are reported through Success=false on
// the returned result.
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, req PaymentRequest) (*Initiation, error)
	Verify(ctx context.Context, req VerifyRequest) (*Result, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

type Customer struct {
	ID    string
	Name  string
	Email string
	Phone string
}

type PaymentRequest struct {
	OrderID        uuid.UUID
	OrderReference string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Customer       Customer
	ReturnURL      string
	CancelURL      string
}

func (r PaymentRequest) Validate() error {
	switch {
	case r.OrderReference == "":
		return apperr.New(apperr.KindValidation, "payments.request", "order reference is required")
	case !r.Amount.IsPositive():
		return apperr.New(apperr.KindValidation, "payments.request", "amount must be positive")
	case len(r.Currency) != 3:
		return apperr.New(apperr.KindValidation, "payments.request", "currency must be a 3-letter code")
	}
	return nil
}

// Form is an auto-submitting browser form the storefront renders.
type Form struct {
	Action string `json:"action"`
	Method string `json:"method"`
	Fields Fields `json:"fields"`
}

// Initiation carries gateway-specific data; only Success is common.
type Initiation struct {
	Gateway      string            `json:"gateway"`
	Success      bool              `json:"success"`
	Reference    string            `json:"reference,omitempty"`
	RedirectURL  string            `json:"redirect_url,omitempty"`
	ClientSecret string            `json:"client_secret,omitempty"`
	Form         *Form             `json:"form,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	ErrorKind    apperr.Kind       `json:"error_kind,omitempty"`
	Detail       string            `json:"detail,omitempty"`
}

// VerifyRequest holds whatever the provider hands back after the customer
// pays. Each adapter reads only the fields it understands.
type VerifyRequest struct {
	Reference string
	PaymentID string
	Signature string
	Callback  Fields
}

type Result struct {
	Gateway               string          `json:"gateway"`
	Success               bool            `json:"success"`
	Reference             string          `json:"reference,omitempty"`
	ExternalTransactionID string          `json:"external_transaction_id,omitempty"`
	Status                string          `json:"status,omitempty"`
	Amount                decimal.Decimal `json:"amount"`
	SignatureValid        bool            `json:"signature_valid"`
	ErrorKind             apperr.Kind     `json:"error_kind,omitempty"`
	Detail                string          `json:"detail,omitempty"`
	Raw                   json.RawMessage `json:"-"`
}

// Untrusted reports a payload that failed its signature or order binding
// check. Such a result says nothing about the real payment.
func (r *Result) Untrusted() bool {
	return !r.SignatureValid && r.ErrorKind == apperr.KindVerification
}

type RefundRequest struct {
	Reference     string
	TransactionID string
	Amount        *decimal.Decimal
	Currency      string
}

type RefundResult struct {
	Gateway   string          `json:"gateway"`
	Success   bool            `json:"success"`
	RefundID  string          `json:"refund_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	ErrorKind apperr.Kind     `json:"error_kind,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// FailedInitiation converts an outbound failure into a structured result.
func FailedInitiation(gateway string, err error) *Initiation {
	kind := apperr.KindOf(err)
	if kind == apperr.KindUnknown {
		kind = apperr.KindGatewayCommunication
	}
	return &Initiation{Gateway: gateway, Success: false, ErrorKind: kind, Detail: err.Error()}
}

func FailedResult(gateway, reference string, err error) *Result {
	kind := apperr.KindOf(err)
	if kind == apperr.KindUnknown {
		kind = apperr.KindGatewayCommunication
	}
	return &Result{Gateway: gateway, Reference: reference, Success: false, ErrorKind: kind, Detail: err.Error()}
}

func FailedRefund(gateway string, err error) *RefundResult {
	kind := apperr.KindOf(err)
	if kind == apperr.KindUnknown {
		kind = apperr.KindGatewayCommunication
	}
	return &RefundResult{Gateway: gateway, Success: false, ErrorKind: kind, Detail: err.Error()}
}

// MinorUnits converts a two-decimal amount to the provider's integer unit.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -2)
}
