package sadad

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/apperr"
	"github.com/opticshop/opticshop/internal/payments"
)

const (
	SandboxURL    = "https://sadadqa.com/webpurchase"
	ProductionURL = "https://sadad.qa/webpurchase"

	maxOrderIDLength = 20
	txnDateLayout    = "2006-01-02 15:04:05"
	pageLanguage     = "ENG"
	protocolVersion  = "1.1"
)

var (
	ErrInvalidCallbackURL  = errors.New("sadad callback URL must be an absolute http(s) URL")
	ErrLoopbackCallbackURL = errors.New("sadad callback URL must be publicly reachable, not a loopback address")
	ErrInvalidOrderID      = errors.New("order id has no alphanumeric characters")
	ErrRefundUnsupported   = errors.New("sadad refunds must be issued from the Sadad merchant panel")
)

type Config struct {
	MerchantID    string
	SecretKey     string
	Website       string
	CallbackURL   string
	DefaultMobile string
	Production    bool
}

type Gateway struct {
	signer        *Signer
	merchantID    string
	website       string
	callbackURL   string
	defaultMobile string
	actionURL     string
	now           func() time.Time
}

// New fails with a configuration error when credentials are missing or the
// callback URL cannot be reached by the gateway.
func New(cfg Config) (*Gateway, error) {
	signer, err := NewSigner(cfg.MerchantID, cfg.SecretKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "sadad.new", err)
	}
	if err := ValidateCallbackURL(cfg.CallbackURL); err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "sadad.new", err)
	}

	actionURL := SandboxURL
	if cfg.Production {
		actionURL = ProductionURL
	}

	return &Gateway{
		signer:        signer,
		merchantID:    strings.TrimSpace(cfg.MerchantID),
		website:       strings.TrimSpace(cfg.Website),
		callbackURL:   strings.TrimSpace(cfg.CallbackURL),
		defaultMobile: digitsOnly(cfg.DefaultMobile),
		actionURL:     actionURL,
		now:           time.Now,
	}, nil
}

func (g *Gateway) Name() string {
	return payments.GatewaySadad
}

// Initiate builds the signed auto-post form. The whole order is sent as one
// synthetic product line at the full amount.
func (g *Gateway) Initiate(_ context.Context, req payments.PaymentRequest) (*payments.Initiation, error) {
	if err := ValidateCallbackURL(g.callbackURL); err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "sadad.initiate", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	orderID := SanitizeOrderID(req.OrderReference)
	if orderID == "" {
		return nil, apperr.Validation("sadad.initiate", fmt.Errorf("%w: %q", ErrInvalidOrderID, req.OrderReference))
	}

	amount := req.Amount.StringFixed(2)
	mobile := digitsOnly(req.Customer.Phone)
	if mobile == "" {
		mobile = g.defaultMobile
	}

	var fields payments.Fields
	fields = fields.Set("merchant_id", g.merchantID)
	fields = fields.Set("ORDER_ID", orderID)
	fields = fields.Set("WEBSITE", g.website)
	fields = fields.Set("TXN_AMOUNT", amount)
	fields = fields.Set("CUST_ID", req.Customer.Email)
	fields = fields.Set("EMAIL", req.Customer.Email)
	fields = fields.Set("MOBILE_NO", mobile)
	fields = fields.Set("SADAD_WEBCHECKOUT_PAGE_LANGUAGE", pageLanguage)
	fields = fields.Set("VERSION", protocolVersion)
	fields = fields.Set("CALLBACK_URL", g.callbackURL)
	fields = fields.Set("txnDate", g.now().Format(txnDateLayout))

	details := []ProductDetail{{
		OrderID:  orderID,
		ItemName: "Order " + orderID,
		Amount:   amount,
		Quantity: "1",
		Type:     "line_item",
	}}

	checksum, err := g.signer.Sign(fields, details)
	if err != nil {
		return payments.FailedInitiation(g.Name(), apperr.Wrap(apperr.KindVerification, "sadad.sign", err)), nil
	}

	formFields := append(payments.Fields(nil), fields...)
	for i, detail := range details {
		prefix := fmt.Sprintf("productdetail[%d]", i)
		formFields = formFields.Set(prefix+"[order_id]", detail.OrderID)
		formFields = formFields.Set(prefix+"[itemname]", detail.ItemName)
		formFields = formFields.Set(prefix+"[amount]", detail.Amount)
		formFields = formFields.Set(prefix+"[quantity]", detail.Quantity)
		formFields = formFields.Set(prefix+"[type]", detail.Type)
	}
	formFields = formFields.Set(FieldChecksum, checksum)

	return &payments.Initiation{
		Gateway:   g.Name(),
		Success:   true,
		Reference: orderID,
		Form: &payments.Form{
			Action: g.actionURL,
			Method: "POST",
			Fields: formFields,
		},
	}, nil
}

// Verify checks a callback or webhook payload. A checksum failure and a
// declined response code both come back as verification failures.
func (g *Gateway) Verify(_ context.Context, req payments.VerifyRequest) (*payments.Result, error) {
	if len(req.Callback) == 0 {
		return nil, apperr.New(apperr.KindValidation, "sadad.verify", "callback payload is empty")
	}

	v := g.signer.VerifyCallback(req.Callback)
	result := &payments.Result{
		Gateway:               g.Name(),
		Success:               v.Paid,
		Reference:             v.OrderID,
		ExternalTransactionID: v.TransactionNumber,
		Status:                v.ResponseCode,
		SignatureValid:        v.ChecksumValid,
		Raw:                   rawCallback(req.Callback),
	}
	if amount, err := decimal.NewFromString(strings.TrimSpace(v.Amount)); err == nil {
		result.Amount = amount
	}

	switch {
	case !v.ChecksumValid:
		result.ErrorKind = apperr.KindVerification
		result.Detail = "checksum verification failed"
	case !v.Paid:
		result.ErrorKind = apperr.KindVerification
		result.Detail = declineDetail(v)
	}
	return result, nil
}

func (g *Gateway) Refund(context.Context, payments.RefundRequest) (*payments.RefundResult, error) {
	return nil, apperr.Validation("sadad.refund", ErrRefundUnsupported)
}

// SanitizeOrderID keeps only [A-Za-z0-9] and truncates to 20 characters.
func SanitizeOrderID(orderID string) string {
	var b strings.Builder
	for _, r := range orderID {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == maxOrderIDLength {
				break
			}
		}
	}
	return b.String()
}

func ValidateCallbackURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Hostname() == "" {
		return ErrInvalidCallbackURL
	}
	if !strings.EqualFold(parsed.Scheme, "https") && !strings.EqualFold(parsed.Scheme, "http") {
		return ErrInvalidCallbackURL
	}
	if isLoopbackHost(parsed.Hostname()) {
		return fmt.Errorf("%w: %s", ErrLoopbackCallbackURL, parsed.Hostname())
	}
	return nil
}

func isLoopbackHost(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func declineDetail(v Verification) string {
	if msg := strings.TrimSpace(v.ResponseMessage); msg != "" {
		return fmt.Sprintf("payment declined (RESPCODE=%s): %s", v.ResponseCode, msg)
	}
	return fmt.Sprintf("payment declined (RESPCODE=%s)", v.ResponseCode)
}

// rawCallback keeps the callback for the transaction record, minus the
// checksum itself.
func rawCallback(fields payments.Fields) json.RawMessage {
	raw, err := json.Marshal(fields.Without(FieldChecksum))
	if err != nil {
		return nil
	}
	return raw
}
