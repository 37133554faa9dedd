package pricing

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const DefaultCurrency = "QAR"

// Policy holds the process-wide pricing constants.
type Policy struct {
	Currency              string
	TaxRate               decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	FlatShippingFee       decimal.Decimal
}

func DefaultPolicy() Policy {
	return Policy{
		Currency:              DefaultCurrency,
		TaxRate:               decimal.Zero,
		FreeShippingThreshold: decimal.RequireFromString("200.00"),
		FlatShippingFee:       decimal.RequireFromString("20.00"),
	}
}

func (p Policy) Validate() error {
	if len(strings.TrimSpace(p.Currency)) != 3 {
		return fmt.Errorf("currency must be a 3-letter code, got %q", p.Currency)
	}
	if p.TaxRate.IsNegative() || p.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("tax rate must be in [0, 1), got %s", p.TaxRate)
	}
	if p.FreeShippingThreshold.IsNegative() {
		return fmt.Errorf("free shipping threshold must not be negative, got %s", p.FreeShippingThreshold)
	}
	if p.FlatShippingFee.IsNegative() {
		return fmt.Errorf("flat shipping fee must not be negative, got %s", p.FlatShippingFee)
	}
	return nil
}

// policyFile is the YAML shape of a pricing policy override. Amounts are
// strings so they never pass through float64.
type policyFile struct {
	Currency string `yaml:"currency"`
	TaxRate  string `yaml:"tax_rate"`
	Shipping struct {
		FreeThreshold string `yaml:"free_threshold"`
		FlatFee       string `yaml:"flat_fee"`
	} `yaml:"shipping"`
}

// ParsePolicy overlays the YAML document onto base. Keys absent from the
// document keep their base values.
func ParsePolicy(content []byte, base Policy) (Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return Policy{}, fmt.Errorf("failed to parse pricing policy YAML: %w", err)
	}

	policy := base
	if currency := strings.TrimSpace(file.Currency); currency != "" {
		policy.Currency = strings.ToUpper(currency)
	}

	fields := []struct {
		name  string
		raw   string
		field *decimal.Decimal
	}{
		{name: "tax_rate", raw: file.TaxRate, field: &policy.TaxRate},
		{name: "shipping.free_threshold", raw: file.Shipping.FreeThreshold, field: &policy.FreeShippingThreshold},
		{name: "shipping.flat_fee", raw: file.Shipping.FlatFee, field: &policy.FlatShippingFee},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(f.raw)
		if raw == "" {
			continue
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return Policy{}, fmt.Errorf("invalid %s %q: %w", f.name, raw, err)
		}
		*f.field = value
	}

	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

func LoadPolicy(path string, base Policy) (Policy, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read pricing policy file: %w", err)
	}
	return ParsePolicy(content, base)
}
