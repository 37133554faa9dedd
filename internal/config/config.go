package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/payments/sadad"
	"github.com/opticshop/opticshop/internal/pricing"
)

type Config struct {
	DatabaseURL   string `env:"DATABASE_URL,required" validate:"required"`
	RunMigrations bool   `env:"RUN_MIGRATIONS" envDefault:"true"`

	BaseURL       string `env:"BASE_URL" validate:"omitempty,url"`
	StorefrontURL string `env:"STOREFRONT_URL" validate:"omitempty,url"`
	StoreName     string `env:"STORE_NAME" envDefault:"Optic Shop"`

	EncryptionKey string `env:"ENCRYPTION_KEY,required" validate:"required,len=32"`
	AdminAPIToken string `env:"ADMIN_API_TOKEN" validate:"omitempty,min=24"`

	SentryDSN              string  `env:"SENTRY_DSN"`
	SentryEnvironment      string  `env:"SENTRY_ENVIRONMENT" envDefault:"development"`
	SentryTracesSampleRate float64 `env:"SENTRY_TRACES_SAMPLE_RATE" envDefault:"0" validate:"gte=0,lte=1"`

	CacheProvider         string `env:"CACHE_PROVIDER" envDefault:"memory" validate:"omitempty,oneof=memory redis"`
	RedisConnectionString string `env:"REDIS_CONNECTION_STRING" envDefault:"redis://localhost:6379/0" validate:"required_if=CacheProvider redis"`
	RedisKeyPrefix        string `env:"REDIS_KEY_PREFIX" envDefault:"opticshop:"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"opticshop.orders" validate:"required"`

	ResendAPIKey string `env:"RESEND_API_KEY"`
	EmailFrom    string `env:"EMAIL_FROM" validate:"required_with=ResendAPIKey"`

	DefaultCurrency       string          `env:"DEFAULT_CURRENCY" envDefault:"QAR" validate:"len=3"`
	TaxRate               decimal.Decimal `env:"TAX_RATE" envDefault:"0"`
	FreeShippingThreshold decimal.Decimal `env:"FREE_SHIPPING_THRESHOLD" envDefault:"200.00"`
	FlatShippingFee       decimal.Decimal `env:"FLAT_SHIPPING_FEE" envDefault:"20.00"`
	PricingPolicyFile     string          `env:"PRICING_POLICY_FILE"`

	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"15s" validate:"gt=0"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	RazorpayKeyID     string `env:"RAZORPAY_KEY_ID"`
	RazorpayKeySecret string `env:"RAZORPAY_KEY_SECRET"`

	PayPalClientID     string `env:"PAYPAL_CLIENT_ID"`
	PayPalClientSecret string `env:"PAYPAL_CLIENT_SECRET"`
	PayPalMode         string `env:"PAYPAL_MODE" envDefault:"sandbox" validate:"oneof=sandbox live"`

	SadadMerchantID    string `env:"SADAD_MERCHANT_ID"`
	SadadSecretKey     string `env:"SADAD_SECRET_KEY"`
	SadadWebsite       string `env:"SADAD_WEBSITE"`
	SadadMode          string `env:"SADAD_MODE" envDefault:"sandbox" validate:"oneof=sandbox production"`
	SadadDefaultMobile string `env:"SADAD_DEFAULT_MOBILE"`
	SadadCallbackURL   string `env:"SADAD_CALLBACK_URL" validate:"omitempty,url"`

	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text" validate:"omitempty,oneof=text json"`
	LogFile   string     `env:"LOG_FILE"`
	Port      string     `env:"PORT" envDefault:"8080"`
}

var configValidator = validator.New()

func Load() (*Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if err := configValidator.Struct(c); err != nil {
		return err
	}

	switch {
	case !setTogether(c.RazorpayKeyID, c.RazorpayKeySecret):
		return fmt.Errorf("RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET must be set together")
	case !setTogether(c.PayPalClientID, c.PayPalClientSecret):
		return fmt.Errorf("PAYPAL_CLIENT_ID and PAYPAL_CLIENT_SECRET must be set together")
	case !setTogether(c.SadadMerchantID, c.SadadSecretKey):
		return fmt.Errorf("SADAD_MERCHANT_ID and SADAD_SECRET_KEY must be set together")
	}
	if strings.TrimSpace(c.StripeWebhookSecret) != "" && !c.StripeEnabled() {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET requires STRIPE_SECRET_KEY")
	}

	baseURL := strings.TrimSpace(c.BaseURL)
	if (c.PayPalEnabled() || c.SadadEnabled()) && baseURL == "" {
		return fmt.Errorf("BASE_URL is required when PayPal or Sadad is enabled")
	}
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Hostname() == "" {
			return fmt.Errorf("BASE_URL must be a valid absolute URL")
		}
		if !isLocalHost(parsed.Hostname()) && !strings.EqualFold(parsed.Scheme, "https") {
			return fmt.Errorf("BASE_URL must use https outside local development")
		}
	}

	if c.SadadEnabled() {
		if err := sadad.ValidateCallbackURL(c.SadadCallback()); err != nil {
			return fmt.Errorf("SADAD_CALLBACK_URL: %w", err)
		}
	}

	if c.TaxRate.IsNegative() || c.FreeShippingThreshold.IsNegative() || c.FlatShippingFee.IsNegative() {
		return errors.New("TAX_RATE, FREE_SHIPPING_THRESHOLD and FLAT_SHIPPING_FEE must not be negative")
	}

	return nil
}

func (c *Config) StripeEnabled() bool {
	return strings.TrimSpace(c.StripeSecretKey) != ""
}

func (c *Config) RazorpayEnabled() bool {
	return strings.TrimSpace(c.RazorpayKeyID) != ""
}

func (c *Config) PayPalEnabled() bool {
	return strings.TrimSpace(c.PayPalClientID) != ""
}

func (c *Config) SadadEnabled() bool {
	return strings.TrimSpace(c.SadadMerchantID) != ""
}

func (c *Config) AdminAPIEnabled() bool {
	return strings.TrimSpace(c.AdminAPIToken) != ""
}

// SadadCallback is the URL Sadad posts the browser back to. It defaults to
// this service's callback route.
func (c *Config) SadadCallback() string {
	if callback := strings.TrimSpace(c.SadadCallbackURL); callback != "" {
		return callback
	}
	return strings.TrimRight(strings.TrimSpace(c.BaseURL), "/") + "/payments/sadad/callback"
}

// Storefront is where redirect-based payments send the customer afterwards.
func (c *Config) Storefront() string {
	if storefront := strings.TrimSpace(c.StorefrontURL); storefront != "" {
		return storefront
	}
	return strings.TrimSpace(c.BaseURL)
}

// PricingPolicy builds the policy from the environment and overlays
// PRICING_POLICY_FILE when one is configured.
func (c *Config) PricingPolicy() (pricing.Policy, error) {
	policy := pricing.Policy{
		Currency:              strings.ToUpper(strings.TrimSpace(c.DefaultCurrency)),
		TaxRate:               c.TaxRate,
		FreeShippingThreshold: c.FreeShippingThreshold,
		FlatShippingFee:       c.FlatShippingFee,
	}
	if path := strings.TrimSpace(c.PricingPolicyFile); path != "" {
		loaded, err := pricing.LoadPolicy(path, policy)
		if err != nil {
			return pricing.Policy{}, fmt.Errorf("failed to load pricing policy: %w", err)
		}
		policy = loaded
	}
	if err := policy.Validate(); err != nil {
		return pricing.Policy{}, fmt.Errorf("invalid pricing policy: %w", err)
	}
	return policy, nil
}

func setTogether(first, second string) bool {
	return (strings.TrimSpace(first) != "") == (strings.TrimSpace(second) != "")
}

func isLocalHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
