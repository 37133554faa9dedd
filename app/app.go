package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opticshop/opticshop/internal/cache"
	"github.com/opticshop/opticshop/internal/config"
	"github.com/opticshop/opticshop/internal/crypto"
	"github.com/opticshop/opticshop/internal/db"
	"github.com/opticshop/opticshop/internal/email"
	"github.com/opticshop/opticshop/internal/events"
	"github.com/opticshop/opticshop/internal/handlers"
	"github.com/opticshop/opticshop/internal/logging"
	"github.com/opticshop/opticshop/internal/observability"
	"github.com/opticshop/opticshop/internal/payments"
	"github.com/opticshop/opticshop/internal/payments/paypal"
	"github.com/opticshop/opticshop/internal/payments/razorpay"
	"github.com/opticshop/opticshop/internal/payments/sadad"
	"github.com/opticshop/opticshop/internal/payments/stripe"
	"github.com/opticshop/opticshop/internal/pricing"
	"github.com/opticshop/opticshop/internal/promotions"
	"github.com/opticshop/opticshop/internal/services"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *pgxpool.Pool
	CacheProvider cache.Provider
	Publisher     events.Publisher
	Handlers      *handlers.Handlers

	closers []io.Closer
	sentry  bool
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg}
	if err := a.init(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// init builds the application in dependency order. Anything opened before a
// failure is released by Close.
func (a *App) init() error {
	cfg := a.Config

	logOpts := logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}
	if path := strings.TrimSpace(cfg.LogFile); path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		a.closers = append(a.closers, file)
		logOpts.File = file
	}
	logger := logging.New(os.Stdout, logOpts)
	a.Logger = logger

	if dsn := strings.TrimSpace(cfg.SentryDSN); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      cfg.SentryEnvironment,
			EnableTracing:    cfg.SentryTracesSampleRate > 0,
			TracesSampleRate: cfg.SentryTracesSampleRate,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		a.sentry = true
	}

	if cfg.RunMigrations {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		logger.Info("database migrations applied")
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	database, err := db.Connect(startupCtx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	a.DB = database

	cacheProvider, err := cache.NewProvider(cache.Config{
		Provider:              cfg.CacheProvider,
		RedisConnectionString: cfg.RedisConnectionString,
		KeyPrefix:             cfg.RedisKeyPrefix,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache provider: %w", err)
	}
	a.CacheProvider = cacheProvider

	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize response sealer: %w", err)
	}

	if len(cfg.KafkaBrokers) > 0 {
		a.Publisher = events.NewKafkaPublisher(cfg.KafkaTopic, cfg.KafkaBrokers...)
		logger.Info("publishing order events to kafka", "topic", cfg.KafkaTopic, "brokers", len(cfg.KafkaBrokers))
	} else {
		a.Publisher = events.NewLogPublisher(logger.With("component", "events"))
	}

	renderer, err := email.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to initialize email templates: %w", err)
	}
	storeURL := cfg.Storefront()
	emailSender := services.NewTemplateOrderEmailSender(
		email.NewProvider(email.Config{APIKey: cfg.ResendAPIKey, From: cfg.EmailFrom}),
		renderer,
		services.StoreInfo{Name: cfg.StoreName, URL: storeURL},
	)

	registry, err := newGatewayRegistry(cfg)
	if err != nil {
		return err
	}
	logger.Info("payment gateways enabled", "gateways", registry.Enabled())

	policy, err := cfg.PricingPolicy()
	if err != nil {
		return err
	}
	composer := pricing.NewComposer(policy)

	orderStore := db.NewOrderStore(database)
	couponValidator := promotions.NewValidator(db.NewCouponStore(database), logger.With("component", "coupons"))

	checkoutService := services.NewCheckoutService(
		db.NewCatalogStore(database),
		composer,
		couponValidator,
		orderStore,
		registry,
		a.Publisher,
		emailSender,
		logger.With("component", "checkout_service"),
	)
	paymentService := services.NewPaymentService(
		orderStore,
		registry,
		cacheProvider,
		a.Publisher,
		emailSender,
		sealer,
		services.PaymentServiceConfig{
			GatewayTimeout: cfg.GatewayTimeout,
			BaseURL:        cfg.BaseURL,
		},
		logger.With("component", "payment_service"),
	)

	orderService := services.NewOrderService(
		orderStore,
		sealer,
		a.Publisher,
		logger.With("component", "order_service"),
	)

	h, err := handlers.New(handlers.Dependencies{
		Config:          cfg,
		DB:              database,
		CacheProvider:   cacheProvider,
		CheckoutService: checkoutService,
		PaymentService:  paymentService,
		OrderService:    orderService,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize handlers: %w", err)
	}
	a.Handlers = h
	return nil
}

// newGatewayRegistry registers every gateway with credentials. A store with
// none configured can still take cash on delivery orders.
func newGatewayRegistry(cfg *config.Config) (*payments.Registry, error) {
	var gateways []payments.Gateway

	if cfg.StripeEnabled() {
		gateway, err := stripe.New(cfg.StripeSecretKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize stripe: %w", err)
		}
		gateways = append(gateways, gateway)
	}
	if cfg.RazorpayEnabled() {
		gateway, err := razorpay.New(razorpay.Config{
			KeyID:     cfg.RazorpayKeyID,
			KeySecret: cfg.RazorpayKeySecret,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize razorpay: %w", err)
		}
		gateways = append(gateways, gateway)
	}
	if cfg.PayPalEnabled() {
		gateway, err := paypal.New(paypal.Config{
			ClientID:     cfg.PayPalClientID,
			ClientSecret: cfg.PayPalClientSecret,
			Live:         cfg.PayPalMode == "live",
			HTTPClient:   observability.NewHTTPClient(cfg.GatewayTimeout),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize paypal: %w", err)
		}
		gateways = append(gateways, gateway)
	}
	if cfg.SadadEnabled() {
		gateway, err := sadad.New(sadad.Config{
			MerchantID:    cfg.SadadMerchantID,
			SecretKey:     cfg.SadadSecretKey,
			Website:       cfg.SadadWebsite,
			CallbackURL:   cfg.SadadCallback(),
			DefaultMobile: cfg.SadadDefaultMobile,
			Production:    cfg.SadadMode == "production",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sadad: %w", err)
		}
		gateways = append(gateways, gateway)
	}

	return payments.NewRegistry(gateways...)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.warn("failed to close event publisher", err)
		}
	}
	if a.CacheProvider != nil {
		if err := a.CacheProvider.Close(); err != nil {
			a.warn("failed to close cache provider", err)
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.sentry {
		sentry.Flush(2 * time.Second)
	}
	for _, closer := range a.closers {
		_ = closer.Close()
	}
}

func (a *App) warn(msg string, err error) {
	if a.Logger != nil {
		a.Logger.Warn(msg, "error", err)
	}
}
