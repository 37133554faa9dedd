package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/opticshop/opticshop/internal/config"
	"github.com/opticshop/opticshop/internal/handlers"
)

type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	handlers   *handlers.Handlers
	httpServer *http.Server
}

func New(cfg *config.Config, logger *slog.Logger, h *handlers.Handlers) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if h == nil {
		return nil, fmt.Errorf("handlers are required")
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		handlers: h,
	}

	router := s.buildRouter()
	// Gateway calls are bounded by GATEWAY_TIMEOUT; leave room to write the response.
	writeTimeout := cfg.GatewayTimeout + 15*time.Second
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s, nil
}

func (s *Server) Run() error {
	s.logger.Info("server starting", "port", s.cfg.Port)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}

	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) buildRouter() *mux.Router {
	h := s.handlers

	r := mux.NewRouter()
	r.Use(h.RequestLogger)
	r.Use(h.MetricsContext)
	r.Use(h.SecurityHeaders)
	r.HandleFunc("/health", h.Health).Methods("GET").Name("health")

	// Provider to server notifications carry their own signatures.
	r.HandleFunc("/webhooks/stripe", h.StripeWebhook).Methods("POST").Name("webhooks.stripe")
	r.HandleFunc("/webhooks/sadad", h.SadadWebhook).Methods("POST").Name("webhooks.sadad")

	// Browser returns from hosted payment pages arrive cross-origin.
	r.HandleFunc("/payments/paypal/return", h.PayPalReturn).Methods("GET").Name("payments.paypal.return")
	r.HandleFunc("/payments/paypal/cancel", h.PayPalCancel).Methods("GET").Name("payments.paypal.cancel")
	r.HandleFunc("/payments/sadad/callback", h.SadadCallback).Methods("POST").Name("payments.sadad.callback")

	// Merchant operations - must be before the storefront API router
	r.Handle("/api/orders/{number}/refunds", h.RequireAdminToken(http.HandlerFunc(h.RefundOrder))).Methods("POST").Name("api.orders.refund")
	r.Handle("/api/orders/{number}/transactions", h.RequireAdminToken(http.HandlerFunc(h.ListOrderTransactions))).Methods("GET").Name("api.orders.transactions")

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(h.RequireSameOrigin)
	apiRouter.HandleFunc("/cart/quote", h.QuoteCart).Methods("POST").Name("api.cart.quote")
	apiRouter.HandleFunc("/coupons/validate", h.ValidateCoupon).Methods("POST").Name("api.coupons.validate")
	apiRouter.HandleFunc("/orders", h.PlaceOrder).Methods("POST").Name("api.orders.create")
	apiRouter.HandleFunc("/orders/{number}", h.GetOrderStatus).Methods("GET").Name("api.orders.status")
	apiRouter.HandleFunc("/orders/{number}/cancel", h.CancelOrder).Methods("POST").Name("api.orders.cancel")
	apiRouter.HandleFunc("/orders/{number}/payments/{gateway}", h.InitiatePayment).Methods("POST").Name("api.orders.payments.initiate")
	apiRouter.HandleFunc("/payments/stripe/confirm", h.ConfirmStripePayment).Methods("POST").Name("api.payments.stripe.confirm")
	apiRouter.HandleFunc("/payments/razorpay/verify", h.VerifyRazorpayPayment).Methods("POST").Name("api.payments.razorpay.verify")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Not Found"}` + "\n"))
	})

	return r
}
