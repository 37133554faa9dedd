package handlers

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// requestScope is what the logging and metrics middleware know about a
// request before it reaches a handler: who is asking, which order and which
// gateway the route is about.
type requestScope struct {
	requestID   string
	method      string
	path        string
	route       string
	clientIP    string
	userAgent   string
	orderNumber string
	gateway     string
	customerID  uuid.UUID
}

type requestScopeKey struct{}

func newRequestScope(r *http.Request) requestScope {
	vars := mux.Vars(r)
	scope := requestScope{
		requestID:   requestIDFromRequest(r),
		method:      r.Method,
		path:        r.URL.Path,
		route:       routeLabel(r),
		clientIP:    clientIP(r),
		userAgent:   strings.TrimSpace(r.UserAgent()),
		orderNumber: vars["number"],
		gateway:     strings.ToLower(vars["gateway"]),
	}
	if scope.gateway == "" {
		scope.gateway = gatewayFromPath(r.URL.Path)
	}
	if buyer, err := customerFromRequest(r); err == nil {
		scope.customerID = buyer.ID
	}
	return scope
}

func withRequestScope(ctx context.Context, scope requestScope) context.Context {
	return context.WithValue(ctx, requestScopeKey{}, scope)
}

// scopeFromRequest returns the scope RequestLogger stored, building one when
// the middleware did not run.
func scopeFromRequest(r *http.Request) requestScope {
	if scope, ok := r.Context().Value(requestScopeKey{}).(requestScope); ok {
		return scope
	}
	return newRequestScope(r)
}

func (s requestScope) metricRoute() string {
	if s.route == "" {
		return "unknown"
	}
	return s.route
}

func (s requestScope) logAttrs() []any {
	attrs := []any{
		"request_id", s.requestID,
		"method", s.method,
		"path", s.path,
		"remote_ip", s.clientIP,
	}
	if s.route != "" {
		attrs = append(attrs, "route", s.route)
	}
	if s.orderNumber != "" {
		attrs = append(attrs, "order_number", s.orderNumber)
	}
	if s.gateway != "" {
		attrs = append(attrs, "gateway", s.gateway)
	}
	if s.customerID != uuid.Nil {
		attrs = append(attrs, "customer_id", s.customerID.String())
	}
	if s.userAgent != "" {
		attrs = append(attrs, "user_agent", s.userAgent)
	}
	return attrs
}

func (s requestScope) meterAttrs() []attribute.Builder {
	attrs := []attribute.Builder{
		attribute.String("http.request_id", s.requestID),
		attribute.String("http.method", s.method),
		attribute.String("http.route", s.metricRoute()),
		attribute.String("network.client.ip", s.clientIP),
	}
	if s.orderNumber != "" {
		attrs = append(attrs, attribute.String("order.number", s.orderNumber))
	}
	if s.gateway != "" {
		attrs = append(attrs, attribute.String("gateway", s.gateway))
	}
	if s.customerID != uuid.Nil {
		attrs = append(attrs, attribute.String("customer.id", s.customerID.String()))
	}
	return attrs
}

// gatewayFromPath names the gateway for fixed callback and webhook paths
// such as /payments/sadad/callback and /webhooks/stripe.
func gatewayFromPath(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for idx, segment := range segments {
		if (segment == "payments" || segment == "webhooks") && idx+1 < len(segments) {
			return strings.ToLower(segments[idx+1])
		}
	}
	return ""
}

func requestIDFromRequest(r *http.Request) string {
	if requestID := strings.TrimSpace(r.Header.Get("X-Request-ID")); requestID != "" {
		return requestID
	}
	return uuid.NewString()
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func routeLabel(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	if name := route.GetName(); name != "" {
		return name
	}
	if template, err := route.GetPathTemplate(); err == nil {
		return template
	}
	return ""
}
