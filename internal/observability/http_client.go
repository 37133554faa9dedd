package observability

import (
	"net/http"
	"time"

	sentryhttpclient "github.com/getsentry/sentry-go/httpclient"
)

// Outbound gateway hosts that receive Sentry trace headers. Sadad is a
// browser redirect and is never called from here.
var gatewayTraceTargets = []string{
	"api.stripe.com",
	"api.razorpay.com",
	"api-m.paypal.com",
	"api-m.sandbox.paypal.com",
}

func WrapRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return sentryhttpclient.NewSentryRoundTripper(
		base,
		sentryhttpclient.WithTracePropagationTargets(gatewayTraceTargets),
	)
}

// NewHTTPClient returns a traced client for gateway SDKs that accept one.
func NewHTTPClient(timeout time.Duration) *http.Client {
	client := &http.Client{Transport: WrapRoundTripper(nil)}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return client
}
