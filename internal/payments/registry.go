package payments

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/opticshop/opticshop/internal/apperr"
)

var (
	ErrUnsupportedGateway   = errors.New("unsupported payment gateway")
	ErrGatewayNotConfigured = errors.New("payment gateway is not configured")
)

var supportedGateways = map[string]struct{}{
	GatewayStripe:   {},
	GatewayRazorpay: {},
	GatewayPayPal:   {},
	GatewaySadad:    {},
}

// Registry owns the constructed adapters. It is built once at startup and
// read-only afterwards.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) (*Registry, error) {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, gateway := range gateways {
		if gateway == nil {
			continue
		}
		name := normalizeName(gateway.Name())
		if _, ok := supportedGateways[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedGateway, gateway.Name())
		}
		if _, exists := r.gateways[name]; exists {
			return nil, fmt.Errorf("payment gateway %s registered twice", name)
		}
		r.gateways[name] = gateway
	}
	return r, nil
}

// Get resolves a gateway by case-insensitive name. There is no fallback.
func (r *Registry) Get(name string) (Gateway, error) {
	key := normalizeName(name)
	if _, ok := supportedGateways[key]; !ok {
		return nil, apperr.Wrap(apperr.KindConfiguration, "payments.registry", fmt.Errorf("%w: %s", ErrUnsupportedGateway, name))
	}
	gateway, ok := r.gateways[key]
	if !ok {
		return nil, apperr.Wrap(apperr.KindConfiguration, "payments.registry", fmt.Errorf("%w: %s", ErrGatewayNotConfigured, key))
	}
	return gateway, nil
}

func (r *Registry) Enabled() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
