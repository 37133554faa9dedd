package payments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opticshop/opticshop/internal/apperr"
)

type stubGateway struct {
	name string
}

func (s stubGateway) Name() string { return s.name }

func (s stubGateway) Initiate(context.Context, PaymentRequest) (*Initiation, error) {
	return &Initiation{Gateway: s.name, Success: true}, nil
}

func (s stubGateway) Verify(context.Context, VerifyRequest) (*Result, error) {
	return &Result{Gateway: s.name, Success: true}, nil
}

func (s stubGateway) Refund(context.Context, RefundRequest) (*RefundResult, error) {
	return &RefundResult{Gateway: s.name, Success: true}, nil
}

func TestRegistryGet(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(stubGateway{name: GatewayStripe}, stubGateway{name: GatewaySadad}, nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    string
		wantName string
		wantErr  error
	}{
		{name: "exact", input: "stripe", wantName: GatewayStripe},
		{name: "case insensitive", input: "  SADAD ", wantName: GatewaySadad},
		{name: "supported but not configured", input: "paypal", wantErr: ErrGatewayNotConfigured},
		{name: "unsupported", input: "bitcoin", wantErr: ErrUnsupportedGateway},
		{name: "empty", input: "", wantErr: ErrUnsupportedGateway},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gateway, err := registry.Get(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, apperr.KindConfiguration, apperr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, gateway.Name())
		})
	}
}

func TestNewRegistryRejectsUnknownAndDuplicates(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(stubGateway{name: "cash"})
	assert.ErrorIs(t, err, ErrUnsupportedGateway)

	_, err = NewRegistry(stubGateway{name: "stripe"}, stubGateway{name: "Stripe"})
	assert.Error(t, err)
}

func TestRegistryEnabledIsSorted(t *testing.T) {
	t.Parallel()

	registry, err := NewRegistry(stubGateway{name: GatewaySadad}, stubGateway{name: GatewayPayPal}, stubGateway{name: GatewayRazorpay})
	require.NoError(t, err)
	assert.Equal(t, []string{"paypal", "razorpay", "sadad"}, registry.Enabled())
}
