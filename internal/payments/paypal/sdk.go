package paypal

import (
	"context"
	"net/http"
	"sync"

	sdk "github.com/plutov/paypal/v4"
)

type order struct {
	ID          string
	Status      string
	ApproveLink string
}

type capture struct {
	OrderID   string
	Status    string
	CaptureID string
	Amount    string
	Currency  string
}

type refund struct {
	ID     string
	Status string
}

// api is the subset of the PayPal Orders v2 API the adapter uses.
type api interface {
	CreateOrder(ctx context.Context, referenceID, currency, value, returnURL, cancelURL string) (*order, error)
	CaptureOrder(ctx context.Context, orderID string) (*capture, error)
	RefundCapture(ctx context.Context, captureID, currency, value string) (*refund, error)
}

type sdkClient struct {
	mu     sync.Mutex
	client *sdk.Client
}

func newSDKClient(clientID, secret string, live bool, httpClient *http.Client) (*sdkClient, error) {
	base := sdk.APIBaseSandBox
	if live {
		base = sdk.APIBaseLive
	}
	client, err := sdk.NewClient(clientID, secret, base)
	if err != nil {
		return nil, err
	}
	if httpClient != nil {
		client.Client = httpClient
	}
	return &sdkClient{client: client}, nil
}

// authorize fetches an access token on first use; the SDK refreshes it
// afterwards.
func (c *sdkClient) authorize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client.Token != nil {
		return nil
	}
	_, err := c.client.GetAccessToken(ctx)
	return err
}

func (c *sdkClient) CreateOrder(ctx context.Context, referenceID, currency, value, returnURL, cancelURL string) (*order, error) {
	if err := c.authorize(ctx); err != nil {
		return nil, err
	}

	units := []sdk.PurchaseUnitRequest{{
		ReferenceID: referenceID,
		Amount: &sdk.PurchaseUnitAmount{
			Currency: currency,
			Value:    value,
		},
	}}
	appContext := &sdk.ApplicationContext{
		ReturnURL: returnURL,
		CancelURL: cancelURL,
	}

	created, err := c.client.CreateOrder(ctx, sdk.OrderIntentCapture, units, nil, appContext)
	if err != nil {
		return nil, err
	}

	out := &order{ID: created.ID, Status: string(created.Status)}
	for _, link := range created.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			out.ApproveLink = link.Href
			break
		}
	}
	return out, nil
}

func (c *sdkClient) CaptureOrder(ctx context.Context, orderID string) (*capture, error) {
	if err := c.authorize(ctx); err != nil {
		return nil, err
	}

	resp, err := c.client.CaptureOrder(ctx, orderID, sdk.CaptureOrderRequest{})
	if err != nil {
		return nil, err
	}

	out := &capture{OrderID: resp.ID, Status: string(resp.Status)}
	for _, unit := range resp.PurchaseUnits {
		if unit.Payments == nil || len(unit.Payments.Captures) == 0 {
			continue
		}
		first := unit.Payments.Captures[0]
		out.CaptureID = first.ID
		if first.Amount != nil {
			out.Amount = first.Amount.Value
			out.Currency = first.Amount.Currency
		}
		break
	}
	return out, nil
}

func (c *sdkClient) RefundCapture(ctx context.Context, captureID, currency, value string) (*refund, error) {
	if err := c.authorize(ctx); err != nil {
		return nil, err
	}

	req := sdk.RefundCaptureRequest{}
	if value != "" {
		req.Amount = &sdk.Money{Currency: currency, Value: value}
	}

	resp, err := c.client.RefundCapture(ctx, captureID, req)
	if err != nil {
		return nil, err
	}
	return &refund{ID: resp.ID, Status: string(resp.Status)}, nil
}
