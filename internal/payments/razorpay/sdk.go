package razorpay

import (
	sdk "github.com/razorpay/razorpay-go"
)

type sdkClient struct {
	client *sdk.Client
}

func newSDKClient(keyID, keySecret string) *sdkClient {
	return &sdkClient{client: sdk.NewClient(keyID, keySecret)}
}

func (c *sdkClient) CreateOrder(data map[string]interface{}) (map[string]interface{}, error) {
	return c.client.Order.Create(data, nil)
}

func (c *sdkClient) FetchPayment(paymentID string) (map[string]interface{}, error) {
	return c.client.Payment.Fetch(paymentID, nil, nil)
}

func (c *sdkClient) RefundPayment(paymentID string, amount int, data map[string]interface{}) (map[string]interface{}, error) {
	return c.client.Payment.Refund(paymentID, amount, data, nil)
}
