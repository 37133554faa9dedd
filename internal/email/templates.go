package email

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

const (
	TemplateOrderConfirmation = "order_confirmation"
	TemplateOrderRefunded     = "order_refunded"
)

// OrderInfo contains all the information needed for order email templates
type OrderInfo struct {
	OrderNumber      string
	CustomerName     string
	CustomerEmail    string
	StoreName        string
	StoreURL         string
	OrderDate        string
	Items            []OrderItem
	Subtotal         string
	Discount         string
	CouponCode       string
	Shipping         string
	Tax              string
	Total            string
	PaymentMethod    string
	PaymentReference string
	PaidOnDelivery   bool
	RefundAmount     string
}

// OrderItem represents a single line in an order
type OrderItem struct {
	Name       string
	Options    string
	Quantity   int
	TotalPrice string
}

var subjects = map[string]string{
	TemplateOrderConfirmation: "Order Confirmed - %s - %s",
	TemplateOrderRefunded:     "Refund Issued - %s - %s",
}

// Renderer renders the built-in templates. HTML bodies are escaped by
// html/template; text bodies are not.
type Renderer struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

func NewRenderer() (*Renderer, error) {
	html := htmltemplate.New("email")
	text := texttemplate.New("email")

	bodies := map[string][2]string{
		TemplateOrderConfirmation: {orderConfirmationHTML, orderConfirmationText},
		TemplateOrderRefunded:     {orderRefundedHTML, orderRefundedText},
	}
	for key, body := range bodies {
		if _, err := html.New(key).Parse(body[0]); err != nil {
			return nil, fmt.Errorf("failed to parse HTML template %s: %w", key, err)
		}
		if _, err := text.New(key).Parse(body[1]); err != nil {
			return nil, fmt.Errorf("failed to parse text template %s: %w", key, err)
		}
	}

	return &Renderer{html: html, text: text}, nil
}

// Render renders an email template with the given data
func (r *Renderer) Render(_ context.Context, templateName string, data *OrderInfo) (*Email, error) {
	if data == nil {
		return nil, fmt.Errorf("order info is required")
	}
	subject, ok := subjects[templateName]
	if !ok {
		return nil, fmt.Errorf("unknown email template %q", templateName)
	}

	var htmlBuf, textBuf bytes.Buffer
	if err := r.html.ExecuteTemplate(&htmlBuf, templateName, data); err != nil {
		return nil, fmt.Errorf("failed to render HTML template: %w", err)
	}
	if err := r.text.ExecuteTemplate(&textBuf, templateName, data); err != nil {
		return nil, fmt.Errorf("failed to render text template: %w", err)
	}

	return &Email{
		To:      data.CustomerEmail,
		Subject: fmt.Sprintf(subject, data.OrderNumber, data.StoreName),
		Text:    textBuf.String(),
		HTML:    htmlBuf.String(),
		Tag:     templateName,
	}, nil
}

// Send renders templateName and hands it to the provider. A nil provider or
// an order without an email address is a no-op.
func (r *Renderer) Send(ctx context.Context, p Provider, templateName string, data *OrderInfo) error {
	if p == nil || data == nil || data.CustomerEmail == "" {
		return nil
	}

	email, err := r.Render(ctx, templateName, data)
	if err != nil {
		return fmt.Errorf("failed to render template: %w", err)
	}
	return p.SendEmail(ctx, email)
}

const orderConfirmationText = `Thank you for your order, {{.CustomerName}}!

Order Number: {{.OrderNumber}}
Order Date: {{.OrderDate}}

Items:
{{range .Items}}
- {{.Name}}{{if .Options}} ({{.Options}}){{end}} x{{.Quantity}} - {{.TotalPrice}}
{{end}}

Subtotal: {{.Subtotal}}
{{if .CouponCode}}Discount ({{.CouponCode}}): -{{.Discount}}
{{end}}Shipping: {{.Shipping}}
Tax: {{.Tax}}
Total: {{.Total}}

{{if .PaidOnDelivery}}Please have {{.Total}} ready when your order is delivered.{{else}}Payment received via {{.PaymentMethod}}{{if .PaymentReference}} (reference {{.PaymentReference}}){{end}}.{{end}}

We'll let you know when your glasses are ready.

{{.StoreName}}
{{.StoreURL}}
`

const orderConfirmationHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>Order Confirmation</title>
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
    .header { background: #0f766e; color: white; padding: 20px; text-align: center; border-radius: 8px 8px 0 0; }
    .content { background: #f9fafb; padding: 20px; border: 1px solid #e5e7eb; }
    .order-info { background: white; padding: 15px; border-radius: 6px; margin: 15px 0; }
    .items-table { width: 100%; border-collapse: collapse; margin: 15px 0; }
    .items-table th { text-align: left; padding: 10px; background: #f3f4f6; border-bottom: 2px solid #e5e7eb; }
    .items-table td { padding: 10px; border-bottom: 1px solid #e5e7eb; }
    .total { font-size: 18px; font-weight: bold; text-align: right; padding: 15px 0; }
    .footer { text-align: center; padding: 20px; color: #6b7280; font-size: 14px; }
  </style>
</head>
<body>
  <div class="header">
    <h1>Order Confirmed!</h1>
    <p>Thank you for your order, {{.CustomerName}}</p>
  </div>
  <div class="content">
    <div class="order-info">
      <strong>Order Number:</strong> {{.OrderNumber}}<br>
      <strong>Order Date:</strong> {{.OrderDate}}
    </div>

    <h3>Order Summary</h3>
    <table class="items-table">
      <thead>
        <tr>
          <th>Item</th>
          <th>Qty</th>
          <th>Price</th>
        </tr>
      </thead>
      <tbody>
        {{range .Items}}
        <tr>
          <td>{{.Name}}{{if .Options}} <br><small>{{.Options}}</small>{{end}}</td>
          <td>{{.Quantity}}</td>
          <td>{{.TotalPrice}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>

    <div class="total">
      <p>Subtotal: {{.Subtotal}}</p>
      {{if .CouponCode}}<p>Discount ({{.CouponCode}}): -{{.Discount}}</p>{{end}}
      <p>Shipping: {{.Shipping}}</p>
      <p>Tax: {{.Tax}}</p>
      <p>Total: {{.Total}}</p>
    </div>

    {{if .PaidOnDelivery}}
    <p>Please have <strong>{{.Total}}</strong> ready when your order is delivered.</p>
    {{else}}
    <p>Payment received via {{.PaymentMethod}}{{if .PaymentReference}} (reference {{.PaymentReference}}){{end}}.</p>
    {{end}}
    <p>We'll let you know when your glasses are ready.</p>
  </div>
  <div class="footer">
    <p><a href="{{.StoreURL}}">{{.StoreName}}</a></p>
  </div>
</body>
</html>
`

const orderRefundedText = `Hi {{.CustomerName}},

We've issued a refund of {{.RefundAmount}} for order {{.OrderNumber}} to your original payment method ({{.PaymentMethod}}).

Depending on your bank it can take 5-10 business days to appear on your statement.

{{.StoreName}}
{{.StoreURL}}
`

const orderRefundedHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>Refund Issued</title>
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
    .header { background: #7c3aed; color: white; padding: 20px; text-align: center; border-radius: 8px 8px 0 0; }
    .content { background: #f9fafb; padding: 20px; border: 1px solid #e5e7eb; }
    .amount { font-size: 24px; font-weight: bold; color: #7c3aed; }
    .footer { text-align: center; padding: 20px; color: #6b7280; font-size: 14px; }
  </style>
</head>
<body>
  <div class="header">
    <h1>Refund Issued</h1>
    <p>Hi {{.CustomerName}}, your refund is on its way.</p>
  </div>
  <div class="content">
    <p><strong>Order Number:</strong> {{.OrderNumber}}</p>
    <p class="amount">{{.RefundAmount}}</p>
    <p>Refunded to your original payment method ({{.PaymentMethod}}). Depending on your bank it can take 5-10 business days to appear on your statement.</p>
  </div>
  <div class="footer">
    <p><a href="{{.StoreURL}}">{{.StoreName}}</a></p>
  </div>
</body>
</html>
`
