package services

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/email"
	"github.com/opticshop/opticshop/internal/models"
)

type OrderEmailSender interface {
	SendOrderConfirmation(ctx context.Context, order *models.Order) error
	SendOrderRefunded(ctx context.Context, order *models.Order, amount decimal.Decimal) error
}

type TemplateOrderEmailSender struct {
	provider email.Provider
	renderer *email.Renderer
	store    StoreInfo
}

func NewTemplateOrderEmailSender(provider email.Provider, renderer *email.Renderer, store StoreInfo) *TemplateOrderEmailSender {
	if provider == nil {
		provider = email.NoopProvider{}
	}
	return &TemplateOrderEmailSender{
		provider: provider,
		renderer: renderer,
		store:    store,
	}
}

func (s *TemplateOrderEmailSender) SendOrderConfirmation(ctx context.Context, order *models.Order) error {
	if s.renderer == nil {
		return fmt.Errorf("email renderer is not configured")
	}
	return s.renderer.Send(ctx, s.provider, email.TemplateOrderConfirmation, BuildOrderInfo(s.store, order, OrderInfoOverrides{}))
}

func (s *TemplateOrderEmailSender) SendOrderRefunded(ctx context.Context, order *models.Order, amount decimal.Decimal) error {
	if s.renderer == nil {
		return fmt.Errorf("email renderer is not configured")
	}
	info := BuildOrderInfo(s.store, order, OrderInfoOverrides{RefundAmount: &amount})
	return s.renderer.Send(ctx, s.provider, email.TemplateOrderRefunded, info)
}

type noopOrderEmailSender struct{}

func (noopOrderEmailSender) SendOrderConfirmation(context.Context, *models.Order) error {
	return nil
}

func (noopOrderEmailSender) SendOrderRefunded(context.Context, *models.Order, decimal.Decimal) error {
	return nil
}
