package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// CartLine is a customer-submitted line. Prices are always read from the
// catalog, never from the request.
type CartLine struct {
	ProductID    uuid.UUID       `json:"product_id" validate:"required"`
	VariantID    *uuid.UUID      `json:"variant_id,omitempty"`
	LensOptionID *uuid.UUID      `json:"lens_option_id,omitempty"`
	AddOnIDs     []uuid.UUID     `json:"add_on_ids,omitempty"`
	Quantity     int             `json:"quantity" validate:"min=1,max=100"`
	Prescription json.RawMessage `json:"prescription,omitempty"`
}

// PricedLine is a cart line resolved against the catalog. Item.Subtotal is
// left for the composer.
type PricedLine struct {
	Item     OrderItem
	Currency string
}
