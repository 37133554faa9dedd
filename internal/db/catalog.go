package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/models"
)

var ErrNegativeUnitPrice = errors.New("variant adjustment makes the unit price negative")

// CatalogStore resolves cart lines to server-side prices. Inactive rows are
// treated as missing.
type CatalogStore struct {
	db dbtx
}

func NewCatalogStore(pool *pgxpool.Pool) *CatalogStore {
	return &CatalogStore{db: pool}
}

type variantDetails struct {
	SKU   string `json:"sku"`
	Color string `json:"color,omitempty"`
	Size  string `json:"size,omitempty"`
}

func (s *CatalogStore) PriceLine(ctx context.Context, line models.CartLine) (models.PricedLine, error) {
	ctx = scopeQueries(ctx, queryScope{operation: "catalog.price_line"})
	var (
		priced    models.PricedLine
		basePrice decimal.Decimal
	)
	item := &priced.Item
	item.ProductID = line.ProductID
	item.Quantity = line.Quantity
	item.Prescription = line.Prescription
	item.LensPrice = decimal.Zero

	err := s.db.QueryRow(ctx, `
		SELECT name, sku, base_price, currency
		FROM products
		WHERE id = $1 AND is_active`, line.ProductID,
	).Scan(&item.ProductName, &item.ProductSKU, &basePrice, &priced.Currency)
	if err != nil {
		return models.PricedLine{}, notFound(err, "product %s", line.ProductID)
	}
	item.UnitPrice = basePrice

	if line.VariantID != nil {
		var (
			details    variantDetails
			adjustment decimal.Decimal
		)
		err := s.db.QueryRow(ctx, `
			SELECT sku, color, size, price_adjustment
			FROM product_variants
			WHERE id = $1 AND product_id = $2 AND is_active`, *line.VariantID, line.ProductID,
		).Scan(&details.SKU, &details.Color, &details.Size, &adjustment)
		if err != nil {
			return models.PricedLine{}, notFound(err, "variant %s", *line.VariantID)
		}

		item.UnitPrice = basePrice.Add(adjustment)
		if item.UnitPrice.IsNegative() {
			return models.PricedLine{}, fmt.Errorf("%w: variant %s", ErrNegativeUnitPrice, *line.VariantID)
		}
		variantID := *line.VariantID
		item.VariantID = &variantID
		item.VariantDetails, err = json.Marshal(details)
		if err != nil {
			return models.PricedLine{}, fmt.Errorf("failed to encode variant details: %w", err)
		}
	}

	if line.LensOptionID != nil {
		err := s.db.QueryRow(ctx, `
			SELECT name, price
			FROM lens_options
			WHERE id = $1 AND is_active`, *line.LensOptionID,
		).Scan(&item.LensOptionName, &item.LensPrice)
		if err != nil {
			return models.PricedLine{}, notFound(err, "lens option %s", *line.LensOptionID)
		}
	}

	addOns, err := s.addOns(ctx, line.AddOnIDs)
	if err != nil {
		return models.PricedLine{}, err
	}
	item.AddOns = addOns

	return priced, nil
}

// addOns returns the requested add-ons in request order. Repeated IDs count
// once.
func (s *CatalogStore) addOns(ctx context.Context, ids []uuid.UUID) ([]models.OrderItemAddOn, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	unique := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, name, price
		FROM lens_add_ons
		WHERE id = ANY($1) AND is_active`, unique)
	if err != nil {
		return nil, fmt.Errorf("failed to load add-ons: %w", err)
	}
	defer rows.Close()

	found := make(map[uuid.UUID]models.OrderItemAddOn, len(unique))
	for rows.Next() {
		var (
			id    uuid.UUID
			addOn models.OrderItemAddOn
		)
		if err := rows.Scan(&id, &addOn.Name, &addOn.Price); err != nil {
			return nil, fmt.Errorf("failed to scan add-on: %w", err)
		}
		found[id] = addOn
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load add-ons: %w", err)
	}

	addOns := make([]models.OrderItemAddOn, 0, len(unique))
	for _, id := range unique {
		addOn, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("%w: add-on %s", ErrNotFound, id)
		}
		addOns = append(addOns, addOn)
	}
	return addOns, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("failed to load %s: %w", fmt.Sprintf(format, args...), err)
}
