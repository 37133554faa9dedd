package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/promotions"
)

const couponColumns = `
	id, code, name, discount_type, discount_value,
	minimum_order_amount, maximum_discount_amount,
	usage_limit, usage_limit_per_customer, times_used,
	valid_from, valid_until, is_active`

// CouponStore implements promotions.Store.
type CouponStore struct {
	db dbtx
}

func NewCouponStore(pool *pgxpool.Pool) *CouponStore {
	return &CouponStore{db: pool}
}

func (s *CouponStore) GetActiveByCode(ctx context.Context, code string) (*promotions.Coupon, error) {
	ctx = scopeQueries(ctx, queryScope{operation: "coupons.get_active"})
	row := s.db.QueryRow(ctx, `SELECT `+couponColumns+`
		FROM coupons
		WHERE code = $1 AND is_active`, promotions.NormalizeCode(code))

	coupon, err := scanCoupon(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promotions.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load coupon: %w", err)
	}
	return coupon, nil
}

func (s *CouponStore) CountCustomerUsage(ctx context.Context, couponID, customerID uuid.UUID) (int, error) {
	ctx = scopeQueries(ctx, queryScope{operation: "coupons.count_customer_usage"})
	return countCustomerUsage(ctx, s.db, couponID, customerID)
}

func countCustomerUsage(ctx context.Context, q dbtx, couponID, customerID uuid.UUID) (int, error) {
	var count int
	err := q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM coupon_usages
		WHERE coupon_id = $1 AND customer_id = $2`, couponID, customerID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count coupon usage: %w", err)
	}
	return count, nil
}

func scanCoupon(row pgx.Row) (*promotions.Coupon, error) {
	var (
		coupon                promotions.Coupon
		discountType          string
		minimumOrderAmount    decimal.NullDecimal
		maximumDiscountAmount decimal.NullDecimal
		usageLimit            pgtype.Int4
		usageLimitPerCustomer pgtype.Int4
	)
	err := row.Scan(
		&coupon.ID,
		&coupon.Code,
		&coupon.Name,
		&discountType,
		&coupon.DiscountValue,
		&minimumOrderAmount,
		&maximumDiscountAmount,
		&usageLimit,
		&usageLimitPerCustomer,
		&coupon.TimesUsed,
		&coupon.ValidFrom,
		&coupon.ValidUntil,
		&coupon.IsActive,
	)
	if err != nil {
		return nil, err
	}

	coupon.DiscountType = promotions.DiscountType(discountType)
	coupon.MinimumOrderAmount = nullDecimal(minimumOrderAmount)
	coupon.MaximumDiscountAmount = nullDecimal(maximumDiscountAmount)
	coupon.UsageLimit = nullInt(usageLimit)
	coupon.UsageLimitPerCustomer = nullInt(usageLimitPerCustomer)
	return &coupon, nil
}

func nullDecimal(value decimal.NullDecimal) *decimal.Decimal {
	if !value.Valid {
		return nil
	}
	amount := value.Decimal
	return &amount
}

func nullInt(value pgtype.Int4) *int {
	if !value.Valid {
		return nil
	}
	n := int(value.Int32)
	return &n
}
