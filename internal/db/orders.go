package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/opticshop/opticshop/internal/models"
	"github.com/opticshop/opticshop/internal/promotions"
)

var (
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	ErrAlreadyPaid             = errors.New("order is already paid")
	ErrCouponRejected          = errors.New("coupon can no longer be applied")
	ErrRefundExceedsPaid       = errors.New("refund exceeds the amount paid")
)

const orderColumns = `
	id, order_number, customer_id, customer_email, customer_phone, customer_name,
	shipping_address, billing_address, currency,
	subtotal, tax_amount, shipping_amount, discount_amount, total_amount,
	coupon_code, payment_method, payment_status, payment_reference,
	payment_transaction_id, status, tracking_number, carrier, notes, created_at, paid_at`

type OrderStore struct {
	pool *pgxpool.Pool
}

func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts the order, its items and the opening status history row in
// one transaction. With a redemption, the coupon row is locked and
// re-evaluated so concurrent checkouts cannot exceed its usage limits.
func (s *OrderStore) Create(ctx context.Context, order *models.Order, redemption *models.CouponRedemption, now time.Time) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	ctx = scopeQueries(ctx, queryScope{operation: "orders.create", orderID: order.ID, orderNumber: order.OrderNumber})

	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if redemption != nil {
			if err := redeemCoupon(ctx, tx, order, redemption, now); err != nil {
				return err
			}
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO orders (
				id, order_number, customer_id, customer_email, customer_phone, customer_name,
				shipping_address, billing_address, currency,
				subtotal, tax_amount, shipping_amount, discount_amount, total_amount,
				coupon_code, payment_method, payment_status, status, notes
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			RETURNING created_at`,
			order.ID,
			order.OrderNumber,
			customerID(order.CustomerID),
			order.CustomerEmail,
			order.CustomerPhone,
			order.CustomerName,
			nullJSON(order.ShippingAddress),
			nullJSON(order.BillingAddress),
			order.Currency,
			order.Subtotal,
			order.TaxAmount,
			order.ShippingAmount,
			order.DiscountAmount,
			order.TotalAmount,
			order.CouponCode,
			order.PaymentMethod,
			string(order.PaymentStatus),
			string(order.Status),
			order.Notes,
		).Scan(&order.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for idx := range order.Items {
			item := &order.Items[idx]
			if err := insertItem(ctx, tx, order.ID, idx+1, item); err != nil {
				return err
			}
		}

		if redemption != nil {
			_, err := tx.Exec(ctx, `
				INSERT INTO coupon_usages (coupon_id, order_id, customer_id, discount_amount)
				VALUES ($1, $2, $3, $4)`,
				redemption.CouponID, order.ID, customerID(order.CustomerID), redemption.DiscountAmount)
			if err != nil {
				return fmt.Errorf("failed to record coupon usage: %w", err)
			}
			if _, err := tx.Exec(ctx, `UPDATE coupons SET times_used = times_used + 1 WHERE id = $1`, redemption.CouponID); err != nil {
				return fmt.Errorf("failed to increment coupon usage: %w", err)
			}
		}

		return insertHistory(ctx, tx, order.ID, "", order.Status, "Order placed")
	})
}

func redeemCoupon(ctx context.Context, tx pgx.Tx, order *models.Order, redemption *models.CouponRedemption, now time.Time) error {
	coupon, err := scanCoupon(tx.QueryRow(ctx, `SELECT `+couponColumns+`
		FROM coupons
		WHERE id = $1
		FOR UPDATE`, redemption.CouponID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %w", ErrCouponRejected, promotions.ErrNotFound)
		}
		return fmt.Errorf("failed to lock coupon: %w", err)
	}

	usage := promotions.Usage{Authenticated: !order.IsGuest()}
	if usage.Authenticated {
		usage.CustomerUses, err = countCustomerUsage(ctx, tx, coupon.ID, order.CustomerID)
		if err != nil {
			return err
		}
	}

	discount, err := promotions.Evaluate(coupon, now, order.Subtotal, usage)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCouponRejected, err)
	}
	if !discount.Amount.Equal(redemption.DiscountAmount) {
		return fmt.Errorf("%w: discount changed from %s to %s", ErrCouponRejected, redemption.DiscountAmount, discount.Amount)
	}
	return nil
}

func insertItem(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, lineNumber int, item *models.OrderItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.OrderID = orderID

	addOns := item.AddOns
	if addOns == nil {
		addOns = []models.OrderItemAddOn{}
	}
	addOnsJSON, err := json.Marshal(addOns)
	if err != nil {
		return fmt.Errorf("failed to encode add-ons: %w", err)
	}

	var variantID uuid.NullUUID
	if item.VariantID != nil {
		variantID = uuid.NullUUID{UUID: *item.VariantID, Valid: true}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO order_items (
			id, order_id, line_number, product_id, variant_id, product_name, product_sku,
			variant_details, quantity, unit_price, lens_option_name, lens_price,
			prescription, add_ons, subtotal
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		item.ID,
		orderID,
		lineNumber,
		item.ProductID,
		variantID,
		item.ProductName,
		item.ProductSKU,
		nullJSON(item.VariantDetails),
		item.Quantity,
		item.UnitPrice,
		item.LensOptionName,
		item.LensPrice,
		nullJSON(item.Prescription),
		addOnsJSON,
		item.Subtotal,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order item %d: %w", lineNumber, err)
	}
	return nil
}

func insertHistory(ctx context.Context, q dbtx, orderID uuid.UUID, from, to models.OrderStatus, notes string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO order_status_history (order_id, from_status, to_status, notes)
		VALUES ($1, $2, $3, $4)`,
		orderID, string(from), string(to), notes)
	if err != nil {
		return fmt.Errorf("failed to record status history: %w", err)
	}
	return nil
}

func (s *OrderStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	ctx = scopeQueries(ctx, queryScope{operation: "orders.get_by_id", orderID: id})
	return s.getOrder(ctx, `WHERE id = $1`, id)
}

func (s *OrderStore) GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	ctx = scopeQueries(ctx, queryScope{operation: "orders.get_by_number", orderNumber: orderNumber})
	return s.getOrder(ctx, `WHERE order_number = $1`, orderNumber)
}

// GetByPaymentReference finds the order a gateway reference was issued for.
func (s *OrderStore) GetByPaymentReference(ctx context.Context, gateway, reference string) (*models.Order, error) {
	ctx = scopeQueries(ctx, queryScope{operation: "orders.get_by_payment_reference", gateway: gateway})
	return s.getOrder(ctx, `WHERE payment_method = $1 AND payment_reference = $2`, gateway, reference)
}

func (s *OrderStore) getOrder(ctx context.Context, where string, args ...any) (*models.Order, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders `+where, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}

	items, err := s.listItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		order         models.Order
		customer      uuid.NullUUID
		paymentStatus string
		status        string
	)
	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&customer,
		&order.CustomerEmail,
		&order.CustomerPhone,
		&order.CustomerName,
		&order.ShippingAddress,
		&order.BillingAddress,
		&order.Currency,
		&order.Subtotal,
		&order.TaxAmount,
		&order.ShippingAmount,
		&order.DiscountAmount,
		&order.TotalAmount,
		&order.CouponCode,
		&order.PaymentMethod,
		&paymentStatus,
		&order.PaymentReference,
		&order.PaymentTransactionID,
		&status,
		&order.TrackingNumber,
		&order.Carrier,
		&order.Notes,
		&order.CreatedAt,
		&order.PaidAt,
	)
	if err != nil {
		return nil, err
	}
	if customer.Valid {
		order.CustomerID = customer.UUID
	}
	order.PaymentStatus = models.PaymentStatus(paymentStatus)
	order.Status = models.OrderStatus(status)
	return &order, nil
}

func (s *OrderStore) listItems(ctx context.Context, orderID uuid.UUID) ([]models.OrderItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, product_id, variant_id, product_name, product_sku,
			variant_details, quantity, unit_price, lens_option_name, lens_price,
			prescription, add_ons, subtotal
		FROM order_items
		WHERE order_id = $1
		ORDER BY line_number`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var (
			item      models.OrderItem
			variantID uuid.NullUUID
			addOns    []byte
		)
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&variantID,
			&item.ProductName,
			&item.ProductSKU,
			&item.VariantDetails,
			&item.Quantity,
			&item.UnitPrice,
			&item.LensOptionName,
			&item.LensPrice,
			&item.Prescription,
			&addOns,
			&item.Subtotal,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		if variantID.Valid {
			id := variantID.UUID
			item.VariantID = &id
		}
		if len(addOns) > 0 {
			if err := json.Unmarshal(addOns, &item.AddOns); err != nil {
				return nil, fmt.Errorf("failed to decode add-ons: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list order items: %w", err)
	}
	return items, nil
}

// SetPaymentReference records which gateway and provider reference the
// current checkout attempt uses. Settled orders are left untouched.
func (s *OrderStore) SetPaymentReference(ctx context.Context, orderID uuid.UUID, gateway, reference string) error {
	ctx = scopeQueries(ctx, queryScope{operation: "orders.set_payment_reference", orderID: orderID, gateway: gateway})
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET payment_method = $2, payment_reference = $3, updated_at = NOW()
		WHERE id = $1
			AND payment_status IN ('pending', 'failed')
			AND status IN ('pending', 'confirmed')`,
		orderID, gateway, reference)
	if err != nil {
		return fmt.Errorf("failed to set payment reference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected a payable order", ErrInvalidStatusTransition)
	}
	return nil
}

// PaymentConfirmation is a verified gateway outcome for one attempt.
type PaymentConfirmation struct {
	TransactionID        string
	Gateway              string
	GatewayTransactionID string
	Amount               decimal.Decimal
	Currency             string
	RawResponse          string
	Notes                string
}

// MarkPaid settles the order and upserts its attempt as verified. An order
// that is already paid returns ErrAlreadyPaid and is not modified.
func (s *OrderStore) MarkPaid(ctx context.Context, orderID uuid.UUID, confirmation PaymentConfirmation) error {
	ctx = scopeQueries(ctx, queryScope{operation: "orders.mark_paid", orderID: orderID, gateway: confirmation.Gateway})
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		status, paymentStatus, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if paymentStatus == models.PaymentCompleted {
			return ErrAlreadyPaid
		}
		if !paymentStatus.Payable() || (status != models.StatusPending && status != models.StatusConfirmed) {
			return fmt.Errorf("%w: expected a payable order, got %s/%s", ErrInvalidStatusTransition, status, paymentStatus)
		}

		_, err = tx.Exec(ctx, `
			UPDATE orders
			SET payment_status = 'completed',
				status = 'confirmed',
				payment_method = $2,
				payment_transaction_id = $3,
				paid_at = NOW(),
				updated_at = NOW()
			WHERE id = $1`,
			orderID, confirmation.Gateway, confirmation.GatewayTransactionID)
		if err != nil {
			return fmt.Errorf("failed to mark order paid: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO payment_transactions (
				transaction_id, order_id, gateway, gateway_transaction_id, transaction_type,
				status, amount, currency, raw_response, completed_at
			) VALUES ($1, $2, $3, $4, 'payment', 'verified', $5, $6, $7, NOW())
			ON CONFLICT (transaction_id) DO UPDATE
			SET status = 'verified',
				gateway_transaction_id = EXCLUDED.gateway_transaction_id,
				raw_response = EXCLUDED.raw_response,
				completed_at = NOW()`,
			confirmation.TransactionID,
			orderID,
			confirmation.Gateway,
			confirmation.GatewayTransactionID,
			confirmation.Amount,
			confirmation.Currency,
			confirmation.RawResponse,
		)
		if err != nil {
			return fmt.Errorf("failed to record payment transaction: %w", err)
		}

		notes := confirmation.Notes
		if notes == "" {
			notes = "Payment confirmed via " + confirmation.Gateway
		}
		return insertHistory(ctx, tx, orderID, status, models.StatusConfirmed, notes)
	})
}

// MarkPaymentFailed flags a declined attempt. A completed payment is never
// downgraded.
func (s *OrderStore) MarkPaymentFailed(ctx context.Context, orderID uuid.UUID, notes string) error {
	ctx = scopeQueries(ctx, queryScope{operation: "orders.mark_payment_failed", orderID: orderID})
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET payment_status = 'failed', updated_at = NOW()
		WHERE id = $1 AND payment_status IN ('pending', 'failed')`, orderID)
	if err != nil {
		return fmt.Errorf("failed to mark payment failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected a payable order", ErrInvalidStatusTransition)
	}
	if notes == "" {
		return nil
	}
	var status string
	if err := s.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status); err != nil {
		return fmt.Errorf("failed to load order status: %w", err)
	}
	return insertHistory(ctx, s.pool, orderID, models.OrderStatus(status), models.OrderStatus(status), notes)
}

// RefundRecord is a successful gateway refund.
type RefundRecord struct {
	TransactionID        string
	Gateway              string
	GatewayTransactionID string
	Amount               decimal.Decimal
	Currency             string
	RawResponse          string
}

// RefundedAmount sums the refunds already recorded for the order.
func (s *OrderStore) RefundedAmount(ctx context.Context, orderID uuid.UUID) (decimal.Decimal, error) {
	ctx = scopeQueries(ctx, queryScope{operation: "orders.refunded_amount", orderID: orderID})
	return refundedAmount(ctx, s.pool, orderID)
}

func refundedAmount(ctx context.Context, q dbtx, orderID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM payment_transactions
		WHERE order_id = $1 AND transaction_type = 'refund' AND status = 'verified'`, orderID,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum refunds: %w", err)
	}
	return total, nil
}

// MarkRefunded records the refund. Once refunds cover the order total the
// order moves to refunded; it reports whether that happened.
func (s *OrderStore) MarkRefunded(ctx context.Context, orderID uuid.UUID, refund RefundRecord) (bool, error) {
	ctx = scopeQueries(ctx, queryScope{operation: "orders.mark_refunded", orderID: orderID, gateway: refund.Gateway})
	var fullyRefunded bool
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		status, paymentStatus, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if paymentStatus != models.PaymentCompleted {
			return fmt.Errorf("%w: expected a completed payment, got %s", ErrInvalidStatusTransition, paymentStatus)
		}

		var total decimal.Decimal
		if err := tx.QueryRow(ctx, `SELECT total_amount FROM orders WHERE id = $1`, orderID).Scan(&total); err != nil {
			return fmt.Errorf("failed to load order total: %w", err)
		}
		refunded, err := refundedAmount(ctx, tx, orderID)
		if err != nil {
			return err
		}
		refunded = refunded.Add(refund.Amount)
		if refunded.GreaterThan(total) {
			return fmt.Errorf("%w: %s of %s", ErrRefundExceedsPaid, refunded, total)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO payment_transactions (
				transaction_id, order_id, gateway, gateway_transaction_id, transaction_type,
				status, amount, currency, raw_response, completed_at
			) VALUES ($1, $2, $3, $4, 'refund', 'verified', $5, $6, $7, NOW())`,
			refund.TransactionID,
			orderID,
			refund.Gateway,
			refund.GatewayTransactionID,
			refund.Amount,
			refund.Currency,
			refund.RawResponse,
		)
		if err != nil {
			return fmt.Errorf("failed to record refund transaction: %w", err)
		}

		fullyRefunded = refunded.Equal(total)
		if !fullyRefunded {
			return insertHistory(ctx, tx, orderID, status, status, "Partial refund of "+refund.Amount.StringFixed(2)+" "+refund.Currency)
		}

		_, err = tx.Exec(ctx, `
			UPDATE orders
			SET payment_status = 'refunded', status = 'refunded', updated_at = NOW()
			WHERE id = $1`, orderID)
		if err != nil {
			return fmt.Errorf("failed to mark order refunded: %w", err)
		}
		return insertHistory(ctx, tx, orderID, status, models.StatusRefunded, "Refunded via "+refund.Gateway)
	})
	return fullyRefunded, err
}

// Cancel moves a pending or confirmed, unpaid order to cancelled and returns
// the status it left. Totals, items and payment fields are not touched.
func (s *OrderStore) Cancel(ctx context.Context, orderID uuid.UUID, notes string) (models.OrderStatus, error) {
	ctx = scopeQueries(ctx, queryScope{operation: "orders.cancel", orderID: orderID})
	var previous models.OrderStatus
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		status, paymentStatus, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !models.CanBeCancelled(status, paymentStatus) {
			return fmt.Errorf("%w: cannot cancel a %s order with %s payment", ErrInvalidStatusTransition, status, paymentStatus)
		}
		previous = status

		_, err = tx.Exec(ctx, `
			UPDATE orders
			SET status = 'cancelled', cancelled_at = NOW(), updated_at = NOW()
			WHERE id = $1`, orderID)
		if err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}
		return insertHistory(ctx, tx, orderID, status, models.StatusCancelled, notes)
	})
	return previous, err
}

// StatusHistory returns the order's status changes, oldest first.
func (s *OrderStore) StatusHistory(ctx context.Context, orderID uuid.UUID) ([]models.StatusHistory, error) {
	ctx = scopeQueries(ctx, queryScope{operation: "orders.status_history", orderID: orderID})
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, from_status, to_status, notes, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status history: %w", err)
	}
	defer rows.Close()

	var history []models.StatusHistory
	for rows.Next() {
		var (
			entry    models.StatusHistory
			from, to string
		)
		if err := rows.Scan(&entry.ID, &entry.OrderID, &from, &to, &entry.Notes, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status history: %w", err)
		}
		entry.FromStatus = models.OrderStatus(from)
		entry.ToStatus = models.OrderStatus(to)
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list status history: %w", err)
	}
	return history, nil
}

func lockOrder(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (models.OrderStatus, models.PaymentStatus, error) {
	var status, paymentStatus string
	err := tx.QueryRow(ctx, `
		SELECT status, payment_status
		FROM orders
		WHERE id = $1
		FOR UPDATE`, orderID,
	).Scan(&status, &paymentStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("failed to lock order: %w", err)
	}
	return models.OrderStatus(status), models.PaymentStatus(paymentStatus), nil
}

func customerID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

// nullJSON keeps absent documents NULL rather than the JSON literal null.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
