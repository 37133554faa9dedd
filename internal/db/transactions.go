package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opticshop/opticshop/internal/models"
)

const transactionColumns = `
	id, transaction_id, order_id, gateway, gateway_transaction_id, transaction_type,
	status, amount, currency, raw_response, created_at, completed_at`

// RecordTransaction inserts a new payment attempt.
func (s *OrderStore) RecordTransaction(ctx context.Context, txn *models.PaymentTransaction) error {
	ctx = scopeQueries(ctx, queryScope{operation: "transactions.record", orderID: txn.OrderID, gateway: txn.Gateway})
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO payment_transactions (
			id, transaction_id, order_id, gateway, gateway_transaction_id, transaction_type,
			status, amount, currency, raw_response
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		txn.ID,
		txn.TransactionID,
		txn.OrderID,
		txn.Gateway,
		txn.GatewayTransactionID,
		string(txn.Type),
		string(txn.Status),
		txn.Amount,
		txn.Currency,
		txn.RawResponse,
	).Scan(&txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record payment transaction: %w", err)
	}
	return nil
}

// TransactionUpdate carries the optional fields written alongside a status
// change. Empty values keep what is stored.
type TransactionUpdate struct {
	GatewayTransactionID string
	RawResponse          string
}

// UpdateTransactionStatus moves an attempt from one status to the next. The
// row must still be in from, so racing callbacks cannot both apply.
func (s *OrderStore) UpdateTransactionStatus(ctx context.Context, transactionID string, from, to models.AttemptStatus, update TransactionUpdate) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: attempt %s -> %s", ErrInvalidStatusTransition, from, to)
	}
	ctx = scopeQueries(ctx, queryScope{operation: "transactions.update_status"})

	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_transactions
		SET status = $3,
			gateway_transaction_id = COALESCE(NULLIF($4::text, ''), gateway_transaction_id),
			raw_response = COALESCE(NULLIF($5::text, ''), raw_response),
			completed_at = CASE WHEN $6::boolean THEN NOW() ELSE completed_at END
		WHERE transaction_id = $1 AND status = $2`,
		transactionID,
		string(from),
		string(to),
		update.GatewayTransactionID,
		update.RawResponse,
		to.IsTerminal(),
	)
	if err != nil {
		return fmt.Errorf("failed to update payment transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: expected attempt %s in status %s", ErrInvalidStatusTransition, transactionID, from)
	}
	return nil
}

// LatestAttempt returns the newest payment attempt for the order against
// gateway.
func (s *OrderStore) LatestAttempt(ctx context.Context, orderID uuid.UUID, gateway string) (*models.PaymentTransaction, error) {
	ctx = scopeQueries(ctx, queryScope{operation: "transactions.latest_attempt", orderID: orderID, gateway: gateway})
	txn, err := scanTransaction(s.pool.QueryRow(ctx, `SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE order_id = $1 AND gateway = $2 AND transaction_type = 'payment'
		ORDER BY created_at DESC
		LIMIT 1`, orderID, gateway))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load payment attempt: %w", err)
	}
	return txn, nil
}

// ListTransactions returns every payment and refund row for the order,
// oldest first. Raw responses are returned sealed.
func (s *OrderStore) ListTransactions(ctx context.Context, orderID uuid.UUID) ([]models.PaymentTransaction, error) {
	ctx = scopeQueries(ctx, queryScope{operation: "transactions.list", orderID: orderID})
	rows, err := s.pool.Query(ctx, `SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE order_id = $1
		ORDER BY created_at, transaction_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment transactions: %w", err)
	}
	defer rows.Close()

	var transactions []models.PaymentTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment transaction: %w", err)
		}
		transactions = append(transactions, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list payment transactions: %w", err)
	}
	return transactions, nil
}

func scanTransaction(row pgx.Row) (*models.PaymentTransaction, error) {
	var (
		txn     models.PaymentTransaction
		txnType string
		status  string
	)
	err := row.Scan(
		&txn.ID,
		&txn.TransactionID,
		&txn.OrderID,
		&txn.Gateway,
		&txn.GatewayTransactionID,
		&txnType,
		&status,
		&txn.Amount,
		&txn.Currency,
		&txn.RawResponse,
		&txn.CreatedAt,
		&txn.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	txn.Type = models.TransactionType(txnType)
	txn.Status = models.AttemptStatus(status)
	return &txn, nil
}
