package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionPayment TransactionType = "payment"
	TransactionRefund  TransactionType = "refund"
)

// AttemptStatus tracks one checkout attempt against a gateway.
type AttemptStatus string

const (
	AttemptBuilding           AttemptStatus = "building"
	AttemptSigned             AttemptStatus = "signed"
	AttemptSubmitted          AttemptStatus = "submitted"
	AttemptCallbackReceived   AttemptStatus = "callback_received"
	AttemptVerified           AttemptStatus = "verified"
	AttemptVerificationFailed AttemptStatus = "verification_failed"
	AttemptTimedOut           AttemptStatus = "timed_out"
	AttemptFailed             AttemptStatus = "failed"
)

var attemptTransitions = map[AttemptStatus][]AttemptStatus{
	AttemptBuilding:         {AttemptSigned, AttemptTimedOut, AttemptFailed},
	AttemptSigned:           {AttemptSubmitted, AttemptFailed},
	AttemptSubmitted:        {AttemptCallbackReceived, AttemptVerified, AttemptVerificationFailed, AttemptTimedOut, AttemptFailed},
	AttemptCallbackReceived: {AttemptVerified, AttemptVerificationFailed},
}

func (s AttemptStatus) IsTerminal() bool {
	_, ok := attemptTransitions[s]
	return !ok
}

func (s AttemptStatus) CanTransitionTo(next AttemptStatus) bool {
	for _, allowed := range attemptTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type PaymentTransaction struct {
	ID                   uuid.UUID       `json:"id"`
	TransactionID        string          `json:"transaction_id"`
	OrderID              uuid.UUID       `json:"order_id"`
	Gateway              string          `json:"gateway"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	Type                 TransactionType `json:"type"`
	Status               AttemptStatus   `json:"status"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	RawResponse          string          `json:"-"`
	CreatedAt            time.Time       `json:"created_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}
