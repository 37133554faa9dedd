package payments

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/opticshop/opticshop/internal/apperr"
)

const breakerConsecutiveFailures = 5

// Breaker trips after repeated provider failures so a struggling gateway
// fails fast instead of holding checkout requests open.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

func NewBreaker(name string) *Breaker {
	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})}
}

// Call runs fn through the breaker. A nil breaker calls fn directly. Errors
// are classified as gateway communication or timeout failures.
func Call[T any](b *Breaker, op string, fn func() (T, error)) (T, error) {
	var zero T
	if b == nil || b.cb == nil {
		out, err := fn()
		if err != nil {
			return zero, apperr.FromGatewayError(op, err)
		}
		return out, nil
	}

	out, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		return zero, apperr.FromGatewayError(op, err)
	}
	typed, _ := out.(T)
	return typed, nil
}
