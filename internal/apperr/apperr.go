// Package apperr classifies failures across the pricing and payment paths.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnknown              Kind = ""
	KindConfiguration        Kind = "configuration"
	KindValidation           Kind = "validation"
	KindGatewayCommunication Kind = "gateway_communication"
	KindVerification         Kind = "verification_failure"
	KindPersistence          Kind = "persistence"
	KindTimeout              Kind = "timeout"
)

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Configuration(op, format string, args ...any) *Error {
	return New(KindConfiguration, op, fmt.Sprintf(format, args...))
}

func Validation(op string, err error) *Error {
	return Wrap(KindValidation, op, err)
}

func Persistence(op string, err error) *Error {
	return Wrap(KindPersistence, op, err)
}

// KindOf reports the Kind of the outermost classified error in the chain.
// Deadline and cancellation errors are reported as KindTimeout when nothing
// else classified them.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// FromGatewayError classifies an outbound call failure.
func FromGatewayError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, op, err)
	}
	return Wrap(KindGatewayCommunication, op, err)
}
