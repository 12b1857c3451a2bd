package app

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/orivaflow/commerce-engine/internal/domain"
	"github.com/orivaflow/commerce-engine/internal/store"
)

var (
	// ErrValidation is matched by every input validation failure.
	ErrValidation = errors.New("validation failed")

	ErrNotFound                    = store.ErrNotFound
	ErrInventoryExhausted          = store.ErrInventoryExhausted
	ErrEscrowNotHeld               = store.ErrEscrowNotHeld
	ErrEscrowReleaseExceedsBalance = store.ErrEscrowReleaseExceedsBalance
	ErrBudgetExhausted             = store.ErrBudgetExhausted

	ErrForbidden          = errors.New("actor is not allowed to perform this action")
	ErrInvalidTransition  = errors.New("transaction transition not allowed")
	ErrStaleEvent         = errors.New("event is older than the last applied event")
	ErrNotCancellable     = errors.New("transaction can only be cancelled while pending")
	ErrReservationExpired = errors.New("inventory reservation expired before payment succeeded")
	ErrInvariantViolation = errors.New("ledger invariant violated")
	ErrDuplicateEvent     = errors.New("webhook event already processed")
)

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type InvalidEarnerTypeError struct {
	EarnerType domain.EarnerType
}

func (e *InvalidEarnerTypeError) Error() string {
	return fmt.Sprintf("invalid earner type %q", e.EarnerType)
}

func (e *InvalidEarnerTypeError) Is(target error) bool { return target == ErrValidation }

type NegativeAmountError struct {
	Amount int64
}

func (e *NegativeAmountError) Error() string {
	return fmt.Sprintf("amount must be positive, got %d", e.Amount)
}

func (e *NegativeAmountError) Is(target error) bool { return target == ErrValidation }

// EscrowConditionUnmetError is returned when a release is attempted before its conditions hold.
type EscrowConditionUnmetError struct {
	EscrowID    uuid.UUID
	ReleaseType domain.ReleaseType
	Reason      string
}

func (e *EscrowConditionUnmetError) Error() string {
	return fmt.Sprintf("escrow %s %s release condition not met: %s", e.EscrowID, e.ReleaseType, e.Reason)
}

// PaymentGatewayError wraps a failed gateway call. The transaction it belonged to is failed.
type PaymentGatewayError struct {
	Op  string
	Err error
}

func (e *PaymentGatewayError) Error() string {
	return fmt.Sprintf("payment gateway %s: %v", e.Op, e.Err)
}

func (e *PaymentGatewayError) Unwrap() error { return e.Err }

// PayoutProviderError wraps a failed transfer for one payout attempt.
type PayoutProviderError struct {
	PayoutID uuid.UUID
	Attempt  int
	Err      error
}

func (e *PayoutProviderError) Error() string {
	return fmt.Sprintf("payout %s attempt %d: %v", e.PayoutID, e.Attempt, e.Err)
}

func (e *PayoutProviderError) Unwrap() error { return e.Err }

func validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
