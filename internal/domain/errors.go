package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidInput  = errors.New("invalid input")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")
	ErrConflict      = errors.New("concurrent modification")

	// Escrow.
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLockNotActive       = errors.New("lock not active")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	ErrPredictionNotOpen   = errors.New("prediction is not accepting stakes")

	// Lifecycle and settlement.
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrDataIntegrity       = errors.New("data integrity violation")
	ErrDuplicateSettlement = errors.New("prediction already settled")
	ErrNoWinningStake      = errors.New("winning option has no stake")
	ErrRootMismatch        = errors.New("merkle root differs from published root")
)

// InvalidTransitionError carries the rejected lifecycle move. It matches
// ErrInvalidTransition under errors.Is.
type InvalidTransitionError struct {
	From PredictionStatus
	To   PredictionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// Is reports whether target is ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IntegrityError describes a data-integrity violation found during
// settlement. It matches ErrDataIntegrity under errors.Is.
type IntegrityError struct {
	PredictionID string
	Reason       string
}

func (e *IntegrityError) Error() string {
	if e.PredictionID == "" {
		return "data integrity violation: " + e.Reason
	}
	return fmt.Sprintf("data integrity violation on prediction %s: %s", e.PredictionID, e.Reason)
}

// Is reports whether target is ErrDataIntegrity.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrDataIntegrity
}
