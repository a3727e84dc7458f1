package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation marks malformed input; never persisted, never retried.
	ErrValidation = errors.New("delivery: validation failed")
	// ErrInvalidTransition marks a mutation the state machine does not allow.
	ErrInvalidTransition = errors.New("delivery: invalid state transition")
	// ErrConflict marks a lost optimistic-lock race; re-read and retry.
	ErrConflict = errors.New("delivery: concurrent modification")
	// ErrDisputeActive marks an operation frozen by an unresolved dispute.
	ErrDisputeActive = errors.New("delivery: dispute active")
	// ErrProvider marks a payment provider failure after retries.
	ErrProvider = errors.New("delivery: payment provider error")
	// ErrRoleNotPermitted marks an actor acting outside their role.
	ErrRoleNotPermitted = errors.New("delivery: role not permitted")
	// ErrLedgerInvariant marks an amount split that no longer adds up. Never retried.
	ErrLedgerInvariant = errors.New("delivery: ledger invariant violation")
	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("delivery: not found")
)

// RetryOnConflict runs fn until it stops returning ErrConflict, at most
// attempts times. fn must re-read state on every call.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); !errors.Is(err, ErrConflict) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", err, ctx.Err())
		case <-time.After(time.Duration(i+1) * 5 * time.Millisecond):
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

// DefaultConflictAttempts bounds orchestration retries on lost CAS races.
const DefaultConflictAttempts = 8
