/**
 * @description
 * Business-rule error types surfaced by the application services. These carry
 * the specific threshold or budget involved so the API layer can tell the
 * caller exactly why a request was rejected, and an operator can act without
 * re-deriving context from raw logs.
 */

package app

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotEligible is returned when a creator has no verified external
	// payout destination.
	ErrAccountNotEligible = errors.New("creator has no verified payout destination")

	// ErrAllocationPeriodClosed is returned when a subscriber tries to mutate
	// an allocation in a period that settlement has already locked or settled.
	ErrAllocationPeriodClosed = errors.New("allocation period is closed")

	// ErrRetriesExhausted is returned when an optimistic-concurrency retry loop
	// gives up. Callers treat this as a transient failure.
	ErrRetriesExhausted = errors.New("ledger conflict retries exhausted")

	// ErrNotRetryable is returned by the admin retry path for payouts that are
	// not in a retryable state.
	ErrNotRetryable = errors.New("payout is not retryable from its current state")
)

// ValidationError rejects malformed input before any mutation happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// BudgetExceededError rejects an allocation delta that would push the
// subscriber's committed total outside [0, budget]. The delta is never
// silently clamped.
type BudgetExceededError struct {
	TotalBudgetCents int64
	AllocatedCents   int64
	DeltaCents       int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("allocation delta %d would exceed budget: allocated %d of %d cents",
		e.DeltaCents, e.AllocatedCents, e.TotalBudgetCents)
}

// BelowMinimumThresholdError rejects a payout request under the configured floor.
type BelowMinimumThresholdError struct {
	AmountCents    int64
	ThresholdCents int64
}

func (e *BelowMinimumThresholdError) Error() string {
	return fmt.Sprintf("payout amount %d cents is below the %d cent minimum", e.AmountCents, e.ThresholdCents)
}
