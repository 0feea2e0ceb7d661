/**
 * @description
 * This file defines the core ledger domain models for the allocation and payout
 * service. These structs represent subscriber budgets, per-creator allocations,
 * creator balances, and the immutable monthly earnings snapshots that the payout
 * pipeline draws from.
 *
 * @notes
 * - Amounts are stored as `int64` USD cents to avoid floating-point inaccuracies
 *   with financial data.
 * - A billing period is always identified by its "YYYY-MM" string. The period
 *   string doubles as the natural idempotency key for monthly settlement.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Allocation statuses.
const (
	AllocationStatusActive    = "active"
	AllocationStatusCancelled = "cancelled"
)

// Earnings record statuses, matching the settlement lifecycle.
const (
	EarningsStatusPending   = "pending"
	EarningsStatusAvailable = "available"
	EarningsStatusPaidOut   = "paid_out"
)

// Settlement period states.
const (
	PeriodStateOpen    = "open"
	PeriodStateLocked  = "locked"
	PeriodStateSettled = "settled"
)

// SubscriberBalance tracks one subscriber's monthly budget for a billing period.
// The invariant `allocated_cents <= total_budget_cents` holds after every
// committed operation. The `Version` column drives optimistic concurrency:
// conditional updates that lose a race affect zero rows and surface as a
// ledger conflict, which the allocation manager retries internally.
type SubscriberBalance struct {
	SubscriberID     uuid.UUID `json:"subscriber_id"`
	Period           string    `json:"period"`
	TotalBudgetCents int64     `json:"total_budget_cents"`
	AllocatedCents   int64     `json:"allocated_cents"`
	Version          int64     `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AvailableCents is the budget headroom still open for allocation this period.
func (b *SubscriberBalance) AvailableCents() int64 {
	return b.TotalBudgetCents - b.AllocatedCents
}

// Allocation is a subscriber's per-period commitment of budget to one creator
// resource. There is exactly one row per (subscriber, recipient, resource,
// period) tuple. Allocations are never deleted, only marked cancelled, so the
// ledger keeps a full audit trail. `OriginalAmountCents` is retained when a
// budget downgrade suspends the allocation so it can later be offered back for
// restoration.
type Allocation struct {
	ID                  uuid.UUID `json:"id"`
	SubscriberID        uuid.UUID `json:"subscriber_id"`
	RecipientID         uuid.UUID `json:"recipient_id"`
	ResourceID          string    `json:"resource_id"`
	Period              string    `json:"period"`
	AmountCents         int64     `json:"amount_cents"`
	Status              string    `json:"status"`
	OriginalAmountCents *int64    `json:"original_amount_cents,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// CreatorBalance is the single running balance record per creator.
// `PendingCents` accumulates during the open period and rolls into
// `AvailableCents` exactly once at settlement; `AvailableCents` only decreases
// through a completed payout, and `PaidOutCents` is the lifetime disbursed
// total.
type CreatorBalance struct {
	CreatorID      uuid.UUID `json:"creator_id"`
	PendingCents   int64     `json:"pending_cents"`
	AvailableCents int64     `json:"available_cents"`
	PaidOutCents   int64     `json:"paid_out_cents"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreatorEarningsRecord is the immutable per-(creator, period) snapshot written
// at settlement. It is the audit unit a payout references via its
// `earnings_record_ids` column.
type CreatorEarningsRecord struct {
	ID              uuid.UUID   `json:"id"`
	CreatorID       uuid.UUID   `json:"creator_id"`
	Period          string      `json:"period"`
	TotalCents      int64       `json:"total_cents"`
	AllocationCount int         `json:"allocation_count"`
	AllocationIDs   []uuid.UUID `json:"allocation_ids,omitempty"`
	Status          string      `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// SettlementPeriod is the processing marker that makes monthly settlement
// idempotent. All workers racing on the same period upsert this row; only the
// one that moves it forward performs the work.
type SettlementPeriod struct {
	Period    string     `json:"period"`
	State     string     `json:"state"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AllocateRequest is the DTO for incoming allocation API requests. DeltaCents
// may be negative to reduce or fully release an existing allocation.
type AllocateRequest struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	ResourceID  string    `json:"resource_id"`
	DeltaCents  int64     `json:"delta_cents"`
}

// RestorableAllocation is a suspended allocation offered back to the
// subscriber after a budget upgrade, annotated with whether it currently fits
// the remaining headroom.
type RestorableAllocation struct {
	Allocation  Allocation `json:"allocation"`
	FitsBudget  bool       `json:"fits_budget"`
	AmountCents int64      `json:"amount_cents"`
}

// SubscriptionChange is the inbound payload from the external billing
// component for both renewal and plan-change notifications.
type SubscriptionChange struct {
	SubscriberID   uuid.UUID `json:"subscriber_id"`
	NewBudgetCents int64     `json:"new_budget_cents"`
}

// PeriodOf formats t's year and month as the canonical "YYYY-MM" period string.
func PeriodOf(t time.Time) string {
	return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
}

// PreviousPeriod returns the period string for the month before t. Settlement
// runs just after a month boundary and closes the month that ended.
func PreviousPeriod(t time.Time) string {
	year, month, _ := t.UTC().Date()
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return PeriodOf(first.AddDate(0, 0, -1))
}

// ValidPeriod reports whether s parses as a "YYYY-MM" period string.
func ValidPeriod(s string) bool {
	_, err := time.Parse("2006-01", s)
	return err == nil
}
