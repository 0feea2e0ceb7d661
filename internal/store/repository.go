/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the allocation ledger and payout pipeline need. The interface keeps
 * business logic decoupled from PostgreSQL so the application services can be
 * exercised against hand-rolled stubs in tests.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
)

// Repository defines the set of methods for interacting with the ledger store.
type Repository interface {
	// User methods
	// Resolve internal UUID from the auth provider's subject id (e.g. "user_abc123").
	FindUserIDByAuthSubject(ctx context.Context, authSubject string) (string, error)

	// Subscriber balance and allocation methods
	GetSubscriberBalance(ctx context.Context, subscriberID uuid.UUID, period string) (*domain.SubscriberBalance, error)
	UpsertSubscriberBalance(ctx context.Context, subscriberID uuid.UUID, period string, totalBudgetCents int64) (*domain.SubscriberBalance, error)
	GetAllocation(ctx context.Context, subscriberID, recipientID uuid.UUID, resourceID, period string) (*domain.Allocation, error)
	ApplyAllocationDelta(ctx context.Context, params ApplyAllocationDeltaParams) (*domain.Allocation, error)
	ListAllocationsBySubscriber(ctx context.Context, subscriberID uuid.UUID, period, status string) ([]domain.Allocation, error)
	ApplyBudgetReconciliation(ctx context.Context, params BudgetReconciliationParams) error
	RestoreAllocation(ctx context.Context, params RestoreAllocationParams) (*domain.Allocation, error)

	// Settlement methods
	ClaimPeriodForSettlement(ctx context.Context, period string) (claimed bool, err error)
	GetSettlementPeriod(ctx context.Context, period string) (*domain.SettlementPeriod, error)
	AggregateEarningsForPeriod(ctx context.Context, period string) ([]domain.CreatorEarningsRecord, error)
	GetPeriodTotals(ctx context.Context, period string) (*PeriodTotals, error)
	ReleaseEarningsToAvailable(ctx context.Context, period string) (int, error)
	MarkPeriodSettled(ctx context.Context, period string) error

	// Creator balance and earnings methods
	GetCreatorBalance(ctx context.Context, creatorID uuid.UUID, openPeriod string) (*domain.CreatorBalance, error)
	ListEarningsRecordsByCreator(ctx context.Context, creatorID uuid.UUID, limit int) ([]domain.CreatorEarningsRecord, error)

	// Payout destination methods
	GetPayoutDestination(ctx context.Context, creatorID uuid.UUID) (*domain.PayoutDestination, error)
	UpdateDestinationVerification(ctx context.Context, externalAccountID string, verified bool) error
	ListAutoPayoutCandidates(ctx context.Context, minAvailableCents int64) ([]uuid.UUID, error)

	// Payout methods
	CreatePayoutWithReservation(ctx context.Context, payout *domain.Payout) error
	GetPayout(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error)
	FindPayoutByIdempotencyKey(ctx context.Context, key string) (*domain.Payout, error)
	FindPayoutByTransferRef(ctx context.Context, transferRef string) (*domain.Payout, error)
	ListPayoutsByCreator(ctx context.Context, creatorID uuid.UUID, limit, offset int) ([]domain.Payout, error)
	MarkPayoutProcessing(ctx context.Context, payoutID uuid.UUID) error
	SetPayoutTransferRef(ctx context.Context, payoutID uuid.UUID, transferRef string) error
	CompletePayout(ctx context.Context, payoutID uuid.UUID, transferRef string) error
	ForceCompletePayout(ctx context.Context, payoutID uuid.UUID, reason string) error
	FailPayout(ctx context.Context, payoutID uuid.UUID, reason string) error
	RequeuePayout(ctx context.Context, payoutID uuid.UUID, reason string, nextAttemptAt time.Time, retryCount int) error
	RequeueFailedPayout(ctx context.Context, payoutID uuid.UUID) error
	CancelPayout(ctx context.Context, payoutID uuid.UUID) error
	ListDuePayoutRetries(ctx context.Context, now time.Time, stuckBefore time.Time) ([]domain.Payout, error)
	ListCreatorBalancesForAudit(ctx context.Context, limit, offset int) ([]domain.CreatorBalance, error)
	GetCompletedPayoutTotals(ctx context.Context) (*CompletedPayoutTotals, error)

	// Webhook dedup methods
	RecordProcessedWebhookEvent(ctx context.Context, eventID, eventType string) (firstDelivery bool, err error)
	DeleteProcessedWebhookEvent(ctx context.Context, eventID string) error

	// Fee config methods
	GetCurrentFeeConfig(ctx context.Context) (*domain.FeeConfig, error)
	InsertFeeConfig(ctx context.Context, percent float64, updatedBy string) (*domain.FeeConfig, error)
}

// ApplyAllocationDeltaParams applies a validated delta to a subscriber's
// balance and the per-tuple allocation row in one transaction. The balance
// update is conditional on ExpectedVersion; a lost race returns
// ErrLedgerConflict and the caller re-reads and retries.
type ApplyAllocationDeltaParams struct {
	SubscriberID    uuid.UUID
	RecipientID     uuid.UUID
	ResourceID      string
	Period          string
	DeltaCents      int64
	ExpectedVersion int64
}

// BudgetReconciliationParams applies a budget change plus the allocation
// suspensions the allocation manager selected, atomically and conditionally
// on the balance version.
type BudgetReconciliationParams struct {
	SubscriberID    uuid.UUID
	Period          string
	NewBudgetCents  int64
	SuspendIDs      []uuid.UUID
	SuspendedCents  int64
	ExpectedVersion int64
}

// RestoreAllocationParams re-activates one suspended allocation within the
// subscriber's current headroom.
type RestoreAllocationParams struct {
	AllocationID    uuid.UUID
	SubscriberID    uuid.UUID
	Period          string
	AmountCents     int64
	ExpectedVersion int64
}

// PeriodTotals is the aggregate budget picture for a period, used to size the
// revenue-to-escrow fund movement at settlement.
type PeriodTotals struct {
	Period              string
	TotalBudgetCents    int64
	AllocatedTotalCents int64
}

// UnallocatedCents is the use-it-or-lose-it remainder kept as platform revenue.
func (t *PeriodTotals) UnallocatedCents() int64 {
	return t.TotalBudgetCents - t.AllocatedTotalCents
}

// CompletedPayoutTotals aggregates completed payouts for the reconciliation
// audit. NetCents is what actually left escrow for creators, amount minus fee.
type CompletedPayoutTotals struct {
	Count    int
	NetCents int64
}
