/**
 * @description
 * The allocation manager: validates and applies allocate/deallocate operations
 * against a subscriber's monthly budget, and reconciles committed allocations
 * when the subscription's budget shrinks.
 *
 * Key features:
 * - Budget invariant enforced on every path: allocated stays within
 *   [0, total budget] at every committed state, never mid-clamped.
 * - Concurrent writers for the same subscriber serialize through the store's
 *   version column; conflicts are retried here, invisible to the caller.
 * - Downgrade reconciliation suspends allocations largest-first, preserving
 *   the maximum number of active relationships for the subscriber.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
	"github.com/WeWriteApp/WeWrite-sub006/internal/store"
)

// maxConflictRetries bounds the optimistic-concurrency retry loop. Contention
// is per-subscriber, so more than a handful of rounds means something is wrong.
const maxConflictRetries = 5

// AllocationService applies budget allocations for subscribers.
type AllocationService struct {
	repo      store.Repository
	publisher EventPublisher
	now       func() time.Time
}

// EventPublisher is the outbound domain-event interface, satisfied by the
// RabbitMQ producer.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// NewAllocationService creates a new allocation manager.
func NewAllocationService(repo store.Repository, publisher EventPublisher) *AllocationService {
	return &AllocationService{repo: repo, publisher: publisher, now: time.Now}
}

// currentPeriod is the open billing period all mutations target.
func (s *AllocationService) currentPeriod() string {
	return domain.PeriodOf(s.now().UTC())
}

// Allocate applies deltaCents to the (subscriber, recipient, resource) tuple
// for the open period. The resulting committed total must stay within
// [0, totalBudgetCents]; otherwise the request fails with BudgetExceededError
// and nothing changes.
func (s *AllocationService) Allocate(ctx context.Context, subscriberID, recipientID uuid.UUID, resourceID string, deltaCents int64) (*domain.Allocation, error) {
	if deltaCents == 0 {
		return nil, &ValidationError{Field: "delta_cents", Reason: "must be non-zero"}
	}
	if resourceID == "" {
		return nil, &ValidationError{Field: "resource_id", Reason: "must not be empty"}
	}

	period := s.currentPeriod()
	if err := s.ensurePeriodOpen(ctx, period); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		balance, err := s.repo.GetSubscriberBalance(ctx, subscriberID, period)
		if err != nil {
			return nil, fmt.Errorf("load subscriber balance: %w", err)
		}

		newAllocated := balance.AllocatedCents + deltaCents
		if newAllocated < 0 || newAllocated > balance.TotalBudgetCents {
			return nil, &BudgetExceededError{
				TotalBudgetCents: balance.TotalBudgetCents,
				AllocatedCents:   balance.AllocatedCents,
				DeltaCents:       deltaCents,
			}
		}

		if deltaCents < 0 {
			// A reduction must not push the per-tuple amount below zero.
			alloc, err := s.repo.GetAllocation(ctx, subscriberID, recipientID, resourceID, period)
			if err != nil {
				if errors.Is(err, store.ErrAllocationNotFound) {
					return nil, &ValidationError{Field: "delta_cents", Reason: "cannot reduce an allocation that does not exist"}
				}
				return nil, err
			}
			if alloc.AmountCents+deltaCents < 0 {
				return nil, &ValidationError{Field: "delta_cents", Reason: "reduction exceeds the allocated amount"}
			}
		}

		alloc, err := s.repo.ApplyAllocationDelta(ctx, store.ApplyAllocationDeltaParams{
			SubscriberID:    subscriberID,
			RecipientID:     recipientID,
			ResourceID:      resourceID,
			Period:          period,
			DeltaCents:      deltaCents,
			ExpectedVersion: balance.Version,
		})
		if err != nil {
			if errors.Is(err, store.ErrLedgerConflict) {
				log.Printf("level=info component=allocation msg=\"ledger conflict, retrying\" subscriber_id=%s attempt=%d", subscriberID, attempt+1)
				continue
			}
			return nil, err
		}

		log.Printf("level=info component=allocation msg=\"allocation applied\" subscriber_id=%s recipient_id=%s resource_id=%s period=%s delta_cents=%d amount_cents=%d",
			subscriberID, recipientID, resourceID, period, deltaCents, alloc.AmountCents)
		return alloc, nil
	}

	return nil, ErrRetriesExhausted
}

// OnSubscriptionRenewed creates or refreshes the subscriber's balance record
// for the open period when the external billing component reports a renewal.
func (s *AllocationService) OnSubscriptionRenewed(ctx context.Context, subscriberID uuid.UUID, newBudgetCents int64) (*domain.SubscriberBalance, error) {
	if newBudgetCents < 0 {
		return nil, &ValidationError{Field: "new_budget_cents", Reason: "must not be negative"}
	}
	period := s.currentPeriod()
	balance, err := s.repo.UpsertSubscriberBalance(ctx, subscriberID, period, newBudgetCents)
	if err != nil {
		return nil, fmt.Errorf("refresh subscriber balance: %w", err)
	}
	log.Printf("level=info component=allocation msg=\"subscription renewed\" subscriber_id=%s period=%s budget_cents=%d",
		subscriberID, period, newBudgetCents)
	return balance, nil
}

// ReconcileBudgetChange handles a downgrade or cancellation. When the new
// budget is below the committed total, allocations are suspended starting from
// the largest amount until the total fits. Suspended allocations retain their
// original amount for later restoration and an allocation.suspended event is
// emitted for each.
func (s *AllocationService) ReconcileBudgetChange(ctx context.Context, subscriberID uuid.UUID, newBudgetCents int64) ([]domain.Allocation, error) {
	if newBudgetCents < 0 {
		return nil, &ValidationError{Field: "new_budget_cents", Reason: "must not be negative"}
	}
	period := s.currentPeriod()

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		balance, err := s.repo.GetSubscriberBalance(ctx, subscriberID, period)
		if err != nil {
			if errors.Is(err, store.ErrBalanceNotFound) {
				// No balance this period means there is nothing to reconcile;
				// record the new budget so later allocations see it.
				_, err = s.repo.UpsertSubscriberBalance(ctx, subscriberID, period, newBudgetCents)
				return nil, err
			}
			return nil, err
		}

		var toSuspend []domain.Allocation
		if balance.AllocatedCents > newBudgetCents {
			active, err := s.repo.ListAllocationsBySubscriber(ctx, subscriberID, period, domain.AllocationStatusActive)
			if err != nil {
				return nil, err
			}
			toSuspend = pickSuspensions(active, balance.AllocatedCents-newBudgetCents)
		}

		params := store.BudgetReconciliationParams{
			SubscriberID:    subscriberID,
			Period:          period,
			NewBudgetCents:  newBudgetCents,
			ExpectedVersion: balance.Version,
		}
		for _, a := range toSuspend {
			params.SuspendIDs = append(params.SuspendIDs, a.ID)
			params.SuspendedCents += a.AmountCents
		}

		if err := s.repo.ApplyBudgetReconciliation(ctx, params); err != nil {
			if errors.Is(err, store.ErrLedgerConflict) {
				log.Printf("level=info component=allocation msg=\"reconcile conflict, retrying\" subscriber_id=%s attempt=%d", subscriberID, attempt+1)
				continue
			}
			return nil, err
		}

		for _, a := range toSuspend {
			s.publishSuspended(ctx, a)
		}
		log.Printf("level=info component=allocation msg=\"budget reconciled\" subscriber_id=%s period=%s new_budget_cents=%d suspended=%d suspended_cents=%d",
			subscriberID, period, newBudgetCents, len(toSuspend), params.SuspendedCents)
		return toSuspend, nil
	}

	return nil, ErrRetriesExhausted
}

// pickSuspensions selects allocations to suspend, largest amount first, until
// at least shortfallCents is recovered. The input is assumed sorted largest
// first, which is how the store lists them.
func pickSuspensions(active []domain.Allocation, shortfallCents int64) []domain.Allocation {
	var picked []domain.Allocation
	var recovered int64
	for _, a := range active {
		if recovered >= shortfallCents {
			break
		}
		picked = append(picked, a)
		recovered += a.AmountCents
	}
	return picked
}

// ListRestorableAllocations returns the subscriber's suspended allocations for
// the open period, annotated with whether each currently fits the headroom.
// Suspended allocations remain restorable indefinitely; restoration always
// requires explicit subscriber action.
func (s *AllocationService) ListRestorableAllocations(ctx context.Context, subscriberID uuid.UUID) ([]domain.RestorableAllocation, error) {
	period := s.currentPeriod()
	balance, err := s.repo.GetSubscriberBalance(ctx, subscriberID, period)
	if err != nil {
		return nil, err
	}
	suspended, err := s.repo.ListAllocationsBySubscriber(ctx, subscriberID, period, domain.AllocationStatusCancelled)
	if err != nil {
		return nil, err
	}

	headroom := balance.AvailableCents()
	var out []domain.RestorableAllocation
	for _, a := range suspended {
		if a.OriginalAmountCents == nil {
			continue // cancelled by the subscriber, not by a downgrade
		}
		amount := *a.OriginalAmountCents
		out = append(out, domain.RestorableAllocation{
			Allocation:  a,
			AmountCents: amount,
			FitsBudget:  amount <= headroom,
		})
	}
	return out, nil
}

// RestoreAllocation re-activates one suspended allocation at its original
// amount, if the current headroom allows it.
func (s *AllocationService) RestoreAllocation(ctx context.Context, subscriberID, allocationID uuid.UUID) (*domain.Allocation, error) {
	period := s.currentPeriod()

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		balance, err := s.repo.GetSubscriberBalance(ctx, subscriberID, period)
		if err != nil {
			return nil, err
		}

		suspended, err := s.repo.ListAllocationsBySubscriber(ctx, subscriberID, period, domain.AllocationStatusCancelled)
		if err != nil {
			return nil, err
		}
		var target *domain.Allocation
		for i := range suspended {
			if suspended[i].ID == allocationID && suspended[i].OriginalAmountCents != nil {
				target = &suspended[i]
				break
			}
		}
		if target == nil {
			return nil, store.ErrAllocationNotFound
		}

		amount := *target.OriginalAmountCents
		if amount > balance.AvailableCents() {
			return nil, &BudgetExceededError{
				TotalBudgetCents: balance.TotalBudgetCents,
				AllocatedCents:   balance.AllocatedCents,
				DeltaCents:       amount,
			}
		}

		alloc, err := s.repo.RestoreAllocation(ctx, store.RestoreAllocationParams{
			AllocationID:    allocationID,
			SubscriberID:    subscriberID,
			Period:          period,
			AmountCents:     amount,
			ExpectedVersion: balance.Version,
		})
		if err != nil {
			if errors.Is(err, store.ErrLedgerConflict) {
				continue
			}
			return nil, err
		}
		log.Printf("level=info component=allocation msg=\"allocation restored\" subscriber_id=%s allocation_id=%s amount_cents=%d",
			subscriberID, allocationID, amount)
		return alloc, nil
	}

	return nil, ErrRetriesExhausted
}

// ListAllocations returns the subscriber's allocations for the open period.
func (s *AllocationService) ListAllocations(ctx context.Context, subscriberID uuid.UUID, status string) ([]domain.Allocation, error) {
	return s.repo.ListAllocationsBySubscriber(ctx, subscriberID, s.currentPeriod(), status)
}

// ResolveInternalUserID maps the auth provider's subject id to our user UUID.
func (s *AllocationService) ResolveInternalUserID(ctx context.Context, authSubject string) (string, error) {
	return s.repo.FindUserIDByAuthSubject(ctx, authSubject)
}

// GetBudget returns the subscriber's balance record for the open period.
func (s *AllocationService) GetBudget(ctx context.Context, subscriberID uuid.UUID) (*domain.SubscriberBalance, error) {
	return s.repo.GetSubscriberBalance(ctx, subscriberID, s.currentPeriod())
}

// ensurePeriodOpen rejects mutations once settlement has locked the period.
func (s *AllocationService) ensurePeriodOpen(ctx context.Context, period string) error {
	sp, err := s.repo.GetSettlementPeriod(ctx, period)
	if err != nil {
		return err
	}
	if sp.State != domain.PeriodStateOpen {
		return ErrAllocationPeriodClosed
	}
	return nil
}

func (s *AllocationService) publishSuspended(ctx context.Context, a domain.Allocation) {
	if s.publisher == nil {
		return
	}
	amount := a.AmountCents
	if a.OriginalAmountCents != nil {
		amount = *a.OriginalAmountCents
	}
	event := domain.AllocationSuspendedEvent{
		AllocationID: a.ID,
		SubscriberID: a.SubscriberID,
		RecipientID:  a.RecipientID,
		AmountCents:  amount,
		Timestamp:    s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, EventsExchange, domain.EventAllocationSuspended, event); err != nil {
		log.Printf("level=warn component=allocation msg=\"suspended event publish failed\" allocation_id=%s err=%v", a.ID, err)
	}
}
