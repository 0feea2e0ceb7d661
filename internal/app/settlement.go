/**
 * @description
 * The monthly settlement processor. At the period boundary it locks the closed
 * period, aggregates per-creator earnings into immutable records, moves the
 * allocated total from the platform's revenue pool into the escrow pool at the
 * payment processor, and releases the new earnings into creator available
 * balances.
 *
 * Idempotency is anchored on the period string: the settlement_periods marker
 * makes concurrent runs collapse to one, the earnings aggregation overwrites
 * instead of adding, and the release step only touches records still pending.
 * A crash mid-run is therefore always safe to resume by re-invoking.
 *
 * @dependencies
 * - context, fmt, log, time: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/processorclient: The external processor API for the pool movement.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
	"github.com/WeWriteApp/WeWrite-sub006/internal/store"
	"github.com/WeWriteApp/WeWrite-sub006/pkg/processorclient"
)

// EventsExchange is the durable topic exchange all outbound domain events use.
const EventsExchange = "wewrite.events"

// PoolTransferClient is the slice of the processor API settlement needs.
type PoolTransferClient interface {
	InitiatePoolTransfer(ctx context.Context, req processorclient.PoolTransferRequest) (*processorclient.TransferResponse, error)
}

// SettlementService runs the monthly settlement for one period at a time.
type SettlementService struct {
	repo          store.Repository
	processor     PoolTransferClient
	publisher     EventPublisher
	revenuePoolID string
	escrowPoolID  string
	now           func() time.Time
}

// NewSettlementService creates a new settlement processor.
func NewSettlementService(repo store.Repository, processor PoolTransferClient, publisher EventPublisher, revenuePoolID, escrowPoolID string) *SettlementService {
	return &SettlementService{
		repo:          repo,
		processor:     processor,
		publisher:     publisher,
		revenuePoolID: revenuePoolID,
		escrowPoolID:  escrowPoolID,
		now:           time.Now,
	}
}

// SettlementResult summarizes one settlement run.
type SettlementResult struct {
	Period              string `json:"period"`
	AlreadySettled      bool   `json:"already_settled"`
	CreatorsSettled     int    `json:"creators_settled"`
	AllocatedTotalCents int64  `json:"allocated_total_cents"`
	RevenueTotalCents   int64  `json:"revenue_total_cents"`
}

// SettleClosedPeriod settles the period that ended before now. This is the
// entry point the monthly cron trigger calls.
func (s *SettlementService) SettleClosedPeriod(ctx context.Context) (*SettlementResult, error) {
	return s.SettlePeriod(ctx, domain.PreviousPeriod(s.now()))
}

// SettlePeriod runs the full settlement algorithm for one period. Re-running
// against an already settled period is a no-op.
func (s *SettlementService) SettlePeriod(ctx context.Context, period string) (*SettlementResult, error) {
	if !domain.ValidPeriod(period) {
		return nil, &ValidationError{Field: "period", Reason: "must be YYYY-MM"}
	}

	// Step 1: claim the processing marker. Everyone but one concurrent caller
	// observes the settled state (or loses the claim) and exits early.
	claimed, err := s.repo.ClaimPeriodForSettlement(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("claim period %s: %w", period, err)
	}
	if !claimed {
		log.Printf("level=info component=settlement msg=\"period already settled\" period=%s", period)
		return &SettlementResult{Period: period, AlreadySettled: true}, nil
	}
	log.Printf("level=info component=settlement msg=\"period locked\" period=%s", period)

	// Step 2: aggregate per-creator earnings records (idempotent overwrite).
	records, err := s.repo.AggregateEarningsForPeriod(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("aggregate earnings for %s: %w", period, err)
	}

	totals, err := s.repo.GetPeriodTotals(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("period totals for %s: %w", period, err)
	}

	// Step 3: move the allocated total from the revenue pool into escrow. The
	// unallocated remainder stays in revenue as platform income; unallocated
	// budget never carries into the next period. The period string keys the
	// idempotency so a resumed run cannot move the funds twice.
	if totals.AllocatedTotalCents > 0 {
		_, err := s.processor.InitiatePoolTransfer(ctx, processorclient.PoolTransferRequest{
			SourcePoolID:      s.revenuePoolID,
			DestinationPoolID: s.escrowPoolID,
			AmountCents:       totals.AllocatedTotalCents,
			Currency:          "usd",
			IdempotencyKey:    "settlement-" + period,
		})
		if err != nil {
			return nil, fmt.Errorf("escrow pool transfer for %s: %w", period, err)
		}
		log.Printf("level=info component=settlement msg=\"escrow funded\" period=%s allocated_cents=%d revenue_cents=%d",
			period, totals.AllocatedTotalCents, totals.UnallocatedCents())
	}

	// Step 4: flip pending earnings to available and credit creator balances.
	released, err := s.repo.ReleaseEarningsToAvailable(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("release earnings for %s: %w", period, err)
	}

	// Step 5: terminal marker.
	if err := s.repo.MarkPeriodSettled(ctx, period); err != nil {
		return nil, fmt.Errorf("mark period %s settled: %w", period, err)
	}

	result := &SettlementResult{
		Period:              period,
		CreatorsSettled:     released,
		AllocatedTotalCents: totals.AllocatedTotalCents,
		RevenueTotalCents:   totals.UnallocatedCents(),
	}
	log.Printf("level=info component=settlement msg=\"period settled\" period=%s creators=%d allocated_cents=%d revenue_cents=%d records=%d",
		period, released, result.AllocatedTotalCents, result.RevenueTotalCents, len(records))

	if s.publisher != nil {
		event := domain.PeriodSettledEvent{
			Period:              period,
			CreatorsSettled:     released,
			AllocatedTotalCents: result.AllocatedTotalCents,
			RevenueTotalCents:   result.RevenueTotalCents,
			Timestamp:           s.now().UTC(),
		}
		if err := s.publisher.Publish(ctx, EventsExchange, domain.EventPeriodSettled, event); err != nil {
			log.Printf("level=warn component=settlement msg=\"settled event publish failed\" period=%s err=%v", period, err)
		}
	}

	return result, nil
}
