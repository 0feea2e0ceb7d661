/**
 * @description
 * The payout processor: owns every withdrawal request from creation through
 * the external transfer's terminal outcome.
 *
 * Key features:
 * - Funds are reserved synchronously and cheaply (one conditional UPDATE)
 *   before the external call is ever made; the processor API is only touched
 *   outside the ledger transaction.
 * - The fee is computed from the fee config version in effect at request time
 *   and snapshotted onto the payout, never recalculated.
 * - Retryable processor failures re-queue the payout with exponential backoff
 *   (5m base, doubling, 24h cap, 3 automated attempts); everything outside
 *   the retryable allow-list goes straight to failed for manual intervention.
 * - Terminal failed/cancelled outcomes return the reservation to the
 *   creator's available balance exactly, so funds are never stranded.
 * - Every status move consults the domain transition table before touching the
 *   store; the store's conditional UPDATEs re-check the source status as the
 *   concurrency backstop.
 *
 * @dependencies
 * - context, errors, fmt, log, math, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/processorclient: The external transfer API client.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
	"github.com/WeWriteApp/WeWrite-sub006/internal/store"
	"github.com/WeWriteApp/WeWrite-sub006/pkg/processorclient"
)

const (
	payoutBackoffBase = 5 * time.Minute
	payoutBackoffCap  = 24 * time.Hour
)

// TransferClient is the slice of the processor API the payout pipeline needs.
type TransferClient interface {
	InitiateTransfer(ctx context.Context, req processorclient.TransferRequest) (*processorclient.TransferResponse, error)
}

// PayoutRateLimiter bounds how often one creator can hit the request endpoint.
type PayoutRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// PayoutConfig carries the tunables the payout processor reads at runtime.
type PayoutConfig struct {
	MinPayoutCents      int64
	MaxAutomatedRetries int
	RetryableCodes      map[string]bool
	RequestsPerHour     int
}

// PayoutService drives the payout state machine.
type PayoutService struct {
	repo      store.Repository
	processor TransferClient
	publisher EventPublisher
	limiter   PayoutRateLimiter
	cfg       PayoutConfig
	now       func() time.Time
}

// NewPayoutService creates a new payout processor.
func NewPayoutService(repo store.Repository, processor TransferClient, publisher EventPublisher, limiter PayoutRateLimiter, cfg PayoutConfig) *PayoutService {
	return &PayoutService{
		repo:      repo,
		processor: processor,
		publisher: publisher,
		limiter:   limiter,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ErrRateLimited is returned when a creator exceeds the payout request limit.
var ErrRateLimited = errors.New("too many payout requests, try again later")

// ComputeFeeCents rounds amount * percent to the nearest cent.
func ComputeFeeCents(amountCents int64, percent float64) int64 {
	return int64(math.Round(float64(amountCents) * percent / 100))
}

// RequestPayout validates eligibility, snapshots the fee, reserves the funds,
// and creates the payout in pending. A zero amount requests the creator's full
// available balance. The reservation happens in the same transaction that
// creates the payout, so two concurrent requests can never spend the same
// funds twice.
func (s *PayoutService) RequestPayout(ctx context.Context, creatorID uuid.UUID, amountCents int64, correlationID string) (*domain.Payout, error) {
	if amountCents < 0 {
		return nil, &ValidationError{Field: "amount_cents", Reason: "must not be negative"}
	}

	if s.limiter != nil && s.cfg.RequestsPerHour > 0 {
		count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, "payout_request", creatorID.String(), s.cfg.RequestsPerHour, time.Hour)
		if err != nil {
			log.Printf("level=warn component=payout msg=\"rate limiter unavailable, allowing request\" creator_id=%s err=%v", creatorID, err)
		} else if count > s.cfg.RequestsPerHour {
			log.Printf("level=warn component=payout msg=\"payout request rate limited\" creator_id=%s count=%d retry_after_s=%d", creatorID, count, retryAfter)
			return nil, ErrRateLimited
		}
	}

	destination, err := s.repo.GetPayoutDestination(ctx, creatorID)
	if err != nil {
		if errors.Is(err, store.ErrDestinationNotFound) {
			return nil, ErrAccountNotEligible
		}
		return nil, err
	}
	if !destination.Verified {
		return nil, ErrAccountNotEligible
	}

	balance, err := s.repo.GetCreatorBalance(ctx, creatorID, domain.PeriodOf(s.now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("load creator balance: %w", err)
	}
	if amountCents == 0 {
		amountCents = balance.AvailableCents
	}
	if amountCents < s.cfg.MinPayoutCents {
		return nil, &BelowMinimumThresholdError{AmountCents: amountCents, ThresholdCents: s.cfg.MinPayoutCents}
	}

	feeCfg, err := s.repo.GetCurrentFeeConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load fee config: %w", err)
	}

	payout := &domain.Payout{
		ID:               uuid.New(),
		CreatorID:        creatorID,
		AmountCents:      amountCents,
		FeeCents:         ComputeFeeCents(amountCents, feeCfg.Percent),
		FeePercent:       feeCfg.Percent,
		FeeConfigVersion: feeCfg.Version,
		Status:           domain.PayoutStatusPending,
		DestinationID:    destination.ID,
		CorrelationID:    correlationID,
	}
	payout.IdempotencyKey = "payout-" + payout.ID.String()

	if err := s.repo.CreatePayoutWithReservation(ctx, payout); err != nil {
		if errors.Is(err, store.ErrInsufficientAvailable) {
			return nil, &BudgetExceededError{
				TotalBudgetCents: balance.AvailableCents,
				AllocatedCents:   0,
				DeltaCents:       amountCents,
			}
		}
		return nil, fmt.Errorf("reserve payout funds: %w", err)
	}

	log.Printf("level=info component=payout msg=\"payout requested\" correlation_id=%s payout_id=%s creator_id=%s amount_cents=%d fee_cents=%d fee_version=%d",
		correlationID, payout.ID, creatorID, payout.AmountCents, payout.FeeCents, payout.FeeConfigVersion)
	s.publishPayoutEvent(ctx, payout, domain.EventPayoutInitiated, nil)

	return payout, nil
}

// ProcessPayout submits a pending payout to the external processor. The state
// field acts as the lock: the pending -> processing transition claims the
// payout, and a concurrent worker that loses the race gets a rejected
// transition, not an overwrite.
func (s *PayoutService) ProcessPayout(ctx context.Context, payoutID uuid.UUID) error {
	payout, err := s.repo.GetPayout(ctx, payoutID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(payout.Status, domain.PayoutStatusProcessing) {
		log.Printf("level=info component=payout msg=\"payout not pending, skipping\" payout_id=%s status=%s", payoutID, payout.Status)
		return nil
	}

	// The conditional UPDATE re-checks the source status, so a worker racing on
	// the same payout loses the claim here instead of overwriting.
	if err := s.repo.MarkPayoutProcessing(ctx, payoutID); err != nil {
		if errors.Is(err, store.ErrInvalidPayoutState) {
			log.Printf("level=info component=payout msg=\"payout claimed concurrently, skipping\" payout_id=%s", payoutID)
			return nil
		}
		return err
	}

	destination, err := s.repo.GetPayoutDestination(ctx, payout.CreatorID)
	if err != nil {
		return s.handleTransferFailure(ctx, payout, "destination lookup failed: "+err.Error(), false)
	}

	// Retries submit under a fresh key; a processor that caches terminal
	// results per key would otherwise replay the original failure forever.
	submissionKey := payout.IdempotencyKey
	if payout.RetryCount > 0 {
		submissionKey = fmt.Sprintf("%s-r%d", payout.IdempotencyKey, payout.RetryCount)
	}

	// The external call happens here, outside any ledger transaction. The
	// reservation is already committed, so a crash after this point leaves a
	// processing payout the webhook or the retry sweep will resolve.
	resp, err := s.processor.InitiateTransfer(ctx, processorclient.TransferRequest{
		DestinationAccountID: destination.ExternalAccountID,
		AmountCents:          payout.NetCents(),
		Currency:             "usd",
		IdempotencyKey:       submissionKey,
	})
	if err != nil {
		var apiErr *processorclient.APIError
		retryable := errors.As(err, &apiErr) && s.cfg.RetryableCodes[apiErr.Code]
		return s.handleTransferFailure(ctx, payout, err.Error(), retryable)
	}

	if err := s.repo.SetPayoutTransferRef(ctx, payoutID, resp.TransferRef); err != nil {
		log.Printf("level=error component=payout msg=\"transfer ref persist failed\" correlation_id=%s payout_id=%s transfer_ref=%s err=%v",
			payout.CorrelationID, payoutID, resp.TransferRef, err)
	}
	log.Printf("level=info component=payout msg=\"transfer submitted\" correlation_id=%s payout_id=%s transfer_ref=%s net_cents=%d",
		payout.CorrelationID, payoutID, resp.TransferRef, payout.NetCents())

	// Some processors settle synchronously; most confirm via webhook.
	if resp.Status == "paid" {
		return s.CompleteFromTransfer(ctx, payoutID, resp.TransferRef)
	}
	return nil
}

func (s *PayoutService) handleTransferFailure(ctx context.Context, payout *domain.Payout, reason string, retryable bool) error {
	if retryable && payout.RetryCount < s.cfg.MaxAutomatedRetries {
		retryCount := payout.RetryCount + 1
		nextAttempt := s.now().Add(backoffDelay(payout.RetryCount))
		if err := s.repo.RequeuePayout(ctx, payout.ID, reason, nextAttempt, retryCount); err != nil {
			return fmt.Errorf("requeue payout: %w", err)
		}
		log.Printf("level=warn component=payout msg=\"transient transfer failure, requeued\" correlation_id=%s payout_id=%s retry=%d next_attempt=%s reason=%q",
			payout.CorrelationID, payout.ID, retryCount, nextAttempt.UTC().Format(time.RFC3339), reason)
		return nil
	}

	if err := s.repo.FailPayout(ctx, payout.ID, reason); err != nil {
		return fmt.Errorf("fail payout: %w", err)
	}
	log.Printf("level=error component=payout msg=\"payout failed\" correlation_id=%s payout_id=%s creator_id=%s amount_cents=%d retries=%d reason=%q",
		payout.CorrelationID, payout.ID, payout.CreatorID, payout.AmountCents, payout.RetryCount, reason)
	s.publishPayoutEvent(ctx, payout, domain.EventPayoutFailed, &reason)
	return nil
}

// backoffDelay returns the exponential delay before the next attempt: 5m base,
// doubled per completed retry, capped at 24h.
func backoffDelay(completedRetries int) time.Duration {
	delay := payoutBackoffBase
	for i := 0; i < completedRetries; i++ {
		delay *= 2
		if delay >= payoutBackoffCap {
			return payoutBackoffCap
		}
	}
	return delay
}

// CompleteFromTransfer finalizes a payout whose transfer the processor
// confirmed (synchronously or via webhook). Moving the reserved amount into
// paid-out is guarded by the processing state, so a duplicate confirmation is
// a no-op.
func (s *PayoutService) CompleteFromTransfer(ctx context.Context, payoutID uuid.UUID, transferRef string) error {
	current, err := s.repo.GetPayout(ctx, payoutID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(current.Status, domain.PayoutStatusCompleted) {
		log.Printf("level=info component=payout msg=\"completion already applied\" payout_id=%s status=%s transfer_ref=%s", payoutID, current.Status, transferRef)
		return nil
	}

	if err := s.repo.CompletePayout(ctx, payoutID, transferRef); err != nil {
		if errors.Is(err, store.ErrInvalidPayoutState) {
			log.Printf("level=info component=payout msg=\"completion applied concurrently\" payout_id=%s transfer_ref=%s", payoutID, transferRef)
			return nil
		}
		return err
	}

	payout, err := s.repo.GetPayout(ctx, payoutID)
	if err != nil {
		return err
	}
	log.Printf("level=info component=payout msg=\"payout completed\" correlation_id=%s payout_id=%s creator_id=%s amount_cents=%d",
		payout.CorrelationID, payoutID, payout.CreatorID, payout.AmountCents)
	s.publishPayoutEvent(ctx, payout, domain.EventPayoutCompleted, nil)
	return nil
}

// FailFromTransfer handles a transfer.failed webhook. Retryable failure codes
// re-enter the automated backoff loop; anything else is terminal.
func (s *PayoutService) FailFromTransfer(ctx context.Context, payoutID uuid.UUID, failureCode, reason string) error {
	payout, err := s.repo.GetPayout(ctx, payoutID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(payout.Status, domain.PayoutStatusFailed) {
		log.Printf("level=info component=payout msg=\"failure event for non-processing payout, ignoring\" payout_id=%s status=%s", payoutID, payout.Status)
		return nil
	}
	return s.handleTransferFailure(ctx, payout, reason, s.cfg.RetryableCodes[failureCode])
}

// Cancel cancels a payout still in pending and releases its reservation.
// There is no cancelling an in-flight external transfer.
func (s *PayoutService) Cancel(ctx context.Context, payoutID uuid.UUID) error {
	payout, err := s.repo.GetPayout(ctx, payoutID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(payout.Status, domain.PayoutStatusCancelled) {
		return store.ErrInvalidPayoutState
	}
	if err := s.repo.CancelPayout(ctx, payoutID); err != nil {
		return err
	}
	log.Printf("level=info component=payout msg=\"payout cancelled\" payout_id=%s", payoutID)
	return nil
}

// Retry is the operator path re-entering pending from failed. It re-reserves
// the funds under the same double-spend guard as a fresh request.
func (s *PayoutService) Retry(ctx context.Context, payoutID uuid.UUID) error {
	payout, err := s.repo.GetPayout(ctx, payoutID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(payout.Status, domain.PayoutStatusPending) {
		return ErrNotRetryable
	}
	if err := s.repo.RequeueFailedPayout(ctx, payoutID); err != nil {
		if errors.Is(err, store.ErrInvalidPayoutState) {
			return ErrNotRetryable
		}
		return err
	}
	log.Printf("level=warn component=payout msg=\"operator retry\" payout_id=%s", payoutID)
	return s.ProcessPayout(ctx, payoutID)
}

// ForceComplete is the operator override for a payout whose transfer succeeded
// but whose confirmation never arrived. Logged at elevated severity with the
// operator's reason.
func (s *PayoutService) ForceComplete(ctx context.Context, payoutID uuid.UUID, reason string) error {
	if reason == "" {
		return &ValidationError{Field: "reason", Reason: "must not be empty"}
	}
	current, err := s.repo.GetPayout(ctx, payoutID)
	if err != nil {
		return err
	}
	if domain.IsTerminalPayoutStatus(current.Status) {
		return store.ErrInvalidPayoutState
	}
	if err := s.repo.ForceCompletePayout(ctx, payoutID, "force-completed: "+reason); err != nil {
		return err
	}
	payout, err := s.repo.GetPayout(ctx, payoutID)
	if err != nil {
		return err
	}
	log.Printf("level=error component=payout msg=\"OPERATOR FORCE-COMPLETE\" payout_id=%s creator_id=%s amount_cents=%d reason=%q",
		payoutID, payout.CreatorID, payout.AmountCents, reason)
	s.publishPayoutEvent(ctx, payout, domain.EventPayoutCompleted, nil)
	return nil
}

// AdjustPlatformFee records a new fee percentage version. Only future payout
// requests are quoted under it.
func (s *PayoutService) AdjustPlatformFee(ctx context.Context, percent float64, updatedBy string) (*domain.FeeConfig, error) {
	if percent < 0 || percent > 100 {
		return nil, &ValidationError{Field: "percent", Reason: "must be between 0 and 100"}
	}
	cfg, err := s.repo.InsertFeeConfig(ctx, percent, updatedBy)
	if err != nil {
		return nil, err
	}
	log.Printf("level=warn component=payout msg=\"platform fee adjusted\" version=%d percent=%.2f updated_by=%s",
		cfg.Version, cfg.Percent, updatedBy)
	return cfg, nil
}

// UpdateDestinationVerification applies an account.updated webhook.
func (s *PayoutService) UpdateDestinationVerification(ctx context.Context, externalAccountID string, verified bool) error {
	err := s.repo.UpdateDestinationVerification(ctx, externalAccountID, verified)
	if errors.Is(err, store.ErrDestinationNotFound) {
		log.Printf("level=warn component=payout msg=\"account update for unknown destination\" external_account_id=%s", externalAccountID)
		return nil
	}
	return err
}

// GetBalance returns the creator's balance with pending derived from the open period.
func (s *PayoutService) GetBalance(ctx context.Context, creatorID uuid.UUID) (*domain.CreatorBalance, error) {
	return s.repo.GetCreatorBalance(ctx, creatorID, domain.PeriodOf(s.now().UTC()))
}

// ListPayouts returns the creator's payout history, newest first.
func (s *PayoutService) ListPayouts(ctx context.Context, creatorID uuid.UUID, limit, offset int) ([]domain.Payout, error) {
	return s.repo.ListPayoutsByCreator(ctx, creatorID, limit, offset)
}

// ListEarnings returns the creator's recent earnings records.
func (s *PayoutService) ListEarnings(ctx context.Context, creatorID uuid.UUID, limit int) ([]domain.CreatorEarningsRecord, error) {
	return s.repo.ListEarningsRecordsByCreator(ctx, creatorID, limit)
}

// GetPayout returns one payout.
func (s *PayoutService) GetPayout(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	return s.repo.GetPayout(ctx, payoutID)
}

func (s *PayoutService) publishPayoutEvent(ctx context.Context, payout *domain.Payout, routingKey string, failureReason *string) {
	if s.publisher == nil {
		return
	}
	event := domain.PayoutEvent{
		PayoutID:      payout.ID,
		CreatorID:     payout.CreatorID,
		AmountCents:   payout.AmountCents,
		FeeCents:      payout.FeeCents,
		Status:        payout.Status,
		FailureReason: failureReason,
		CorrelationID: payout.CorrelationID,
		Timestamp:     s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=payout msg=\"event publish failed\" routing_key=%s payout_id=%s err=%v", routingKey, payout.ID, err)
	}
}
