package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
	"github.com/WeWriteApp/WeWrite-sub006/internal/store"
	"github.com/WeWriteApp/WeWrite-sub006/pkg/processorclient"
)

type payoutRepoStub struct {
	store.Repository

	destination *domain.PayoutDestination
	balance     *domain.CreatorBalance
	feeConfig   *domain.FeeConfig
	payout      *domain.Payout

	created    *domain.Payout
	reserveErr error

	markProcessingErr error
	transferRef       string

	requeued        bool
	requeuedReason  string
	requeuedAt      time.Time
	requeuedRetries int

	failed       bool
	failedReason string

	completed    bool
	completeErr  error
	cancelled    bool
	retryPending bool
	retryErr     error
}

func (s *payoutRepoStub) GetPayoutDestination(ctx context.Context, creatorID uuid.UUID) (*domain.PayoutDestination, error) {
	if s.destination == nil {
		return nil, store.ErrDestinationNotFound
	}
	return s.destination, nil
}

func (s *payoutRepoStub) GetCreatorBalance(ctx context.Context, creatorID uuid.UUID, openPeriod string) (*domain.CreatorBalance, error) {
	return s.balance, nil
}

func (s *payoutRepoStub) GetCurrentFeeConfig(ctx context.Context) (*domain.FeeConfig, error) {
	return s.feeConfig, nil
}

func (s *payoutRepoStub) CreatePayoutWithReservation(ctx context.Context, payout *domain.Payout) error {
	if s.reserveErr != nil {
		return s.reserveErr
	}
	s.created = payout
	s.payout = payout
	return nil
}

func (s *payoutRepoStub) GetPayout(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	if s.payout == nil {
		return nil, store.ErrPayoutNotFound
	}
	copied := *s.payout
	return &copied, nil
}

func (s *payoutRepoStub) MarkPayoutProcessing(ctx context.Context, payoutID uuid.UUID) error {
	if s.markProcessingErr != nil {
		return s.markProcessingErr
	}
	s.payout.Status = domain.PayoutStatusProcessing
	return nil
}

func (s *payoutRepoStub) SetPayoutTransferRef(ctx context.Context, payoutID uuid.UUID, transferRef string) error {
	s.transferRef = transferRef
	return nil
}

func (s *payoutRepoStub) RequeuePayout(ctx context.Context, payoutID uuid.UUID, reason string, nextAttemptAt time.Time, retryCount int) error {
	s.requeued = true
	s.requeuedReason = reason
	s.requeuedAt = nextAttemptAt
	s.requeuedRetries = retryCount
	s.payout.Status = domain.PayoutStatusPending
	s.payout.RetryCount = retryCount
	return nil
}

func (s *payoutRepoStub) FailPayout(ctx context.Context, payoutID uuid.UUID, reason string) error {
	s.failed = true
	s.failedReason = reason
	s.payout.Status = domain.PayoutStatusFailed
	return nil
}

func (s *payoutRepoStub) CompletePayout(ctx context.Context, payoutID uuid.UUID, transferRef string) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	s.completed = true
	s.payout.Status = domain.PayoutStatusCompleted
	return nil
}

func (s *payoutRepoStub) CancelPayout(ctx context.Context, payoutID uuid.UUID) error {
	s.cancelled = true
	return nil
}

func (s *payoutRepoStub) RequeueFailedPayout(ctx context.Context, payoutID uuid.UUID) error {
	if s.retryErr != nil {
		return s.retryErr
	}
	s.retryPending = true
	s.payout.Status = domain.PayoutStatusPending
	return nil
}

type transferClientStub struct {
	resp     *processorclient.TransferResponse
	err      error
	requests []processorclient.TransferRequest
}

func (c *transferClientStub) InitiateTransfer(ctx context.Context, req processorclient.TransferRequest) (*processorclient.TransferResponse, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

type limiterStub struct {
	count int
}

func (l *limiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.count++
	return l.count, 3600, nil
}

func defaultPayoutConfig() PayoutConfig {
	return PayoutConfig{
		MinPayoutCents:      2500,
		MaxAutomatedRetries: 3,
		RetryableCodes:      map[string]bool{"rate_limited": true, "temporary_failure": true},
		RequestsPerHour:     10,
	}
}

func newTestPayoutService(repo *payoutRepoStub, client *transferClientStub, cfg PayoutConfig) (*PayoutService, *publisherStub) {
	pub := &publisherStub{}
	svc := NewPayoutService(repo, client, pub, nil, cfg)
	svc.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }
	return svc, pub
}

func eligibleRepo(availableCents int64) *payoutRepoStub {
	creatorID := uuid.New()
	return &payoutRepoStub{
		destination: &domain.PayoutDestination{
			ID:                uuid.New(),
			CreatorID:         creatorID,
			ExternalAccountID: "acct_123",
			Verified:          true,
		},
		balance:   &domain.CreatorBalance{CreatorID: creatorID, AvailableCents: availableCents},
		feeConfig: &domain.FeeConfig{Version: 3, Percent: 10},
	}
}

func TestComputeFeeCents(t *testing.T) {
	tests := []struct {
		amount  int64
		percent float64
		want    int64
	}{
		{amount: 2500, percent: 10, want: 250},
		{amount: 10000, percent: 7.5, want: 750},
		{amount: 333, percent: 10, want: 33},
		{amount: 335, percent: 10, want: 34},
		{amount: 5000, percent: 0, want: 0},
	}
	for _, tt := range tests {
		if got := ComputeFeeCents(tt.amount, tt.percent); got != tt.want {
			t.Errorf("ComputeFeeCents(%d, %v) = %d, want %d", tt.amount, tt.percent, got, tt.want)
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		completedRetries int
		want             time.Duration
	}{
		{completedRetries: 0, want: 5 * time.Minute},
		{completedRetries: 1, want: 10 * time.Minute},
		{completedRetries: 2, want: 20 * time.Minute},
		{completedRetries: 10, want: 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.completedRetries); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.completedRetries, got, tt.want)
		}
	}
}

func TestRequestPayout_SnapshotsFee(t *testing.T) {
	repo := eligibleRepo(10000)
	svc, pub := newTestPayoutService(repo, &transferClientStub{}, defaultPayoutConfig())

	payout, err := svc.RequestPayout(context.Background(), repo.balance.CreatorID, 5000, "corr-1")
	if err != nil {
		t.Fatalf("RequestPayout returned error: %v", err)
	}
	if payout.FeeCents != 500 || payout.FeePercent != 10 || payout.FeeConfigVersion != 3 {
		t.Fatalf("fee snapshot wrong: %+v", payout)
	}
	if payout.IdempotencyKey != "payout-"+payout.ID.String() {
		t.Fatalf("unexpected idempotency key %q", payout.IdempotencyKey)
	}
	if payout.Status != domain.PayoutStatusPending {
		t.Fatalf("expected pending, got %s", payout.Status)
	}
	if len(pub.published) != 1 || pub.published[0] != domain.EventPayoutInitiated {
		t.Fatalf("expected payout.initiated event, got %v", pub.published)
	}
}

func TestRequestPayout_ZeroAmountTakesFullBalance(t *testing.T) {
	repo := eligibleRepo(8000)
	svc, _ := newTestPayoutService(repo, &transferClientStub{}, defaultPayoutConfig())

	payout, err := svc.RequestPayout(context.Background(), repo.balance.CreatorID, 0, "corr-1")
	if err != nil {
		t.Fatalf("RequestPayout returned error: %v", err)
	}
	if payout.AmountCents != 8000 {
		t.Fatalf("expected full balance 8000, got %d", payout.AmountCents)
	}
}

func TestRequestPayout_BelowThreshold(t *testing.T) {
	repo := eligibleRepo(10000)
	svc, _ := newTestPayoutService(repo, &transferClientStub{}, defaultPayoutConfig())

	_, err := svc.RequestPayout(context.Background(), repo.balance.CreatorID, 2000, "corr-1")
	var thresholdErr *BelowMinimumThresholdError
	if !errors.As(err, &thresholdErr) {
		t.Fatalf("expected BelowMinimumThresholdError, got %v", err)
	}
}

func TestRequestPayout_UnverifiedDestination(t *testing.T) {
	repo := eligibleRepo(10000)
	repo.destination.Verified = false
	svc, _ := newTestPayoutService(repo, &transferClientStub{}, defaultPayoutConfig())

	_, err := svc.RequestPayout(context.Background(), repo.balance.CreatorID, 5000, "corr-1")
	if !errors.Is(err, ErrAccountNotEligible) {
		t.Fatalf("expected ErrAccountNotEligible, got %v", err)
	}
}

func TestRequestPayout_InsufficientAvailable(t *testing.T) {
	repo := eligibleRepo(10000)
	repo.reserveErr = store.ErrInsufficientAvailable
	svc, _ := newTestPayoutService(repo, &transferClientStub{}, defaultPayoutConfig())

	_, err := svc.RequestPayout(context.Background(), repo.balance.CreatorID, 5000, "corr-1")
	var budgetErr *BudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
}

func TestRequestPayout_RateLimited(t *testing.T) {
	repo := eligibleRepo(10000)
	cfg := defaultPayoutConfig()
	cfg.RequestsPerHour = 1
	pub := &publisherStub{}
	limiter := &limiterStub{}
	svc := NewPayoutService(repo, &transferClientStub{}, pub, limiter, cfg)

	if _, err := svc.RequestPayout(context.Background(), repo.balance.CreatorID, 5000, "corr-1"); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	_, err := svc.RequestPayout(context.Background(), repo.balance.CreatorID, 5000, "corr-2")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestProcessPayout_SubmitsNetAmount(t *testing.T) {
	repo := eligibleRepo(10000)
	repo.payout = &domain.Payout{
		ID:             uuid.New(),
		CreatorID:      repo.balance.CreatorID,
		AmountCents:    5000,
		FeeCents:       500,
		Status:         domain.PayoutStatusPending,
		IdempotencyKey: "payout-abc",
	}
	client := &transferClientStub{resp: &processorclient.TransferResponse{TransferRef: "tr_1", Status: "processing"}}
	svc, _ := newTestPayoutService(repo, client, defaultPayoutConfig())

	if err := svc.ProcessPayout(context.Background(), repo.payout.ID); err != nil {
		t.Fatalf("ProcessPayout returned error: %v", err)
	}
	if len(client.requests) != 1 {
		t.Fatalf("expected one transfer request, got %d", len(client.requests))
	}
	req := client.requests[0]
	if req.AmountCents != 4500 {
		t.Fatalf("expected net 4500 cents submitted, got %d", req.AmountCents)
	}
	if req.IdempotencyKey != "payout-abc" {
		t.Fatalf("unexpected idempotency key %q", req.IdempotencyKey)
	}
	if repo.transferRef != "tr_1" {
		t.Fatalf("expected transfer ref persisted, got %q", repo.transferRef)
	}
	if repo.completed {
		t.Fatal("non-paid response must not complete the payout")
	}
}

func TestProcessPayout_SynchronousPaidCompletes(t *testing.T) {
	repo := eligibleRepo(10000)
	repo.payout = &domain.Payout{ID: uuid.New(), CreatorID: repo.balance.CreatorID, AmountCents: 5000, Status: domain.PayoutStatusPending}
	client := &transferClientStub{resp: &processorclient.TransferResponse{TransferRef: "tr_1", Status: "paid"}}
	svc, pub := newTestPayoutService(repo, client, defaultPayoutConfig())

	if err := svc.ProcessPayout(context.Background(), repo.payout.ID); err != nil {
		t.Fatalf("ProcessPayout returned error: %v", err)
	}
	if !repo.completed {
		t.Fatal("expected a paid response to complete the payout")
	}
	if len(pub.published) != 1 || pub.published[0] != domain.EventPayoutCompleted {
		t.Fatalf("expected payout.completed event, got %v", pub.published)
	}
}

func TestProcessPayout_SkipsNonPending(t *testing.T) {
	repo := eligibleRepo(10000)
	repo.payout = &domain.Payout{ID: uuid.New(), Status: domain.PayoutStatusCompleted}
	repo.markProcessingErr = store.ErrInvalidPayoutState
	client := &transferClientStub{}
	svc, _ := newTestPayoutService(repo, client, defaultPayoutConfig())

	if err := svc.ProcessPayout(context.Background(), repo.payout.ID); err != nil {
		t.Fatalf("expected a claimed payout to be a no-op, got %v", err)
	}
	if len(client.requests) != 0 {
		t.Fatal("no transfer may be submitted when the claim is lost")
	}
}

func TestProcessPayout_RetryableFailureRequeues(t *testing.T) {
	repo := eligibleRepo(10000)
	repo.payout = &domain.Payout{ID: uuid.New(), CreatorID: repo.balance.CreatorID, AmountCents: 5000, Status: domain.PayoutStatusPending, RetryCount: 1}
	client := &transferClientStub{err: &processorclient.APIError{Status: 503, Code: "temporary_failure", Message: "try later"}}
	svc, pub := newTestPayoutService(repo, client, defaultPayoutConfig())

	if err := svc.ProcessPayout(context.Background(), repo.payout.ID); err != nil {
		t.Fatalf("ProcessPayout returned error: %v", err)
	}
	if !repo.requeued {
		t.Fatal("expected the payout requeued")
	}
	if repo.requeuedRetries != 2 {
		t.Fatalf("expected retry count 2, got %d", repo.requeuedRetries)
	}
	// One completed retry doubles the 5m base once.
	wantAt := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC).Add(10 * time.Minute)
	if !repo.requeuedAt.Equal(wantAt) {
		t.Fatalf("expected next attempt %v, got %v", wantAt, repo.requeuedAt)
	}
	if len(pub.published) != 0 {
		t.Fatalf("a requeue must not publish a failure event, got %v", pub.published)
	}
}

func TestProcessPayout_NonRetryableFailureFails(t *testing.T) {
	repo := eligibleRepo(10000)
	repo.payout = &domain.Payout{ID: uuid.New(), CreatorID: repo.balance.CreatorID, AmountCents: 5000, Status: domain.PayoutStatusPending}
	client := &transferClientStub{err: &processorclient.APIError{Status: 400, Code: "account_closed", Message: "destination closed"}}
	svc, pub := newTestPayoutService(repo, client, defaultPayoutConfig())

	if err := svc.ProcessPayout(context.Background(), repo.payout.ID); err != nil {
		t.Fatalf("ProcessPayout returned error: %v", err)
	}
	if repo.requeued {
		t.Fatal("a non-retryable failure must not requeue")
	}
	if !repo.failed {
		t.Fatal("expected the payout marked failed")
	}
	if len(pub.published) != 1 || pub.published[0] != domain.EventPayoutFailed {
		t.Fatalf("expected payout.failed event, got %v", pub.published)
	}
}

func TestProcessPayout_RetriesExhaustedFails(t *testing.T) {
	repo := eligibleRepo(10000)
	repo.payout = &domain.Payout{ID: uuid.New(), CreatorID: repo.balance.CreatorID, AmountCents: 5000, Status: domain.PayoutStatusPending, RetryCount: 3}
	client := &transferClientStub{err: &processorclient.APIError{Status: 503, Code: "temporary_failure", Message: "try later"}}
	svc, _ := newTestPayoutService(repo, client, defaultPayoutConfig())

	if err := svc.ProcessPayout(context.Background(), repo.payout.ID); err != nil {
		t.Fatalf("ProcessPayout returned error: %v", err)
	}
	if repo.requeued {
		t.Fatal("retries are exhausted, the payout must not requeue")
	}
	if !repo.failed {
		t.Fatal("expected the payout marked failed")
	}
}

func TestProcessPayout_RetrySubmitsAttemptScopedKey(t *testing.T) {
	repo := eligibleRepo(10000)
	repo.payout = &domain.Payout{
		ID:             uuid.New(),
		CreatorID:      repo.balance.CreatorID,
		AmountCents:    5000,
		Status:         domain.PayoutStatusPending,
		IdempotencyKey: "payout-abc",
		RetryCount:     2,
	}
	client := &transferClientStub{resp: &processorclient.TransferResponse{TransferRef: "tr_2", Status: "processing"}}
	svc, _ := newTestPayoutService(repo, client, defaultPayoutConfig())

	if err := svc.ProcessPayout(context.Background(), repo.payout.ID); err != nil {
		t.Fatalf("ProcessPayout returned error: %v", err)
	}
	if len(client.requests) != 1 {
		t.Fatalf("expected one transfer request, got %d", len(client.requests))
	}
	if got := client.requests[0].IdempotencyKey; got != "payout-abc-r2" {
		t.Fatalf("expected attempt-scoped key payout-abc-r2, got %q", got)
	}
}

func TestCompleteFromTransfer_DuplicateIsNoOp(t *testing.T) {
	repo := eligibleRepo(10000)
	repo.payout = &domain.Payout{ID: uuid.New(), Status: domain.PayoutStatusCompleted}
	repo.completeErr = store.ErrInvalidPayoutState
	svc, pub := newTestPayoutService(repo, &transferClientStub{}, defaultPayoutConfig())

	if err := svc.CompleteFromTransfer(context.Background(), repo.payout.ID, "tr_1"); err != nil {
		t.Fatalf("duplicate completion must be a no-op, got %v", err)
	}
	if len(pub.published) != 0 {
		t.Fatalf("duplicate completion must not publish, got %v", pub.published)
	}
}

func TestFailFromTransfer_IgnoresNonProcessing(t *testing.T) {
	repo := eligibleRepo(10000)
	repo.payout = &domain.Payout{ID: uuid.New(), Status: domain.PayoutStatusCompleted}
	svc, _ := newTestPayoutService(repo, &transferClientStub{}, defaultPayoutConfig())

	if err := svc.FailFromTransfer(context.Background(), repo.payout.ID, "temporary_failure", "late failure"); err != nil {
		t.Fatalf("expected no-op for a completed payout, got %v", err)
	}
	if repo.failed || repo.requeued {
		t.Fatal("a completed payout must not change state")
	}
}

func TestRetry_RejectsNonFailed(t *testing.T) {
	repo := eligibleRepo(10000)
	repo.payout = &domain.Payout{ID: uuid.New(), Status: domain.PayoutStatusCompleted}
	repo.retryErr = store.ErrInvalidPayoutState
	svc, _ := newTestPayoutService(repo, &transferClientStub{}, defaultPayoutConfig())

	if err := svc.Retry(context.Background(), repo.payout.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
}

func TestCancel_RejectsCompleted(t *testing.T) {
	repo := eligibleRepo(10000)
	repo.payout = &domain.Payout{ID: uuid.New(), Status: domain.PayoutStatusCompleted}
	svc, _ := newTestPayoutService(repo, &transferClientStub{}, defaultPayoutConfig())

	if err := svc.Cancel(context.Background(), repo.payout.ID); !errors.Is(err, store.ErrInvalidPayoutState) {
		t.Fatalf("expected ErrInvalidPayoutState, got %v", err)
	}
	if repo.cancelled {
		t.Fatal("a completed payout must not be cancelled")
	}
}

func TestForceComplete_RejectsTerminal(t *testing.T) {
	repo := eligibleRepo(10000)
	repo.payout = &domain.Payout{ID: uuid.New(), Status: domain.PayoutStatusCancelled}
	svc, pub := newTestPayoutService(repo, &transferClientStub{}, defaultPayoutConfig())

	if err := svc.ForceComplete(context.Background(), repo.payout.ID, "support ticket 812"); !errors.Is(err, store.ErrInvalidPayoutState) {
		t.Fatalf("expected ErrInvalidPayoutState, got %v", err)
	}
	if repo.completed || len(pub.published) != 0 {
		t.Fatal("a terminal payout must not be force-completed")
	}
}

func TestForceComplete_RequiresReason(t *testing.T) {
	repo := eligibleRepo(10000)
	svc, _ := newTestPayoutService(repo, &transferClientStub{}, defaultPayoutConfig())

	err := svc.ForceComplete(context.Background(), uuid.New(), "")
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAdjustPlatformFee_BoundsPercent(t *testing.T) {
	repo := eligibleRepo(10000)
	svc, _ := newTestPayoutService(repo, &transferClientStub{}, defaultPayoutConfig())

	for _, percent := range []float64{-1, 101} {
		_, err := svc.AdjustPlatformFee(context.Background(), percent, "ops")
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("percent %v: expected ValidationError, got %v", percent, err)
		}
	}
}
