package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
	"github.com/WeWriteApp/WeWrite-sub006/internal/store"
	"github.com/WeWriteApp/WeWrite-sub006/pkg/processorclient"
)

type jobsRepoStub struct {
	store.Repository

	duePayouts   []domain.Payout
	candidates   []uuid.UUID
	balances     []domain.CreatorBalance
	payoutTotals store.CompletedPayoutTotals

	dueQueries []time.Time
}

func (s *jobsRepoStub) ListDuePayoutRetries(ctx context.Context, now, stuckBefore time.Time) ([]domain.Payout, error) {
	s.dueQueries = append(s.dueQueries, now, stuckBefore)
	return s.duePayouts, nil
}

func (s *jobsRepoStub) ListAutoPayoutCandidates(ctx context.Context, minAvailableCents int64) ([]uuid.UUID, error) {
	return s.candidates, nil
}

func (s *jobsRepoStub) ListCreatorBalancesForAudit(ctx context.Context, limit, offset int) ([]domain.CreatorBalance, error) {
	if offset >= len(s.balances) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.balances) {
		end = len(s.balances)
	}
	return s.balances[offset:end], nil
}

func (s *jobsRepoStub) GetCompletedPayoutTotals(ctx context.Context) (*store.CompletedPayoutTotals, error) {
	totals := s.payoutTotals
	return &totals, nil
}

type settlementRunnerStub struct {
	result *SettlementResult
	err    error
	runs   int
}

func (s *settlementRunnerStub) SettleClosedPeriod(ctx context.Context) (*SettlementResult, error) {
	s.runs++
	return s.result, s.err
}

type payoutRunnerStub struct {
	processed  []uuid.UUID
	processErr map[uuid.UUID]error

	requested  []uuid.UUID
	requestErr map[uuid.UUID]error
}

func (s *payoutRunnerStub) ProcessPayout(ctx context.Context, payoutID uuid.UUID) error {
	s.processed = append(s.processed, payoutID)
	return s.processErr[payoutID]
}

func (s *payoutRunnerStub) RequestPayout(ctx context.Context, creatorID uuid.UUID, amountCents int64, correlationID string) (*domain.Payout, error) {
	s.requested = append(s.requested, creatorID)
	if err := s.requestErr[creatorID]; err != nil {
		return nil, err
	}
	return &domain.Payout{ID: uuid.New(), CreatorID: creatorID, AmountCents: 5000}, nil
}

type transferListerStub struct {
	transfers []processorclient.Transfer
}

func (s *transferListerStub) ListTransfers(ctx context.Context, status string, limit, offset int) ([]processorclient.Transfer, error) {
	if offset >= len(s.transfers) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.transfers) {
		end = len(s.transfers)
	}
	return s.transfers[offset:end], nil
}

func newTestJobs(repo *jobsRepoStub, settlement *settlementRunnerStub, payouts *payoutRunnerStub, transfers *transferListerStub) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := NewJobs(repo, settlement, payouts, transfers, logger, JobsConfig{AutoPayoutMinCents: 2500})
	jobs.now = func() time.Time { return time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC) }
	return jobs
}

func TestRunMonthlySettlement(t *testing.T) {
	settlement := &settlementRunnerStub{result: &SettlementResult{Period: "2026-02", CreatorsSettled: 3}}
	jobs := newTestJobs(&jobsRepoStub{}, settlement, &payoutRunnerStub{}, &transferListerStub{})

	jobs.RunMonthlySettlement()
	if settlement.runs != 1 {
		t.Fatalf("expected one settlement run, got %d", settlement.runs)
	}
}

func TestProcessDuePayoutRetries_ContinuesPastFailures(t *testing.T) {
	first := domain.Payout{ID: uuid.New()}
	second := domain.Payout{ID: uuid.New()}
	repo := &jobsRepoStub{duePayouts: []domain.Payout{first, second}}
	payouts := &payoutRunnerStub{processErr: map[uuid.UUID]error{first.ID: errors.New("transfer failed")}}
	jobs := newTestJobs(repo, &settlementRunnerStub{}, payouts, &transferListerStub{})

	jobs.ProcessDuePayoutRetries()
	if len(payouts.processed) != 2 {
		t.Fatalf("expected both due payouts processed, got %d", len(payouts.processed))
	}
	// The sweep also picks up payouts stuck past the age threshold.
	wantStuck := time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC).Add(-stuckPayoutAge)
	if len(repo.dueQueries) != 2 || !repo.dueQueries[1].Equal(wantStuck) {
		t.Fatalf("expected stuck cutoff %v, got %v", wantStuck, repo.dueQueries)
	}
}

func TestRunAutoPayouts_RequestsAndProcessesEachCandidate(t *testing.T) {
	good := uuid.New()
	bad := uuid.New()
	repo := &jobsRepoStub{candidates: []uuid.UUID{bad, good}}
	payouts := &payoutRunnerStub{requestErr: map[uuid.UUID]error{bad: ErrAccountNotEligible}}
	jobs := newTestJobs(repo, &settlementRunnerStub{}, payouts, &transferListerStub{})

	jobs.RunAutoPayouts()
	if len(payouts.requested) != 2 {
		t.Fatalf("expected both candidates requested, got %d", len(payouts.requested))
	}
	if len(payouts.processed) != 1 {
		t.Fatalf("expected only the successful request processed, got %d", len(payouts.processed))
	}
}

func TestRunReconciliationAudit_CleanRun(t *testing.T) {
	repo := &jobsRepoStub{
		balances: []domain.CreatorBalance{
			{CreatorID: uuid.New(), AvailableCents: 1000, PaidOutCents: 5000},
			{CreatorID: uuid.New(), AvailableCents: 0, PaidOutCents: 4500},
		},
		payoutTotals: store.CompletedPayoutTotals{Count: 2, NetCents: 8550},
	}
	transfers := &transferListerStub{transfers: []processorclient.Transfer{
		{TransferRef: "tr_1", AmountCents: 4500, Status: "paid"},
		{TransferRef: "tr_2", AmountCents: 4050, Status: "paid"},
	}}
	payouts := &payoutRunnerStub{}
	jobs := newTestJobs(repo, &settlementRunnerStub{}, payouts, transfers)

	jobs.RunReconciliationAudit()
	if len(payouts.processed) != 0 || len(payouts.requested) != 0 {
		t.Fatal("the audit must never mutate payout state")
	}
}

func TestRunReconciliationAudit_PagesThroughBalances(t *testing.T) {
	var balances []domain.CreatorBalance
	for i := 0; i < 501; i++ {
		balances = append(balances, domain.CreatorBalance{CreatorID: uuid.New()})
	}
	repo := &jobsRepoStub{balances: balances}
	jobs := newTestJobs(repo, &settlementRunnerStub{}, &payoutRunnerStub{}, &transferListerStub{})

	// Two pages: 500 then 1. The run completing without error is the assertion;
	// totals only cover what was paged in.
	jobs.RunReconciliationAudit()
}
