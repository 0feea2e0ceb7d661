package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
	"github.com/WeWriteApp/WeWrite-sub006/internal/store"
	"github.com/WeWriteApp/WeWrite-sub006/pkg/processorclient"
)

type settlementRepoStub struct {
	store.Repository

	claimed bool
	settled bool

	records  []domain.CreatorEarningsRecord
	totals   store.PeriodTotals
	released int

	claims   int
	releases int
	marked   bool
}

func (s *settlementRepoStub) ClaimPeriodForSettlement(ctx context.Context, period string) (bool, error) {
	s.claims++
	if s.settled || s.claimed {
		return false, nil
	}
	s.claimed = true
	return true, nil
}

func (s *settlementRepoStub) AggregateEarningsForPeriod(ctx context.Context, period string) ([]domain.CreatorEarningsRecord, error) {
	return s.records, nil
}

func (s *settlementRepoStub) GetPeriodTotals(ctx context.Context, period string) (*store.PeriodTotals, error) {
	totals := s.totals
	totals.Period = period
	return &totals, nil
}

func (s *settlementRepoStub) ReleaseEarningsToAvailable(ctx context.Context, period string) (int, error) {
	s.releases++
	return s.released, nil
}

func (s *settlementRepoStub) MarkPeriodSettled(ctx context.Context, period string) error {
	s.marked = true
	s.settled = true
	s.claimed = false
	return nil
}

type poolTransferStub struct {
	err      error
	requests []processorclient.PoolTransferRequest
}

func (c *poolTransferStub) InitiatePoolTransfer(ctx context.Context, req processorclient.PoolTransferRequest) (*processorclient.TransferResponse, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	return &processorclient.TransferResponse{TransferRef: "pool_tr_1", Status: "paid"}, nil
}

func TestSettlePeriod_FullRun(t *testing.T) {
	repo := &settlementRepoStub{
		records: []domain.CreatorEarningsRecord{
			{ID: uuid.New(), TotalCents: 4000},
			{ID: uuid.New(), TotalCents: 2000},
		},
		totals:   store.PeriodTotals{TotalBudgetCents: 10000, AllocatedTotalCents: 6000},
		released: 2,
	}
	pool := &poolTransferStub{}
	pub := &publisherStub{}
	svc := NewSettlementService(repo, pool, pub, "pool_revenue", "pool_escrow")

	result, err := svc.SettlePeriod(context.Background(), "2026-02")
	if err != nil {
		t.Fatalf("SettlePeriod returned error: %v", err)
	}
	if result.AlreadySettled {
		t.Fatal("first run must not report already settled")
	}
	if result.CreatorsSettled != 2 {
		t.Fatalf("expected 2 creators settled, got %d", result.CreatorsSettled)
	}
	if result.AllocatedTotalCents != 6000 || result.RevenueTotalCents != 4000 {
		t.Fatalf("unexpected totals: %+v", result)
	}

	if len(pool.requests) != 1 {
		t.Fatalf("expected one pool transfer, got %d", len(pool.requests))
	}
	req := pool.requests[0]
	if req.SourcePoolID != "pool_revenue" || req.DestinationPoolID != "pool_escrow" {
		t.Fatalf("pool transfer has wrong endpoints: %+v", req)
	}
	if req.AmountCents != 6000 {
		t.Fatalf("expected allocated total 6000 moved, got %d", req.AmountCents)
	}
	if req.IdempotencyKey != "settlement-2026-02" {
		t.Fatalf("unexpected idempotency key %q", req.IdempotencyKey)
	}

	if !repo.marked {
		t.Fatal("expected the period marked settled")
	}
	if len(pub.published) != 1 || pub.published[0] != domain.EventPeriodSettled {
		t.Fatalf("expected settlement.period_settled event, got %v", pub.published)
	}
}

func TestSettlePeriod_SecondRunIsNoOp(t *testing.T) {
	repo := &settlementRepoStub{totals: store.PeriodTotals{AllocatedTotalCents: 1000, TotalBudgetCents: 1000}, released: 1}
	pool := &poolTransferStub{}
	svc := NewSettlementService(repo, pool, &publisherStub{}, "pool_revenue", "pool_escrow")

	if _, err := svc.SettlePeriod(context.Background(), "2026-02"); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	result, err := svc.SettlePeriod(context.Background(), "2026-02")
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !result.AlreadySettled {
		t.Fatal("expected the second run to report already settled")
	}
	if len(pool.requests) != 1 {
		t.Fatalf("expected the funds moved exactly once, got %d transfers", len(pool.requests))
	}
	if repo.releases != 1 {
		t.Fatalf("expected one release pass, got %d", repo.releases)
	}
}

func TestSettlePeriod_ZeroAllocatedSkipsPoolTransfer(t *testing.T) {
	repo := &settlementRepoStub{totals: store.PeriodTotals{TotalBudgetCents: 5000, AllocatedTotalCents: 0}}
	pool := &poolTransferStub{}
	svc := NewSettlementService(repo, pool, &publisherStub{}, "pool_revenue", "pool_escrow")

	result, err := svc.SettlePeriod(context.Background(), "2026-02")
	if err != nil {
		t.Fatalf("SettlePeriod returned error: %v", err)
	}
	if len(pool.requests) != 0 {
		t.Fatal("no allocations means no escrow movement")
	}
	if result.RevenueTotalCents != 5000 {
		t.Fatalf("expected the whole budget kept as revenue, got %d", result.RevenueTotalCents)
	}
	if !repo.marked {
		t.Fatal("the period must still be marked settled")
	}
}

func TestSettlePeriod_PoolTransferFailureLeavesPeriodResumable(t *testing.T) {
	repo := &settlementRepoStub{totals: store.PeriodTotals{TotalBudgetCents: 5000, AllocatedTotalCents: 3000}}
	pool := &poolTransferStub{err: errors.New("processor unavailable")}
	svc := NewSettlementService(repo, pool, &publisherStub{}, "pool_revenue", "pool_escrow")

	_, err := svc.SettlePeriod(context.Background(), "2026-02")
	if err == nil {
		t.Fatal("expected the run to fail when the pool transfer fails")
	}
	if repo.marked {
		t.Fatal("a failed run must not mark the period settled")
	}
	if repo.releases != 0 {
		t.Fatal("earnings must not be released before the escrow funding succeeds")
	}
}

func TestSettlePeriod_RejectsMalformedPeriod(t *testing.T) {
	svc := NewSettlementService(&settlementRepoStub{}, &poolTransferStub{}, &publisherStub{}, "a", "b")

	for _, period := range []string{"", "2026", "2026-13", "march"} {
		_, err := svc.SettlePeriod(context.Background(), period)
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			t.Fatalf("period %q: expected ValidationError, got %v", period, err)
		}
	}
}
