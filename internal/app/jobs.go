/**
 * @description
 * Scheduled job implementations: monthly settlement, the payout retry sweep,
 * automatic payouts for opted-in creators, and the daily reconciliation audit.
 *
 * @dependencies
 * - context, log/slog, time: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/processorclient: Transfer listing for the reconciliation audit.
 */

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
	"github.com/WeWriteApp/WeWrite-sub006/internal/store"
	"github.com/WeWriteApp/WeWrite-sub006/pkg/processorclient"
)

// How long a pending payout may sit without a scheduled attempt before the
// sweep picks it up anyway.
const stuckPayoutAge = 30 * time.Minute

// SettlementRunner is the settlement surface the jobs need.
type SettlementRunner interface {
	SettleClosedPeriod(ctx context.Context) (*SettlementResult, error)
}

// PayoutRunner is the payout surface the jobs need.
type PayoutRunner interface {
	ProcessPayout(ctx context.Context, payoutID uuid.UUID) error
	RequestPayout(ctx context.Context, creatorID uuid.UUID, amountCents int64, correlationID string) (*domain.Payout, error)
}

// TransferLister fetches processor-side transfers for the reconciliation audit.
type TransferLister interface {
	ListTransfers(ctx context.Context, status string, limit, offset int) ([]processorclient.Transfer, error)
}

// JobsConfig carries the tunables the scheduled jobs read.
type JobsConfig struct {
	AutoPayoutMinCents int64
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo       store.Repository
	settlement SettlementRunner
	payouts    PayoutRunner
	transfers  TransferLister
	logger     *slog.Logger
	config     JobsConfig
	now        func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo store.Repository, settlement SettlementRunner, payouts PayoutRunner, transfers TransferLister, logger *slog.Logger, cfg JobsConfig) *Jobs {
	return &Jobs{
		repo:       repo,
		settlement: settlement,
		payouts:    payouts,
		transfers:  transfers,
		logger:     logger,
		config:     cfg,
		now:        time.Now,
	}
}

// RunMonthlySettlement settles the most recently closed billing period. The
// settlement engine is idempotent, so an overlapping or repeated run is safe.
func (j *Jobs) RunMonthlySettlement() {
	j.logger.Info("starting monthly settlement job")
	ctx := context.Background()

	result, err := j.settlement.SettleClosedPeriod(ctx)
	if err != nil {
		j.logger.Error("monthly settlement failed", "error", err)
		return
	}
	if result.AlreadySettled {
		j.logger.Info("period already settled, nothing to do", "period", result.Period)
		return
	}

	j.logger.Info("monthly settlement job finished",
		"period", result.Period,
		"creators_settled", result.CreatorsSettled,
		"allocated_total_cents", result.AllocatedTotalCents,
		"revenue_total_cents", result.RevenueTotalCents)
}

// ProcessDuePayoutRetries re-submits pending payouts whose backoff has elapsed,
// plus pending payouts that have sat unprocessed past the stuck threshold.
func (j *Jobs) ProcessDuePayoutRetries() {
	j.logger.Info("starting payout retry sweep")
	ctx := context.Background()
	now := j.now().UTC()

	due, err := j.repo.ListDuePayoutRetries(ctx, now, now.Add(-stuckPayoutAge))
	if err != nil {
		j.logger.Error("failed to list due payout retries", "error", err)
		return
	}
	if len(due) == 0 {
		j.logger.Info("no payouts due for retry")
		return
	}

	j.logger.Info("found payouts due for retry", "count", len(due))
	for _, payout := range due {
		if err := j.payouts.ProcessPayout(ctx, payout.ID); err != nil {
			j.logger.Error("payout retry failed", "payout_id", payout.ID, "retry_count", payout.RetryCount, "error", err)
			continue
		}
		j.logger.Info("payout retry submitted", "payout_id", payout.ID, "retry_count", payout.RetryCount)
	}

	j.logger.Info("payout retry sweep finished")
}

// RunAutoPayouts requests a full-balance payout for every creator who opted in
// and whose available balance clears the minimum threshold. Per-creator
// failures are logged and skipped so one bad destination cannot stall the rest.
func (j *Jobs) RunAutoPayouts() {
	j.logger.Info("starting auto payout job")
	ctx := context.Background()

	candidates, err := j.repo.ListAutoPayoutCandidates(ctx, j.config.AutoPayoutMinCents)
	if err != nil {
		j.logger.Error("failed to list auto payout candidates", "error", err)
		return
	}
	if len(candidates) == 0 {
		j.logger.Info("no auto payout candidates")
		return
	}

	j.logger.Info("found auto payout candidates", "count", len(candidates))
	for _, creatorID := range candidates {
		payout, err := j.payouts.RequestPayout(ctx, creatorID, 0, "auto-payout-"+uuid.NewString())
		if err != nil {
			j.logger.Error("auto payout request failed", "creator_id", creatorID, "error", err)
			continue
		}
		if err := j.payouts.ProcessPayout(ctx, payout.ID); err != nil {
			j.logger.Error("auto payout processing failed", "creator_id", creatorID, "payout_id", payout.ID, "error", err)
			continue
		}
		j.logger.Info("auto payout submitted", "creator_id", creatorID, "payout_id", payout.ID, "amount_cents", payout.AmountCents)
	}

	j.logger.Info("auto payout job finished")
}

// RunReconciliationAudit compares our ledger against the processor's transfer
// history. It is strictly read-only: discrepancies are logged at error level
// for an operator, never auto-corrected.
func (j *Jobs) RunReconciliationAudit() {
	j.logger.Info("starting reconciliation audit")
	ctx := context.Background()

	var negativeBalances, totalCreators int
	var ledgerPaidOutCents int64
	const pageSize = 500
	for offset := 0; ; offset += pageSize {
		balances, err := j.repo.ListCreatorBalancesForAudit(ctx, pageSize, offset)
		if err != nil {
			j.logger.Error("failed to list creator balances for audit", "offset", offset, "error", err)
			return
		}
		for _, b := range balances {
			totalCreators++
			ledgerPaidOutCents += b.PaidOutCents
			if b.AvailableCents < 0 || b.PendingCents < 0 || b.PaidOutCents < 0 {
				negativeBalances++
				j.logger.Error("RECONCILIATION: negative balance detected",
					"creator_id", b.CreatorID,
					"available_cents", b.AvailableCents,
					"pending_cents", b.PendingCents,
					"paid_out_cents", b.PaidOutCents)
			}
		}
		if len(balances) < pageSize {
			break
		}
	}

	ledgerTotals, err := j.repo.GetCompletedPayoutTotals(ctx)
	if err != nil {
		j.logger.Error("failed to aggregate completed payouts for audit", "error", err)
		return
	}

	var processorPaidCents int64
	var processorPaidCount int
	for offset := 0; ; offset += pageSize {
		transfers, err := j.transfers.ListTransfers(ctx, "paid", pageSize, offset)
		if err != nil {
			j.logger.Error("failed to list processor transfers for audit", "offset", offset, "error", err)
			return
		}
		for _, t := range transfers {
			processorPaidCents += t.AmountCents
			processorPaidCount++
		}
		if len(transfers) < pageSize {
			break
		}
	}

	// Ledger paid-out is gross per creator; the processor sees net transfers.
	// The cross-system comparison is therefore net completed payouts against
	// paid processor transfers.
	if ledgerTotals.NetCents != processorPaidCents || ledgerTotals.Count != processorPaidCount {
		j.logger.Error("RECONCILIATION: ledger and processor totals disagree",
			"ledger_completed_count", ledgerTotals.Count,
			"ledger_net_cents", ledgerTotals.NetCents,
			"processor_paid_count", processorPaidCount,
			"processor_paid_cents", processorPaidCents,
			"difference_cents", ledgerTotals.NetCents-processorPaidCents)
	}

	j.logger.Info("reconciliation audit finished",
		"creators_audited", totalCreators,
		"negative_balances", negativeBalances,
		"ledger_paid_out_cents", ledgerPaidOutCents,
		"ledger_net_completed_cents", ledgerTotals.NetCents,
		"processor_paid_cents", processorPaidCents)
}
