/**
 * @description
 * PostgreSQL queries for the monthly settlement pipeline: the per-period
 * processing marker, idempotent earnings aggregation, and the pending ->
 * available balance release.
 *
 * The period string is the natural idempotency key throughout. Re-running
 * aggregation overwrites the existing earnings record for a creator rather
 * than adding to it, and the release step only touches records still marked
 * pending, so a crashed run can always be resumed safely.
 */

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
)

// ClaimPeriodForSettlement upserts the processing marker for a period and
// reports whether this worker holds the claim. A settled period is never
// claimed again, and a period locked by a live concurrent run is not claimed
// either, so the loser exits early instead of re-running the pipeline. A lock
// older than an hour is treated as a crashed run and claimed for resumption,
// refreshing locked_at so a second resumer waits out a fresh window.
func (r *PostgresRepository) ClaimPeriodForSettlement(ctx context.Context, period string) (bool, error) {
	query := `
		INSERT INTO settlement_periods (period, state, locked_at)
		VALUES ($1, 'locked', now())
		ON CONFLICT (period) DO UPDATE
		SET state = 'locked', locked_at = now(), updated_at = now()
		WHERE settlement_periods.state = 'open'
		   OR (settlement_periods.state = 'locked' AND settlement_periods.locked_at < now() - interval '1 hour')
		RETURNING period
	`
	var claimed string
	err := r.db.QueryRow(ctx, query, period).Scan(&claimed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetSettlementPeriod returns the processing marker for a period, or an
// implicit open marker when none exists yet.
func (r *PostgresRepository) GetSettlementPeriod(ctx context.Context, period string) (*domain.SettlementPeriod, error) {
	var p domain.SettlementPeriod
	query := `
		SELECT period, state, locked_at, settled_at, updated_at
		FROM settlement_periods
		WHERE period = $1
	`
	err := r.db.QueryRow(ctx, query, period).Scan(&p.Period, &p.State, &p.LockedAt, &p.SettledAt, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return &domain.SettlementPeriod{Period: period, State: domain.PeriodStateOpen}, nil
		}
		return nil, err
	}
	return &p, nil
}

// AggregateEarningsForPeriod writes one earnings record per creator from that
// creator's active allocations in the period. The (creator_id, period) unique
// key makes the write idempotent: a re-run overwrites totals, it never adds.
func (r *PostgresRepository) AggregateEarningsForPeriod(ctx context.Context, period string) ([]domain.CreatorEarningsRecord, error) {
	query := `
		INSERT INTO creator_earnings_records (id, creator_id, period, total_cents, allocation_count, allocation_ids, status)
		SELECT gen_random_uuid(), recipient_id, $1, SUM(amount_cents), COUNT(*), array_agg(id), 'pending'
		FROM allocations
		WHERE period = $1 AND status = 'active' AND amount_cents > 0
		GROUP BY recipient_id
		ON CONFLICT (creator_id, period) DO UPDATE
		SET total_cents = EXCLUDED.total_cents,
		    allocation_count = EXCLUDED.allocation_count,
		    allocation_ids = EXCLUDED.allocation_ids,
		    updated_at = now()
		RETURNING id, creator_id, period, total_cents, allocation_count, allocation_ids, status, created_at, updated_at
	`
	rows, err := r.db.Query(ctx, query, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.CreatorEarningsRecord
	for rows.Next() {
		var rec domain.CreatorEarningsRecord
		if err := rows.Scan(
			&rec.ID, &rec.CreatorID, &rec.Period, &rec.TotalCents, &rec.AllocationCount,
			&rec.AllocationIDs, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetPeriodTotals returns the aggregate budget and allocated totals for a
// period, used to size the revenue-to-escrow pool movement.
func (r *PostgresRepository) GetPeriodTotals(ctx context.Context, period string) (*PeriodTotals, error) {
	totals := &PeriodTotals{Period: period}
	query := `
		SELECT COALESCE(SUM(total_budget_cents), 0), COALESCE(SUM(allocated_cents), 0)
		FROM subscriber_balances
		WHERE period = $1
	`
	err := r.db.QueryRow(ctx, query, period).Scan(&totals.TotalBudgetCents, &totals.AllocatedTotalCents)
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// ReleaseEarningsToAvailable flips every still-pending earnings record for the
// period to available and credits each creator's available balance, in one
// transaction. A second run finds no pending rows and is a no-op, which is
// what makes settlement safe to re-run.
func (r *PostgresRepository) ReleaseEarningsToAvailable(ctx context.Context, period string) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	flipQuery := `
		UPDATE creator_earnings_records
		SET status = 'available', updated_at = now()
		WHERE period = $1 AND status = 'pending'
		RETURNING creator_id, total_cents
	`
	rows, err := tx.Query(ctx, flipQuery, period)
	if err != nil {
		return 0, err
	}

	type release struct {
		creatorID uuid.UUID
		cents     int64
	}
	var releases []release
	for rows.Next() {
		var rel release
		if err := rows.Scan(&rel.creatorID, &rel.cents); err != nil {
			rows.Close()
			return 0, err
		}
		releases = append(releases, rel)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	creditQuery := `
		INSERT INTO creator_balances (creator_id, available_cents, paid_out_cents)
		VALUES ($1, $2, 0)
		ON CONFLICT (creator_id) DO UPDATE
		SET available_cents = creator_balances.available_cents + $2,
		    updated_at = now()
	`
	for _, rel := range releases {
		if _, err := tx.Exec(ctx, creditQuery, rel.creatorID, rel.cents); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(releases), nil
}

// MarkPeriodSettled moves the processing marker to its terminal state.
func (r *PostgresRepository) MarkPeriodSettled(ctx context.Context, period string) error {
	query := `
		UPDATE settlement_periods
		SET state = 'settled', settled_at = now(), updated_at = now()
		WHERE period = $1 AND state = 'locked'
	`
	tag, err := r.db.Exec(ctx, query, period)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPeriodClosed
	}
	return nil
}

// GetCreatorBalance returns a creator's balance. Pending cents are derived on
// read from the open period's active allocations; the stored row only owns
// available and lifetime paid-out totals, so there is exactly one writer per
// field.
func (r *PostgresRepository) GetCreatorBalance(ctx context.Context, creatorID uuid.UUID, openPeriod string) (*domain.CreatorBalance, error) {
	b := &domain.CreatorBalance{CreatorID: creatorID}
	query := `
		SELECT COALESCE(cb.available_cents, 0), COALESCE(cb.paid_out_cents, 0),
		       COALESCE((
		           SELECT SUM(a.amount_cents) FROM allocations a
		           WHERE a.recipient_id = $1 AND a.period = $2 AND a.status = 'active'
		       ), 0),
		       COALESCE(cb.updated_at, now())
		FROM (SELECT 1) one
		LEFT JOIN creator_balances cb ON cb.creator_id = $1
	`
	err := r.db.QueryRow(ctx, query, creatorID, openPeriod).Scan(
		&b.AvailableCents, &b.PaidOutCents, &b.PendingCents, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListEarningsRecordsByCreator returns a creator's most recent earnings
// records, newest period first.
func (r *PostgresRepository) ListEarningsRecordsByCreator(ctx context.Context, creatorID uuid.UUID, limit int) ([]domain.CreatorEarningsRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 24
	}
	query := `
		SELECT id, creator_id, period, total_cents, allocation_count, allocation_ids, status, created_at, updated_at
		FROM creator_earnings_records
		WHERE creator_id = $1
		ORDER BY period DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, creatorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.CreatorEarningsRecord
	for rows.Next() {
		var rec domain.CreatorEarningsRecord
		if err := rows.Scan(
			&rec.ID, &rec.CreatorID, &rec.Period, &rec.TotalCents, &rec.AllocationCount,
			&rec.AllocationIDs, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
