/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface for subscriber balances and allocations. Settlement and payout
 * queries live in their own files alongside this one.
 *
 * All multi-row mutations run inside a single pgx transaction. Subscriber
 * balance writes are conditional on the row's version column; an update that
 * matches zero rows lost an optimistic-concurrency race and is reported as
 * ErrLedgerConflict for the caller to retry.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrBalanceNotFound       = errors.New("subscriber balance not found")
	ErrAllocationNotFound    = errors.New("allocation not found")
	ErrDestinationNotFound   = errors.New("payout destination not found")
	ErrPayoutNotFound        = errors.New("payout not found")
	ErrFeeConfigNotFound     = errors.New("fee config not found")
	ErrLedgerConflict        = errors.New("ledger version conflict")
	ErrInsufficientAvailable = errors.New("insufficient available balance")
	ErrInvalidPayoutState    = errors.New("payout is not in a valid state for this transition")
	ErrPeriodClosed          = errors.New("period is locked or settled")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserIDByAuthSubject resolves the internal UUID from an auth provider subject id.
func (r *PostgresRepository) FindUserIDByAuthSubject(ctx context.Context, authSubject string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE auth_subject = $1", authSubject).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return id, nil
}

// GetSubscriberBalance retrieves a subscriber's budget record for a period.
func (r *PostgresRepository) GetSubscriberBalance(ctx context.Context, subscriberID uuid.UUID, period string) (*domain.SubscriberBalance, error) {
	var b domain.SubscriberBalance
	query := `
		SELECT subscriber_id, period, total_budget_cents, allocated_cents, version, created_at, updated_at
		FROM subscriber_balances
		WHERE subscriber_id = $1 AND period = $2
	`
	err := r.db.QueryRow(ctx, query, subscriberID, period).Scan(
		&b.SubscriberID, &b.Period, &b.TotalBudgetCents, &b.AllocatedCents, &b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &b, nil
}

// UpsertSubscriberBalance creates or refreshes the balance record when a
// subscription renews. Allocated cents carry over within the same period so a
// mid-period renewal (e.g. a plan change) never erases active allocations.
func (r *PostgresRepository) UpsertSubscriberBalance(ctx context.Context, subscriberID uuid.UUID, period string, totalBudgetCents int64) (*domain.SubscriberBalance, error) {
	var b domain.SubscriberBalance
	query := `
		INSERT INTO subscriber_balances (subscriber_id, period, total_budget_cents, allocated_cents, version)
		VALUES ($1, $2, $3, 0, 1)
		ON CONFLICT (subscriber_id, period) DO UPDATE
		SET total_budget_cents = EXCLUDED.total_budget_cents,
		    version = subscriber_balances.version + 1,
		    updated_at = now()
		RETURNING subscriber_id, period, total_budget_cents, allocated_cents, version, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, subscriberID, period, totalBudgetCents).Scan(
		&b.SubscriberID, &b.Period, &b.TotalBudgetCents, &b.AllocatedCents, &b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetAllocation retrieves the allocation row for one (subscriber, recipient, resource, period) tuple.
func (r *PostgresRepository) GetAllocation(ctx context.Context, subscriberID, recipientID uuid.UUID, resourceID, period string) (*domain.Allocation, error) {
	query := `
		SELECT id, subscriber_id, recipient_id, resource_id, period, amount_cents, status, original_amount_cents, created_at, updated_at
		FROM allocations
		WHERE subscriber_id = $1 AND recipient_id = $2 AND resource_id = $3 AND period = $4
	`
	return r.scanAllocation(r.db.QueryRow(ctx, query, subscriberID, recipientID, resourceID, period))
}

func (r *PostgresRepository) scanAllocation(row pgx.Row) (*domain.Allocation, error) {
	var a domain.Allocation
	err := row.Scan(
		&a.ID, &a.SubscriberID, &a.RecipientID, &a.ResourceID, &a.Period,
		&a.AmountCents, &a.Status, &a.OriginalAmountCents, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAllocationNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ApplyAllocationDelta applies a validated delta to the subscriber balance and
// the per-tuple allocation in one transaction. The balance update is guarded
// by the version the caller read; zero rows affected means another writer got
// there first and the caller must re-read and retry.
func (r *PostgresRepository) ApplyAllocationDelta(ctx context.Context, params ApplyAllocationDeltaParams) (*domain.Allocation, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	balanceQuery := `
		UPDATE subscriber_balances
		SET allocated_cents = allocated_cents + $1,
		    version = version + 1,
		    updated_at = now()
		WHERE subscriber_id = $2 AND period = $3 AND version = $4
		  AND allocated_cents + $1 BETWEEN 0 AND total_budget_cents
	`
	tag, err := tx.Exec(ctx, balanceQuery, params.DeltaCents, params.SubscriberID, params.Period, params.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrLedgerConflict
	}

	allocationQuery := `
		INSERT INTO allocations (id, subscriber_id, recipient_id, resource_id, period, amount_cents, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subscriber_id, recipient_id, resource_id, period) DO UPDATE
		SET amount_cents = allocations.amount_cents + $6,
		    status = CASE WHEN allocations.amount_cents + $6 = 0 THEN 'cancelled' ELSE 'active' END,
		    original_amount_cents = NULL,
		    updated_at = now()
		RETURNING id, subscriber_id, recipient_id, resource_id, period, amount_cents, status, original_amount_cents, created_at, updated_at
	`
	alloc, err := r.scanAllocation(tx.QueryRow(ctx, allocationQuery,
		uuid.New(), params.SubscriberID, params.RecipientID, params.ResourceID, params.Period, params.DeltaCents, domain.AllocationStatusActive,
	))
	if err != nil {
		return nil, fmt.Errorf("upsert allocation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return alloc, nil
}

// ListAllocationsBySubscriber lists a subscriber's allocations for a period,
// optionally filtered by status. Results are ordered largest-first, matching
// the order the reconciliation policy consumes them in.
func (r *PostgresRepository) ListAllocationsBySubscriber(ctx context.Context, subscriberID uuid.UUID, period, status string) ([]domain.Allocation, error) {
	query := `
		SELECT id, subscriber_id, recipient_id, resource_id, period, amount_cents, status, original_amount_cents, created_at, updated_at
		FROM allocations
		WHERE subscriber_id = $1 AND period = $2 AND ($3 = '' OR status = $3)
		ORDER BY amount_cents DESC, created_at ASC
	`
	rows, err := r.db.Query(ctx, query, subscriberID, period, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []domain.Allocation
	for rows.Next() {
		var a domain.Allocation
		if err := rows.Scan(
			&a.ID, &a.SubscriberID, &a.RecipientID, &a.ResourceID, &a.Period,
			&a.AmountCents, &a.Status, &a.OriginalAmountCents, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

// ApplyBudgetReconciliation applies a budget change and the selected
// suspensions atomically. Suspended allocations keep their amount in
// original_amount_cents and drop to zero so the audit trail records both what
// was committed and what the downgrade forced out.
func (r *PostgresRepository) ApplyBudgetReconciliation(ctx context.Context, params BudgetReconciliationParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	balanceQuery := `
		UPDATE subscriber_balances
		SET total_budget_cents = $1,
		    allocated_cents = allocated_cents - $2,
		    version = version + 1,
		    updated_at = now()
		WHERE subscriber_id = $3 AND period = $4 AND version = $5
		  AND allocated_cents - $2 >= 0
	`
	tag, err := tx.Exec(ctx, balanceQuery,
		params.NewBudgetCents, params.SuspendedCents, params.SubscriberID, params.Period, params.ExpectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLedgerConflict
	}

	if len(params.SuspendIDs) > 0 {
		suspendQuery := `
			UPDATE allocations
			SET status = 'cancelled',
			    original_amount_cents = amount_cents,
			    amount_cents = 0,
			    updated_at = now()
			WHERE id = ANY($1) AND subscriber_id = $2 AND status = 'active'
		`
		tag, err = tx.Exec(ctx, suspendQuery, params.SuspendIDs, params.SubscriberID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != int64(len(params.SuspendIDs)) {
			// An allocation changed under us; the version guard should have
			// caught this, so treat it as a conflict and let the caller retry.
			return ErrLedgerConflict
		}
	}

	return tx.Commit(ctx)
}

// RestoreAllocation re-activates a suspended allocation at its original amount
// within the subscriber's current headroom.
func (r *PostgresRepository) RestoreAllocation(ctx context.Context, params RestoreAllocationParams) (*domain.Allocation, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	balanceQuery := `
		UPDATE subscriber_balances
		SET allocated_cents = allocated_cents + $1,
		    version = version + 1,
		    updated_at = now()
		WHERE subscriber_id = $2 AND period = $3 AND version = $4
		  AND allocated_cents + $1 <= total_budget_cents
	`
	tag, err := tx.Exec(ctx, balanceQuery, params.AmountCents, params.SubscriberID, params.Period, params.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrLedgerConflict
	}

	restoreQuery := `
		UPDATE allocations
		SET status = 'active',
		    amount_cents = $1,
		    original_amount_cents = NULL,
		    updated_at = now()
		WHERE id = $2 AND subscriber_id = $3 AND status = 'cancelled' AND original_amount_cents = $1
		RETURNING id, subscriber_id, recipient_id, resource_id, period, amount_cents, status, original_amount_cents, created_at, updated_at
	`
	alloc, err := r.scanAllocation(tx.QueryRow(ctx, restoreQuery, params.AmountCents, params.AllocationID, params.SubscriberID))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return alloc, nil
}
