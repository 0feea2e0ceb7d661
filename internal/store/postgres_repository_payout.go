/**
 * @description
 * PostgreSQL queries for the payout state machine, payout destinations,
 * webhook event dedup, and the versioned platform fee config.
 *
 * Every status transition is a conditional UPDATE guarded by the expected
 * source status. Zero rows affected means the payout was not in that state,
 * which surfaces as ErrInvalidPayoutState instead of silently overwriting a
 * concurrent transition.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
)

const payoutColumns = `
	id, creator_id, amount_cents, fee_cents, fee_percent, fee_config_version, status,
	earnings_record_ids, destination_id, external_transfer_ref, idempotency_key,
	retry_count, next_attempt_at, last_failure_reason, correlation_id, created_at, updated_at
`

func (r *PostgresRepository) scanPayout(row pgx.Row) (*domain.Payout, error) {
	var p domain.Payout
	err := row.Scan(
		&p.ID, &p.CreatorID, &p.AmountCents, &p.FeeCents, &p.FeePercent, &p.FeeConfigVersion, &p.Status,
		&p.EarningsRecordIDs, &p.DestinationID, &p.ExternalTransferRef, &p.IdempotencyKey,
		&p.RetryCount, &p.NextAttemptAt, &p.LastFailureReason, &p.CorrelationID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetPayoutDestination returns a creator's external payout destination.
func (r *PostgresRepository) GetPayoutDestination(ctx context.Context, creatorID uuid.UUID) (*domain.PayoutDestination, error) {
	var d domain.PayoutDestination
	query := `
		SELECT id, creator_id, external_account_id, verified, auto_payout_enabled, created_at, updated_at
		FROM payout_destinations
		WHERE creator_id = $1
	`
	err := r.db.QueryRow(ctx, query, creatorID).Scan(
		&d.ID, &d.CreatorID, &d.ExternalAccountID, &d.Verified, &d.AutoPayoutEnabled, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrDestinationNotFound
		}
		return nil, err
	}
	return &d, nil
}

// UpdateDestinationVerification records a verification state change reported
// by the processor's account.updated webhook.
func (r *PostgresRepository) UpdateDestinationVerification(ctx context.Context, externalAccountID string, verified bool) error {
	query := `
		UPDATE payout_destinations
		SET verified = $1, updated_at = now()
		WHERE external_account_id = $2
	`
	tag, err := r.db.Exec(ctx, query, verified, externalAccountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDestinationNotFound
	}
	return nil
}

// ListAutoPayoutCandidates returns creators who enabled automatic payouts and
// have at least minAvailableCents available.
func (r *PostgresRepository) ListAutoPayoutCandidates(ctx context.Context, minAvailableCents int64) ([]uuid.UUID, error) {
	query := `
		SELECT cb.creator_id
		FROM creator_balances cb
		JOIN payout_destinations pd ON pd.creator_id = cb.creator_id
		WHERE pd.auto_payout_enabled = TRUE AND pd.verified = TRUE
		  AND cb.available_cents >= $1
		ORDER BY cb.creator_id
	`
	rows, err := r.db.Query(ctx, query, minAvailableCents)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreatePayoutWithReservation decrements the creator's available balance and
// creates the payout row in a single transaction. The conditional debit is
// what prevents two concurrent requests from spending the same funds: the
// second one finds the balance short and gets ErrInsufficientAvailable.
func (r *PostgresRepository) CreatePayoutWithReservation(ctx context.Context, payout *domain.Payout) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	debitQuery := `
		UPDATE creator_balances
		SET available_cents = available_cents - $1, updated_at = now()
		WHERE creator_id = $2 AND available_cents >= $1
	`
	tag, err := tx.Exec(ctx, debitQuery, payout.AmountCents, payout.CreatorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientAvailable
	}

	// Audit linkage: the oldest available earnings records this payout draws from.
	recordsQuery := `
		SELECT id FROM creator_earnings_records
		WHERE creator_id = $1 AND status = 'available'
		ORDER BY period ASC
	`
	rows, err := tx.Query(ctx, recordsQuery, payout.CreatorID)
	if err != nil {
		return err
	}
	var recordIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		recordIDs = append(recordIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	payout.EarningsRecordIDs = recordIDs

	insertQuery := `
		INSERT INTO payouts (
			id, creator_id, amount_cents, fee_cents, fee_percent, fee_config_version, status,
			earnings_record_ids, destination_id, idempotency_key, retry_count, correlation_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9, 0, $10)
	`
	_, err = tx.Exec(ctx, insertQuery,
		payout.ID, payout.CreatorID, payout.AmountCents, payout.FeeCents, payout.FeePercent,
		payout.FeeConfigVersion, payout.EarningsRecordIDs, payout.DestinationID,
		payout.IdempotencyKey, payout.CorrelationID,
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetPayout retrieves a payout by id.
func (r *PostgresRepository) GetPayout(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1`
	return r.scanPayout(r.db.QueryRow(ctx, query, payoutID))
}

// FindPayoutByIdempotencyKey retrieves a payout by the idempotency key sent to
// the processor. Webhooks fall back to this when the transfer ref was never
// persisted. Retry submissions carry a `-r<n>` suffix on the stored key, so the
// match accepts the base key or any of its attempt-scoped variants.
func (r *PostgresRepository) FindPayoutByIdempotencyKey(ctx context.Context, key string) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts
		WHERE idempotency_key = $1 OR strpos($1, idempotency_key || '-r') = 1`
	return r.scanPayout(r.db.QueryRow(ctx, query, key))
}

// FindPayoutByTransferRef retrieves a payout by the processor's transfer id.
func (r *PostgresRepository) FindPayoutByTransferRef(ctx context.Context, transferRef string) (*domain.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE external_transfer_ref = $1`
	return r.scanPayout(r.db.QueryRow(ctx, query, transferRef))
}

// ListPayoutsByCreator returns a creator's payouts, newest first.
func (r *PostgresRepository) ListPayoutsByCreator(ctx context.Context, creatorID uuid.UUID, limit, offset int) ([]domain.Payout, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE creator_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, creatorID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		p, err := r.scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

// transitionPayout executes a status-guarded UPDATE for the payout. Zero rows
// affected means the payout was not in the expected source status.
func (r *PostgresRepository) transitionPayout(ctx context.Context, payoutID uuid.UUID, query string) error {
	tag, err := r.db.Exec(ctx, query, payoutID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidPayoutState
	}
	return nil
}

// MarkPayoutProcessing transitions pending -> processing.
func (r *PostgresRepository) MarkPayoutProcessing(ctx context.Context, payoutID uuid.UUID) error {
	return r.transitionPayout(ctx, payoutID,
		`UPDATE payouts SET status = 'processing', updated_at = now() WHERE id = $1 AND status = 'pending'`)
}

// SetPayoutTransferRef records the processor's transfer id after submission.
func (r *PostgresRepository) SetPayoutTransferRef(ctx context.Context, payoutID uuid.UUID, transferRef string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE payouts SET external_transfer_ref = $1, updated_at = now() WHERE id = $2`,
		transferRef, payoutID)
	return err
}

// CompletePayout transitions processing -> completed and moves the reserved
// amount into the creator's lifetime paid-out total, marking the drawn
// earnings records paid out. All in one transaction so the conservation
// invariant holds at every commit point.
func (r *PostgresRepository) CompletePayout(ctx context.Context, payoutID uuid.UUID, transferRef string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	transitionQuery := `
		UPDATE payouts
		SET status = 'completed',
		    external_transfer_ref = COALESCE(NULLIF($2, ''), external_transfer_ref),
		    updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING creator_id, amount_cents, earnings_record_ids
	`
	var creatorID uuid.UUID
	var amountCents int64
	var recordIDs []uuid.UUID
	err = tx.QueryRow(ctx, transitionQuery, payoutID, transferRef).Scan(&creatorID, &amountCents, &recordIDs)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrInvalidPayoutState
		}
		return err
	}

	creditQuery := `
		UPDATE creator_balances
		SET paid_out_cents = paid_out_cents + $1, updated_at = now()
		WHERE creator_id = $2
	`
	if _, err := tx.Exec(ctx, creditQuery, amountCents, creatorID); err != nil {
		return err
	}

	if len(recordIDs) > 0 {
		// Records fully consumed by completed payouts are closed for audit.
		recordsQuery := `
			UPDATE creator_earnings_records
			SET status = 'paid_out', updated_at = now()
			WHERE id = ANY($1) AND status = 'available'
		`
		if _, err := tx.Exec(ctx, recordsQuery, recordIDs); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ForceCompletePayout is the operator override for a payout stuck with its
// reservation still held (pending or processing): the webhook was lost but the
// processor's dashboard shows the transfer went through. The reason is stored
// on the payout for the audit trail.
func (r *PostgresRepository) ForceCompletePayout(ctx context.Context, payoutID uuid.UUID, reason string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	transitionQuery := `
		UPDATE payouts
		SET status = 'completed', last_failure_reason = $2, next_attempt_at = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING creator_id, amount_cents, earnings_record_ids
	`
	var creatorID uuid.UUID
	var amountCents int64
	var recordIDs []uuid.UUID
	err = tx.QueryRow(ctx, transitionQuery, payoutID, reason).Scan(&creatorID, &amountCents, &recordIDs)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrInvalidPayoutState
		}
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE creator_balances SET paid_out_cents = paid_out_cents + $1, updated_at = now() WHERE creator_id = $2`,
		amountCents, creatorID); err != nil {
		return err
	}
	if len(recordIDs) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE creator_earnings_records SET status = 'paid_out', updated_at = now() WHERE id = ANY($1) AND status = 'available'`,
			recordIDs); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// FailPayout transitions processing -> failed and returns the reserved amount
// to the creator's available balance so funds are never stranded.
func (r *PostgresRepository) FailPayout(ctx context.Context, payoutID uuid.UUID, reason string) error {
	return r.releasePayout(ctx, payoutID, "processing", "failed", &reason)
}

// CancelPayout transitions pending -> cancelled and releases the reservation.
func (r *PostgresRepository) CancelPayout(ctx context.Context, payoutID uuid.UUID) error {
	return r.releasePayout(ctx, payoutID, "pending", "cancelled", nil)
}

func (r *PostgresRepository) releasePayout(ctx context.Context, payoutID uuid.UUID, fromStatus, toStatus string, reason *string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	transitionQuery := `
		UPDATE payouts
		SET status = $3,
		    last_failure_reason = COALESCE($4, last_failure_reason),
		    next_attempt_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING creator_id, amount_cents
	`
	var creatorID uuid.UUID
	var amountCents int64
	err = tx.QueryRow(ctx, transitionQuery, payoutID, fromStatus, toStatus, reason).Scan(&creatorID, &amountCents)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrInvalidPayoutState
		}
		return err
	}

	refundQuery := `
		UPDATE creator_balances
		SET available_cents = available_cents + $1, updated_at = now()
		WHERE creator_id = $2
	`
	if _, err := tx.Exec(ctx, refundQuery, amountCents, creatorID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// RequeuePayout transitions processing -> pending with backoff metadata after
// a retryable processor failure. The reservation stays in place; only a
// terminal outcome releases it.
func (r *PostgresRepository) RequeuePayout(ctx context.Context, payoutID uuid.UUID, reason string, nextAttemptAt time.Time, retryCount int) error {
	query := `
		UPDATE payouts
		SET status = 'pending',
		    retry_count = $2,
		    next_attempt_at = $3,
		    last_failure_reason = $4,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`
	tag, err := r.db.Exec(ctx, query, payoutID, retryCount, nextAttemptAt, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidPayoutState
	}
	return nil
}

// RequeueFailedPayout is the operator-initiated failed -> pending transition.
// The failed payout's reservation was already released, so the amount is
// re-reserved here under the same double-spend guard as a fresh request.
func (r *PostgresRepository) RequeueFailedPayout(ctx context.Context, payoutID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	transitionQuery := `
		UPDATE payouts
		SET status = 'pending', retry_count = 0, next_attempt_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed'
		RETURNING creator_id, amount_cents
	`
	var creatorID uuid.UUID
	var amountCents int64
	err = tx.QueryRow(ctx, transitionQuery, payoutID).Scan(&creatorID, &amountCents)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrInvalidPayoutState
		}
		return err
	}

	debitQuery := `
		UPDATE creator_balances
		SET available_cents = available_cents - $1, updated_at = now()
		WHERE creator_id = $2 AND available_cents >= $1
	`
	tag, err := tx.Exec(ctx, debitQuery, amountCents, creatorID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientAvailable
	}

	return tx.Commit(ctx)
}

// ListDuePayoutRetries returns pending payouts whose backoff timer has
// elapsed, plus pending payouts with no timer that have sat unprocessed since
// before stuckBefore (a crash between reservation and submission).
func (r *PostgresRepository) ListDuePayoutRetries(ctx context.Context, now time.Time, stuckBefore time.Time) ([]domain.Payout, error) {
	query := `SELECT ` + payoutColumns + `
		FROM payouts
		WHERE status = 'pending'
		  AND ((next_attempt_at IS NOT NULL AND next_attempt_at <= $1)
		    OR (next_attempt_at IS NULL AND created_at < $2))
		ORDER BY created_at ASC
		LIMIT 200
	`
	rows, err := r.db.Query(ctx, query, now, stuckBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.Payout
	for rows.Next() {
		p, err := r.scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}

// ListCreatorBalancesForAudit pages through creator balances for the read-only
// reconciliation sweep.
func (r *PostgresRepository) ListCreatorBalancesForAudit(ctx context.Context, limit, offset int) ([]domain.CreatorBalance, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT creator_id, available_cents, paid_out_cents, updated_at
		FROM creator_balances
		WHERE paid_out_cents > 0
		ORDER BY creator_id
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []domain.CreatorBalance
	for rows.Next() {
		var b domain.CreatorBalance
		if err := rows.Scan(&b.CreatorID, &b.AvailableCents, &b.PaidOutCents, &b.UpdatedAt); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// GetCompletedPayoutTotals aggregates net amounts over completed payouts.
func (r *PostgresRepository) GetCompletedPayoutTotals(ctx context.Context) (*CompletedPayoutTotals, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(amount_cents - fee_cents), 0)
		FROM payouts
		WHERE status = 'completed'
	`
	var totals CompletedPayoutTotals
	if err := r.db.QueryRow(ctx, query).Scan(&totals.Count, &totals.NetCents); err != nil {
		return nil, err
	}
	return &totals, nil
}

// RecordProcessedWebhookEvent inserts the event id into the dedup table.
// A duplicate delivery conflicts and reports firstDelivery = false.
func (r *PostgresRepository) RecordProcessedWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	query := `
		INSERT INTO processed_webhook_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, eventID, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteProcessedWebhookEvent removes a dedup record so a requeued delivery
// of the event is processed instead of skipped.
func (r *PostgresRepository) DeleteProcessedWebhookEvent(ctx context.Context, eventID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM processed_webhook_events WHERE event_id = $1`, eventID)
	return err
}

// GetCurrentFeeConfig returns the latest platform fee config version.
func (r *PostgresRepository) GetCurrentFeeConfig(ctx context.Context) (*domain.FeeConfig, error) {
	var cfg domain.FeeConfig
	query := `
		SELECT version, percent, updated_by, created_at
		FROM platform_fee_configs
		ORDER BY version DESC
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query).Scan(&cfg.Version, &cfg.Percent, &cfg.UpdatedBy, &cfg.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrFeeConfigNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

// InsertFeeConfig records a new fee percentage version. In-flight payouts keep
// the version they were quoted under.
func (r *PostgresRepository) InsertFeeConfig(ctx context.Context, percent float64, updatedBy string) (*domain.FeeConfig, error) {
	var cfg domain.FeeConfig
	query := `
		INSERT INTO platform_fee_configs (version, percent, updated_by)
		VALUES ((SELECT COALESCE(MAX(version), 0) + 1 FROM platform_fee_configs), $1, $2)
		RETURNING version, percent, updated_by, created_at
	`
	err := r.db.QueryRow(ctx, query, percent, updatedBy).Scan(&cfg.Version, &cfg.Percent, &cfg.UpdatedBy, &cfg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}
