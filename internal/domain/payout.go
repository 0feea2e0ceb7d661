/**
 * @description
 * This file defines the payout domain model and its state machine. A payout is
 * a creator's withdrawal request, owned exclusively by the payout processor
 * from creation until it reaches a terminal state.
 *
 * @notes
 * - The status transition table is data, not scattered `if` checks. Every
 *   transition goes through `CanTransition` so an invalid move fails loudly
 *   at a single choke point.
 * - The platform fee is snapshotted onto the payout at request time and never
 *   recalculated, even if the global fee percentage changes later.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Payout statuses.
const (
	PayoutStatusPending    = "pending"
	PayoutStatusProcessing = "processing"
	PayoutStatusCompleted  = "completed"
	PayoutStatusFailed     = "failed"
	PayoutStatusCancelled  = "cancelled"
)

// payoutTransitions is the allow-list of valid status moves. `failed` is
// terminal for automation but an operator may re-enter `pending` via the
// admin retry endpoint.
var payoutTransitions = map[string][]string{
	PayoutStatusPending:    {PayoutStatusProcessing, PayoutStatusCancelled},
	PayoutStatusProcessing: {PayoutStatusCompleted, PayoutStatusPending, PayoutStatusFailed},
	PayoutStatusFailed:     {PayoutStatusPending},
}

// CanTransition reports whether moving a payout from `from` to `to` is allowed.
func CanTransition(from, to string) bool {
	for _, allowed := range payoutTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminalPayoutStatus reports whether no automated transition leaves the status.
func IsTerminalPayoutStatus(status string) bool {
	return status == PayoutStatusCompleted || status == PayoutStatusCancelled || status == PayoutStatusFailed
}

// Payout represents one withdrawal request. The reserved amount was already
// debited from the creator's available balance when the row was created, so a
// payout in flight can never double-spend the same funds.
type Payout struct {
	ID                  uuid.UUID   `json:"id"`
	CreatorID           uuid.UUID   `json:"creator_id"`
	AmountCents         int64       `json:"amount_cents"`
	FeeCents            int64       `json:"fee_cents"`
	FeePercent          float64     `json:"fee_percent"`
	FeeConfigVersion    int64       `json:"fee_config_version"`
	Status              string      `json:"status"`
	EarningsRecordIDs   []uuid.UUID `json:"earnings_record_ids,omitempty"`
	DestinationID       uuid.UUID   `json:"destination_id"`
	ExternalTransferRef *string     `json:"external_transfer_ref,omitempty"`
	IdempotencyKey      string      `json:"-"`
	RetryCount          int         `json:"retry_count"`
	NextAttemptAt       *time.Time  `json:"next_attempt_at,omitempty"`
	LastFailureReason   *string     `json:"last_failure_reason,omitempty"`
	CorrelationID       string      `json:"-"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// NetCents is the amount actually sent to the external processor.
func (p *Payout) NetCents() int64 {
	return p.AmountCents - p.FeeCents
}

// PayoutDestination is a creator's verified external payout account, provisioned
// by the (external) bank-linking onboarding flow. A creator without a verified
// destination is not eligible to request payouts.
type PayoutDestination struct {
	ID                uuid.UUID `json:"id"`
	CreatorID         uuid.UUID `json:"creator_id"`
	ExternalAccountID string    `json:"external_account_id"`
	Verified          bool      `json:"verified"`
	AutoPayoutEnabled bool      `json:"auto_payout_enabled"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// FeeConfig is one version of the live-configurable platform fee percentage.
// Adjustments insert a new version rather than mutating the old one, so every
// payout can name the exact config it was quoted under.
type FeeConfig struct {
	Version   int64     `json:"version"`
	Percent   float64   `json:"percent"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RequestPayoutPayload is the DTO for a creator-initiated payout request.
// A zero AmountCents requests the full available balance.
type RequestPayoutPayload struct {
	AmountCents int64 `json:"amount_cents,omitempty"`
}
