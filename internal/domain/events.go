/**
 * @description
 * Outbound domain event payloads published to RabbitMQ for the (external)
 * notification component. Delivery and channel selection are the consumer's
 * responsibility; this service only guarantees the event is emitted with the
 * identifiers and amounts needed to render a message.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for the wewrite.events topic exchange.
const (
	EventPayoutInitiated      = "payout.initiated"
	EventPayoutCompleted      = "payout.completed"
	EventPayoutFailed         = "payout.failed"
	EventAllocationSuspended  = "allocation.suspended"
	EventPeriodSettled        = "settlement.period_settled"
)

// PayoutEvent is the payload for payout.initiated / payout.completed / payout.failed.
type PayoutEvent struct {
	PayoutID      uuid.UUID `json:"payout_id"`
	CreatorID     uuid.UUID `json:"creator_id"`
	AmountCents   int64     `json:"amount_cents"`
	FeeCents      int64     `json:"fee_cents"`
	Status        string    `json:"status"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// AllocationSuspendedEvent is emitted for each allocation suspended during a
// budget downgrade reconciliation.
type AllocationSuspendedEvent struct {
	AllocationID  uuid.UUID `json:"allocation_id"`
	SubscriberID  uuid.UUID `json:"subscriber_id"`
	RecipientID   uuid.UUID `json:"recipient_id"`
	AmountCents   int64     `json:"amount_cents"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// PeriodSettledEvent announces that a billing period finished settlement.
type PeriodSettledEvent struct {
	Period              string    `json:"period"`
	CreatorsSettled     int       `json:"creators_settled"`
	AllocatedTotalCents int64     `json:"allocated_total_cents"`
	RevenueTotalCents   int64     `json:"revenue_total_cents"`
	Timestamp           time.Time `json:"timestamp"`
}
