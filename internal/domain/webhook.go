/**
 * @description
 * This file models the webhook payloads delivered by the external payment
 * processor. Every event carries a globally unique event ID which is the
 * dedup key: delivering the same event twice must be a no-op.
 */

package domain

import "time"

// Processor webhook event types the service reacts to.
const (
	WebhookTransferPaid   = "transfer.paid"
	WebhookTransferFailed = "transfer.failed"
	WebhookAccountUpdated = "account.updated"
)

// ProcessorWebhookEvent is the envelope of an inbound processor webhook.
type ProcessorWebhookEvent struct {
	EventID   string             `json:"event_id"`
	Type      string             `json:"type"`
	CreatedAt time.Time          `json:"created_at"`
	Data      ProcessorEventData `json:"data"`
}

// ProcessorEventData carries the resource the event pertains to. Transfer
// events reference our idempotency key so the payout can be found even if the
// transfer ref was never persisted (e.g. the submit response was lost).
type ProcessorEventData struct {
	TransferRef    string `json:"transfer_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	AccountID      string `json:"account_id,omitempty"`
	Status         string `json:"status,omitempty"`
	FailureCode    string `json:"failure_code,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
	Verified       *bool  `json:"verified,omitempty"`
}
