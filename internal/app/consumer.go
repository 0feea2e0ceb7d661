/**
 * @description
 * This file implements the consumer side of the processor webhook pipeline.
 * The HTTP layer validates the signature and enqueues the raw event; this
 * consumer deduplicates it and applies the payout/destination state change.
 *
 * Key features:
 * - Exactly-once application: the event ID is recorded with an insert-if-absent
 *   before any state change, so a redelivered event acks without side effects.
 * - Transfer events are matched by transfer ref first, then by our idempotency
 *   key, covering the case where the submit response was lost.
 *
 * @dependencies
 * - context, encoding/json, errors, log: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
	"github.com/WeWriteApp/WeWrite-sub006/internal/store"
)

// Inbound processor webhooks travel through their own exchange so the HTTP
// handler can return quickly and delivery failures get nack/requeue semantics.
const (
	WebhooksExchange   = "wewrite.webhooks"
	WebhookReceivedKey = "processor.webhook.received"
)

// WebhookConsumer applies processor webhook events to the payout pipeline.
type WebhookConsumer struct {
	repo    store.Repository
	payouts *PayoutService
}

// NewWebhookConsumer creates a new webhook event consumer.
func NewWebhookConsumer(repo store.Repository, payouts *PayoutService) *WebhookConsumer {
	return &WebhookConsumer{repo: repo, payouts: payouts}
}

// HandleMessage processes one queued webhook event. The return value is the
// ack decision: true acks (including malformed or duplicate events, which a
// redelivery cannot fix), false nacks for requeue on transient failures.
func (c *WebhookConsumer) HandleMessage(ctx context.Context, body []byte) bool {
	var event domain.ProcessorWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=webhook_consumer msg=\"unparseable event, discarding\" err=%v", err)
		return true
	}
	if event.EventID == "" {
		log.Printf("level=error component=webhook_consumer msg=\"event missing id, discarding\" type=%s", event.Type)
		return true
	}

	firstDelivery, err := c.repo.RecordProcessedWebhookEvent(ctx, event.EventID, event.Type)
	if err != nil {
		log.Printf("level=error component=webhook_consumer msg=\"dedup check failed, requeueing\" event_id=%s err=%v", event.EventID, err)
		return false
	}
	if !firstDelivery {
		log.Printf("level=info component=webhook_consumer msg=\"duplicate event, skipping\" event_id=%s type=%s", event.EventID, event.Type)
		return true
	}

	if err := c.apply(ctx, &event); err != nil {
		log.Printf("level=error component=webhook_consumer msg=\"event apply failed, requeueing\" event_id=%s type=%s err=%v", event.EventID, event.Type, err)
		// Release the dedup record so the requeued delivery is processed
		// instead of skipped as a duplicate.
		if delErr := c.repo.DeleteProcessedWebhookEvent(ctx, event.EventID); delErr != nil {
			log.Printf("level=error component=webhook_consumer msg=\"dedup record release failed\" event_id=%s err=%v", event.EventID, delErr)
		}
		return false
	}
	return true
}

func (c *WebhookConsumer) apply(ctx context.Context, event *domain.ProcessorWebhookEvent) error {
	switch event.Type {
	case domain.WebhookTransferPaid:
		payout, err := c.findPayout(ctx, event)
		if err != nil {
			return err
		}
		if payout == nil {
			log.Printf("level=warn component=webhook_consumer msg=\"transfer event matched no payout\" event_id=%s transfer_ref=%s", event.EventID, event.Data.TransferRef)
			return nil
		}
		return c.payouts.CompleteFromTransfer(ctx, payout.ID, event.Data.TransferRef)

	case domain.WebhookTransferFailed:
		payout, err := c.findPayout(ctx, event)
		if err != nil {
			return err
		}
		if payout == nil {
			log.Printf("level=warn component=webhook_consumer msg=\"transfer event matched no payout\" event_id=%s transfer_ref=%s", event.EventID, event.Data.TransferRef)
			return nil
		}
		return c.payouts.FailFromTransfer(ctx, payout.ID, event.Data.FailureCode, event.Data.FailureReason)

	case domain.WebhookAccountUpdated:
		if event.Data.AccountID == "" || event.Data.Verified == nil {
			log.Printf("level=warn component=webhook_consumer msg=\"account event missing fields, discarding\" event_id=%s", event.EventID)
			return nil
		}
		return c.payouts.UpdateDestinationVerification(ctx, event.Data.AccountID, *event.Data.Verified)

	default:
		log.Printf("level=info component=webhook_consumer msg=\"unhandled event type, skipping\" event_id=%s type=%s", event.EventID, event.Type)
		return nil
	}
}

// findPayout resolves the payout a transfer event refers to: by the
// processor's transfer ref, falling back to our idempotency key.
func (c *WebhookConsumer) findPayout(ctx context.Context, event *domain.ProcessorWebhookEvent) (*domain.Payout, error) {
	if event.Data.TransferRef != "" {
		payout, err := c.repo.FindPayoutByTransferRef(ctx, event.Data.TransferRef)
		if err == nil {
			return payout, nil
		}
		if !errors.Is(err, store.ErrPayoutNotFound) {
			return nil, err
		}
	}
	if event.Data.IdempotencyKey != "" {
		payout, err := c.repo.FindPayoutByIdempotencyKey(ctx, event.Data.IdempotencyKey)
		if err == nil {
			return payout, nil
		}
		if !errors.Is(err, store.ErrPayoutNotFound) {
			return nil, err
		}
	}
	return nil, nil
}
