package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
	"github.com/WeWriteApp/WeWrite-sub006/internal/store"
)

type webhookRepoStub struct {
	payoutRepoStub

	processedIDs map[string]bool
	dedupErr     error
	deletedIDs   []string
	verifiedSet  bool
}

func (s *webhookRepoStub) UpdateDestinationVerification(ctx context.Context, externalAccountID string, verified bool) error {
	if s.destination == nil || s.destination.ExternalAccountID != externalAccountID {
		return store.ErrDestinationNotFound
	}
	s.destination.Verified = verified
	s.verifiedSet = true
	return nil
}

func (s *webhookRepoStub) RecordProcessedWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	if s.dedupErr != nil {
		return false, s.dedupErr
	}
	if s.processedIDs == nil {
		s.processedIDs = map[string]bool{}
	}
	if s.processedIDs[eventID] {
		return false, nil
	}
	s.processedIDs[eventID] = true
	return true, nil
}

func (s *webhookRepoStub) DeleteProcessedWebhookEvent(ctx context.Context, eventID string) error {
	s.deletedIDs = append(s.deletedIDs, eventID)
	delete(s.processedIDs, eventID)
	return nil
}

func (s *webhookRepoStub) FindPayoutByTransferRef(ctx context.Context, transferRef string) (*domain.Payout, error) {
	if s.payout != nil && s.payout.ExternalTransferRef != nil && *s.payout.ExternalTransferRef == transferRef {
		copied := *s.payout
		return &copied, nil
	}
	return nil, store.ErrPayoutNotFound
}

func (s *webhookRepoStub) FindPayoutByIdempotencyKey(ctx context.Context, key string) (*domain.Payout, error) {
	if s.payout != nil {
		base := s.payout.IdempotencyKey
		if key == base || strings.HasPrefix(key, base+"-r") {
			copied := *s.payout
			return &copied, nil
		}
	}
	return nil, store.ErrPayoutNotFound
}

func newTestWebhookConsumer(repo *webhookRepoStub) *WebhookConsumer {
	payouts := NewPayoutService(repo, &transferClientStub{}, &publisherStub{}, nil, defaultPayoutConfig())
	return NewWebhookConsumer(repo, payouts)
}

func transferEvent(eventID, eventType, transferRef string) []byte {
	return []byte(fmt.Sprintf(`{"event_id":%q,"type":%q,"data":{"transfer_ref":%q}}`, eventID, eventType, transferRef))
}

func TestHandleMessage_TransferPaidCompletesPayout(t *testing.T) {
	ref := "tr_99"
	repo := &webhookRepoStub{}
	repo.payout = &domain.Payout{ID: uuid.New(), Status: domain.PayoutStatusProcessing, ExternalTransferRef: &ref}

	consumer := newTestWebhookConsumer(repo)
	if ack := consumer.HandleMessage(context.Background(), transferEvent("evt_1", "transfer.paid", ref)); !ack {
		t.Fatal("expected the event acked")
	}
	if !repo.completed {
		t.Fatal("expected the payout completed")
	}
}

func TestHandleMessage_FallsBackToIdempotencyKey(t *testing.T) {
	repo := &webhookRepoStub{}
	repo.payout = &domain.Payout{ID: uuid.New(), Status: domain.PayoutStatusProcessing, IdempotencyKey: "payout-xyz"}

	body := []byte(`{"event_id":"evt_1","type":"transfer.paid","data":{"transfer_ref":"tr_unknown","idempotency_key":"payout-xyz"}}`)
	consumer := newTestWebhookConsumer(repo)
	if ack := consumer.HandleMessage(context.Background(), body); !ack {
		t.Fatal("expected the event acked")
	}
	if !repo.completed {
		t.Fatal("expected the payout matched by idempotency key and completed")
	}
}

func TestHandleMessage_MatchesRetrySubmissionKey(t *testing.T) {
	repo := &webhookRepoStub{}
	repo.payout = &domain.Payout{ID: uuid.New(), Status: domain.PayoutStatusProcessing, IdempotencyKey: "payout-xyz"}

	// A retried submission echoes its attempt-scoped key back in the webhook.
	body := []byte(`{"event_id":"evt_1","type":"transfer.paid","data":{"transfer_ref":"tr_unknown","idempotency_key":"payout-xyz-r1"}}`)
	consumer := newTestWebhookConsumer(repo)
	if ack := consumer.HandleMessage(context.Background(), body); !ack {
		t.Fatal("expected the event acked")
	}
	if !repo.completed {
		t.Fatal("expected the payout matched by its retry submission key and completed")
	}
}

func TestHandleMessage_DuplicateEventIsAckedWithoutEffect(t *testing.T) {
	ref := "tr_99"
	repo := &webhookRepoStub{}
	repo.payout = &domain.Payout{ID: uuid.New(), Status: domain.PayoutStatusProcessing, ExternalTransferRef: &ref}
	consumer := newTestWebhookConsumer(repo)

	body := transferEvent("evt_1", "transfer.failed", ref)
	if ack := consumer.HandleMessage(context.Background(), body); !ack {
		t.Fatal("first delivery should ack")
	}
	repo.failed = false
	repo.payout.Status = domain.PayoutStatusProcessing

	if ack := consumer.HandleMessage(context.Background(), body); !ack {
		t.Fatal("duplicate delivery should ack")
	}
	if repo.failed {
		t.Fatal("duplicate delivery must not re-apply the state change")
	}
}

func TestHandleMessage_ApplyFailureReleasesDedupAndNacks(t *testing.T) {
	ref := "tr_99"
	repo := &webhookRepoStub{}
	repo.payout = &domain.Payout{ID: uuid.New(), Status: domain.PayoutStatusProcessing, ExternalTransferRef: &ref}
	repo.completeErr = errors.New("db unavailable")
	consumer := newTestWebhookConsumer(repo)

	body := transferEvent("evt_1", "transfer.paid", ref)
	if ack := consumer.HandleMessage(context.Background(), body); ack {
		t.Fatal("expected a nack on apply failure")
	}
	if len(repo.deletedIDs) != 1 || repo.deletedIDs[0] != "evt_1" {
		t.Fatalf("expected the dedup record released, got %v", repo.deletedIDs)
	}

	// The requeued delivery now succeeds.
	repo.completeErr = nil
	if ack := consumer.HandleMessage(context.Background(), body); !ack {
		t.Fatal("expected the redelivery processed")
	}
	if !repo.completed {
		t.Fatal("expected the payout completed on redelivery")
	}
}

func TestHandleMessage_DedupFailureNacksWithoutApplying(t *testing.T) {
	repo := &webhookRepoStub{dedupErr: errors.New("db unavailable")}
	consumer := newTestWebhookConsumer(repo)

	if ack := consumer.HandleMessage(context.Background(), transferEvent("evt_1", "transfer.paid", "tr_1")); ack {
		t.Fatal("expected a nack when the dedup check fails")
	}
}

func TestHandleMessage_AccountUpdatedFlipsVerification(t *testing.T) {
	repo := &webhookRepoStub{}
	repo.destination = &domain.PayoutDestination{ID: uuid.New(), ExternalAccountID: "acct_1", Verified: false}
	consumer := newTestWebhookConsumer(repo)

	body := []byte(`{"event_id":"evt_1","type":"account.updated","data":{"account_id":"acct_1","verified":true}}`)
	if ack := consumer.HandleMessage(context.Background(), body); !ack {
		t.Fatal("expected the event acked")
	}
	if !repo.verifiedSet {
		t.Fatal("expected the destination verification updated")
	}
}

func TestHandleMessage_DiscardsUnusableEvents(t *testing.T) {
	repo := &webhookRepoStub{}
	consumer := newTestWebhookConsumer(repo)

	tests := []struct {
		name string
		body []byte
	}{
		{name: "malformed json", body: []byte(`{"event_id":`)},
		{name: "missing event id", body: []byte(`{"type":"transfer.paid","data":{}}`)},
		{name: "unknown type", body: transferEvent("evt_1", "transfer.reversed", "tr_1")},
		{name: "unmatched transfer", body: transferEvent("evt_2", "transfer.paid", "tr_nobody")},
		{name: "account event missing fields", body: []byte(`{"event_id":"evt_3","type":"account.updated","data":{}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ack := consumer.HandleMessage(context.Background(), tt.body); !ack {
				t.Fatal("unusable events must ack, a redelivery cannot fix them")
			}
		})
	}
}
