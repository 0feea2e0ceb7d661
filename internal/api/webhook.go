/**
 * @description
 * This file contains the HTTP handler for processing incoming webhooks from the
 * payment processor. It acts as the primary entry point for all real-time
 * transfer and account notifications.
 *
 * Key features:
 * - Security: Validates the HMAC signature of incoming webhooks to ensure authenticity.
 * - Decoupling: Publishes validated events to a RabbitMQ exchange so the HTTP
 *   response is fast and event application gets nack/requeue semantics.
 * - Degraded mode: When RabbitMQ is unavailable the event is applied inline
 *   rather than dropped.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, encoding/base64, encoding/hex: For webhook signature validation.
 * - encoding/json, net/http: For handling JSON data and HTTP.
 * - internal/app: Direct event application in degraded mode.
 * - pkg/rabbitmq: Event publishing.
 */
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/WeWriteApp/WeWrite-sub006/internal/app"
	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
	"github.com/WeWriteApp/WeWrite-sub006/pkg/rabbitmq"
)

// WebhookHandler processes incoming webhooks from the payment processor.
type WebhookHandler struct {
	producer rabbitmq.Publisher
	direct   *app.WebhookConsumer
	secret   string
}

// NewWebhookHandler creates a new handler for the webhook endpoint. producer
// may be nil; events are then applied inline via the consumer.
func NewWebhookHandler(producer rabbitmq.Publisher, direct *app.WebhookConsumer, secret string) *WebhookHandler {
	return &WebhookHandler{
		producer: producer,
		direct:   direct,
		secret:   secret,
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = fmt.Sprintf("req_%d", time.Now().UnixNano())
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("[%s] Error reading webhook body: %v", requestID, err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if !h.isValidSignature(r.Header.Get("x-processor-signature"), body) {
		log.Printf("[%s] Error: Invalid webhook signature", requestID)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event domain.ProcessorWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("[%s] Error decoding webhook JSON: %v", requestID, err)
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if event.EventID == "" || event.Type == "" {
		log.Printf("[%s] Webhook missing event_id or type. Raw payload: %s", requestID, string(body))
		http.Error(w, "Missing event_id or type", http.StatusBadRequest)
		return
	}

	log.Printf("[%s] Received webhook event: %s (event_id: %s)", requestID, event.Type, event.EventID)

	if h.producer != nil {
		if err := h.producer.Publish(r.Context(), app.WebhooksExchange, app.WebhookReceivedKey, json.RawMessage(body)); err == nil {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Event queued"))
			return
		}
		log.Printf("[%s] Publish failed; applying event inline", requestID)
	}

	if ok := h.direct.HandleMessage(r.Context(), body); !ok {
		log.Printf("[%s] Inline event application failed for event_id: %s", requestID, event.EventID)
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Event processed"))
}

// isValidSignature validates the HMAC signature of the webhook. The processor
// signs the raw body with SHA-256; both hex and base64 encodings are accepted.
func (h *WebhookHandler) isValidSignature(signatureHeader string, body []byte) bool {
	if h.secret == "" {
		log.Println("Warning: PROCESSOR_WEBHOOK_SECRET is not set. Skipping signature validation.")
		return true
	}

	header := strings.TrimSpace(signatureHeader)
	if header == "" {
		log.Println("Missing x-processor-signature header")
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if decoded, err := hex.DecodeString(header); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	if decoded, err := base64.StdEncoding.DecodeString(header); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	return false
}
