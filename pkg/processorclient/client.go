/**
 * @description
 * This package provides a client for the external payment processor API. It
 * encapsulates authenticated HTTP requests for creator transfers, internal
 * pool-to-pool fund movements, and transfer listing for reconciliation.
 *
 * Every money-moving call carries a caller-supplied idempotency key, so a
 * timed-out request can be retried without double-moving funds.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, io, log, net/http, net/url, strconv,
 *   time: Standard Go libraries.
 */
package processorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a client for the payment processor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new processor API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferRequest is the payload for a transfer to a creator's external account.
type TransferRequest struct {
	DestinationAccountID string `json:"destination_account_id"`
	AmountCents          int64  `json:"amount_cents"`
	Currency             string `json:"currency"`
	IdempotencyKey       string `json:"idempotency_key"`
}

// PoolTransferRequest is the payload for a platform-internal fund movement
// between pools (e.g. revenue to escrow at settlement).
type PoolTransferRequest struct {
	SourcePoolID      string `json:"source_pool_id"`
	DestinationPoolID string `json:"destination_pool_id"`
	AmountCents       int64  `json:"amount_cents"`
	Currency          string `json:"currency"`
	IdempotencyKey    string `json:"idempotency_key"`
}

// TransferResponse is the response from the processor's transfer endpoints.
type TransferResponse struct {
	TransferRef string `json:"transfer_ref"`
	Status      string `json:"status"`
}

// Transfer is one processor-side transfer record, as returned by ListTransfers.
type Transfer struct {
	TransferRef    string    `json:"transfer_ref"`
	AmountCents    int64     `json:"amount_cents"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// APIError represents an error from the processor API. Code is the machine
// failure code callers match against retryable allow-lists.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("processor api error: %s - %s", e.Code, e.Message)
	}
	return fmt.Sprintf("processor api error (status %d)", e.Status)
}

// InitiateTransfer submits a transfer to a creator's external account.
func (c *Client) InitiateTransfer(ctx context.Context, reqPayload TransferRequest) (*TransferResponse, error) {
	return c.doTransfer(ctx, "/v1/transfers", reqPayload)
}

// InitiatePoolTransfer moves funds between platform pools.
func (c *Client) InitiatePoolTransfer(ctx context.Context, reqPayload PoolTransferRequest) (*TransferResponse, error) {
	return c.doTransfer(ctx, "/v1/pool-transfers", reqPayload)
}

// doTransfer is a generic helper to execute transfer requests.
func (c *Client) doTransfer(ctx context.Context, path string, payload interface{}) (*TransferResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transfer response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.parseError("transfer", resp.StatusCode, bodyBytes)
	}

	var successResp TransferResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode success response: %w", err)
	}

	return &successResp, nil
}

// ListTransfers fetches a page of processor-side transfers, optionally
// filtered by status.
func (c *Client) ListTransfers(ctx context.Context, status string, limit, offset int) ([]Transfer, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))

	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/v1/transfers?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create list transfers request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute list transfers request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read list transfers response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.parseError("list_transfers", resp.StatusCode, bodyBytes)
	}

	var listResp struct {
		Transfers []Transfer `json:"transfers"`
	}
	if err := json.Unmarshal(bodyBytes, &listResp); err != nil {
		return nil, fmt.Errorf("failed to decode list transfers response: %w", err)
	}

	return listResp.Transfers, nil
}

func (c *Client) parseError(op string, statusCode int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil || (apiErr.Code == "" && apiErr.Message == "") {
		log.Printf("level=warn component=processor_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, statusCode)
		return &APIError{Status: statusCode}
	}
	apiErr.Status = statusCode
	log.Printf("level=warn component=processor_client op=%s status=%d code=%q message=%q", op, statusCode, apiErr.Code, apiErr.Message)
	return &apiErr
}
