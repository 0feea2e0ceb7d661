/**
 * @description
 * This file contains the HTTP handlers for the subscriber- and creator-facing
 * API endpoints. Handlers are responsible for parsing incoming requests,
 * calling the appropriate methods on the application services, and writing the
 * HTTP response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/WeWriteApp/WeWrite-sub006/internal/app"
	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
	"github.com/WeWriteApp/WeWrite-sub006/internal/store"
)

// LedgerHandlers holds the application services that handlers will use.
type LedgerHandlers struct {
	allocations *app.AllocationService
	payouts     *app.PayoutService
	settlement  *app.SettlementService
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(allocations *app.AllocationService, payouts *app.PayoutService, settlement *app.SettlementService) *LedgerHandlers {
	return &LedgerHandlers{allocations: allocations, payouts: payouts, settlement: settlement}
}

// allocationResponse mirrors the shape the web client consumes.
type allocationResponse struct {
	AllocationID        string `json:"allocation_id"`
	RecipientID         string `json:"recipient_id"`
	ResourceID          string `json:"resource_id"`
	Period              string `json:"period"`
	AmountCents         int64  `json:"amount_cents"`
	Status              string `json:"status"`
	OriginalAmountCents *int64 `json:"original_amount_cents,omitempty"`
}

func buildAllocationResponse(a *domain.Allocation) allocationResponse {
	return allocationResponse{
		AllocationID:        a.ID.String(),
		RecipientID:         a.RecipientID.String(),
		ResourceID:          a.ResourceID,
		Period:              a.Period,
		AmountCents:         a.AmountCents,
		Status:              a.Status,
		OriginalAmountCents: a.OriginalAmountCents,
	}
}

type budgetResponse struct {
	Period           string `json:"period"`
	TotalBudgetCents int64  `json:"total_budget_cents"`
	AllocatedCents   int64  `json:"allocated_cents"`
	AvailableCents   int64  `json:"available_cents"`
}

type payoutResponse struct {
	PayoutID      string  `json:"payout_id"`
	AmountCents   int64   `json:"amount_cents"`
	FeeCents      int64   `json:"fee_cents"`
	NetCents      int64   `json:"net_cents"`
	Status        string  `json:"status"`
	RetryCount    int     `json:"retry_count"`
	FailureReason *string `json:"failure_reason,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

func buildPayoutResponse(p *domain.Payout) payoutResponse {
	return payoutResponse{
		PayoutID:      p.ID.String(),
		AmountCents:   p.AmountCents,
		FeeCents:      p.FeeCents,
		NetCents:      p.NetCents(),
		Status:        p.Status,
		RetryCount:    p.RetryCount,
		FailureReason: p.LastFailureReason,
		CreatedAt:     p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// resolveUserID maps the authenticated Clerk subject to our internal UUID.
func (h *LedgerHandlers) resolveUserID(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	userIDStr, ok := GetClerkUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return uuid.Nil, false
	}

	internalIDStr, err := h.allocations.ResolveInternalUserID(r.Context(), userIDStr)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=user_resolution_failed clerk_user_id=%s err=%v", endpoint, userIDStr, err)
		http.Error(w, "User not found", http.StatusBadRequest)
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(internalIDStr)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_user_id internal_user_id=%s", endpoint, internalIDStr)
		http.Error(w, "Invalid user ID format", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return userID, true
}

// AllocateHandler applies an allocation delta for the authenticated subscriber.
func (h *LedgerHandlers) AllocateHandler(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := h.resolveUserID(w, r, "allocate")
	if !ok {
		return
	}

	var req domain.AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=allocate outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.RecipientID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "Invalid recipient_id")
		return
	}

	alloc, err := h.allocations.Allocate(r.Context(), subscriberID, req.RecipientID, req.ResourceID, req.DeltaCents)
	if err != nil {
		h.writeAllocationError(w, "allocate", subscriberID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildAllocationResponse(alloc))
}

// ListAllocationsHandler returns the subscriber's allocations for the open period.
func (h *LedgerHandlers) ListAllocationsHandler(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := h.resolveUserID(w, r, "list_allocations")
	if !ok {
		return
	}

	status := r.URL.Query().Get("status")
	allocs, err := h.allocations.ListAllocations(r.Context(), subscriberID, status)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_allocations subscriber_id=%s err=%v", subscriberID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list allocations")
		return
	}

	out := make([]allocationResponse, 0, len(allocs))
	for i := range allocs {
		out = append(out, buildAllocationResponse(&allocs[i]))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetBudgetHandler returns the subscriber's budget for the open period.
func (h *LedgerHandlers) GetBudgetHandler(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := h.resolveUserID(w, r, "get_budget")
	if !ok {
		return
	}

	balance, err := h.allocations.GetBudget(r.Context(), subscriberID)
	if err != nil {
		if errors.Is(err, store.ErrBalanceNotFound) {
			h.writeError(w, http.StatusNotFound, "No budget for the current period")
			return
		}
		log.Printf("level=error component=api endpoint=get_budget subscriber_id=%s err=%v", subscriberID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load budget")
		return
	}

	h.writeJSON(w, http.StatusOK, budgetResponse{
		Period:           balance.Period,
		TotalBudgetCents: balance.TotalBudgetCents,
		AllocatedCents:   balance.AllocatedCents,
		AvailableCents:   balance.AvailableCents(),
	})
}

// ListRestorableHandler returns suspended allocations the subscriber can restore.
func (h *LedgerHandlers) ListRestorableHandler(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := h.resolveUserID(w, r, "list_restorable")
	if !ok {
		return
	}

	restorable, err := h.allocations.ListRestorableAllocations(r.Context(), subscriberID)
	if err != nil {
		if errors.Is(err, store.ErrBalanceNotFound) {
			h.writeJSON(w, http.StatusOK, []domain.RestorableAllocation{})
			return
		}
		log.Printf("level=error component=api endpoint=list_restorable subscriber_id=%s err=%v", subscriberID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list restorable allocations")
		return
	}
	if restorable == nil {
		restorable = []domain.RestorableAllocation{}
	}
	h.writeJSON(w, http.StatusOK, restorable)
}

// RestoreAllocationHandler re-activates one suspended allocation.
func (h *LedgerHandlers) RestoreAllocationHandler(w http.ResponseWriter, r *http.Request) {
	subscriberID, ok := h.resolveUserID(w, r, "restore_allocation")
	if !ok {
		return
	}
	allocationID, err := uuid.Parse(chi.URLParam(r, "allocationID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid allocation id")
		return
	}

	alloc, err := h.allocations.RestoreAllocation(r.Context(), subscriberID, allocationID)
	if err != nil {
		if errors.Is(err, store.ErrAllocationNotFound) {
			h.writeError(w, http.StatusNotFound, "Suspended allocation not found")
			return
		}
		h.writeAllocationError(w, "restore_allocation", subscriberID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildAllocationResponse(alloc))
}

// GetBalanceHandler returns the authenticated creator's earnings balance.
func (h *LedgerHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := h.resolveUserID(w, r, "get_balance")
	if !ok {
		return
	}

	balance, err := h.payouts.GetBalance(r.Context(), creatorID)
	if err != nil {
		log.Printf("level=error component=api endpoint=get_balance creator_id=%s err=%v", creatorID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load balance")
		return
	}
	h.writeJSON(w, http.StatusOK, balance)
}

// ListEarningsHandler returns the creator's recent per-period earnings records.
func (h *LedgerHandlers) ListEarningsHandler(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := h.resolveUserID(w, r, "list_earnings")
	if !ok {
		return
	}

	limit := parseQueryInt(r, "limit", 24)
	records, err := h.payouts.ListEarnings(r.Context(), creatorID, limit)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_earnings creator_id=%s err=%v", creatorID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list earnings")
		return
	}
	if records == nil {
		records = []domain.CreatorEarningsRecord{}
	}
	h.writeJSON(w, http.StatusOK, records)
}

// RequestPayoutHandler creates and submits a payout for the authenticated creator.
func (h *LedgerHandlers) RequestPayoutHandler(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := h.resolveUserID(w, r, "request_payout")
	if !ok {
		return
	}

	var req domain.RequestPayoutPayload
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}

	correlationID := r.Header.Get("X-Request-ID")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	payout, err := h.payouts.RequestPayout(r.Context(), creatorID, req.AmountCents, correlationID)
	if err != nil {
		h.writePayoutError(w, "request_payout", creatorID, err)
		return
	}

	if err := h.payouts.ProcessPayout(r.Context(), payout.ID); err != nil {
		// The payout exists and funds are reserved; processing outcomes are
		// reported through the payout's own status.
		log.Printf("level=error component=api endpoint=request_payout payout_id=%s err=%v", payout.ID, err)
	}
	if refreshed, err := h.payouts.GetPayout(r.Context(), payout.ID); err == nil {
		payout = refreshed
	}

	h.writeJSON(w, http.StatusCreated, buildPayoutResponse(payout))
}

// ListPayoutsHandler returns the creator's payout history, newest first.
func (h *LedgerHandlers) ListPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := h.resolveUserID(w, r, "list_payouts")
	if !ok {
		return
	}

	limit := parseQueryInt(r, "limit", 50)
	offset := parseQueryInt(r, "offset", 0)
	payouts, err := h.payouts.ListPayouts(r.Context(), creatorID, limit, offset)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_payouts creator_id=%s err=%v", creatorID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list payouts")
		return
	}

	out := make([]payoutResponse, 0, len(payouts))
	for i := range payouts {
		out = append(out, buildPayoutResponse(&payouts[i]))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetPayoutHandler returns one payout owned by the authenticated creator.
func (h *LedgerHandlers) GetPayoutHandler(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := h.resolveUserID(w, r, "get_payout")
	if !ok {
		return
	}
	payoutID, err := uuid.Parse(chi.URLParam(r, "payoutID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payout id")
		return
	}

	payout, err := h.payouts.GetPayout(r.Context(), payoutID)
	if err != nil {
		if errors.Is(err, store.ErrPayoutNotFound) {
			h.writeError(w, http.StatusNotFound, "Payout not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_payout payout_id=%s err=%v", payoutID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load payout")
		return
	}
	if payout.CreatorID != creatorID {
		h.writeError(w, http.StatusNotFound, "Payout not found")
		return
	}
	h.writeJSON(w, http.StatusOK, buildPayoutResponse(payout))
}

// CancelPayoutHandler cancels the creator's own pending payout.
func (h *LedgerHandlers) CancelPayoutHandler(w http.ResponseWriter, r *http.Request) {
	creatorID, ok := h.resolveUserID(w, r, "cancel_payout")
	if !ok {
		return
	}
	payoutID, err := uuid.Parse(chi.URLParam(r, "payoutID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payout id")
		return
	}

	payout, err := h.payouts.GetPayout(r.Context(), payoutID)
	if err != nil || payout.CreatorID != creatorID {
		h.writeError(w, http.StatusNotFound, "Payout not found")
		return
	}

	if err := h.payouts.Cancel(r.Context(), payoutID); err != nil {
		if errors.Is(err, store.ErrInvalidPayoutState) {
			h.writeError(w, http.StatusConflict, "Payout is no longer cancellable")
			return
		}
		log.Printf("level=error component=api endpoint=cancel_payout payout_id=%s err=%v", payoutID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to cancel payout")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": domain.PayoutStatusCancelled})
}

func (h *LedgerHandlers) writeAllocationError(w http.ResponseWriter, endpoint string, subscriberID uuid.UUID, err error) {
	var validationErr *app.ValidationError
	var budgetErr *app.BudgetExceededError

	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &budgetErr):
		h.writeError(w, http.StatusPaymentRequired, budgetErr.Error())
	case errors.Is(err, app.ErrAllocationPeriodClosed):
		h.writeError(w, http.StatusConflict, "The current period is closed for changes")
	case errors.Is(err, app.ErrRetriesExhausted):
		h.writeError(w, http.StatusConflict, "Too much concurrent activity, please retry")
	case errors.Is(err, store.ErrBalanceNotFound):
		h.writeError(w, http.StatusNotFound, "No budget for the current period")
	default:
		log.Printf("level=error component=api endpoint=%s subscriber_id=%s err=%v", endpoint, subscriberID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *LedgerHandlers) writePayoutError(w http.ResponseWriter, endpoint string, creatorID uuid.UUID, err error) {
	var validationErr *app.ValidationError
	var budgetErr *app.BudgetExceededError
	var thresholdErr *app.BelowMinimumThresholdError

	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &thresholdErr):
		h.writeError(w, http.StatusBadRequest, thresholdErr.Error())
	case errors.As(err, &budgetErr), errors.Is(err, store.ErrInsufficientAvailable):
		h.writeError(w, http.StatusPaymentRequired, "Insufficient available balance")
	case errors.Is(err, app.ErrAccountNotEligible):
		h.writeError(w, http.StatusPreconditionFailed, "Payout account is not set up or not verified")
	case errors.Is(err, app.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s creator_id=%s err=%v", endpoint, creatorID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func parseQueryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
