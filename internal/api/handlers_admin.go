/**
 * @description
 * This file contains the HTTP handlers for the internal (service-to-service
 * and operator) endpoints: billing notifications from the subscription
 * component, payout interventions, settlement triggers, and fee configuration.
 * All of these routes sit behind the internal API key middleware.
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

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/WeWriteApp/WeWrite-sub006/internal/app"
	"github.com/WeWriteApp/WeWrite-sub006/internal/domain"
	"github.com/WeWriteApp/WeWrite-sub006/internal/store"
)

// SubscriptionRenewedHandler records a fresh monthly budget after the billing
// component charges the subscriber.
func (h *LedgerHandlers) SubscriptionRenewedHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.SubscriptionChange
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.SubscriberID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "subscriber_id is required")
		return
	}

	balance, err := h.allocations.OnSubscriptionRenewed(r.Context(), req.SubscriberID, req.NewBudgetCents)
	if err != nil {
		h.writeAllocationError(w, "subscription_renewed", req.SubscriberID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, budgetResponse{
		Period:           balance.Period,
		TotalBudgetCents: balance.TotalBudgetCents,
		AllocatedCents:   balance.AllocatedCents,
		AvailableCents:   balance.AvailableCents(),
	})
}

// SubscriptionChangedHandler reconciles the open period after a mid-cycle
// budget change. Downgrades below the committed total suspend allocations
// largest-first; the suspended set is returned for the caller's records.
func (h *LedgerHandlers) SubscriptionChangedHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.SubscriptionChange
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.SubscriberID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "subscriber_id is required")
		return
	}

	suspended, err := h.allocations.ReconcileBudgetChange(r.Context(), req.SubscriberID, req.NewBudgetCents)
	if err != nil {
		h.writeAllocationError(w, "subscription_changed", req.SubscriberID, err)
		return
	}

	out := make([]allocationResponse, 0, len(suspended))
	for i := range suspended {
		out = append(out, buildAllocationResponse(&suspended[i]))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"suspended_allocations": out,
	})
}

// RunSettlementHandler triggers settlement for an explicit period. The engine
// is idempotent, so re-running a settled period reports already_settled.
func (h *LedgerHandlers) RunSettlementHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Period string `json:"period"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}

	var result *app.SettlementResult
	var err error
	if req.Period == "" {
		result, err = h.settlement.SettleClosedPeriod(r.Context())
	} else {
		result, err = h.settlement.SettlePeriod(r.Context(), req.Period)
	}
	if err != nil {
		var validationErr *app.ValidationError
		if errors.As(err, &validationErr) {
			h.writeError(w, http.StatusBadRequest, validationErr.Error())
			return
		}
		log.Printf("level=error component=api endpoint=run_settlement period=%s err=%v", req.Period, err)
		h.writeError(w, http.StatusInternalServerError, "Settlement failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// RetryPayoutHandler is the operator path for re-submitting a failed payout.
func (h *LedgerHandlers) RetryPayoutHandler(w http.ResponseWriter, r *http.Request) {
	payoutID, err := uuid.Parse(chi.URLParam(r, "payoutID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payout id")
		return
	}

	if err := h.payouts.Retry(r.Context(), payoutID); err != nil {
		switch {
		case errors.Is(err, store.ErrPayoutNotFound):
			h.writeError(w, http.StatusNotFound, "Payout not found")
		case errors.Is(err, app.ErrNotRetryable):
			h.writeError(w, http.StatusConflict, "Payout is not in a retryable state")
		case errors.Is(err, store.ErrInsufficientAvailable):
			h.writeError(w, http.StatusPaymentRequired, "Creator balance can no longer cover the payout")
		default:
			log.Printf("level=error component=api endpoint=retry_payout payout_id=%s err=%v", payoutID, err)
			h.writeError(w, http.StatusInternalServerError, "Retry failed")
		}
		return
	}

	payout, err := h.payouts.GetPayout(r.Context(), payoutID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Retry submitted but payout could not be reloaded")
		return
	}
	h.writeJSON(w, http.StatusOK, buildPayoutResponse(payout))
}

// ForceCompletePayoutHandler marks a payout completed on operator authority,
// for transfers confirmed out-of-band.
func (h *LedgerHandlers) ForceCompletePayoutHandler(w http.ResponseWriter, r *http.Request) {
	payoutID, err := uuid.Parse(chi.URLParam(r, "payoutID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payout id")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := h.payouts.ForceComplete(r.Context(), payoutID, req.Reason); err != nil {
		var validationErr *app.ValidationError
		switch {
		case errors.As(err, &validationErr):
			h.writeError(w, http.StatusBadRequest, validationErr.Error())
		case errors.Is(err, store.ErrPayoutNotFound):
			h.writeError(w, http.StatusNotFound, "Payout not found")
		case errors.Is(err, store.ErrInvalidPayoutState):
			h.writeError(w, http.StatusConflict, "Payout cannot be force-completed from its current state")
		default:
			log.Printf("level=error component=api endpoint=force_complete_payout payout_id=%s err=%v", payoutID, err)
			h.writeError(w, http.StatusInternalServerError, "Force-complete failed")
		}
		return
	}

	payout, err := h.payouts.GetPayout(r.Context(), payoutID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Completed but payout could not be reloaded")
		return
	}
	h.writeJSON(w, http.StatusOK, buildPayoutResponse(payout))
}

// AdminCancelPayoutHandler cancels any pending payout by id.
func (h *LedgerHandlers) AdminCancelPayoutHandler(w http.ResponseWriter, r *http.Request) {
	payoutID, err := uuid.Parse(chi.URLParam(r, "payoutID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payout id")
		return
	}

	if err := h.payouts.Cancel(r.Context(), payoutID); err != nil {
		switch {
		case errors.Is(err, store.ErrPayoutNotFound):
			h.writeError(w, http.StatusNotFound, "Payout not found")
		case errors.Is(err, store.ErrInvalidPayoutState):
			h.writeError(w, http.StatusConflict, "Payout is no longer cancellable")
		default:
			log.Printf("level=error component=api endpoint=admin_cancel_payout payout_id=%s err=%v", payoutID, err)
			h.writeError(w, http.StatusInternalServerError, "Cancel failed")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": domain.PayoutStatusCancelled})
}

// AdjustFeeHandler records a new platform fee version.
func (h *LedgerHandlers) AdjustFeeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percent   float64 `json:"percent"`
		UpdatedBy string  `json:"updated_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.UpdatedBy == "" {
		h.writeError(w, http.StatusBadRequest, "updated_by is required")
		return
	}

	cfg, err := h.payouts.AdjustPlatformFee(r.Context(), req.Percent, req.UpdatedBy)
	if err != nil {
		var validationErr *app.ValidationError
		if errors.As(err, &validationErr) {
			h.writeError(w, http.StatusBadRequest, validationErr.Error())
			return
		}
		log.Printf("level=error component=api endpoint=adjust_fee err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Fee adjustment failed")
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}
