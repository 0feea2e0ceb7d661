/**
 * @description
 * This file sets up the HTTP router for the allocation service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * middleware for logging, panic recovery, timeouts, CORS, and authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the web client.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// LedgerRoutes creates and returns a new router for the allocation service.
func LedgerRoutes(h *LedgerHandlers, webhook *WebhookHandler, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Processor webhooks authenticate by HMAC signature, not JWT.
	r.Method(http.MethodPost, "/webhooks/processor", webhook)

	// Subscriber- and creator-facing routes require authentication.
	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(jwksURL))

		// Allocation ledger endpoints
		r.Post("/allocations", h.AllocateHandler)
		r.Get("/allocations", h.ListAllocationsHandler)
		r.Get("/allocations/restorable", h.ListRestorableHandler)
		r.Post("/allocations/{allocationID}/restore", h.RestoreAllocationHandler)
		r.Get("/budget", h.GetBudgetHandler)

		// Creator earnings and payout endpoints
		r.Get("/balance", h.GetBalanceHandler)
		r.Get("/earnings", h.ListEarningsHandler)
		r.Post("/payouts", h.RequestPayoutHandler)
		r.Get("/payouts", h.ListPayoutsHandler)
		r.Get("/payouts/{payoutID}", h.GetPayoutHandler)
		r.Post("/payouts/{payoutID}/cancel", h.CancelPayoutHandler)
	})

	// Internal routes for the billing component and operators.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/internal/subscriptions/renewed", h.SubscriptionRenewedHandler)
		r.Post("/internal/subscriptions/changed", h.SubscriptionChangedHandler)
		r.Post("/internal/settlement/run", h.RunSettlementHandler)
		r.Post("/internal/payouts/{payoutID}/retry", h.RetryPayoutHandler)
		r.Post("/internal/payouts/{payoutID}/cancel", h.AdminCancelPayoutHandler)
		r.Post("/internal/payouts/{payoutID}/force-complete", h.ForceCompletePayoutHandler)
		r.Put("/internal/fee-config", h.AdjustFeeHandler)
	})

	return r
}
