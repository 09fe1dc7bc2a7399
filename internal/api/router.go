/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", internalAPIKeyHeader},
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Everything else requires the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/ledger/entries", h.PostEntryHandler)
		r.Get("/ledger/accounts/{id}/balance", h.GetBalanceHandler)

		r.Get("/challenges/{id}/due-window", h.DueWindowHandler)
		r.Post("/challenges/run-due", h.RunDueHandler)
		r.Post("/challenges/{id}/draw", h.DrawHandler)
		r.Post("/challenges/{id}/roll", h.RollHandler)

		r.Post("/users/{id}/commit-pending", h.CommitPendingHandler)
		r.Post("/users/{id}/withdrawals", h.WithdrawalHandler)

		r.Post("/yield/accrue", h.AccrueYieldHandler)

		r.Post("/vault/allocate", h.vaultStageHandler(h.service.AllocateDeposits))
		r.Post("/vault/reconcile", h.vaultStageHandler(h.service.ReconcileActions))
		r.Post("/vault/withdraw-request", h.vaultStageHandler(h.service.RequestWithdrawals))
		r.Post("/vault/redeem", h.vaultStageHandler(h.service.RedeemWithdrawals))
		r.Post("/vault/mark", h.vaultStageHandler(h.service.MarkToMarket))
		r.Post("/vault/watchdog", h.vaultStageHandler(h.service.Watchdog))
	})

	return r
}
