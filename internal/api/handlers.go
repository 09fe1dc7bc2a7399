/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stashly/ledger-service/internal/app"
	"github.com/stashly/ledger-service/internal/domain"
	"github.com/stashly/ledger-service/internal/store"
)

// RateLimiter is the slice of the rate limiter the handlers use.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service   *app.Service
	limiter   RateLimiter
	drawLimit int
}

// NewLedgerHandlers creates a new instance of LedgerHandlers. limiter may be
// nil when Redis is not configured; drawLimit is requests per minute for the
// interactive endpoints.
func NewLedgerHandlers(service *app.Service, limiter RateLimiter, drawLimit int) *LedgerHandlers {
	return &LedgerHandlers{service: service, limiter: limiter, drawLimit: drawLimit}
}

func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"failed to encode response\" err=%v", err)
	}
}

func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps service and store errors onto HTTP statuses.
func (h *LedgerHandlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrTooFewLines),
		errors.Is(err, app.ErrImbalancedEntry),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrMalformedRules):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, app.ErrUnknownAccount),
		errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrChallengeNotFound),
		errors.Is(err, store.ErrEventNotFound),
		errors.Is(err, store.ErrIntentNotFound),
		errors.Is(err, store.ErrEntryNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrChallengeInactive),
		errors.Is(err, app.ErrKindMismatch),
		errors.Is(err, app.ErrPoolExhausted):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInsufficientFunds):
		h.writeError(w, http.StatusUnprocessableEntity, "insufficient funds")
	default:
		log.Printf("level=error component=api msg=\"internal error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return id, nil
}

func limitFromQuery(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}

type journalLineRequest struct {
	AccountID uuid.UUID `json:"account_id"`
	Amount    int64     `json:"amount"`
	Memo      string    `json:"memo,omitempty"`
}

type postEntryRequest struct {
	IdempotencyKey string               `json:"idempotency_key"`
	EntryType      string               `json:"entry_type"`
	OccurredAt     *time.Time           `json:"occurred_at,omitempty"`
	Memo           string               `json:"memo,omitempty"`
	Lines          []journalLineRequest `json:"lines"`
}

type postEntryResponse struct {
	Entry   *domain.JournalEntry `json:"entry"`
	Created bool                 `json:"created"`
}

// PostEntryHandler records one balanced journal entry.
func (h *LedgerHandlers) PostEntryHandler(w http.ResponseWriter, r *http.Request) {
	var req postEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.IdempotencyKey == "" {
		h.writeError(w, http.StatusBadRequest, "idempotency_key is required")
		return
	}
	if req.EntryType == "" {
		req.EntryType = domain.EntryTypeAdjustment
	}
	occurredAt := time.Now().UTC()
	if req.OccurredAt != nil {
		occurredAt = req.OccurredAt.UTC()
	}

	lines := make([]domain.JournalLine, len(req.Lines))
	for i, line := range req.Lines {
		lines[i] = domain.JournalLine{AccountID: line.AccountID, Amount: line.Amount, Memo: line.Memo}
	}

	entry, created, err := h.service.PostEntry(r.Context(), req.IdempotencyKey, req.EntryType, occurredAt, req.Memo, lines)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, postEntryResponse{Entry: entry, Created: created})
}

// GetBalanceHandler returns the derived balance of one account.
func (h *LedgerHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := parseUUIDParam(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	balance, err := h.service.GetBalance(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"balance":    balance,
	})
}

// DueWindowHandler answers the due-window question for one challenge.
func (h *LedgerHandlers) DueWindowHandler(w http.ResponseWriter, r *http.Request) {
	challengeID, err := parseUUIDParam(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	window, err := h.service.ResolveChallengeDueWindow(r.Context(), challengeID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, window)
}

// RunDueHandler triggers a bulk run-due pass.
func (h *LedgerHandlers) RunDueHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RunDueChallenges(r.Context(), limitFromQuery(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// consumeInteractiveLimit applies the per-challenge rate limit to draw/roll.
func (h *LedgerHandlers) consumeInteractiveLimit(w http.ResponseWriter, r *http.Request, scope string, challengeID uuid.UUID) bool {
	if h.limiter == nil || h.drawLimit <= 0 {
		return true
	}
	count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), scope, challengeID.String(), h.drawLimit, time.Minute)
	if err != nil {
		// Limiter trouble never blocks the operation.
		log.Printf("level=warn component=api endpoint=%s msg=\"rate limiter unavailable\" err=%v", scope, err)
		return true
	}
	if count > h.drawLimit {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

// DrawHandler performs today's draw for a pool-draw challenge.
func (h *LedgerHandlers) DrawHandler(w http.ResponseWriter, r *http.Request) {
	challengeID, err := parseUUIDParam(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.consumeInteractiveLimit(w, r, "draw", challengeID) {
		return
	}
	result, err := h.service.Draw(r.Context(), challengeID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// RollHandler performs today's roll for a dice-roll challenge.
func (h *LedgerHandlers) RollHandler(w http.ResponseWriter, r *http.Request) {
	challengeID, err := parseUUIDParam(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.consumeInteractiveLimit(w, r, "roll", challengeID) {
		return
	}
	result, err := h.service.Roll(r.Context(), challengeID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// CommitPendingHandler commits a user's pending events under the caps.
func (h *LedgerHandlers) CommitPendingHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUUIDParam(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.service.CommitPending(r.Context(), userID, limitFromQuery(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type withdrawalRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Amount         int64  `json:"amount"`
}

// WithdrawalHandler moves funds out of a user's stash.
func (h *LedgerHandlers) WithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUUIDParam(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.IdempotencyKey == "" {
		h.writeError(w, http.StatusBadRequest, "idempotency_key is required")
		return
	}

	intent, created, err := h.service.RequestWithdrawal(r.Context(), req.IdempotencyKey, userID, req.Amount)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, map[string]interface{}{
		"intent":  intent,
		"created": created,
	})
}

type accrueYieldRequest struct {
	RunKey      string    `json:"run_key"`
	TotalAmount int64     `json:"total_amount"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// AccrueYieldHandler runs one idempotent yield distribution.
func (h *LedgerHandlers) AccrueYieldHandler(w http.ResponseWriter, r *http.Request) {
	var req accrueYieldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.RunKey == "" {
		h.writeError(w, http.StatusBadRequest, "run_key is required")
		return
	}
	result, err := h.service.AccrueYield(r.Context(), req.RunKey, req.TotalAmount, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// vaultStageHandler runs one settlement stage and reports per-item outcomes.
func (h *LedgerHandlers) vaultStageHandler(stage func(context.Context, int) (*domain.VaultBatchResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := stage(r.Context(), limitFromQuery(r))
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, result)
	}
}
