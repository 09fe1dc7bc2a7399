package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestInternalAPIKeyMiddleware(t *testing.T) {
	cases := []struct {
		name       string
		configured string
		provided   string
		wantStatus int
	}{
		{"matching key passes", "secret-key", "secret-key", http.StatusOK},
		{"wrong key rejected", "secret-key", "other-key", http.StatusUnauthorized},
		{"missing key rejected", "secret-key", "", http.StatusUnauthorized},
		{"whitespace around provided key tolerated", "secret-key", "  secret-key  ", http.StatusOK},
		{"empty configured key disables the check", "", "", http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := InternalAPIKeyMiddleware(tc.configured)(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/ledger/entries", nil)
			if tc.provided != "" {
				req.Header.Set(internalAPIKeyHeader, tc.provided)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestLedgerRoutesHealthIsOpen(t *testing.T) {
	router := LedgerRoutes(NewLedgerHandlers(nil, nil, 0), "secret-key")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}

	// Guarded routes reject unauthenticated callers before touching handlers.
	req = httptest.NewRequest(http.MethodPost, "/challenges/run-due", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("guarded route status = %d, want 401", rec.Code)
	}
}
