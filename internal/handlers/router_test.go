package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestNewRouter_DefaultMounts(t *testing.T) {
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	router := NewRouter(WithHealthHandlers(NewHealthHandlers(WithHealthClock(func() time.Time { return now }))))

	t.Run("healthz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("expected content-type application/json, got %s", ct)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("default not implemented group", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_1/status", nil))
		assertErrorCode(t, rr, http.StatusNotImplemented, "not_implemented")
	})

	t.Run("unknown route", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v2/orders", nil))
		assertErrorCode(t, rr, http.StatusNotFound, "route_not_found")
	})
}

func TestNewRouter_MountsRegistrarsAndGroupMiddleware(t *testing.T) {
	webhookHits := 0
	countWebhooks := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			webhookHits++
			next.ServeHTTP(w, r)
		})
	}

	router := NewRouter(
		WithOrderRoutes(func(r chi.Router) {
			r.Get("/{orderID}/status", func(w http.ResponseWriter, r *http.Request) {
				writeJSONResponse(w, http.StatusOK, map[string]string{"orderId": chi.URLParam(r, "orderID")})
			})
		}),
		WithWebhookRoutes(func(r chi.Router) {
			r.Post("/payments", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		}),
		WithWebhookMiddlewares(countWebhooks),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_42/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decodeBody[map[string]string](t, rr); body["orderId"] != "ord_42" {
		t.Fatalf("unexpected body: %v", body)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", nil))
	if rr.Code != http.StatusOK || webhookHits != 1 {
		t.Fatalf("expected webhook middleware to run once, got status %d hits %d", rr.Code, webhookHits)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_42/status", nil))
	if webhookHits != 1 {
		t.Fatalf("webhook middleware leaked into the orders group")
	}
}
