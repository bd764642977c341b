package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/cache/cachetest"
)

var fixedTime = time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)

func newRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))
}

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"orderId":"ord_1"}`))
	})
}

func TestMiddleware_OptionalKeyPassesThrough(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusCreated))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newRequest("", `{}`))
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rec.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected handler to run for every keyless request, got %d", calls)
	}
}

func TestMiddleware_RequiredKey(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithRequiredKey())(countingHandler(&calls, http.StatusCreated))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest("", `{}`))
	if rec.Code != http.StatusBadRequest || calls != 0 {
		t.Fatalf("expected 400 without handler call, got %d (%d calls)", rec.Code, calls)
	}
	assertErrorResponse(t, rec.Body.Bytes(), "idempotency_key_required")
}

func TestMiddleware_ReplaysStoredResponse(t *testing.T) {
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(cachetest.New()),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			var calls int
			handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(countingHandler(&calls, http.StatusCreated))

			first := httptest.NewRecorder()
			handler.ServeHTTP(first, newRequest("abc-123", `{"total":1180}`))
			second := httptest.NewRecorder()
			handler.ServeHTTP(second, newRequest("abc-123", `{"total":1180}`))

			if calls != 1 {
				t.Fatalf("expected one handler call, got %d", calls)
			}
			if second.Code != http.StatusCreated {
				t.Fatalf("expected replayed 201, got %d", second.Code)
			}
			if second.Header().Get(replayHeaderName) != "true" {
				t.Fatalf("expected replay header")
			}
			if second.Body.String() != first.Body.String() {
				t.Fatalf("expected identical body, got %q vs %q", second.Body.String(), first.Body.String())
			}
		})
	}
}

func TestMiddleware_FingerprintMismatch(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusCreated))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest("abc", `{"total":1}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest("abc", `{"total":2}`))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	assertErrorResponse(t, rec.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddleware_ServerErrorReleasesKey(t *testing.T) {
	var calls int
	store := NewMemoryStore()
	handler := Middleware(store)(countingHandler(&calls, http.StatusBadGateway))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest("retry-me", `{}`))
	handler.ServeHTTP(httptest.NewRecorder(), newRequest("retry-me", `{}`))

	if calls != 2 {
		t.Fatalf("expected retry after server error, got %d calls", calls)
	}
}

func TestMiddleware_PendingConflict(t *testing.T) {
	store := NewMemoryStore()
	req := newRequest("busy", `{}`)
	fingerprint := requestFingerprint(req, []byte(`{}`), "user-1")
	if _, err := store.Reserve(context.Background(), "busy|user-1", fingerprint, fixedTime, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	var calls int
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(countingHandler(&calls, http.StatusCreated))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict || calls != 0 {
		t.Fatalf("expected 409 without handler call, got %d", rec.Code)
	}
	assertErrorResponse(t, rec.Body.Bytes(), "idempotency_in_progress")
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	res, err := store.Reserve(ctx, "k", "other", fixedTime.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("expected expired record to be replaced, got %v", err)
	}
	if res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %v", res.State)
	}
}

func assertErrorResponse(t *testing.T, body []byte, code string) {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["error"] != code {
		t.Fatalf("expected error code %q, got %v", code, payload["error"])
	}
}
