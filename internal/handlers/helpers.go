package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/services"
)

const defaultMaxBodySize = 16 * 1024

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

// Middleware is the standard net/http middleware shape.
type Middleware = func(http.Handler) http.Handler

// HandlerOption customises optional collaborators shared by the handler groups.
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	idempotency Middleware
	idemHeader  string
	pollLimit   int
	pollWindow  time.Duration
	pollLimiter rateLimiter
	clock       func() time.Time
}

// WithIdempotency wraps client-initiated POST endpoints with the given replay middleware. header
// is the request header carrying the client key, forwarded to the gateway as part of its own key.
func WithIdempotency(mw Middleware, header string) HandlerOption {
	return func(o *handlerOptions) {
		o.idempotency = mw
		if header = strings.TrimSpace(header); header != "" {
			o.idemHeader = header
		}
	}
}

// WithHandlerClock overrides the clock used by rate limiting, primarily for tests.
func WithHandlerClock(clock func() time.Time) HandlerOption {
	return func(o *handlerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func buildHandlerOptions(opts []HandlerOption) handlerOptions {
	o := handlerOptions{idemHeader: "Idempotency-Key", clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.pollLimiter = newWindowRateLimiter(o.pollLimit, o.pollWindow, o.clock)
	return o
}

// guard returns the middleware chain for an authenticated route.
func guard(authn *auth.Authenticator, roles ...string) []Middleware {
	if authn == nil {
		return nil
	}
	return []Middleware{authn.RequireFirebaseAuth(roles...)}
}

func withChain(r chi.Router, chain ...Middleware) chi.Router {
	active := make([]func(http.Handler) http.Handler, 0, len(chain))
	for _, mw := range chain {
		if mw != nil {
			active = append(active, mw)
		}
	}
	if len(active) == 0 {
		return r
	}
	return r.With(active...)
}

// requesterFromRequest resolves the authenticated caller, writing a 401 when absent.
func requesterFromRequest(w http.ResponseWriter, r *http.Request) (services.Requester, *auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.Requester{}, nil, false
	}
	return services.Requester{UserID: identity.UID, IsAdmin: identity.IsAdmin()}, identity, true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads a bounded JSON body into dst. An empty body is accepted when optional.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any, optional bool) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errEmptyBody) && optional:
			return true
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

func pathParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTimePtr(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
