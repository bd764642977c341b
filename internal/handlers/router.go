package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/orders/internal/platform/httpx"
)

// RouteRegistrar attaches one group's routes.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second
)

// routeGroup is one prefix under /api/v1. Groups without a registrar answer 501 so clients can
// tell a disabled surface from a typo.
type routeGroup struct {
	path        string
	registrar   RouteRegistrar
	middlewares []middlewareFunc
}

type routerConfig struct {
	middlewares []middlewareFunc
	health      *HealthHandlers
	groups      map[string]*routeGroup
}

// groupOrder fixes mount order so chi's tree is built deterministically.
var groupOrder = []string{"/orders", "/service-orders", "/returns", "/me", "/admin", "/webhooks"}

// Option customises NewRouter.
type Option func(*routerConfig)

// NewRouter builds the API router: request id, real ip and timeout middleware, probes at the
// root and the order groups under /api/v1.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		middlewares: []middlewareFunc{middleware.RequestID, middleware.RealIP, middleware.Timeout(requestTimeout)},
		groups:      make(map[string]*routeGroup, len(groupOrder)),
	}
	for _, path := range groupOrder {
		cfg.groups[path] = &routeGroup{path: path}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		msg := fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path)
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", msg, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for _, path := range groupOrder {
			group := cfg.groups[path]
			api.Route(group.path, group.mount)
		}
	})
	return r
}

func (g *routeGroup) mount(r chi.Router) {
	for _, mw := range g.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	if g.registrar != nil {
		g.registrar(r)
		return
	}
	notImplemented := func(w http.ResponseWriter, req *http.Request) {
		msg := fmt.Sprintf("%s routes are not enabled", g.path)
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", msg, http.StatusNotImplemented))
	}
	r.HandleFunc("/", notImplemented)
	r.HandleFunc("/*", notImplemented)
	r.NotFound(notImplemented)
	r.MethodNotAllowed(notImplemented)
}

func withGroup(path string, reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.groups[path].registrar = reg
	}
}

// WithMiddlewares appends global middleware after the defaults.
func WithMiddlewares(mw ...middlewareFunc) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers replaces the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithOrderRoutes mounts product order routes at /orders.
func WithOrderRoutes(reg RouteRegistrar) Option { return withGroup("/orders", reg) }

// WithServiceOrderRoutes mounts booking routes at /service-orders.
func WithServiceOrderRoutes(reg RouteRegistrar) Option { return withGroup("/service-orders", reg) }

// WithReturnRoutes mounts return lookups at /returns.
func WithReturnRoutes(reg RouteRegistrar) Option { return withGroup("/returns", reg) }

// WithMeRoutes mounts the caller's own resources at /me.
func WithMeRoutes(reg RouteRegistrar) Option { return withGroup("/me", reg) }

// WithAdminRoutes mounts staff operations at /admin.
func WithAdminRoutes(reg RouteRegistrar) Option { return withGroup("/admin", reg) }

// WithWebhookRoutes mounts gateway callbacks at /webhooks.
func WithWebhookRoutes(reg RouteRegistrar) Option { return withGroup("/webhooks", reg) }

// WithWebhookMiddlewares adds middleware to the /webhooks group only.
func WithWebhookMiddlewares(mw ...middlewareFunc) Option {
	return func(cfg *routerConfig) {
		g := cfg.groups["/webhooks"]
		g.middlewares = append(g.middlewares, mw...)
	}
}
