package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/scrumlive/ceremony"
	"github.com/jmcleod/scrumlive/realtime"
)

// API holds the dependencies needed by the REST and WebSocket handlers.
type API struct {
	svc            *ceremony.Service
	hub            *realtime.Hub
	logger         *slog.Logger
	audit          *auditLogger
	facilitatorKey string
	originPatterns []string
	trustedProxies []netip.Prefix
	claimLimiter   *claimRateLimiter
	frameLimit     int
	alertFn        AlertFunc
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithFacilitatorKey requires the X-Facilitator-Key header on facilitator
// routes. An empty key leaves them open.
func WithFacilitatorKey(key string) Option {
	return func(a *API) {
		a.facilitatorKey = key
	}
}

// WithAllowedOrigins adds host patterns accepted as WebSocket origins, in
// the form understood by path.Match ("*.example.com"). Same-host origins are
// always accepted.
func WithAllowedOrigins(patterns ...string) Option {
	return func(a *API) {
		a.originPatterns = append(a.originPatterns, patterns...)
	}
}

// WithTrustedProxies sets the CIDR ranges whose forwarding headers are
// believed when deriving the client IP for rate limiting.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = append(a.trustedProxies, prefixes...)
	}
}

// WithFrameLimit sets how many inbound WebSocket frames per second a single
// connection may send before it is closed.
func WithFrameLimit(perSecond int) Option {
	return func(a *API) {
		if perSecond > 0 {
			a.frameLimit = perSecond
		}
	}
}

// WithAlertFunc sets the callback for abuse spikes such as bursts of rejected
// claims. By default alerts are logged at warn level.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// New creates a new API instance.
func New(svc *ceremony.Service, hub *realtime.Hub, opts ...Option) *API {
	a := &API{
		svc:          svc,
		hub:          hub,
		claimLimiter: newClaimRateLimiter(),
		frameLimit:   defaultFrameLimit,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	base := a.logger
	a.logger = base.With("component", "api")
	if a.alertFn == nil {
		logger := a.logger
		a.alertFn = func(e AlertEvent) {
			logger.Warn("anomaly detected", "alert", string(e.Type), "count", e.Count, "threshold", e.Threshold)
		}
	}
	a.audit = newAuditLogger(base, newAlertCollector(a.alertFn))
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	// Facilitator routes.
	r.Group(func(r chi.Router) {
		r.Use(a.FacilitatorMiddleware)

		r.Post("/retros", a.CreateRetro)
		r.Get("/retros", a.ListRetros)
		r.Get("/retros/{sessionID}", a.GetRetro)
		r.Put("/retros/{sessionID}", a.UpdateRetro)
		r.Get("/retros/{sessionID}/presence", a.RetroPresence)
		r.Post("/retros/{sessionID}/items", a.AddRetroItem)
		r.Put("/retros/{sessionID}/items/{itemID}", a.UpdateRetroItem)
		r.Delete("/retros/{sessionID}/items/{itemID}", a.DeleteRetroItem)

		r.Post("/poker/sessions", a.CreatePoker)
		r.Get("/poker/sessions", a.ListPoker)
		r.Get("/poker/sessions/{sessionID}", a.GetPoker)
		r.Put("/poker/sessions/{sessionID}", a.UpdatePoker)
		r.Get("/poker/sessions/{sessionID}/presence", a.PokerPresence)
	})

	// Public routes. The token is the credential.
	r.Get("/retros/public/{token}", a.PublicRetro)
	r.Post("/retros/public/{token}/claim", a.ClaimRetroPersona)
	r.Delete("/retros/public/{token}/claim/{personaID}", a.ReleaseRetroPersona)
	r.Post("/retros/public/{token}/items", a.SubmitRetroItem)

	r.Get("/poker/public/{token}", a.PublicPoker)
	r.Post("/poker/public/{token}/claim", a.ClaimPokerPersona)
	r.Delete("/poker/public/{token}/claim/{personaID}", a.ReleasePokerPersona)
	r.Post("/poker/public/{token}/vote", a.CastVote)

	r.Get("/ws/retros/{token}", a.RetroSocket)
	r.Get("/ws/poker/{token}", a.PokerSocket)

	return r
}
