// Package api exposes the gatehouse over HTTP: a sanitized JSON
// argument surface, the admission gate in front of every route, and the
// result envelope on the way out.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"

	"github.com/inkwire/gatehouse/admission"
	"github.com/inkwire/gatehouse/diag"
	"github.com/inkwire/gatehouse/policy"
	"github.com/inkwire/gatehouse/pulse"
	"github.com/inkwire/gatehouse/store"
	"github.com/inkwire/gatehouse/trust"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Ingestor receives payloads that cleared the trust layer.
type Ingestor interface {
	Ingest(ctx context.Context, sess *store.Session, payload []byte) error
}

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	store     store.Store
	registry  *trust.Registry
	admission *admission.Controller
	scheduler *pulse.Scheduler
	diag      *diag.Log
	cfg       policy.Config
	log       *slog.Logger
	ingestor  Ingestor

	trustedProxies []netip.Prefix
	now            func() time.Time
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, a JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.log = logger }
}

// WithTrustedProxies enables proxy-header client addressing for peers
// inside the given CIDR ranges.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithIngestor sets the downstream consumer of accepted payloads.
func WithIngestor(ing Ingestor) Option {
	return func(a *API) { a.ingestor = ing }
}

// WithDiagnostics routes critical failures to the durable log.
func WithDiagnostics(dg *diag.Log) Option {
	return func(a *API) { a.diag = dg }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// New creates a new API instance.
func New(st store.Store, registry *trust.Registry, ctrl *admission.Controller, sched *pulse.Scheduler, cfg policy.Config, opts ...Option) *API {
	a := &API{
		store:     st,
		registry:  registry,
		admission: ctrl,
		scheduler: sched,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
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

	r.Get("/health", a.Health)

	r.Group(func(r chi.Router) {
		r.Use(a.withArgs, a.gate)

		r.Post("/handshake", a.Handshake)
		r.Post("/init", a.Init)
		r.Get("/session", a.GetSession)
		r.Get("/constants", a.Constants)
		r.Post("/captcha", a.Captcha)
		r.Post("/submit", a.Submit)
		r.Post("/alias", a.Alias)
		r.Post("/operator/paralyze", a.OperatorParalyze)
		r.Post("/operator/role", a.OperatorRole)
		r.Post("/operator/address", a.OperatorAddress)
		r.Post("/cron", a.Cron)
	})

	return r
}
