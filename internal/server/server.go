// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/gcpauth"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/sink"
	"github.com/howard-nolan/llmgateway/internal/telemetry"
)

// Server holds the HTTP router and every dependency the handlers need: the
// provider registry built from config, the HTTP client adapters dispatch
// over, the dynamic API-key bag, the completed-inference sink, and the
// Prometheus metrics.
//
// It's the same shape as the original models-map server, generalized from
// a single provider map to the Registry type and widened to carry the
// collaborators every inference now reports to on completion.
type Server struct {
	router chi.Router
	cfg    *config.Config

	// registry maps a model name to the Provider that serves it — the
	// single lookup every inference request goes through before an
	// adapter ever sees the request body.
	registry *provider.Registry

	httpClient *http.Client
	keyBag     gcpauth.KeyBag
	sink       sink.Sink
	metrics    *telemetry.Metrics
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, registry *provider.Registry, httpClient *http.Client, keyBag gcpauth.KeyBag, sk sink.Sink, metrics *telemetry.Metrics) *Server {
	s := &Server{
		cfg:        cfg,
		registry:   registry,
		httpClient: httpClient,
		keyBag:     keyBag,
		sink:       sk,
		metrics:    metrics,
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/v1/inferences", s.handleInference)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface. Every incoming
// request flows through this method, and we just delegate to chi's router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
