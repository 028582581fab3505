// Package server exposes the agents over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gtm-agents/internal/agents"
	apperrors "gtm-agents/internal/common/errors"
	"gtm-agents/internal/common/logger"
	"gtm-agents/internal/pipeline"
	"gtm-agents/pkg/registry"
)

const (
	defaultBodyLimit = 1 << 20
	readyTimeout     = 2 * time.Second
)

// Pinger is checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// RequestTimeout bounds every request; zero disables the middleware.
	RequestTimeout time.Duration
	// AgentTimeouts bound a single run of the named agent.
	AgentTimeouts map[string]time.Duration
	// Disabled agents are known to the catalogue but refused with 403.
	Disabled  []string
	BodyLimit int64
	// Ready is pinged by /ready when set, e.g. the redis cache client.
	Ready   Pinger
	Metrics http.Handler
}

type Server struct {
	engine   *pipeline.Engine
	opts     Options
	errors   *apperrors.ErrorHandler
	log      logger.Logger
	disabled map[string]bool
	catalog  *registry.Catalog
}

func New(engine *pipeline.Engine, opts Options, log logger.Logger) *Server {
	if opts.BodyLimit == 0 {
		opts.BodyLimit = defaultBodyLimit
	}
	if opts.Metrics == nil {
		opts.Metrics = promhttp.Handler()
	}
	log = log.With(map[string]interface{}{"component": "server"})

	s := &Server{
		engine:   engine,
		opts:     opts,
		errors:   apperrors.NewErrorHandler(log),
		log:      log,
		disabled: make(map[string]bool, len(opts.Disabled)),
	}
	for _, id := range opts.Disabled {
		s.disabled[id] = true
	}
	s.catalog = s.buildCatalog()
	return s
}

// buildCatalog lists registered agents plus the disabled ones.
func (s *Server) buildCatalog() *registry.Catalog {
	cat := agents.Catalog(s.engine.Agents(), time.Now())
	enabled := true
	for i := range cat.Agents {
		cat.Agents[i].Enabled = &enabled
	}
	disabled := false
	for _, a := range agents.All() {
		if s.disabled[a.ID] {
			entry := agents.Describe(a)
			entry.Enabled = &disabled
			cat.Agents = append(cat.Agents, entry)
		}
	}
	return cat
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if s.opts.RequestTimeout > 0 {
		r.Use(chimw.Timeout(s.opts.RequestTimeout))
	}

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Method(http.MethodGet, "/metrics", s.opts.Metrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/agents", s.listAgents)
		r.Post("/agents/{agentID}", s.runAgent)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.opts.Ready.Ping(ctx); err != nil {
			s.log.Warn("readiness check failed", map[string]interface{}{"error": err.Error()})
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog)
}

func (s *Server) runAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agentID")
	if s.disabled[id] {
		s.errors.Write(w, r, apperrors.NewAgentDisabledError(id))
		return
	}
	if _, ok := s.engine.Agent(id); !ok {
		s.errors.Write(w, r, apperrors.NewUnknownAgentError(id))
		return
	}

	payload, err := s.readPayload(w, r)
	if err != nil {
		s.errors.Write(w, r, apperrors.NewInvalidRequestError(err.Error()))
		return
	}

	ctx := r.Context()
	if timeout := s.opts.AgentTimeouts[id]; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := s.engine.Run(ctx, id, payload)
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

var errNotObject = errors.New("request body must be a JSON object")

func (s *Server) readPayload(w http.ResponseWriter, r *http.Request) (map[string]interface{}, error) {
	body := http.MaxBytesReader(w, r.Body, s.opts.BodyLimit)
	var raw interface{}
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errNotObject
		}
		return nil, err
	}
	payload, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errNotObject
	}
	return payload, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
