// Package api exposes the operational HTTP surface of StateFlow: metrics,
// health, the loaded agent graph and read-only conversation views.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/BTreeMap/StateFlow/internal/agent"
	"github.com/BTreeMap/StateFlow/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":9090"

// healthTimeout bounds each health check.
const healthTimeout = 2 * time.Second

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Opts holds configuration for the ops server.
type Opts struct {
	Addr     string
	Gatherer prometheus.Gatherer
	Checks   map[string]HealthCheck
}

// Option configures the ops server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithGatherer sets the registry served on /metrics. Defaults to the global registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// WithHealthCheck adds a named dependency probe to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(o *Opts) {
		if o.Checks == nil {
			o.Checks = make(map[string]HealthCheck)
		}
		o.Checks[name] = check
	}
}

// Server serves the ops endpoints.
type Server struct {
	graph    *agent.Graph
	st       store.Store
	addr     string
	gatherer prometheus.Gatherer
	checks   map[string]HealthCheck
	srv      *http.Server
}

// NewServer creates an ops server for graph backed by st.
func NewServer(graph *agent.Graph, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, Gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		graph:    graph,
		st:       st,
		addr:     cfg.Addr,
		gatherer: cfg.Gatherer,
		checks:   cfg.Checks,
	}
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", s.healthHandler)
	r.Get("/agent", s.agentHandler)
	r.Get("/conversations/{id}", s.conversationHandler)
	return r
}

// ListenAndServe blocks until the server stops. A graceful Shutdown is not an error.
func (s *Server) ListenAndServe() error {
	slog.Info("Server starting", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server shutting down")
	return s.srv.Shutdown(ctx)
}

type healthResult struct {
	Agent  string            `json:"agent"`
	Checks map[string]string `json:"checks,omitempty"`
}

// healthHandler handles GET /healthz
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	res := healthResult{Agent: s.graph.Name, Checks: make(map[string]string, len(s.checks))}
	healthy := true
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			slog.Warn("Server health check failed", "check", name, "error", err)
			res.Checks[name] = err.Error()
			healthy = false
			continue
		}
		res.Checks[name] = StatusOK
	}
	if !healthy {
		writeJSONResponse(w, http.StatusServiceUnavailable, Response{Status: StatusError, Message: "unhealthy", Result: res})
		return
	}
	writeJSONResponse(w, http.StatusOK, Success(res))
}

// StateSummary describes one state and its outgoing edges.
type StateSummary struct {
	Name     string   `json:"name"`
	DataKey  string   `json:"data_key"`
	DataType string   `json:"data_type,omitempty"`
	Tools    []string `json:"tools,omitempty"`
	Success  []string `json:"success,omitempty"`
	Persist  []string `json:"persist,omitempty"`
	Escape   []string `json:"escape,omitempty"`
}

// AgentSummary is the /agent payload.
type AgentSummary struct {
	Name    string         `json:"name"`
	Initial string         `json:"initial"`
	States  []StateSummary `json:"states"`
	Tools   []string       `json:"tools,omitempty"`
}

// Summarize reduces a graph to its states and edges.
func Summarize(g *agent.Graph) AgentSummary {
	sum := AgentSummary{Name: g.Name, Initial: g.Initial}
	toolSet := make(map[string]struct{})
	for _, st := range g.States {
		ss := StateSummary{
			Name:     st.Name,
			DataKey:  st.DataKey,
			DataType: string(st.DataType),
			Tools:    st.Tools,
		}
		for _, r := range st.Routes.Success {
			ss.Success = append(ss.Success, r.State)
		}
		for _, r := range st.Routes.Persist {
			ss.Persist = append(ss.Persist, r.State)
		}
		for _, r := range st.Routes.Escape {
			ss.Escape = append(ss.Escape, r.State)
		}
		for _, t := range st.Tools {
			toolSet[t] = struct{}{}
		}
		sum.States = append(sum.States, ss)
	}
	for t := range toolSet {
		sum.Tools = append(sum.Tools, t)
	}
	sort.Strings(sum.Tools)
	return sum
}

// agentHandler handles GET /agent
func (s *Server) agentHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, Success(Summarize(s.graph)))
}

// conversationHandler handles GET /conversations/{id}
func (s *Server) conversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.st.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, Error("conversation not found"))
		return
	}
	if err != nil {
		slog.Error("Server conversationHandler load failed", "error", err, "conversationID", id)
		writeJSONResponse(w, http.StatusInternalServerError, Error("failed to load conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, Success(conv))
}
