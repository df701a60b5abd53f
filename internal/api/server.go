// Package api exposes the REST surface of the orchestrator.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/integration"
	"github.com/t77yq/agent-orchestrator/internal/monitor"
	"github.com/t77yq/agent-orchestrator/internal/pipeline"
	"github.com/t77yq/agent-orchestrator/internal/scheduler"
	"github.com/t77yq/agent-orchestrator/internal/secret"
)

// Config contains server configuration
type Config struct {
	Addr        string
	ReadTimeout time.Duration
}

// Server wires the HTTP layer to the orchestrator components
type Server struct {
	logger    *zap.Logger
	scheduler *scheduler.Scheduler
	tracker   *pipeline.Tracker
	registry  *integration.Registry
	proxy     *integration.Proxy
	secrets   *secret.Store
	monitor   *monitor.Collector
	server    *http.Server
}

// NewServer creates the HTTP server and routes
func NewServer(cfg Config, sched *scheduler.Scheduler, tracker *pipeline.Tracker,
	registry *integration.Registry, proxy *integration.Proxy,
	secrets *secret.Store, collector *monitor.Collector, logger *zap.Logger) *Server {

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}

	s := &Server{
		logger:    logger.Named("api"),
		scheduler: sched,
		tracker:   tracker,
		registry:  registry,
		proxy:     proxy,
		secrets:   secrets,
		monitor:   collector,
	}

	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/api/heartbeat", s.handleHeartbeat).Methods(http.MethodGet)
	router.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)

	router.HandleFunc("/api/crons", s.handleCreateCron).Methods(http.MethodPost)
	router.HandleFunc("/api/crons", s.handleListCrons).Methods(http.MethodGet)
	router.HandleFunc("/api/crons/{id}", s.handleGetCron).Methods(http.MethodGet)
	router.HandleFunc("/api/crons/{id}", s.handleUpdateCron).Methods(http.MethodPatch)
	router.HandleFunc("/api/crons/{id}", s.handleDeleteCron).Methods(http.MethodDelete)
	router.HandleFunc("/api/crons/{id}/trigger", s.handleTriggerCron).Methods(http.MethodPost)
	router.HandleFunc("/api/crons/{id}/runs", s.handleListRuns).Methods(http.MethodGet)

	router.HandleFunc("/api/runs/{run_id}", s.handleGetRun).Methods(http.MethodGet)
	router.HandleFunc("/api/runs/{run_id}/tasks/{task_name}", s.handleReportTask).Methods(http.MethodPost)

	router.HandleFunc("/api/integrations", s.handleRegisterIntegration).Methods(http.MethodPost)
	router.HandleFunc("/api/integrations", s.handleListIntegrations).Methods(http.MethodGet)
	router.HandleFunc("/api/integrations/agent/{agent_id}", s.handleListAgentIntegrations).Methods(http.MethodGet)
	router.HandleFunc("/api/integrations/{id}/assign", s.handleAssignIntegration).Methods(http.MethodPost)
	router.HandleFunc("/api/integrations/{id}/proxy", s.handleProxy).Methods(http.MethodPost)

	router.HandleFunc("/api/secrets", s.handlePutSecret).Methods(http.MethodPost)
	router.HandleFunc("/api/secrets/{agent_id}", s.handleListSecrets).Methods(http.MethodGet)
	router.HandleFunc("/api/secrets/{agent_id}/{service}", s.handleGetSecret).Methods(http.MethodGet)
	router.HandleFunc("/api/secrets/{agent_id}/{service}", s.handleDeleteSecret).Methods(http.MethodDelete)

	s.server = &http.Server{
		Addr:        cfg.Addr,
		Handler:     router,
		ReadTimeout: cfg.ReadTimeout,
	}

	return s
}

// Handler returns the root handler, for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving; blocks until the listener closes
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.monitor.Snapshot(r.Context()))
}
