// Package server provides the HTTP/Connect-RPC status API of a running
// simulation.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/config"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/repository/etcd"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/repository/postgres"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/repository/redis"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/scheduler"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/server/middleware"
)

var (
	errNoRun   = errors.New("no simulation is running on this instance")
	errNoStore = errors.New("no report store configured")
)

const defaultListLimit = 20

// Server represents the status API server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	mux        *http.ServeMux

	store   *SnapshotStore
	hub     *DecisionHub
	reports scheduler.ReportRepository
	auth    *middleware.Authenticator

	gatherer prometheus.Gatherer

	// Infrastructure, checked by /ready.
	db    *postgres.DB
	cache *redis.Cache
	etcd  *etcd.Client
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithReports serves stored reports from repo.
func WithReports(repo scheduler.ReportRepository) ServerOption {
	return func(s *Server) {
		s.reports = repo
	}
}

// WithGatherer exposes the metrics of g on /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithPostgreSQL reports PostgreSQL health on /ready.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis reports Redis health on /ready.
func WithRedis(cache *redis.Cache) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithEtcd reports etcd health on /ready and serves the leader checkpoint.
func WithEtcd(client *etcd.Client) ServerOption {
	return func(s *Server) {
		s.etcd = client
	}
}

// New creates a new server instance.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) *Server {
	logger = logger.With(zap.String("component", "server"))
	s := &Server{
		config:   cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		store:    NewSnapshotStore(),
		hub:      NewDecisionHub(logger),
		gatherer: prometheus.DefaultGatherer,
	}

	for _, opt := range opts {
		opt(s)
	}

	if cfg.Auth.Enabled {
		s.auth = middleware.NewAuthenticator(middleware.NewJWTManager(cfg.Auth), logger)
	}

	s.registerRoutes()
	s.registerRPC()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.setupMiddleware(s.mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(SchedulerServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	return s
}

// Store returns the snapshot store the scheduler loop writes into.
func (s *Server) Store() *SnapshotStore {
	return s.store
}

// Decisions returns the websocket hub, an events.Sink.
func (s *Server) Decisions() *DecisionHub {
	return s.hub
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// SetRunning flips the gRPC health status of SchedulerService. Only the
// instance driving a simulation reports SERVING.
func (s *Server) SetRunning(running bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if running {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(SchedulerServiceName, status)
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /ready", s.readyHandler)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.Handle("GET /ws/decisions", s.hub)

	s.mux.Handle("GET /api/v1/report", s.protect(http.HandlerFunc(s.reportHandler)))
	s.mux.Handle("GET /api/v1/machines", s.protect(http.HandlerFunc(s.machinesHandler)))
	s.mux.Handle("GET /api/v1/reports", s.protect(http.HandlerFunc(s.listReportsHandler)))
	s.mux.Handle("GET /api/v1/reports/{id}", s.protect(http.HandlerFunc(s.getReportHandler)))
	s.mux.Handle("GET /api/v1/checkpoint", s.protect(http.HandlerFunc(s.checkpointHandler)))
}

func (s *Server) protect(h http.Handler) http.Handler {
	if s.auth == nil {
		return h
	}
	return s.auth.Wrap(h)
}

// setupMiddleware configures middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400,
	})

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/health" || r.URL.Path == "/ready" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "cloudsim"})
}

// readyHandler returns readiness status.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := map[string]string{}

	check := func(name string, err error) {
		if err != nil {
			ready = false
			details[name] = "unhealthy"
			return
		}
		details[name] = "healthy"
	}
	if s.db != nil {
		check("postgres", s.db.Health(ctx))
	}
	if s.cache != nil {
		check("redis", s.cache.Health(ctx))
	}
	if s.etcd != nil {
		check("etcd", s.etcd.Health(ctx))
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{"ready": ready, "components": details})
}

// reportHandler returns the report of the live run.
func (s *Server) reportHandler(w http.ResponseWriter, _ *http.Request) {
	snap, updated, ok := s.store.Latest()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, errNoRun)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"report":     snap.Report,
		"pending":    snap.Pending,
		"updated_at": updated,
	})
}

// machinesHandler returns the machines of the live run.
func (s *Server) machinesHandler(w http.ResponseWriter, _ *http.Request) {
	snap, _, ok := s.store.Latest()
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, errNoRun)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"machines": snap.Machines})
}

// listReportsHandler lists stored reports, newest first.
func (s *Server) listReportsHandler(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		s.writeError(w, http.StatusNotImplemented, errNoStore)
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	reports, err := s.reports.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list reports", zap.Error(err))
		s.writeError(w, httpStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

// getReportHandler returns one stored report.
func (s *Server) getReportHandler(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		s.writeError(w, http.StatusNotImplemented, errNoStore)
		return
	}
	report, err := s.reports.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, httpStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// checkpointHandler returns the progress checkpoint of the elected leader.
func (s *Server) checkpointHandler(w http.ResponseWriter, r *http.Request) {
	if s.etcd == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("etcd is not configured"))
		return
	}
	cp, err := s.etcd.LoadCheckpoint(r.Context())
	if err != nil {
		if errors.Is(err, etcd.ErrKeyNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cp)
}

// Run starts the HTTP and gRPC servers and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		zap.String("address", s.config.Server.Address()),
		zap.Int("grpc_port", s.config.Server.GRPCPort),
	)

	errCh := make(chan error, 2)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if s.config.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", s.config.Server.GRPCAddress())
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
		go func() {
			if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server. Infrastructure clients are
// owned and closed by the caller.
func (s *Server) Shutdown() error {
	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	s.health.Shutdown()
	s.hub.Close()
	s.grpcServer.GracefulStop()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}
