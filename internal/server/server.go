package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-usage/internal/db"
	"github.com/kubilitics/kubilitics-usage/internal/middleware"
	"github.com/kubilitics/kubilitics-usage/internal/orchestrator"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHistoryStore enables the history endpoints.
func WithHistoryStore(h db.HistoryStore) Option {
	return func(s *Server) { s.history = h }
}

// WithPinger adds a dependency to the readiness check.
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pingers = append(s.pingers, p) }
}

// Server serves the dashboard API and the event stream
type Server struct {
	config *Config
	logger *zap.Logger

	// Core components
	orch    *orchestrator.Orchestrator
	history db.HistoryStore
	pingers []Pinger
	hub     *Hub
	limiter *middleware.RateLimiter
	handles map[orchestrator.Channel]orchestrator.ListenerHandle
	handler http.Handler

	// HTTP server
	httpServer *http.Server
	listener   net.Listener

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
	stopped bool
}

// NewServer creates a server around orch and starts its event hub.
func NewServer(cfg *Config, orch *orchestrator.Orchestrator, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		orch:    orch,
		ctx:     ctx,
		cancel:  cancel,
		handles: make(map[orchestrator.Channel]orchestrator.ListenerHandle),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	s.hub = NewHub(ctx, s.logger, cfg.HeartbeatInterval, cfg.origins())
	s.hub.initial = s.initialMessages
	s.handler = s.buildHandler()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()

	for _, ch := range []orchestrator.Channel{
		orchestrator.ChannelDataUpdate,
		orchestrator.ChannelConnectionStatus,
		orchestrator.ChannelError,
	} {
		s.handles[ch] = orch.AddEventListener(ch, s.hub.Publish)
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	if s.config.RateLimitPerMin > 0 {
		s.limiter = middleware.NewRateLimiter(s.config.RateLimitPerMin)
		api.Use(s.limiter.Handler)
	}
	api.HandleFunc("/dashboard", s.handleGetDashboard).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/refresh", s.handleRefreshDashboard).Methods(http.MethodPost)
	api.HandleFunc("/dashboard/history", s.handleListHistory).Methods(http.MethodGet)
	api.HandleFunc("/dashboard/history/{id:[0-9]+}", s.handleGetHistory).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/models/selected", s.handleUpdateSelectedModel).Methods(http.MethodPut)
	api.HandleFunc("/settings/{key}", s.handleUpdateSetting).Methods(http.MethodPut)
	api.HandleFunc("/budgets/{category}", s.handleUpdateTokenBudget).Methods(http.MethodPut)

	router.HandleFunc("/ws/events", s.hub.ServeWS).Methods(http.MethodGet)

	router.Use(s.recoveryMiddleware)
	router.Use(s.metricsMiddleware)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.origins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{TraceIDHeader},
		AllowCredentials: !allowsAnyOrigin(s.config.origins()),
	})
	return c.Handler(Tracing(router))
}

// Start binds the listener and serves HTTP in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("server is stopped")
	}
	if s.running {
		return fmt.Errorf("server is already running")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if s.config.TLSEnabled {
			err = s.httpServer.ServeTLS(ln, s.config.TLSCertPath, s.config.TLSKeyPath)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("usage server started",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", s.config.TLSEnabled),
		zap.Strings("allowed_origins", s.config.origins()))
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server and the event hub. It does not
// clean up the orchestrator.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("server is already stopped")
	}
	s.stopped = true
	s.running = false
	httpServer := s.httpServer
	s.mu.Unlock()

	for ch, h := range s.handles {
		s.orch.RemoveEventListener(ch, h)
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("error shutting down HTTP server", zap.Error(err))
		}
	}

	s.cancel()
	s.hub.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.wg.Wait()

	s.logger.Info("usage server stopped")
	return nil
}

// Wait blocks until the server is stopped
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Hub returns the event stream hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// initialMessages brings a new event stream client up to date.
func (s *Server) initialMessages() []*WSMessage {
	now := time.Now()
	st := s.orch.Status()
	msgs := []*WSMessage{{Type: MessageTypeConnectionStatus, Status: &st, Timestamp: now}}
	if snap := s.orch.Snapshot(); snap != nil {
		msgs = append(msgs, &WSMessage{Type: MessageTypeDataUpdate, Snapshot: snap, Timestamp: now})
	}
	return msgs
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports ready once a snapshot has been loaded and every
// dependency answers a ping.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.orch.Snapshot() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": "no dashboard data loaded",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"reason": err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
