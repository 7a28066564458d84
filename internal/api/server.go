// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/wallet-cluster-engine/internal/events"
	"github.com/wallet-cluster-engine/internal/job"
	"github.com/wallet-cluster-engine/internal/logging"
	"github.com/wallet-cluster-engine/internal/models"
	"github.com/wallet-cluster-engine/internal/ratelimit"
	"github.com/wallet-cluster-engine/internal/service"
	"github.com/wallet-cluster-engine/internal/storage"
	"github.com/wallet-cluster-engine/internal/types"
)

// Service interfaces for dependency injection and testing

// WalletServiceInterface serves single-wallet lookups and ingest
type WalletServiceInterface interface {
	Lookup(ctx context.Context, input service.LookupInput) (*service.LookupResult, error)
	Ingest(ctx context.Context, address string, records []types.TransactionRecord) (*service.IngestResult, error)
	Stats() *service.PerformanceStats
}

// JobServiceInterface runs batch clustering jobs
type JobServiceInterface interface {
	Submit(ctx context.Context, req job.SubmitRequest) (*models.BatchJob, bool, error)
	Get(ctx context.Context, jobID string) (*models.BatchJob, error)
	Cancel(ctx context.Context, jobID string) (*models.BatchJob, error)
	Subscribe(jobID string) (*events.Subscription, error)
	Counts() map[types.JobStatus]int
}

// CacheStatsProvider exposes cache counters for /api/stats
type CacheStatsProvider interface {
	Stats() storage.CacheStats
}

// BudgetStatsProvider exposes source query budget usage for /api/stats
type BudgetStatsProvider interface {
	Usage(ctx context.Context) (*ratelimit.UsageStats, error)
}

// Pinger is a backing store checked by /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router      *mux.Router
	handler     http.Handler
	httpServer  *http.Server
	wallets     WalletServiceInterface
	jobs        JobServiceInterface
	cacheStats  CacheStatsProvider
	broker      *events.Broker
	budget      BudgetStatsProvider
	health      map[string]Pinger
	rateLimiter *RateLimiter
	logger      *logging.Logger
	config      *ServerConfig
	startedAt   time.Time
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimitRPS    float64
	RateLimitBurst  int
	StreamPing      time.Duration // websocket keepalive interval
}

// DefaultServerConfig returns the default server settings
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:            "0.0.0.0",
		Port:            "8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		AllowedOrigins:  []string{"*"},
		RateLimitRPS:    20,
		RateLimitBurst:  40,
		StreamPing:      30 * time.Second,
	}
}

// Dependencies are the services the server exposes. CacheStats, Broker and
// Budget are optional and only feed /api/stats. Health names the backing
// stores /health pings.
type Dependencies struct {
	Wallets    WalletServiceInterface
	Jobs       JobServiceInterface
	CacheStats CacheStatsProvider
	Broker     *events.Broker
	Budget     BudgetStatsProvider
	Health     map[string]Pinger
	Logger     *logging.Logger
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.StreamPing <= 0 {
		config.StreamPing = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	s := &Server{
		router:      mux.NewRouter(),
		wallets:     deps.Wallets,
		jobs:        deps.Jobs,
		cacheStats:  deps.CacheStats,
		broker:      deps.Broker,
		budget:      deps.Budget,
		health:      deps.Health,
		rateLimiter: NewRateLimiter(config.RateLimitRPS, config.RateLimitBurst),
		logger:      logger.WithComponent("api"),
		config:      config,
		startedAt:   time.Now(),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// order matters: logging first so every later layer has a request logger
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(RateLimitMiddleware(s.rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	// CORS wraps the router so preflight requests never reach method matching
	s.handler = CORSMiddleware(s.config.AllowedOrigins)(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	// Wallet endpoints
	api.HandleFunc("/wallets/{address}/cluster", s.handleLookup).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{address}/transactions", s.handleIngest).Methods(http.MethodPost)

	// Batch job endpoints
	api.HandleFunc("/clusters/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	api.HandleFunc("/clusters/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/clusters/jobs/{id}", s.handleCancelJob).Methods(http.MethodDelete)
	api.HandleFunc("/clusters/jobs/{id}/stream", s.handleJobStream).Methods(http.MethodGet)

	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

// healthCheckTimeout bounds each backing store ping
const healthCheckTimeout = 2 * time.Second

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// handleHealth pings every backing store. Any failure reports 503 so load
// balancers stop routing to the instance.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Service: "wallet-cluster-engine"}
	code := http.StatusOK

	if len(s.health) > 0 {
		resp.Checks = make(map[string]string, len(s.health))
	}
	for name, p := range s.health {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			logging.FromContext(r.Context()).WithError(err).WithField("dependency", name).Warn("Health check failed")
			resp.Checks[name] = "unavailable"
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	respondJSON(w, code, resp)
}

// StatsResponse is the body of GET /api/stats
type StatsResponse struct {
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Cache         *storage.CacheStats       `json:"cache,omitempty"`
	Lookups       *service.PerformanceStats `json:"lookups"`
	Jobs          map[types.JobStatus]int   `json:"jobs"`
	SourceBudget  *ratelimit.UsageStats     `json:"source_budget,omitempty"`
	EventsDropped int64                     `json:"events_dropped"`
	Streams       int                       `json:"stream_subscribers"`
	RateLimited   int                       `json:"rate_limited_clients"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Lookups:       s.wallets.Stats(),
		Jobs:          s.jobs.Counts(),
		RateLimited:   s.rateLimiter.Clients(),
	}
	if s.cacheStats != nil {
		stats := s.cacheStats.Stats()
		resp.Cache = &stats
	}
	if s.broker != nil {
		resp.EventsDropped = s.broker.Dropped()
		resp.Streams = s.broker.Subscribers()
	}
	if s.budget != nil {
		usage, err := s.budget.Usage(r.Context())
		if err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("Failed to read source budget usage")
		} else {
			resp.SourceBudget = usage
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// Start starts the HTTP server and a sweeper for idle rate limiters. It
// returns nil once the server has been shut down.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.rateLimiter.Sweep()
			}
		}
	}()

	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
