// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/stripe-notion-sync/internal/account"
	"github.com/stripe-notion-sync/internal/events"
	"github.com/stripe-notion-sync/internal/logging"
	"github.com/stripe-notion-sync/internal/metrics"
	"github.com/stripe-notion-sync/internal/models"
	"github.com/stripe-notion-sync/internal/types"
)

// Service interfaces for dependency injection and testing

// EventHandler processes verified webhook events
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *models.Event) (*events.Outcome, error)
	HandleBillingEvent(ctx context.Context, ev *models.Event) (*events.Outcome, error)
}

// BackfillService starts and reports backfill runs
type BackfillService interface {
	Start(ctx context.Context, accountID string) (*models.BackfillState, error)
	Resume(ctx context.Context, accountID string) (*models.BackfillState, error)
	Status(ctx context.Context, mode types.Mode, accountID string) (*models.BackfillStatus, error)
}

// DatabaseProvisioner creates the workspace databases of an account
type DatabaseProvisioner interface {
	EnsureDatabases(ctx context.Context, accountID, parentPageID string) (map[types.EntityType]*models.DatabaseRef, error)
}

// Server represents the HTTP API server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	accounts    *account.Manager
	events      EventHandler
	backfill    BackfillService
	provisioner DatabaseProvisioner
	metrics     *metrics.Metrics
	logger      *logging.Logger
	config      *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// AdminToken guards /api; empty disables the check
	AdminToken        string
	RequestsPerSecond int
	// WebhookSecret verifies connected-account events; empty disables verification
	WebhookSecret string
	// BillingWebhookSecret verifies the product's own billing events
	BillingWebhookSecret string
	SignatureTolerance   time.Duration
}

// Dependencies are the components the server exposes
type Dependencies struct {
	Accounts    *account.Manager
	Events      EventHandler
	Backfill    BackfillService
	Provisioner DatabaseProvisioner
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}

	s := &Server{
		router:      mux.NewRouter(),
		accounts:    deps.Accounts,
		events:      deps.Events,
		backfill:    deps.Backfill,
		provisioner: deps.Provisioner,
		metrics:     deps.Metrics,
		logger:      logger,
		config:      config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	// Webhooks are authenticated by their signature
	s.router.HandleFunc("/webhooks/stripe", s.handleStripeWebhook).Methods("POST")
	s.router.HandleFunc("/webhooks/billing", s.handleBillingWebhook).Methods("POST")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(AdminAuthMiddleware(s.config.AdminToken))
	api.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSecond)))

	// Account endpoints
	api.HandleFunc("/accounts/{id}/setup", s.handleSetupAccount).Methods("POST")
	api.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{id}/notion", s.handleConnectNotion).Methods("PUT")
	api.HandleFunc("/accounts/{id}/notion", s.handleDisconnectNotion).Methods("DELETE")

	// Backfill endpoints
	api.HandleFunc("/accounts/{id}/backfill", s.handleStartBackfill).Methods("POST")
	api.HandleFunc("/accounts/{id}/backfill/resume", s.handleResumeBackfill).Methods("POST")
	api.HandleFunc("/accounts/{id}/backfill/status", s.handleBackfillStatus).Methods("GET")
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "stripe-notion-sync",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
