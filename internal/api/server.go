// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/listing-tracker/internal/logging"
	"github.com/listing-tracker/internal/metrics"
	"github.com/listing-tracker/internal/models"
	"github.com/listing-tracker/internal/pipeline"
	"github.com/listing-tracker/internal/service"
)

// Service interfaces for dependency injection and testing

// ListingStore defines the listing lifecycle operations the API exposes
type ListingStore interface {
	Get(ctx context.Context, listingID string) (*models.ListingRecord, error)
	GetByAd(ctx context.Context, sourceID, siteAdID string) (*models.ListingRecord, error)
	MarkInactive(ctx context.Context, listingID string, at time.Time) (*models.ListingRecord, error)
	ReconcileCrawl(ctx context.Context, sourceID string, seenAdIDs []string, at time.Time) ([]string, error)
}

// ObservationIngester applies crawler observation batches
type ObservationIngester interface {
	ProcessBatch(ctx context.Context, observations []*models.Observation) *service.BatchReport
}

// StageTracker records pipeline stage completions
type StageTracker interface {
	AdvanceStage(ctx context.Context, req pipeline.AdvanceRequest) (*models.ListingRecord, error)
}

// Pricer runs the pricing stage for one listing
type Pricer interface {
	Run(ctx context.Context, listingID string, at time.Time, redo bool) (*models.ListingRecord, error)
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	store      ListingStore
	ingest     ObservationIngester
	tracker    StageTracker
	pricer     Pricer
	metrics    *metrics.Registry
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestsPerSecond and Burst bound each client; zero RPS disables limiting
	RequestsPerSecond float64
	Burst             int
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	store ListingStore,
	ingest ObservationIngester,
	tracker StageTracker,
	pricer Pricer,
	m *metrics.Registry,
) *Server {
	if m == nil {
		m = metrics.NewRegistry()
	}
	s := &Server{
		router:  mux.NewRouter(),
		store:   store,
		ingest:  ingest,
		tracker: tracker,
		pricer:  pricer,
		metrics: m,
		config:  config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

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
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Ingestion
	api.HandleFunc("/observations", s.handleIngestObservations).Methods("POST")

	// Listing endpoints
	api.HandleFunc("/listings/{id}", s.handleGetListing).Methods("GET")
	api.HandleFunc("/listings/{id}/inactive", s.handleMarkInactive).Methods("POST")
	api.HandleFunc("/listings/{id}/stages", s.handleAdvanceStage).Methods("POST")
	api.HandleFunc("/listings/{id}/price", s.handlePriceListing).Methods("POST")

	// Source endpoints
	api.HandleFunc("/sources/{source}/ads/{adId}", s.handleGetListingByAd).Methods("GET")
	api.HandleFunc("/sources/{source}/reconcile", s.handleReconcileCrawl).Methods("POST")

	// Preflight requests only need to reach the CORS middleware
	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// Handler returns the root handler, used by tests and embedding servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "listing-tracker",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}
