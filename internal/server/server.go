// Package server exposes the donation tracker over HTTP: command endpoints
// feeding the engine loop, query endpoints reading the projections, and the
// health endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/Klem/donation-tracker/internal/observability"
	"github.com/Klem/donation-tracker/internal/query"
	"github.com/Klem/donation-tracker/internal/receipt"
	"github.com/Klem/donation-tracker/internal/tracker"
)

// Config holds the HTTP server configuration.
type Config struct {
	Bind string
	Port int

	// AdminToken authorizes the /v1/admin routes. Requests present it as
	// a bearer token.
	AdminToken string

	// Owner is the administrative account stamped as the caller on admin
	// commands.
	Owner tracker.Account

	// AllowedOrigins configures CORS for browser clients.
	AllowedOrigins []string
}

// Server is the HTTP front of the tracker.
type Server struct {
	router  *chi.Mux
	loop    *tracker.Loop
	queries *query.Service
	minter  *receipt.Minter
	health  *observability.HealthChecker
	metrics *observability.Metrics
	cfg     Config
	log     zerolog.Logger
	srv     *http.Server
}

func New(
	cfg Config,
	loop *tracker.Loop,
	queries *query.Service,
	minter *receipt.Minter,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		loop:    loop,
		queries: queries,
		minter:  minter,
		health:  health,
		metrics: metrics,
		cfg:     cfg,
		log:     logger.With().Str("component", "http").Logger(),
	}

	s.setupRoutes()

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.metricsMiddleware)

	if len(s.cfg.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	s.router.Route("/v1", func(r chi.Router) {
		// Commands
		r.Post("/donate", s.handleDonate)
		r.Post("/payout", s.handlePayout)
		r.Post("/donations/{index}/receipt-request", s.handleRequestReceipt)

		// Owner-only commands
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/allocate", s.handleAllocate)
			r.Post("/receipts/mint", s.handleMintReceipt)
			r.Post("/leftovers/sweep", s.handleSweepLeftovers)
			r.Post("/emergency-withdraw", s.handleEmergencyWithdraw)
		})

		// Live engine views
		r.Get("/recipients", s.handleRecipients)
		r.Get("/totals", s.handleTotals)
		r.Get("/recipients/{account}/is-recipient", s.handleIsRecipient)
		r.Get("/recipients/{account}/claims", s.handleRecipientClaims)
		r.Get("/receipts", s.handleReceiptSupply)
		r.Get("/donators/{donator}/lots", s.handleDonatorLots)
		r.Get("/donators/{donator}/lots/{index}", s.handleDonatorLot)

		// Projection-backed queries
		r.Get("/donators/{donator}/donations", s.handleDonatorDonations)
		r.Get("/donators/{donator}/stats", s.handleDonatorStats)
		r.Get("/donators/{donator}/allocations", s.handleDonatorAllocations)
		r.Get("/donators/{donator}/spendings", s.handleDonatorSpendings)
		r.Get("/donators/{donator}/receipts", s.handleDonatorReceipts)
		r.Get("/recipients/{account}/stats", s.handleRecipientStats)
		r.Get("/receipts/{tokenID}", s.handleReceipt)
	})

	// Operational surface. Prometheus metrics listen on their own address,
	// wired up in main.
	s.router.Get("/healthz", s.health.LivenessHandler)
	s.router.Get("/readyz", s.health.ReadinessHandler)
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(route, r.Method, fmt.Sprintf("%d", ww.Status())).Inc()
			s.metrics.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		}
	})
}

func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			writeError(w, http.StatusForbidden, "admin API disabled: no token configured")
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.AdminToken {
			writeError(w, http.StatusForbidden, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
