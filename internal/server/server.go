package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"CryptoHub/internal/cache"
	"CryptoHub/internal/coordinator"
	"CryptoHub/internal/market"
	"CryptoHub/internal/notify"
	"CryptoHub/internal/observability"
	"CryptoHub/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// Deps bundles everything the API serves from.
type Deps struct {
	Swaps         *coordinator.SwapCoordinator
	Fiat          *coordinator.FiatCoordinator
	Credit        *coordinator.CreditScorer
	SwapStore     *store.SwapStore
	Portfolio     *store.PortfolioStore
	FiatStore     *store.FiatStore
	CreditStore   *store.CreditStore
	Cache         *cache.Cache
	Market        *market.Service
	Notifications *notify.Store
	Health        *observability.HealthChecker
	Metrics       *observability.Metrics
}

// Server is the HTTP/JSON API over the sync core. Reads go through the
// query cache; writes go through the coordinators.
type Server struct {
	addr string
	deps *Deps
	http *http.Server
	log  zerolog.Logger

	// listStale bounds how old a cached list read may be before the
	// next request refetches.
	listStale time.Duration
	listDrop  time.Duration
}

func New(addr string, deps *Deps, listStale, listDrop time.Duration) *Server {
	s := &Server{
		addr:      addr,
		deps:      deps,
		log:       observability.NewLogger("api"),
		listStale: listStale,
		listDrop:  listDrop,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-User-ID"},
		MaxAge:         300,
	}))
	r.Use(s.instrument)

	r.Get("/healthz", deps.Health.LivenessHandler)
	r.Get("/readyz", deps.Health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/swaps", s.handleExecuteSwap)
		r.Get("/swaps", s.handleListSwaps)
		r.Get("/portfolio", s.handleListPortfolio)

		r.Get("/fiat/balances", s.handleListBalances)
		r.Post("/fiat/deposits", s.handleAddFunds)
		r.Post("/fiat/deposits/verify", s.handleVerifyPayment)

		r.Get("/credit", s.handleCreditScore)
		r.Get("/market/prices", s.handleMarketPrices)

		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications/{id}/read", s.handleMarkRead)
		r.Post("/notifications/read-all", s.handleMarkAllRead)
		r.Delete("/notifications", s.handleClearNotifications)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.http.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("api listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// instrument records per-route request counts and latency.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.deps.Metrics.APIRequests.
			WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.deps.Metrics.APIDuration.
			WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
