package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CryptoHub/internal/cache"
	"CryptoHub/internal/config"
	"CryptoHub/internal/coordinator"
	"CryptoHub/internal/executor"
	"CryptoHub/internal/invalidation"
	"CryptoHub/internal/market"
	"CryptoHub/internal/notify"
	"CryptoHub/internal/observability"
	"CryptoHub/internal/server"
	"CryptoHub/internal/store"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	log := observability.NewLogger("main")
	log.Info().Msg("cryptohub starting")

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	if err := store.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Msg("migrations applied")

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Redis (cache second tier, best-effort) ---
	var tier *cache.RedisTier
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, cache runs memory-only")
	} else {
		tier = cache.NewRedisTier(rdb, "hub:", cfg.CacheDropAfter, metrics)
		log.Info().Msg("redis connected")
	}
	defer rdb.Close()

	// --- Query cache ---
	queryCache := cache.New(tier, metrics, cfg.CacheDropAfter, cfg.CacheJanitorEvery)
	defer queryCache.Close()

	// --- Stores ---
	swapStore := store.NewSwapStore(db, metrics)
	portfolioStore := store.NewPortfolioStore(db, metrics)
	fiatStore := store.NewFiatStore(db, metrics)
	creditStore := store.NewCreditStore(db, metrics)

	// --- Notifications + mail ---
	notifications := notify.NewStore(metrics)
	mailer := notify.NewMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	if !mailer.Enabled() {
		log.Info().Msg("smtp not configured, outcome mail disabled")
	}

	// --- Coordinators ---
	walletExec := executor.NewWalletExecutor(cfg.WalletBaseURL)
	swapCoordinator := coordinator.NewSwapCoordinator(
		swapStore, portfolioStore, walletExec, queryCache,
		notifications, mailer, metrics, cfg.ExecutorTimeout,
	)

	paymentClient := executor.NewPaymentClient(cfg.PaymentBaseURL, cfg.PaymentAPIKey)
	sessions := coordinator.NewSessionChecker(cfg.IdempotencyLRUCapacity, fiatStore)
	fiatCoordinator := coordinator.NewFiatCoordinator(
		fiatStore, paymentClient, sessions, queryCache,
		notifications, mailer, metrics, cfg.ExecutorTimeout,
	)

	creditScorer := coordinator.NewCreditScorer(coordinator.StoreInputs{
		Portfolio: portfolioStore,
		Fiat:      fiatStore,
		Swaps:     swapStore,
	}, creditStore, queryCache, metrics)

	// --- Market data ---
	marketClient := market.NewClient(cfg.MarketBaseURL, metrics)
	marketService := market.NewService(marketClient, queryCache, cfg.MarketAssets, cfg.MarketPollInterval)
	if err := marketService.Prime(ctx); err != nil {
		log.Warn().Err(err).Msg("market prime failed, first read will fetch")
	}

	// --- Change-feed invalidation ---
	// NATS is the push path; when it is down the cache falls back to
	// interval polling so invalidation still happens, just coarser.
	var invalidationSource cache.InvalidationSource
	nc, err := nats.Connect(cfg.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Warn().Err(err).Msg("nats unavailable, using polling invalidation")
		invalidationSource = invalidation.NewPollingSource(cfg.CacheStaleAfter, invalidation.DefaultPrefixes())
	} else {
		defer nc.Close()
		log.Info().Msg("nats connected")
		invalidationSource = invalidation.NewNATSSource(nc, metrics)
	}

	// --- API server ---
	api := server.New(cfg.HTTPAddr, &server.Deps{
		Swaps:         swapCoordinator,
		Fiat:          fiatCoordinator,
		Credit:        creditScorer,
		SwapStore:     swapStore,
		Portfolio:     portfolioStore,
		FiatStore:     fiatStore,
		CreditStore:   creditStore,
		Cache:         queryCache,
		Market:        marketService,
		Notifications: notifications,
		Health:        health,
		Metrics:       metrics,
	}, cfg.CacheStaleAfter, cfg.CacheDropAfter)

	// --- Goroutines ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return queryCache.Subscribe(gctx, invalidationSource)
	})

	g.Go(func() error {
		return api.Run(gctx)
	})

	g.Go(func() error {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			<-gctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	health.SetReady(true)
	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("cryptohub ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-gctx.Done():
		log.Error().Msg("goroutine failed, shutting down")
	}

	health.SetReady(false)
	cancel()

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		os.Exit(1)
	}
	log.Info().Msg("cryptohub stopped")
}
