// File: cmd/referrald/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tablebook-referrals/internal/config"
	"tablebook-referrals/internal/domain/ports/adapter"
	"tablebook-referrals/internal/infra/adapters/loyalty"
	"tablebook-referrals/internal/infra/api"
	"tablebook-referrals/internal/infra/db"
	"tablebook-referrals/internal/infra/events"
	"tablebook-referrals/internal/infra/logging"
	"tablebook-referrals/internal/infra/metrics"
	red "tablebook-referrals/internal/infra/redis"
	"tablebook-referrals/internal/infra/sched"
	"tablebook-referrals/internal/infra/tracing"
	"tablebook-referrals/internal/infra/worker"
	"tablebook-referrals/internal/usecase"
)

// set via -ldflags at build time
var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Tracing ----
	env := "production"
	if cfg.Runtime.Dev {
		env = "development"
	}
	shutdownTracing, err := tracing.Init(cfg.Tracing, env)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing")
	}

	// ---- Store ----
	stores, err := db.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Str("url", logging.Redact(cfg.Database.URL, cfg.Runtime.Dev)).Msg("database")
	}
	defer stores.Close()
	logger.Info().Str("driver", stores.Driver).Msg("store ready")

	// ---- Redis (optional) ----
	var (
		limiter api.Limiter
		locker  sched.Locker
		cache   red.RedisClient
	)
	if cfg.Redis.URL != "" {
		rc, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer rc.Close()
		cache = rc
		limiter = red.NewRateLimiter(rc)
		locker = red.NewLocker(rc)
	} else {
		logger.Warn().Msg("redis not configured; rate limiting and stats cache disabled")
	}

	// ---- Loyalty collaborator ----
	var loyaltyClient adapter.LoyaltyClient
	if cfg.Loyalty.BaseURL != "" {
		loyaltyClient = loyalty.NewHTTPClient(cfg.Loyalty.BaseURL, cfg.Loyalty.Token, cfg.Loyalty.Timeout, logger)
	} else {
		logger.Warn().Msg("loyalty.base_url not set; credits are only logged")
		loyaltyClient = loyalty.NewNoopLoyalty(logger)
	}
	loyaltyClient = loyalty.NewLimitedLoyalty(loyaltyClient, cfg.Loyalty.Workers)

	// ---- Use cases ----
	settlementUC := usecase.NewSettlementUseCase(stores.Redemptions, loyaltyClient, logger)

	pool := worker.NewPool(cfg.Loyalty.Workers, logger)
	pool.Start(context.Background())
	bus := events.NewManager(pool, logger)
	bus.OnReferralRedeemed(settlementUC.SettleEvent)

	rewards := usecase.NewRewardPolicy(cfg.Rewards)
	referralUC := usecase.NewReferralUseCase(stores.Codes, stores.Redemptions, stores.Tx, rewards, bus, cfg.Referral, logger)

	var statsUC usecase.StatsUseCase = usecase.NewStatsUseCase(stores.Codes, stores.Redemptions, cfg.Referral.TopReferrers, logger)
	if cache != nil {
		statsUC = red.NewStatsCacheDecorator(statsUC, cache, cfg.Redis.TTL, logger)
	}

	// ---- Scheduler ----
	scheduler, err := sched.New(locker, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler")
	}
	if err := scheduler.Every(cfg.Scheduler.SettlementInterval, sched.NewSettlementJob(settlementUC, cfg.Scheduler.SettlementGrace, 100, logger)); err != nil {
		logger.Fatal().Err(err).Msg("settlement job")
	}
	if err := scheduler.Every(cfg.Scheduler.CleanupInterval, sched.NewCleanupJob(referralUC, logger)); err != nil {
		logger.Fatal().Err(err).Msg("cleanup job")
	}
	scheduler.Start()

	// ---- HTTP ----
	auth := api.NewAuthManager(cfg.Auth)
	srv := api.NewServer(referralUC, statsUC, auth, limiter, cfg.HTTP, cfg.RateLimit, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTP.RequestTimeout + 5*time.Second,
	}
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Str("version", version).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := scheduler.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("scheduler shutdown")
	}
	// no new events; let queued settlements finish
	bus.Shutdown()
	pool.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown")
	}
	logger.Info().Msg("bye")
}
