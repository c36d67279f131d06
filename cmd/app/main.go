// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"membership-billing-pipeline/internal/config"
	"membership-billing-pipeline/internal/infra/api"
	pg "membership-billing-pipeline/internal/infra/db/postgres"
	"membership-billing-pipeline/internal/infra/logging"
	"membership-billing-pipeline/internal/infra/metrics"
	red "membership-billing-pipeline/internal/infra/redis"
	"membership-billing-pipeline/internal/infra/sched"
	"membership-billing-pipeline/internal/infra/web"
	"membership-billing-pipeline/internal/infra/worker"
	"membership-billing-pipeline/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, relaxed checks)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("dev mode enabled")
	}
	metrics.MustRegister()

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 10)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	locker := red.NewLocker(redisClient)

	// ---- Repositories ----
	eventRepo := pg.NewInboundEventRepo(pool)
	planRepo := pg.NewPlanRepo(pool)
	productRepo := pg.NewPlatformProductRepo(pool)
	stateRepo := pg.NewBillingStateRepo(pool)
	busRepo := pg.NewBusEventRepo(pool)
	subRepo := pg.NewOutboundSubscriptionRepo(pool)
	deliveryRepo := pg.NewOutboundDeliveryRepo(pool)
	deadLetterRepo := pg.NewDeadLetterRepo(pool)
	txm := pg.NewTxManager(pool)

	// ---- Worker pools ----
	processPool := worker.NewPool(cfg.Webhook.Workers, logger)
	dispatchPool := worker.NewPool(cfg.Dispatch.Workers, logger)
	processPool.Start(ctx)
	dispatchPool.Start(ctx)
	defer processPool.Stop()
	defer dispatchPool.Stop()

	// ---- Use cases ----
	dispatchUC := usecase.NewDispatchUseCase(busRepo, subRepo, deliveryRepo, deadLetterRepo,
		locker, dispatchPool, &cfg.Dispatch, logger)
	processUC := usecase.NewProcessUseCase(eventRepo, planRepo, productRepo, stateRepo, busRepo,
		txm, dispatchUC, dispatchPool, &cfg.Webhook, &cfg.Billing, logger)
	ingestUC := usecase.NewIngestUseCase(eventRepo, processUC, processPool, &cfg.Webhook, logger)
	outboundUC := usecase.NewOutboundUseCase(subRepo, logger)
	deadUC := usecase.NewDeadLetterUseCase(deadLetterRepo, deliveryRepo, busRepo, dispatchUC, logger)
	planUC := usecase.NewPlanUseCase(planRepo, productRepo, logger)
	queryUC := usecase.NewQueryUseCase(eventRepo, busRepo, deliveryRepo, stateRepo)

	// ---- Webhook server (provider-facing) ----
	var limiter api.Limiter
	if cfg.Webhook.RateLimit > 0 {
		limiter = red.NewRateLimiter(redisClient, cfg.Webhook.RateLimit, cfg.Webhook.RateWindow)
	}
	webhookRouter := chi.NewRouter()
	webhookRouter.Use(api.TraceID(), api.Recover(logger), api.RequestLog(logger))
	api.NewServer(ingestUC, limiter, logger).Register(webhookRouter)
	webhookSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Webhook.Port), Handler: webhookRouter}
	go func() {
		logger.Info().Str("addr", webhookSrv.Addr).Msg("webhook server listening")
		if err := webhookSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("webhook server error")
		}
	}()

	// ---- Admin server (operator-facing) ----
	auth := web.NewAuthManager(cfg.Admin.JWTSecret, !cfg.Runtime.Dev, cfg.Admin.JWTTTL)
	adminRouter := chi.NewRouter()
	adminRouter.Use(api.TraceID(), api.Recover(logger), api.RequestLog(logger))
	web.NewServer(queryUC, processUC, outboundUC, deadUC, planUC, ingestUC,
		auth, cfg.Admin.APIKey, &cfg.Webhook, logger).Register(adminRouter)
	adminSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Admin.Port), Handler: adminRouter}
	go func() {
		logger.Info().Str("addr", adminSrv.Addr).Msg("admin server listening")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("admin server error")
		}
	}()

	// ---- Background workers ----
	scanner := sched.NewRetryScanner(processUC, dispatchUC, eventRepo, busRepo, deliveryRepo,
		dispatchPool, cfg.Sched.RetryScanInterval, cfg.Sched.StuckAfter, logger)
	go scanner.Start(ctx)

	ager := sched.NewDeadLetterAger(deliveryRepo, deadLetterRepo,
		cfg.Sched.RetryScanInterval*20, cfg.Sched.DeadLetterMaxAge, logger)
	go ager.Start(ctx)

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")
	cancel()
	_ = webhookSrv.Shutdown(context.Background())
	_ = adminSrv.Shutdown(context.Background())
}
