package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/relay-crm/relay/internal/activity"
	"github.com/relay-crm/relay/internal/app"
	"github.com/relay-crm/relay/internal/auth"
	"github.com/relay-crm/relay/internal/billing"
	"github.com/relay-crm/relay/internal/clients"
	"github.com/relay-crm/relay/internal/gateway"
	"github.com/relay-crm/relay/internal/observability"
	"github.com/relay-crm/relay/internal/platform/cache"
	"github.com/relay-crm/relay/internal/platform/db"
	"github.com/relay-crm/relay/internal/realtime"
	"github.com/relay-crm/relay/internal/recon"
	"github.com/relay-crm/relay/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)

	clientsRepo := clients.NewRepository(dbpool)
	clientsService := clients.NewService(clientsRepo)
	clientsHandler := clients.NewHandler(logger, clientsService)

	billingRepo := billing.NewRepository(dbpool)
	billingService := billing.NewService(billingRepo)
	billingHandler := billing.NewHandler(logger, billingService)

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	stripeClient := gateway.NewClient(logger, cfg.StripeSecretKey)
	decoder := gateway.NewDecoder(cfg.StripeWebhookSecret)

	outbox := recon.NewOutbox(
		logger,
		activity.NewLogger(dbpool),
		jobs.NewNotifier(queueClient),
		realtime.NewPublisher(redisClient),
	)

	engine := recon.NewEngine(recon.EngineParams{
		Logger:    logger,
		Ledger:    billingRepo,
		Recompute: billingService,
		Gateway:   stripeClient,
		Directory: clientsRepo,
		Outbox:    outbox,
	})
	reconHandler := recon.NewHandler(logger, engine, decoder)
	reconHandler.Observer = metrics

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		AuthMiddleware: auth.Middleware{Service: authService, Logger: logger},
		BillingHandler: billingHandler,
		ClientsHandler: clientsHandler,
		ReconHandler:   reconHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
