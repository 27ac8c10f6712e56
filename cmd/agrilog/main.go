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

	"github.com/agrilog/agrilog/internal/app"
	"github.com/agrilog/agrilog/internal/audit"
	audithttp "github.com/agrilog/agrilog/internal/audit/http"
	"github.com/agrilog/agrilog/internal/authn"
	"github.com/agrilog/agrilog/internal/observability"
	"github.com/agrilog/agrilog/internal/platform/cache"
	"github.com/agrilog/agrilog/internal/platform/db"
	"github.com/agrilog/agrilog/internal/rbac"
	"github.com/agrilog/agrilog/internal/roles"
	"github.com/agrilog/agrilog/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if err := db.Migrate(ctx, dbpool); err != nil {
		logger.Error("migrate", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, 0)
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
	sessions := authn.NewSessionStore(redisClient, cfg.SessionPrefix, cfg.SessionTTL)

	rbacRepo := rbac.NewRepository(dbpool)
	rbacService := rbac.NewService(rbacRepo, logger)
	if err := rbacService.Bootstrap(ctx, cfg.BootstrapAdminUserID); err != nil {
		logger.Error("rbac bootstrap", slog.Any("error", err))
		os.Exit(1)
	}
	gate := rbac.NewGate(rbacService, metrics, logger)
	rbacMiddleware := rbac.Middleware{Gate: gate, Logger: logger}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	auditRepo := audit.NewRepository(dbpool)
	var sink audit.Sink = auditRepo
	if cfg.AuditSink == app.AuditSinkQueue {
		client, err := jobs.NewClient(redisOpts)
		if err != nil {
			logger.Error("init job client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		sink = audit.NewQueueSink(client, cfg.AuditTaskRetries)
	}
	recorder := audit.NewRecorder(sink, audit.RecorderConfig{
		QueueSize:    cfg.AuditQueueSize,
		Workers:      cfg.AuditWorkers,
		MaxAttempts:  cfg.AuditMaxAttempts,
		RetryBackoff: cfg.AuditRetryBackoff,
	}, metrics, logger)
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		if err := recorder.Run(recorderCtx); err != nil {
			logger.Error("audit recorder", slog.Any("error", err))
		}
	}()

	auditHandler := audithttp.NewHandler(logger, audit.NewService(auditRepo), gate, audithttp.Config{
		ExportLimit:  cfg.ExportRateLimit,
		ExportWindow: time.Minute,
	})
	rolesHandler := roles.NewHandler(logger, rbacService, rbacMiddleware, recorder)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Resolver:     sessions,
		Metrics:      metrics,
		RolesHandler: rolesHandler,
		AuditHandler: auditHandler,
		JobHandler:   jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("audit_sink", cfg.AuditSink))
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

	// In-flight requests are done; flush the audit queue before the pool closes.
	stopRecorder()
	select {
	case <-recorderDone:
	case <-shutdownCtx.Done():
		logger.Warn("audit recorder drain timed out", slog.Int("pending", recorder.Pending()))
	}
}
