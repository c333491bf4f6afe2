package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simexchange/trustgate/internal/anomaly"
	"github.com/simexchange/trustgate/internal/audit"
	"github.com/simexchange/trustgate/internal/config"
	"github.com/simexchange/trustgate/internal/handler"
	"github.com/simexchange/trustgate/internal/market"
	"github.com/simexchange/trustgate/internal/middleware"
	"github.com/simexchange/trustgate/internal/model"
	"github.com/simexchange/trustgate/internal/pkg/logger"
	"github.com/simexchange/trustgate/internal/ratelimit"
	"github.com/simexchange/trustgate/internal/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Server.LogLevel)

	// Ban mirror and usage tracking (Redis > memory-only)
	var redisClient *repository.RedisClient
	if cfg.Redis.Addr != "" {
		redisClient, err = repository.NewRedisClient(cfg.Redis)
		if err == nil {
			logger.Info("✅ Connected to Redis")
		} else {
			logger.Error("⚠️ Failed to connect to Redis, bans stay node-local", "error", err)
			redisClient = nil
		}
	}

	// Long-term audit archive (Postgres > file-only)
	var archive *repository.AuditArchive
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(cfg.Database)
		if err == nil {
			archive, err = repository.NewAuditArchive(db, cfg.Database)
		}
		if err != nil {
			logger.Error("⚠️ Failed to connect to DB, audit logs will be file-only", "error", err)
			archive = nil
		} else {
			logger.Info("✅ Connected to PostgreSQL")
		}
	}

	var auditArchive audit.Archive
	if archive != nil {
		auditArchive = archive
	}
	auditLogger, err := audit.New(cfg.Audit, auditArchive)
	if err != nil {
		log.Fatalf("Failed to initialize audit logger: %v", err)
	}

	var banStore ratelimit.BanStore
	if redisClient != nil {
		banStore = redisClient
	}
	limiter := ratelimit.New(cfg.RateLimit, banStore, auditLogger)

	detector := anomaly.NewDetector(cfg.Anomaly, auditLogger)

	// Execution feed from the simulator, when configured
	var feed *market.TradeFeed
	if cfg.Feed.URL != "" {
		feed = market.NewTradeFeed(cfg.Feed, detector)
		feed.Start()
	}

	var usage handler.UsageStore
	if redisClient != nil {
		usage = redisClient
	}
	tradeHandler := handler.NewTradeHandler(detector, usage)
	limitsHandler := handler.NewLimitsHandler(limiter, usage)
	auditHandler := handler.NewAuditHandler(auditLogger)
	adminHandler := handler.NewAdminHandler(limiter, archive)

	r := gin.Default()
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "trustgate"})
	})

	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1")
	{
		trades := v1.Group("/trades")
		trades.Use(middleware.RateLimitMiddleware(limiter, model.ActionTrade))
		trades.POST("", tradeHandler.Check)

		limits := v1.Group("/limits")
		limits.GET("/status", limitsHandler.Status)
		limits.GET("/probe", limitsHandler.Probe)
		limits.GET("/usage", limitsHandler.Usage)
		limits.GET("/state/:principal", limitsHandler.PrincipalState)

		queries := v1.Group("/audit")
		queries.Use(middleware.RateLimitMiddleware(limiter, model.ActionQuery))
		queries.GET("/search", auditHandler.Search)
		queries.GET("/activity/:user_id", auditHandler.Activity)
		queries.GET("/verify", auditHandler.Verify)
		queries.GET("/report", auditHandler.Report)

		v1.GET("/anomaly/report", tradeHandler.Report)

		admin := v1.Group("/admin")
		admin.Use(middleware.AdminMiddleware(cfg))
		admin.Use(middleware.AuditMiddleware(auditLogger, "ADMIN_API_ACCESS"))
		admin.POST("/bans", adminHandler.Ban)
		admin.DELETE("/bans/:principal", adminHandler.Unban)
		admin.GET("/audit/archive", adminHandler.Archive)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("🚀 TrustGate started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if feed != nil {
		feed.Stop()
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	limiter.Close()
	detector.Close()
	if err := auditLogger.Shutdown(ctx); err != nil {
		logger.Error("Audit logger shutdown incomplete", "error", err)
	}
	if archive != nil {
		archive.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logger.Info("Server exiting")
}
