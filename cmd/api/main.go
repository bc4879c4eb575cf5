package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"classattend/internal/api"
	"classattend/internal/authz"
	"classattend/internal/config"
	"classattend/internal/directory"
	"classattend/internal/httpmiddleware"
	"classattend/internal/middleware"
	"classattend/internal/notify"
	"classattend/internal/photos"
	"classattend/internal/presence"
	"classattend/internal/session"
	"classattend/internal/store"
	"classattend/internal/verify"
)

func main() {
	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func run(cfg config.App, logger *zap.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Warn("db not reachable", zap.Error(err))
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var notifier notify.Notifier
	if cfg.NotifyBackend == "memory" {
		notifier = notify.NewInMemory()
	} else {
		notifier = notify.NewRedis(redisClient.Client, "classattend:")
	}

	dir := directory.New(cfg.DirectoryURL, cfg.DirectorySkip)
	if cfg.DirectorySkip {
		logger.Info("identity directory in skip mode, serving fixtures")
	}

	sessions := session.NewPgStore(db.Client)
	presenceStore := presence.NewStore(db.Client)
	manager := session.NewManager(sessions, presenceStore, dir, authz.New(dir), notifier, logger, cfg.TokenRefresh)
	claims := verify.NewService(sessions, presenceStore, dir, notifier, logger, cfg.ClaimTimeout)

	var photoClient *photos.Client
	if cfg.PhotoCloudName != "" && cfg.PhotoAPIKey != "" && cfg.PhotoAPISecret != "" {
		photoClient = photos.New(cfg.PhotoCloudName, cfg.PhotoAPIKey, cfg.PhotoAPISecret, cfg.PhotoFolder)
		logger.Info("snapshot storage configured", zap.String("cloud", cfg.PhotoCloudName))
	} else {
		logger.Info("snapshot storage not configured, claims proceed without photo references")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.SweepEnabled {
		sweeper := session.NewSweeper(manager, cfg.SweepInterval, logger)
		go sweeper.Run(ctx)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	api.New(cfg, logger, manager, sessions, claims, presenceStore, dir, photoClient).Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")
	cancel() // stop the sweeper before draining requests

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", zap.Error(err))
	}

	logger.Info("server exited")
	return nil
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
