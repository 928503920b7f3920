package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/kiroku-app/kiroku-api/internal/handler"
	"github.com/kiroku-app/kiroku-api/internal/middleware"
	"github.com/kiroku-app/kiroku-api/internal/repository"
	"github.com/kiroku-app/kiroku-api/internal/service"
	"github.com/kiroku-app/kiroku-api/migrations"
	"github.com/kiroku-app/kiroku-api/pkg/cache"
	"github.com/kiroku-app/kiroku-api/pkg/config"
	"github.com/kiroku-app/kiroku-api/pkg/database"
	"github.com/kiroku-app/kiroku-api/pkg/logger"
	corsmiddleware "github.com/kiroku-app/kiroku-api/pkg/middleware/cors"
	reqidmiddleware "github.com/kiroku-app/kiroku-api/pkg/middleware/requestid"
	"github.com/kiroku-app/kiroku-api/pkg/webhookverify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db, migrations.FS); err != nil {
		logr.Sugar().Fatalw("failed to apply migrations", "error", err)
	}

	var store cache.Store
	if cfg.Redis.Enabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Warnw("redis unavailable, falling back to in-process cache", "error", err)
			store = cache.NewMemoryStore()
		} else {
			defer redisClient.Close()
			store = cache.NewRedisStore(redisClient)
		}
	} else {
		store = cache.NewMemoryStore()
	}

	validate := validator.New()
	metrics := service.NewMetricsService()

	users := repository.NewUserRepository(db)
	tokens := repository.NewTokenRepository(db)
	subs := repository.NewSubscriptionRepository(db)
	journal := repository.NewJournalRepository(db)
	audit := repository.NewAuditRepository(db)

	identity := service.NewJWKSIdentityVerifier(nil, cfg.IAP.GoogleClientID, cfg.IAP.AppleClientID)
	authSvc := service.NewAuthService(users, tokens, audit, identity, metrics, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
	})

	var verifier service.ReceiptVerifier
	if cfg.IAP.TestMode {
		logr.Warn("IAP verification running in deterministic test mode")
		verifier = service.NewDeterministicVerifier()
	} else {
		verifier = service.NewLiveVerifier(cfg.IAP, nil, logr)
	}

	subSvc := service.NewSubscriptionService(subs, audit, verifier, metrics, validate, logr, service.SubscriptionConfig{
		LifetimeProductIDs: cfg.IAP.LifetimeProductIDs,
		TestMode:           cfg.IAP.TestMode,
	})
	entSvc := service.NewEntitlementService(subs, journal, logr, service.EntitlementConfig{
		LifetimeProductIDs: cfg.IAP.LifetimeProductIDs,
		FreeStorageBytes:   cfg.Journal.FreeStorageBytes,
	})
	journalSvc := service.NewJournalService(journal, entSvc, nil, metrics, validate, logr)
	sweeper := service.NewSweeperService(subs, metrics, logr, cfg.Sweeper.Interval)

	appleVerifier := webhookverify.NewAppleVerifier(cfg.Webhooks.AppleRootFingerprints)
	googleVerifier := webhookverify.NewGoogleVerifier(nil, cfg.Webhooks.GooglePubSubAudience, cfg.Webhooks.GoogleClockSkew, cfg.Webhooks.GoogleCertCacheTTL)

	authHandler := handler.NewAuthHandler(authSvc)
	iapHandler := handler.NewIAPHandler(subSvc)
	webhookHandler := handler.NewWebhookHandler(subSvc, appleVerifier, googleVerifier, audit, metrics, logr, cfg.Webhooks, cfg.Env == config.EnvProduction, cfg.IAP.TestMode)
	entHandler := handler.NewEntitlementHandler(entSvc)
	journalHandler := handler.NewJournalHandler(journalSvc)
	healthHandler := handler.NewHealthHandler(db, store)
	metricsHandler := handler.NewMetricsHandler(metrics, cfg.Metrics.Token)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	authLimit := middleware.RateLimit(store, metrics, logr, cfg.RateLimit.AuthMax, cfg.RateLimit.AuthWindow)
	defaultLimit := middleware.RateLimit(store, metrics, logr, cfg.RateLimit.DefaultMax, cfg.RateLimit.DefaultWindow)

	r.GET("/health", healthHandler.Health)
	r.GET("/healthz", healthHandler.Healthz)
	r.GET("/metrics", metricsHandler.Prometheus)
	r.GET("/openapi.json", handler.OpenAPI)

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth", authLimit)
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login)
	auth.POST("/google/exchange", authHandler.GoogleExchange)
	auth.POST("/apple/verify", authHandler.AppleVerify)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
	auth.POST("/sessions/revoke-all", middleware.JWT(authSvc), authHandler.RevokeAll)
	auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)

	iap := api.Group("/iap", defaultLimit, middleware.JWT(authSvc))
	iap.POST("/verify", iapHandler.Verify)
	iap.GET("/status", iapHandler.Status)

	webhooks := api.Group("/webhooks", defaultLimit)
	webhooks.POST("/apple", webhookHandler.Apple)
	webhooks.POST("/google", webhookHandler.Google)

	api.GET("/entitlements", defaultLimit, middleware.JWT(authSvc), entHandler.Get)

	journalGroup := api.Group("/journal", defaultLimit, middleware.JWT(authSvc))
	journalGroup.POST("", journalHandler.Create)
	journalGroup.GET("", journalHandler.List)
	journalGroup.DELETE("/:id", journalHandler.Delete)
	journalGroup.GET("/export.pdf", middleware.RequirePro(entSvc, metrics, "export"), journalHandler.ExportPDF)

	api.DELETE("/account", defaultLimit, middleware.JWT(authSvc), authHandler.DeleteAccount)

	if cfg.Sweeper.Enabled {
		go sweeper.Start(ctx)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env, "test_mode", cfg.IAP.TestMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("graceful shutdown failed", "error", err)
	}
}
