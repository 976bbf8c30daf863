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
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/src/breaker"
	"github.com/modelgate/modelgate/src/cache"
	"github.com/modelgate/modelgate/src/config"
	"github.com/modelgate/modelgate/src/gateway"
	"github.com/modelgate/modelgate/src/handlers"
	"github.com/modelgate/modelgate/src/middleware"
	"github.com/modelgate/modelgate/src/provider"
	"github.com/modelgate/modelgate/src/ratelimit"
	"github.com/modelgate/modelgate/src/registry"
	"github.com/modelgate/modelgate/src/router"
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}
}

func main() {
	logger, err := buildLogger()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	logger.Info("config loaded",
		zap.Int("catalog_models", len(cfg.Catalog.Models)),
		zap.Int("providers", len(cfg.Providers.Endpoints)))

	adapters, err := provider.BuildRegistry(&cfg.Providers, cfg.Router.InvokeTimeout)
	if err != nil {
		logger.Fatal("failed to build provider adapters", zap.Error(err))
	}

	modelRegistry := registry.New(cfg.Catalog.Descriptors())
	circuitBreaker := breaker.New(&cfg.Breaker, logger)
	rateLimiter := ratelimit.New(&cfg.RateLimit, logger)
	requestRouter := router.New(&cfg.Router, modelRegistry, circuitBreaker, rateLimiter, adapters, logger)

	var semanticCache *cache.SemanticCache
	if cfg.Cache.Enabled {
		if cfg.Cache.EmbeddingAPIKey == "" {
			logger.Warn("semantic cache enabled but EMBEDDING_API_KEY not set, running without cache")
		} else {
			store, err := cache.NewEntryStore(&cfg.Redis)
			if err != nil {
				logger.Fatal("failed to connect to redis", zap.Error(err))
			}
			defer store.Close()

			embedder := cache.NewOpenAIEmbedder(cfg.Cache.EmbeddingAPIKey, cfg.Cache.EmbeddingModel)
			semanticCache, err = cache.NewSemanticCache(&cfg.Cache, store, embedder, logger)
			if err != nil {
				logger.Fatal("failed to initialize semantic cache", zap.Error(err))
			}
			logger.Info("semantic cache enabled",
				zap.Float64("similarity_threshold", cfg.Cache.SimilarityThreshold),
				zap.String("embedding_model", cfg.Cache.EmbeddingModel))
		}
	} else {
		logger.Info("semantic cache disabled")
	}

	gw := gateway.New(cfg, modelRegistry, circuitBreaker, rateLimiter, requestRouter, semanticCache, logger)
	gw.Start()
	defer gw.Stop()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	inferenceHandler := handlers.NewInferenceHandler(gw, logger)
	adminHandler := handlers.NewAdminHandler(gw, logger)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", inferenceHandler.HealthCheck)
		v1.POST("/inference", middleware.CallerID(), inferenceHandler.HandleInference)

		admin := v1.Group("/admin")
		{
			admin.GET("/stats", adminHandler.GetStats)
			admin.GET("/providers", adminHandler.GetProviders)
			admin.GET("/cache", adminHandler.GetCacheStats)
			admin.GET("/ratelimit", adminHandler.GetRateLimits)
			admin.POST("/cache/clear", adminHandler.ClearCache)
			admin.POST("/registry/reload", adminHandler.ReloadRegistry)
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	logger.Info("model gateway running", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("ENV") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
