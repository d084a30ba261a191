package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/muthu-ramabadran/ceejay-new/internal/clarify"
	"github.com/muthu-ramabadran/ceejay-new/internal/companydb"
	cfg "github.com/muthu-ramabadran/ceejay-new/internal/config"
	"github.com/muthu-ramabadran/ceejay-new/internal/embeddings"
	"github.com/muthu-ramabadran/ceejay-new/internal/httpapi"
	"github.com/muthu-ramabadran/ceejay-new/internal/llm"
	"github.com/muthu-ramabadran/ceejay-new/internal/search"
	"github.com/muthu-ramabadran/ceejay-new/internal/streaming"
	"github.com/muthu-ramabadran/ceejay-new/internal/telemetry"
)

func main() {
	// Optional .env for local development; production uses real env vars
	_ = godotenv.Load()

	logger, err := buildLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	features, err := cfg.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ------------------------------------------------------------------
	// Admin endpoints (metrics, health) come up first so the service
	// responds to probes while the rest is wiring up.
	// ------------------------------------------------------------------
	if features.Observability.Metrics.Enabled {
		adminMux := http.NewServeMux()
		adminMux.Handle("/metrics", promhttp.Handler())
		adminMux.HandleFunc("/healthz", handleHealthz)
		adminPort := features.Observability.Metrics.Port
		go func() {
			srv := &http.Server{
				Addr:         ":" + strconv.Itoa(adminPort),
				Handler:      adminMux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			logger.Info("Admin HTTP server listening", zap.Int("port", adminPort))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Admin HTTP server failed", zap.Error(err))
			}
		}()
	}

	if capStr := os.Getenv("STREAMING_RING_CAPACITY"); capStr != "" {
		if n, err := strconv.Atoi(capStr); err == nil && n > 0 {
			streaming.Configure(n)
		}
	}

	// Clarification store: Redis when available so suspended runs survive
	// restarts; in-process fallback otherwise.
	var clarifyStore clarify.Store
	var embedCache embeddings.EmbeddingCache
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		store, err := clarify.NewRedisStore(rdb, features.SessionTTL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.String("addr", addr), zap.Error(err))
		}
		clarifyStore = store
		if cache, err := embeddings.NewRedisCache(rdb); err == nil {
			embedCache = cache
		} else {
			logger.Warn("Redis embedding cache unavailable", zap.Error(err))
		}
		logger.Info("Using Redis clarification store", zap.String("addr", addr))
	} else {
		clarifyStore = clarify.NewMemoryStore(features.SessionTTL)
		logger.Info("Using in-memory clarification store")
	}
	go clarify.RunSweeper(ctx, clarifyStore, time.Minute, logger)

	// Telemetry sink is best-effort: a missing database degrades to no-op.
	var sink *telemetry.Sink
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		sink, err = telemetry.NewSink(telemetry.Config{
			Host:     host,
			Port:     getEnvOrDefaultInt("POSTGRES_PORT", 5432),
			User:     getEnvOrDefault("POSTGRES_USER", "search"),
			Password: getEnvOrDefault("POSTGRES_PASSWORD", "search"),
			Database: getEnvOrDefault("POSTGRES_DB", "search"),
			SSLMode:  getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		}, logger)
		if err != nil {
			logger.Warn("Telemetry database unavailable; running without telemetry", zap.Error(err))
			sink = nil
		} else {
			defer sink.Close()
		}
	}

	embeddings.Initialize(embeddings.Config{
		BaseURL:      getEnvOrDefault("LLM_SERVICE_URL", "http://llm-service:8000"),
		DefaultModel: getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
	}, embedCache)

	backend := companydb.NewClient(companydb.Config{
		BaseURL: getEnvOrDefault("COMPANYDB_URL", "http://companydb:7700"),
	}, logger)

	completions := llm.NewClient(llm.Config{
		BaseURL:   getEnvOrDefault("LLM_SERVICE_URL", "http://llm-service:8000"),
		RateLimit: envFloat("LLM_RATE_LIMIT", 0),
	}, logger)

	taxonomy := search.Taxonomy{
		Sectors:         features.Taxonomy.Sectors,
		Categories:      features.Taxonomy.Categories,
		BusinessModels:  features.Taxonomy.BusinessModels,
		DefaultStatuses: features.Taxonomy.DefaultStatuses,
	}

	retriever, err := search.NewRetriever(backend, embeddings.Get(), getEnvOrDefaultInt("RETRIEVAL_POOL_SIZE", 16), logger)
	if err != nil {
		logger.Fatal("Failed to initialize retriever", zap.Error(err))
	}
	defer retriever.Release()

	controller := search.NewController(
		search.NewAnchorResolver(backend, nil, features.Thresholds.Anchor, features.Thresholds.ShortCircuit, logger),
		search.NewPlanner(completions, taxonomy, logger),
		retriever,
		search.NewReranker(completions, logger),
		search.NewCritic(completions, logger),
		search.NewFinalizer(backend, completions, logger),
		clarifyStore,
		search.HomonymChecker{},
		streaming.Get(),
		sink,
		search.Options{
			MaxIterations:  features.Guardrails.MaxIterations,
			MaxToolCalls:   features.Guardrails.MaxToolCalls,
			MaxWallClock:   features.Guardrails.MaxWallClock,
			StopConfidence: features.Thresholds.StopConf,
		},
		logger,
	)

	apiMux := http.NewServeMux()
	httpapi.NewHandler(controller, streaming.Get(), logger).RegisterRoutes(apiMux)
	apiMux.HandleFunc("/healthz", handleHealthz)

	apiPort := getEnvOrDefaultInt("PORT", 8080)
	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(apiPort),
		Handler:     apiMux,
		ReadTimeout: 30 * time.Second,
		// search requests stream events; no write timeout
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("Search API listening", zap.Int("port", apiPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	cancel()
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func buildLogger() (*zap.Logger, error) {
	if getEnvOrDefault("LOG_FORMAT", "json") == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func envFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if x, err := strconv.ParseFloat(value, 64); err == nil {
			return x
		}
	}
	return defaultValue
}
