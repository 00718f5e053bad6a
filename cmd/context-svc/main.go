// Package main 上下文构造 HTTP 服务入口
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"inkverse-context-api/internal/application/pipeline"
	"inkverse-context-api/internal/config"
	"inkverse-context-api/internal/domain/repository"
	"inkverse-context-api/internal/infrastructure/embedding"
	"inkverse-context-api/internal/infrastructure/messaging"
	"inkverse-context-api/internal/infrastructure/persistence/milvus"
	"inkverse-context-api/internal/infrastructure/persistence/postgres"
	"inkverse-context-api/internal/infrastructure/persistence/redis"
	"inkverse-context-api/internal/interfaces/http/handler"
	"inkverse-context-api/internal/interfaces/http/router"
	"inkverse-context-api/pkg/logger"
	"inkverse-context-api/pkg/tracer"
)

// Version 版本信息，构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件（如果存在）
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(
		cfg.Observability.Logging.Level,
		cfg.Observability.Logging.Format,
	)

	ctx := context.Background()
	log := logger.FromContext(ctx)
	log.Info("starting context-svc",
		"version", Version,
		"build_time", BuildTime,
		"env", cfg.App.Env,
	)

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: cfg.App.Name,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			log.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Redis：派生索引、上一章末尾缓存、限流、消息流
	redisClient, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		logger.Fatal(ctx, "failed to init redis", err)
	}
	defer func() { _ = redisClient.Close() }()

	stateStore := redis.NewStateStore(redisClient)
	tailStore := redis.NewTailStore(redisClient)
	rateLimiter := redis.NewRateLimiter(redisClient)

	// Milvus：连接失败时检索降级为不可用，其余端点照常服务
	var searcher pipeline.ChunkSearcher
	milvusClient, err := milvus.NewClient(ctx, &cfg.Vector.Milvus)
	if err != nil {
		log.Warn("milvus unavailable, vector retrieval disabled", "error", err)
	} else {
		defer func() { _ = milvusClient.Close() }()
		searcher = milvus.NewSearcherAdapter(milvus.NewRepository(milvusClient))
	}

	// Postgres：仅承载审计历史，连接失败时历史查询降级为空
	var audits repository.StateAuditRepository
	var pgClient *postgres.Client
	pgClient, err = postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		log.Warn("postgres unavailable, state audit history disabled", "error", err)
		pgClient = nil
	} else {
		defer func() { _ = pgClient.Close() }()
		// 审计历史读多写少，经 Redis Read-Through 缓存回源 Postgres
		audits = redis.NewCachedAuditRepository(
			redis.NewCache(redisClient),
			postgres.NewStateAuditRepository(pgClient, 0),
		)
	}

	embedder := embedding.NewClient(&cfg.Embedding)

	pipe := pipeline.New(embedder, searcher, stateStore, tailStore, pipelineOptions(cfg))

	producer := messaging.NewProducer(redisClient.Redis(), int64(cfg.Messaging.RedisStream.MaxLen))

	r := router.New(cfg, router.Handlers{
		Health:   handler.NewHealthHandler(redisClient, milvusClient, pgClient),
		Context:  handler.NewContextHandler(pipe),
		Analysis: handler.NewAnalysisHandler(producer),
		State:    handler.NewStateHandler(stateStore, audits),
	}, rateLimiter)

	addr := fmt.Sprintf("%s:%d", cfg.Server.HTTP.Host, cfg.Server.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.HTTP.ReadTimeout,
		WriteTimeout: cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:  cfg.Server.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("http server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server exited")
}

// pipelineOptions 将配置面展开为流水线参数
func pipelineOptions(cfg *config.Config) pipeline.Options {
	p := cfg.Pipeline
	return pipeline.Options{
		TopKPerQuery:        p.TopKPerQuery,
		GlobalTopN:          p.GlobalTopN,
		DecayBase:           p.DecayBase,
		GraceWindowChapters: p.GraceWindowChapters,
		MaxCharacterQueries: p.MaxCharacterQueries,
		TokenBudget:         p.TokenBudget,
		CharsPerToken:       p.CharsPerToken,
		PreviousTailChars:   p.PreviousTailChars,
		MaxConcurrency:      p.MaxConcurrency,
		RetryAttempts:       p.RetryAttempts,
		RetryInitialBackoff: p.RetryBackoff.Initial.Seconds(),
		RetryMaxBackoff:     p.RetryBackoff.Max.Seconds(),
		RetryMultiplier:     p.RetryBackoff.Multiplier,
	}
}
