// Package main 增量索引 Worker 入口：
// 消费章节分析完成事件，更新派生索引并重建章节向量分片。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"inkverse-context-api/internal/application/indexer"
	"inkverse-context-api/internal/config"
	"inkverse-context-api/internal/domain/entity"
	"inkverse-context-api/internal/domain/repository"
	"inkverse-context-api/internal/infrastructure/embedding"
	"inkverse-context-api/internal/infrastructure/messaging"
	"inkverse-context-api/internal/infrastructure/persistence/milvus"
	"inkverse-context-api/internal/infrastructure/persistence/postgres"
	"inkverse-context-api/internal/infrastructure/persistence/redis"
	"inkverse-context-api/pkg/logger"
	"inkverse-context-api/pkg/tracer"
)

func main() {
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
	log.Info("starting indexer-worker", "env", cfg.App.Env)

	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: "indexer-worker",
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() { _ = shutdown(ctx) }()

	redisClient, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		logger.Fatal(ctx, "failed to init redis", err)
	}
	defer func() { _ = redisClient.Close() }()

	stateStore := redis.NewStateStore(redisClient)
	tailStore := redis.NewTailStore(redisClient)

	// Milvus：不可用时仍更新派生索引，只跳过向量分片重建
	var chunks indexer.ChunkWriter
	milvusClient, err := milvus.NewClient(ctx, &cfg.Vector.Milvus)
	if err != nil {
		log.Warn("milvus unavailable, chapter chunk indexing disabled", "error", err)
	} else {
		defer func() { _ = milvusClient.Close() }()
		chunks = milvus.NewWriterAdapter(milvus.NewRepository(milvusClient))
	}

	// Postgres：仅审计历史，不可用时降级
	var audits repository.StateAuditRepository
	pgClient, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		log.Warn("postgres unavailable, state audit history disabled", "error", err)
	} else {
		defer func() { _ = pgClient.Close() }()
		auditRepo := postgres.NewStateAuditRepository(pgClient, 0)
		if err := auditRepo.Migrate(); err != nil {
			logger.Fatal(ctx, "failed to migrate audit schema", err)
		}
		// 写入方也走装饰器，追加后使服务侧的缓存列表失效
		audits = redis.NewCachedAuditRepository(redis.NewCache(redisClient), auditRepo)
	}

	embedder := embedding.NewClient(&cfg.Embedding)

	ix := indexer.New(stateStore, audits, stateStore, embedder, chunks, indexer.Options{
		EmbeddingBatch: cfg.Embedding.BatchSize,
	})

	consumerName, _ := os.Hostname()
	if consumerName == "" {
		consumerName = uuid.New().String()
	}

	consumer := messaging.NewConsumer(redisClient.Redis(), messaging.ConsumerConfig{
		Stream:        messaging.StreamChapterAnalyzed,
		Group:         messaging.ConsumerGroupIndexer,
		ConsumerName:  consumerName,
		BlockTimeout:  cfg.Messaging.RedisStream.BlockTimeout,
		ClaimInterval: cfg.Messaging.RedisStream.ClaimInterval,
		RetryLimit:    cfg.Messaging.RedisStream.RetryLimit,
		Backoff: messaging.BackoffConfig{
			Initial:    cfg.Messaging.RedisStream.RetryBackoff.Initial,
			Max:        cfg.Messaging.RedisStream.RetryBackoff.Max,
			Multiplier: cfg.Messaging.RedisStream.RetryBackoff.Multiplier,
		},
	})

	consumer.RegisterHandler(messaging.MsgTypeChapterAnalyzed,
		chapterAnalyzedHandler(ix, tailStore, cfg.Pipeline.PreviousTailChars))

	if err := consumer.Start(ctx); err != nil {
		logger.Fatal(ctx, "failed to start consumer", err)
	}
	go consumer.MonitorDLQ(ctx, 100)

	log.Info("indexer-worker started",
		"stream", string(messaging.StreamChapterAnalyzed),
		"group", string(messaging.ConsumerGroupIndexer),
		"consumer", consumerName,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down indexer-worker...")
	consumer.Stop()
	log.Info("indexer-worker exited")
}

// chapterAnalyzedHandler 处理单条章节分析完成事件：
// 派生索引更新 -> 向量分片重建 -> 章节末尾缓存。
// 载荷不可解析时直接确认（重试不会修复毒消息）。
func chapterAnalyzedHandler(ix *indexer.Indexer, tails *redis.TailStore, tailChars int) messaging.MessageHandler {
	return func(ctx context.Context, msg *messaging.Message) error {
		var analysis entity.ChapterAnalysis
		if err := msg.UnmarshalPayload(&analysis); err != nil {
			logger.Error(ctx, "chapter analysis payload unreadable", err, "message_id", msg.ID)
			return nil
		}

		if err := ix.Apply(ctx, &analysis); err != nil {
			return err
		}

		if err := ix.IndexChapterText(ctx, &analysis); err != nil {
			return err
		}

		if analysis.ChapterText != "" {
			if err := tails.SaveTail(ctx, analysis.ProjectID, analysis.ChapterNumber,
				tailOf(analysis.ChapterText, tailKeepRunes(tailChars))); err != nil {
				// 末尾缓存失败不回滚索引：下一章生成时按缺失降级
				logger.Warn(ctx, "chapter tail save failed",
					"project_id", analysis.ProjectID,
					"chapter_number", analysis.ChapterNumber,
					"error", err.Error(),
				)
			}
		}
		return nil
	}
}

// tailKeepRunes 末尾缓存保留的字符数：预算截取长度的 4 倍，下限 2000。
func tailKeepRunes(tailChars int) int {
	keep := tailChars * 4
	if keep < 2000 {
		keep = 2000
	}
	return keep
}

// tailOf 按 rune 截取文本末尾 n 个字符
func tailOf(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[len(runes)-n:])
}
