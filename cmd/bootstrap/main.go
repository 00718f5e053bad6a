// Package main 系统引导：创建向量集合与审计表结构
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"inkverse-context-api/internal/config"
	"inkverse-context-api/internal/infrastructure/persistence/milvus"
	"inkverse-context-api/internal/infrastructure/persistence/postgres"
	"inkverse-context-api/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	fmt.Println("Starting system bootstrap...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(
		cfg.Observability.Logging.Level,
		cfg.Observability.Logging.Format,
	)

	ctx := context.Background()

	// 1. Milvus 集合与索引
	milvusClient, err := milvus.NewClient(ctx, &cfg.Vector.Milvus)
	if err != nil {
		log.Fatalf("failed to connect milvus: %v", err)
	}
	defer func() { _ = milvusClient.Close() }()

	repo := milvus.NewRepository(milvusClient)
	if err := repo.EnsureChapterChunksCollection(ctx); err != nil {
		log.Fatalf("failed to ensure chapter chunks collection: %v", err)
	}
	fmt.Printf("Collection %q ready\n", milvus.CollectionChapterChunks)

	// 2. Postgres 审计表
	pgClient, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer func() { _ = pgClient.Close() }()

	if err := postgres.NewStateAuditRepository(pgClient, 0).Migrate(); err != nil {
		log.Fatalf("failed to migrate audit schema: %v", err)
	}
	fmt.Println("Audit schema ready")

	fmt.Println("Bootstrap completed")
}
