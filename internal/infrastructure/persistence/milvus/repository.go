// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"inkverse-context-api/pkg/metrics"
)

// Repository 章节分片向量仓储
type Repository struct {
	client *Client
}

// NewRepository 创建章节分片向量仓储
func NewRepository(client *Client) *Repository {
	return &Repository{client: client}
}

// SearchParams 检索参数
type SearchParams struct {
	ProjectID   string
	QueryVector []float32
	// MaxChapterNumber 排除该章节号之后的分片；<=0 表示不限
	MaxChapterNumber int64
	TopK             int
	CharacterNames   []string
	ThreadIDs        []string
}

// SearchResult 检索结果
type SearchResult struct {
	ChunkID       string
	Score         float32
	Text          string
	ChapterNumber int64
	Characters    []string
	ThreadIDs     []string
}

// CreateCollection 创建集合
func (r *Repository) CreateCollection(ctx context.Context, schema *entity.Schema) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.CreateCollection",
		trace.WithAttributes(attribute.String("collection", schema.CollectionName)))
	defer span.End()

	collName := r.client.CollectionName(schema.CollectionName)
	schema.CollectionName = collName

	err := r.client.milvus.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create collection: %w", err)
	}

	return nil
}

// CreateIndex 创建 HNSW 索引
func (r *Repository) CreateIndex(ctx context.Context, collection string) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.CreateIndex",
		trace.WithAttributes(attribute.String("collection", collection)))
	defer span.End()

	collName := r.client.CollectionName(collection)

	idx, err := entity.NewIndexHNSW(
		entity.COSINE,
		r.client.config.HNSWM,
		r.client.config.HNSWEfConstruction,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = r.client.milvus.CreateIndex(ctx, collName, "vector", idx, false)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// CreatePartition 创建项目分区
func (r *Repository) CreatePartition(ctx context.Context, collection, projectID string) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.CreatePartition",
		trace.WithAttributes(
			attribute.String("collection", collection),
			attribute.String("partition", PartitionName(projectID)),
		))
	defer span.End()

	collName := r.client.CollectionName(collection)
	return r.client.milvus.CreatePartition(ctx, collName, PartitionName(projectID))
}

// SearchChunks 检索章节分片。
// chapter_number 上界在表达式层生效，未来章节根本不会出库。
func (r *Repository) SearchChunks(ctx context.Context, params *SearchParams) ([]*SearchResult, error) {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return nil, fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.SearchChunks",
		trace.WithAttributes(
			attribute.String("project_id", params.ProjectID),
			attribute.Int("top_k", params.TopK),
			attribute.Int64("max_chapter", params.MaxChapterNumber),
		))
	defer span.End()

	start := time.Now()
	collName := r.client.CollectionName(CollectionChapterChunks)
	partitionName := PartitionName(params.ProjectID)

	// 新项目分区尚未建立时直接返回空，避免 partition not found
	if has, err := r.client.milvus.HasPartition(ctx, collName, partitionName); err != nil {
		span.RecordError(err)
		metrics.MilvusSearchTotal.WithLabelValues(CollectionChapterChunks, "error").Inc()
		return nil, fmt.Errorf("failed to check partition: %w", err)
	} else if !has {
		metrics.MilvusSearchTotal.WithLabelValues(CollectionChapterChunks, "empty").Inc()
		return []*SearchResult{}, nil
	}

	filter := fmt.Sprintf(`project_id == "%s"`, params.ProjectID)
	if params.MaxChapterNumber > 0 {
		filter += fmt.Sprintf(` && chapter_number <= %d`, params.MaxChapterNumber)
	}
	if expr := tagFilter("characters", params.CharacterNames); expr != "" {
		filter += " && " + expr
	}
	if expr := tagFilter("thread_ids", params.ThreadIDs); expr != "" {
		filter += " && " + expr
	}

	sp, err := entity.NewIndexHNSWSearchParam(128)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create search param: %w", err)
	}

	results, err := r.client.milvus.Search(ctx,
		collName,
		[]string{partitionName},
		filter,
		[]string{"chunk_id", "text", "chapter_number", "characters", "thread_ids"},
		[]entity.Vector{entity.FloatVector(params.QueryVector)},
		"vector",
		entity.COSINE,
		params.TopK,
		sp,
	)
	if err != nil {
		span.RecordError(err)
		metrics.MilvusSearchTotal.WithLabelValues(CollectionChapterChunks, "error").Inc()
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var searchResults []*SearchResult
	for _, result := range results {
		for i := 0; i < result.ResultCount; i++ {
			sr := &SearchResult{
				Score: result.Scores[i],
			}

			if idCol, ok := result.Fields.GetColumn("chunk_id").(*entity.ColumnVarChar); ok {
				sr.ChunkID = idCol.Data()[i]
			}
			if textCol, ok := result.Fields.GetColumn("text").(*entity.ColumnVarChar); ok {
				sr.Text = textCol.Data()[i]
			}
			if chapterCol, ok := result.Fields.GetColumn("chapter_number").(*entity.ColumnInt64); ok {
				sr.ChapterNumber = chapterCol.Data()[i]
			}
			if charCol, ok := result.Fields.GetColumn("characters").(*entity.ColumnVarChar); ok {
				sr.Characters = decodeTags(charCol.Data()[i])
			}
			if threadCol, ok := result.Fields.GetColumn("thread_ids").(*entity.ColumnVarChar); ok {
				sr.ThreadIDs = decodeTags(threadCol.Data()[i])
			}

			searchResults = append(searchResults, sr)
		}
	}

	metrics.MilvusSearchTotal.WithLabelValues(CollectionChapterChunks, "ok").Inc()
	metrics.MilvusSearchDuration.WithLabelValues(CollectionChapterChunks).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("result_count", len(searchResults)))
	return searchResults, nil
}

// tagFilter 对 encodeTags 编码的字段构建 OR 过滤表达式
func tagFilter(field string, values []string) string {
	var parts []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf(`%s like "%%%s%s%s%%"`, field, tagSeparator, v, tagSeparator))
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, " || ") + ")"
}

// InsertChunks 插入章节分片
func (r *Repository) InsertChunks(ctx context.Context, projectID string, chunks []*ChapterChunk) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.InsertChunks",
		trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.Int("count", len(chunks)),
		))
	defer span.End()

	if len(chunks) == 0 {
		return nil
	}

	collName := r.client.CollectionName(CollectionChapterChunks)
	partitionName := PartitionName(projectID)

	has, _ := r.client.milvus.HasPartition(ctx, collName, partitionName)
	if !has {
		if err := r.CreatePartition(ctx, CollectionChapterChunks, projectID); err != nil {
			return err
		}
	}

	ids := make([]string, len(chunks))
	vectors := make([][]float32, len(chunks))
	projectIDs := make([]string, len(chunks))
	chapterNumbers := make([]int64, len(chunks))
	characters := make([]string, len(chunks))
	threadIDs := make([]string, len(chunks))
	texts := make([]string, len(chunks))

	for i, c := range chunks {
		ids[i] = c.ChunkID
		vectors[i] = c.Vector
		projectIDs[i] = projectID
		chapterNumbers[i] = c.ChapterNumber
		characters[i] = encodeTags(c.Characters)
		threadIDs[i] = encodeTags(c.ThreadIDs)
		texts[i] = c.Text
	}

	idCol := entity.NewColumnVarChar("chunk_id", ids)
	vectorCol := entity.NewColumnFloatVector("vector", VectorDimension, vectors)
	projectCol := entity.NewColumnVarChar("project_id", projectIDs)
	chapterCol := entity.NewColumnInt64("chapter_number", chapterNumbers)
	charCol := entity.NewColumnVarChar("characters", characters)
	threadCol := entity.NewColumnVarChar("thread_ids", threadIDs)
	textCol := entity.NewColumnVarChar("text", texts)

	_, err := r.client.milvus.Insert(ctx, collName, partitionName,
		idCol, vectorCol, projectCol, chapterCol, charCol, threadCol, textCol)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	return nil
}

// DeleteChapterChunks 删除指定章节的全部分片（重建索引前调用）
func (r *Repository) DeleteChapterChunks(ctx context.Context, projectID string, chapterNumber int64) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}
	ctx, span := tracer.Start(ctx, "milvus.DeleteChapterChunks",
		trace.WithAttributes(
			attribute.String("project_id", projectID),
			attribute.Int64("chapter_number", chapterNumber),
		))
	defer span.End()

	collName := r.client.CollectionName(CollectionChapterChunks)
	partitionName := PartitionName(projectID)

	if has, err := r.client.milvus.HasPartition(ctx, collName, partitionName); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to check partition: %w", err)
	} else if !has {
		return nil
	}

	filter := fmt.Sprintf(`chapter_number == %d`, chapterNumber)
	if err := r.client.milvus.Delete(ctx, collName, partitionName, filter); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// EnsureChapterChunksCollection 确保集合与索引可用（不存在则创建）。
// 约束：不会做 drop/rebuild 等破坏性操作。
func (r *Repository) EnsureChapterChunksCollection(ctx context.Context) error {
	if r == nil || r.client == nil || r.client.milvus == nil {
		return fmt.Errorf("milvus client not configured")
	}

	exists, err := r.client.HasCollection(ctx, CollectionChapterChunks)
	if err != nil {
		return err
	}
	if !exists {
		if err := r.CreateCollection(ctx, ChapterChunksSchema()); err != nil {
			return err
		}
		// 新建集合时创建索引；若失败，允许后续由运维介入。
		_ = r.CreateIndex(ctx, CollectionChapterChunks)
	}

	return r.client.LoadCollection(ctx, CollectionChapterChunks)
}
