package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"inkverse-context-api/pkg/logger"
	"inkverse-context-api/pkg/metrics"
)

var retrieverTracer = otel.Tracer("pipeline.retriever")

// TemporalRetriever 执行检索查询并按“相似度 × 时近权重 × 查询权重”复合打分。
// 各查询的 embed+search 相互独立，受限并发扇出执行；
// 单条查询重试耗尽只降级（丢弃该维度贡献），不触发整次请求失败。
type TemporalRetriever struct {
	embedder Embedder
	searcher ChunkSearcher
	opts     Options
}

// NewTemporalRetriever 创建时间感知检索器
func NewTemporalRetriever(embedder Embedder, searcher ChunkSearcher, opts Options) *TemporalRetriever {
	return &TemporalRetriever{
		embedder: embedder,
		searcher: searcher,
		opts:     opts.normalize(),
	}
}

// queryResult 单条查询的执行结果
type queryResult struct {
	chunks  []ScoredChunk
	report  QueryReport
	warning string
}

// Retrieve 执行全部查询，返回全局排序、去重、截断后的分片序列，
// 以及每条查询的执行记录与降级告警。
func (r *TemporalRetriever) Retrieve(ctx context.Context, projectID string, targetChapter int, queries []RetrievalQuery) ([]ScoredChunk, []QueryReport, []string, error) {
	if r == nil || r.embedder == nil || r.searcher == nil {
		return nil, nil, nil, ErrVectorDisabled
	}

	ctx, span := retrieverTracer.Start(ctx, "pipeline.Retrieve",
		trace.WithAttributes(
			attribute.Int("target_chapter", targetChapter),
			attribute.Int("query_count", len(queries)),
		))
	defer span.End()

	// 并发上限：查询数与配置上限取小
	limit := len(queries)
	if limit > r.opts.MaxConcurrency {
		limit = r.opts.MaxConcurrency
	}
	if limit < 1 {
		limit = 1
	}

	results := make([]queryResult, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i := range queries {
		idx := i
		g.Go(func() error {
			res, err := r.runQuery(gctx, projectID, targetChapter, queries[idx])
			if err != nil {
				// 只有取消/超时向上传播；检索失败已在 runQuery 内降级
				return err
			}
			results[idx] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, nil, nil, err
	}

	reports := make([]QueryReport, 0, len(queries))
	warnings := make([]string, 0)
	merged := make([]ScoredChunk, 0, len(queries)*r.opts.TopKPerQuery)
	for i := range results {
		reports = append(reports, results[i].report)
		if results[i].warning != "" {
			warnings = append(warnings, results[i].warning)
		}
		merged = append(merged, results[i].chunks...)
	}

	ranked := rankChunks(merged, r.opts.GlobalTopN)
	span.SetAttributes(attribute.Int("result_count", len(ranked)))
	return ranked, reports, warnings, nil
}

// runQuery 执行单条查询（含重试），失败时降级为空结果 + 告警。
func (r *TemporalRetriever) runQuery(ctx context.Context, projectID string, targetChapter int, q RetrievalQuery) (queryResult, error) {
	start := time.Now()
	dim := string(q.Dimension)

	var chunks []ScoredChunk
	attempts := 0
	err := r.withRetry(ctx, &attempts, func() error {
		hits, err := r.embedAndSearch(ctx, projectID, q)
		if err != nil {
			return err
		}
		chunks = r.score(targetChapter, q, hits)
		return nil
	})

	metrics.RetrievalDuration.WithLabelValues(dim).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			// 协作取消：中止整次请求，不产出部分结果
			return queryResult{}, ctx.Err()
		}
		metrics.RetrievalTotal.WithLabelValues(dim, "degraded").Inc()
		logger.Warn(ctx, "retrieval query degraded",
			"dimension", dim, "attempts", attempts, "error", err.Error())
		return queryResult{
			report:  QueryReport{Dimension: q.Dimension, Text: q.Text, Failed: true, Attempts: attempts},
			warning: fmt.Sprintf("%s query dropped after %d attempts: %v", dim, attempts, err),
		}, nil
	}

	metrics.RetrievalTotal.WithLabelValues(dim, "ok").Inc()
	metrics.RetrievalChunksReturned.WithLabelValues(dim).Observe(float64(len(chunks)))
	return queryResult{
		chunks: chunks,
		report: QueryReport{Dimension: q.Dimension, Text: q.Text, ChunkCount: len(chunks), Attempts: attempts},
	}, nil
}

// embedAndSearch 向量化查询文本并执行受限检索
func (r *TemporalRetriever) embedAndSearch(ctx context.Context, projectID string, q RetrievalQuery) ([]*ChunkSearchResult, error) {
	vectors, err := r.embedder.Embed(ctx, []string{q.Text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}

	return r.searcher.SearchChunks(ctx, &ChunkSearchParams{
		ProjectID:        projectID,
		QueryVector:      vectors[0],
		MaxChapterNumber: q.Filters.MaxChapterNumber,
		TopK:             r.opts.TopKPerQuery,
		CharacterNames:   q.Filters.CharacterNames,
		ThreadIDs:        q.Filters.ThreadIDs,
	})
}

// score 计算复合得分；未来章节的分片即使后端漏过滤也在此拦截。
func (r *TemporalRetriever) score(targetChapter int, q RetrievalQuery, hits []*ChunkSearchResult) []ScoredChunk {
	out := make([]ScoredChunk, 0, len(hits))
	for _, h := range hits {
		if h == nil || h.ChapterNumber >= targetChapter {
			continue
		}
		recency := RecencyWeight(r.opts.DecayBase, r.opts.GraceWindowChapters, targetChapter, h.ChapterNumber)
		out = append(out, ScoredChunk{
			RetrievedChunk: RetrievedChunk{
				ChunkID:       h.ChunkID,
				ChapterNumber: h.ChapterNumber,
				Text:          h.Text,
				Similarity:    h.Similarity,
				Dimension:     q.Dimension,
				Characters:    h.Characters,
				ThreadIDs:     h.ThreadIDs,
			},
			CompositeScore: h.Similarity * recency * q.Weight,
		})
	}
	return out
}

// withRetry 有界指数退避重试。attempts 记录实际尝试次数。
func (r *TemporalRetriever) withRetry(ctx context.Context, attempts *int, fn func() error) error {
	backoff := time.Duration(r.opts.RetryInitialBackoff * float64(time.Second))
	maxBackoff := time.Duration(r.opts.RetryMaxBackoff * float64(time.Second))

	var lastErr error
	for i := 0; i < r.opts.RetryAttempts; i++ {
		*attempts = i + 1
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i == r.opts.RetryAttempts-1 {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = time.Duration(float64(backoff) * r.opts.RetryMultiplier)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return lastErr
}

// RecencyWeight 时近权重：decay ^ max(0, target-source-grace)。
// 宽限窗口内恒为 1.0；随章节距离单调不增。纯函数，保证检索可复现。
func RecencyWeight(decayBase float64, graceWindow, targetChapter, sourceChapter int) float64 {
	dist := targetChapter - sourceChapter - graceWindow
	if dist <= 0 {
		return 1.0
	}
	return math.Pow(decayBase, float64(dist))
}

// rankChunks 合并结果：按 chunk_id 去重保留最高复合分，
// 再按 (复合分降序, 章节号降序, chunk_id 升序) 全序排序，截断到 topN。
func rankChunks(chunks []ScoredChunk, topN int) []ScoredChunk {
	best := make(map[string]ScoredChunk, len(chunks))
	for _, c := range chunks {
		if prev, ok := best[c.ChunkID]; ok && prev.CompositeScore >= c.CompositeScore {
			continue
		}
		best[c.ChunkID] = c
	}

	out := make([]ScoredChunk, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompositeScore != out[j].CompositeScore {
			return out[i].CompositeScore > out[j].CompositeScore
		}
		if out[i].ChapterNumber != out[j].ChapterNumber {
			return out[i].ChapterNumber > out[j].ChapterNumber
		}
		return out[i].ChunkID < out[j].ChunkID
	})

	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}
