package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"inkverse-context-api/internal/domain/entity"
	"inkverse-context-api/internal/domain/repository"
	"inkverse-context-api/pkg/logger"
	"inkverse-context-api/pkg/metrics"
)

var pipelineTracer = otel.Tracer("pipeline")

// Pipeline 编排单次章节生成请求的完整上下文构造：
// 查询构造 -> 时间感知检索 -> 分层装配 -> 预算压缩。
// 流水线对派生索引只读；取消请求不会留下部分状态。
type Pipeline struct {
	opts       Options
	queries    *QueryBuilder
	retriever  *TemporalRetriever
	builder    *ContextBuilder
	compressor *Compressor
	state      repository.StateRepository
	tails      TailLoader
}

// New 创建上下文构造流水线
func New(embedder Embedder, searcher ChunkSearcher, state repository.StateRepository, tails TailLoader, opts Options) *Pipeline {
	opts = opts.normalize()
	return &Pipeline{
		opts:       opts,
		queries:    NewQueryBuilder(opts),
		retriever:  NewTemporalRetriever(embedder, searcher, opts),
		builder:    NewContextBuilder(opts),
		compressor: NewCompressor(opts),
		state:      state,
		tails:      tails,
	}
}

// BuildContext 为目标章节构造压缩后的分层上下文。
// 检索降级（部分查询失败）只记入 manifest；预算不可行才返回错误。
func (p *Pipeline) BuildContext(ctx context.Context, req *GenerationRequest) (*AssembledContext, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, span := pipelineTracer.Start(ctx, "pipeline.BuildContext",
		trace.WithAttributes(
			attribute.String("project_id", req.ProjectID),
			attribute.Int("target_chapter", req.TargetChapter),
		))
	defer span.End()

	ctx = logger.WithContext(ctx, logger.ProjectIDKey, req.ProjectID)
	ctx = logger.WithContext(ctx, logger.ChapterKey, req.TargetChapter)

	// 1) 未决伏笔线（resolved 默认排除）
	var threads []*entity.Foreshadowing
	if p.state != nil {
		var err error
		threads, err = p.state.ListForeshadowing(ctx, req.ProjectID, false)
		if err != nil {
			// 派生索引暂不可读时降级：伏笔维度缺席，主查询仍然成立
			logger.Warn(ctx, "foreshadowing index unavailable", "error", err.Error())
			threads = nil
		}
	}

	// 2) 查询构造
	queries := p.queries.Build(req, threads)
	outlineCharacters := p.queries.outlineCharacters(req)

	// 3) 检索（并发扇出，失败按查询降级）
	chunks, reports, warnings, err := p.retriever.Retrieve(ctx, req.ProjectID, req.TargetChapter, queries)
	if err != nil {
		metrics.ContextBuildTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}

	// 4) 结构化事实：大纲提及角色的最新状态
	var states []*entity.CharacterState
	if p.state != nil && len(outlineCharacters) > 0 {
		states, err = p.state.GetCharacterStates(ctx, req.ProjectID, outlineCharacters)
		if err != nil {
			logger.Warn(ctx, "character state index unavailable", "error", err.Error())
			warnings = append(warnings, fmt.Sprintf("character states dropped: %v", err))
			states = nil
		}
	}

	// 5) 上一章末尾原文（请求未携带时读穿缓存加载）
	if strings.TrimSpace(req.PreviousTail) == "" && p.tails != nil && req.TargetChapter > 1 {
		tail, tailErr := p.tails.LoadTail(ctx, req.ProjectID, req.TargetChapter-1, p.opts.PreviousTailChars)
		if tailErr != nil {
			logger.Warn(ctx, "previous chapter tail unavailable", "error", tailErr.Error())
			warnings = append(warnings, fmt.Sprintf("previous tail dropped: %v", tailErr))
		} else {
			req.PreviousTail = tail
		}
	}

	// 6) 分层装配
	ac := p.builder.Build(&BuildInput{
		Request:           req,
		Chunks:            chunks,
		OutlineCharacters: outlineCharacters,
		CharacterStates:   states,
		Threads:           threads,
	})
	ac.Manifest.Queries = reports
	ac.Manifest.Warnings = warnings

	// 7) 预算压缩
	if err := p.compressor.Compress(ac, req.TokenBudget); err != nil {
		metrics.ContextBuildTotal.WithLabelValues("budget_infeasible").Inc()
		span.RecordError(err)
		return nil, err
	}

	metrics.ContextBuildTotal.WithLabelValues("ok").Inc()
	metrics.ContextBuildDuration.WithLabelValues(req.ProjectID).Observe(time.Since(start).Seconds())
	logger.Info(ctx, "context assembled",
		"queries", len(queries),
		"chunks", len(chunks),
		"tokens_before", ac.Manifest.TokensBefore,
		"tokens_after", ac.Manifest.TokensAfter,
		"dropped", len(ac.Manifest.Dropped),
		"truncated", len(ac.Manifest.Truncated),
	)
	return ac, nil
}

func validateRequest(req *GenerationRequest) error {
	if req == nil {
		return fmt.Errorf("request is nil")
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		return fmt.Errorf("project_id is required")
	}
	if req.TargetChapter < 1 {
		return fmt.Errorf("target_chapter must be >= 1")
	}
	if strings.TrimSpace(req.Blueprint.CoreSummary) == "" {
		return fmt.Errorf("blueprint core summary is required")
	}
	return nil
}
