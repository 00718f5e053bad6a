// Package indexer 实现增量索引器：消费章节分析结果，
// 维护派生索引（角色状态、伏笔线）并重建章节的向量分片。
// 索引器是派生索引的唯一写入方；检索流水线对其只读。
package indexer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"inkverse-context-api/internal/domain/entity"
	"inkverse-context-api/internal/domain/repository"
	pkgerrors "inkverse-context-api/pkg/errors"
	"inkverse-context-api/pkg/logger"
	"inkverse-context-api/pkg/metrics"
)

const (
	defaultChunkSizeRunes    = 800
	defaultChunkOverlapRunes = 80
	defaultEmbeddingBatch    = 32
)

// Options 索引器行为配置
type Options struct {
	ChunkSizeRunes    int
	ChunkOverlapRunes int
	EmbeddingBatch    int
}

func (o Options) normalize() Options {
	if o.ChunkSizeRunes <= 0 {
		o.ChunkSizeRunes = defaultChunkSizeRunes
	}
	if o.ChunkOverlapRunes < 0 {
		o.ChunkOverlapRunes = defaultChunkOverlapRunes
	}
	if o.EmbeddingBatch <= 0 {
		o.EmbeddingBatch = defaultEmbeddingBatch
	}
	return o
}

// Indexer 增量索引器
type Indexer struct {
	state    repository.StateRepository
	audits   repository.StateAuditRepository
	locker   repository.ChapterLocker
	embedder Embedder
	chunks   ChunkWriter
	opts     Options
}

// New 创建增量索引器。audits、locker、embedder、chunks 均可为 nil：
// 对应能力缺席时相关步骤跳过，派生状态更新仍然执行。
func New(state repository.StateRepository, audits repository.StateAuditRepository, locker repository.ChapterLocker, embedder Embedder, chunks ChunkWriter, opts Options) *Indexer {
	return &Indexer{
		state:    state,
		audits:   audits,
		locker:   locker,
		embedder: embedder,
		chunks:   chunks,
		opts:     opts.normalize(),
	}
}

// Apply 将一份章节分析结果写入派生索引。
// 同一章节重复投递是无害的空操作（last_updated_chapter 守卫）；
// 单条畸形条目跳过并记录，批次内其余条目照常生效。
func (ix *Indexer) Apply(ctx context.Context, analysis *entity.ChapterAnalysis) error {
	if err := validateAnalysis(analysis); err != nil {
		metrics.IndexerApplyTotal.WithLabelValues("error").Inc()
		return err
	}

	ctx = logger.WithContext(ctx, logger.ProjectIDKey, analysis.ProjectID)
	ctx = logger.WithContext(ctx, logger.ChapterKey, analysis.ChapterNumber)

	if ix.locker != nil {
		release, err := ix.locker.AcquireChapterLock(ctx, analysis.ProjectID, analysis.ChapterNumber)
		if err != nil {
			metrics.IndexerApplyTotal.WithLabelValues("error").Inc()
			return err
		}
		defer release()
	}

	factsApplied, err := ix.applyCharacterFacts(ctx, analysis)
	if err != nil {
		metrics.IndexerApplyTotal.WithLabelValues("error").Inc()
		return err
	}
	threadsTouched, err := ix.applyForeshadowing(ctx, analysis)
	if err != nil {
		metrics.IndexerApplyTotal.WithLabelValues("error").Inc()
		return err
	}

	status := "applied"
	if factsApplied == 0 && threadsTouched == 0 {
		status = "noop"
	}
	metrics.IndexerApplyTotal.WithLabelValues(status).Inc()
	logger.Info(ctx, "chapter analysis applied",
		"facts_applied", factsApplied,
		"threads_touched", threadsTouched,
		"status", status,
	)
	return nil
}

// applyCharacterFacts 按角色合并事实。规则：
//   - 同章或更早的重复投递跳过（LastUpdatedChapter 守卫）；
//   - 新事实按归一化文本去重后追加，保持观测顺序；
//   - 角色名或事实为空的条目跳过并告警，不中断批次。
func (ix *Indexer) applyCharacterFacts(ctx context.Context, analysis *entity.ChapterAnalysis) (int, error) {
	grouped := groupFactsByCharacter(ctx, analysis.CharacterFacts)
	if len(grouped) == 0 {
		return 0, nil
	}

	names := make([]string, 0, len(grouped))
	for name := range grouped {
		names = append(names, name)
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		state, err := ix.state.GetCharacterState(ctx, analysis.ProjectID, name)
		if err != nil {
			return applied, pkgerrors.Wrap(err, pkgerrors.CodeIndexWriteFailed, "read character state")
		}
		if state != nil && analysis.ChapterNumber <= state.LastUpdatedChapter {
			logger.Debug(ctx, "character facts already applied", "character", name)
			continue
		}
		if state == nil {
			state = entity.NewCharacterState(analysis.ProjectID, name, analysis.ChapterNumber)
		}

		seen := make(map[string]struct{}, len(state.Facts))
		for _, f := range state.Facts {
			seen[normalizeFact(f)] = struct{}{}
		}
		added := 0
		for _, fact := range grouped[name] {
			key := normalizeFact(fact)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			state.Facts = append(state.Facts, fact)
			added++
		}

		state.AsOfChapter = analysis.ChapterNumber
		state.LastUpdatedChapter = analysis.ChapterNumber
		state.UpdatedAt = time.Now()
		if err := ix.state.UpsertCharacterState(ctx, state); err != nil {
			return applied, pkgerrors.Wrap(err, pkgerrors.CodeIndexWriteFailed, "upsert character state")
		}
		applied++
		metrics.IndexerFactsUpserted.WithLabelValues(analysis.ProjectID).Add(float64(added))

		if ix.audits != nil {
			audit := &entity.CharacterStateAudit{
				ProjectID:     analysis.ProjectID,
				CharacterName: name,
				AsOfChapter:   analysis.ChapterNumber,
				Facts:         entity.FactList(state.Facts),
			}
			if err := ix.audits.Append(ctx, audit); err != nil {
				// 审计历史缺一条不影响检索正确性
				logger.Warn(ctx, "state audit append failed", "character", name, "error", err.Error())
			}
		}
	}
	return applied, nil
}

// applyForeshadowing 处理伏笔提及。状态只前进不回退；
// 回退请求忽略并告警。首次出现的线程直接落在 planted。
func (ix *Indexer) applyForeshadowing(ctx context.Context, analysis *entity.ChapterAnalysis) (int, error) {
	touched := 0
	for _, m := range analysis.ForeshadowingMentions {
		threadID := strings.TrimSpace(m.ThreadID)
		if threadID == "" {
			logger.Warn(ctx, "foreshadowing mention missing thread_id, skipped")
			continue
		}
		if !m.Status.Valid() {
			logger.Warn(ctx, "foreshadowing mention has unknown status, skipped",
				"thread_id", threadID, "status", string(m.Status))
			continue
		}

		thread, err := ix.state.GetForeshadowing(ctx, analysis.ProjectID, threadID)
		if err != nil {
			return touched, pkgerrors.Wrap(err, pkgerrors.CodeIndexWriteFailed, "read foreshadowing")
		}

		if thread == nil {
			thread = entity.NewForeshadowing(analysis.ProjectID, threadID, strings.TrimSpace(m.Description), m.Priority, analysis.ChapterNumber)
			// 首次提及即携带更后的状态时直接推进
			thread.Advance(m.Status, analysis.ChapterNumber)
			if err := ix.state.UpsertForeshadowing(ctx, thread); err != nil {
				return touched, pkgerrors.Wrap(err, pkgerrors.CodeIndexWriteFailed, "upsert foreshadowing")
			}
			touched++
			metrics.IndexerThreadsTouched.WithLabelValues(string(thread.Status)).Inc()
			continue
		}

		if analysis.ChapterNumber <= thread.LastTouchedChapter && !thread.Status.CanAdvanceTo(m.Status) {
			logger.Debug(ctx, "foreshadowing mention already applied", "thread_id", threadID)
			continue
		}
		advanced := thread.Advance(m.Status, analysis.ChapterNumber)
		if !advanced && m.Status != thread.Status {
			logger.Warn(ctx, "foreshadowing status regression ignored",
				"thread_id", threadID,
				"current", string(thread.Status),
				"requested", string(m.Status))
		}
		if d := strings.TrimSpace(m.Description); d != "" {
			thread.Description = d
		}
		if err := ix.state.UpsertForeshadowing(ctx, thread); err != nil {
			return touched, pkgerrors.Wrap(err, pkgerrors.CodeIndexWriteFailed, "upsert foreshadowing")
		}
		touched++
		metrics.IndexerThreadsTouched.WithLabelValues(string(thread.Status)).Inc()
	}
	return touched, nil
}

// IndexChapterText 重建章节正文的向量分片：先删除旧分片，再切分、
// 向量化并写入。分片 ID 由 (project, chapter, 序号) 决定，
// 重跑同一章节得到同一组 ID。
func (ix *Indexer) IndexChapterText(ctx context.Context, analysis *entity.ChapterAnalysis) error {
	if ix.embedder == nil || ix.chunks == nil {
		return nil
	}
	if err := validateAnalysis(analysis); err != nil {
		return err
	}

	if err := ix.chunks.DeleteChapterChunks(ctx, analysis.ProjectID, analysis.ChapterNumber); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeIndexWriteFailed, "delete chapter chunks")
	}

	text := strings.TrimSpace(analysis.ChapterText)
	if text == "" {
		// 空正文不写分片；先删后判空保证旧版本不残留
		return nil
	}

	parts := splitByRunes(text, ix.opts.ChunkSizeRunes, ix.opts.ChunkOverlapRunes)
	if len(parts) == 0 {
		return nil
	}

	characters := characterNames(analysis.CharacterFacts)
	threadIDs := mentionThreadIDs(analysis.ForeshadowingMentions)
	title := strings.TrimSpace(analysis.ChapterTitle)

	embedInputs := make([]string, 0, len(parts))
	records := make([]*ChunkRecord, 0, len(parts))
	for idx, part := range parts {
		embedText := part
		if title != "" {
			embedText = "章节标题：" + title + "\n" + part
		}
		embedInputs = append(embedInputs, embedText)
		records = append(records, &ChunkRecord{
			ChunkID:       fmt.Sprintf("%s:%d:%d", analysis.ProjectID, analysis.ChapterNumber, idx),
			ChapterNumber: analysis.ChapterNumber,
			Text:          part,
			Characters:    characters,
			ThreadIDs:     threadIDs,
		})
	}

	vectors, err := ix.embedBatch(ctx, embedInputs)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeEmbeddingFailed, "embed chapter chunks")
	}
	for idx := range records {
		records[idx].Vector = vectors[idx]
	}

	if err := ix.chunks.InsertChunks(ctx, analysis.ProjectID, records); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeIndexWriteFailed, "insert chapter chunks")
	}
	metrics.IndexerChunksIndexed.WithLabelValues(analysis.ProjectID).Add(float64(len(records)))
	logger.Info(ctx, "chapter chunks indexed", "chunks", len(records))
	return nil
}

func (ix *Indexer) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += ix.opts.EmbeddingBatch {
		end := start + ix.opts.EmbeddingBatch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := ix.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedding count mismatch: want %d got %d", end-start, len(vecs))
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func validateAnalysis(analysis *entity.ChapterAnalysis) error {
	if analysis == nil {
		return pkgerrors.ErrAnalysisMalformed.WithDetail("analysis is nil")
	}
	if strings.TrimSpace(analysis.ProjectID) == "" {
		return pkgerrors.ErrAnalysisMalformed.WithDetail("project_id is required")
	}
	if analysis.ChapterNumber < 1 {
		return pkgerrors.ErrAnalysisMalformed.WithDetail("chapter_number must be >= 1")
	}
	return nil
}

// groupFactsByCharacter 按角色聚合事实并过滤畸形条目
func groupFactsByCharacter(ctx context.Context, observations []entity.CharacterFactObservation) map[string][]string {
	grouped := make(map[string][]string)
	for _, obs := range observations {
		name := strings.TrimSpace(obs.CharacterName)
		fact := strings.TrimSpace(obs.Fact)
		if name == "" || fact == "" {
			logger.Warn(ctx, "character fact missing name or text, skipped")
			continue
		}
		grouped[name] = append(grouped[name], fact)
	}
	return grouped
}

// normalizeFact 事实去重键：小写并折叠空白
func normalizeFact(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func characterNames(observations []entity.CharacterFactObservation) []string {
	seen := make(map[string]struct{}, len(observations))
	out := make([]string, 0, len(observations))
	for _, obs := range observations {
		name := strings.TrimSpace(obs.CharacterName)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func mentionThreadIDs(mentions []entity.ForeshadowingMention) []string {
	seen := make(map[string]struct{}, len(mentions))
	out := make([]string, 0, len(mentions))
	for _, m := range mentions {
		id := strings.TrimSpace(m.ThreadID)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
