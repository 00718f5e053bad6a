package milvus

import (
	"context"

	"inkverse-context-api/internal/application/indexer"
	"inkverse-context-api/internal/application/pipeline"
)

// SearcherAdapter 把向量仓储桥接为流水线的 ChunkSearcher port
type SearcherAdapter struct {
	repo *Repository
}

// NewSearcherAdapter 创建检索适配器
func NewSearcherAdapter(repo *Repository) *SearcherAdapter {
	return &SearcherAdapter{repo: repo}
}

// SearchChunks 实现 pipeline.ChunkSearcher
func (a *SearcherAdapter) SearchChunks(ctx context.Context, params *pipeline.ChunkSearchParams) ([]*pipeline.ChunkSearchResult, error) {
	results, err := a.repo.SearchChunks(ctx, &SearchParams{
		ProjectID:        params.ProjectID,
		QueryVector:      params.QueryVector,
		MaxChapterNumber: int64(params.MaxChapterNumber),
		TopK:             params.TopK,
		CharacterNames:   params.CharacterNames,
		ThreadIDs:        params.ThreadIDs,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*pipeline.ChunkSearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, &pipeline.ChunkSearchResult{
			ChunkID:       r.ChunkID,
			ChapterNumber: int(r.ChapterNumber),
			Text:          r.Text,
			Similarity:    normalizeCosine(r.Score),
			Characters:    r.Characters,
			ThreadIDs:     r.ThreadIDs,
		})
	}
	return out, nil
}

// normalizeCosine 把余弦相似度 [-1,1] 映射到 [0,1]
func normalizeCosine(score float32) float64 {
	s := (float64(score) + 1) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// WriterAdapter 把向量仓储桥接为索引器的 ChunkWriter port
type WriterAdapter struct {
	repo *Repository
}

// NewWriterAdapter 创建写入适配器
func NewWriterAdapter(repo *Repository) *WriterAdapter {
	return &WriterAdapter{repo: repo}
}

// DeleteChapterChunks 实现 indexer.ChunkWriter
func (a *WriterAdapter) DeleteChapterChunks(ctx context.Context, projectID string, chapterNumber int) error {
	return a.repo.DeleteChapterChunks(ctx, projectID, int64(chapterNumber))
}

// InsertChunks 实现 indexer.ChunkWriter
func (a *WriterAdapter) InsertChunks(ctx context.Context, projectID string, chunks []*indexer.ChunkRecord) error {
	rows := make([]*ChapterChunk, 0, len(chunks))
	for _, c := range chunks {
		rows = append(rows, &ChapterChunk{
			ChunkID:       c.ChunkID,
			Vector:        c.Vector,
			ProjectID:     projectID,
			ChapterNumber: int64(c.ChapterNumber),
			Characters:    c.Characters,
			ThreadIDs:     c.ThreadIDs,
			Text:          c.Text,
		})
	}
	return a.repo.InsertChunks(ctx, projectID, rows)
}
