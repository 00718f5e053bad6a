package indexer

import "context"

// Embedder 批量文本向量化接口
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkRecord 写入向量库的单个章节分片
type ChunkRecord struct {
	ChunkID       string
	ChapterNumber int
	Text          string
	Characters    []string
	ThreadIDs     []string
	Vector        []float32
}

// ChunkWriter 向量库写入接口。重建索引采用先删后插，
// 保证同一章节不会残留旧版本分片。
type ChunkWriter interface {
	DeleteChapterChunks(ctx context.Context, projectID string, chapterNumber int) error
	InsertChunks(ctx context.Context, projectID string, chunks []*ChunkRecord) error
}
