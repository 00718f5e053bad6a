package pipeline

import "context"

// Embedder 定义流水线对文本向量化服务的最小依赖（port）。
// 由基础设施层提供具体实现（HTTP embedding 服务）。
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkSearchParams 向量检索参数
type ChunkSearchParams struct {
	ProjectID   string
	QueryVector []float32
	// MaxChapterNumber 只召回 chapter_number <= 该值的分片（杜绝未来泄漏）
	MaxChapterNumber int
	TopK             int
	// CharacterNames 非空则仅召回提及这些角色的分片
	CharacterNames []string
	// ThreadIDs 非空则仅召回挂在这些伏笔线上的分片
	ThreadIDs []string
}

// ChunkSearchResult 向量检索结果
type ChunkSearchResult struct {
	ChunkID       string
	ChapterNumber int
	Text          string
	// Similarity 已归一化的相似度 (0..1)
	Similarity float64
	Characters []string
	ThreadIDs  []string
}

// ChunkSearcher 定义流水线对向量存储检索的最小依赖（port）。
// 具体实现为 Milvus 仓储。
type ChunkSearcher interface {
	SearchChunks(ctx context.Context, params *ChunkSearchParams) ([]*ChunkSearchResult, error)
}

// TailLoader 读取上一章末尾原文（读穿缓存实现）。
// 请求内已携带 PreviousTail 时不会调用。
type TailLoader interface {
	LoadTail(ctx context.Context, projectID string, chapterNumber int, maxChars int) (string, error)
}
