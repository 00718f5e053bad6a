package pipeline

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	embedFunc func(ctx context.Context, texts []string) ([][]float32, error)
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.embedFunc != nil {
		return f.embedFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeSearcher struct {
	searchFunc func(ctx context.Context, params *ChunkSearchParams) ([]*ChunkSearchResult, error)
	calls      []*ChunkSearchParams
}

func (f *fakeSearcher) SearchChunks(ctx context.Context, params *ChunkSearchParams) ([]*ChunkSearchResult, error) {
	f.calls = append(f.calls, params)
	if f.searchFunc != nil {
		return f.searchFunc(ctx, params)
	}
	return nil, nil
}

func fastRetryOptions() Options {
	opts := DefaultOptions()
	opts.RetryAttempts = 2
	opts.RetryInitialBackoff = 0.001
	opts.RetryMaxBackoff = 0.002
	return opts
}

func TestRecencyWeight(t *testing.T) {
	// 宽限窗口内恒为 1.0
	assert.Equal(t, 1.0, RecencyWeight(0.98, 3, 10, 9))
	assert.Equal(t, 1.0, RecencyWeight(0.98, 3, 10, 7))

	// 窗口外按 decay^dist 衰减
	assert.InDelta(t, 0.98, RecencyWeight(0.98, 3, 10, 6), 1e-9)
	assert.InDelta(t, math.Pow(0.98, 7), RecencyWeight(0.98, 3, 20, 10), 1e-9)

	// 随章节距离单调不增
	prev := 1.0
	for source := 19; source >= 1; source-- {
		w := RecencyWeight(0.98, 3, 20, source)
		assert.LessOrEqual(t, w, prev, "source=%d", source)
		prev = w
	}
}

func TestRetrieveVectorDisabled(t *testing.T) {
	r := NewTemporalRetriever(nil, nil, DefaultOptions())
	_, _, _, err := r.Retrieve(context.Background(), "p", 5, nil)
	assert.ErrorIs(t, err, ErrVectorDisabled)
}

func TestRetrieveDropsFutureChapters(t *testing.T) {
	searcher := &fakeSearcher{
		searchFunc: func(ctx context.Context, params *ChunkSearchParams) ([]*ChunkSearchResult, error) {
			return []*ChunkSearchResult{
				{ChunkID: "p:4:0", ChapterNumber: 4, Similarity: 0.9},
				{ChunkID: "p:10:0", ChapterNumber: 10, Similarity: 0.99},
				{ChunkID: "p:12:0", ChapterNumber: 12, Similarity: 0.99},
			}, nil
		},
	}
	r := NewTemporalRetriever(&fakeEmbedder{}, searcher, fastRetryOptions())

	chunks, reports, warnings, err := r.Retrieve(context.Background(), "p", 10,
		[]RetrievalQuery{{Dimension: DimensionMain, Text: "q", Weight: 1.0, Filters: QueryFilters{MaxChapterNumber: 9}}})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, reports, 1)

	// 后端即使漏过滤，>= 目标章节的分片也会在打分阶段被拦截
	require.Len(t, chunks, 1)
	assert.Equal(t, "p:4:0", chunks[0].ChunkID)
}

func TestRetrieveDedupeKeepsHighestScore(t *testing.T) {
	searcher := &fakeSearcher{
		searchFunc: func(ctx context.Context, params *ChunkSearchParams) ([]*ChunkSearchResult, error) {
			return []*ChunkSearchResult{
				{ChunkID: "p:5:0", ChapterNumber: 5, Similarity: 0.8},
			}, nil
		},
	}
	opts := fastRetryOptions()
	opts.GraceWindowChapters = 10 // 时近权重恒为 1，便于对账
	r := NewTemporalRetriever(&fakeEmbedder{}, searcher, opts)

	queries := []RetrievalQuery{
		{Dimension: DimensionScene, Text: "q1", Weight: 0.5},
		{Dimension: DimensionMain, Text: "q2", Weight: 1.0},
	}
	chunks, _, _, err := r.Retrieve(context.Background(), "p", 10, queries)
	require.NoError(t, err)

	// 同一 chunk 被两条查询召回：去重保留最高复合分
	require.Len(t, chunks, 1)
	assert.Equal(t, DimensionMain, chunks[0].Dimension)
	assert.InDelta(t, 0.8, chunks[0].CompositeScore, 1e-9)
}

func TestRetrieveOrderingAndTopN(t *testing.T) {
	searcher := &fakeSearcher{
		searchFunc: func(ctx context.Context, params *ChunkSearchParams) ([]*ChunkSearchResult, error) {
			return []*ChunkSearchResult{
				{ChunkID: "p:3:1", ChapterNumber: 3, Similarity: 0.5},
				{ChunkID: "p:7:0", ChapterNumber: 7, Similarity: 0.5},
				{ChunkID: "p:7:1", ChapterNumber: 7, Similarity: 0.5},
				{ChunkID: "p:2:0", ChapterNumber: 2, Similarity: 0.9},
			}, nil
		},
	}
	opts := fastRetryOptions()
	opts.GraceWindowChapters = 10
	opts.GlobalTopN = 3
	r := NewTemporalRetriever(&fakeEmbedder{}, searcher, opts)

	chunks, _, _, err := r.Retrieve(context.Background(), "p", 10,
		[]RetrievalQuery{{Dimension: DimensionMain, Text: "q", Weight: 1.0}})
	require.NoError(t, err)

	// 复合分降序；同分按章节号降序、chunk_id 升序；截断到 GlobalTopN
	require.Len(t, chunks, 3)
	assert.Equal(t, "p:2:0", chunks[0].ChunkID)
	assert.Equal(t, "p:7:0", chunks[1].ChunkID)
	assert.Equal(t, "p:7:1", chunks[2].ChunkID)
}

func TestRetrieveDegradesFailedQuery(t *testing.T) {
	searcher := &fakeSearcher{
		searchFunc: func(ctx context.Context, params *ChunkSearchParams) ([]*ChunkSearchResult, error) {
			if len(params.ThreadIDs) > 0 {
				return nil, fmt.Errorf("milvus timeout")
			}
			return []*ChunkSearchResult{
				{ChunkID: "p:5:0", ChapterNumber: 5, Similarity: 0.7},
			}, nil
		},
	}
	opts := fastRetryOptions()
	r := NewTemporalRetriever(&fakeEmbedder{}, searcher, opts)

	queries := []RetrievalQuery{
		{Dimension: DimensionMain, Text: "q", Weight: 1.0},
		{Dimension: DimensionForeshadowing, Text: "伏笔", Weight: 0.8, Filters: QueryFilters{ThreadIDs: []string{"t-1"}}},
	}
	chunks, reports, warnings, err := r.Retrieve(context.Background(), "p", 10, queries)

	// 单条查询重试耗尽只降级，不触发整次请求失败
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Len(t, reports, 2)
	assert.False(t, reports[0].Failed)
	assert.True(t, reports[1].Failed)
	assert.Equal(t, opts.RetryAttempts, reports[1].Attempts)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "foreshadowing")
}

func TestRetrieveCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	searcher := &fakeSearcher{
		searchFunc: func(ctx context.Context, params *ChunkSearchParams) ([]*ChunkSearchResult, error) {
			return nil, ctx.Err()
		},
	}
	r := NewTemporalRetriever(&fakeEmbedder{}, searcher, fastRetryOptions())

	_, _, _, err := r.Retrieve(ctx, "p", 10,
		[]RetrievalQuery{{Dimension: DimensionMain, Text: "q", Weight: 1.0}})
	assert.ErrorIs(t, err, context.Canceled)
}
