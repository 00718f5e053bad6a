package indexer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkverse-context-api/internal/domain/entity"
	"inkverse-context-api/internal/domain/repository"
)

type memStateRepo struct {
	states  map[string]*entity.CharacterState
	threads map[string]*entity.Foreshadowing
}

func newMemStateRepo() *memStateRepo {
	return &memStateRepo{
		states:  make(map[string]*entity.CharacterState),
		threads: make(map[string]*entity.Foreshadowing),
	}
}

func (m *memStateRepo) GetCharacterState(ctx context.Context, projectID, name string) (*entity.CharacterState, error) {
	return m.states[name], nil
}

func (m *memStateRepo) GetCharacterStates(ctx context.Context, projectID string, names []string) ([]*entity.CharacterState, error) {
	out := make([]*entity.CharacterState, 0, len(names))
	for _, n := range names {
		if s, ok := m.states[n]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStateRepo) UpsertCharacterState(ctx context.Context, state *entity.CharacterState) error {
	m.states[state.CharacterName] = state
	return nil
}

func (m *memStateRepo) GetForeshadowing(ctx context.Context, projectID, threadID string) (*entity.Foreshadowing, error) {
	return m.threads[threadID], nil
}

func (m *memStateRepo) ListForeshadowing(ctx context.Context, projectID string, includeResolved bool) ([]*entity.Foreshadowing, error) {
	out := make([]*entity.Foreshadowing, 0, len(m.threads))
	for _, t := range m.threads {
		if !includeResolved && t.Status == entity.ForeshadowingStatusResolved {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memStateRepo) UpsertForeshadowing(ctx context.Context, f *entity.Foreshadowing) error {
	m.threads[f.ThreadID] = f
	return nil
}

type fakeLocker struct {
	err      error
	acquired int
	released int
}

func (f *fakeLocker) AcquireChapterLock(ctx context.Context, projectID string, chapterNumber int) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	f.acquired++
	return func() { f.released++ }, nil
}

type fakeChunkEmbedder struct {
	inputs [][]string
	err    error
}

func (f *fakeChunkEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.inputs = append(f.inputs, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

type fakeChunkWriter struct {
	deletes []string
	inserts map[string][]*ChunkRecord
}

func newFakeChunkWriter() *fakeChunkWriter {
	return &fakeChunkWriter{inserts: make(map[string][]*ChunkRecord)}
}

func (f *fakeChunkWriter) DeleteChapterChunks(ctx context.Context, projectID string, chapterNumber int) error {
	key := fmt.Sprintf("%s:%d", projectID, chapterNumber)
	f.deletes = append(f.deletes, key)
	delete(f.inserts, key)
	return nil
}

func (f *fakeChunkWriter) InsertChunks(ctx context.Context, projectID string, records []*ChunkRecord) error {
	for _, rec := range records {
		key := fmt.Sprintf("%s:%d", projectID, rec.ChapterNumber)
		f.inserts[key] = append(f.inserts[key], rec)
	}
	return nil
}

func testAnalysis() *entity.ChapterAnalysis {
	return &entity.ChapterAnalysis{
		ProjectID:     "proj-1",
		ChapterNumber: 7,
		ChapterTitle:  "码头夜话",
		CharacterFacts: []entity.CharacterFactObservation{
			{CharacterName: "沈砚", Fact: "左臂受过箭伤"},
			{CharacterName: "沈砚", Fact: "暗中集结旧部"},
			{CharacterName: "苏棠", Fact: "北境斥候出身"},
		},
		ForeshadowingMentions: []entity.ForeshadowingMention{
			{ThreadID: "t-jade", Description: "玉佩的来历", Status: entity.ForeshadowingStatusPlanted, Priority: entity.ForeshadowingPriorityHigh},
		},
	}
}

func TestApplyCreatesDerivedState(t *testing.T) {
	state := newMemStateRepo()
	locker := &fakeLocker{}
	ix := New(state, nil, locker, nil, nil, Options{})

	require.NoError(t, ix.Apply(context.Background(), testAnalysis()))

	assert.Equal(t, 1, locker.acquired)
	assert.Equal(t, 1, locker.released)

	shen := state.states["沈砚"]
	require.NotNil(t, shen)
	assert.Equal(t, []string{"左臂受过箭伤", "暗中集结旧部"}, shen.Facts)
	assert.Equal(t, 7, shen.AsOfChapter)
	assert.Equal(t, 7, shen.LastUpdatedChapter)

	jade := state.threads["t-jade"]
	require.NotNil(t, jade)
	assert.Equal(t, entity.ForeshadowingStatusPlanted, jade.Status)
	assert.Equal(t, entity.ForeshadowingPriorityHigh, jade.Priority)
	assert.Equal(t, 7, jade.IntroducedChapter)
}

func TestApplyIsIdempotent(t *testing.T) {
	state := newMemStateRepo()
	ix := New(state, nil, nil, nil, nil, Options{})
	ctx := context.Background()

	require.NoError(t, ix.Apply(ctx, testAnalysis()))
	require.NoError(t, ix.Apply(ctx, testAnalysis()))

	// 同一章节重复投递：事实不翻倍，状态不变
	assert.Equal(t, []string{"左臂受过箭伤", "暗中集结旧部"}, state.states["沈砚"].Facts)
	assert.Equal(t, []string{"北境斥候出身"}, state.states["苏棠"].Facts)
	assert.Equal(t, entity.ForeshadowingStatusPlanted, state.threads["t-jade"].Status)
}

func TestApplyDedupesNormalizedFacts(t *testing.T) {
	state := newMemStateRepo()
	ix := New(state, nil, nil, nil, nil, Options{})

	analysis := testAnalysis()
	analysis.CharacterFacts = []entity.CharacterFactObservation{
		{CharacterName: "沈砚", Fact: "Carries An Old Map"},
		{CharacterName: "沈砚", Fact: "carries  an old   map"},
	}
	require.NoError(t, ix.Apply(context.Background(), analysis))

	// 大小写与空白差异视为同一事实，保留首次观测的原文
	assert.Equal(t, []string{"Carries An Old Map"}, state.states["沈砚"].Facts)
}

func TestApplyAppendsNewFactsInLaterChapter(t *testing.T) {
	state := newMemStateRepo()
	ix := New(state, nil, nil, nil, nil, Options{})
	ctx := context.Background()

	require.NoError(t, ix.Apply(ctx, testAnalysis()))

	later := testAnalysis()
	later.ChapterNumber = 8
	later.CharacterFacts = []entity.CharacterFactObservation{
		{CharacterName: "沈砚", Fact: "左臂受过箭伤"}, // 旧事实重复
		{CharacterName: "沈砚", Fact: "身份已被识破"},
	}
	later.ForeshadowingMentions = nil
	require.NoError(t, ix.Apply(ctx, later))

	shen := state.states["沈砚"]
	assert.Equal(t, []string{"左臂受过箭伤", "暗中集结旧部", "身份已被识破"}, shen.Facts)
	assert.Equal(t, 8, shen.LastUpdatedChapter)
}

func TestApplySkipsMalformedEntries(t *testing.T) {
	state := newMemStateRepo()
	ix := New(state, nil, nil, nil, nil, Options{})

	analysis := testAnalysis()
	analysis.CharacterFacts = append(analysis.CharacterFacts,
		entity.CharacterFactObservation{CharacterName: "", Fact: "无主事实"},
		entity.CharacterFactObservation{CharacterName: "老周", Fact: "   "},
	)
	analysis.ForeshadowingMentions = append(analysis.ForeshadowingMentions,
		entity.ForeshadowingMention{ThreadID: "", Status: entity.ForeshadowingStatusActive},
		entity.ForeshadowingMention{ThreadID: "t-bad", Status: entity.ForeshadowingStatus("unknown")},
	)

	// 畸形条目跳过，批次内其余条目照常生效
	require.NoError(t, ix.Apply(context.Background(), analysis))
	assert.NotNil(t, state.states["沈砚"])
	assert.Nil(t, state.states["老周"])
	assert.NotNil(t, state.threads["t-jade"])
	assert.Nil(t, state.threads["t-bad"])
}

func TestApplyRejectsMalformedAnalysis(t *testing.T) {
	ix := New(newMemStateRepo(), nil, nil, nil, nil, Options{})
	ctx := context.Background()

	assert.Error(t, ix.Apply(ctx, nil))
	assert.Error(t, ix.Apply(ctx, &entity.ChapterAnalysis{ProjectID: "", ChapterNumber: 1}))
	assert.Error(t, ix.Apply(ctx, &entity.ChapterAnalysis{ProjectID: "p", ChapterNumber: 0}))
}

func TestApplyChapterLockHeld(t *testing.T) {
	locker := &fakeLocker{err: repository.ErrChapterLocked}
	ix := New(newMemStateRepo(), nil, locker, nil, nil, Options{})

	err := ix.Apply(context.Background(), testAnalysis())
	assert.ErrorIs(t, err, repository.ErrChapterLocked)
}

func TestForeshadowingStatusNeverRegresses(t *testing.T) {
	state := newMemStateRepo()
	ix := New(state, nil, nil, nil, nil, Options{})
	ctx := context.Background()

	first := testAnalysis()
	first.ForeshadowingMentions[0].Status = entity.ForeshadowingStatusActive
	require.NoError(t, ix.Apply(ctx, first))
	require.Equal(t, entity.ForeshadowingStatusActive, state.threads["t-jade"].Status)

	// 更后章节要求回退到 planted：忽略但更新触碰章节
	regress := testAnalysis()
	regress.ChapterNumber = 9
	regress.CharacterFacts = nil
	regress.ForeshadowingMentions[0].Status = entity.ForeshadowingStatusPlanted
	require.NoError(t, ix.Apply(ctx, regress))

	jade := state.threads["t-jade"]
	assert.Equal(t, entity.ForeshadowingStatusActive, jade.Status)
	assert.Equal(t, 9, jade.LastTouchedChapter)
}

func TestForeshadowingAdvanceToResolved(t *testing.T) {
	state := newMemStateRepo()
	ix := New(state, nil, nil, nil, nil, Options{})
	ctx := context.Background()

	require.NoError(t, ix.Apply(ctx, testAnalysis()))

	resolve := testAnalysis()
	resolve.ChapterNumber = 12
	resolve.CharacterFacts = nil
	resolve.ForeshadowingMentions[0].Status = entity.ForeshadowingStatusResolved
	resolve.ForeshadowingMentions[0].Description = "玉佩原是先帝信物"
	require.NoError(t, ix.Apply(ctx, resolve))

	jade := state.threads["t-jade"]
	assert.Equal(t, entity.ForeshadowingStatusResolved, jade.Status)
	assert.Equal(t, "玉佩原是先帝信物", jade.Description)
	assert.Equal(t, 12, jade.LastTouchedChapter)
	assert.False(t, jade.Retrievable())
}

func TestNewThreadCarriesLaterStatus(t *testing.T) {
	state := newMemStateRepo()
	ix := New(state, nil, nil, nil, nil, Options{})

	analysis := testAnalysis()
	analysis.CharacterFacts = nil
	analysis.ForeshadowingMentions = []entity.ForeshadowingMention{
		{ThreadID: "t-new", Description: "旧信残页", Status: entity.ForeshadowingStatusActive},
	}
	require.NoError(t, ix.Apply(context.Background(), analysis))

	// 首次提及即携带更后的状态：planted 起步后直接推进
	thread := state.threads["t-new"]
	require.NotNil(t, thread)
	assert.Equal(t, entity.ForeshadowingStatusActive, thread.Status)
	assert.Equal(t, entity.ForeshadowingPriorityMedium, thread.Priority)
}

func TestIndexChapterTextDeterministicRebuild(t *testing.T) {
	embedder := &fakeChunkEmbedder{}
	writer := newFakeChunkWriter()
	ix := New(newMemStateRepo(), nil, nil, embedder, writer, Options{ChunkSizeRunes: 10, ChunkOverlapRunes: 2})
	ctx := context.Background()

	analysis := testAnalysis()
	analysis.ChapterText = "码头夜雾浓重，沈砚沿着栈桥走到尽头，苏棠已经等了两刻钟。"

	require.NoError(t, ix.IndexChapterText(ctx, analysis))
	first := writer.inserts["proj-1:7"]
	require.NotEmpty(t, first)

	// 分片 ID 由 (project, chapter, 序号) 决定
	for idx, rec := range first {
		assert.Equal(t, fmt.Sprintf("proj-1:7:%d", idx), rec.ChunkID)
		assert.Equal(t, 7, rec.ChapterNumber)
		assert.Equal(t, []string{"沈砚", "苏棠"}, rec.Characters)
		assert.Equal(t, []string{"t-jade"}, rec.ThreadIDs)
		assert.NotEmpty(t, rec.Vector)
		// 写入的分片文本不携带标题前缀
		assert.NotContains(t, rec.Text, "章节标题")
	}
	// 标题只注入向量化输入
	require.NotEmpty(t, embedder.inputs)
	assert.Contains(t, embedder.inputs[0][0], "章节标题：码头夜话")

	// 重跑同一章节：先删后写，得到同一组 ID
	require.NoError(t, ix.IndexChapterText(ctx, analysis))
	assert.Equal(t, []string{"proj-1:7", "proj-1:7"}, writer.deletes)
	second := writer.inserts["proj-1:7"]
	require.Len(t, second, len(first))
	for idx := range second {
		assert.Equal(t, first[idx].ChunkID, second[idx].ChunkID)
	}
}

func TestIndexChapterTextEmptyBodyClearsChunks(t *testing.T) {
	writer := newFakeChunkWriter()
	ix := New(newMemStateRepo(), nil, nil, &fakeChunkEmbedder{}, writer, Options{})

	analysis := testAnalysis()
	analysis.ChapterText = "   "
	require.NoError(t, ix.IndexChapterText(context.Background(), analysis))

	// 空正文：旧分片删除，不写新分片
	assert.Equal(t, []string{"proj-1:7"}, writer.deletes)
	assert.Empty(t, writer.inserts["proj-1:7"])
}

func TestIndexChapterTextSkipsWithoutVectorDeps(t *testing.T) {
	ix := New(newMemStateRepo(), nil, nil, nil, nil, Options{})
	analysis := testAnalysis()
	analysis.ChapterText = "正文"
	assert.NoError(t, ix.IndexChapterText(context.Background(), analysis))
}

func TestSplitByRunes(t *testing.T) {
	assert.Nil(t, splitByRunes("   ", 10, 2))
	assert.Equal(t, []string{"短文本"}, splitByRunes("短文本", 10, 2))

	parts := splitByRunes("一二三四五六七八九十甲乙丙丁", 10, 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "一二三四五六七八九十", parts[0])
	// 相邻分片保留重叠
	assert.Equal(t, "九十甲乙丙丁", parts[1])

	// 重叠不小于分片长度时退化为无重叠切分
	parts = splitByRunes("一二三四五六七八", 4, 4)
	assert.Equal(t, []string{"一二三四", "五六七八"}, parts)
}
