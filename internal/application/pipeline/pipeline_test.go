package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkverse-context-api/internal/domain/entity"
)

type fakeStateRepo struct {
	states        map[string]*entity.CharacterState
	threads       []*entity.Foreshadowing
	statesErr     error
	threadsErr    error
	listCalls     int
	stateRequests [][]string
}

func (f *fakeStateRepo) GetCharacterState(ctx context.Context, projectID, name string) (*entity.CharacterState, error) {
	return f.states[name], nil
}

func (f *fakeStateRepo) GetCharacterStates(ctx context.Context, projectID string, names []string) ([]*entity.CharacterState, error) {
	f.stateRequests = append(f.stateRequests, names)
	if f.statesErr != nil {
		return nil, f.statesErr
	}
	out := make([]*entity.CharacterState, 0, len(names))
	for _, n := range names {
		if s, ok := f.states[n]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStateRepo) UpsertCharacterState(ctx context.Context, state *entity.CharacterState) error {
	if f.states == nil {
		f.states = make(map[string]*entity.CharacterState)
	}
	f.states[state.CharacterName] = state
	return nil
}

func (f *fakeStateRepo) GetForeshadowing(ctx context.Context, projectID, threadID string) (*entity.Foreshadowing, error) {
	for _, t := range f.threads {
		if t.ThreadID == threadID {
			return t, nil
		}
	}
	return nil, nil
}

func (f *fakeStateRepo) ListForeshadowing(ctx context.Context, projectID string, includeResolved bool) ([]*entity.Foreshadowing, error) {
	f.listCalls++
	if f.threadsErr != nil {
		return nil, f.threadsErr
	}
	out := make([]*entity.Foreshadowing, 0, len(f.threads))
	for _, t := range f.threads {
		if !includeResolved && t.Status == entity.ForeshadowingStatusResolved {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStateRepo) UpsertForeshadowing(ctx context.Context, thread *entity.Foreshadowing) error {
	f.threads = append(f.threads, thread)
	return nil
}

type fakeTailLoader struct {
	tails    map[string]string
	err      error
	requests []string
}

func (f *fakeTailLoader) LoadTail(ctx context.Context, projectID string, chapterNumber int, maxChars int) (string, error) {
	key := fmt.Sprintf("%s:%d", projectID, chapterNumber)
	f.requests = append(f.requests, key)
	if f.err != nil {
		return "", f.err
	}
	return f.tails[key], nil
}

func pipelineFixture() (*Pipeline, *fakeStateRepo, *fakeTailLoader, *fakeSearcher) {
	state := &fakeStateRepo{
		states: map[string]*entity.CharacterState{
			"沈砚": {CharacterName: "沈砚", AsOfChapter: 9, Facts: []string{"左臂受过箭伤"}},
		},
		threads: []*entity.Foreshadowing{
			{ThreadID: "t-1", Priority: entity.ForeshadowingPriorityHigh, Status: entity.ForeshadowingStatusActive, Description: "玉佩的来历", IntroducedChapter: 2, LastTouchedChapter: 8},
		},
	}
	tails := &fakeTailLoader{
		tails: map[string]string{"proj-1:9": "他把信纸折好，塞进袖中。"},
	}
	searcher := &fakeSearcher{
		searchFunc: func(ctx context.Context, params *ChunkSearchParams) ([]*ChunkSearchResult, error) {
			return []*ChunkSearchResult{
				{ChunkID: "proj-1:5:0", ChapterNumber: 5, Text: "码头交易的旧事", Similarity: 0.8},
			}, nil
		},
	}
	p := New(&fakeEmbedder{}, searcher, state, tails, fastRetryOptions())
	return p, state, tails, searcher
}

func TestBuildContextEndToEnd(t *testing.T) {
	p, _, tails, _ := pipelineFixture()

	ac, err := p.BuildContext(context.Background(), testRequest())
	require.NoError(t, err)

	// 上一章末尾读穿缓存加载进 required 层
	assert.Equal(t, []string{"proj-1:9"}, tails.requests)
	var tailText string
	for _, item := range ac.Required.Items {
		if item.Kind == ItemPreviousTail {
			tailText = item.Text
		}
	}
	assert.Equal(t, "他把信纸折好，塞进袖中。", tailText)

	// main + 角色（沈砚、苏棠）+ 伏笔
	require.Len(t, ac.Manifest.Queries, 4)
	assert.Equal(t, DimensionMain, ac.Manifest.Queries[0].Dimension)
	assert.Empty(t, ac.Manifest.Warnings)

	// 召回分片与高优先级伏笔进入装配结果
	assert.NotEmpty(t, ac.Reference.Items)
	assert.Positive(t, ac.Manifest.TokensAfter)
	assert.LessOrEqual(t, ac.Manifest.TokensAfter, ac.Manifest.TokenBudget)
}

func TestBuildContextValidation(t *testing.T) {
	p, _, _, _ := pipelineFixture()
	ctx := context.Background()

	_, err := p.BuildContext(ctx, nil)
	assert.Error(t, err)

	req := testRequest()
	req.ProjectID = " "
	_, err = p.BuildContext(ctx, req)
	assert.Error(t, err)

	req = testRequest()
	req.TargetChapter = 0
	_, err = p.BuildContext(ctx, req)
	assert.Error(t, err)

	req = testRequest()
	req.Blueprint.CoreSummary = ""
	_, err = p.BuildContext(ctx, req)
	assert.Error(t, err)
}

func TestBuildContextDegradesWithoutDerivedIndex(t *testing.T) {
	p, state, _, _ := pipelineFixture()
	state.threadsErr = fmt.Errorf("redis down")
	state.statesErr = fmt.Errorf("redis down")

	ac, err := p.BuildContext(context.Background(), testRequest())
	require.NoError(t, err)

	// 伏笔维度缺席，角色状态降级并记入告警；主查询仍然成立
	require.Len(t, ac.Manifest.Queries, 3)
	require.NotEmpty(t, ac.Manifest.Warnings)
	assert.Contains(t, ac.Manifest.Warnings[0], "character states dropped")
	assert.Empty(t, ac.Important.Items)
}

func TestBuildContextKeepsProvidedTail(t *testing.T) {
	p, _, tails, _ := pipelineFixture()
	req := testRequest()
	req.PreviousTail = "请求已自带末尾。"

	_, err := p.BuildContext(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, tails.requests)
}

func TestBuildContextFirstChapterSkipsTail(t *testing.T) {
	p, _, tails, _ := pipelineFixture()
	req := testRequest()
	req.TargetChapter = 1

	_, err := p.BuildContext(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, tails.requests)
}

func TestBuildContextBudgetInfeasible(t *testing.T) {
	p, _, _, _ := pipelineFixture()
	req := testRequest()
	req.TokenBudget = 1

	_, err := p.BuildContext(context.Background(), req)
	assert.ErrorIs(t, err, ErrBudgetInfeasible)
}
