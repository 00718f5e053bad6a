package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkverse-context-api/internal/domain/entity"
)

func testRequest() *GenerationRequest {
	return &GenerationRequest{
		ProjectID:     "proj-1",
		TargetChapter: 10,
		Blueprint: entity.Blueprint{
			ProjectID:   "proj-1",
			Title:       "长夜余烬",
			CoreSummary: "流亡王子在边境小镇隐姓埋名，暗中集结旧部。",
			Roster:      []string{"沈砚", "苏棠", "老周"},
		},
		Outline:        "沈砚在码头与苏棠接头，交换北境军情。",
		ChapterSummary: "接头与试探。",
	}
}

func TestQueryBuilderMainQuery(t *testing.T) {
	b := NewQueryBuilder(DefaultOptions())

	queries := b.Build(testRequest(), nil)
	require.NotEmpty(t, queries)

	main := queries[0]
	assert.Equal(t, DimensionMain, main.Dimension)
	assert.Contains(t, main.Text, "沈砚在码头与苏棠接头")
	assert.Contains(t, main.Text, "接头与试探。")
	assert.Equal(t, 9, main.Filters.MaxChapterNumber)
	assert.Equal(t, 1.0, main.Weight)
}

func TestQueryBuilderMainFallsBackToBlueprint(t *testing.T) {
	b := NewQueryBuilder(DefaultOptions())
	req := testRequest()
	req.Outline = ""
	req.ChapterSummary = "   "

	queries := b.Build(req, nil)
	require.Len(t, queries, 1)
	assert.Equal(t, DimensionMain, queries[0].Dimension)
	assert.Equal(t, req.Blueprint.CoreSummary, queries[0].Text)
}

func TestQueryBuilderCharacterQueriesFollowMentionOrder(t *testing.T) {
	b := NewQueryBuilder(DefaultOptions())
	req := testRequest()
	// 大纲先提及苏棠再提及沈砚；老周未提及
	req.Outline = "苏棠先到码头，沈砚随后现身。"

	queries := b.Build(req, nil)

	var characters []string
	for _, q := range queries {
		if q.Dimension == DimensionCharacter {
			require.Len(t, q.Filters.CharacterNames, 1)
			characters = append(characters, q.Filters.CharacterNames[0])
			assert.Equal(t, 9, q.Filters.MaxChapterNumber)
		}
	}
	assert.Equal(t, []string{"苏棠", "沈砚"}, characters)
}

func TestQueryBuilderCharacterQueryCap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxCharacterQueries = 2
	b := NewQueryBuilder(opts)

	req := testRequest()
	req.Blueprint.Roster = []string{"甲", "乙", "丙", "丁"}
	req.Outline = "甲与乙先后登场，丙在暗处观察，丁尚未出现。"

	queries := b.Build(req, nil)

	var characters []string
	for _, q := range queries {
		if q.Dimension == DimensionCharacter {
			characters = append(characters, q.Filters.CharacterNames[0])
		}
	}
	// 超出上限的丙、丁被直接丢弃，不做合并
	assert.Equal(t, []string{"甲", "乙"}, characters)
}

func TestQueryBuilderForeshadowingEligibility(t *testing.T) {
	b := NewQueryBuilder(DefaultOptions())
	threads := []*entity.Foreshadowing{
		{ThreadID: "t-low", Priority: entity.ForeshadowingPriorityLow, Status: entity.ForeshadowingStatusActive, Description: "低优先级"},
		{ThreadID: "t-resolved", Priority: entity.ForeshadowingPriorityHigh, Status: entity.ForeshadowingStatusResolved, Description: "已回收"},
		{ThreadID: "t-open", Priority: entity.ForeshadowingPriorityHigh, Status: entity.ForeshadowingStatusOpen, Description: "未埋设"},
		{ThreadID: "t-high", Priority: entity.ForeshadowingPriorityHigh, Status: entity.ForeshadowingStatusActive, LastTouchedChapter: 5, Description: "玉佩的来历"},
		{ThreadID: "t-med-stale", Priority: entity.ForeshadowingPriorityMedium, Status: entity.ForeshadowingStatusPlanted, LastTouchedChapter: 2, Description: "旧信残页"},
		{ThreadID: "t-med-fresh", Priority: entity.ForeshadowingPriorityMedium, Status: entity.ForeshadowingStatusPlanted, LastTouchedChapter: 8, Description: "码头暗号"},
	}

	queries := b.Build(testRequest(), threads)

	var ids []string
	for _, q := range queries {
		if q.Dimension == DimensionForeshadowing {
			require.Len(t, q.Filters.ThreadIDs, 1)
			ids = append(ids, q.Filters.ThreadIDs[0])
		}
	}
	// 高优先级在前；同优先级最久未触碰的在前
	assert.Equal(t, []string{"t-high", "t-med-stale", "t-med-fresh"}, ids)
}

func TestQueryBuilderSceneQuery(t *testing.T) {
	b := NewQueryBuilder(DefaultOptions())

	req := testRequest()
	queries := b.Build(req, nil)
	for _, q := range queries {
		assert.NotEqual(t, DimensionScene, q.Dimension)
	}

	req.Scene = entity.SceneHint{Location: "北城码头", TimeOfDay: "深夜"}
	queries = b.Build(req, nil)
	last := queries[len(queries)-1]
	assert.Equal(t, DimensionScene, last.Dimension)
	assert.Equal(t, "北城码头 深夜", last.Text)
	assert.Equal(t, weightScene, last.Weight)
}
