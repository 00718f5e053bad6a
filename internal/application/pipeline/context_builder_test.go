package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkverse-context-api/internal/domain/entity"
)

func layerKinds(layer ContextLayer) []ItemKind {
	kinds := make([]ItemKind, 0, len(layer.Items))
	for _, item := range layer.Items {
		kinds = append(kinds, item.Kind)
	}
	return kinds
}

func TestContextBuilderLayering(t *testing.T) {
	b := NewContextBuilder(DefaultOptions())
	req := testRequest()
	req.Blueprint.WorldSetting = "王朝末年，边境三镇自立。"
	req.PreviousTail = "他把信纸折好，塞进袖中。"

	in := &BuildInput{
		Request: req,
		Chunks: []ScoredChunk{
			{RetrievedChunk: RetrievedChunk{ChunkID: "p:5:0", ChapterNumber: 5, Text: "码头交易的旧事"}, CompositeScore: 0.9},
			{RetrievedChunk: RetrievedChunk{ChunkID: "p:3:1", ChapterNumber: 3, Text: "苏棠初次登场"}, CompositeScore: 0.7},
		},
		OutlineCharacters: []string{"沈砚", "苏棠"},
		CharacterStates: []*entity.CharacterState{
			{CharacterName: "沈砚", AsOfChapter: 9, Facts: []string{"左臂受过箭伤", "身份尚未暴露"}},
			{CharacterName: "老周", AsOfChapter: 4, Facts: []string{"经营当铺"}}, // 未被大纲提及
		},
		Threads: []*entity.Foreshadowing{
			{ThreadID: "t-high", Priority: entity.ForeshadowingPriorityHigh, Status: entity.ForeshadowingStatusActive, Description: "玉佩的来历", IntroducedChapter: 2, LastTouchedChapter: 8},
			{ThreadID: "t-low", Priority: entity.ForeshadowingPriorityLow, Status: entity.ForeshadowingStatusPlanted, Description: "旧信残页", IntroducedChapter: 6, LastTouchedChapter: 6},
			{ThreadID: "t-done", Priority: entity.ForeshadowingPriorityHigh, Status: entity.ForeshadowingStatusResolved, Description: "已回收"},
		},
	}

	ac := b.Build(in)

	// required：蓝图摘要、角色名单、大纲、上一章末尾
	assert.Equal(t, []ItemKind{ItemBlueprint, ItemRoster, ItemOutline, ItemPreviousTail}, layerKinds(ac.Required))
	for _, item := range ac.Required.Items {
		assert.False(t, item.Droppable)
		assert.Positive(t, item.TokenEstimate)
	}

	// important：大纲提及角色的状态 + 高优先级伏笔；resolved 与未提及角色排除
	require.Equal(t, []ItemKind{ItemCharacterFact, ItemForeshadowing}, layerKinds(ac.Important))
	assert.Equal(t, "沈砚", ac.Important.Items[0].Ref)
	assert.Contains(t, ac.Important.Items[0].Text, "左臂受过箭伤")
	assert.Equal(t, "t-high", ac.Important.Items[1].Ref)

	// reference：世界观、分片（保持复合分顺序）、低优先级伏笔
	require.Equal(t, []ItemKind{ItemWorldSetting, ItemChunk, ItemChunk, ItemForeshadowing}, layerKinds(ac.Reference))
	assert.Equal(t, "p:5:0", ac.Reference.Items[1].Ref)
	assert.Contains(t, ac.Reference.Items[1].Text, "（第5章）")
	assert.Equal(t, "p:3:1", ac.Reference.Items[2].Ref)
	assert.Equal(t, "t-low", ac.Reference.Items[3].Ref)
	for _, item := range ac.Reference.Items {
		assert.True(t, item.Droppable)
	}
}

func TestContextBuilderSkipsEmptyItems(t *testing.T) {
	b := NewContextBuilder(DefaultOptions())
	req := testRequest()
	req.Outline = ""
	req.PreviousTail = ""
	req.Blueprint.Roster = nil

	ac := b.Build(&BuildInput{Request: req})

	// 空文本条目不进入任何层
	assert.Equal(t, []ItemKind{ItemBlueprint}, layerKinds(ac.Required))
	assert.Empty(t, ac.Important.Items)
	assert.Empty(t, ac.Reference.Items)
}

func TestContextBuilderTruncatesPreviousTail(t *testing.T) {
	opts := DefaultOptions()
	opts.PreviousTailChars = 10
	b := NewContextBuilder(opts)

	req := testRequest()
	req.PreviousTail = strings.Repeat("前", 30) + "结尾十个字符在此处"

	ac := b.Build(&BuildInput{Request: req})

	var tail string
	for _, item := range ac.Required.Items {
		if item.Kind == ItemPreviousTail {
			tail = item.Text
		}
	}
	require.NotEmpty(t, tail)
	assert.Equal(t, 10, len([]rune(tail)))
	assert.Equal(t, "结尾十个字符在此处", tail[len(tail)-len("结尾十个字符在此处"):])
}
