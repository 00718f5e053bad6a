package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeItem 构造 charsPerToken=1 下 token 数等于 rune 数的条目
func makeItem(kind ItemKind, ref, text string, priority int, droppable bool) ContextItem {
	return ContextItem{
		Kind:          kind,
		Ref:           ref,
		Text:          text,
		TokenEstimate: len([]rune(text)),
		Priority:      priority,
		Droppable:     droppable,
	}
}

func compressorFixture() *AssembledContext {
	return &AssembledContext{
		Required: ContextLayer{Kind: LayerRequired, Items: []ContextItem{
			makeItem(ItemBlueprint, "蓝图", strings.Repeat("纲", 50), 0, false),
		}},
		Important: ContextLayer{Kind: LayerImportant, Items: []ContextItem{
			makeItem(ItemCharacterFact, "沈砚", "首句。"+strings.Repeat("续", 37), 0, false),
		}},
		Reference: ContextLayer{Kind: LayerReference, Items: []ContextItem{
			makeItem(ItemWorldSetting, "", strings.Repeat("世", 30), 0, true),
			makeItem(ItemChunk, "p:5:0", strings.Repeat("片", 25), 1, true),
		}},
	}
}

func compressorOptions() Options {
	opts := DefaultOptions()
	opts.CharsPerToken = 1
	return opts
}

func TestCompressNoopUnderBudget(t *testing.T) {
	c := NewCompressor(compressorOptions())
	ac := compressorFixture()

	require.NoError(t, c.Compress(ac, 200))

	assert.Equal(t, 145, ac.Manifest.TokensBefore)
	assert.Equal(t, 145, ac.Manifest.TokensAfter)
	assert.Empty(t, ac.Manifest.Dropped)
	assert.Empty(t, ac.Manifest.Truncated)
	assert.Len(t, ac.Reference.Items, 2)
}

func TestCompressDropsReferenceFromEnd(t *testing.T) {
	c := NewCompressor(compressorOptions())
	ac := compressorFixture()

	require.NoError(t, c.Compress(ac, 100))

	// 层内优先级最低（追加最晚）的先被丢弃
	require.Len(t, ac.Manifest.Dropped, 2)
	assert.Equal(t, ItemChunk, ac.Manifest.Dropped[0].Kind)
	assert.Equal(t, 25, ac.Manifest.Dropped[0].TokensFreed)
	assert.Equal(t, ItemWorldSetting, ac.Manifest.Dropped[1].Kind)
	assert.Empty(t, ac.Reference.Items)

	// important 不需要截断即已达标
	assert.Empty(t, ac.Manifest.Truncated)
	assert.Equal(t, 90, ac.Manifest.TokensAfter)
	assert.LessOrEqual(t, ac.Manifest.TokensAfter, 100)
}

func TestCompressTruncatesImportant(t *testing.T) {
	c := NewCompressor(compressorOptions())
	ac := compressorFixture()

	require.NoError(t, c.Compress(ac, 80))

	// reference 清空后仍超预算，截断 important 末尾条目
	assert.Empty(t, ac.Reference.Items)
	require.Len(t, ac.Manifest.Truncated, 1)
	assert.Equal(t, ItemCharacterFact, ac.Manifest.Truncated[0].Kind)
	assert.Equal(t, 10, ac.Manifest.Truncated[0].TokensFreed)

	item := ac.Important.Items[0]
	assert.Equal(t, 30, item.TokenEstimate)
	assert.Equal(t, 30, len([]rune(item.Text)))
	assert.True(t, strings.HasPrefix(item.Text, "首句。"))
	assert.Equal(t, 80, ac.Manifest.TokensAfter)
}

func TestCompressKeepsFirstSentenceFloor(t *testing.T) {
	c := NewCompressor(compressorOptions())
	ac := compressorFixture()

	// 预算只比 required 多一点：important 截到首句下限为止
	require.NoError(t, c.Compress(ac, 51))

	item := ac.Important.Items[0]
	assert.Equal(t, "首句。", item.Text)
	assert.Equal(t, 3, item.TokenEstimate)
	// 下限生效后可以仍然超预算，但 required 完整保留
	assert.Equal(t, 50, ac.Required.Tokens())
	assert.Equal(t, 53, ac.Manifest.TokensAfter)
}

func TestCompressBudgetInfeasible(t *testing.T) {
	c := NewCompressor(compressorOptions())
	ac := compressorFixture()

	err := c.Compress(ac, 40)
	require.ErrorIs(t, err, ErrBudgetInfeasible)

	// 各层保持原样，不产出部分压缩结果
	assert.Len(t, ac.Required.Items, 1)
	assert.Len(t, ac.Important.Items, 1)
	assert.Len(t, ac.Reference.Items, 2)
	assert.Equal(t, strings.Repeat("纲", 50), ac.Required.Items[0].Text)

	// manifest 的预算字段在失败前已写入，便于诊断
	assert.Equal(t, 40, ac.Manifest.TokenBudget)
	assert.Equal(t, 145, ac.Manifest.TokensBefore)
	assert.Empty(t, ac.Manifest.Dropped)
}
