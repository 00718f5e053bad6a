package pipeline

import (
	"fmt"
	"strings"

	"inkverse-context-api/internal/domain/entity"
	"inkverse-context-api/pkg/metrics"
)

// ContextBuilder 将检索结果与结构化事实装配成三个优先级层。
// 分层规则是固定的，不做学习式调整：
//   - required：蓝图核心摘要、角色名单、本章大纲、上一章末尾原文
//   - important：大纲提及角色的状态事实、高优先级伏笔线
//   - reference：世界观设定、全部剩余召回分片、低优先级伏笔线
type ContextBuilder struct {
	opts Options
}

// NewContextBuilder 创建上下文装配器
func NewContextBuilder(opts Options) *ContextBuilder {
	return &ContextBuilder{opts: opts.normalize()}
}

// BuildInput 装配输入
type BuildInput struct {
	Request *GenerationRequest
	Chunks  []ScoredChunk
	// OutlineCharacters 大纲提及的角色（查询构造阶段已算出，复用其顺序）
	OutlineCharacters []string
	CharacterStates   []*entity.CharacterState
	Threads           []*entity.Foreshadowing
}

// Build 装配三层上下文（未压缩）。层内顺序：
// 结构化事实按固定规范顺序，分片保持复合分排序。
func (b *ContextBuilder) Build(in *BuildInput) *AssembledContext {
	req := in.Request
	ac := &AssembledContext{
		Required:  ContextLayer{Kind: LayerRequired},
		Important: ContextLayer{Kind: LayerImportant},
		Reference: ContextLayer{Kind: LayerReference},
	}

	// ---- required：永不可丢弃 ----
	b.appendItem(&ac.Required, ContextItem{
		Kind: ItemBlueprint,
		Ref:  req.Blueprint.Title,
		Text: req.Blueprint.CoreSummary,
	})
	if len(req.Blueprint.Roster) > 0 {
		b.appendItem(&ac.Required, ContextItem{
			Kind: ItemRoster,
			Text: "登场角色：" + strings.Join(req.Blueprint.Roster, "、"),
		})
	}
	b.appendItem(&ac.Required, ContextItem{
		Kind: ItemOutline,
		Text: req.Outline,
	})
	b.appendItem(&ac.Required, ContextItem{
		Kind: ItemPreviousTail,
		Text: tailOf(req.PreviousTail, b.opts.PreviousTailChars),
	})

	// ---- important：可截断，不可整条静默丢弃 ----
	outlineNamed := make(map[string]struct{}, len(in.OutlineCharacters))
	for _, n := range in.OutlineCharacters {
		outlineNamed[n] = struct{}{}
	}
	for _, cs := range in.CharacterStates {
		if cs == nil || len(cs.Facts) == 0 {
			continue
		}
		if _, ok := outlineNamed[cs.CharacterName]; !ok {
			continue
		}
		b.appendItem(&ac.Important, ContextItem{
			Kind: ItemCharacterFact,
			Ref:  cs.CharacterName,
			Text: formatCharacterState(cs),
		})
	}
	for _, t := range in.Threads {
		if t == nil || !t.Retrievable() {
			continue
		}
		if t.Priority != entity.ForeshadowingPriorityHigh {
			continue
		}
		b.appendItem(&ac.Important, ContextItem{
			Kind: ItemForeshadowing,
			Ref:  t.ThreadID,
			Text: formatThread(t),
		})
	}

	// ---- reference：总是可丢弃 ----
	b.appendItem(&ac.Reference, ContextItem{
		Kind:      ItemWorldSetting,
		Text:      req.Blueprint.WorldSetting,
		Droppable: true,
	})
	for _, c := range in.Chunks {
		b.appendItem(&ac.Reference, ContextItem{
			Kind:      ItemChunk,
			Ref:       c.ChunkID,
			Text:      fmt.Sprintf("（第%d章）%s", c.ChapterNumber, c.Text),
			Droppable: true,
		})
	}
	for _, t := range in.Threads {
		if t == nil || !t.Retrievable() {
			continue
		}
		if t.Priority == entity.ForeshadowingPriorityHigh {
			continue
		}
		b.appendItem(&ac.Reference, ContextItem{
			Kind:      ItemForeshadowing,
			Ref:       t.ThreadID,
			Text:      formatThread(t),
			Droppable: true,
		})
	}

	for _, layer := range ac.Layers() {
		metrics.ContextLayerTokens.WithLabelValues(string(layer.Kind)).Observe(float64(layer.Tokens()))
	}
	return ac
}

// appendItem 估算 token 并按追加顺序赋层内优先级；空文本直接忽略。
func (b *ContextBuilder) appendItem(layer *ContextLayer, item ContextItem) {
	if strings.TrimSpace(item.Text) == "" {
		return
	}
	item.TokenEstimate = EstimateTokens(item.Text, b.opts.CharsPerToken)
	item.Priority = len(layer.Items)
	layer.Items = append(layer.Items, item)
}

// tailOf 截取末尾 maxChars 个字符（按 rune 计）
func tailOf(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[len(runes)-maxChars:])
}

func formatCharacterState(cs *entity.CharacterState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s（截至第%d章）：\n", cs.CharacterName, cs.AsOfChapter)
	for _, f := range cs.Facts {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatThread(t *entity.Foreshadowing) string {
	return fmt.Sprintf("伏笔[%s]（第%d章埋设，最近第%d章触及）：%s",
		t.Status, t.IntroducedChapter, t.LastTouchedChapter, t.Description)
}
