package pipeline

import (
	"strings"

	"inkverse-context-api/pkg/metrics"
)

// Compressor 对装配好的上下文执行 token 预算约束：
//  1. 总量在预算内：原样返回；
//  2. 超预算：从 reference 层按层内优先级从低到高丢弃；
//  3. 仍超：对 important 层条目从末尾截断文本，每条至少保留一句；
//  4. required 层永不丢弃、永不截断——required 独自超预算是致命配置错误。
//
// 所有丢弃/截断都会写入 manifest，供日志与测试对账。
type Compressor struct {
	opts Options
}

// NewCompressor 创建预算压缩器
func NewCompressor(opts Options) *Compressor {
	return &Compressor{opts: opts.normalize()}
}

// Compress 就地压缩 ac 并填充 manifest 的预算字段。
// required 独自超预算时返回 ErrBudgetInfeasible，此时三层内容均未被修改，
// 仅 manifest 中的预算字段已写入。
func (c *Compressor) Compress(ac *AssembledContext, budget int) error {
	if budget <= 0 {
		budget = c.opts.TokenBudget
	}

	ac.Manifest.TokenBudget = budget
	ac.Manifest.TokensBefore = ac.TotalTokens()

	if required := ac.Required.Tokens(); required > budget {
		// 静默截断必需事实会直接制造叙事矛盾，必须显式失败
		return ErrBudgetInfeasible
	}

	total := ac.TotalTokens()
	if total <= budget {
		ac.Manifest.TokensAfter = total
		return nil
	}

	// 第一步：丢弃 reference，层内优先级最低（追加最晚）的先走
	items := ac.Reference.Items
	for len(items) > 0 && total > budget {
		last := items[len(items)-1]
		items = items[:len(items)-1]
		total -= last.TokenEstimate
		ac.Manifest.Dropped = append(ac.Manifest.Dropped, ManifestEntry{
			Layer:       LayerReference,
			Kind:        last.Kind,
			Ref:         last.Ref,
			TokensFreed: last.TokenEstimate,
		})
		metrics.ContextItemsDropped.WithLabelValues(string(LayerReference)).Inc()
	}
	ac.Reference.Items = items

	// 第二步：截断 important 条目文本（从层末尾开始），每条至少保留一句
	for i := len(ac.Important.Items) - 1; i >= 0 && total > budget; i-- {
		item := &ac.Important.Items[i]
		floor := EstimateTokens(firstSentence(item.Text), c.opts.CharsPerToken)
		if floor >= item.TokenEstimate {
			continue
		}

		target := item.TokenEstimate - (total - budget)
		if target < floor {
			target = floor
		}

		truncated := truncateToTokens(item.Text, target, c.opts.CharsPerToken)
		// 截断点至少覆盖首句
		if len([]rune(truncated)) < len([]rune(firstSentence(item.Text))) {
			truncated = firstSentence(item.Text)
		}
		newTokens := EstimateTokens(truncated, c.opts.CharsPerToken)
		freed := item.TokenEstimate - newTokens
		if freed <= 0 {
			continue
		}

		total -= freed
		item.Text = truncated
		item.TokenEstimate = newTokens
		ac.Manifest.Truncated = append(ac.Manifest.Truncated, ManifestEntry{
			Layer:       LayerImportant,
			Kind:        item.Kind,
			Ref:         item.Ref,
			TokensFreed: freed,
		})
		metrics.ContextItemsTruncated.WithLabelValues(string(LayerImportant)).Inc()
	}

	ac.Manifest.TokensAfter = ac.TotalTokens()
	return nil
}

// firstSentence 返回文本的第一句（含结束标点）；找不到边界时返回整段。
func firstSentence(s string) string {
	runes := []rune(s)
	for i, r := range runes {
		switch r {
		case '。', '！', '？', '.', '!', '?', '\n':
			return strings.TrimRight(string(runes[:i+1]), "\n")
		}
	}
	return s
}

// truncateToTokens 按 token 目标截断文本末尾（按 rune 计算字符预算）
func truncateToTokens(s string, targetTokens int, charsPerToken float64) string {
	if targetTokens <= 0 {
		return ""
	}
	keepRunes := int(float64(targetTokens) * charsPerToken)
	runes := []rune(s)
	if len(runes) <= keepRunes {
		return s
	}
	return string(runes[:keepRunes])
}
