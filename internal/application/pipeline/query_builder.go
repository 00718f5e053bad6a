package pipeline

import (
	"sort"
	"strings"

	"inkverse-context-api/internal/domain/entity"
	"inkverse-context-api/pkg/metrics"
)

// QueryBuilder 将章节生成请求转换为一组类型化检索查询
type QueryBuilder struct {
	opts Options
}

// NewQueryBuilder 创建查询构造器
func NewQueryBuilder(opts Options) *QueryBuilder {
	return &QueryBuilder{opts: opts.normalize()}
}

// Build 构造本次请求的查询列表。
// 顺序固定：main -> character... -> foreshadowing... -> scene。
// 大纲为空时 main 查询退化为蓝图摘要，永不返回空列表。
func (b *QueryBuilder) Build(req *GenerationRequest, threads []*entity.Foreshadowing) []RetrievalQuery {
	maxChapter := req.TargetChapter - 1

	queries := make([]RetrievalQuery, 0, 8)

	// main：大纲 + 章节概要；两者皆空时回退到蓝图一句话摘要
	mainText := joinNonEmpty("\n", strings.TrimSpace(req.Outline), strings.TrimSpace(req.ChapterSummary))
	if mainText == "" {
		mainText = strings.TrimSpace(req.Blueprint.CoreSummary)
	}
	queries = append(queries, RetrievalQuery{
		Dimension: DimensionMain,
		Text:      mainText,
		Filters:   QueryFilters{MaxChapterNumber: maxChapter},
		Weight:    weightMain,
	})

	// character：大纲中按首次提及顺序出现的花名册角色，超出上限的直接丢弃
	for _, name := range b.outlineCharacters(req) {
		queries = append(queries, RetrievalQuery{
			Dimension: DimensionCharacter,
			Text:      name + "\n" + mainText,
			Filters: QueryFilters{
				CharacterNames:   []string{name},
				MaxChapterNumber: maxChapter,
			},
			Weight: weightCharacter,
		})
	}

	// foreshadowing：high/medium 且 planted/active；
	// 排序为优先级在前、last_touched 升序在后——最久未触碰的线最先被拉回。
	for _, t := range b.eligibleThreads(threads) {
		queries = append(queries, RetrievalQuery{
			Dimension: DimensionForeshadowing,
			Text:      t.Description,
			Filters: QueryFilters{
				ThreadIDs:        []string{t.ThreadID},
				MaxChapterNumber: maxChapter,
			},
			Weight: weightForeshadowing,
		})
	}

	// scene：大纲显式给出场景定位时才发
	if !req.Scene.Empty() {
		queries = append(queries, RetrievalQuery{
			Dimension: DimensionScene,
			Text:      joinNonEmpty(" ", req.Scene.Location, req.Scene.TimeOfDay),
			Filters:   QueryFilters{MaxChapterNumber: maxChapter},
			Weight:    weightScene,
		})
	}

	for i := range queries {
		metrics.PipelineQueriesBuilt.WithLabelValues(string(queries[i].Dimension)).Inc()
	}
	return queries
}

// outlineCharacters 返回大纲中提及的花名册角色，按首次提及位置排序，
// 截断到 MaxCharacterQueries。不做合并：稀释的查询不如少发几条。
func (b *QueryBuilder) outlineCharacters(req *GenerationRequest) []string {
	outline := req.Outline
	if strings.TrimSpace(outline) == "" {
		return nil
	}

	type mention struct {
		name string
		pos  int
	}
	mentions := make([]mention, 0, len(req.Blueprint.Roster))
	seen := make(map[string]struct{}, len(req.Blueprint.Roster))
	for _, name := range req.Blueprint.Roster {
		n := strings.TrimSpace(name)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		if pos := strings.Index(outline, n); pos >= 0 {
			mentions = append(mentions, mention{name: n, pos: pos})
		}
	}

	sort.SliceStable(mentions, func(i, j int) bool {
		if mentions[i].pos != mentions[j].pos {
			return mentions[i].pos < mentions[j].pos
		}
		return mentions[i].name < mentions[j].name
	})

	if len(mentions) > b.opts.MaxCharacterQueries {
		mentions = mentions[:b.opts.MaxCharacterQueries]
	}

	names := make([]string, 0, len(mentions))
	for _, m := range mentions {
		names = append(names, m.name)
	}
	return names
}

// eligibleThreads 过滤并排序参与查询的伏笔线
func (b *QueryBuilder) eligibleThreads(threads []*entity.Foreshadowing) []*entity.Foreshadowing {
	out := make([]*entity.Foreshadowing, 0, len(threads))
	for _, t := range threads {
		if t == nil {
			continue
		}
		if t.Priority != entity.ForeshadowingPriorityHigh && t.Priority != entity.ForeshadowingPriorityMedium {
			continue
		}
		if t.Status != entity.ForeshadowingStatusPlanted && t.Status != entity.ForeshadowingStatusActive {
			continue
		}
		out = append(out, t)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority.PriorityRank() != out[j].Priority.PriorityRank() {
			return out[i].Priority.PriorityRank() < out[j].Priority.PriorityRank()
		}
		if out[i].LastTouchedChapter != out[j].LastTouchedChapter {
			return out[i].LastTouchedChapter < out[j].LastTouchedChapter
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
