// Package pipeline 实现章节生成的上下文构造流水线：
// 查询构造 -> 时间感知检索 -> 分层装配 -> 预算压缩。
package pipeline

import (
	"math"
	"unicode/utf8"

	"inkverse-context-api/internal/domain/entity"
)

// QueryDimension 检索查询维度
type QueryDimension string

const (
	DimensionMain          QueryDimension = "main"
	DimensionCharacter     QueryDimension = "character"
	DimensionForeshadowing QueryDimension = "foreshadowing"
	DimensionScene         QueryDimension = "scene"
)

// 每个维度对最终排序的贡献权重
const (
	weightMain          = 1.0
	weightCharacter     = 0.7
	weightForeshadowing = 0.8
	weightScene         = 0.5
)

// QueryFilters 查询过滤条件
type QueryFilters struct {
	CharacterNames   []string
	ThreadIDs        []string
	MaxChapterNumber int
}

// RetrievalQuery 一条类型化检索查询
type RetrievalQuery struct {
	Dimension QueryDimension
	Text      string
	Filters   QueryFilters
	Weight    float64
}

// RetrievedChunk 向量库召回的单个分片；单次请求内不可变。
type RetrievedChunk struct {
	ChunkID       string
	ChapterNumber int
	Text          string
	Similarity    float64
	Dimension     QueryDimension
	Characters    []string
	ThreadIDs     []string
}

// ScoredChunk 召回分片 + 复合得分
// composite = base_similarity * recency_weight * query_weight
type ScoredChunk struct {
	RetrievedChunk
	CompositeScore float64
}

// LayerKind 上下文分层
type LayerKind string

const (
	LayerRequired  LayerKind = "required"
	LayerImportant LayerKind = "important"
	LayerReference LayerKind = "reference"
)

// ItemKind 上下文条目来源类别（决定层内固定顺序与诊断标签）
type ItemKind string

const (
	ItemBlueprint     ItemKind = "blueprint"
	ItemRoster        ItemKind = "roster"
	ItemOutline       ItemKind = "outline"
	ItemPreviousTail  ItemKind = "previous_tail"
	ItemCharacterFact ItemKind = "character_state"
	ItemForeshadowing ItemKind = "foreshadowing"
	ItemWorldSetting  ItemKind = "world_setting"
	ItemChunk         ItemKind = "chunk"
)

// ContextItem 分层上下文中的单个条目
type ContextItem struct {
	Kind ItemKind
	// Ref 来源标识（chunk_id / 角色名 / thread_id），用于 manifest 对账
	Ref           string
	Text          string
	TokenEstimate int
	// Priority 层内优先级，小者先；压缩从大者开始处理
	Priority  int
	Droppable bool
}

// ContextLayer 单个优先级层
type ContextLayer struct {
	Kind  LayerKind
	Items []ContextItem
}

// Tokens 该层的 token 估算合计
func (l *ContextLayer) Tokens() int {
	total := 0
	for i := range l.Items {
		total += l.Items[i].TokenEstimate
	}
	return total
}

// AssembledContext 压缩后的最终上下文
type AssembledContext struct {
	Required  ContextLayer
	Important ContextLayer
	Reference ContextLayer
	Manifest  Manifest
}

// TotalTokens 三层合计的 token 估算
func (a *AssembledContext) TotalTokens() int {
	return a.Required.Tokens() + a.Important.Tokens() + a.Reference.Tokens()
}

// Layers 按优先级顺序返回三层
func (a *AssembledContext) Layers() []*ContextLayer {
	return []*ContextLayer{&a.Required, &a.Important, &a.Reference}
}

// QueryReport 单条查询的执行记录
type QueryReport struct {
	Dimension  QueryDimension `json:"dimension"`
	Text       string         `json:"text"`
	ChunkCount int            `json:"chunk_count"`
	Failed     bool           `json:"failed,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
}

// ManifestEntry 压缩阶段对单个条目的处置记录
type ManifestEntry struct {
	Layer       LayerKind `json:"layer"`
	Kind        ItemKind  `json:"kind"`
	Ref         string    `json:"ref,omitempty"`
	TokensFreed int       `json:"tokens_freed"`
}

// Manifest 本次装配的可观测清单：执行了哪些查询、各返回多少分片、
// 压缩丢弃/截断了什么。用于日志与测试断言。
type Manifest struct {
	Queries      []QueryReport   `json:"queries"`
	Warnings     []string        `json:"warnings,omitempty"`
	Dropped      []ManifestEntry `json:"dropped,omitempty"`
	Truncated    []ManifestEntry `json:"truncated,omitempty"`
	TokensBefore int             `json:"tokens_before"`
	TokensAfter  int             `json:"tokens_after"`
	TokenBudget  int             `json:"token_budget"`
}

// GenerationRequest 一次章节生成请求的流水线输入
type GenerationRequest struct {
	ProjectID     string
	TargetChapter int

	Blueprint entity.Blueprint
	// Outline 本章大纲；可为空，查询构造会退化到蓝图摘要。
	Outline string
	// ChapterSummary 本章一句话概要（与大纲共同构成 main 查询）
	ChapterSummary string
	// PreviousTail 上一章末尾原文
	PreviousTail string
	// Scene 大纲给出的场景定位；为空则不发 scene 查询
	Scene entity.SceneHint

	// TokenBudget 覆盖配置默认预算；<=0 使用配置值
	TokenBudget int
}

// Options 流水线可调参数
type Options struct {
	TopKPerQuery        int
	GlobalTopN          int
	DecayBase           float64
	GraceWindowChapters int
	MaxCharacterQueries int
	TokenBudget         int
	CharsPerToken       float64
	PreviousTailChars   int
	MaxConcurrency      int
	RetryAttempts       int
	RetryInitialBackoff float64 // 秒
	RetryMaxBackoff     float64 // 秒
	RetryMultiplier     float64
}

// DefaultOptions 返回默认参数
func DefaultOptions() Options {
	return Options{
		TopKPerQuery:        8,
		GlobalTopN:          20,
		DecayBase:           0.98,
		GraceWindowChapters: 3,
		MaxCharacterQueries: 5,
		TokenBudget:         24000,
		CharsPerToken:       2.5,
		PreviousTailChars:   500,
		MaxConcurrency:      8,
		RetryAttempts:       3,
		RetryInitialBackoff: 0.2,
		RetryMaxBackoff:     2.0,
		RetryMultiplier:     2.0,
	}
}

// normalize 补齐非法/缺省值
func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.TopKPerQuery <= 0 {
		o.TopKPerQuery = def.TopKPerQuery
	}
	if o.GlobalTopN <= 0 {
		o.GlobalTopN = def.GlobalTopN
	}
	if o.DecayBase <= 0 || o.DecayBase > 1 {
		o.DecayBase = def.DecayBase
	}
	if o.GraceWindowChapters < 0 {
		o.GraceWindowChapters = def.GraceWindowChapters
	}
	if o.MaxCharacterQueries <= 0 {
		o.MaxCharacterQueries = def.MaxCharacterQueries
	}
	if o.TokenBudget <= 0 {
		o.TokenBudget = def.TokenBudget
	}
	if o.CharsPerToken <= 0 {
		o.CharsPerToken = def.CharsPerToken
	}
	if o.PreviousTailChars <= 0 {
		o.PreviousTailChars = def.PreviousTailChars
	}
	if o.MaxConcurrency <= 0 || o.MaxConcurrency > 8 {
		o.MaxConcurrency = def.MaxConcurrency
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = def.RetryAttempts
	}
	if o.RetryInitialBackoff <= 0 {
		o.RetryInitialBackoff = def.RetryInitialBackoff
	}
	if o.RetryMaxBackoff <= 0 {
		o.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if o.RetryMultiplier <= 1 {
		o.RetryMultiplier = def.RetryMultiplier
	}
	return o
}

// EstimateTokens 按字符数估算 token：ceil(runes / charsPerToken)。
// 避免引入精确分词器依赖；估算只需与预算同尺度。
func EstimateTokens(text string, charsPerToken float64) int {
	if text == "" {
		return 0
	}
	if charsPerToken <= 0 {
		charsPerToken = DefaultOptions().CharsPerToken
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / charsPerToken))
}
