package entity

import (
	"time"
)

// ForeshadowingStatus 伏笔线状态
type ForeshadowingStatus string

const (
	ForeshadowingStatusOpen     ForeshadowingStatus = "open"
	ForeshadowingStatusPlanted  ForeshadowingStatus = "planted"
	ForeshadowingStatusActive   ForeshadowingStatus = "active"
	ForeshadowingStatusResolved ForeshadowingStatus = "resolved"
)

// statusRank 状态只允许前进，不允许回退；resolved 为终态。
var statusRank = map[ForeshadowingStatus]int{
	ForeshadowingStatusOpen:     0,
	ForeshadowingStatusPlanted:  1,
	ForeshadowingStatusActive:   2,
	ForeshadowingStatusResolved: 3,
}

// Valid 判断状态是否为已知值
func (s ForeshadowingStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo 判断能否从当前状态推进到 next
func (s ForeshadowingStatus) CanAdvanceTo(next ForeshadowingStatus) bool {
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// ForeshadowingPriority 伏笔线优先级
type ForeshadowingPriority string

const (
	ForeshadowingPriorityHigh   ForeshadowingPriority = "high"
	ForeshadowingPriorityMedium ForeshadowingPriority = "medium"
	ForeshadowingPriorityLow    ForeshadowingPriority = "low"
)

// Valid 判断优先级是否为已知值
func (p ForeshadowingPriority) Valid() bool {
	switch p {
	case ForeshadowingPriorityHigh, ForeshadowingPriorityMedium, ForeshadowingPriorityLow:
		return true
	}
	return false
}

// PriorityRank 优先级排序权重，高优先级数值小
func (p ForeshadowingPriority) PriorityRank() int {
	switch p {
	case ForeshadowingPriorityHigh:
		return 0
	case ForeshadowingPriorityMedium:
		return 1
	default:
		return 2
	}
}

// Foreshadowing 伏笔线（派生索引条目）
// 生命周期：首次出现即 planted，向前推进至 active，终止于 resolved；
// resolved 之后默认不再进入检索，仅保留历史。
type Foreshadowing struct {
	ProjectID          string                `json:"project_id"`
	ThreadID           string                `json:"thread_id"`
	Description        string                `json:"description"`
	Status             ForeshadowingStatus   `json:"status"`
	Priority           ForeshadowingPriority `json:"priority"`
	IntroducedChapter  int                   `json:"introduced_chapter"`
	LastTouchedChapter int                   `json:"last_touched_chapter"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// NewForeshadowing 创建伏笔线条目；首次检测即进入 planted。
func NewForeshadowing(projectID, threadID, description string, priority ForeshadowingPriority, chapter int) *Foreshadowing {
	if !priority.Valid() {
		priority = ForeshadowingPriorityMedium
	}
	return &Foreshadowing{
		ProjectID:          projectID,
		ThreadID:           threadID,
		Description:        description,
		Status:             ForeshadowingStatusPlanted,
		Priority:           priority,
		IntroducedChapter:  chapter,
		LastTouchedChapter: chapter,
		UpdatedAt:          time.Now(),
	}
}

// Advance 尝试推进状态；回退请求被忽略并返回 false。
func (f *Foreshadowing) Advance(next ForeshadowingStatus, chapter int) bool {
	if f == nil {
		return false
	}
	if chapter > f.LastTouchedChapter {
		f.LastTouchedChapter = chapter
	}
	if !f.Status.CanAdvanceTo(next) {
		return false
	}
	f.Status = next
	f.UpdatedAt = time.Now()
	return true
}

// Retrievable 是否参与检索：resolved 默认排除。
func (f *Foreshadowing) Retrievable() bool {
	return f != nil && f.Status != ForeshadowingStatusResolved
}
