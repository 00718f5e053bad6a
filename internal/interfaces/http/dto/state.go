package dto

import (
	"time"

	"inkverse-context-api/internal/domain/entity"
)

// CharacterStateResponse 角色最新已知状态
type CharacterStateResponse struct {
	ProjectID          string    `json:"project_id"`
	CharacterName      string    `json:"character_name"`
	AsOfChapter        int       `json:"as_of_chapter"`
	Facts              []string  `json:"facts"`
	LastUpdatedChapter int       `json:"last_updated_chapter"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// FromCharacterState 转换角色状态实体
func FromCharacterState(s *entity.CharacterState) *CharacterStateResponse {
	return &CharacterStateResponse{
		ProjectID:          s.ProjectID,
		CharacterName:      s.CharacterName,
		AsOfChapter:        s.AsOfChapter,
		Facts:              s.Facts,
		LastUpdatedChapter: s.LastUpdatedChapter,
		UpdatedAt:          s.UpdatedAt,
	}
}

// CharacterStateAuditResponse 角色状态历史版本
type CharacterStateAuditResponse struct {
	AsOfChapter int       `json:"as_of_chapter"`
	Facts       []string  `json:"facts"`
	CreatedAt   time.Time `json:"created_at"`
}

// CharacterStateDetailResponse 角色状态 + 可选历史
type CharacterStateDetailResponse struct {
	State   *CharacterStateResponse       `json:"state"`
	History []CharacterStateAuditResponse `json:"history,omitempty"`
}

// ForeshadowingResponse 伏笔线
type ForeshadowingResponse struct {
	ThreadID           string    `json:"thread_id"`
	Description        string    `json:"description"`
	Status             string    `json:"status"`
	Priority           string    `json:"priority"`
	IntroducedChapter  int       `json:"introduced_chapter"`
	LastTouchedChapter int       `json:"last_touched_chapter"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// FromForeshadowing 转换伏笔线实体
func FromForeshadowing(f *entity.Foreshadowing) ForeshadowingResponse {
	return ForeshadowingResponse{
		ThreadID:           f.ThreadID,
		Description:        f.Description,
		Status:             string(f.Status),
		Priority:           string(f.Priority),
		IntroducedChapter:  f.IntroducedChapter,
		LastTouchedChapter: f.LastTouchedChapter,
		UpdatedAt:          f.UpdatedAt,
	}
}

// ListForeshadowingResponse 项目伏笔线列表
type ListForeshadowingResponse struct {
	ProjectID string                  `json:"project_id"`
	Threads   []ForeshadowingResponse `json:"threads"`
}
