package dto

import (
	"inkverse-context-api/internal/domain/entity"
)

// CharacterFactRequest 章节分析产出的单条角色事实
type CharacterFactRequest struct {
	CharacterName string `json:"character_name" binding:"required"`
	Fact          string `json:"fact" binding:"required"`
}

// ForeshadowingMentionRequest 章节分析产出的伏笔提及
type ForeshadowingMentionRequest struct {
	ThreadID    string `json:"thread_id" binding:"required"`
	Description string `json:"description"`
	Status      string `json:"status" binding:"required"`
	Priority    string `json:"priority"`
}

// SubmitAnalysisRequest 章节定稿分析结果投递请求；
// project_id 与章号取自路径，正文用于分片重建索引。
type SubmitAnalysisRequest struct {
	ChapterTitle          string                        `json:"chapter_title"`
	ChapterText           string                        `json:"chapter_text"`
	CharacterFacts        []CharacterFactRequest        `json:"character_facts"`
	ForeshadowingMentions []ForeshadowingMentionRequest `json:"foreshadowing_mentions"`
}

// ToChapterAnalysis 转换为领域分析结果
func (r *SubmitAnalysisRequest) ToChapterAnalysis(projectID string, chapterNumber int) *entity.ChapterAnalysis {
	analysis := &entity.ChapterAnalysis{
		ProjectID:     projectID,
		ChapterNumber: chapterNumber,
		ChapterTitle:  r.ChapterTitle,
		ChapterText:   r.ChapterText,
	}
	for _, f := range r.CharacterFacts {
		analysis.CharacterFacts = append(analysis.CharacterFacts, entity.CharacterFactObservation{
			CharacterName: f.CharacterName,
			Fact:          f.Fact,
		})
	}
	for _, m := range r.ForeshadowingMentions {
		analysis.ForeshadowingMentions = append(analysis.ForeshadowingMentions, entity.ForeshadowingMention{
			ThreadID:    m.ThreadID,
			Description: m.Description,
			Status:      entity.ForeshadowingStatus(m.Status),
			Priority:    entity.ForeshadowingPriority(m.Priority),
		})
	}
	return analysis
}

// SubmitAnalysisResponse 分析投递受理回执
type SubmitAnalysisResponse struct {
	ProjectID     string `json:"project_id"`
	ChapterNumber int    `json:"chapter_number"`
	MessageID     string `json:"message_id"`
}
