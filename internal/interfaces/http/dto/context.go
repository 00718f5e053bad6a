package dto

import (
	"inkverse-context-api/internal/application/pipeline"
	"inkverse-context-api/internal/domain/entity"
)

// BlueprintRequest 项目蓝图（请求内嵌）
type BlueprintRequest struct {
	Title        string   `json:"title"`
	CoreSummary  string   `json:"core_summary" binding:"required"`
	WorldSetting string   `json:"world_setting"`
	Roster       []string `json:"roster"`
}

// SceneRequest 大纲给出的场景定位
type SceneRequest struct {
	Location  string `json:"location"`
	TimeOfDay string `json:"time_of_day"`
}

// BuildContextRequest 上下文构造请求；project_id 与章号取自路径。
type BuildContextRequest struct {
	Blueprint      BlueprintRequest `json:"blueprint" binding:"required"`
	Outline        string           `json:"outline"`
	ChapterSummary string           `json:"chapter_summary"`
	PreviousTail   string           `json:"previous_tail"`
	Scene          *SceneRequest    `json:"scene"`
	// TokenBudget 覆盖服务端默认预算；<=0 使用配置值
	TokenBudget int `json:"token_budget"`
}

// ToGenerationRequest 转换为流水线输入
func (r *BuildContextRequest) ToGenerationRequest(projectID string, targetChapter int) *pipeline.GenerationRequest {
	req := &pipeline.GenerationRequest{
		ProjectID:     projectID,
		TargetChapter: targetChapter,
		Blueprint: entity.Blueprint{
			ProjectID:    projectID,
			Title:        r.Blueprint.Title,
			CoreSummary:  r.Blueprint.CoreSummary,
			WorldSetting: r.Blueprint.WorldSetting,
			Roster:       r.Blueprint.Roster,
		},
		Outline:        r.Outline,
		ChapterSummary: r.ChapterSummary,
		PreviousTail:   r.PreviousTail,
		TokenBudget:    r.TokenBudget,
	}
	if r.Scene != nil {
		req.Scene = entity.SceneHint{
			Location:  r.Scene.Location,
			TimeOfDay: r.Scene.TimeOfDay,
		}
	}
	return req
}

// ContextItemResponse 分层上下文条目
type ContextItemResponse struct {
	Kind          string `json:"kind"`
	Ref           string `json:"ref,omitempty"`
	Text          string `json:"text"`
	TokenEstimate int    `json:"token_estimate"`
}

// ContextLayerResponse 单个优先级层
type ContextLayerResponse struct {
	Kind   string                `json:"kind"`
	Tokens int                   `json:"tokens"`
	Items  []ContextItemResponse `json:"items"`
}

// BuildContextResponse 压缩后的分层上下文
type BuildContextResponse struct {
	ProjectID     string                 `json:"project_id"`
	TargetChapter int                    `json:"target_chapter"`
	TotalTokens   int                    `json:"total_tokens"`
	Layers        []ContextLayerResponse `json:"layers"`
	Manifest      pipeline.Manifest      `json:"manifest"`
}

// FromAssembledContext 转换流水线输出
func FromAssembledContext(projectID string, targetChapter int, ac *pipeline.AssembledContext) *BuildContextResponse {
	resp := &BuildContextResponse{
		ProjectID:     projectID,
		TargetChapter: targetChapter,
		TotalTokens:   ac.TotalTokens(),
		Manifest:      ac.Manifest,
	}
	for _, layer := range ac.Layers() {
		lr := ContextLayerResponse{
			Kind:   string(layer.Kind),
			Tokens: layer.Tokens(),
			Items:  make([]ContextItemResponse, 0, len(layer.Items)),
		}
		for _, item := range layer.Items {
			lr.Items = append(lr.Items, ContextItemResponse{
				Kind:          string(item.Kind),
				Ref:           item.Ref,
				Text:          item.Text,
				TokenEstimate: item.TokenEstimate,
			})
		}
		resp.Layers = append(resp.Layers, lr)
	}
	return resp
}
