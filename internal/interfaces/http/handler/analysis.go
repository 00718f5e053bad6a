package handler

import (
	"strings"

	"github.com/gin-gonic/gin"

	"inkverse-context-api/internal/infrastructure/messaging"
	"inkverse-context-api/internal/interfaces/http/dto"
	apperrors "inkverse-context-api/pkg/errors"
	"inkverse-context-api/pkg/logger"
)

// AnalysisHandler 章节分析结果投递处理器。
// 仅做校验与入队，索引更新由消费端异步完成。
type AnalysisHandler struct {
	producer *messaging.Producer
}

// NewAnalysisHandler 创建分析投递处理器
func NewAnalysisHandler(producer *messaging.Producer) *AnalysisHandler {
	return &AnalysisHandler{producer: producer}
}

// SubmitAnalysis 投递章节定稿分析结果
// @Summary 投递章节分析结果
// @Description 将定稿章节的结构化分析结果入队，由索引器异步更新派生索引与向量分片
// @Tags Analysis
// @Accept json
// @Produce json
// @Param project_id path string true "项目 ID"
// @Param number path int true "章号"
// @Param request body dto.SubmitAnalysisRequest true "分析结果"
// @Success 202 {object} dto.Response[dto.SubmitAnalysisResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Router /api/v1/projects/{project_id}/chapters/{number}/analysis [post]
func (h *AnalysisHandler) SubmitAnalysis(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("project_id"))
	if projectID == "" {
		dto.BadRequest(c, "project_id is required")
		return
	}

	chapter, err := parseChapterNumber(c.Param("number"))
	if err != nil {
		dto.BadRequest(c, err.Error())
		return
	}

	var req dto.SubmitAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	msgID, err := h.producer.PublishChapterAnalyzed(c.Request.Context(), req.ToChapterAnalysis(projectID, chapter))
	if err != nil {
		logger.Error(c.Request.Context(), "publish chapter analysis failed", err,
			"project_id", projectID,
			"chapter_number", chapter,
		)
		dto.AppError(c, apperrors.Wrap(err, apperrors.CodeIndexWriteFailed, "analysis enqueue failed"))
		return
	}

	dto.Accepted(c, dto.SubmitAnalysisResponse{
		ProjectID:     projectID,
		ChapterNumber: chapter,
		MessageID:     msgID,
	})
}
