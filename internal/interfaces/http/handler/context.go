package handler

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"inkverse-context-api/internal/application/pipeline"
	"inkverse-context-api/internal/interfaces/http/dto"
	apperrors "inkverse-context-api/pkg/errors"
	"inkverse-context-api/pkg/logger"
)

// ContextHandler 上下文构造处理器
type ContextHandler struct {
	pipeline *pipeline.Pipeline
}

// NewContextHandler 创建上下文构造处理器
func NewContextHandler(p *pipeline.Pipeline) *ContextHandler {
	return &ContextHandler{pipeline: p}
}

// BuildContext 为目标章节构造压缩后的分层上下文
// @Summary 构造章节生成上下文
// @Description 对目标章节执行查询构造、时间感知检索、分层装配与预算压缩
// @Tags Context
// @Accept json
// @Produce json
// @Param project_id path string true "项目 ID"
// @Param number path int true "目标章号"
// @Param request body dto.BuildContextRequest true "构造请求"
// @Success 200 {object} dto.Response[dto.BuildContextResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 422 {object} dto.ErrorResponse
// @Router /api/v1/projects/{project_id}/chapters/{number}/context [post]
func (h *ContextHandler) BuildContext(c *gin.Context) {
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

	var req dto.BuildContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	ac, err := h.pipeline.BuildContext(c.Request.Context(), req.ToGenerationRequest(projectID, chapter))
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrBudgetInfeasible):
			// 必需事实不允许被静默截断，预算不可行按配置错误上报
			dto.UnprocessableEntity(c, "required context exceeds token budget", &dto.ErrorDetail{
				ErrorCode: string(apperrors.CodeBudgetInfeasible),
				Details:   err.Error(),
				Suggestions: []string{
					"increase token_budget",
					"shorten blueprint core summary or roster",
				},
			})
		case errors.Is(err, pipeline.ErrVectorDisabled):
			dto.ServiceUnavailable(c, "vector retrieval is disabled")
		default:
			logger.Error(c.Request.Context(), "context build failed", err,
				"project_id", projectID,
				"target_chapter", chapter,
			)
			dto.AppError(c, apperrors.Wrap(err, apperrors.CodeRetrievalFailed, "context retrieval failed"))
		}
		return
	}

	dto.Success(c, dto.FromAssembledContext(projectID, chapter, ac))
}
