package handler

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"inkverse-context-api/internal/domain/repository"
	"inkverse-context-api/internal/interfaces/http/dto"
	apperrors "inkverse-context-api/pkg/errors"
	"inkverse-context-api/pkg/logger"
)

// StateHandler 派生索引查询处理器（角色状态 + 伏笔线）
type StateHandler struct {
	state  repository.StateRepository
	audits repository.StateAuditRepository
}

// NewStateHandler 创建派生索引查询处理器；audits 可为 nil（历史查询降级为空）。
func NewStateHandler(state repository.StateRepository, audits repository.StateAuditRepository) *StateHandler {
	return &StateHandler{
		state:  state,
		audits: audits,
	}
}

// GetCharacterState 查询角色最新已知状态
// @Summary 查询角色状态
// @Description 读取角色的最新派生状态；history=true 时附带审计历史
// @Tags State
// @Produce json
// @Param project_id path string true "项目 ID"
// @Param name path string true "角色名"
// @Param history query bool false "是否附带历史版本"
// @Param history_limit query int false "历史版本条数上限"
// @Success 200 {object} dto.Response[dto.CharacterStateDetailResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Router /api/v1/projects/{project_id}/characters/{name}/state [get]
func (h *StateHandler) GetCharacterState(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("project_id"))
	name := strings.TrimSpace(c.Param("name"))
	if projectID == "" || name == "" {
		dto.BadRequest(c, "project_id and character name are required")
		return
	}

	state, err := h.state.GetCharacterState(c.Request.Context(), projectID, name)
	if err != nil {
		logger.Error(c.Request.Context(), "character state read failed", err,
			"project_id", projectID,
			"character", name,
		)
		dto.AppError(c, apperrors.Wrap(err, apperrors.CodeCacheError, "character state read failed"))
		return
	}
	if state == nil {
		dto.NotFound(c, "character state not found")
		return
	}

	resp := dto.CharacterStateDetailResponse{
		State: dto.FromCharacterState(state),
	}

	if parseBoolQuery(c.Query("history")) && h.audits != nil {
		limit, _ := strconv.Atoi(c.Query("history_limit"))
		audits, err := h.audits.ListByCharacter(c.Request.Context(), projectID, name, limit)
		if err != nil {
			// 审计库不可用不阻断主查询
			logger.Warn(c.Request.Context(), "state audit history unavailable",
				"project_id", projectID,
				"character", name,
				"error", err.Error(),
			)
		} else {
			for _, a := range audits {
				resp.History = append(resp.History, dto.CharacterStateAuditResponse{
					AsOfChapter: a.AsOfChapter,
					Facts:       a.Facts,
					CreatedAt:   a.CreatedAt,
				})
			}
		}
	}

	dto.Success(c, resp)
}

// ListForeshadowing 列出项目伏笔线
// @Summary 列出伏笔线
// @Description 列出项目全部伏笔线；默认排除 resolved 终态
// @Tags State
// @Produce json
// @Param project_id path string true "项目 ID"
// @Param include_resolved query bool false "是否包含已回收伏笔"
// @Success 200 {object} dto.Response[dto.ListForeshadowingResponse]
// @Router /api/v1/projects/{project_id}/foreshadowing [get]
func (h *StateHandler) ListForeshadowing(c *gin.Context) {
	projectID := strings.TrimSpace(c.Param("project_id"))
	if projectID == "" {
		dto.BadRequest(c, "project_id is required")
		return
	}

	threads, err := h.state.ListForeshadowing(c.Request.Context(), projectID, parseBoolQuery(c.Query("include_resolved")))
	if err != nil {
		logger.Error(c.Request.Context(), "foreshadowing list failed", err, "project_id", projectID)
		dto.AppError(c, apperrors.Wrap(err, apperrors.CodeCacheError, "foreshadowing list failed"))
		return
	}

	resp := dto.ListForeshadowingResponse{
		ProjectID: projectID,
		Threads:   make([]dto.ForeshadowingResponse, 0, len(threads)),
	}
	for _, t := range threads {
		resp.Threads = append(resp.Threads, dto.FromForeshadowing(t))
	}

	dto.Success(c, resp)
}
