package controller

import (
	"strconv"

	"school_im_backend/internal/service"
	"school_im_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// AdminController 管理员监督接口，全部要求 admin 角色
type AdminController struct {
	OversightService  *service.AdminOversightService
	ModerationService *service.ModerationService
}

func NewAdminController(oversightService *service.AdminOversightService, moderationService *service.ModerationService) *AdminController {
	return &AdminController{
		OversightService:  oversightService,
		ModerationService: moderationService,
	}
}

// ReadConversationRequest 监督读取请求，justification 必填
type ReadConversationRequest struct {
	Justification string `json:"justification" binding:"required"`
}

// ReadConversation godoc
// @Summary 监督读取会话明文
// @Description 解密整段会话；每次调用都会在同一事务内写入审计日志
// @Tags 管理
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   request body ReadConversationRequest true "访问理由"
// @Success 200 {object} util.Response "成功"
// @Failure 400 {object} util.Response "理由不能为空"
// @Failure 403 {object} util.Response "需要管理员权限"
// @Router /api/admin/conversations/{id}/messages [post]
func (ctrl *AdminController) ReadConversation(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req ReadConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, "必须说明访问理由")
		return
	}

	views, err := ctrl.OversightService.ReadConversation(c.Param("id"), claims.UserID, req.Justification, service.ClientMeta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, views)
}

// ListConversations godoc
// @Summary 全量会话列表
// @Tags 管理
// @Produce  json
// @Security ApiKeyAuth
// @Param   page query int false "页码"
// @Param   pageSize query int false "每页数量"
// @Success 200 {object} util.Response "成功"
// @Router /api/admin/conversations [get]
func (ctrl *AdminController) ListConversations(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	limit, offset := pagination(c)

	convs, total, err := ctrl.OversightService.ListConversations(claims.UserID, limit, offset)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, gin.H{"items": convs, "total": total})
}

// ListUserConversations godoc
// @Summary 某用户的全部会话
// @Description 管理端视角，含该用户已隐藏和已退出的会话
// @Tags 管理
// @Produce  json
// @Security ApiKeyAuth
// @Param   userId path int true "用户ID"
// @Param   page query int false "页码"
// @Param   pageSize query int false "每页数量"
// @Success 200 {object} util.Response "成功"
// @Router /api/admin/users/{userId}/conversations [get]
func (ctrl *AdminController) ListUserConversations(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	userID, err := strconv.ParseUint(c.Param("userId"), 10, 32)
	if err != nil {
		util.BadRequest(c, "userId 参数无效")
		return
	}
	limit, offset := pagination(c)

	convs, total, err := ctrl.OversightService.ListUserConversations(claims.UserID, uint(userID), limit, offset)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, gin.H{"items": convs, "total": total})
}

// ListAccessLogs godoc
// @Summary 监督访问审计日志
// @Tags 管理
// @Produce  json
// @Security ApiKeyAuth
// @Param   page query int false "页码"
// @Param   pageSize query int false "每页数量"
// @Success 200 {object} util.Response "成功"
// @Router /api/admin/access-logs [get]
func (ctrl *AdminController) ListAccessLogs(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	limit, offset := pagination(c)

	logs, total, err := ctrl.OversightService.ListAccessLogs(claims.UserID, limit, offset)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, gin.H{"items": logs, "total": total})
}

// ArchiveConversation godoc
// @Summary 归档会话
// @Description 只打归档标记，消息照常保留
// @Tags 管理
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Success 200 {object} util.Response "成功"
// @Failure 403 {object} util.Response "需要管理员权限"
// @Router /api/admin/conversations/{id}/archive [post]
func (ctrl *AdminController) ArchiveConversation(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	if err := ctrl.OversightService.ArchiveConversation(claims.UserID, c.Param("id")); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// RunArchive godoc
// @Summary 手动触发消息归档
// @Description 把超期消息迁入归档表，可安全重跑
// @Tags 管理
// @Produce  json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=object} "成功"
// @Router /api/admin/maintenance/archive [post]
func (ctrl *AdminController) RunArchive(c *gin.Context) {
	n, err := ctrl.OversightService.ArchiveOldMessages()
	if err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Success(c, gin.H{"archived": n})
}

// RunLogPurge godoc
// @Summary 手动触发审计日志清理
// @Tags 管理
// @Produce  json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=object} "成功"
// @Router /api/admin/maintenance/purge-logs [post]
func (ctrl *AdminController) RunLogPurge(c *gin.Context) {
	n, err := ctrl.OversightService.PurgeOldAccessLogs()
	if err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Success(c, gin.H{"purged": n})
}

// ModerationWordRequest 审核词条请求
type ModerationWordRequest struct {
	Word string `json:"word" binding:"required"`
	Kind string `json:"kind" binding:"required,oneof=blocked whitelist"`
}

// AddModerationWord godoc
// @Summary 新增审核词条
// @Tags 管理
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   request body ModerationWordRequest true "词条"
// @Success 201 {object} util.Response "成功"
// @Router /api/admin/moderation/words [post]
func (ctrl *AdminController) AddModerationWord(c *gin.Context) {
	var req ModerationWordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}
	if err := ctrl.ModerationService.AddWord(req.Word, req.Kind); err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Created(c, nil)
}

// RemoveModerationWord godoc
// @Summary 停用审核词条
// @Tags 管理
// @Produce  json
// @Security ApiKeyAuth
// @Param   word path string true "词条"
// @Success 200 {object} util.Response "成功"
// @Router /api/admin/moderation/words/{word} [delete]
func (ctrl *AdminController) RemoveModerationWord(c *gin.Context) {
	if err := ctrl.ModerationService.RemoveWord(c.Param("word")); err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Success(c, nil)
}
