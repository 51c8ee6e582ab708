package controller

import (
	"strconv"

	"school_im_backend/internal/model"
	"school_im_backend/internal/service"
	"school_im_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type BroadcastController struct {
	BroadcastService *service.BroadcastService
}

func NewBroadcastController(broadcastService *service.BroadcastService) *BroadcastController {
	return &BroadcastController{
		BroadcastService: broadcastService,
	}
}

// SendBroadcastRequest 发送广播请求
type SendBroadcastRequest struct {
	Title        string `json:"title" binding:"required" example:"期中考试安排"`
	Content      string `json:"content" binding:"required"`
	AudienceMask int    `json:"audienceMask" binding:"required" example:"1"`
}

// Send godoc
// @Summary 发送广播
// @Description 面向角色掩码指定的受众发送广播，受众在发送时冻结
// @Tags 广播
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   request body SendBroadcastRequest true "广播内容"
// @Success 201 {object} util.Response "已发送"
// @Failure 403 {object} util.Response "当前角色无广播权限"
// @Failure 422 {object} util.Response "内容被审核拦截"
// @Router /api/broadcasts [post]
func (ctrl *BroadcastController) Send(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req SendBroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	view, err := ctrl.BroadcastService.Send(claims.UserID, model.AudienceMask(req.AudienceMask), req.Title, req.Content)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Created(c, view)
}

// List godoc
// @Summary 收到的广播
// @Tags 广播
// @Produce  json
// @Security ApiKeyAuth
// @Param   page query int false "页码"
// @Param   pageSize query int false "每页数量"
// @Success 200 {object} util.Response "成功"
// @Router /api/broadcasts [get]
func (ctrl *BroadcastController) List(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	limit, offset := pagination(c)

	views, total, err := ctrl.BroadcastService.GetForUser(claims.UserID, limit, offset)
	if err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Success(c, gin.H{"items": views, "total": total})
}

// ListSent godoc
// @Summary 发出的广播
// @Description 发送者视角的广播列表，含已读统计
// @Tags 广播
// @Produce  json
// @Security ApiKeyAuth
// @Param   page query int false "页码"
// @Param   pageSize query int false "每页数量"
// @Success 200 {object} util.Response "成功"
// @Router /api/broadcasts/sent [get]
func (ctrl *BroadcastController) ListSent(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	limit, offset := pagination(c)

	views, total, err := ctrl.BroadcastService.ListSentBy(claims.UserID, limit, offset)
	if err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Success(c, gin.H{"items": views, "total": total})
}

// MarkRead godoc
// @Summary 标记广播已读
// @Description 幂等，首次标记会累加广播的已读计数
// @Tags 广播
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "广播ID"
// @Success 200 {object} util.Response "成功"
// @Router /api/broadcasts/{id}/read [post]
func (ctrl *BroadcastController) MarkRead(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	if err := ctrl.BroadcastService.MarkRead(c.Param("id"), claims.UserID); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// AudienceCount godoc
// @Summary 受众规模预览
// @Tags 广播
// @Produce  json
// @Security ApiKeyAuth
// @Param   mask query int true "角色掩码"
// @Success 200 {object} util.Response{data=object} "成功"
// @Router /api/broadcasts/audience-count [get]
func (ctrl *BroadcastController) AudienceCount(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	mask, err := strconv.Atoi(c.Query("mask"))
	if err != nil {
		util.BadRequest(c, "mask 参数无效")
		return
	}

	count, err := ctrl.BroadcastService.AudienceCount(model.AudienceMask(mask))
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, gin.H{"count": count})
}
