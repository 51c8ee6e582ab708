package controller

import (
	"school_im_backend/internal/service"
	"school_im_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type PushController struct {
	PushService *service.PushService
}

func NewPushController(pushService *service.PushService) *PushController {
	return &PushController{
		PushService: pushService,
	}
}

// SubscribeRequest 推送订阅请求
type SubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// Subscribe godoc
// @Summary 注册推送订阅
// @Description 重复注册同一端点会刷新订阅并复活已停用的端点
// @Tags 推送
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   request body SubscribeRequest true "订阅信息"
// @Success 201 {object} util.Response "成功"
// @Router /api/push/subscriptions [post]
func (ctrl *PushController) Subscribe(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	if err := ctrl.PushService.Subscribe(claims.UserID, req.Endpoint, req.P256dh, req.Auth); err != nil {
		util.Fail(c, err)
		return
	}
	util.Created(c, nil)
}

// UnsubscribeRequest 取消订阅请求
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// Unsubscribe godoc
// @Summary 取消推送订阅
// @Tags 推送
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   request body UnsubscribeRequest true "端点"
// @Success 200 {object} util.Response "成功"
// @Router /api/push/subscriptions [delete]
func (ctrl *PushController) Unsubscribe(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req UnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	if err := ctrl.PushService.Unsubscribe(req.Endpoint, claims.UserID); err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Success(c, nil)
}
