package controller

import (
	"strconv"

	"school_im_backend/internal/config"
	"school_im_backend/internal/model"
	"school_im_backend/internal/service"
	"school_im_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// ChatController 处理IM系统相关的HTTP请求
type ChatController struct {
	ConversationService *service.ConversationService
	MessageService      *service.MessageService
	AuthzService        *service.AuthorizationService
	Hub                 *service.ChatHub
	Config              *config.Config
}

func NewChatController(
	conversationService *service.ConversationService,
	messageService *service.MessageService,
	authzService *service.AuthorizationService,
	hub *service.ChatHub,
	cfg *config.Config,
) *ChatController {
	return &ChatController{
		ConversationService: conversationService,
		MessageService:      messageService,
		AuthzService:        authzService,
		Hub:                 hub,
		Config:              cfg,
	}
}

// CreateDirectRequest 创建私聊请求
type CreateDirectRequest struct {
	TargetUserID uint `json:"targetUserId" binding:"required" example:"2"`
}

// CreateGroupRequest 创建群聊请求
type CreateGroupRequest struct {
	Title     string `json:"title" binding:"required" example:"三年二班家长群"`
	MemberIDs []uint `json:"memberIds" swaggertype:"array,number" example:"1,2,3"`
}

// SendMessageRequest 发送消息请求
type SendMessageRequest struct {
	Content   string  `json:"content" binding:"required" example:"你好"`
	ReplyToID *string `json:"replyToId,omitempty"`
}

// EditMessageRequest 编辑消息请求
type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// MarkReadRequest 标记已读请求
type MarkReadRequest struct {
	UpToMessageID string `json:"upToMessageId"`
}

// HandleWS godoc
// @Summary WebSocket 连接
// @Description 建立 WebSocket 连接以收发实时消息
// @Tags IM系统
// @Security ApiKeyAuth
// @Param   token query string true "JWT Token"
// @Success 101 {string} string "Switching Protocols"
// @Router /api/chat/ws [get]
func (ctrl *ChatController) HandleWS(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	service.ServeWs(ctrl.Hub, c.Writer, c.Request, claims.UserID)
}

// CreateDirect godoc
// @Summary 发起私聊
// @Description 获取或创建与目标用户的私聊会话，幂等
// @Tags IM系统
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   request body CreateDirectRequest true "私聊请求"
// @Success 200 {object} util.Response{data=model.Conversation} "成功"
// @Failure 403 {object} util.Response "无权发起该会话"
// @Router /api/chat/direct [post]
func (ctrl *ChatController) CreateDirect(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req CreateDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	conv, err := ctrl.ConversationService.GetOrCreateDirect(claims.UserID, req.TargetUserID)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, conv)
}

// CreateGroup godoc
// @Summary 创建群聊
// @Description 创建一个新的群聊会话，超过人数上限会被拒绝
// @Tags IM系统
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   request body CreateGroupRequest true "创建群聊请求"
// @Success 200 {object} util.Response{data=model.Conversation} "成功"
// @Failure 400 {object} util.Response "参数错误"
// @Router /api/chat/groups [post]
func (ctrl *ChatController) CreateGroup(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	conv, err := ctrl.ConversationService.Create(model.ConvStudentGroup, req.Title, claims.UserID, req.MemberIDs)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, conv)
}

// BindCourseGroup godoc
// @Summary 进入课程群会话
// @Description 获取课程群绑定的会话，不存在则创建并拉入全部成员
// @Tags IM系统
// @Produce  json
// @Security ApiKeyAuth
// @Param   groupId path string true "课程群ID"
// @Success 200 {object} util.Response{data=model.Conversation} "成功"
// @Failure 403 {object} util.Response "不是群成员"
// @Router /api/chat/groups/{groupId}/conversation [post]
func (ctrl *ChatController) BindCourseGroup(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	conv, err := ctrl.ConversationService.GetOrCreateGroup(c.Param("groupId"), claims.UserID)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, conv)
}

// ListConversations godoc
// @Summary 会话列表
// @Description 当前用户的会话列表，含未读数和对端在线状态
// @Tags IM系统
// @Produce  json
// @Security ApiKeyAuth
// @Param   q query string false "标题搜索"
// @Param   page query int false "页码"
// @Param   pageSize query int false "每页数量"
// @Success 200 {object} util.PageResponse "成功"
// @Router /api/chat/conversations [get]
func (ctrl *ChatController) ListConversations(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	limit, offset := pagination(c)

	views, total, err := ctrl.ConversationService.ListForUser(claims.UserID, c.Query("q"), limit, offset)
	if err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Success(c, gin.H{"items": views, "total": total})
}

// GetConversation godoc
// @Summary 会话详情
// @Tags IM系统
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Success 200 {object} util.Response{data=model.Conversation} "成功"
// @Failure 403 {object} util.Response "不是会话参与者"
// @Router /api/chat/conversations/{id} [get]
func (ctrl *ChatController) GetConversation(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	conv, err := ctrl.ConversationService.Get(c.Param("id"), claims.UserID)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, conv)
}

// GetMessages godoc
// @Summary 历史消息
// @Description 分页拉取会话历史消息，逐条解密并附带回执信息
// @Tags IM系统
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   limit query int false "数量上限"
// @Param   beforeId query string false "取该消息之前的历史"
// @Success 200 {object} util.Response "成功"
// @Failure 403 {object} util.Response "不是会话参与者"
// @Router /api/chat/conversations/{id}/messages [get]
func (ctrl *ChatController) GetMessages(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if limit <= 0 || limit > 100 {
		limit = ctrl.Config.Chat.HistoryPageSize
	}

	views, err := ctrl.MessageService.GetMessages(c.Param("id"), claims.UserID, limit, c.Query("beforeId"))
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, views)
}

// SendMessage godoc
// @Summary 发送消息
// @Description HTTP 方式发送消息，与 WebSocket 的 SEND_MESSAGE 等价
// @Tags IM系统
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   request body SendMessageRequest true "消息内容"
// @Success 201 {object} util.Response "已发送"
// @Failure 403 {object} util.Response "无发言权限"
// @Failure 422 {object} util.Response "内容被审核拦截"
// @Router /api/chat/conversations/{id}/messages [post]
func (ctrl *ChatController) SendMessage(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	view, err := ctrl.MessageService.Send(claims.UserID, c.Param("id"), req.Content, req.ReplyToID)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Created(c, view)
}

// EditMessage godoc
// @Summary 编辑消息
// @Tags IM系统
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   messageId path string true "消息ID"
// @Param   request body EditMessageRequest true "新内容"
// @Success 200 {object} util.Response "成功"
// @Failure 403 {object} util.Response "只有发送者可编辑"
// @Router /api/chat/messages/{messageId} [put]
func (ctrl *ChatController) EditMessage(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	view, err := ctrl.MessageService.Edit(c.Param("messageId"), claims.UserID, req.Content)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, view)
}

// DeleteMessage godoc
// @Summary 删除消息
// @Description 墓碑式删除，内容清空且不可恢复
// @Tags IM系统
// @Produce  json
// @Security ApiKeyAuth
// @Param   messageId path string true "消息ID"
// @Success 200 {object} util.Response "成功"
// @Failure 403 {object} util.Response "只有发送者或管理员可删除"
// @Router /api/chat/messages/{messageId} [delete]
func (ctrl *ChatController) DeleteMessage(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	if err := ctrl.MessageService.Delete(c.Param("messageId"), claims.UserID); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// GetMessageReceipts godoc
// @Summary 消息回执明细
// @Description 已读与送达用户列表，仅发送者可查
// @Tags IM系统
// @Produce  json
// @Security ApiKeyAuth
// @Param   messageId path string true "消息ID"
// @Success 200 {object} util.Response "成功"
// @Failure 403 {object} util.Response "只有发送者可查看"
// @Router /api/chat/messages/{messageId}/receipts [get]
func (ctrl *ChatController) GetMessageReceipts(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	receipts, err := ctrl.MessageService.GetReceipts(c.Param("messageId"), claims.UserID)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, receipts)
}

// MarkRead godoc
// @Summary 标记会话已读
// @Description 不带 upToMessageId 时标记全部未读，幂等
// @Tags IM系统
// @Accept  json
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   request body MarkReadRequest false "已读范围"
// @Success 200 {object} util.Response "成功"
// @Router /api/chat/conversations/{id}/read [post]
func (ctrl *ChatController) MarkRead(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req MarkReadRequest
	c.ShouldBindJSON(&req)

	marked, err := ctrl.MessageService.MarkRead(c.Param("id"), claims.UserID, req.UpToMessageID)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, gin.H{"marked": marked})
}

// MuteConversation godoc
// @Summary 会话免打扰
// @Tags IM系统
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   muted query bool false "是否免打扰" default(true)
// @Success 200 {object} util.Response "成功"
// @Router /api/chat/conversations/{id}/mute [post]
func (ctrl *ChatController) MuteConversation(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	muted := c.DefaultQuery("muted", "true") == "true"
	if err := ctrl.ConversationService.Mute(c.Param("id"), claims.UserID, muted); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// PinConversation godoc
// @Summary 会话置顶
// @Tags IM系统
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Param   pinned query bool false "是否置顶" default(true)
// @Success 200 {object} util.Response "成功"
// @Router /api/chat/conversations/{id}/pin [post]
func (ctrl *ChatController) PinConversation(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	pinned := c.DefaultQuery("pinned", "true") == "true"
	if err := ctrl.ConversationService.Pin(c.Param("id"), claims.UserID, pinned); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// HideConversation godoc
// @Summary 从列表删除会话
// @Description 仅对当前用户隐藏，其他参与者不受影响；有新消息时自动恢复
// @Tags IM系统
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Success 200 {object} util.Response "成功"
// @Router /api/chat/conversations/{id} [delete]
func (ctrl *ChatController) HideConversation(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	if err := ctrl.ConversationService.Hide(c.Param("id"), claims.UserID); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// LeaveConversation godoc
// @Summary 退出会话
// @Tags IM系统
// @Produce  json
// @Security ApiKeyAuth
// @Param   id path string true "会话ID"
// @Success 200 {object} util.Response "成功"
// @Router /api/chat/conversations/{id}/leave [post]
func (ctrl *ChatController) LeaveConversation(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	if err := ctrl.ConversationService.Leave(c.Param("id"), claims.UserID); err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, nil)
}

// GetContacts godoc
// @Summary 可联系人列表
// @Description 当前用户按角色关系可以发起私聊的全部对象
// @Tags IM系统
// @Produce  json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=[]model.User} "成功"
// @Router /api/chat/contacts [get]
func (ctrl *ChatController) GetContacts(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	users, err := ctrl.AuthzService.AllowedRecipients(claims.UserID)
	if err != nil {
		util.Fail(c, err)
		return
	}
	util.Success(c, users)
}

// GetUnreadTotal godoc
// @Summary 未读总数
// @Tags IM系统
// @Produce  json
// @Security ApiKeyAuth
// @Success 200 {object} util.Response{data=object} "成功"
// @Router /api/chat/unread [get]
func (ctrl *ChatController) GetUnreadTotal(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	total, err := ctrl.MessageService.TotalUnreadCount(claims.UserID)
	if err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Success(c, gin.H{"totalUnread": total})
}

// pagination 解析 page/pageSize 查询参数
func pagination(c *gin.Context) (limit, offset int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return pageSize, (page - 1) * pageSize
}
