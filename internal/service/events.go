package service

// 服务端推送的事件类型
const (
	EventUserOnline         = "USER_ONLINE"
	EventUserOffline        = "USER_OFFLINE"
	EventReceiveMessage     = "RECEIVE_MESSAGE"
	EventMessageEdited      = "MESSAGE_EDITED"
	EventMessageDeleted     = "MESSAGE_DELETED"
	EventMessageDelivered   = "MESSAGE_DELIVERED"
	EventMessagesRead       = "MESSAGES_READ"
	EventUserTyping         = "USER_TYPING"
	EventUserStoppedTyping  = "USER_STOPPED_TYPING"
	EventUnreadCountUpdated = "UNREAD_COUNT_UPDATED"
	EventNewBroadcast       = "NEW_BROADCAST"
	EventError              = "ERROR"
)

// 客户端发起的调用类型
const (
	CallSendMessage       = "SEND_MESSAGE"
	CallEditMessage       = "EDIT_MESSAGE"
	CallDeleteMessage     = "DELETE_MESSAGE"
	CallMarkDelivered     = "MARK_DELIVERED"
	CallStartTyping       = "START_TYPING"
	CallStopTyping        = "STOP_TYPING"
	CallMarkAsRead        = "MARK_AS_READ"
	CallJoinConversation  = "JOIN_CONVERSATION"
	CallLeaveConversation = "LEAVE_CONVERSATION"
	CallGetOnlineUsers    = "GET_ONLINE_USERS"
)

// EventPublisher 把事件推给在线用户的本地连接（跨实例分发由实现方负责）
// 分发失败不向上传播，持久化成功即视为发送成功
type EventPublisher interface {
	PublishToUser(userID uint, event string, data interface{})
	PublishToUsers(userIDs []uint, event string, data interface{})
}

// PushNotifier 给离线用户发推送通知
type PushNotifier interface {
	NotifyNewMessage(recipientID uint, senderName, preview, conversationID string)
	NotifyBroadcast(recipientIDs []uint, title, broadcastID string)
}
