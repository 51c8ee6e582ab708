package service

import (
	"time"

	"school_im_backend/internal/model"
	"school_im_backend/internal/util"
	"school_im_backend/pkg/logger"
	"school_im_backend/pkg/monitoring"
	"school_im_backend/pkg/workqueue"

	"go.uber.org/zap"
)

// MessageStore 消息与回执的持久化面
type MessageStore interface {
	Create(msg *model.ChatMessage) error
	Get(id string) (*model.ChatMessage, error)
	GetPage(convID string, limit, offset int, beforeID string) ([]model.ChatMessage, error)
	UpdateEdited(msg *model.ChatMessage) error
	Tombstone(msgID string, deletedBy uint) error
	InsertDeliveryReceipt(msgID string, userID uint) (bool, error)
	InsertReadReceipt(msgID string, userID uint) (bool, error)
	GetUnreadMessages(convID string, userID uint, lastReadAt *time.Time) ([]model.ChatMessage, error)
	UnreadCount(convID string, userID uint, lastReadAt *time.Time) (int64, error)
	TotalUnreadCount(userID uint) (int64, error)
	GetReadReceipts(msgID string) ([]model.MessageReadReceipt, error)
	GetDeliveryReceipts(msgID string) ([]model.MessageDeliveryReceipt, error)
	GetReadReceiptsForMessages(msgIDs []string) (map[string][]uint, error)
	GetDeliveryReceiptsForMessages(msgIDs []string) (map[string][]uint, error)
}

// unreadablePlaceholder 解密或完整性校验失败时展示的占位文本
const unreadablePlaceholder = "消息暂时无法读取"

// MessageView 解密后的消息视图，密文绝不出服务层
type MessageView struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       *uint      `json:"senderId"`
	SenderName     string     `json:"senderName,omitempty"`
	Content        string     `json:"content"`
	State          string     `json:"state"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	ReplyToID      *string    `json:"replyToId,omitempty"`
	IsSystem       bool       `json:"isSystem"`
	SeqID          uint64     `json:"seqId"`
	IsOwn          bool       `json:"isOwn"`
	IsRead         bool       `json:"isRead"`
	ReadBy         []uint     `json:"readBy,omitempty"`
	DeliveredTo    []uint     `json:"deliveredTo,omitempty"`
	Unreadable     bool       `json:"unreadable,omitempty"`
}

// MessageService 消息管道：鉴权 -> 审核 -> 加密 -> 落库 -> 分发
// 落库成功后分发环节的任何失败都不会让发送整体失败
type MessageService struct {
	MessageRepo MessageStore
	ConvRepo    ConversationStore
	UserRepo    IdentitySource
	Authz       *AuthorizationService
	Moderation  *ModerationService
	Cipher      *CipherService
	Presence    *PresenceTracker
	Queue       *workqueue.Queue

	// 启动装配时绑定，避免与 hub 的构造顺序死锁
	Publisher EventPublisher
	Notifier  PushNotifier
}

func NewMessageService(
	messageRepo MessageStore,
	convRepo ConversationStore,
	userRepo IdentitySource,
	authz *AuthorizationService,
	moderation *ModerationService,
	cipher *CipherService,
	presence *PresenceTracker,
	queue *workqueue.Queue,
) *MessageService {
	return &MessageService{
		MessageRepo: messageRepo,
		ConvRepo:    convRepo,
		UserRepo:    userRepo,
		Authz:       authz,
		Moderation:  moderation,
		Cipher:      cipher,
		Presence:    presence,
		Queue:       queue,
	}
}

// BindPublisher 装配期注入事件分发器和推送器
func (s *MessageService) BindPublisher(publisher EventPublisher, notifier PushNotifier) {
	s.Publisher = publisher
	s.Notifier = notifier
}

// Send 发送消息；落库在分发之前完成
func (s *MessageService) Send(senderID uint, convID, content string, replyTo *string) (*MessageView, error) {
	if content == "" {
		return nil, util.ErrEmptyContent
	}
	if err := s.Authz.CanMessageInConversation(senderID, convID); err != nil {
		return nil, err
	}

	conv, err := s.ConvRepo.Get(convID)
	if err != nil {
		return nil, util.ErrNotFound
	}

	// 审核必须在加密之前，密文对审核器不可见
	check := s.Moderation.Validate(content)
	if !check.IsValid {
		return nil, util.Blocked(check.BlockedReason)
	}
	content = s.Moderation.Sanitize(content)

	cipherContent, hash, err := s.Cipher.Encrypt(content, convID, conv.KeyVersion)
	if err != nil {
		return nil, err
	}

	msg := &model.ChatMessage{
		ConversationID: convID,
		SenderID:       &senderID,
		CipherContent:  cipherContent,
		ContentHash:    hash,
		State:          model.MessageActive,
		ReplyToID:      replyTo,
	}
	if err := s.MessageRepo.Create(msg); err != nil {
		return nil, err
	}
	monitoring.IMMessageCounter.WithLabelValues("chat", "sent").Inc()

	// 有新消息时恢复所有人的列表可见性
	if err := s.ConvRepo.Unhide(convID); err != nil {
		logger.Log.Warn("failed to unhide conversation", zap.String("conversationId", convID), zap.Error(err))
	}

	sender, _ := s.UserRepo.GetByID(senderID)
	senderName := ""
	if sender != nil {
		senderName = sender.Name
	}

	view := &MessageView{
		ID:             msg.ID,
		ConversationID: convID,
		SenderID:       msg.SenderID,
		SenderName:     senderName,
		Content:        content,
		State:          string(msg.State),
		CreatedAt:      msg.CreatedAt,
		ReplyToID:      msg.ReplyToID,
		SeqID:          msg.SeqID,
	}

	// 落库已完成，分发在队列里异步执行，发送方确认不等待任何接收方
	if s.Queue == nil || !s.Queue.Submit("message_fanout", func() error {
		s.fanOut(conv, msg, view, senderName)
		return nil
	}) {
		go s.fanOut(conv, msg, view, senderName)
	}
	return view, nil
}

// fanOut 分发给发送者以外的在场参与者；单个接收方失败不影响整体
// 送达回执只由客户端确认写入，这里发出去不代表到了对端
func (s *MessageService) fanOut(conv *model.Conversation, msg *model.ChatMessage, view *MessageView, senderName string) {
	recipientIDs, err := s.ConvRepo.GetActiveParticipantIDs(conv.ID)
	if err != nil {
		logger.Log.Error("failed to resolve message recipients",
			zap.String("conversationId", conv.ID), zap.Error(err))
		return
	}

	for _, uid := range recipientIDs {
		if msg.SenderID != nil && uid == *msg.SenderID {
			continue
		}
		if s.Presence.IsOnline(uid) {
			if s.Publisher != nil {
				s.Publisher.PublishToUser(uid, EventReceiveMessage, view)
				if total, cntErr := s.MessageRepo.TotalUnreadCount(uid); cntErr == nil {
					s.Publisher.PublishToUser(uid, EventUnreadCountUpdated, map[string]interface{}{
						"totalUnread": total,
					})
				}
			}
		} else if s.Notifier != nil {
			preview := view.Content
			if len([]rune(preview)) > 40 {
				preview = string([]rune(preview)[:40]) + "…"
			}
			s.Notifier.NotifyNewMessage(uid, senderName, preview, conv.ID)
		}
	}
}

// markDeliveredInternal 插入送达回执并通知发送者，回执幂等
func (s *MessageService) markDeliveredInternal(msg *model.ChatMessage, userID uint) {
	inserted, err := s.MessageRepo.InsertDeliveryReceipt(msg.ID, userID)
	if err != nil {
		logger.Log.Warn("failed to record delivery receipt",
			zap.String("messageId", msg.ID), zap.Uint("userId", userID), zap.Error(err))
		return
	}
	if inserted {
		monitoring.IMMessageCounter.WithLabelValues("chat", "delivered").Inc()
		if msg.SenderID != nil && s.Publisher != nil {
			s.Publisher.PublishToUser(*msg.SenderID, EventMessageDelivered, map[string]interface{}{
				"messageId":      msg.ID,
				"conversationId": msg.ConversationID,
				"userId":         userID,
			})
		}
	}
}

// MarkDelivered 客户端确认送达，幂等：重复调用不产生第二条回执和事件
func (s *MessageService) MarkDelivered(msgID string, userID uint) error {
	msg, err := s.MessageRepo.Get(msgID)
	if err != nil {
		return util.ErrNotFound
	}
	if msg.SenderID != nil && *msg.SenderID == userID {
		return nil
	}
	s.markDeliveredInternal(msg, userID)
	return nil
}

// Edit 仅原发送者可编辑；重新审核、重新加密，保留原发送时间
func (s *MessageService) Edit(msgID string, userID uint, newContent string) (*MessageView, error) {
	if newContent == "" {
		return nil, util.ErrEmptyContent
	}
	msg, err := s.MessageRepo.Get(msgID)
	if err != nil {
		return nil, util.ErrNotFound
	}
	if msg.SenderID == nil || *msg.SenderID != userID {
		return nil, util.Denied("只有消息发送者可以编辑消息")
	}
	if msg.State == model.MessageDeleted {
		return nil, util.Denied("已删除的消息不能编辑")
	}

	conv, err := s.ConvRepo.Get(msg.ConversationID)
	if err != nil {
		return nil, util.ErrNotFound
	}

	check := s.Moderation.Validate(newContent)
	if !check.IsValid {
		return nil, util.Blocked(check.BlockedReason)
	}
	newContent = s.Moderation.Sanitize(newContent)

	cipherContent, hash, err := s.Cipher.Encrypt(newContent, msg.ConversationID, conv.KeyVersion)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	msg.CipherContent = cipherContent
	msg.ContentHash = hash
	msg.State = model.MessageEdited
	msg.EditedAt = &now
	if err := s.MessageRepo.UpdateEdited(msg); err != nil {
		return nil, err
	}
	monitoring.IMMessageCounter.WithLabelValues("chat", "edited").Inc()

	view := &MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        newContent,
		State:          string(msg.State),
		CreatedAt:      msg.CreatedAt,
		EditedAt:       msg.EditedAt,
		ReplyToID:      msg.ReplyToID,
		SeqID:          msg.SeqID,
	}
	s.publishToConversation(msg.ConversationID, userID, EventMessageEdited, view, true)
	return view, nil
}

// Delete 墓碑式删除：内容清空、记录删除者，不可恢复
// 发送者本人或管理员可删
func (s *MessageService) Delete(msgID string, userID uint) error {
	msg, err := s.MessageRepo.Get(msgID)
	if err != nil {
		return util.ErrNotFound
	}
	if msg.SenderID == nil || *msg.SenderID != userID {
		isAdmin, adminErr := s.Authz.IsAdmin(userID)
		if adminErr != nil || !isAdmin {
			return util.Denied("只有消息发送者或管理员可以删除消息")
		}
	}
	if msg.State == model.MessageDeleted {
		return nil
	}

	if err := s.MessageRepo.Tombstone(msgID, userID); err != nil {
		return err
	}
	monitoring.IMMessageCounter.WithLabelValues("chat", "deleted").Inc()

	// 删除事件只携带标识，不携带内容
	s.publishToConversation(msg.ConversationID, userID, EventMessageDeleted, map[string]interface{}{
		"messageId":      msgID,
		"conversationId": msg.ConversationID,
		"deletedBy":      userID,
	}, true)
	return nil
}

// MarkRead 标记已读；upToMessageID 为空时标记全部未读
// 回执幂等：重复标记既不产生新行也不重复推事件
func (s *MessageService) MarkRead(convID string, userID uint, upToMessageID string) (int, error) {
	participant, err := s.ConvRepo.GetActiveParticipant(convID, userID)
	if err != nil {
		return 0, util.ErrNotParticipant
	}

	unread, err := s.MessageRepo.GetUnreadMessages(convID, userID, participant.LastReadAt)
	if err != nil {
		return 0, err
	}

	marked := 0
	lastID := participant.LastReadMessageID
	now := time.Now()
	for _, msg := range unread {
		inserted, insErr := s.MessageRepo.InsertReadReceipt(msg.ID, userID)
		if insErr != nil {
			logger.Log.Warn("failed to record read receipt",
				zap.String("messageId", msg.ID), zap.Uint("userId", userID), zap.Error(insErr))
			continue
		}
		if inserted {
			marked++
			if msg.SenderID != nil && s.Publisher != nil {
				s.Publisher.PublishToUser(*msg.SenderID, EventMessagesRead, map[string]interface{}{
					"messageId":      msg.ID,
					"conversationId": convID,
					"userId":         userID,
				})
			}
		}
		lastID = msg.ID
		if upToMessageID != "" && msg.ID == upToMessageID {
			break
		}
	}

	if lastID != participant.LastReadMessageID {
		if err := s.ConvRepo.UpdateLastRead(convID, userID, lastID, now); err != nil {
			return marked, err
		}
	}

	// 自己的未读总数变化推给自己的其它端
	if marked > 0 && s.Publisher != nil {
		if total, cntErr := s.MessageRepo.TotalUnreadCount(userID); cntErr == nil {
			s.Publisher.PublishToUser(userID, EventUnreadCountUpdated, map[string]interface{}{
				"totalUnread": total,
			})
		}
	}
	return marked, nil
}

// Typing 输入状态：只落一个时间戳，事件只发给在线的其他参与者
func (s *MessageService) Typing(convID string, userID uint, isTyping bool) error {
	if _, err := s.ConvRepo.GetActiveParticipant(convID, userID); err != nil {
		return util.ErrNotParticipant
	}
	if err := s.ConvRepo.SetTyping(convID, userID, isTyping); err != nil {
		return err
	}

	event := EventUserTyping
	if !isTyping {
		event = EventUserStoppedTyping
	}
	s.publishToConversation(convID, userID, event, map[string]interface{}{
		"conversationId": convID,
		"userId":         userID,
	}, false)
	return nil
}

// publishToConversation 推给会话内在场参与者；includeSelf 控制是否也推给发起者（多端同步）
func (s *MessageService) publishToConversation(convID string, actorID uint, event string, data interface{}, includeSelf bool) {
	if s.Publisher == nil {
		return
	}
	ids, err := s.ConvRepo.GetActiveParticipantIDs(convID)
	if err != nil {
		logger.Log.Warn("failed to resolve conversation participants",
			zap.String("conversationId", convID), zap.Error(err))
		return
	}
	targets := make([]uint, 0, len(ids))
	for _, id := range ids {
		if !includeSelf && id == actorID {
			continue
		}
		if s.Presence.IsOnline(id) {
			targets = append(targets, id)
		}
	}
	s.Publisher.PublishToUsers(targets, event, data)
}

// GetMessages 历史消息分页；逐条解密并校验完整性
func (s *MessageService) GetMessages(convID string, userID uint, limit int, beforeID string) ([]MessageView, error) {
	if err := s.Authz.CanMessageInConversation(userID, convID); err != nil {
		return nil, err
	}
	conv, err := s.ConvRepo.Get(convID)
	if err != nil {
		return nil, util.ErrNotFound
	}

	msgs, err := s.MessageRepo.GetPage(convID, limit, 0, beforeID)
	if err != nil {
		return nil, err
	}

	msgIDs := make([]string, 0, len(msgs))
	for _, m := range msgs {
		msgIDs = append(msgIDs, m.ID)
	}
	readBy, _ := s.MessageRepo.GetReadReceiptsForMessages(msgIDs)
	deliveredTo, _ := s.MessageRepo.GetDeliveryReceiptsForMessages(msgIDs)

	views := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, *s.decryptView(conv, &msgs[i], userID, readBy[msgs[i].ID], deliveredTo[msgs[i].ID]))
	}
	return views, nil
}

// decryptView 解密单条消息；完整性失败降级为占位文本，绝不让整页失败
func (s *MessageService) decryptView(conv *model.Conversation, msg *model.ChatMessage, viewerID uint, readBy, deliveredTo []uint) *MessageView {
	view := &MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.Sender.Name,
		State:          string(msg.State),
		CreatedAt:      msg.CreatedAt,
		EditedAt:       msg.EditedAt,
		ReplyToID:      msg.ReplyToID,
		IsSystem:       msg.IsSystem,
		SeqID:          msg.SeqID,
	}
	// 回执明细只给发送者本人，其他参与者看不到谁读过
	if msg.SenderID != nil && *msg.SenderID == viewerID {
		view.IsOwn = true
		view.ReadBy = readBy
		view.DeliveredTo = deliveredTo
	}
	for _, uid := range readBy {
		if uid == viewerID {
			view.IsRead = true
			break
		}
	}

	if msg.State == model.MessageDeleted {
		view.Content = ""
		return view
	}

	plaintext, err := s.Cipher.Decrypt(msg.CipherContent, msg.ConversationID, conv.KeyVersion)
	if err != nil {
		logger.Log.Error("message decrypt failed",
			zap.String("messageId", msg.ID),
			zap.String("conversationId", msg.ConversationID),
			zap.Error(err))
		monitoring.IntegrityFailures.Inc()
		view.Content = unreadablePlaceholder
		view.Unreadable = true
		return view
	}
	if !s.Cipher.Verify(plaintext, msg.ContentHash) {
		logger.Log.Error("message integrity check failed",
			zap.String("messageId", msg.ID),
			zap.String("conversationId", msg.ConversationID))
		monitoring.IntegrityFailures.Inc()
		view.Content = unreadablePlaceholder
		view.Unreadable = true
		return view
	}
	view.Content = plaintext
	return view
}

// MessageReceipts 一条消息的回执明细
type MessageReceipts struct {
	MessageID   string `json:"messageId"`
	ReadBy      []uint `json:"readBy"`
	DeliveredTo []uint `json:"deliveredTo"`
}

// GetReceipts 回执明细只开放给消息发送者
func (s *MessageService) GetReceipts(msgID string, userID uint) (*MessageReceipts, error) {
	msg, err := s.MessageRepo.Get(msgID)
	if err != nil {
		return nil, util.ErrNotFound
	}
	if msg.SenderID == nil || *msg.SenderID != userID {
		return nil, util.Denied("只有消息发送者可以查看回执")
	}

	reads, err := s.MessageRepo.GetReadReceipts(msgID)
	if err != nil {
		return nil, err
	}
	deliveries, err := s.MessageRepo.GetDeliveryReceipts(msgID)
	if err != nil {
		return nil, err
	}

	out := &MessageReceipts{MessageID: msgID, ReadBy: []uint{}, DeliveredTo: []uint{}}
	for _, r := range reads {
		out.ReadBy = append(out.ReadBy, r.UserID)
	}
	for _, d := range deliveries {
		out.DeliveredTo = append(out.DeliveredTo, d.UserID)
	}
	return out, nil
}

// UnreadCount 单会话未读数，由已读指针推导
func (s *MessageService) UnreadCount(convID string, userID uint) (int64, error) {
	participant, err := s.ConvRepo.GetParticipant(convID, userID)
	if err != nil {
		return 0, util.ErrNotParticipant
	}
	return s.MessageRepo.UnreadCount(convID, userID, participant.LastReadAt)
}

// TotalUnreadCount 跨会话未读总数
func (s *MessageService) TotalUnreadCount(userID uint) (int64, error) {
	return s.MessageRepo.TotalUnreadCount(userID)
}
