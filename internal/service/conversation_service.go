package service

import (
	"time"

	"school_im_backend/internal/config"
	"school_im_backend/internal/model"
	"school_im_backend/internal/repository"
	"school_im_backend/internal/util"
	"school_im_backend/pkg/logger"

	"go.uber.org/zap"
)

// ConversationView 会话列表项，附带未读数和在线状态
type ConversationView struct {
	model.Conversation
	UnreadCount int64 `json:"unreadCount"`
	IsMuted     bool  `json:"isMuted"`
	IsPinned    bool  `json:"isPinned"`
	// 私聊时对端是否在线；群聊恒为 false
	PeerOnline bool  `json:"peerOnline"`
	PeerID     uint  `json:"peerId,omitempty"`
}

// ConversationStore 会话、参与者与已读指针的持久化面
type ConversationStore interface {
	Create(conv *model.Conversation) error
	Get(id string) (*model.Conversation, error)
	FindDirectByKey(key string) (*model.Conversation, error)
	CreateDirect(conv *model.Conversation, userA, userB uint) (*model.Conversation, error)
	UpdateKeyFingerprint(convID, fingerprint string) error
	AddParticipant(p *model.ConversationParticipant) error
	GetParticipant(convID string, userID uint) (*model.ConversationParticipant, error)
	GetActiveParticipant(convID string, userID uint) (*model.ConversationParticipant, error)
	GetActiveParticipants(convID string) ([]model.ConversationParticipant, error)
	GetActiveParticipantIDs(convID string) ([]uint, error)
	CountActiveParticipants(convID string) (int64, error)
	MarkLeft(convID string, userID uint) error
	SetMuted(convID string, userID uint, muted bool) error
	SetPinned(convID string, userID uint, pinned bool) error
	Hide(convID string, userID uint) error
	Unhide(convID string) error
	ListForUser(userID uint, query string, limit, offset int) ([]model.Conversation, int64, error)
	UpdateLastRead(convID string, userID uint, msgID string, at time.Time) error
	SetTyping(convID string, userID uint, isTyping bool) error
	ExpireStaleTyping(expiry time.Duration) (int64, error)
}

// GroupSource 课程群与成员名单来源
type GroupSource interface {
	GetGroup(groupID string) (*model.CourseGroup, error)
	GetGroupMemberIDs(groupID string) ([]uint, error)
	BindGroupConversation(groupID, convID string) error
}

type ConversationService struct {
	ConvRepo    ConversationStore
	MessageRepo MessageStore
	Relations   GroupSource
	Authz       *AuthorizationService
	Cipher      *CipherService
	Presence    *PresenceTracker
	Cfg         config.ChatConfig
}

func NewConversationService(
	convRepo ConversationStore,
	messageRepo MessageStore,
	relations GroupSource,
	authz *AuthorizationService,
	cipher *CipherService,
	presence *PresenceTracker,
	cfg config.ChatConfig,
) *ConversationService {
	return &ConversationService{
		ConvRepo:    convRepo,
		MessageRepo: messageRepo,
		Relations:   relations,
		Authz:       authz,
		Cipher:      cipher,
		Presence:    presence,
		Cfg:         cfg,
	}
}

// GetOrCreateDirect 获取或创建两人私聊，幂等
// direct_key 唯一索引保证并发时也只产生一条会话
func (s *ConversationService) GetOrCreateDirect(userA, userB uint) (*model.Conversation, error) {
	if err := s.Authz.CanMessageUser(userA, userB); err != nil {
		return nil, err
	}

	key := model.DirectKeyFor(userA, userB)
	if conv, err := s.ConvRepo.FindDirectByKey(key); err == nil {
		return conv, nil
	} else if !repository.IsRecordNotFound(err) {
		return nil, err
	}

	conv := &model.Conversation{
		Type:            model.ConvDirect,
		DirectKey:       key,
		MaxParticipants: 2,
		KeyVersion:      1,
	}
	created, err := s.ConvRepo.CreateDirect(conv, userA, userB)
	if err != nil {
		return nil, err
	}
	if created.KeyFingerprint == "" {
		if fp, fpErr := s.Cipher.KeyFingerprint(created.ID, created.KeyVersion); fpErr == nil {
			created.KeyFingerprint = fp
			s.ConvRepo.UpdateKeyFingerprint(created.ID, fp)
		}
	}
	return created, nil
}

// GetOrCreateGroup 绑定课程群的会话，不存在则创建并拉入全部成员
// 成员数超过上限直接拒绝，不做静默截断
func (s *ConversationService) GetOrCreateGroup(groupID string, userID uint) (*model.Conversation, error) {
	if err := s.Authz.CanMessageGroup(userID, groupID); err != nil {
		return nil, err
	}

	group, err := s.Relations.GetGroup(groupID)
	if err != nil {
		return nil, util.ErrNotFound
	}
	if group.ConversationID != nil && *group.ConversationID != "" {
		return s.ConvRepo.Get(*group.ConversationID)
	}

	memberIDs, err := s.Relations.GetGroupMemberIDs(groupID)
	if err != nil {
		return nil, err
	}
	if len(memberIDs) > s.Cfg.MaxGroupParticipants {
		return nil, util.ErrGroupFull
	}

	convType := model.ConvCourseGroup
	if group.Kind == "student" {
		convType = model.ConvStudentGroup
	}
	conv := &model.Conversation{
		Type:            convType,
		Title:           group.Name,
		CourseGroupID:   &group.ID,
		MaxParticipants: s.Cfg.MaxGroupParticipants,
		KeyVersion:      1,
	}
	if err := s.ConvRepo.Create(conv); err != nil {
		return nil, err
	}
	if fp, fpErr := s.Cipher.KeyFingerprint(conv.ID, conv.KeyVersion); fpErr == nil {
		s.ConvRepo.UpdateKeyFingerprint(conv.ID, fp)
	}

	for _, memberID := range memberIDs {
		role := model.RoleParticipant
		if memberID == userID {
			role = model.RoleOwner
		}
		p := &model.ConversationParticipant{
			ConversationID: conv.ID,
			UserID:         memberID,
			Role:           role,
		}
		if err := s.ConvRepo.AddParticipant(p); err != nil {
			logger.Log.Warn("failed to add group participant",
				zap.String("conversationId", conv.ID),
				zap.Uint("userId", memberID),
				zap.Error(err))
		}
	}

	if err := s.Relations.BindGroupConversation(groupID, conv.ID); err != nil {
		return nil, err
	}
	return s.ConvRepo.Get(conv.ID)
}

// Create 显式创建会话（群聊）；成员上限检查在加入前执行
func (s *ConversationService) Create(convType model.ConversationType, title string, creatorID uint, participantIDs []uint) (*model.Conversation, error) {
	if len(participantIDs)+1 > s.Cfg.MaxGroupParticipants {
		return nil, util.ErrGroupFull
	}
	for _, pid := range participantIDs {
		if pid == creatorID {
			continue
		}
		if err := s.Authz.CanMessageUser(creatorID, pid); err != nil {
			return nil, err
		}
	}

	conv := &model.Conversation{
		Type:            convType,
		Title:           title,
		MaxParticipants: s.Cfg.MaxGroupParticipants,
		KeyVersion:      1,
	}
	if err := s.ConvRepo.Create(conv); err != nil {
		return nil, err
	}
	if fp, err := s.Cipher.KeyFingerprint(conv.ID, conv.KeyVersion); err == nil {
		s.ConvRepo.UpdateKeyFingerprint(conv.ID, fp)
	}

	members := append([]uint{creatorID}, participantIDs...)
	for _, memberID := range members {
		role := model.RoleParticipant
		if memberID == creatorID {
			role = model.RoleOwner
		}
		if err := s.ConvRepo.AddParticipant(&model.ConversationParticipant{
			ConversationID: conv.ID,
			UserID:         memberID,
			Role:           role,
		}); err != nil {
			return nil, err
		}
	}
	return s.ConvRepo.Get(conv.ID)
}

// AddParticipant 向群会话加人，私聊不允许
func (s *ConversationService) AddParticipant(convID string, operatorID, userID uint) error {
	conv, err := s.ConvRepo.Get(convID)
	if err != nil {
		return util.ErrNotFound
	}
	if conv.Type == model.ConvDirect {
		return util.Denied("私聊会话不能添加成员")
	}
	operator, err := s.ConvRepo.GetActiveParticipant(convID, operatorID)
	if err != nil {
		return util.ErrNotParticipant
	}
	if operator.Role != model.RoleOwner && operator.Role != model.RoleConvAdmin {
		return util.Denied("只有群主或群管理员可以添加成员")
	}

	count, err := s.ConvRepo.CountActiveParticipants(convID)
	if err != nil {
		return err
	}
	if int(count) >= conv.MaxParticipants {
		return util.ErrGroupFull
	}
	return s.ConvRepo.AddParticipant(&model.ConversationParticipant{
		ConversationID: convID,
		UserID:         userID,
		Role:           model.RoleParticipant,
	})
}

func (s *ConversationService) Leave(convID string, userID uint) error {
	if _, err := s.ConvRepo.GetActiveParticipant(convID, userID); err != nil {
		return util.ErrNotParticipant
	}
	return s.ConvRepo.MarkLeft(convID, userID)
}

func (s *ConversationService) Mute(convID string, userID uint, muted bool) error {
	if _, err := s.ConvRepo.GetParticipant(convID, userID); err != nil {
		return util.ErrNotParticipant
	}
	return s.ConvRepo.SetMuted(convID, userID, muted)
}

func (s *ConversationService) Pin(convID string, userID uint, pinned bool) error {
	if _, err := s.ConvRepo.GetParticipant(convID, userID); err != nil {
		return util.ErrNotParticipant
	}
	return s.ConvRepo.SetPinned(convID, userID, pinned)
}

// Hide 软删除：仅从当前用户列表移除，其他参与者不受影响
func (s *ConversationService) Hide(convID string, userID uint) error {
	if _, err := s.ConvRepo.GetParticipant(convID, userID); err != nil {
		return util.ErrNotParticipant
	}
	return s.ConvRepo.Hide(convID, userID)
}

// ListForUser 会话列表，未读数由已读指针推导
func (s *ConversationService) ListForUser(userID uint, query string, limit, offset int) ([]ConversationView, int64, error) {
	convs, total, err := s.ConvRepo.ListForUser(userID, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	views := make([]ConversationView, 0, len(convs))
	for i := range convs {
		conv := convs[i]
		view := ConversationView{Conversation: conv}

		for _, p := range conv.Participants {
			conv.ParticipantIDs = append(conv.ParticipantIDs, p.UserID)
			if p.UserID == userID {
				view.IsMuted = p.IsMuted
				view.IsPinned = p.IsPinned
				count, cntErr := s.MessageRepo.UnreadCount(conv.ID, userID, p.LastReadAt)
				if cntErr == nil {
					view.UnreadCount = count
				}
			} else if conv.Type == model.ConvDirect {
				view.PeerID = p.UserID
				view.PeerOnline = s.Presence.IsOnline(p.UserID)
			}
		}
		view.Conversation.ParticipantIDs = conv.ParticipantIDs
		views = append(views, view)
	}
	return views, total, nil
}

// Get 带参与者校验的会话读取
func (s *ConversationService) Get(convID string, userID uint) (*model.Conversation, error) {
	if err := s.Authz.CanMessageInConversation(userID, convID); err != nil {
		return nil, err
	}
	conv, err := s.ConvRepo.Get(convID)
	if err != nil {
		return nil, util.ErrNotFound
	}
	// 详情里不展示已退出的成员
	if ps, psErr := s.ConvRepo.GetActiveParticipants(convID); psErr == nil {
		conv.Participants = ps
	}
	return conv, nil
}

// ExpireStaleTyping 定期清理卡住的输入状态，由维护循环调用
func (s *ConversationService) ExpireStaleTyping() {
	expiry := s.Cfg.TypingExpiry
	if expiry <= 0 {
		expiry = 10 * time.Second
	}
	if n, err := s.ConvRepo.ExpireStaleTyping(expiry); err != nil {
		logger.Log.Warn("failed to expire stale typing flags", zap.Error(err))
	} else if n > 0 {
		logger.Log.Debug("expired stale typing flags", zap.Int64("count", n))
	}
}
