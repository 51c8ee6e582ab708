package service

import (
	"time"

	"school_im_backend/internal/model"
	"school_im_backend/internal/repository"
	"school_im_backend/internal/util"
	"school_im_backend/pkg/logger"
	"school_im_backend/pkg/monitoring"

	"go.uber.org/zap"
)

// 广播密文用广播自身 ID 派生密钥，版本固定
const broadcastKeyVersion = 1

// BroadcastView 解密后的广播视图
type BroadcastView struct {
	ID             string     `json:"id"`
	SenderID       uint       `json:"senderId"`
	SenderName     string     `json:"senderName,omitempty"`
	Title          string     `json:"title"`
	Content        string     `json:"content"`
	AudienceMask   int        `json:"audienceMask"`
	RecipientCount int        `json:"recipientCount"`
	ReadCount      int        `json:"readCount"`
	IsRead         bool       `json:"isRead"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// BroadcastService 广播：受众在发送时一次性解析，之后不再重算
type BroadcastService struct {
	BroadcastRepo *repository.BroadcastRepository
	UserRepo      *repository.UserRepository
	Authz         *AuthorizationService
	Moderation    *ModerationService
	Cipher        *CipherService
	Presence      *PresenceTracker

	Publisher EventPublisher
	Notifier  PushNotifier
}

func NewBroadcastService(
	broadcastRepo *repository.BroadcastRepository,
	userRepo *repository.UserRepository,
	authz *AuthorizationService,
	moderation *ModerationService,
	cipher *CipherService,
	presence *PresenceTracker,
) *BroadcastService {
	return &BroadcastService{
		BroadcastRepo: broadcastRepo,
		UserRepo:      userRepo,
		Authz:         authz,
		Moderation:    moderation,
		Cipher:        cipher,
		Presence:      presence,
	}
}

func (s *BroadcastService) BindPublisher(publisher EventPublisher, notifier PushNotifier) {
	s.Publisher = publisher
	s.Notifier = notifier
}

// Send 发送广播：一份密文 + 逐接收者一条跟踪行
func (s *BroadcastService) Send(senderID uint, mask model.AudienceMask, title, content string) (*BroadcastView, error) {
	if err := s.Authz.CanBroadcast(senderID); err != nil {
		return nil, err
	}
	if title == "" || content == "" {
		return nil, util.ErrEmptyContent
	}
	roles := mask.Roles()
	if len(roles) == 0 {
		return nil, util.ErrValidation
	}

	check := s.Moderation.Validate(content)
	if !check.IsValid {
		return nil, util.Blocked(check.BlockedReason)
	}
	content = s.Moderation.Sanitize(content)

	// 受众在此刻冻结，后加入系统的用户不会追加
	recipientIDs, err := s.UserRepo.GetIDsByRoles(roles)
	if err != nil {
		return nil, err
	}
	// 发送者自己不算受众
	filtered := recipientIDs[:0]
	for _, id := range recipientIDs {
		if id != senderID {
			filtered = append(filtered, id)
		}
	}
	recipientIDs = filtered

	b := &model.BroadcastMessage{
		SenderID:       senderID,
		Title:          title,
		AudienceMask:   mask,
		RecipientCount: len(recipientIDs),
	}
	b.ID = model.GenerateUUID()

	cipherContent, hash, err := s.Cipher.Encrypt(content, b.ID, broadcastKeyVersion)
	if err != nil {
		return nil, err
	}
	b.CipherContent = cipherContent
	b.ContentHash = hash

	if err := s.BroadcastRepo.Create(b, recipientIDs); err != nil {
		return nil, err
	}
	monitoring.IMMessageCounter.WithLabelValues("broadcast", "sent").Inc()

	sender, _ := s.UserRepo.GetByID(senderID)
	senderName := ""
	if sender != nil {
		senderName = sender.Name
	}
	view := &BroadcastView{
		ID:             b.ID,
		SenderID:       senderID,
		SenderName:     senderName,
		Title:          title,
		Content:        content,
		AudienceMask:   int(mask),
		RecipientCount: b.RecipientCount,
		CreatedAt:      b.CreatedAt,
	}

	// 在线用户实时推送，离线用户走推送通知；分发失败不影响发送结果
	var online, offline []uint
	for _, id := range recipientIDs {
		if s.Presence.IsOnline(id) {
			online = append(online, id)
		} else {
			offline = append(offline, id)
		}
	}
	if s.Publisher != nil && len(online) > 0 {
		s.Publisher.PublishToUsers(online, EventNewBroadcast, view)
	}
	if s.Notifier != nil && len(offline) > 0 {
		s.Notifier.NotifyBroadcast(offline, title, b.ID)
	}
	return view, nil
}

// GetForUser 当前用户收到的广播分页，逐条解密
func (s *BroadcastService) GetForUser(userID uint, limit, offset int) ([]BroadcastView, int64, error) {
	broadcasts, receipts, total, err := s.BroadcastRepo.GetForUser(userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	readState := make(map[string]*model.BroadcastRecipient, len(receipts))
	for i := range receipts {
		readState[receipts[i].BroadcastID] = &receipts[i]
	}

	views := make([]BroadcastView, 0, len(broadcasts))
	for i := range broadcasts {
		b := broadcasts[i]
		view := BroadcastView{
			ID:             b.ID,
			SenderID:       b.SenderID,
			SenderName:     b.Sender.Name,
			Title:          b.Title,
			AudienceMask:   int(b.AudienceMask),
			RecipientCount: b.RecipientCount,
			ReadCount:      b.ReadCount,
			CreatedAt:      b.CreatedAt,
		}
		if r, ok := readState[b.ID]; ok {
			view.IsRead = r.IsRead
			view.ReadAt = r.ReadAt
		}

		content, decErr := s.Cipher.Decrypt(b.CipherContent, b.ID, broadcastKeyVersion)
		if decErr != nil || !s.Cipher.Verify(content, b.ContentHash) {
			logger.Log.Error("broadcast decrypt or integrity check failed",
				zap.String("broadcastId", b.ID), zap.Error(decErr))
			monitoring.IntegrityFailures.Inc()
			content = unreadablePlaceholder
		}
		view.Content = content
		views = append(views, view)
	}
	return views, total, nil
}

// MarkRead 个人已读，幂等；首次标记时同步累加广播上的冗余计数
func (s *BroadcastService) MarkRead(broadcastID string, userID uint) error {
	if _, err := s.BroadcastRepo.GetRecipient(broadcastID, userID); err != nil {
		return util.ErrNotFound
	}
	marked, err := s.BroadcastRepo.MarkRead(broadcastID, userID)
	if err != nil {
		return err
	}
	if marked {
		monitoring.IMMessageCounter.WithLabelValues("broadcast", "read").Inc()
	}
	return nil
}

// AudienceCount 按掩码估算受众规模，供发送前预览
func (s *BroadcastService) AudienceCount(mask model.AudienceMask) (int64, error) {
	roles := mask.Roles()
	if len(roles) == 0 {
		return 0, util.ErrValidation
	}
	return s.UserRepo.CountByRoles(roles)
}

// ListSentBy 发送者视角的广播列表（含已读统计）
func (s *BroadcastService) ListSentBy(senderID uint, limit, offset int) ([]BroadcastView, int64, error) {
	broadcasts, total, err := s.BroadcastRepo.ListSentBy(senderID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	views := make([]BroadcastView, 0, len(broadcasts))
	for i := range broadcasts {
		b := broadcasts[i]
		content, decErr := s.Cipher.Decrypt(b.CipherContent, b.ID, broadcastKeyVersion)
		if decErr != nil || !s.Cipher.Verify(content, b.ContentHash) {
			monitoring.IntegrityFailures.Inc()
			content = unreadablePlaceholder
		}
		views = append(views, BroadcastView{
			ID:             b.ID,
			SenderID:       b.SenderID,
			Title:          b.Title,
			Content:        content,
			AudienceMask:   int(b.AudienceMask),
			RecipientCount: b.RecipientCount,
			ReadCount:      b.ReadCount,
			CreatedAt:      b.CreatedAt,
		})
	}
	return views, total, nil
}
