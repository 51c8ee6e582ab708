package service

import (
	"strings"
	"time"

	"school_im_backend/internal/config"
	"school_im_backend/internal/model"
	"school_im_backend/internal/repository"
	"school_im_backend/internal/util"
	"school_im_backend/pkg/logger"
	"school_im_backend/pkg/monitoring"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ClientMeta 审计需要的调用端信息
type ClientMeta struct {
	IP        string
	UserAgent string
}

// AdminOversightService 管理员监督读取
// 每次解密读取必须先在同一事务里落审计，审计写不进去就不返回数据
type AdminOversightService struct {
	DB         *gorm.DB
	AccessRepo *repository.AdminAccessRepository
	ConvRepo   *repository.ConversationRepository
	Authz      *AuthorizationService
	Cipher     *CipherService
	Cfg        config.MaintenanceConfig
}

func NewAdminOversightService(
	db *gorm.DB,
	accessRepo *repository.AdminAccessRepository,
	convRepo *repository.ConversationRepository,
	authz *AuthorizationService,
	cipher *CipherService,
	cfg config.MaintenanceConfig,
) *AdminOversightService {
	return &AdminOversightService{
		DB:         db,
		AccessRepo: accessRepo,
		ConvRepo:   convRepo,
		Authz:      authz,
		Cipher:     cipher,
		Cfg:        cfg,
	}
}

// ReadConversation 管理员解密读取整段会话
// justification 必填；审计行与取数在同一事务，事务失败则全部回滚
func (s *AdminOversightService) ReadConversation(convID string, adminID uint, justification string, meta ClientMeta) ([]MessageView, error) {
	if strings.TrimSpace(justification) == "" {
		return nil, util.ErrEmptyJustification
	}
	isAdmin, err := s.Authz.IsAdmin(adminID)
	if err != nil {
		return nil, err
	}
	if !isAdmin {
		return nil, util.ErrUnauthorized
	}

	conv, err := s.ConvRepo.Get(convID)
	if err != nil {
		return nil, util.ErrNotFound
	}

	var views []MessageView
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		var msgs []model.ChatMessage
		if txErr := tx.Preload("Sender").
			Where("conversation_id = ?", convID).
			Order("created_at ASC").
			Find(&msgs).Error; txErr != nil {
			return txErr
		}

		accessLog := &model.AdminMessageAccessLog{
			AdminID:        adminID,
			ConversationID: convID,
			Justification:  justification,
			MessageCount:   len(msgs),
			ClientIP:       meta.IP,
			UserAgent:      meta.UserAgent,
		}
		if txErr := s.AccessRepo.CreateLogTx(tx, accessLog); txErr != nil {
			return txErr
		}

		views = make([]MessageView, 0, len(msgs))
		for i := range msgs {
			views = append(views, *s.decryptForAdmin(conv, &msgs[i]))
		}
		return nil
	})
	if err != nil {
		logger.Log.Error("admin conversation read failed",
			zap.Uint("adminId", adminID),
			zap.String("conversationId", convID),
			zap.Error(err))
		return nil, err
	}

	logger.Log.Info("admin decrypted conversation",
		zap.Uint("adminId", adminID),
		zap.String("conversationId", convID),
		zap.Int("messageCount", len(views)))
	return views, nil
}

func (s *AdminOversightService) decryptForAdmin(conv *model.Conversation, msg *model.ChatMessage) *MessageView {
	view := &MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.Sender.Name,
		State:          string(msg.State),
		CreatedAt:      msg.CreatedAt,
		EditedAt:       msg.EditedAt,
		SeqID:          msg.SeqID,
	}
	if msg.State == model.MessageDeleted {
		return view
	}
	plaintext, err := s.Cipher.Decrypt(msg.CipherContent, msg.ConversationID, conv.KeyVersion)
	if err != nil || !s.Cipher.Verify(plaintext, msg.ContentHash) {
		monitoring.IntegrityFailures.Inc()
		view.Content = unreadablePlaceholder
		view.Unreadable = true
		return view
	}
	view.Content = plaintext
	return view
}

// ListConversations 管理端全量会话分页
func (s *AdminOversightService) ListConversations(adminID uint, limit, offset int) ([]model.Conversation, int64, error) {
	if isAdmin, err := s.Authz.IsAdmin(adminID); err != nil || !isAdmin {
		return nil, 0, util.ErrUnauthorized
	}
	return s.ConvRepo.ListAll(limit, offset)
}

// ListUserConversations 管理端视角查看某用户的全部会话
func (s *AdminOversightService) ListUserConversations(adminID, userID uint, limit, offset int) ([]model.Conversation, int64, error) {
	if isAdmin, err := s.Authz.IsAdmin(adminID); err != nil || !isAdmin {
		return nil, 0, util.ErrUnauthorized
	}
	return s.ConvRepo.ListAllForUser(userID, limit, offset)
}

// ListAccessLogs 审计日志分页
func (s *AdminOversightService) ListAccessLogs(adminID uint, limit, offset int) ([]model.AdminMessageAccessLog, int64, error) {
	if isAdmin, err := s.Authz.IsAdmin(adminID); err != nil || !isAdmin {
		return nil, 0, util.ErrUnauthorized
	}
	return s.AccessRepo.ListLogs(limit, offset)
}

// ArchiveConversation 管理端归档会话；只打标记，消息照常保留
func (s *AdminOversightService) ArchiveConversation(adminID uint, convID string) error {
	if isAdmin, err := s.Authz.IsAdmin(adminID); err != nil || !isAdmin {
		return util.ErrUnauthorized
	}
	if _, err := s.ConvRepo.Get(convID); err != nil {
		return util.ErrNotFound
	}
	if err := s.ConvRepo.Archive(convID); err != nil {
		return err
	}
	logger.Log.Info("conversation archived by admin",
		zap.Uint("adminId", adminID),
		zap.String("conversationId", convID))
	return nil
}

// ArchiveOldMessages 把超期消息迁入归档表，可安全重跑
func (s *AdminOversightService) ArchiveOldMessages() (int64, error) {
	if s.Cfg.ArchiveAfterDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.Cfg.ArchiveAfterDays)
	n, err := s.AccessRepo.ArchiveMessagesOlderThan(cutoff, 500)
	if err != nil {
		logger.Log.Error("message archival failed", zap.Error(err))
		return n, err
	}
	if n > 0 {
		logger.Log.Info("archived old messages", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// PurgeOldAccessLogs 清理超期审计日志，可安全重跑
func (s *AdminOversightService) PurgeOldAccessLogs() (int64, error) {
	if s.Cfg.PurgeLogAfterDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.Cfg.PurgeLogAfterDays)
	n, err := s.AccessRepo.PurgeOlderThan(cutoff)
	if err != nil {
		logger.Log.Error("access log purge failed", zap.Error(err))
		return n, err
	}
	if n > 0 {
		logger.Log.Info("purged old access logs", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}
