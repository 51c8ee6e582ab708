package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"school_im_backend/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConversationRepository struct {
	DB    *gorm.DB
	Redis *redis.Client
	ctx   context.Context
}

func NewConversationRepository(db *gorm.DB, rdb *redis.Client) *ConversationRepository {
	return &ConversationRepository{
		DB:    db,
		Redis: rdb,
		ctx:   context.Background(),
	}
}

func (r *ConversationRepository) Create(conv *model.Conversation) error {
	return r.DB.Create(conv).Error
}

func (r *ConversationRepository) Get(id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.DB.Preload("Participants.User").First(&conv, "id = ?", id).Error
	return &conv, err
}

// FindDirectByKey 按 direct_key 查私聊，唯一索引保证同一对用户至多一条
func (r *ConversationRepository) FindDirectByKey(key string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.DB.Preload("Participants.User").
		Where("type = ? AND direct_key = ?", model.ConvDirect, key).
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateDirect 创建私聊；并发撞上唯一索引时回查已有会话，保证幂等
func (r *ConversationRepository) CreateDirect(conv *model.Conversation, userA, userB uint) (*model.Conversation, error) {
	err := r.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		participants := []model.ConversationParticipant{
			{ConversationID: conv.ID, UserID: userA, Role: model.RoleOwner},
			{ConversationID: conv.ID, UserID: userB, Role: model.RoleParticipant},
		}
		return tx.Create(&participants).Error
	})

	if err != nil {
		// 并发创建时另一个请求已插入，读回即可
		if existing, findErr := r.FindDirectByKey(conv.DirectKey); findErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return r.Get(conv.ID)
}

func (r *ConversationRepository) AddParticipant(p *model.ConversationParticipant) error {
	// 之前退出过的参与者重新进入：清掉 LeftAt，不新建行
	err := r.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"left_at": nil}),
	}).Create(p).Error
	if err == nil && r.Redis != nil {
		r.Redis.Del(r.ctx, fmt.Sprintf("im:conv:participants:%s", p.ConversationID))
	}
	return err
}

func (r *ConversationRepository) GetParticipant(convID string, userID uint) (*model.ConversationParticipant, error) {
	var p model.ConversationParticipant
	err := r.DB.Where("conversation_id = ? AND user_id = ?", convID, userID).First(&p).Error
	return &p, err
}

// GetActiveParticipant 仅返回未退出的参与者
func (r *ConversationRepository) GetActiveParticipant(convID string, userID uint) (*model.ConversationParticipant, error) {
	var p model.ConversationParticipant
	err := r.DB.Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", convID, userID).First(&p).Error
	return &p, err
}

func (r *ConversationRepository) GetActiveParticipants(convID string) ([]model.ConversationParticipant, error) {
	var ps []model.ConversationParticipant
	err := r.DB.Preload("User").
		Where("conversation_id = ? AND left_at IS NULL", convID).
		Find(&ps).Error
	return ps, err
}

// GetActiveParticipantIDs 未退出参与者ID（带缓存，分发高频调用）
func (r *ConversationRepository) GetActiveParticipantIDs(convID string) ([]uint, error) {
	if r.Redis != nil {
		key := fmt.Sprintf("im:conv:participants:%s", convID)
		cached, err := r.Redis.SMembers(r.ctx, key).Result()
		if err == nil && len(cached) > 0 {
			var ids []uint
			for _, s := range cached {
				var id uint
				fmt.Sscanf(s, "%d", &id)
				if id > 0 {
					ids = append(ids, id)
				}
			}
			return ids, nil
		}
	}

	var ids []uint
	err := r.DB.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ? AND left_at IS NULL", convID).
		Pluck("user_id", &ids).Error

	if err == nil && len(ids) > 0 && r.Redis != nil {
		key := fmt.Sprintf("im:conv:participants:%s", convID)
		pipe := r.Redis.Pipeline()
		for _, id := range ids {
			pipe.SAdd(r.ctx, key, id)
		}
		pipe.Expire(r.ctx, key, relationCacheTTL)
		pipe.Exec(r.ctx)
	}
	return ids, err
}

func (r *ConversationRepository) CountActiveParticipants(convID string) (int64, error) {
	var count int64
	err := r.DB.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ? AND left_at IS NULL", convID).
		Count(&count).Error
	return count, err
}

// MarkLeft 退出会话：只写时间戳，历史可追溯
func (r *ConversationRepository) MarkLeft(convID string, userID uint) error {
	now := time.Now()
	err := r.DB.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", convID, userID).
		Update("left_at", now).Error
	if err == nil && r.Redis != nil {
		r.Redis.Del(r.ctx, fmt.Sprintf("im:conv:participants:%s", convID))
	}
	return err
}

func (r *ConversationRepository) SetMuted(convID string, userID uint, muted bool) error {
	return r.DB.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Update("is_muted", muted).Error
}

func (r *ConversationRepository) SetPinned(convID string, userID uint, pinned bool) error {
	return r.DB.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Update("is_pinned", pinned).Error
}

// Hide 用户把会话从自己列表里删掉，对其他参与者无影响
func (r *ConversationRepository) Hide(convID string, userID uint) error {
	now := time.Now()
	return r.DB.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Update("hidden_at", now).Error
}

// Unhide 会话有新消息时恢复所有人的列表可见性
func (r *ConversationRepository) Unhide(convID string) error {
	return r.DB.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ? AND hidden_at IS NOT NULL", convID).
		Update("hidden_at", nil).Error
}

func (r *ConversationRepository) ListForUser(userID uint, query string, limit, offset int) ([]model.Conversation, int64, error) {
	var convs []model.Conversation
	var total int64

	db := r.DB.Model(&model.Conversation{}).
		Joins("JOIN conversation_participants ON conversation_participants.conversation_id = conversations.id").
		Where("conversation_participants.user_id = ?", userID).
		Where("conversation_participants.left_at IS NULL").
		Where("conversation_participants.hidden_at IS NULL")

	if query != "" {
		db = db.Where("conversations.title LIKE ?", "%"+query+"%")
	}

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := db.Preload("Participants.User").
		Order("conversations.last_message_at DESC").
		Limit(limit).Offset(offset).
		Find(&convs).Error

	return convs, total, err
}

func (r *ConversationRepository) UpdateLastRead(convID string, userID uint, msgID string, at time.Time) error {
	return r.DB.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Updates(map[string]interface{}{
			"last_read_message_id": msgID,
			"last_read_at":         at,
		}).Error
}

// SetTyping 输入状态只存最后时间戳，读取时按过期时间判断是否还有效
func (r *ConversationRepository) SetTyping(convID string, userID uint, isTyping bool) error {
	updates := map[string]interface{}{"is_typing": isTyping}
	if isTyping {
		updates["typing_at"] = time.Now()
	}
	return r.DB.Model(&model.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Updates(updates).Error
}

// GetCoParticipantIDs 与该用户同会话的其他在场参与者，用于上下线通知
func (r *ConversationRepository) GetCoParticipantIDs(userID uint) ([]uint, error) {
	var ids []uint
	err := r.DB.Model(&model.ConversationParticipant{}).
		Distinct("conversation_participants.user_id").
		Joins("JOIN conversation_participants mine ON mine.conversation_id = conversation_participants.conversation_id").
		Where("mine.user_id = ? AND mine.left_at IS NULL", userID).
		Where("conversation_participants.user_id != ? AND conversation_participants.left_at IS NULL", userID).
		Pluck("conversation_participants.user_id", &ids).Error
	return ids, err
}

// ExpireStaleTyping 清掉超过有效期仍未复位的输入状态
func (r *ConversationRepository) ExpireStaleTyping(expiry time.Duration) (int64, error) {
	cutoff := time.Now().Add(-expiry)
	result := r.DB.Model(&model.ConversationParticipant{}).
		Where("is_typing = ? AND typing_at < ?", true, cutoff).
		Update("is_typing", false)
	return result.RowsAffected, result.Error
}

// UpdateKeyFingerprint 会话 ID 在 BeforeCreate 才生成，指纹创建后补写
func (r *ConversationRepository) UpdateKeyFingerprint(convID, fingerprint string) error {
	return r.DB.Model(&model.Conversation{}).
		Where("id = ?", convID).
		Update("key_fingerprint", fingerprint).Error
}

func (r *ConversationRepository) Archive(convID string) error {
	now := time.Now()
	return r.DB.Model(&model.Conversation{}).
		Where("id = ?", convID).
		Update("archived_at", now).Error
}

// ListAll 管理端分页列出所有会话
func (r *ConversationRepository) ListAll(limit, offset int) ([]model.Conversation, int64, error) {
	var convs []model.Conversation
	var total int64

	if err := r.DB.Model(&model.Conversation{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.DB.Preload("Participants.User").
		Order("last_message_at DESC").
		Limit(limit).Offset(offset).
		Find(&convs).Error
	return convs, total, err
}

// ListAllForUser 管理端视角列出某个用户的全部会话（含已隐藏/已退出）
func (r *ConversationRepository) ListAllForUser(userID uint, limit, offset int) ([]model.Conversation, int64, error) {
	var convs []model.Conversation
	var total int64

	db := r.DB.Model(&model.Conversation{}).
		Joins("JOIN conversation_participants ON conversation_participants.conversation_id = conversations.id").
		Where("conversation_participants.user_id = ?", userID)

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := db.Preload("Participants.User").
		Order("conversations.last_message_at DESC").
		Limit(limit).Offset(offset).
		Find(&convs).Error
	return convs, total, err
}

// IsRecordNotFound 统一判空
func IsRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
