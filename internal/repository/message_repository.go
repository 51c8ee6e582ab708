package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"school_im_backend/internal/model"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxCacheMessages = 50 // 每个会话缓存最近50条消息

type MessageRepository struct {
	DB    *gorm.DB
	Redis *redis.Client
	ctx   context.Context
}

func NewMessageRepository(db *gorm.DB, rdb *redis.Client) *MessageRepository {
	return &MessageRepository{
		DB:    db,
		Redis: rdb,
		ctx:   context.Background(),
	}
}

// Create 落库必须在分发之前完成：先取序列号、同步写库，成功后才能广播
func (r *MessageRepository) Create(msg *model.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = model.GenerateUUID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	// 会话内连续 SeqID (Redis 原子递增)
	if r.Redis != nil {
		seqKey := fmt.Sprintf("im:seq:%s", msg.ConversationID)
		seq, err := r.Redis.Incr(r.ctx, seqKey).Result()
		if err == nil {
			msg.SeqID = uint64(seq)
		}
	}

	err := r.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&model.Conversation{}).
			Where("id = ?", msg.ConversationID).
			Update("last_message_at", msg.CreatedAt).Error
	})
	if err != nil {
		return err
	}

	go r.cacheMessage(msg)
	return nil
}

func (r *MessageRepository) cacheMessage(msg *model.ChatMessage) {
	if r.Redis == nil {
		return
	}
	key := fmt.Sprintf("im:cache:%s", msg.ConversationID)
	data, _ := json.Marshal(msg)

	pipe := r.Redis.Pipeline()
	pipe.LPush(r.ctx, key, data)
	pipe.LTrim(r.ctx, key, 0, maxCacheMessages-1)
	pipe.Expire(r.ctx, key, 24*time.Hour)
	pipe.Exec(r.ctx)
}

func (r *MessageRepository) invalidateCache(convID string) {
	if r.Redis != nil {
		r.Redis.Del(r.ctx, fmt.Sprintf("im:cache:%s", convID))
	}
}

func (r *MessageRepository) Get(id string) (*model.ChatMessage, error) {
	var msg model.ChatMessage
	err := r.DB.Preload("Sender").First(&msg, "id = ?", id).Error
	return &msg, err
}

func (r *MessageRepository) GetPage(convID string, limit, offset int, beforeID string) ([]model.ChatMessage, error) {
	var msgs []model.ChatMessage
	db := r.DB.Preload("Sender").Where("conversation_id = ?", convID)

	if beforeID != "" {
		var beforeMsg model.ChatMessage
		if err := r.DB.First(&beforeMsg, "id = ?", beforeID).Error; err == nil {
			db = db.Where("created_at < ?", beforeMsg.CreatedAt)
		}
	}

	err := db.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&msgs).Error
	return msgs, err
}

// UpdateEdited 改写内容：密文和哈希替换，原发送时间保留
func (r *MessageRepository) UpdateEdited(msg *model.ChatMessage) error {
	now := time.Now()
	err := r.DB.Model(&model.ChatMessage{}).
		Where("id = ?", msg.ID).
		Updates(map[string]interface{}{
			"cipher_content": msg.CipherContent,
			"content_hash":   msg.ContentHash,
			"state":          model.MessageEdited,
			"edited_at":      now,
		}).Error
	if err == nil {
		msg.State = model.MessageEdited
		msg.EditedAt = &now
		r.invalidateCache(msg.ConversationID)
	}
	return err
}

// Tombstone 墓碑式删除：密文清空，记录删除者，不可逆
func (r *MessageRepository) Tombstone(msgID string, deletedBy uint) error {
	var msg model.ChatMessage
	if err := r.DB.First(&msg, "id = ?", msgID).Error; err != nil {
		return err
	}

	now := time.Now()
	err := r.DB.Model(&model.ChatMessage{}).
		Where("id = ?", msgID).
		Updates(map[string]interface{}{
			"cipher_content": []byte{},
			"content_hash":   "",
			"state":          model.MessageDeleted,
			"deleted_by_id":  deletedBy,
			"tombstoned_at":  now,
		}).Error
	if err == nil {
		r.invalidateCache(msg.ConversationID)
	}
	return err
}

// InsertDeliveryReceipt 幂等插入送达回执；返回是否真的新建了行
func (r *MessageRepository) InsertDeliveryReceipt(msgID string, userID uint) (bool, error) {
	receipt := model.MessageDeliveryReceipt{
		MessageID:   msgID,
		UserID:      userID,
		DeliveredAt: time.Now(),
	}
	result := r.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&receipt)
	return result.RowsAffected > 0, result.Error
}

// InsertReadReceipt 幂等插入已读回执
func (r *MessageRepository) InsertReadReceipt(msgID string, userID uint) (bool, error) {
	receipt := model.MessageReadReceipt{
		MessageID: msgID,
		UserID:    userID,
		ReadAt:    time.Now(),
	}
	result := r.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&receipt)
	return result.RowsAffected > 0, result.Error
}

// GetUnreadMessages 参与者已读指针之后、非本人发送的消息
func (r *MessageRepository) GetUnreadMessages(convID string, userID uint, lastReadAt *time.Time) ([]model.ChatMessage, error) {
	var msgs []model.ChatMessage
	db := r.DB.Where("conversation_id = ?", convID).
		Where("sender_id IS NULL OR sender_id != ?", userID)
	if lastReadAt != nil {
		db = db.Where("created_at > ?", *lastReadAt)
	}
	err := db.Order("created_at ASC").Find(&msgs).Error
	return msgs, err
}

// UnreadCount 未读数是派生值：已读指针之后、他人发送的消息数
func (r *MessageRepository) UnreadCount(convID string, userID uint, lastReadAt *time.Time) (int64, error) {
	var count int64
	db := r.DB.Model(&model.ChatMessage{}).
		Where("conversation_id = ?", convID).
		Where("sender_id IS NULL OR sender_id != ?", userID)
	if lastReadAt != nil {
		db = db.Where("created_at > ?", *lastReadAt)
	}
	err := db.Count(&count).Error
	return count, err
}

// TotalUnreadCount 所有会话未读数合计
func (r *MessageRepository) TotalUnreadCount(userID uint) (int64, error) {
	var count int64
	err := r.DB.Model(&model.ChatMessage{}).
		Joins("JOIN conversation_participants cp ON cp.conversation_id = chat_messages.conversation_id").
		Where("cp.user_id = ? AND cp.left_at IS NULL", userID).
		Where("chat_messages.sender_id IS NULL OR chat_messages.sender_id != ?", userID).
		Where("cp.last_read_at IS NULL OR chat_messages.created_at > cp.last_read_at").
		Count(&count).Error
	return count, err
}

// GetReadReceipts 一条消息的已读回执列表
func (r *MessageRepository) GetReadReceipts(msgID string) ([]model.MessageReadReceipt, error) {
	var receipts []model.MessageReadReceipt
	err := r.DB.Where("message_id = ?", msgID).Find(&receipts).Error
	return receipts, err
}

func (r *MessageRepository) GetDeliveryReceipts(msgID string) ([]model.MessageDeliveryReceipt, error) {
	var receipts []model.MessageDeliveryReceipt
	err := r.DB.Where("message_id = ?", msgID).Find(&receipts).Error
	return receipts, err
}

// GetReadReceiptsForMessages 批量取回执，避免逐条查询
func (r *MessageRepository) GetReadReceiptsForMessages(msgIDs []string) (map[string][]uint, error) {
	var receipts []model.MessageReadReceipt
	if err := r.DB.Where("message_id IN ?", msgIDs).Find(&receipts).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]uint)
	for _, rec := range receipts {
		out[rec.MessageID] = append(out[rec.MessageID], rec.UserID)
	}
	return out, nil
}

func (r *MessageRepository) GetDeliveryReceiptsForMessages(msgIDs []string) (map[string][]uint, error) {
	var receipts []model.MessageDeliveryReceipt
	if err := r.DB.Where("message_id IN ?", msgIDs).Find(&receipts).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]uint)
	for _, rec := range receipts {
		out[rec.MessageID] = append(out[rec.MessageID], rec.UserID)
	}
	return out, nil
}
