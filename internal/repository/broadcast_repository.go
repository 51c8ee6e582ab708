package repository

import (
	"time"

	"school_im_backend/internal/model"

	"gorm.io/gorm"
)

type BroadcastRepository struct {
	DB *gorm.DB
}

func NewBroadcastRepository(db *gorm.DB) *BroadcastRepository {
	return &BroadcastRepository{DB: db}
}

// Create 广播和全部接收行在同一事务内落库
func (r *BroadcastRepository) Create(b *model.BroadcastMessage, recipientIDs []uint) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		b.RecipientCount = len(recipientIDs)
		if err := tx.Create(b).Error; err != nil {
			return err
		}

		if len(recipientIDs) == 0 {
			return nil
		}

		recipients := make([]model.BroadcastRecipient, 0, len(recipientIDs))
		for _, id := range recipientIDs {
			recipients = append(recipients, model.BroadcastRecipient{
				BroadcastID: b.ID,
				UserID:      id,
			})
		}
		// 分批插入，避免超大受众时单条 SQL 过长
		return tx.CreateInBatches(&recipients, 500).Error
	})
}

func (r *BroadcastRepository) Get(id string) (*model.BroadcastMessage, error) {
	var b model.BroadcastMessage
	err := r.DB.Preload("Sender").First(&b, "id = ?", id).Error
	return &b, err
}

// GetForUser 用户收到的广播，附带个人已读状态
func (r *BroadcastRepository) GetForUser(userID uint, limit, offset int) ([]model.BroadcastMessage, []model.BroadcastRecipient, int64, error) {
	var total int64
	db := r.DB.Model(&model.BroadcastMessage{}).
		Joins("JOIN broadcast_recipients ON broadcast_recipients.broadcast_id = broadcast_messages.id").
		Where("broadcast_recipients.user_id = ?", userID)

	if err := db.Count(&total).Error; err != nil {
		return nil, nil, 0, err
	}

	var broadcasts []model.BroadcastMessage
	err := db.Preload("Sender").
		Order("broadcast_messages.created_at DESC").
		Limit(limit).Offset(offset).
		Find(&broadcasts).Error
	if err != nil {
		return nil, nil, 0, err
	}

	ids := make([]string, 0, len(broadcasts))
	for _, b := range broadcasts {
		ids = append(ids, b.ID)
	}

	var receipts []model.BroadcastRecipient
	if len(ids) > 0 {
		err = r.DB.Where("broadcast_id IN ? AND user_id = ?", ids, userID).Find(&receipts).Error
	}
	return broadcasts, receipts, total, err
}

// MarkRead 个人已读 + 冗余计数更新；重复已读不重复计数
func (r *BroadcastRepository) MarkRead(broadcastID string, userID uint) (bool, error) {
	now := time.Now()
	var marked bool

	err := r.DB.Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.BroadcastRecipient{}).
			Where("broadcast_id = ? AND user_id = ? AND is_read = ?", broadcastID, userID, false).
			Updates(map[string]interface{}{
				"is_read": true,
				"read_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		marked = true
		return tx.Model(&model.BroadcastMessage{}).
			Where("id = ?", broadcastID).
			Update("read_count", gorm.Expr("read_count + 1")).Error
	})
	return marked, err
}

func (r *BroadcastRepository) GetRecipient(broadcastID string, userID uint) (*model.BroadcastRecipient, error) {
	var rec model.BroadcastRecipient
	err := r.DB.Where("broadcast_id = ? AND user_id = ?", broadcastID, userID).First(&rec).Error
	return &rec, err
}

// ListSentBy 发送者视角的广播列表（含计数）
func (r *BroadcastRepository) ListSentBy(senderID uint, limit, offset int) ([]model.BroadcastMessage, int64, error) {
	var broadcasts []model.BroadcastMessage
	var total int64

	db := r.DB.Model(&model.BroadcastMessage{}).Where("sender_id = ?", senderID)
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := db.Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&broadcasts).Error
	return broadcasts, total, err
}
