package repository

import (
	"time"

	"school_im_backend/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PushSubscriptionRepository struct {
	DB *gorm.DB
}

func NewPushSubscriptionRepository(db *gorm.DB) *PushSubscriptionRepository {
	return &PushSubscriptionRepository{DB: db}
}

// Upsert 同一端点重新订阅时复位失败计数并重新激活
func (r *PushSubscriptionRepository) Upsert(sub *model.PushSubscription) error {
	return r.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"user_id":      sub.UserID,
			"p256dh_key":   sub.P256dhKey,
			"auth_key":     sub.AuthKey,
			"fail_count":   0,
			"is_active":    true,
			"last_used_at": time.Now(),
		}),
	}).Create(sub).Error
}

func (r *PushSubscriptionRepository) Remove(endpoint string, userID uint) error {
	return r.DB.Unscoped().
		Where("endpoint = ? AND user_id = ?", endpoint, userID).
		Delete(&model.PushSubscription{}).Error
}

func (r *PushSubscriptionRepository) GetActiveForUser(userID uint) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	err := r.DB.Where("user_id = ? AND is_active = ?", userID, true).Find(&subs).Error
	return subs, err
}

func (r *PushSubscriptionRepository) GetActiveForUsers(userIDs []uint) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	err := r.DB.Where("user_id IN ? AND is_active = ?", userIDs, true).Find(&subs).Error
	return subs, err
}

// RecordSuccess 成功投递后复位失败计数
func (r *PushSubscriptionRepository) RecordSuccess(id string) error {
	return r.DB.Model(&model.PushSubscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"fail_count":   0,
			"last_used_at": time.Now(),
		}).Error
}

// RecordFailure 失败计数+1，超过阈值则停用（保留行便于排查）
func (r *PushSubscriptionRepository) RecordFailure(id string, threshold int) error {
	return r.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.PushSubscription{}).
			Where("id = ?", id).
			Update("fail_count", gorm.Expr("fail_count + 1")).Error; err != nil {
			return err
		}
		return tx.Model(&model.PushSubscription{}).
			Where("id = ? AND fail_count >= ?", id, threshold).
			Update("is_active", false).Error
	})
}

// DeactivateFailed 批量停用超过阈值仍活跃的订阅
func (r *PushSubscriptionRepository) DeactivateFailed(threshold int) (int64, error) {
	result := r.DB.Model(&model.PushSubscription{}).
		Where("fail_count >= ? AND is_active = ?", threshold, true).
		Update("is_active", false)
	return result.RowsAffected, result.Error
}
