package repository

import (
	"time"

	"school_im_backend/internal/model"

	"gorm.io/gorm"
)

type AdminAccessRepository struct {
	DB *gorm.DB
}

func NewAdminAccessRepository(db *gorm.DB) *AdminAccessRepository {
	return &AdminAccessRepository{DB: db}
}

// CreateLogTx 在给定事务内写审计行；调用方保证审计和取数同事务
func (r *AdminAccessRepository) CreateLogTx(tx *gorm.DB, log *model.AdminMessageAccessLog) error {
	return tx.Create(log).Error
}

func (r *AdminAccessRepository) ListLogs(limit, offset int) ([]model.AdminMessageAccessLog, int64, error) {
	var logs []model.AdminMessageAccessLog
	var total int64

	if err := r.DB.Model(&model.AdminMessageAccessLog{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := r.DB.Preload("Admin").
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&logs).Error
	return logs, total, err
}

// PurgeOlderThan 清理超期审计，按时间过滤，可安全重跑
func (r *AdminAccessRepository) PurgeOlderThan(cutoff time.Time) (int64, error) {
	result := r.DB.Unscoped().
		Where("created_at < ?", cutoff).
		Delete(&model.AdminMessageAccessLog{})
	return result.RowsAffected, result.Error
}

// ArchiveMessagesOlderThan 把超期消息搬到归档表，按时间过滤，可安全重跑
// 分批处理，中断后重跑不会重复归档（热表里的行已经删掉）
func (r *AdminAccessRepository) ArchiveMessagesOlderThan(cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	var archived int64
	for {
		var batch []model.ChatMessage
		if err := r.DB.Where("created_at < ?", cutoff).
			Order("created_at ASC").
			Limit(batchSize).
			Find(&batch).Error; err != nil {
			return archived, err
		}
		if len(batch) == 0 {
			return archived, nil
		}

		err := r.DB.Transaction(func(tx *gorm.DB) error {
			rows := make([]model.ArchivedMessage, 0, len(batch))
			ids := make([]string, 0, len(batch))
			for _, m := range batch {
				rows = append(rows, model.ArchivedMessage{
					ID:             m.ID,
					ConversationID: m.ConversationID,
					SenderID:       m.SenderID,
					CipherContent:  m.CipherContent,
					ContentHash:    m.ContentHash,
					State:          string(m.State),
					SeqID:          m.SeqID,
					SentAt:         m.CreatedAt,
					TombstonedAt:   m.TombstonedAt,
				})
				ids = append(ids, m.ID)
			}
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
			return tx.Unscoped().Where("id IN ?", ids).Delete(&model.ChatMessage{}).Error
		})
		if err != nil {
			return archived, err
		}
		archived += int64(len(batch))
	}
}
