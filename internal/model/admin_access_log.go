package model

import (
	"time"
)

// AdminMessageAccessLog 管理员解密访问审计，只追加，永不更新或删除
// 每次管理员读取会话明文必须先落一条审计，写不进审计就不返回数据
type AdminMessageAccessLog struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	AdminID        uint      `gorm:"index;not null" json:"adminId"`
	Admin          User      `gorm:"foreignKey:AdminID" json:"admin"`
	ConversationID string    `gorm:"index;type:varchar(36);not null" json:"conversationId"`
	MessageID      *string   `gorm:"type:varchar(36)" json:"messageId,omitempty"` // 为空表示整段会话
	Justification  string    `gorm:"size:500;not null" json:"justification"`
	MessageCount   int       `gorm:"default:0" json:"messageCount"`
	ClientIP       string    `gorm:"size:45" json:"clientIp"`
	UserAgent      string    `gorm:"size:255" json:"userAgent"`
	CreatedAt      time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
}

func (AdminMessageAccessLog) TableName() string {
	return "admin_message_access_logs"
}
