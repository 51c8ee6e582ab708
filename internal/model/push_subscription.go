package model

import (
	"time"
)

// PushSubscription 推送订阅，按用户+设备端点
// 连续推送失败超过阈值后置为不可用，保留行用于排查
type PushSubscription struct {
	UUIDBase
	UserID     uint      `gorm:"index;not null" json:"userId"`
	Endpoint   string    `gorm:"size:500;uniqueIndex:uniq_push_endpoint,length:255;not null" json:"endpoint"`
	P256dhKey  string    `gorm:"size:255" json:"p256dhKey"`
	AuthKey    string    `gorm:"size:255" json:"authKey"`
	FailCount  int       `gorm:"default:0" json:"failCount"`
	IsActive   bool      `gorm:"default:true;index" json:"isActive"`
	LastUsedAt time.Time `gorm:"default:CURRENT_TIMESTAMP(3)" json:"lastUsedAt"`
}

func (PushSubscription) TableName() string {
	return "push_subscriptions"
}
