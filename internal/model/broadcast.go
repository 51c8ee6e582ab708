package model

import (
	"time"
)

// AudienceMask 广播受众位掩码
type AudienceMask int

const (
	AudienceStudents AudienceMask = 1 << iota
	AudienceTeachers
	AudienceParents
	AudienceCounselors

	AudienceAll = AudienceStudents | AudienceTeachers | AudienceParents | AudienceCounselors
)

// Roles 展开掩码对应的角色列表
func (m AudienceMask) Roles() []UserRole {
	var roles []UserRole
	if m&AudienceStudents != 0 {
		roles = append(roles, Student)
	}
	if m&AudienceTeachers != 0 {
		roles = append(roles, Teacher)
	}
	if m&AudienceParents != 0 {
		roles = append(roles, Parent)
	}
	if m&AudienceCounselors != 0 {
		roles = append(roles, Counselor)
	}
	return roles
}

// BroadcastMessage 广播消息：单份密文，发送时解析受众，逐人建跟踪行
// RecipientCount / ReadCount 为冗余计数，随个人已读更新
type BroadcastMessage struct {
	UUIDBase
	SenderID       uint         `gorm:"index;not null" json:"senderId"`
	Sender         User         `gorm:"foreignKey:SenderID" json:"sender"`
	Title          string       `gorm:"size:200;not null" json:"title"`
	CipherContent  []byte       `gorm:"type:blob" json:"-"`
	ContentHash    string       `gorm:"size:64" json:"-"`
	AudienceMask   AudienceMask `gorm:"not null" json:"audienceMask"`
	RecipientCount int          `gorm:"default:0" json:"recipientCount"`
	ReadCount      int          `gorm:"default:0" json:"readCount"`
}

func (BroadcastMessage) TableName() string {
	return "broadcast_messages"
}

// BroadcastRecipient 广播接收者，已读状态独立于会话回执
type BroadcastRecipient struct {
	BroadcastID string     `gorm:"primaryKey;type:varchar(36)" json:"broadcastId"`
	UserID      uint       `gorm:"primaryKey;index" json:"userId"`
	IsRead      bool       `gorm:"default:false" json:"isRead"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"createdAt"`
}

func (BroadcastRecipient) TableName() string {
	return "broadcast_recipients"
}
