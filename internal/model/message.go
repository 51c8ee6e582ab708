package model

import (
	"time"
)

type MessageState string

const (
	MessageActive  MessageState = "active"
	MessageEdited  MessageState = "edited"
	MessageDeleted MessageState = "deleted"
)

// ChatMessage 消息记录
// 内容为密文存储，ContentHash 为明文的 SHA-256，解密后必须校验
// 删除为墓碑式：密文清空、状态置 deleted、记录删除者，原 ID 和顺序位置保留
type ChatMessage struct {
	UUIDBase
	ConversationID string       `gorm:"index;index:idx_conv_created;type:varchar(36);not null" json:"conversationId"`
	CreatedAt      time.Time    `gorm:"index:idx_conv_created" json:"createdAt"` // 联合索引优化历史消息查询
	SenderID       *uint        `gorm:"index" json:"senderId"`
	Sender         User         `gorm:"foreignKey:SenderID" json:"sender"`
	CipherContent  []byte       `gorm:"type:blob" json:"-"`
	ContentHash    string       `gorm:"size:64" json:"-"`
	State          MessageState `gorm:"type:enum('active','edited','deleted');default:'active'" json:"state"`
	EditedAt       *time.Time   `json:"editedAt,omitempty"`
	DeletedByID    *uint        `json:"deletedById,omitempty"`
	TombstonedAt   *time.Time   `json:"tombstonedAt,omitempty"`
	ReplyToID      *string      `gorm:"type:varchar(36);index" json:"replyToId,omitempty"`
	IsSystem       bool         `gorm:"default:false" json:"isSystem"`
	SeqID          uint64       `gorm:"index" json:"seqId"` // 会话内连续序列号，先落库后分发
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}

// MessageDeliveryReceipt 送达回执，(消息, 用户) 唯一，只写一次
type MessageDeliveryReceipt struct {
	MessageID   string    `gorm:"primaryKey;type:varchar(36)" json:"messageId"`
	UserID      uint      `gorm:"primaryKey" json:"userId"`
	DeliveredAt time.Time `gorm:"autoCreateTime" json:"deliveredAt"`
}

func (MessageDeliveryReceipt) TableName() string {
	return "message_delivery_receipts"
}

// MessageReadReceipt 已读回执，(消息, 用户) 唯一，只写一次
type MessageReadReceipt struct {
	MessageID string    `gorm:"primaryKey;type:varchar(36)" json:"messageId"`
	UserID    uint      `gorm:"primaryKey" json:"userId"`
	ReadAt    time.Time `gorm:"autoCreateTime" json:"readAt"`
}

func (MessageReadReceipt) TableName() string {
	return "message_read_receipts"
}

// ArchivedMessage 归档消息，由维护任务从热表迁入，保留发送者/时间/哈希
type ArchivedMessage struct {
	ID             string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ConversationID string     `gorm:"index;type:varchar(36);not null" json:"conversationId"`
	SenderID       *uint      `json:"senderId"`
	CipherContent  []byte     `gorm:"type:blob" json:"-"`
	ContentHash    string     `gorm:"size:64" json:"-"`
	State          string     `gorm:"size:20" json:"state"`
	SeqID          uint64     `json:"seqId"`
	SentAt         time.Time  `json:"sentAt"`
	ArchivedAt     time.Time  `gorm:"autoCreateTime" json:"archivedAt"`
	TombstonedAt   *time.Time `json:"tombstonedAt,omitempty"`
}

func (ArchivedMessage) TableName() string {
	return "archived_messages"
}
