package model

import (
	"fmt"
	"time"
)

type ConversationType string

const (
	ConvDirect       ConversationType = "direct"
	ConvCourseGroup  ConversationType = "course_group"
	ConvStudentGroup ConversationType = "student_group"
	ConvBroadcast    ConversationType = "broadcast"
)

// Conversation 会话（私聊、课程群、学生群、广播）
// 会话永不物理删除，只能归档；加密密钥指纹用于排查密钥派生问题
type Conversation struct {
	UUIDBase
	Type            ConversationType          `gorm:"type:enum('direct','course_group','student_group','broadcast');default:'direct'" json:"type"`
	Title           string                    `gorm:"size:100" json:"title"`
	CourseGroupID   *string                   `gorm:"type:varchar(36);index" json:"courseGroupId,omitempty"`
	DirectKey       string                    `gorm:"size:50;uniqueIndex:uniq_direct_key" json:"-"` // "direct:minID:maxID"，保证同一对用户只有一个私聊
	LastMessageAt   *time.Time                `gorm:"index" json:"lastMessageAt"`                   // 冗余字段，用于会话列表排序
	MaxParticipants int                       `gorm:"default:200" json:"maxParticipants"`
	KeyFingerprint  string                    `gorm:"size:32" json:"-"`
	KeyVersion      int                       `gorm:"default:1" json:"-"` // 密钥版本，预留轮换
	ArchivedAt      *time.Time                `json:"archivedAt,omitempty"`
	Participants    []ConversationParticipant `gorm:"foreignKey:ConversationID" json:"participants"`
	ParticipantIDs  []uint                    `gorm:"-" json:"participantIds"` // 扁平化的参与者ID列表
}

func (Conversation) TableName() string {
	return "conversations"
}

// DirectKeyFor 生成私聊会话的唯一键，与参数顺序无关
func DirectKeyFor(userA, userB uint) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("direct:%d:%d", userA, userB)
}

type ParticipantRole string

const (
	RoleOwner       ParticipantRole = "owner"
	RoleParticipant ParticipantRole = "participant"
	RoleConvAdmin   ParticipantRole = "admin"
)

// ConversationParticipant 参与者关系、已读指针、输入状态
// 退出会话只写 LeftAt 时间戳，行保留，保证历史消息可追溯
type ConversationParticipant struct {
	ConversationID    string          `gorm:"primaryKey;type:varchar(36)" json:"conversationId"`
	UserID            uint            `gorm:"primaryKey;index" json:"userId"`
	User              User            `gorm:"foreignKey:UserID" json:"user"`
	Role              ParticipantRole `gorm:"type:enum('owner','participant','admin');default:'participant'" json:"role"`
	JoinedAt          time.Time       `gorm:"autoCreateTime" json:"joinedAt"`
	LeftAt            *time.Time      `gorm:"index" json:"leftAt,omitempty"`
	LastReadMessageID string          `gorm:"type:varchar(36);default:''" json:"lastReadMessageId"`
	LastReadAt        *time.Time      `json:"lastReadAt"`
	IsTyping          bool            `gorm:"default:false" json:"isTyping"`
	TypingAt          *time.Time      `json:"-"` // 用于过期失效卡住的输入状态
	IsMuted           bool            `gorm:"default:false" json:"isMuted"`
	IsPinned          bool            `gorm:"default:false" json:"isPinned"`
	HiddenAt          *time.Time      `gorm:"index" json:"hiddenAt,omitempty"` // 用户从自己列表删除会话的时间
}

func (ConversationParticipant) TableName() string {
	return "conversation_participants"
}

// Active 参与者是否仍在会话中
func (p *ConversationParticipant) Active() bool {
	return p.LeftAt == nil
}
