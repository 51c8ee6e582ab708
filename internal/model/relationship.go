package model

import (
	"time"
)

// 师生、家校、咨询关系由外部教务系统维护，本服务只读
// 这些表决定了"谁可以和谁说话"

// TeacherStudent 任课关系
type TeacherStudent struct {
	TeacherID uint      `gorm:"primaryKey" json:"teacherId"`
	StudentID uint      `gorm:"primaryKey" json:"studentId"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (TeacherStudent) TableName() string {
	return "teacher_students"
}

// CounselorStudent 咨询辅导关系
type CounselorStudent struct {
	CounselorID uint      `gorm:"primaryKey" json:"counselorId"`
	StudentID   uint      `gorm:"primaryKey" json:"studentId"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (CounselorStudent) TableName() string {
	return "counselor_students"
}

// ParentStudent 亲子关系
type ParentStudent struct {
	ParentID  uint      `gorm:"primaryKey" json:"parentId"`
	StudentID uint      `gorm:"primaryKey" json:"studentId"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (ParentStudent) TableName() string {
	return "parent_students"
}

// CourseGroup 课程/学生分组，一个分组绑定一个群会话
type CourseGroup struct {
	UUIDBase
	Name           string  `gorm:"size:100;not null" json:"name"`
	Kind           string  `gorm:"type:enum('course','student');default:'course'" json:"kind"`
	ConversationID *string `gorm:"type:varchar(36);index" json:"conversationId,omitempty"`
	OwnerID        uint    `gorm:"index" json:"ownerId"`
}

func (CourseGroup) TableName() string {
	return "course_groups"
}

// CourseGroupMember 分组成员
type CourseGroupMember struct {
	GroupID   string    `gorm:"primaryKey;type:varchar(36)" json:"groupId"`
	UserID    uint      `gorm:"primaryKey;index" json:"userId"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (CourseGroupMember) TableName() string {
	return "course_group_members"
}
