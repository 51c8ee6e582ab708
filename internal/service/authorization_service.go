package service

import (
	"fmt"

	"school_im_backend/internal/model"
	"school_im_backend/internal/util"
)

// RelationshipSource 只读关系事实来源，授权判定的唯一依据
type RelationshipSource interface {
	IsTeacherOf(teacherID, studentID uint) (bool, error)
	IsCounselorOf(counselorID, studentID uint) (bool, error)
	IsParentOf(parentID, studentID uint) (bool, error)
	SharesGroup(userA, userB uint) (bool, error)
	IsGroupMember(groupID string, userID uint) (bool, error)
	GetStudentsOfTeacher(teacherID uint) ([]uint, error)
	GetStudentsOfCounselor(counselorID uint) ([]uint, error)
	GetChildrenOfParent(parentID uint) ([]uint, error)
	GetContactsOfStudent(studentID uint) ([]uint, error)
	GetUserGroupIDs(userID uint) ([]string, error)
}

// IdentitySource 只读身份来源
type IdentitySource interface {
	GetByID(id uint) (*model.User, error)
	GetByIDs(ids []uint) ([]model.User, error)
}

// ParticipationSource 会话参与关系来源
type ParticipationSource interface {
	GetActiveParticipant(convID string, userID uint) (*model.ConversationParticipant, error)
}

// AuthorizationService 会话创建、每次发送、广播前都必须过这道闸
// 只读关系事实，不持有消息状态
type AuthorizationService struct {
	Relations    RelationshipSource
	Users        IdentitySource
	Participants ParticipationSource
}

func NewAuthorizationService(relations RelationshipSource, users IdentitySource, participants ParticipationSource) *AuthorizationService {
	return &AuthorizationService{Relations: relations, Users: users, Participants: participants}
}

// CanMessageUser 判定 sender 是否可以向 recipient 发起私聊
// 拒绝时返回的 error 是 util.DeniedError，携带可向用户展示的原因
func (s *AuthorizationService) CanMessageUser(senderID, recipientID uint) error {
	if senderID == recipientID {
		return util.ErrSelfConversation
	}

	sender, err := s.Users.GetByID(senderID)
	if err != nil {
		return util.ErrUserNotFound
	}
	recipient, err := s.Users.GetByID(recipientID)
	if err != nil {
		return util.ErrUserNotFound
	}

	if sender.Role == model.Admin {
		return nil
	}

	allowed, err := s.relatedPair(sender, recipient)
	if err != nil {
		return err
	}
	if !allowed {
		return util.Denied("您与 %s 之间没有师生、家校或同课程关系，无法发起会话", recipient.Name)
	}
	return nil
}

// relatedPair 双向关系判定，顺序按命中概率排列
func (s *AuthorizationService) relatedPair(a, b *model.User) (bool, error) {
	type check func() (bool, error)
	checks := []check{}

	switch {
	case a.Role == model.Teacher && b.Role == model.Student:
		checks = append(checks, func() (bool, error) { return s.Relations.IsTeacherOf(a.ID, b.ID) })
	case a.Role == model.Student && b.Role == model.Teacher:
		checks = append(checks, func() (bool, error) { return s.Relations.IsTeacherOf(b.ID, a.ID) })
	case a.Role == model.Counselor && b.Role == model.Student:
		checks = append(checks, func() (bool, error) { return s.Relations.IsCounselorOf(a.ID, b.ID) })
	case a.Role == model.Student && b.Role == model.Counselor:
		checks = append(checks, func() (bool, error) { return s.Relations.IsCounselorOf(b.ID, a.ID) })
	case a.Role == model.Parent && b.Role == model.Student:
		checks = append(checks, func() (bool, error) { return s.Relations.IsParentOf(a.ID, b.ID) })
	case a.Role == model.Student && b.Role == model.Parent:
		checks = append(checks, func() (bool, error) { return s.Relations.IsParentOf(b.ID, a.ID) })
	case a.Role == model.Parent && b.Role == model.Teacher:
		checks = append(checks, func() (bool, error) { return s.teacherOfChild(b.ID, a.ID) })
	case a.Role == model.Teacher && b.Role == model.Parent:
		checks = append(checks, func() (bool, error) { return s.teacherOfChild(a.ID, b.ID) })
	case a.Role == model.Parent && b.Role == model.Counselor:
		checks = append(checks, func() (bool, error) { return s.counselorOfChild(b.ID, a.ID) })
	case a.Role == model.Counselor && b.Role == model.Parent:
		checks = append(checks, func() (bool, error) { return s.counselorOfChild(a.ID, b.ID) })
	}

	// 同课程/同小组成员兜底，覆盖同角色之间的协作
	checks = append(checks, func() (bool, error) { return s.Relations.SharesGroup(a.ID, b.ID) })

	for _, c := range checks {
		ok, err := c()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// teacherOfChild 家长与任课教师之间通过孩子建立联系
func (s *AuthorizationService) teacherOfChild(teacherID, parentID uint) (bool, error) {
	children, err := s.Relations.GetChildrenOfParent(parentID)
	if err != nil {
		return false, err
	}
	for _, childID := range children {
		ok, err := s.Relations.IsTeacherOf(teacherID, childID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *AuthorizationService) counselorOfChild(counselorID, parentID uint) (bool, error) {
	children, err := s.Relations.GetChildrenOfParent(parentID)
	if err != nil {
		return false, err
	}
	for _, childID := range children {
		ok, err := s.Relations.IsCounselorOf(counselorID, childID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// CanMessageInConversation 会话内发言要求在场参与者身份，管理员除外
func (s *AuthorizationService) CanMessageInConversation(userID uint, convID string) error {
	user, err := s.Users.GetByID(userID)
	if err != nil {
		return util.ErrUserNotFound
	}
	if user.Role == model.Admin {
		return nil
	}
	if _, err := s.Participants.GetActiveParticipant(convID, userID); err != nil {
		return util.ErrNotParticipant
	}
	return nil
}

// CanMessageGroup 群发言要求群成员身份，管理员除外
func (s *AuthorizationService) CanMessageGroup(userID uint, groupID string) error {
	user, err := s.Users.GetByID(userID)
	if err != nil {
		return util.ErrUserNotFound
	}
	if user.Role == model.Admin {
		return nil
	}
	ok, err := s.Relations.IsGroupMember(groupID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return util.Denied("您不是该群组成员，无法在群内发言")
	}
	return nil
}

// CanBroadcast 只有教师、辅导员和管理员可以发广播
func (s *AuthorizationService) CanBroadcast(userID uint) error {
	user, err := s.Users.GetByID(userID)
	if err != nil {
		return util.ErrUserNotFound
	}
	switch user.Role {
	case model.Admin, model.Teacher, model.Counselor:
		return nil
	default:
		return util.Denied("当前角色无广播权限")
	}
}

// AllowedRecipients 返回当前用户可以发起私聊的全部对象
func (s *AuthorizationService) AllowedRecipients(userID uint) ([]model.User, error) {
	user, err := s.Users.GetByID(userID)
	if err != nil {
		return nil, util.ErrUserNotFound
	}

	var ids []uint
	switch user.Role {
	case model.Admin:
		return nil, fmt.Errorf("管理员联系人列表请使用用户管理接口")
	case model.Teacher:
		ids, err = s.Relations.GetStudentsOfTeacher(userID)
	case model.Counselor:
		ids, err = s.Relations.GetStudentsOfCounselor(userID)
	case model.Parent:
		ids, err = s.Relations.GetChildrenOfParent(userID)
	case model.Student:
		ids, err = s.Relations.GetContactsOfStudent(userID)
	}
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []model.User{}, nil
	}
	return s.Users.GetByIDs(ids)
}

// AllowedGroups 返回用户所属的群组 id
func (s *AuthorizationService) AllowedGroups(userID uint) ([]string, error) {
	return s.Relations.GetUserGroupIDs(userID)
}

// IsAdmin 管理员总是通过一切检查
func (s *AuthorizationService) IsAdmin(userID uint) (bool, error) {
	user, err := s.Users.GetByID(userID)
	if err != nil {
		return false, util.ErrUserNotFound
	}
	return user.Role == model.Admin, nil
}
