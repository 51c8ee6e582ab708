package service

import (
	"fmt"
	"testing"

	"school_im_backend/internal/model"
	"school_im_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pair struct{ a, b uint }

// fakeRelations 内存关系事实，key 统一为 (主体, 学生)
type fakeRelations struct {
	teacherOf   map[pair]bool
	counselorOf map[pair]bool
	parentOf    map[pair]bool
	sharedGroup map[pair]bool
	groupMember map[string][]uint
}

func newFakeRelations() *fakeRelations {
	return &fakeRelations{
		teacherOf:   map[pair]bool{},
		counselorOf: map[pair]bool{},
		parentOf:    map[pair]bool{},
		sharedGroup: map[pair]bool{},
		groupMember: map[string][]uint{},
	}
}

func (f *fakeRelations) IsTeacherOf(teacherID, studentID uint) (bool, error) {
	return f.teacherOf[pair{teacherID, studentID}], nil
}

func (f *fakeRelations) IsCounselorOf(counselorID, studentID uint) (bool, error) {
	return f.counselorOf[pair{counselorID, studentID}], nil
}

func (f *fakeRelations) IsParentOf(parentID, studentID uint) (bool, error) {
	return f.parentOf[pair{parentID, studentID}], nil
}

func (f *fakeRelations) SharesGroup(userA, userB uint) (bool, error) {
	return f.sharedGroup[pair{userA, userB}] || f.sharedGroup[pair{userB, userA}], nil
}

func (f *fakeRelations) IsGroupMember(groupID string, userID uint) (bool, error) {
	for _, id := range f.groupMember[groupID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRelations) GetStudentsOfTeacher(teacherID uint) ([]uint, error) {
	var out []uint
	for p := range f.teacherOf {
		if p.a == teacherID {
			out = append(out, p.b)
		}
	}
	return out, nil
}

func (f *fakeRelations) GetStudentsOfCounselor(counselorID uint) ([]uint, error) {
	var out []uint
	for p := range f.counselorOf {
		if p.a == counselorID {
			out = append(out, p.b)
		}
	}
	return out, nil
}

func (f *fakeRelations) GetChildrenOfParent(parentID uint) ([]uint, error) {
	var out []uint
	for p := range f.parentOf {
		if p.a == parentID {
			out = append(out, p.b)
		}
	}
	return out, nil
}

func (f *fakeRelations) GetContactsOfStudent(studentID uint) ([]uint, error) {
	var out []uint
	for p := range f.teacherOf {
		if p.b == studentID {
			out = append(out, p.a)
		}
	}
	return out, nil
}

func (f *fakeRelations) GetUserGroupIDs(userID uint) ([]string, error) {
	var out []string
	for g, members := range f.groupMember {
		for _, id := range members {
			if id == userID {
				out = append(out, g)
			}
		}
	}
	return out, nil
}

type fakeUsers struct {
	users map[uint]*model.User
}

func (f *fakeUsers) GetByID(id uint) (*model.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("用户不存在")
	}
	return u, nil
}

func (f *fakeUsers) GetByIDs(ids []uint) ([]model.User, error) {
	var out []model.User
	for _, id := range ids {
		if u, ok := f.users[id]; ok {
			out = append(out, *u)
		}
	}
	return out, nil
}

type fakeParticipants struct {
	active map[string][]uint
}

func (f *fakeParticipants) GetActiveParticipant(convID string, userID uint) (*model.ConversationParticipant, error) {
	for _, id := range f.active[convID] {
		if id == userID {
			return &model.ConversationParticipant{ConversationID: convID, UserID: userID}, nil
		}
	}
	return nil, fmt.Errorf("参与者不存在")
}

const (
	uTeacher   uint = 1
	uStudent   uint = 2
	uParent    uint = 3
	uCounselor uint = 4
	uAdmin     uint = 5
	uOutsider  uint = 6 // 与任何人无关系的学生
	uStudent2  uint = 7
)

func newTestAuthz() (*AuthorizationService, *fakeRelations) {
	rel := newFakeRelations()
	rel.teacherOf[pair{uTeacher, uStudent}] = true
	rel.counselorOf[pair{uCounselor, uStudent}] = true
	rel.parentOf[pair{uParent, uStudent}] = true
	rel.sharedGroup[pair{uStudent, uStudent2}] = true

	users := &fakeUsers{users: map[uint]*model.User{
		uTeacher:   {BaseModel: model.BaseModel{ID: uTeacher}, Name: "王老师", Role: model.Teacher},
		uStudent:   {BaseModel: model.BaseModel{ID: uStudent}, Name: "小明", Role: model.Student},
		uParent:    {BaseModel: model.BaseModel{ID: uParent}, Name: "小明家长", Role: model.Parent},
		uCounselor: {BaseModel: model.BaseModel{ID: uCounselor}, Name: "李辅导员", Role: model.Counselor},
		uAdmin:     {BaseModel: model.BaseModel{ID: uAdmin}, Name: "管理员", Role: model.Admin},
		uOutsider:  {BaseModel: model.BaseModel{ID: uOutsider}, Name: "校外学生", Role: model.Student},
		uStudent2:  {BaseModel: model.BaseModel{ID: uStudent2}, Name: "小红", Role: model.Student},
	}}

	parts := &fakeParticipants{active: map[string][]uint{
		"conv-1": {uTeacher, uStudent},
	}}

	return NewAuthorizationService(rel, users, parts), rel
}

func TestCanMessageUserMatrix(t *testing.T) {
	s, _ := newTestAuthz()

	tests := []struct {
		name      string
		sender    uint
		recipient uint
		allowed   bool
	}{
		{"教师→所教学生", uTeacher, uStudent, true},
		{"学生→自己老师", uStudent, uTeacher, true},
		{"辅导员→负责学生", uCounselor, uStudent, true},
		{"家长→自己孩子", uParent, uStudent, true},
		{"学生→自己家长", uStudent, uParent, true},
		{"家长→孩子的老师", uParent, uTeacher, true},
		{"老师→学生的家长", uTeacher, uParent, true},
		{"家长→孩子的辅导员", uParent, uCounselor, true},
		{"同课程学生互聊", uStudent, uStudent2, true},
		{"管理员→任何人", uAdmin, uOutsider, true},
		{"教师→无关学生", uTeacher, uOutsider, false},
		{"无关学生→教师", uOutsider, uTeacher, false},
		{"无关学生互聊", uOutsider, uStudent2, false},
		{"家长→无关老师的场景不放行", uOutsider, uParent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.CanMessageUser(tt.sender, tt.recipient)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				var denied *util.DeniedError
				assert.ErrorAs(t, err, &denied)
				assert.NotEmpty(t, denied.Reason)
			}
		})
	}
}

func TestCanMessageUserSelf(t *testing.T) {
	s, _ := newTestAuthz()
	assert.ErrorIs(t, s.CanMessageUser(uStudent, uStudent), util.ErrSelfConversation)
}

func TestCanMessageUserUnknownUser(t *testing.T) {
	s, _ := newTestAuthz()
	assert.ErrorIs(t, s.CanMessageUser(uStudent, 999), util.ErrUserNotFound)
	assert.ErrorIs(t, s.CanMessageUser(999, uStudent), util.ErrUserNotFound)
}

func TestCanMessageInConversation(t *testing.T) {
	s, _ := newTestAuthz()

	assert.NoError(t, s.CanMessageInConversation(uTeacher, "conv-1"))
	assert.NoError(t, s.CanMessageInConversation(uStudent, "conv-1"))
	assert.ErrorIs(t, s.CanMessageInConversation(uOutsider, "conv-1"), util.ErrNotParticipant)
	// 管理员不是参与者也放行
	assert.NoError(t, s.CanMessageInConversation(uAdmin, "conv-1"))
}

func TestCanMessageGroup(t *testing.T) {
	s, rel := newTestAuthz()
	rel.groupMember["group-1"] = []uint{uTeacher, uStudent}

	assert.NoError(t, s.CanMessageGroup(uStudent, "group-1"))
	assert.NoError(t, s.CanMessageGroup(uAdmin, "group-1"))

	err := s.CanMessageGroup(uOutsider, "group-1")
	var denied *util.DeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestCanBroadcast(t *testing.T) {
	s, _ := newTestAuthz()

	tests := []struct {
		name    string
		userID  uint
		allowed bool
	}{
		{"管理员", uAdmin, true},
		{"教师", uTeacher, true},
		{"辅导员", uCounselor, true},
		{"学生", uStudent, false},
		{"家长", uParent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.CanBroadcast(tt.userID)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				var denied *util.DeniedError
				assert.ErrorAs(t, err, &denied)
			}
		})
	}
}

func TestAllowedRecipients(t *testing.T) {
	s, _ := newTestAuthz()

	list, err := s.AllowedRecipients(uTeacher)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "小明", list[0].Name)

	list, err = s.AllowedRecipients(uParent)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uStudent, list[0].ID)

	// 无任何关系的学生拿到空列表而不是错误
	list, err = s.AllowedRecipients(uOutsider)
	require.NoError(t, err)
	assert.Empty(t, list)

	// 管理员走用户管理接口
	_, err = s.AllowedRecipients(uAdmin)
	assert.Error(t, err)
}

func TestIsAdmin(t *testing.T) {
	s, _ := newTestAuthz()

	ok, err := s.IsAdmin(uAdmin)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsAdmin(uStudent)
	require.NoError(t, err)
	assert.False(t, ok)
}
