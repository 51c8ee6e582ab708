package service

import (
	"testing"

	"school_im_backend/internal/config"
	"school_im_backend/internal/model"
	"school_im_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConversationService(maxGroup int) (*ConversationService, *fakeConvStore) {
	authz, _ := newTestAuthz()
	convs := newFakeConvStore()
	svc := NewConversationService(
		convs,
		newFakeMessageStore(),
		nil,
		authz,
		newTestCipher(),
		NewPresenceTracker(),
		config.ChatConfig{MaxGroupParticipants: maxGroup},
	)
	return svc, convs
}

func TestGetOrCreateDirectIdempotent(t *testing.T) {
	svc, convs := newTestConversationService(4)

	first, err := svc.GetOrCreateDirect(uTeacher, uStudent)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	assert.Equal(t, model.DirectKeyFor(uTeacher, uStudent), first.DirectKey)
	assert.Len(t, first.KeyFingerprint, 16)

	// 参数顺序颠倒也必须命中同一个会话
	second, err := svc.GetOrCreateDirect(uStudent, uTeacher)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, convs.directCreates, "重复获取不能创建第二个私聊")
}

func TestGetOrCreateDirectDeniedForUnrelated(t *testing.T) {
	svc, convs := newTestConversationService(4)

	_, err := svc.GetOrCreateDirect(uTeacher, uOutsider)
	require.Error(t, err)
	assert.Equal(t, 0, convs.directCreates)
}

func TestCreateGroupCapRejected(t *testing.T) {
	svc, convs := newTestConversationService(4)

	// 4 名成员 + 创建者 = 5，超出上限 4
	_, err := svc.Create(model.ConvStudentGroup, "学习小组", uTeacher, []uint{uStudent, uParent, uCounselor, uStudent2})
	assert.ErrorIs(t, err, util.ErrGroupFull)
	assert.Equal(t, 0, convs.createCalls, "超限请求不应触达存储")
}

func TestCreateGroupWithinCap(t *testing.T) {
	svc, convs := newTestConversationService(4)

	conv, err := svc.Create(model.ConvStudentGroup, "学习小组", uTeacher, []uint{uStudent, uParent})
	require.NoError(t, err)
	assert.Equal(t, 1, convs.createCalls)

	ids, err := convs.GetActiveParticipantIDs(conv.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{uTeacher, uStudent, uParent}, ids)

	owner, err := convs.GetActiveParticipant(conv.ID, uTeacher)
	require.NoError(t, err)
	assert.Equal(t, model.RoleOwner, owner.Role)
}

func TestAddParticipantRespectsCap(t *testing.T) {
	svc, _ := newTestConversationService(4)

	conv, err := svc.Create(model.ConvStudentGroup, "学习小组", uTeacher, []uint{uStudent, uParent})
	require.NoError(t, err)

	// 第 4 人还在上限内
	require.NoError(t, svc.AddParticipant(conv.ID, uTeacher, uCounselor))
	// 第 5 人超限
	err = svc.AddParticipant(conv.ID, uTeacher, uStudent2)
	assert.ErrorIs(t, err, util.ErrGroupFull)
}
