package util

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"授权拒绝", Denied("不允许"), http.StatusForbidden},
		{"无权操作", ErrUnauthorized, http.StatusForbidden},
		{"审核拦截", Blocked("包含违禁词"), http.StatusUnprocessableEntity},
		{"参数校验", ErrValidation, http.StatusBadRequest},
		{"空内容", ErrEmptyContent, http.StatusBadRequest},
		{"空访问理由", ErrEmptyJustification, http.StatusBadRequest},
		{"群满", ErrGroupFull, http.StatusBadRequest},
		{"自聊", ErrSelfConversation, http.StatusBadRequest},
		{"资源不存在", ErrNotFound, http.StatusNotFound},
		{"用户不存在", ErrUserNotFound, http.StatusNotFound},
		{"非会话成员", ErrNotParticipant, http.StatusNotFound},
		{"未知错误", errors.New("db down"), http.StatusInternalServerError},
		{"解密失败", ErrDecryptFailed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestDeniedErrorUnwrap(t *testing.T) {
	err := Denied("您与 %s 之间没有关系", "张三")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "您与 张三 之间没有关系", err.Error())

	var denied *DeniedError
	assert.ErrorAs(t, err, &denied)
	assert.Equal(t, "您与 张三 之间没有关系", denied.Reason)
}

func TestBlockedErrorUnwrap(t *testing.T) {
	err := Blocked("消息包含电话号码，已被拦截")
	assert.ErrorIs(t, err, ErrModerationBlocked)

	var blocked *BlockedError
	assert.ErrorAs(t, err, &blocked)
	assert.Equal(t, "消息包含电话号码，已被拦截", blocked.Reason)
}

func TestUserMessageHidesIntegrityDetail(t *testing.T) {
	assert.Equal(t, "消息暂时无法读取", UserMessage(ErrDecryptFailed))
	assert.Equal(t, "消息暂时无法读取", UserMessage(ErrIntegrityFailure))
	assert.Equal(t, "群聊人数已达上限", UserMessage(ErrGroupFull))
}
