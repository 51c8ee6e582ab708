package util

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUserNotFound       = errors.New("用户不存在")
	ErrNotFound           = errors.New("资源不存在或无权访问")
	ErrUnauthorized       = errors.New("无权进行此操作")
	ErrValidation         = errors.New("请求内容不合法")
	ErrEmptyContent       = errors.New("消息内容不能为空")
	ErrModerationBlocked  = errors.New("消息内容违反平台规定")
	ErrIntegrityFailure   = errors.New("消息内容校验失败")
	ErrDecryptFailed      = errors.New("消息解密失败")
	ErrDeliveryFailure    = errors.New("消息推送失败")
	ErrEmptyJustification = errors.New("访问理由不能为空")
	ErrGroupFull          = errors.New("群聊人数已达上限")
	ErrNotParticipant     = errors.New("你不是该会话成员")
	ErrSelfConversation   = errors.New("不能和自己创建私聊")
	ErrEmailRegistered    = errors.New("该邮箱已被注册")
)

// DeniedError 授权拒绝，携带可直接展示给用户的原因
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return e.Reason
}

func (e *DeniedError) Unwrap() error {
	return ErrUnauthorized
}

func Denied(format string, args ...interface{}) error {
	return &DeniedError{Reason: fmt.Sprintf(format, args...)}
}

// BlockedError 审核拦截，Reason 说明命中的规则
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return e.Reason
}

func (e *BlockedError) Unwrap() error {
	return ErrModerationBlocked
}

func Blocked(reason string) error {
	return &BlockedError{Reason: reason}
}

// HTTPStatus 错误到HTTP状态码的映射；完整性错误对外隐藏细节
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrModerationBlocked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrValidation), errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrEmptyJustification), errors.Is(err, ErrGroupFull),
		errors.Is(err, ErrSelfConversation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrNotParticipant):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage 返回可以暴露给调用者的错误文案
// 完整性/解密错误按数据损坏处理，不向用户透出内部信息
func UserMessage(err error) string {
	if errors.Is(err, ErrIntegrityFailure) || errors.Is(err, ErrDecryptFailed) {
		return "消息暂时无法读取"
	}
	return err.Error()
}
