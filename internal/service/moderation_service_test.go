package service

import (
	"testing"

	"school_im_backend/internal/config"

	"github.com/stretchr/testify/assert"
)

func newTestModeration(profanity, phone, email string) *ModerationService {
	s := NewModerationService(nil, config.ModerationConfig{
		ProfanityPolicy:   profanity,
		PhonePolicy:       phone,
		EmailPolicy:       email,
		PhoneCountryCodes: []string{"86", "1"},
	})
	s.SetWords([]string{"笨蛋", "damn", "stupid"}, nil)
	return s
}

func TestModerationProfanityBlock(t *testing.T) {
	s := newTestModeration(PolicyBlock, PolicyMask, PolicyMask)

	tests := []struct {
		name    string
		text    string
		blocked bool
	}{
		{"干净文本", "今天作业是第三章习题", false},
		{"命中中文词", "你这个笨蛋", true},
		{"命中英文词", "that is damn annoying", true},
		{"英文词大小写", "STUPID question", true},
		{"英文词是子串不命中", "he was stupidly brave", false},
		{"空文本", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Validate(tt.text)
			assert.Equal(t, !tt.blocked, res.IsValid)
			if tt.blocked {
				assert.True(t, res.HasProfanity)
				assert.NotEmpty(t, res.BlockedReason)
			}
		})
	}
}

func TestModerationProfanityMask(t *testing.T) {
	s := newTestModeration(PolicyMask, PolicyMask, PolicyMask)

	res := s.Validate("你这个笨蛋")
	assert.True(t, res.IsValid, "mask 策略不拦截")
	assert.True(t, res.HasProfanity)

	out := s.Sanitize("你这个笨蛋")
	assert.NotContains(t, out, "笨蛋")
	assert.Contains(t, out, "**")
}

func TestModerationWhitelistOverride(t *testing.T) {
	s := newTestModeration(PolicyBlock, PolicyMask, PolicyMask)
	s.SetWords([]string{"damn", "笨蛋"}, []string{"damn"})

	res := s.Validate("damn it")
	assert.True(t, res.IsValid, "白名单词不再命中")
	assert.False(t, res.HasProfanity)

	res = s.Validate("笨蛋")
	assert.False(t, res.IsValid)
}

func TestModerationPhoneDetection(t *testing.T) {
	s := newTestModeration(PolicyMask, PolicyBlock, PolicyMask)

	tests := []struct {
		name   string
		text   string
		hasHit bool
	}{
		{"带国际区号", "联系我 +86 13812345678", true},
		{"裸手机号", "我的号码是13912345678", true},
		{"美式分段号码", "call 555-123-4567 please", true},
		{"普通数字不误伤", "第1031号教室，密码是2024", false},
		{"学号不误伤", "学号20230101", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Validate(tt.text)
			assert.Equal(t, tt.hasHit, res.HasPhoneNumber)
			assert.Equal(t, !tt.hasHit, res.IsValid)
		})
	}
}

func TestModerationPhoneMask(t *testing.T) {
	s := newTestModeration(PolicyMask, PolicyMask, PolicyMask)

	out := s.Sanitize("联系我 13812345678 谢谢")
	assert.NotContains(t, out, "13812345678")
	assert.Contains(t, out, "***********")
	assert.Contains(t, out, "联系我")
	assert.Contains(t, out, "谢谢")
}

func TestModerationEmail(t *testing.T) {
	s := newTestModeration(PolicyMask, PolicyMask, PolicyMask)

	res := s.Validate("发到 zhang.san@example.com 就行")
	assert.True(t, res.IsValid)
	assert.True(t, res.HasEmail)

	out := s.Sanitize("发到 zhang.san@example.com 就行")
	assert.NotContains(t, out, "example.com")
	assert.Contains(t, out, "[邮箱已隐藏]")
}

func TestModerationEmailBlock(t *testing.T) {
	s := newTestModeration(PolicyMask, PolicyMask, PolicyBlock)

	res := s.Validate("my email is a@b.cn")
	assert.False(t, res.IsValid)
	assert.Equal(t, "消息包含邮箱地址，已被拦截", res.BlockedReason)
}

func TestModerationDetectionOrder(t *testing.T) {
	// 同时命中多类时，拦截理由按 敏感词 -> 电话 -> 邮箱 的顺序取第一项
	s := newTestModeration(PolicyBlock, PolicyBlock, PolicyBlock)

	res := s.Validate("笨蛋，打13812345678 或发 a@b.cn")
	assert.False(t, res.IsValid)
	assert.Equal(t, "消息包含违禁词，已被拦截", res.BlockedReason)
	assert.ElementsMatch(t, []string{"profanity", "phone_number", "email"}, res.Issues)
}

func TestModerationEmptyWordList(t *testing.T) {
	s := NewModerationService(nil, config.ModerationConfig{
		ProfanityPolicy: PolicyBlock,
		PhonePolicy:     PolicyMask,
		EmailPolicy:     PolicyMask,
	})

	res := s.Validate("任何内容都不应命中敏感词")
	assert.True(t, res.IsValid)
	assert.False(t, res.HasProfanity)
}

func TestModerationMaskAdjacentWords(t *testing.T) {
	// 相邻两个敏感词只隔一个分隔符时，后一个也必须被掩蔽
	s := newTestModeration(PolicyMask, PolicyMask, PolicyMask)

	tests := []struct {
		name string
		text string
		want string
	}{
		{"空格相邻的英文词", "damn stupid", "**** ******"},
		{"连续三个英文词", "damn damn damn", "**** **** ****"},
		{"紧邻的中文词", "笨蛋笨蛋", "****"},
		{"夹在句子里", "you damn stupid fool", "you **** ****** fool"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Sanitize(tt.text))
		})
	}

	res := s.Validate("damn stupid")
	assert.True(t, res.HasProfanity)
}
