package service

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"school_im_backend/internal/config"
	"school_im_backend/internal/model"
	"school_im_backend/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	PolicyBlock = "block"
	PolicyMask  = "mask"
)

// ModerationResult 审核结果，仅描述命中情况；实际改写由 Sanitize 执行
type ModerationResult struct {
	IsValid        bool     `json:"isValid"`
	HasProfanity   bool     `json:"hasProfanity"`
	HasPhoneNumber bool     `json:"hasPhoneNumber"`
	HasEmail       bool     `json:"hasEmail"`
	BlockedReason  string   `json:"blockedReason,omitempty"`
	Issues         []string `json:"issues,omitempty"`
}

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// ModerationService 明文内容审核，必须在加密之前执行
// 词表启动时从库加载，运行时可增删；正则在写锁内重建
type ModerationService struct {
	DB *gorm.DB

	mu            sync.RWMutex
	policy        config.ModerationConfig
	blockedWords  map[string]bool
	whitelist     map[string]bool
	wordPattern   *regexp.Regexp
	phonePatterns []*regexp.Regexp
}

func NewModerationService(db *gorm.DB, cfg config.ModerationConfig) *ModerationService {
	s := &ModerationService{
		DB:           db,
		policy:       cfg,
		blockedWords: make(map[string]bool),
		whitelist:    make(map[string]bool),
	}
	s.buildPhonePatterns(cfg.PhoneCountryCodes)
	if db != nil {
		if err := s.ReloadWords(); err != nil {
			logger.Log.Error("failed to load moderation words", zap.Error(err))
		}
	}
	return s
}

// ReloadWords 重新从库加载词表并重建匹配正则
func (s *ModerationService) ReloadWords() error {
	var words []model.ModerationWord
	if err := s.DB.Where("enabled = ?", true).Find(&words).Error; err != nil {
		return err
	}

	blocked := make(map[string]bool)
	whitelist := make(map[string]bool)
	for _, w := range words {
		word := strings.ToLower(strings.TrimSpace(w.Word))
		if word == "" {
			continue
		}
		if w.Kind == "whitelist" {
			whitelist[word] = true
		} else {
			blocked[word] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockedWords = blocked
	s.whitelist = whitelist
	s.rebuildWordPattern()
	return nil
}

// SetWords 测试和运行时直接设置词表
func (s *ModerationService) SetWords(blocked, whitelist []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockedWords = make(map[string]bool)
	s.whitelist = make(map[string]bool)
	for _, w := range blocked {
		s.blockedWords[strings.ToLower(w)] = true
	}
	for _, w := range whitelist {
		s.whitelist[strings.ToLower(w)] = true
	}
	s.rebuildWordPattern()
}

func (s *ModerationService) UpdatePolicy(cfg config.ModerationConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = cfg
	s.buildPhonePatternsLocked(cfg.PhoneCountryCodes)
}

// rebuildWordPattern 白名单词直接剔除
// 词边界不进正则：边界分组会吃掉分隔符，相邻两个命中会漏掉后一个，
// 所以匹配只找词本身，两侧边界由 findBlockedWords 逐个判定
func (s *ModerationService) rebuildWordPattern() {
	var parts []string
	for w := range s.blockedWords {
		if s.whitelist[w] {
			continue
		}
		parts = append(parts, regexp.QuoteMeta(w))
	}
	if len(parts) == 0 {
		s.wordPattern = nil
		return
	}
	s.wordPattern = regexp.MustCompile(`(?i)(` + strings.Join(parts, "|") + `)`)
}

func isASCIIAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// findBlockedWords 返回所有带词边界的命中区间，调用方需持有读锁
// 中文词没有 \b 语义，相邻汉字视为边界；英文词要求两侧非字母数字
func (s *ModerationService) findBlockedWords(text string) [][]int {
	if s.wordPattern == nil {
		return nil
	}
	var hits [][]int
	for _, m := range s.wordPattern.FindAllStringIndex(text, -1) {
		if m[0] > 0 && isASCIIAlnum(text[m[0]-1]) {
			continue
		}
		if m[1] < len(text) && isASCIIAlnum(text[m[1]]) {
			continue
		}
		hits = append(hits, m)
	}
	return hits
}

func (s *ModerationService) buildPhonePatterns(countryCodes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildPhonePatternsLocked(countryCodes)
}

func (s *ModerationService) buildPhonePatternsLocked(countryCodes []string) {
	s.phonePatterns = s.phonePatterns[:0]
	if len(countryCodes) == 0 {
		countryCodes = []string{"86", "1"}
	}
	for _, code := range countryCodes {
		// 形如 +86 13812345678 / +1-555-123-4567
		p := regexp.MustCompile(`(\+|00)` + regexp.QuoteMeta(code) + `[\s\-]?\d(\d[\s\-]?){6,12}\d`)
		s.phonePatterns = append(s.phonePatterns, p)
	}
	// 无国际区号的裸手机号/座机号
	s.phonePatterns = append(s.phonePatterns, regexp.MustCompile(`\b1[3-9]\d{9}\b`))
	s.phonePatterns = append(s.phonePatterns, regexp.MustCompile(`\b\d{3}[\s\-]\d{3,4}[\s\-]\d{4}\b`))
}

// Validate 检测顺序：敏感词 -> 电话号码 -> 邮箱
// 结果只描述命中项；是否拦截由各类策略决定
func (s *ModerationService) Validate(text string) ModerationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := ModerationResult{IsValid: true}

	if len(s.findBlockedWords(text)) > 0 {
		result.HasProfanity = true
		result.Issues = append(result.Issues, "profanity")
		if s.policy.ProfanityPolicy == PolicyBlock {
			result.IsValid = false
			result.BlockedReason = "消息包含违禁词，已被拦截"
		}
	}

	for _, p := range s.phonePatterns {
		if p.MatchString(text) {
			result.HasPhoneNumber = true
			result.Issues = append(result.Issues, "phone_number")
			if s.policy.PhonePolicy == PolicyBlock && result.IsValid {
				result.IsValid = false
				result.BlockedReason = "消息包含电话号码，已被拦截"
			}
			break
		}
	}

	if emailPattern.MatchString(text) {
		result.HasEmail = true
		result.Issues = append(result.Issues, "email")
		if s.policy.EmailPolicy == PolicyBlock && result.IsValid {
			result.IsValid = false
			result.BlockedReason = "消息包含邮箱地址，已被拦截"
		}
	}

	return result
}

// Sanitize 按 mask 策略改写命中内容，block 策略的类目不在这里处理
func (s *ModerationService) Sanitize(text string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := text

	if s.policy.ProfanityPolicy == PolicyMask {
		if hits := s.findBlockedWords(out); len(hits) > 0 {
			var b strings.Builder
			last := 0
			for _, m := range hits {
				b.WriteString(out[last:m[0]])
				b.WriteString(strings.Repeat("*", len([]rune(out[m[0]:m[1]]))))
				last = m[1]
			}
			b.WriteString(out[last:])
			out = b.String()
		}
	}

	if s.policy.PhonePolicy == PolicyMask {
		for _, p := range s.phonePatterns {
			out = p.ReplaceAllStringFunc(out, maskDigits)
		}
	}

	if s.policy.EmailPolicy == PolicyMask {
		out = emailPattern.ReplaceAllString(out, "[邮箱已隐藏]")
	}

	return out
}

func maskDigits(match string) string {
	runes := []rune(match)
	for i, r := range runes {
		if r >= '0' && r <= '9' {
			runes[i] = '*'
		}
	}
	return string(runes)
}

// AddWord 运行时新增词条并持久化
func (s *ModerationService) AddWord(word, kind string) error {
	word = strings.TrimSpace(word)
	if word == "" {
		return fmt.Errorf("词条不能为空")
	}
	if kind != "blocked" && kind != "whitelist" {
		return fmt.Errorf("词条类型必须是 blocked 或 whitelist")
	}
	entry := model.ModerationWord{Word: word, Kind: kind, Enabled: true}
	if err := s.DB.Create(&entry).Error; err != nil {
		return err
	}
	return s.ReloadWords()
}

// RemoveWord 运行时停用词条
func (s *ModerationService) RemoveWord(word string) error {
	if err := s.DB.Model(&model.ModerationWord{}).
		Where("word = ?", word).
		Update("enabled", false).Error; err != nil {
		return err
	}
	return s.ReloadWords()
}
