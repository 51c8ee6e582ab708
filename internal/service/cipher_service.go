package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"school_im_backend/internal/util"

	"golang.org/x/crypto/hkdf"
)

// CipherService 会话级对称加密
// 每个会话的密钥由 根密钥 + 会话ID 确定性派生，不需要单独存储密钥
// 密文旁存明文 SHA-256，解密方必须重算比对，防离线篡改
type CipherService struct {
	masterKey []byte
}

func NewCipherService(masterKey string) *CipherService {
	return &CipherService{masterKey: []byte(masterKey)}
}

// DeriveKey HKDF-SHA256 派生 32 字节会话密钥；info 带版本号，预留轮换
func (s *CipherService) DeriveKey(convID string, keyVersion int) ([]byte, error) {
	info := fmt.Sprintf("school-im-conversation-key-v%d", keyVersion)
	reader := hkdf.New(sha256.New, s.masterKey, []byte(convID), []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// KeyFingerprint 密钥指纹（SHA-256 前8字节，hex），存在会话上用于排查
func (s *CipherService) KeyFingerprint(convID string, keyVersion int) (string, error) {
	key, err := s.DeriveKey(convID, keyVersion)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8]), nil
}

// Encrypt AES-256-GCM，随机 nonce 前置；返回 base64 密文和明文哈希
func (s *CipherService) Encrypt(plaintext, convID string, keyVersion int) ([]byte, string, error) {
	key, err := s.DeriveKey(convID, keyVersion)
	if err != nil {
		return nil, "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(encoded, sealed)

	return encoded, s.HashContent(plaintext), nil
}

// Decrypt 解密失败返回类型化错误，调用方把消息标记为不可读而不是崩掉整个响应
func (s *CipherService) Decrypt(ciphertext []byte, convID string, keyVersion int) (string, error) {
	if len(ciphertext) == 0 {
		return "", util.ErrDecryptFailed
	}

	raw := make([]byte, base64.StdEncoding.DecodedLen(len(ciphertext)))
	n, err := base64.StdEncoding.Decode(raw, ciphertext)
	if err != nil {
		return "", util.ErrDecryptFailed
	}
	raw = raw[:n]

	key, err := s.DeriveKey(convID, keyVersion)
	if err != nil {
		return "", util.ErrDecryptFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", util.ErrDecryptFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", util.ErrDecryptFailed
	}

	if len(raw) < gcm.NonceSize() {
		return "", util.ErrDecryptFailed
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", util.ErrDecryptFailed
	}
	return string(plaintext), nil
}

func (s *CipherService) HashContent(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Verify 明文与存储哈希比对；不一致视为数据损坏，属致命完整性错误
func (s *CipherService) Verify(plaintext, hash string) bool {
	return s.HashContent(plaintext) == hash
}
