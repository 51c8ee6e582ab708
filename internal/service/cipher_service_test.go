package service

import (
	"testing"

	"school_im_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher() *CipherService {
	return NewCipherService("test-master-key-32-bytes-long!!!")
}

func TestCipherEncryptDecryptRoundTrip(t *testing.T) {
	s := newTestCipher()

	tests := []struct {
		name    string
		content string
	}{
		{"普通文本", "hello world"},
		{"中文内容", "今天下午三点实验室见"},
		{"空字符串", ""},
		{"含表情", "作业写完了吗 😀"},
		{"长文本", string(make([]byte, 8192))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, hash, err := s.Encrypt(tt.content, "conv-001", 1)
			require.NoError(t, err)
			assert.NotEmpty(t, ciphertext)

			plain, err := s.Decrypt(ciphertext, "conv-001", 1)
			require.NoError(t, err)
			assert.Equal(t, tt.content, plain)
			assert.True(t, s.Verify(plain, hash))
		})
	}
}

func TestCipherNonceRandomized(t *testing.T) {
	s := newTestCipher()

	c1, _, err := s.Encrypt("同一条消息", "conv-001", 1)
	require.NoError(t, err)
	c2, _, err := s.Encrypt("同一条消息", "conv-001", 1)
	require.NoError(t, err)

	// GCM 随机 nonce，相同明文两次加密密文不同
	assert.NotEqual(t, c1, c2)
}

func TestCipherKeyIsolation(t *testing.T) {
	s := newTestCipher()

	ciphertext, _, err := s.Encrypt("机密内容", "conv-001", 1)
	require.NoError(t, err)

	// 其它会话的密钥解不开
	_, err = s.Decrypt(ciphertext, "conv-002", 1)
	assert.ErrorIs(t, err, util.ErrDecryptFailed)

	// 不同密钥版本也解不开
	_, err = s.Decrypt(ciphertext, "conv-001", 2)
	assert.ErrorIs(t, err, util.ErrDecryptFailed)
}

func TestCipherTamperedCiphertext(t *testing.T) {
	s := newTestCipher()

	ciphertext, _, err := s.Encrypt("original", "conv-001", 1)
	require.NoError(t, err)

	tampered := make([]byte, len(ciphertext))
	copy(tampered, ciphertext)
	tampered[len(tampered)/2] ^= 0x01

	_, err = s.Decrypt(tampered, "conv-001", 1)
	assert.ErrorIs(t, err, util.ErrDecryptFailed)
}

func TestCipherDecryptGarbage(t *testing.T) {
	s := newTestCipher()

	for _, input := range [][]byte{nil, {}, []byte("not base64 !!!"), []byte("aGVsbG8=")} {
		_, err := s.Decrypt(input, "conv-001", 1)
		assert.ErrorIs(t, err, util.ErrDecryptFailed)
	}
}

func TestCipherVerifyMismatch(t *testing.T) {
	s := newTestCipher()

	hash := s.HashContent("正确内容")
	assert.True(t, s.Verify("正确内容", hash))
	assert.False(t, s.Verify("被替换的内容", hash))
	assert.False(t, s.Verify("正确内容", "deadbeef"))
}

func TestCipherKeyFingerprint(t *testing.T) {
	s := newTestCipher()

	fp1, err := s.KeyFingerprint("conv-001", 1)
	require.NoError(t, err)
	assert.Len(t, fp1, 16)

	fp2, err := s.KeyFingerprint("conv-001", 1)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2, "指纹应当是确定性的")

	fp3, err := s.KeyFingerprint("conv-002", 1)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)

	fp4, err := s.KeyFingerprint("conv-001", 2)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp4, "版本号参与派生")
}

func TestCipherDifferentMasterKeys(t *testing.T) {
	s1 := NewCipherService("master-key-aaaa")
	s2 := NewCipherService("master-key-bbbb")

	ciphertext, _, err := s1.Encrypt("content", "conv-001", 1)
	require.NoError(t, err)

	_, err = s2.Decrypt(ciphertext, "conv-001", 1)
	assert.ErrorIs(t, err, util.ErrDecryptFailed)
}
