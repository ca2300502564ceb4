package security

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealedPrefix = "sealed:v1:"

var (
	ErrInvalidKey    = errors.New("credential key must be 32 bytes (hex or base64)")
	ErrSealedPayload = errors.New("invalid sealed payload")
)

// Sealer 使用 XChaCha20-Poly1305 加密落库的服务商凭据（令牌、密码）。
// nil Sealer 不做任何处理，用于未配置密钥的开发环境。
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer 根据 32 字节密钥（hex 或 base64 编码）创建 Sealer。
// 密钥为空时返回 nil, nil。
func NewSealer(encodedKey string) (*Sealer, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return nil, nil
	}

	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

func decodeKey(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	return nil, ErrInvalidKey
}

// Seal 加密明文，additional 绑定到密文（通常为会话ID），防止密文被挪用到其他行。
func (s *Sealer) Seal(plaintext, additional string) (string, error) {
	if s == nil || plaintext == "" {
		return plaintext, nil
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(additional))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open 解密 Seal 的输出。未加密的旧数据原样返回。
func (s *Sealer) Open(sealed, additional string) (string, error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return sealed, nil
	}
	if s == nil {
		return "", fmt.Errorf("%w: no credential key configured", ErrSealedPayload)
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil || len(raw) < chacha20poly1305.NonceSizeX {
		return "", ErrSealedPayload
	}
	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := s.aead.Open(nil, nonce, ciphertext, []byte(additional))
	if err != nil {
		return "", ErrSealedPayload
	}
	return string(plain), nil
}

// IsSealed 判断值是否为加密格式。
func IsSealed(v string) bool {
	return strings.HasPrefix(v, sealedPrefix)
}
