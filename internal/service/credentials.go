// credentials.go: шифрование FTP-паролей в БД (AES-256-GCM).
package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// encryptedPrefix отличает зашифрованные значения от открытых.
const encryptedPrefix = "enc:v1:"

var errInvalidCiphertext = errors.New("некорректный шифротекст пароля")

// CredentialCipher шифрует секреты назначений.
// Без ключа работает как passthrough: значения хранятся как есть.
type CredentialCipher struct {
	aead cipher.AEAD
}

// NewCredentialCipher создаёт шифратор. key: 32 байта или nil.
func NewCredentialCipher(key []byte) (*CredentialCipher, error) {
	if len(key) == 0 {
		return &CredentialCipher{}, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &CredentialCipher{aead: aead}, nil
}

// Enabled сообщает, задан ли ключ шифрования.
func (c *CredentialCipher) Enabled() bool {
	return c.aead != nil
}

// Encrypt шифрует секрет. Пустая строка не шифруется.
func (c *CredentialCipher) Encrypt(plain string) (string, error) {
	if c.aead == nil || plain == "" {
		return plain, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plain), nil)
	buf := append(nonce, sealed...)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt расшифровывает секрет. Значения без префикса возвращаются как есть.
func (c *CredentialCipher) Decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, encryptedPrefix) {
		return stored, nil
	}
	if c.aead == nil {
		return "", errors.New("пароль зашифрован, но FR_CREDENTIAL_KEY не задан")
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encryptedPrefix))
	if err != nil {
		return "", errInvalidCiphertext
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", errInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", errInvalidCiphertext
	}
	return string(plain), nil
}
