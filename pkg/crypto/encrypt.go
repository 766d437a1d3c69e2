package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Ошибки шифрования
var (
	ErrEmptyKeyMaterial   = errors.New("encryption key material is empty")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
)

// hkdfInfo привязывает выведенный ключ к назначению
// Смена строки инвалидирует все ранее зашифрованные записи
const hkdfInfo = "gridterm/credential-cipher/v1"

// Cipher шифрует и расшифровывает учётные данные с использованием AES-256-GCM
//
// Ключ шифрования выводится из конфигурационного материала через HKDF-SHA256,
// поэтому сырой секрет из окружения никогда не используется напрямую как
// ключ AES. Ciphertext кодируется в base64 для хранения в БД.
//
// Cipher без состояния после создания и безопасен для конкурентного
// использования. Ключевой материал не логируется и не сериализуется.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher создаёт Cipher из конфигурационного ключевого материала
//
// Материал может быть произвольной длины (passphrase из окружения):
// 32-байтовый ключ AES-256 выводится через HKDF-SHA256.
func NewCipher(keyMaterial string) (*Cipher, error) {
	if keyMaterial == "" {
		return nil, ErrEmptyKeyMaterial
	}

	// Выводим 32 байта для AES-256
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(keyMaterial), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt шифрует plaintext и возвращает base64-encoded строку
// GCM добавляет аутентификационный тег автоматически
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	// Случайный nonce для каждого вызова
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)

	// base64 для безопасного хранения в БД
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt расшифровывает base64-encoded ciphertext
//
// Возвращает ErrDecryptionFailed при несовпадении ключа или повреждении
// записи - вызывающий код не должен ретраить такую ошибку.
func (c *Cipher) Decrypt(ciphertextBase64 string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrCiphertextTooShort
	}

	nonce, ciphertextData := ciphertext[:nonceSize], ciphertext[nonceSize:]

	// Расшифровываем и проверяем аутентификацию
	plaintext, err := c.aead.Open(nil, nonce, ciphertextData, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// GenerateKeyMaterial генерирует криптографически стойкий материал
// для ENCRYPTION_KEY (base64, 32 байта энтропии)
func GenerateKeyMaterial() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
