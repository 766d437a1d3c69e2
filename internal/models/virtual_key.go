package models

import (
	"time"

	"github.com/google/uuid"
)

// KeyFamily - семейство ключей биржевого API
//
// Два взаимоисключающих алгоритма подписи:
// - HMAC-SHA256 для REST запросов
// - Ed25519 для приватного WebSocket потока
//
// Семейство никогда не выводится автоматически: вызывающий код обязан
// указать его явно или получить через FamilyForPurpose.
type KeyFamily string

// Поддерживаемые семейства ключей
const (
	KeyFamilyHMACSHA256 KeyFamily = "hmac_sha256"
	KeyFamilyEd25519    KeyFamily = "ed25519"
)

// Valid проверяет, что значение входит в закрытый список семейств
func (f KeyFamily) Valid() bool {
	switch f {
	case KeyFamilyHMACSHA256, KeyFamilyEd25519:
		return true
	}
	return false
}

// Other возвращает противоположное семейство
// Используется для формирования ошибки NoKeyOfFamily (available=...)
func (f KeyFamily) Other() KeyFamily {
	switch f {
	case KeyFamilyHMACSHA256:
		return KeyFamilyEd25519
	case KeyFamilyEd25519:
		return KeyFamilyHMACSHA256
	default:
		return ""
	}
}

func (f KeyFamily) String() string {
	return string(f)
}

// ConnectionPurpose - назначение соединения с биржей
type ConnectionPurpose string

// Назначения соединений
const (
	PurposeREST      ConnectionPurpose = "rest"
	PurposeWebsocket ConnectionPurpose = "websocket"
)

// Valid проверяет, что значение входит в закрытый список назначений
func (p ConnectionPurpose) Valid() bool {
	switch p {
	case PurposeREST, PurposeWebsocket:
		return true
	}
	return false
}

func (p ConnectionPurpose) String() string {
	return string(p)
}

// FamilyForPurpose возвращает семейство ключей для назначения соединения
//
// Маппинг фиксирован и не настраивается per-call:
// - REST подписывается HMAC-SHA256
// - Приватный WebSocket требует Ed25519
//
// ok == false только для неизвестного назначения.
func FamilyForPurpose(p ConnectionPurpose) (KeyFamily, bool) {
	switch p {
	case PurposeREST:
		return KeyFamilyHMACSHA256, true
	case PurposeWebsocket:
		return KeyFamilyEd25519, true
	default:
		return "", false
	}
}

// PurposeForFamily возвращает назначение соединения, обслуживаемое семейством
// Обратное отображение к FamilyForPurpose, используется при инвалидации.
func PurposeForFamily(f KeyFamily) (ConnectionPurpose, bool) {
	switch f {
	case KeyFamilyHMACSHA256:
		return PurposeREST, true
	case KeyFamilyEd25519:
		return PurposeWebsocket, true
	default:
		return "", false
	}
}

// VirtualKey представляет сохранённый набор учётных данных пользователя
// для одной биржи и одного семейства ключей
//
// Сырые секреты никогда не сохраняются: все поля *_encrypted содержат
// base64 ciphertext (AES-256-GCM). Удаление только мягкое (is_active=false),
// запись остаётся пока на неё ссылается история использования.
type VirtualKey struct {
	ID                  uuid.UUID `json:"id" db:"id"`
	UserID              uuid.UUID `json:"user_id" db:"user_id"`
	Exchange            string    `json:"exchange" db:"exchange"`     // binance, bybit, okx
	KeyFamily           KeyFamily `json:"key_family" db:"key_family"` // hmac_sha256, ed25519
	EncryptedAPIKey     string    `json:"-" db:"api_key_encrypted"`   // зашифрован, не возвращается в JSON
	EncryptedSecret     string    `json:"-" db:"secret_encrypted"`    // зашифрован
	EncryptedPassphrase string    `json:"-" db:"passphrase_encrypted"`
	Permissions         string    `json:"permissions" db:"permissions"` // read,trade
	IsActive            bool      `json:"is_active" db:"is_active"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}

// DecryptedCredential - расшифрованные учётные данные
//
// Живёт только в памяти: внутри SecureKeyCache и в живом клиенте биржи.
// Нет ни json, ни db тегов - сериализация запрещена.
type DecryptedCredential struct {
	VirtualKeyID uuid.UUID
	APIKey       string
	APISecret    string
	Passphrase   string
	KeyFamily    KeyFamily
	DecryptedAt  time.Time
}

// APIUsageRecord - запись журнала использования виртуального ключа
//
// Пишется write-behind: сбой записи не блокирует путь получения ключа.
type APIUsageRecord struct {
	ID           int64     `json:"id" db:"id"`
	VirtualKeyID uuid.UUID `json:"virtual_key_id" db:"virtual_key_id"`
	Operation    string    `json:"operation" db:"operation"` // get_connection, health_check, refresh
	Outcome      string    `json:"outcome" db:"outcome"`     // ok, error
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Результаты операций для журнала использования
const (
	UsageOutcomeOK    = "ok"
	UsageOutcomeError = "error"
)
