package keys

import (
	"github.com/google/uuid"

	"gridterm/internal/models"
	"gridterm/internal/repository"
)

// KeyRepositoryInterface определяет интерфейс репозитория виртуальных ключей
type KeyRepositoryInterface interface {
	Create(key *models.VirtualKey) error
	GetByID(id uuid.UUID) (*models.VirtualKey, error)
	GetActive(userID uuid.UUID, exchange string, family models.KeyFamily) (*models.VirtualKey, error)
	ListActiveFamilies(userID uuid.UUID, exchange string) ([]models.KeyFamily, error)
	GetByUser(userID uuid.UUID) ([]*models.VirtualKey, error)
	UpdatePermissions(id uuid.UUID, permissions string) (*models.VirtualKey, error)
	UpdateSecrets(id uuid.UUID, encryptedAPIKey, encryptedSecret, encryptedPassphrase string) error
	Deactivate(id uuid.UUID) error
}

// UsageRepositoryInterface определяет интерфейс журнала использования
type UsageRepositoryInterface interface {
	Record(record *models.APIUsageRecord) error
}

// Проверяем, что реальные репозитории реализуют интерфейсы
var _ KeyRepositoryInterface = (*repository.KeyRepository)(nil)
var _ UsageRepositoryInterface = (*repository.UsageRepository)(nil)

// Invalidator - кэш, записи которого реестр инвалидирует при деактивации
// или ротации ключа. Реализуется SecureKeyCache и пулом соединений.
type Invalidator interface {
	Invalidate(userID uuid.UUID, exchange string, family models.KeyFamily)
}
