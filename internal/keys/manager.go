package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gridterm/internal/exchange"
	"gridterm/internal/models"
	"gridterm/internal/repository"
	"gridterm/pkg/crypto"
	"gridterm/pkg/utils"
)

// размер буфера write-behind журнала использования
const usageBufferSize = 256

// ApiKeyManager - реестр виртуальных ключей
//
// Единственная точка, через которую зашифрованные учётные данные
// превращаются в расшифрованные. Семейство ключа всегда задаётся явно:
// при отсутствии запрошенного семейства другое НЕ подставляется.
// Деактивация и ротация немедленно инвалидируют кэш секретов и пул
// соединений, чтобы состояние кэшей не расходилось с БД.
type ApiKeyManager struct {
	keyRepo   KeyRepositoryInterface
	usageRepo UsageRepositoryInterface
	cipher    *crypto.Cipher
	cache     *SecureKeyCache
	logger    *utils.Logger

	invalidatorsMu sync.RWMutex
	invalidators   []Invalidator

	usageCh   chan *models.APIUsageRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewApiKeyManager создает реестр и запускает фоновую запись журнала
func NewApiKeyManager(
	keyRepo KeyRepositoryInterface,
	usageRepo UsageRepositoryInterface,
	cipher *crypto.Cipher,
	cache *SecureKeyCache,
	logger *utils.Logger,
) *ApiKeyManager {
	m := &ApiKeyManager{
		keyRepo:   keyRepo,
		usageRepo: usageRepo,
		cipher:    cipher,
		cache:     cache,
		logger:    logger.WithComponent("key_manager"),
		usageCh:   make(chan *models.APIUsageRecord, usageBufferSize),
		done:      make(chan struct{}),
	}

	m.wg.Add(1)
	go m.usageWriter()

	return m
}

// AddInvalidator регистрирует кэш, инвалидируемый при деактивации/ротации
//
// Пул соединений регистрируется после инициализации в main.go:
//
//	keyManager := keys.NewApiKeyManager(...)
//	keyManager.AddInvalidator(connPool)
func (m *ApiKeyManager) AddInvalidator(inv Invalidator) {
	m.invalidatorsMu.Lock()
	defer m.invalidatorsMu.Unlock()
	m.invalidators = append(m.invalidators, inv)
}

// GetRealAPIKey возвращает расшифрованные учётные данные пользователя
// для биржи и семейства ключей
//
// Закрытое поведение при отсутствии: возвращается NoKeyOfFamilyError со
// списком доступных семейств, подстановки другого семейства нет.
// Расшифровка идёт через SecureKeyCache: конкурентные вызовы по одному
// (user, exchange, family) порождают не более одной расшифровки за TTL.
func (m *ApiKeyManager) GetRealAPIKey(ctx context.Context, userID uuid.UUID, exch string, family models.KeyFamily) (*models.DecryptedCredential, error) {
	if !family.Valid() {
		return nil, ErrUnknownFamily
	}

	return m.cache.GetOrDecrypt(ctx, userID, exch, family, func(ctx context.Context) (*models.DecryptedCredential, error) {
		key, err := m.keyRepo.GetActive(userID, exch, family)
		if err != nil {
			if errors.Is(err, repository.ErrVirtualKeyNotFound) {
				available, listErr := m.keyRepo.ListActiveFamilies(userID, exch)
				if listErr != nil {
					m.logger.Warn("failed to list available key families",
						utils.UserID(userID.String()), utils.Exchange(exch), zap.Error(listErr))
				}
				return nil, &NoKeyOfFamilyError{
					UserID:    userID,
					Exchange:  exch,
					Requested: family,
					Available: available,
				}
			}
			return nil, err
		}

		cred, err := m.decrypt(key)
		if err != nil {
			m.LogAPIUsage(key.ID, "get_real_api_key", models.UsageOutcomeError)
			return nil, &DecryptError{VirtualKeyID: key.ID, Err: err}
		}

		m.LogAPIUsage(key.ID, "get_real_api_key", models.UsageOutcomeOK)
		return cred, nil
	})
}

// RefreshRealAPIKey принудительно перечитывает учётные данные мимо кэша
//
// Используется пулом после ротации или обнаруженного сбоя аутентификации.
// TTL-семантика кэша не меняется: свежая запись живёт обычный срок.
func (m *ApiKeyManager) RefreshRealAPIKey(ctx context.Context, userID uuid.UUID, exch string, family models.KeyFamily) (*models.DecryptedCredential, error) {
	m.cache.Invalidate(userID, exch, family)
	return m.GetRealAPIKey(ctx, userID, exch, family)
}

// CreateVirtualKey создает виртуальный ключ
// Выполняет:
// 1. Проверку биржи и семейства
// 2. Валидацию формата секрета по семейству
// 3. Шифрование до любого обращения к хранилищу
// 4. Сохранение в БД
//
// Сырой материал не удерживается: после шифрования ссылки на него
// остаются только в кадре вызова.
func (m *ApiKeyManager) CreateVirtualKey(userID uuid.UUID, exch string, family models.KeyFamily, rawAPIKey, rawSecret, rawPassphrase string) (*models.VirtualKey, error) {
	exch = strings.ToLower(exch)

	// 1. Проверяем биржу и семейство
	if !exchange.IsSupported(exch) {
		return nil, ErrExchangeNotSupported
	}
	if !family.Valid() {
		return nil, ErrUnknownFamily
	}

	// 2. Валидируем формат секрета по семейству
	if err := validateKeyMaterial(family, rawAPIKey, rawSecret); err != nil {
		return nil, err
	}

	// 3. Шифруем до сохранения
	encryptedAPIKey, err := m.cipher.Encrypt(rawAPIKey)
	if err != nil {
		return nil, err
	}
	encryptedSecret, err := m.cipher.Encrypt(rawSecret)
	if err != nil {
		return nil, err
	}
	encryptedPassphrase := ""
	if rawPassphrase != "" {
		encryptedPassphrase, err = m.cipher.Encrypt(rawPassphrase)
		if err != nil {
			return nil, err
		}
	}

	// 4. Сохраняем
	key := &models.VirtualKey{
		UserID:              userID,
		Exchange:            exch,
		KeyFamily:           family,
		EncryptedAPIKey:     encryptedAPIKey,
		EncryptedSecret:     encryptedSecret,
		EncryptedPassphrase: encryptedPassphrase,
		Permissions:         "read",
	}
	if err := m.keyRepo.Create(key); err != nil {
		return nil, err
	}

	m.logger.Info("virtual key created",
		utils.VirtualKeyID(key.ID.String()),
		utils.UserID(userID.String()),
		utils.Exchange(exch),
		utils.Family(family.String()))

	return key, nil
}

// UpdateVirtualKeyPermissions обновляет права виртуального ключа
// ListVirtualKeys возвращает все виртуальные ключи пользователя
// Зашифрованные поля в JSON не попадают, отдавать наружу безопасно.
func (m *ApiKeyManager) ListVirtualKeys(userID uuid.UUID) ([]*models.VirtualKey, error) {
	return m.keyRepo.GetByUser(userID)
}

func (m *ApiKeyManager) UpdateVirtualKeyPermissions(id uuid.UUID, permissions string) (*models.VirtualKey, error) {
	return m.keyRepo.UpdatePermissions(id, permissions)
}

// RotateVirtualKey заменяет секретный материал ключа
//
// Старые расшифрованные данные и построенные на них клиенты немедленно
// инвалидируются: следующий вызов увидит только новый материал.
func (m *ApiKeyManager) RotateVirtualKey(id uuid.UUID, rawAPIKey, rawSecret, rawPassphrase string) error {
	key, err := m.keyRepo.GetByID(id)
	if err != nil {
		return err
	}

	if err := validateKeyMaterial(key.KeyFamily, rawAPIKey, rawSecret); err != nil {
		return err
	}

	encryptedAPIKey, err := m.cipher.Encrypt(rawAPIKey)
	if err != nil {
		return err
	}
	encryptedSecret, err := m.cipher.Encrypt(rawSecret)
	if err != nil {
		return err
	}
	encryptedPassphrase := ""
	if rawPassphrase != "" {
		encryptedPassphrase, err = m.cipher.Encrypt(rawPassphrase)
		if err != nil {
			return err
		}
	}

	if err := m.keyRepo.UpdateSecrets(id, encryptedAPIKey, encryptedSecret, encryptedPassphrase); err != nil {
		return err
	}

	m.invalidateAll(key.UserID, key.Exchange, key.KeyFamily)
	m.LogAPIUsage(id, "rotate", models.UsageOutcomeOK)

	m.logger.Info("virtual key rotated", utils.VirtualKeyID(id.String()))
	return nil
}

// DeactivateVirtualKey помечает ключ неактивным и инвалидирует кэши
//
// Деактивация наблюдаема немедленно: запись кэша секретов и клиент пула
// выселяются до возврата, следующий вызов провалится с NoKeyOfFamily,
// а не вернёт устаревший handle.
func (m *ApiKeyManager) DeactivateVirtualKey(id uuid.UUID) error {
	key, err := m.keyRepo.GetByID(id)
	if err != nil {
		return err
	}

	if err := m.keyRepo.Deactivate(id); err != nil {
		return err
	}

	m.invalidateAll(key.UserID, key.Exchange, key.KeyFamily)
	m.LogAPIUsage(id, "deactivate", models.UsageOutcomeOK)

	m.logger.Info("virtual key deactivated",
		utils.VirtualKeyID(id.String()),
		utils.UserID(key.UserID.String()),
		utils.Exchange(key.Exchange),
		utils.Family(key.KeyFamily.String()))

	return nil
}

// LogAPIUsage ставит запись журнала в очередь write-behind
//
// Никогда не блокирует путь получения ключа: при переполненном буфере
// запись отбрасывается с предупреждением в лог.
func (m *ApiKeyManager) LogAPIUsage(virtualKeyID uuid.UUID, operation, outcome string) {
	record := &models.APIUsageRecord{
		VirtualKeyID: virtualKeyID,
		Operation:    operation,
		Outcome:      outcome,
	}

	select {
	case m.usageCh <- record:
	default:
		m.logger.Warn("usage log buffer full, record dropped",
			utils.VirtualKeyID(virtualKeyID.String()),
			zap.String("operation", operation))
	}
}

// Close останавливает фоновую запись журнала, дописав буфер
func (m *ApiKeyManager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

// usageWriter - фоновая горутина записи журнала использования
func (m *ApiKeyManager) usageWriter() {
	defer m.wg.Done()

	for {
		select {
		case record := <-m.usageCh:
			m.writeUsage(record)
		case <-m.done:
			// Дописываем остаток буфера
			for {
				select {
				case record := <-m.usageCh:
					m.writeUsage(record)
				default:
					return
				}
			}
		}
	}
}

func (m *ApiKeyManager) writeUsage(record *models.APIUsageRecord) {
	if err := m.usageRepo.Record(record); err != nil {
		m.logger.Warn("failed to write usage record",
			utils.VirtualKeyID(record.VirtualKeyID.String()),
			zap.Error(err))
	}
}

// decrypt расшифровывает поля VirtualKey
func (m *ApiKeyManager) decrypt(key *models.VirtualKey) (*models.DecryptedCredential, error) {
	apiKey, err := m.cipher.Decrypt(key.EncryptedAPIKey)
	if err != nil {
		return nil, err
	}
	secret, err := m.cipher.Decrypt(key.EncryptedSecret)
	if err != nil {
		return nil, err
	}
	passphrase := ""
	if key.EncryptedPassphrase != "" {
		passphrase, err = m.cipher.Decrypt(key.EncryptedPassphrase)
		if err != nil {
			return nil, err
		}
	}

	return &models.DecryptedCredential{
		VirtualKeyID: key.ID,
		APIKey:       apiKey,
		APISecret:    secret,
		Passphrase:   passphrase,
		KeyFamily:    key.KeyFamily,
		DecryptedAt:  m.cache.now(),
	}, nil
}

// invalidateAll выселяет записи из кэша секретов и всех
// зарегистрированных инвалидаторов
func (m *ApiKeyManager) invalidateAll(userID uuid.UUID, exch string, family models.KeyFamily) {
	m.cache.Invalidate(userID, exch, family)

	m.invalidatorsMu.RLock()
	defer m.invalidatorsMu.RUnlock()
	for _, inv := range m.invalidators {
		inv.Invalidate(userID, exch, family)
	}
}

// validateKeyMaterial проверяет формат секрета по семейству
//
// HMAC-секрет - непустые непрозрачные байты. Ed25519-секрет обязан быть
// валидным seed (base64 или hex, 32 байта) либо PKCS#8 PEM с ключом Ed25519.
func validateKeyMaterial(family models.KeyFamily, rawAPIKey, rawSecret string) error {
	if rawAPIKey == "" || rawSecret == "" {
		return ErrInvalidKeyMaterial
	}

	switch family {
	case models.KeyFamilyHMACSHA256:
		return nil
	case models.KeyFamilyEd25519:
		return validateEd25519Secret(rawSecret)
	default:
		return ErrUnknownFamily
	}
}

func validateEd25519Secret(secret string) error {
	// PKCS#8 PEM
	if block, _ := pem.Decode([]byte(secret)); block != nil {
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return errors.Join(ErrInvalidKeyMaterial, err)
		}
		if _, ok := parsed.(ed25519.PrivateKey); !ok {
			return ErrInvalidKeyMaterial
		}
		return nil
	}

	// Seed в base64
	if seed, err := base64.StdEncoding.DecodeString(secret); err == nil && len(seed) == ed25519.SeedSize {
		return nil
	}

	// Seed в hex
	if seed, err := hex.DecodeString(secret); err == nil && len(seed) == ed25519.SeedSize {
		return nil
	}

	return ErrInvalidKeyMaterial
}
