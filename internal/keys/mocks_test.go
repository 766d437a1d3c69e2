package keys

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"gridterm/internal/models"
	"gridterm/internal/repository"
)

// ============ Mock KeyRepository ============

type MockKeyRepository struct {
	mu   sync.Mutex
	keys map[uuid.UUID]*models.VirtualKey

	createErr error
	getErr    error
	updateErr error

	getActiveCalls int
}

func NewMockKeyRepository() *MockKeyRepository {
	return &MockKeyRepository{
		keys: make(map[uuid.UUID]*models.VirtualKey),
	}
}

func (m *MockKeyRepository) Create(key *models.VirtualKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, existing := range m.keys {
		if existing.UserID == key.UserID && existing.Exchange == key.Exchange &&
			existing.KeyFamily == key.KeyFamily && existing.IsActive {
			return repository.ErrVirtualKeyExists
		}
	}
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	key.IsActive = true
	key.CreatedAt = time.Now()
	key.UpdatedAt = key.CreatedAt
	m.keys[key.ID] = key
	return nil
}

func (m *MockKeyRepository) GetByID(id uuid.UUID) (*models.VirtualKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	key, ok := m.keys[id]
	if !ok {
		return nil, repository.ErrVirtualKeyNotFound
	}
	return key, nil
}

func (m *MockKeyRepository) GetActive(userID uuid.UUID, exchange string, family models.KeyFamily) (*models.VirtualKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getActiveCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, key := range m.keys {
		if key.UserID == userID && key.Exchange == exchange &&
			key.KeyFamily == family && key.IsActive {
			return key, nil
		}
	}
	return nil, repository.ErrVirtualKeyNotFound
}

func (m *MockKeyRepository) ListActiveFamilies(userID uuid.UUID, exchange string) ([]models.KeyFamily, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var families []models.KeyFamily
	for _, key := range m.keys {
		if key.UserID == userID && key.Exchange == exchange && key.IsActive {
			families = append(families, key.KeyFamily)
		}
	}
	return families, nil
}

func (m *MockKeyRepository) GetByUser(userID uuid.UUID) ([]*models.VirtualKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []*models.VirtualKey
	for _, key := range m.keys {
		if key.UserID == userID {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *MockKeyRepository) UpdatePermissions(id uuid.UUID, permissions string) (*models.VirtualKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	key, ok := m.keys[id]
	if !ok {
		return nil, repository.ErrVirtualKeyNotFound
	}
	key.Permissions = permissions
	key.UpdatedAt = time.Now()
	return key, nil
}

func (m *MockKeyRepository) UpdateSecrets(id uuid.UUID, encryptedAPIKey, encryptedSecret, encryptedPassphrase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	key, ok := m.keys[id]
	if !ok || !key.IsActive {
		return repository.ErrVirtualKeyNotFound
	}
	key.EncryptedAPIKey = encryptedAPIKey
	key.EncryptedSecret = encryptedSecret
	key.EncryptedPassphrase = encryptedPassphrase
	key.UpdatedAt = time.Now()
	return nil
}

func (m *MockKeyRepository) Deactivate(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok || !key.IsActive {
		return repository.ErrVirtualKeyNotFound
	}
	key.IsActive = false
	return nil
}

// GetActiveCalls возвращает число обращений GetActive (для single-flight тестов)
func (m *MockKeyRepository) GetActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getActiveCalls
}

// ============ Mock UsageRepository ============

type MockUsageRepository struct {
	mu        sync.Mutex
	records   []*models.APIUsageRecord
	recordErr error
}

func NewMockUsageRepository() *MockUsageRepository {
	return &MockUsageRepository{}
}

func (m *MockUsageRepository) Record(record *models.APIUsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	record.ID = int64(len(m.records) + 1)
	m.records = append(m.records, record)
	return nil
}

func (m *MockUsageRepository) Records() []*models.APIUsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*models.APIUsageRecord, len(m.records))
	copy(result, m.records)
	return result
}

// ============ Mock Invalidator ============

type MockInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (m *MockInvalidator) Invalidate(userID uuid.UUID, exchange string, family models.KeyFamily) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, userID.String()+"|"+exchange+"|"+string(family))
}

func (m *MockInvalidator) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.calls))
	copy(result, m.calls)
	return result
}
