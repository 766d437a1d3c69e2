package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridterm/internal/connmgr"
	"gridterm/internal/models"
	"gridterm/internal/pool"
	"gridterm/internal/repository"
)

// ErrMockDatabase имитирует сбой хранилища
var ErrMockDatabase = errors.New("mock database error")

// ============ Mock Key Service ============

// MockKeyService мок для KeyService
type MockKeyService struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]*models.VirtualKey
	errs map[string]error // операция -> ошибка
}

// NewMockKeyService создает новый мок реестра ключей
func NewMockKeyService() *MockKeyService {
	return &MockKeyService{
		keys: make(map[uuid.UUID]*models.VirtualKey),
		errs: make(map[string]error),
	}
}

// SetError назначает ошибку для операции (create, list, update, rotate, deactivate)
func (m *MockKeyService) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op] = err
}

func (m *MockKeyService) CreateVirtualKey(userID uuid.UUID, exch string, family models.KeyFamily, rawAPIKey, rawSecret, rawPassphrase string) (*models.VirtualKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.errs["create"]; err != nil {
		return nil, err
	}

	key := &models.VirtualKey{
		ID:          uuid.New(),
		UserID:      userID,
		Exchange:    exch,
		KeyFamily:   family,
		Permissions: "read",
		IsActive:    true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	m.keys[key.ID] = key
	return key, nil
}

func (m *MockKeyService) ListVirtualKeys(userID uuid.UUID) ([]*models.VirtualKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.errs["list"]; err != nil {
		return nil, err
	}

	var list []*models.VirtualKey
	for _, key := range m.keys {
		if key.UserID == userID {
			list = append(list, key)
		}
	}
	return list, nil
}

func (m *MockKeyService) UpdateVirtualKeyPermissions(id uuid.UUID, permissions string) (*models.VirtualKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.errs["update"]; err != nil {
		return nil, err
	}

	key, ok := m.keys[id]
	if !ok {
		return nil, repository.ErrVirtualKeyNotFound
	}
	key.Permissions = permissions
	return key, nil
}

func (m *MockKeyService) RotateVirtualKey(id uuid.UUID, rawAPIKey, rawSecret, rawPassphrase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.errs["rotate"]; err != nil {
		return err
	}
	if _, ok := m.keys[id]; !ok {
		return repository.ErrVirtualKeyNotFound
	}
	return nil
}

func (m *MockKeyService) DeactivateVirtualKey(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.errs["deactivate"]; err != nil {
		return err
	}

	key, ok := m.keys[id]
	if !ok {
		return repository.ErrVirtualKeyNotFound
	}
	key.IsActive = false
	return nil
}

// ============ Mock Connection Service ============

// MockConnectionService мок для ConnectionService
type MockConnectionService struct {
	mu              sync.Mutex
	healthErr       error
	refreshErr      error
	refreshConn     *connmgr.Connection
	disconnectCalls int
}

func NewMockConnectionService() *MockConnectionService {
	return &MockConnectionService{
		refreshConn: &connmgr.Connection{
			Purpose: models.PurposeREST,
			Client: &pool.PooledClient{
				Exchange:  "binance",
				Purpose:   models.PurposeREST,
				KeyFamily: models.KeyFamilyHMACSHA256,
				CreatedAt: time.Now(),
			},
		},
	}
}

func (m *MockConnectionService) CheckConnectionHealth(ctx context.Context, userID uuid.UUID, exch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

func (m *MockConnectionService) RefreshConnection(ctx context.Context, userID uuid.UUID, exch string) (*connmgr.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshErr != nil {
		return nil, m.refreshErr
	}
	return m.refreshConn, nil
}

func (m *MockConnectionService) DisconnectStream(userID uuid.UUID, exch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectCalls++
}
