package handlers

import (
	"context"

	"github.com/google/uuid"

	"gridterm/internal/connmgr"
	"gridterm/internal/keys"
	"gridterm/internal/models"
)

// KeyService - операции реестра виртуальных ключей, нужные API
type KeyService interface {
	CreateVirtualKey(userID uuid.UUID, exch string, family models.KeyFamily, rawAPIKey, rawSecret, rawPassphrase string) (*models.VirtualKey, error)
	ListVirtualKeys(userID uuid.UUID) ([]*models.VirtualKey, error)
	UpdateVirtualKeyPermissions(id uuid.UUID, permissions string) (*models.VirtualKey, error)
	RotateVirtualKey(id uuid.UUID, rawAPIKey, rawSecret, rawPassphrase string) error
	DeactivateVirtualKey(id uuid.UUID) error
}

var _ KeyService = (*keys.ApiKeyManager)(nil)

// ConnectionService - операции фасада соединений, нужные API
type ConnectionService interface {
	CheckConnectionHealth(ctx context.Context, userID uuid.UUID, exch string) error
	RefreshConnection(ctx context.Context, userID uuid.UUID, exch string) (*connmgr.Connection, error)
	DisconnectStream(userID uuid.UUID, exch string)
}

var _ ConnectionService = (*connmgr.Manager)(nil)
