package repository

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"gridterm/internal/models"
)

// Ошибки репозитория виртуальных ключей
var (
	ErrVirtualKeyNotFound = errors.New("virtual key not found")
	ErrVirtualKeyExists   = errors.New("virtual key already exists for this user, exchange and family")
)

// KeyRepository - работа с таблицей virtual_keys
//
// Хранилище зашифрованных учётных данных: все поля *_encrypted приходят
// сюда уже зашифрованными (AES-256-GCM, base64). Репозиторий никогда не
// видит сырые секреты. Удаление только мягкое (is_active=false):
// запись остаётся, пока на неё ссылается журнал использования.
type KeyRepository struct {
	db *sql.DB
}

// NewKeyRepository создает новый экземпляр репозитория
func NewKeyRepository(db *sql.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

const virtualKeyColumns = `id, user_id, exchange, key_family, api_key_encrypted, secret_encrypted, passphrase_encrypted, permissions, is_active, updated_at, created_at`

// Create создает новый виртуальный ключ
//
// На (user_id, exchange, key_family) с is_active=true действует частичный
// UNIQUE индекс: у пользователя не может быть двух активных ключей одного
// семейства для одной биржи.
func (r *KeyRepository) Create(key *models.VirtualKey) error {
	query := `
		INSERT INTO virtual_keys (id, user_id, exchange, key_family, api_key_encrypted, secret_encrypted, passphrase_encrypted, permissions, is_active, updated_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	now := time.Now()
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	key.CreatedAt = now
	key.UpdatedAt = now
	key.IsActive = true

	_, err := r.db.Exec(
		query,
		key.ID,
		key.UserID,
		key.Exchange,
		key.KeyFamily,
		key.EncryptedAPIKey,
		key.EncryptedSecret,
		key.EncryptedPassphrase,
		key.Permissions,
		key.IsActive,
		key.UpdatedAt,
		key.CreatedAt,
	)

	if err != nil {
		if isKeyUniqueViolation(err) {
			return ErrVirtualKeyExists
		}
		return err
	}

	return nil
}

// GetByID возвращает виртуальный ключ по ID
func (r *KeyRepository) GetByID(id uuid.UUID) (*models.VirtualKey, error) {
	query := `
		SELECT ` + virtualKeyColumns + `
		FROM virtual_keys
		WHERE id = $1`

	return r.scanOne(r.db.QueryRow(query, id))
}

// GetActive возвращает активный ключ пользователя для биржи и семейства
//
// Именно этот запрос обслуживает путь получения учётных данных:
// неактивные ключи не возвращаются никогда.
func (r *KeyRepository) GetActive(userID uuid.UUID, exchange string, family models.KeyFamily) (*models.VirtualKey, error) {
	query := `
		SELECT ` + virtualKeyColumns + `
		FROM virtual_keys
		WHERE user_id = $1 AND exchange = $2 AND key_family = $3 AND is_active = true`

	return r.scanOne(r.db.QueryRow(query, userID, exchange, family))
}

// ListActiveFamilies возвращает семейства, для которых у пользователя
// есть активный ключ на данной бирже
//
// Используется для формирования ошибки NoKeyOfFamily (available=...).
func (r *KeyRepository) ListActiveFamilies(userID uuid.UUID, exchange string) ([]models.KeyFamily, error) {
	query := `
		SELECT key_family
		FROM virtual_keys
		WHERE user_id = $1 AND exchange = $2 AND is_active = true
		ORDER BY key_family`

	rows, err := r.db.Query(query, userID, exchange)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var families []models.KeyFamily
	for rows.Next() {
		var family models.KeyFamily
		if err := rows.Scan(&family); err != nil {
			return nil, err
		}
		families = append(families, family)
	}

	return families, rows.Err()
}

// GetByUser возвращает все ключи пользователя (включая неактивные)
func (r *KeyRepository) GetByUser(userID uuid.UUID) ([]*models.VirtualKey, error) {
	query := `
		SELECT ` + virtualKeyColumns + `
		FROM virtual_keys
		WHERE user_id = $1
		ORDER BY created_at DESC`

	rows, err := r.db.Query(query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.VirtualKey
	for rows.Next() {
		key, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// UpdatePermissions обновляет права виртуального ключа
func (r *KeyRepository) UpdatePermissions(id uuid.UUID, permissions string) (*models.VirtualKey, error) {
	query := `
		UPDATE virtual_keys
		SET permissions = $2, updated_at = $3
		WHERE id = $1
		RETURNING ` + virtualKeyColumns

	return r.scanOne(r.db.QueryRow(query, id, permissions, time.Now()))
}

// UpdateSecrets заменяет зашифрованный материал ключа (ротация)
func (r *KeyRepository) UpdateSecrets(id uuid.UUID, encryptedAPIKey, encryptedSecret, encryptedPassphrase string) error {
	query := `
		UPDATE virtual_keys
		SET api_key_encrypted = $2, secret_encrypted = $3, passphrase_encrypted = $4, updated_at = $5
		WHERE id = $1 AND is_active = true`

	result, err := r.db.Exec(query, id, encryptedAPIKey, encryptedSecret, encryptedPassphrase, time.Now())
	if err != nil {
		return err
	}

	return requireAffected(result)
}

// Deactivate помечает ключ неактивным (мягкое удаление)
func (r *KeyRepository) Deactivate(id uuid.UUID) error {
	query := `
		UPDATE virtual_keys
		SET is_active = false, updated_at = $2
		WHERE id = $1 AND is_active = true`

	result, err := r.db.Exec(query, id, time.Now())
	if err != nil {
		return err
	}

	return requireAffected(result)
}

// scanOne сканирует одну строку, транслируя sql.ErrNoRows
func (r *KeyRepository) scanOne(row *sql.Row) (*models.VirtualKey, error) {
	key := &models.VirtualKey{}
	err := row.Scan(
		&key.ID,
		&key.UserID,
		&key.Exchange,
		&key.KeyFamily,
		&key.EncryptedAPIKey,
		&key.EncryptedSecret,
		&key.EncryptedPassphrase,
		&key.Permissions,
		&key.IsActive,
		&key.UpdatedAt,
		&key.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVirtualKeyNotFound
		}
		return nil, err
	}

	return key, nil
}

// scanRow сканирует строку из rows
func (r *KeyRepository) scanRow(rows *sql.Rows) (*models.VirtualKey, error) {
	key := &models.VirtualKey{}
	err := rows.Scan(
		&key.ID,
		&key.UserID,
		&key.Exchange,
		&key.KeyFamily,
		&key.EncryptedAPIKey,
		&key.EncryptedSecret,
		&key.EncryptedPassphrase,
		&key.Permissions,
		&key.IsActive,
		&key.UpdatedAt,
		&key.CreatedAt,
	)
	return key, err
}

// requireAffected возвращает ErrVirtualKeyNotFound если не затронуто ни одной строки
func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVirtualKeyNotFound
	}
	return nil
}

// isKeyUniqueViolation проверяет, является ли ошибка нарушением UNIQUE constraint
func isKeyUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate key") || strings.Contains(errStr, "23505")
}
