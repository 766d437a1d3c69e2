package repository

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"gridterm/internal/models"
)

// UsageRepository - работа с таблицей api_usage_log
//
// Журнал использования виртуальных ключей. Пишется write-behind из
// реестра ключей: сбой записи никогда не блокирует путь получения
// учётных данных.
type UsageRepository struct {
	db *sql.DB
}

// NewUsageRepository создает новый экземпляр репозитория
func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Record добавляет запись журнала
func (r *UsageRepository) Record(record *models.APIUsageRecord) error {
	query := `
		INSERT INTO api_usage_log (virtual_key_id, operation, outcome, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	return r.db.QueryRow(
		query,
		record.VirtualKeyID,
		record.Operation,
		record.Outcome,
		record.CreatedAt,
	).Scan(&record.ID)
}

// RecentByKey возвращает последние записи журнала для ключа
func (r *UsageRepository) RecentByKey(virtualKeyID uuid.UUID, limit int) ([]*models.APIUsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, virtual_key_id, operation, outcome, created_at
		FROM api_usage_log
		WHERE virtual_key_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(query, virtualKeyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.APIUsageRecord
	for rows.Next() {
		record := &models.APIUsageRecord{}
		if err := rows.Scan(
			&record.ID,
			&record.VirtualKeyID,
			&record.Operation,
			&record.Outcome,
			&record.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// PurgeOlderThan удаляет записи журнала старше указанного времени
// Вызывается периодической задачей обслуживания
func (r *UsageRepository) PurgeOlderThan(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM api_usage_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
