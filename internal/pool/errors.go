package pool

import (
	"errors"
	"fmt"

	"gridterm/internal/models"
)

// Ошибки пула соединений
var (
	ErrConnectionBuildFailed = errors.New("connection build failed")
	ErrHealthCheckFailed     = errors.New("health check failed")
	ErrClientNotPooled       = errors.New("client is not in the pool")
	ErrUnknownPurpose        = errors.New("unknown connection purpose")
	ErrPoolClosed            = errors.New("connection pool is closed")
	ErrClientRevoked         = errors.New("client credential revoked during build")
)

// BuildError - не удалось построить клиента биржи
//
// Транзиентная ошибка: вызывающий код повторяет с backoff, внутри пула
// цикла повторов нет сверх сконфигурированной политики.
type BuildError struct {
	Exchange string
	Purpose  models.ConnectionPurpose
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("failed to build %s client for %s: %v", e.Purpose, e.Exchange, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func (e *BuildError) Is(target error) bool {
	return target == ErrConnectionBuildFailed
}
