package keys

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"gridterm/internal/models"
)

// Ошибки реестра ключей
var (
	ErrNoKeyOfFamily           = errors.New("no active key of requested family")
	ErrCredentialDecryptFailed = errors.New("credential decrypt failed")
	ErrInvalidKeyMaterial      = errors.New("invalid key material for family")
	ErrUnknownFamily           = errors.New("unknown key family")
	ErrExchangeNotSupported    = errors.New("exchange is not supported")
)

// NoKeyOfFamilyError - у пользователя нет активного ключа запрошенного семейства
//
// Подстановка другого семейства запрещена: ошибка несёт список доступных
// семейств, чтобы вызывающий код мог подсказать пользователю, какой ключ
// настроить. Сопоставляется с ErrNoKeyOfFamily через errors.Is.
type NoKeyOfFamilyError struct {
	UserID    uuid.UUID
	Exchange  string
	Requested models.KeyFamily
	Available []models.KeyFamily
}

func (e *NoKeyOfFamilyError) Error() string {
	msg := fmt.Sprintf("no active %s key for exchange %s: configure a %s key",
		e.Requested, e.Exchange, e.Requested)
	if len(e.Available) > 0 {
		names := make([]string, len(e.Available))
		for i, f := range e.Available {
			names[i] = f.String()
		}
		msg += " (available: " + strings.Join(names, ", ") + ")"
	}
	return msg
}

func (e *NoKeyOfFamilyError) Is(target error) bool {
	return target == ErrNoKeyOfFamily
}

// DecryptError - шифртекст не расшифровался ключом процесса
//
// Терминальная ошибка для данного ключа: требуется повторная подача
// учётных данных, автоматически не повторяется.
type DecryptError struct {
	VirtualKeyID uuid.UUID
	Err          error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("credential decrypt failed for key %s: %v", e.VirtualKeyID, e.Err)
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}

func (e *DecryptError) Is(target error) bool {
	return target == ErrCredentialDecryptFailed
}
