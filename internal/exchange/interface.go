package exchange

import (
	"context"

	"gridterm/internal/models"
)

// Client определяет унифицированный интерфейс аутентифицированного
// REST-клиента биржи
//
// Экземпляр клиента привязан к учётным данным одного пользователя:
// клиент создаётся фабрикой без секретов, а Connect выполняет привязку
// и проверочный запрос. Один клиент — один пользователь, переиспользование
// между пользователями запрещено (за это отвечает пул соединений).
type Client interface {
	// Connect привязывает учётные данные и проверяет их запросом к бирже
	Connect(ctx context.Context, cred *models.DecryptedCredential) error

	// GetName возвращает имя биржи
	GetName() string

	// Ping выполняет лёгкий подписанный запрос для проверки живости
	// учётных данных. Используется проверкой здоровья пула.
	Ping(ctx context.Context) error

	// GetBalance получает баланс аккаунта в USDT
	GetBalance(ctx context.Context) (float64, error)

	// Close закрывает соединения клиента
	Close() error
}

// Gateway описывает конечные точки биржи
type Gateway struct {
	RESTBaseURL string // базовый URL REST API
	StreamURL   string // URL приватного WebSocket-шлюза аккаунта
}

// ClientError представляет ошибку от биржи
type ClientError struct {
	Exchange string
	Code     string
	Message  string
	Original error
}

func (e *ClientError) Error() string {
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ClientError) Unwrap() error {
	return e.Original
}
