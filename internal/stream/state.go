package stream

// Состояния сессии приватного потока аккаунта
const (
	StateDisconnected   = "disconnected"
	StateConnecting     = "connecting"
	StateAuthenticating = "authenticating"
	StateDecryptPending = "decrypt_pending"
	StateStreaming      = "streaming"
	StateReconnecting   = "reconnecting"
	StateClosed         = "closed"
)

// ValidTransitions определяет допустимые переходы между состояниями
//
// Closed достижим из любого состояния через явный Disconnect; здесь
// перечислены переходы самой машины.
var ValidTransitions = map[string][]string{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateAuthenticating, StateReconnecting, StateClosed},
	StateAuthenticating: {StateDecryptPending, StateReconnecting, StateClosed},
	// Closed при отказе расшифровки, Reconnecting при обрыве сокета
	// до прихода подтверждения
	StateDecryptPending: {StateStreaming, StateReconnecting, StateClosed},
	StateStreaming:      {StateReconnecting, StateClosed},
	StateReconnecting:   {StateConnecting, StateClosed}, // Closed при исчерпании попыток
	StateClosed:         {},                             // терминальное
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	if to == StateClosed {
		// Явный Disconnect допустим из любого состояния
		return true
	}
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal возвращает true для терминального состояния
func IsTerminal(s string) bool {
	return s == StateClosed
}

// StateInfo возвращает описание состояния для мониторинга
func StateInfo(s string) string {
	switch s {
	case StateDisconnected:
		return "Сессия не запущена"
	case StateConnecting:
		return "Открытие сокета к шлюзу биржи..."
	case StateAuthenticating:
		return "Отправка токена сессии..."
	case StateDecryptPending:
		return "Ожидание подтверждения расшифровки ключа..."
	case StateStreaming:
		return "Поток событий аккаунта активен"
	case StateReconnecting:
		return "Переподключение с backoff..."
	case StateClosed:
		return "Сессия завершена"
	default:
		return "Неизвестное состояние"
	}
}
