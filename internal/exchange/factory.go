package exchange

import (
	"fmt"
	"strings"

	"gridterm/pkg/ratelimit"
)

// SupportedExchanges - список поддерживаемых бирж
var SupportedExchanges = []string{
	"binance",
	"bybit",
	"okx",
}

// gateways - конечные точки поддерживаемых бирж
var gateways = map[string]Gateway{
	"binance": {RESTBaseURL: binanceBaseURL, StreamURL: binanceStreamURL},
	"bybit":   {RESTBaseURL: bybitBaseURL, StreamURL: bybitStreamURL},
	"okx":     {RESTBaseURL: okxBaseURL, StreamURL: okxStreamURL},
}

// NewClient создает нового неподключенного клиента биржи по имени
//
// Клиент возвращается без учётных данных: привязка происходит в Connect.
// Лимитер запросов берётся из общего реестра, поэтому все клиенты одной
// биржи в процессе делят один token bucket.
func NewClient(name string, limiters *ratelimit.Registry) (Client, error) {
	name = strings.ToLower(name)

	switch name {
	case "binance":
		return NewBinance(limiters.ForExchange(name)), nil
	case "bybit":
		return NewBybit(limiters.ForExchange(name)), nil
	case "okx":
		return NewOKX(limiters.ForExchange(name)), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
}

// GatewayFor возвращает конечные точки биржи
func GatewayFor(name string) (Gateway, error) {
	gw, ok := gateways[strings.ToLower(name)]
	if !ok {
		return Gateway{}, fmt.Errorf("unsupported exchange: %s", name)
	}
	return gw, nil
}

// IsSupported проверяет, поддерживается ли биржа
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedExchanges {
		if name == supported {
			return true
		}
	}
	return false
}
