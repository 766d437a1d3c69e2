package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter - Token Bucket rate limiter для контроля частоты запросов к API бирж
//
// Алгоритм Token Bucket:
// - Ведро наполняется токенами с постоянной скоростью (rate токенов/сек)
// - Максимальная ёмкость ведра = burst (позволяет короткие всплески)
// - Каждый запрос потребляет 1 токен
// - Если токенов нет, Wait блокируется, Allow отклоняет
//
// Каждый клиент в пуле соединений получает limiter своей биржи, поэтому
// конкурентные REST-вызовы одного пользователя не превышают лимиты биржи.
type Limiter struct {
	rate       float64   // токенов в секунду
	burst      float64   // максимальная ёмкость ведра
	tokens     float64   // текущее количество токенов
	lastRefill time.Time // время последнего пополнения
	mu         sync.Mutex
}

// NewLimiter создаёт новый rate limiter
//
// rate - запросов в секунду, burst - максимальный всплеск (обычно 2x rate).
// Типичные лимиты бирж: binance 20 req/sec, bybit 10 req/sec, okx 20 req/sec.
func NewLimiter(rate, burst float64) *Limiter {
	if rate <= 0 {
		rate = 10
	}
	if burst < rate {
		burst = rate * 2
	}

	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst, // начинаем с полным ведром
		lastRefill: time.Now(),
	}
}

// refill пополняет токены на основе прошедшего времени
// ВАЖНО: вызывается под lock'ом
func (l *Limiter) refill() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()

	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastRefill = now
}

// Allow неблокирующе пытается взять токен
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Wait блокируется до получения токена или отмены контекста
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}

		// Сколько ждать до появления следующего токена
		deficit := 1 - l.tokens
		wait := time.Duration(deficit / l.rate * float64(time.Second))
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Registry хранит limiter'ы по имени биржи
//
// Лимит общий на процесс для каждой биржи: клиент каждого пользователя
// получает один и тот же limiter своей биржи.
type Registry struct {
	limiters map[string]*Limiter
	defaults map[string]float64
	mu       sync.Mutex
}

// Дефолтные лимиты бирж (запросов в секунду)
var defaultRates = map[string]float64{
	"binance": 20,
	"bybit":   10,
	"okx":     20,
}

// NewRegistry создаёт реестр limiter'ов с дефолтными лимитами бирж
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		defaults: defaultRates,
	}
}

// ForExchange возвращает limiter биржи, создавая его при первом обращении
func (r *Registry) ForExchange(exchange string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[exchange]; ok {
		return l
	}

	rate, ok := r.defaults[exchange]
	if !ok {
		rate = 10
	}
	l := NewLimiter(rate, rate*2)
	r.limiters[exchange] = l
	return l
}
