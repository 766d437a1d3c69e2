package keys

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"gridterm/internal/models"
)

// Loader выполняет загрузку и расшифровку учётных данных при промахе кэша
type Loader func(ctx context.Context) (*models.DecryptedCredential, error)

// SecureKeyCache - кэш расшифрованных учётных данных с TTL и single-flight
//
// Одна запись на (user, exchange, family). TTL ограничивает время жизни
// расшифрованного секрета в памяти: истёкшая запись трактуется как
// отсутствующая и перечитывается лениво при следующем обращении, фонового
// сборщика нет. Конкурентные промахи по одному ключу блокируются на одной
// расшифровке: N параллельных вызовов порождают ровно один вызов loader.
type SecureKeyCache struct {
	ttl time.Duration
	now func() time.Time // подменяется в тестах

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	gens    map[string]uint64 // поколение ключа, растёт при инвалидации
	flight  singleflight.Group
}

type cacheEntry struct {
	cred      *models.DecryptedCredential
	expiresAt time.Time
}

// NewSecureKeyCache создает кэш с заданным TTL
func NewSecureKeyCache(ttl time.Duration) *SecureKeyCache {
	return &SecureKeyCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*cacheEntry),
		gens:    make(map[string]uint64),
	}
}

func credentialKey(userID uuid.UUID, exchange string, family models.KeyFamily) string {
	return userID.String() + "|" + exchange + "|" + string(family)
}

// GetOrDecrypt возвращает учётные данные из кэша или загружает их через loader
//
// Отмена контекста освобождает только ожидающего: начатая расшифровка
// доводится до конца и её результат достаётся остальным ожидающим.
func (c *SecureKeyCache) GetOrDecrypt(ctx context.Context, userID uuid.UUID, exchange string, family models.KeyFamily, loader Loader) (*models.DecryptedCredential, error) {
	key := credentialKey(userID, exchange, family)

	// 1. Быстрый путь: живая запись под read-lock
	if cred, ok := c.lookup(key); ok {
		return cred, nil
	}

	// 2. Промах: single-flight расшифровка
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		// Запись могла появиться, пока мы ждали очередь flight
		if cred, ok := c.lookup(key); ok {
			return cred, nil
		}

		gen := c.generation(key)

		cred, err := loader(ctx)
		if err != nil {
			return nil, err
		}

		c.storeIfCurrent(key, cred, gen)
		return cred, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.DecryptedCredential), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate удаляет запись кэша
// Вызывается реестром при ротации и деактивации ключа.
func (c *SecureKeyCache) Invalidate(userID uuid.UUID, exchange string, family models.KeyFamily) {
	key := credentialKey(userID, exchange, family)

	c.mu.Lock()
	delete(c.entries, key)
	// Смена поколения: начатая расшифровка старого ключа не заселит
	// кэш заново, её storeIfCurrent увидит устаревшее поколение
	c.gens[key]++
	c.mu.Unlock()

	c.flight.Forget(key)
}

// Len возвращает число записей в кэше, включая истёкшие
func (c *SecureKeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *SecureKeyCache) lookup(key string) (*models.DecryptedCredential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.cred, true
}

func (c *SecureKeyCache) generation(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[key]
}

// storeIfCurrent записывает результат расшифровки, если ключ не был
// инвалидирован, пока она шла
func (c *SecureKeyCache) storeIfCurrent(key string, cred *models.DecryptedCredential, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[key] != gen {
		return
	}
	c.entries[key] = &cacheEntry{
		cred:      cred,
		expiresAt: c.now().Add(c.ttl),
	}
}
