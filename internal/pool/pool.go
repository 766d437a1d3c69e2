package pool

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"gridterm/internal/exchange"
	"gridterm/internal/keys"
	"gridterm/internal/models"
	"gridterm/pkg/ratelimit"
	"gridterm/pkg/retry"
	"gridterm/pkg/utils"
)

// CredentialSource выдает расшифрованные учётные данные для построения клиента
type CredentialSource interface {
	GetRealAPIKey(ctx context.Context, userID uuid.UUID, exchange string, family models.KeyFamily) (*models.DecryptedCredential, error)
	RefreshRealAPIKey(ctx context.Context, userID uuid.UUID, exchange string, family models.KeyFamily) (*models.DecryptedCredential, error)
}

var _ CredentialSource = (*keys.ApiKeyManager)(nil)

// ClientFactory создает неподключенного клиента биржи
// Подменяется в тестах, чтобы не ходить к реальным биржам.
type ClientFactory func(exchange string) (exchange.Client, error)

// DefaultClientFactory строит фабрику поверх реестра лимитеров
func DefaultClientFactory(limiters *ratelimit.Registry) ClientFactory {
	return func(name string) (exchange.Client, error) {
		return exchange.NewClient(name, limiters)
	}
}

// Config - настройки пула соединений
type Config struct {
	MaxSize      int           // максимум клиентов в процессе (LRU при переполнении)
	TTL          time.Duration // срок жизни клиента
	HealthStale  time.Duration // возраст проверки здоровья, после которого hit перепроверяется
	BuildTimeout time.Duration // таймаут одной попытки Connect
	Backoff      retry.Config  // политика повторов построения
}

// PooledClient - живой аутентифицированный клиент в пуле
//
// Один клиент на (user, exchange, purpose). Поля здоровья принадлежат
// пулу и меняются только под его блокировкой.
type PooledClient struct {
	Client    exchange.Client
	UserID    uuid.UUID
	Exchange  string
	Purpose   models.ConnectionPurpose
	KeyFamily models.KeyFamily
	CreatedAt time.Time
	ExpiresAt time.Time

	lastHealthAt time.Time
	element      *list.Element
	key          string
}

// Pool - LRU пул аутентифицированных клиентов бирж с TTL
//
// Построение клиента под single-flight: конкурентные первые вызовы по
// одному ключу ждут одно построение, а не строят дубликаты. Истёкшие
// записи трактуются как отсутствующие. Реализует keys.Invalidator:
// деактивация ключа выселяет клиента немедленно.
type Pool struct {
	cfg     Config
	creds   CredentialSource
	factory ClientFactory
	logger  *utils.Logger
	now     func() time.Time // подменяется в тестах

	mu      sync.Mutex
	entries map[string]*PooledClient
	gens    map[string]uint64 // поколение ключа, растёт при инвалидации
	lru     *list.List        // Front() - самый свежий
	closed  bool

	flight singleflight.Group
}

var _ keys.Invalidator = (*Pool)(nil)

// NewPool создает пул соединений
func NewPool(cfg Config, creds CredentialSource, factory ClientFactory, logger *utils.Logger) *Pool {
	return &Pool{
		cfg:     cfg,
		creds:   creds,
		factory: factory,
		logger:  logger.WithComponent("connection_pool"),
		now:     time.Now,
		entries: make(map[string]*PooledClient),
		gens:    make(map[string]uint64),
		lru:     list.New(),
	}
}

func clientKey(userID uuid.UUID, exchange string, purpose models.ConnectionPurpose) string {
	return userID.String() + "|" + exchange + "|" + string(purpose)
}

// GetClientWithCache возвращает клиента из пула или строит нового
//
// Семейство ключей выводится из назначения соединения и никогда не
// задаётся вызывающим напрямую. Hit требует: тот же ключ, не истёк,
// последняя проверка здоровья не провалена. Ошибки таксономии ключей
// (NoKeyOfFamily, CredentialDecryptFailed) проходят к вызывающему
// без упаковки в BuildError.
func (p *Pool) GetClientWithCache(ctx context.Context, userID uuid.UUID, exch string, purpose models.ConnectionPurpose) (*PooledClient, error) {
	family, ok := models.FamilyForPurpose(purpose)
	if !ok {
		return nil, ErrUnknownPurpose
	}

	key := clientKey(userID, exch, purpose)

	// 1. Быстрый путь
	if pc := p.lookup(key); pc != nil {
		if !p.healthStale(pc) {
			PoolHits.WithLabelValues(exch).Inc()
			return pc, nil
		}
		// Застоявшаяся проверка здоровья: перепроверяем на месте
		if err := pc.Client.Ping(ctx); err != nil {
			HealthCheckFailures.WithLabelValues(exch).Inc()
			p.evict(key, "health")
			p.logger.Warn("pooled client failed stale health check, rebuilding",
				utils.Exchange(exch), utils.UserID(userID.String()), zap.Error(err))
		} else {
			p.markHealthy(key)
			PoolHits.WithLabelValues(exch).Inc()
			return pc, nil
		}
	}

	// 2. Промах: single-flight построение
	PoolMisses.WithLabelValues(exch).Inc()
	ch := p.flight.DoChan(key, func() (interface{}, error) {
		if pc := p.lookup(key); pc != nil {
			return pc, nil
		}
		return p.build(ctx, key, userID, exch, purpose, family, false)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*PooledClient), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RefreshClientWithCache принудительно перестраивает клиента
// со свежепрочитанными учётными данными
//
// Используется после ротации ключа или обнаруженного сбоя аутентификации.
// TTL-семантику кэша секретов не меняет: читает мимо кэша один раз.
func (p *Pool) RefreshClientWithCache(ctx context.Context, userID uuid.UUID, exch string, purpose models.ConnectionPurpose) (*PooledClient, error) {
	family, ok := models.FamilyForPurpose(purpose)
	if !ok {
		return nil, ErrUnknownPurpose
	}

	key := clientKey(userID, exch, purpose)
	p.evict(key, "refresh")
	p.flight.Forget(key)

	ch := p.flight.DoChan(key, func() (interface{}, error) {
		return p.build(ctx, key, userID, exch, purpose, family, true)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*PooledClient), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CheckClientHealthWithCache проверяет здоровье клиента лёгким запросом
//
// Fail-fast: провал помечает запись нездоровой и выселяет её, повторов
// внутри проверки нет - следующий вызывающий построит клиента заново.
func (p *Pool) CheckClientHealthWithCache(ctx context.Context, userID uuid.UUID, exch string, purpose models.ConnectionPurpose) error {
	key := clientKey(userID, exch, purpose)

	pc := p.lookup(key)
	if pc == nil {
		return ErrClientNotPooled
	}

	if err := pc.Client.Ping(ctx); err != nil {
		HealthCheckFailures.WithLabelValues(exch).Inc()
		p.evict(key, "health")
		return errors.Join(ErrHealthCheckFailed, err)
	}

	p.markHealthy(key)
	return nil
}

// Invalidate выселяет клиента по семейству ключей
// Вызывается реестром ключей при деактивации и ротации.
func (p *Pool) Invalidate(userID uuid.UUID, exch string, family models.KeyFamily) {
	purpose, ok := models.PurposeForFamily(family)
	if !ok {
		return
	}
	key := clientKey(userID, exch, purpose)

	p.mu.Lock()
	// Смена поколения: идущее построение на отозванных учётных данных
	// не попадёт в пул
	p.gens[key]++
	if pc, exists := p.entries[key]; exists {
		p.removeLocked(pc, "invalidate")
	}
	p.mu.Unlock()

	p.flight.Forget(key)
}

// Len возвращает число живых клиентов в пуле
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close закрывает все клиенты и останавливает пул
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, pc := range p.entries {
		_ = pc.Client.Close()
		delete(p.entries, key)
	}
	p.lru.Init()
	p.closed = true
	PoolSize.Set(0)
}

// build строит клиента: учётные данные через кэш секретов, затем
// Connect с политикой повторов
func (p *Pool) build(ctx context.Context, key string, userID uuid.UUID, exch string, purpose models.ConnectionPurpose, family models.KeyFamily, fresh bool) (*PooledClient, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	gen := p.gens[key]
	p.mu.Unlock()

	start := time.Now()

	var cred *models.DecryptedCredential
	var err error
	if fresh {
		cred, err = p.creds.RefreshRealAPIKey(ctx, userID, exch, family)
	} else {
		cred, err = p.creds.GetRealAPIKey(ctx, userID, exch, family)
	}
	if err != nil {
		return nil, err
	}

	var client exchange.Client
	operation := func() error {
		c, factoryErr := p.factory(exch)
		if factoryErr != nil {
			// Неподдерживаемая биржа не станет поддерживаемой от повтора
			return retry.Permanent(factoryErr)
		}

		connectCtx, cancel := context.WithTimeout(ctx, p.cfg.BuildTimeout)
		defer cancel()

		if connectErr := c.Connect(connectCtx, cred); connectErr != nil {
			return connectErr
		}
		client = c
		return nil
	}

	if err := retry.Do(ctx, operation, p.cfg.Backoff); err != nil {
		return nil, &BuildError{Exchange: exch, Purpose: purpose, Err: err}
	}

	BuildLatency.WithLabelValues(exch).Observe(float64(time.Since(start).Milliseconds()))

	now := p.now()
	pc := &PooledClient{
		Client:       client,
		UserID:       userID,
		Exchange:     exch,
		Purpose:      purpose,
		KeyFamily:    family,
		CreatedAt:    now,
		ExpiresAt:    now.Add(p.cfg.TTL),
		lastHealthAt: now,
		key:          key,
	}

	if !p.insert(pc, gen) {
		// Ключ отозвали, пока шло построение
		_ = client.Close()
		return nil, &BuildError{Exchange: exch, Purpose: purpose, Err: ErrClientRevoked}
	}

	p.logger.Info("exchange client built",
		utils.Exchange(exch),
		utils.UserID(userID.String()),
		utils.Purpose(purpose.String()),
		utils.Latency(float64(time.Since(start).Milliseconds())))

	return pc, nil
}

// lookup возвращает живую запись и продвигает её в голову LRU
func (p *Pool) lookup(key string) *PooledClient {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.entries[key]
	if !ok {
		return nil
	}
	if !p.now().Before(pc.ExpiresAt) {
		p.removeLocked(pc, "ttl")
		return nil
	}

	p.lru.MoveToFront(pc.element)
	return pc
}

// insert заселяет запись, если её поколение всё ещё актуально
func (p *Pool) insert(pc *PooledClient, gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.gens[pc.key] != gen {
		return false
	}

	// Перестроение поверх существующей записи заменяет её
	if old, ok := p.entries[pc.key]; ok {
		p.removeLocked(old, "refresh")
	}

	pc.element = p.lru.PushFront(pc)
	p.entries[pc.key] = pc

	// LRU: при переполнении выселяем самый давний
	for p.cfg.MaxSize > 0 && len(p.entries) > p.cfg.MaxSize {
		oldest := p.lru.Back()
		if oldest == nil {
			break
		}
		p.removeLocked(oldest.Value.(*PooledClient), "lru")
	}

	PoolSize.Set(float64(len(p.entries)))
	return true
}

func (p *Pool) evict(key, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pc, ok := p.entries[key]; ok {
		p.removeLocked(pc, reason)
	}
}

// removeLocked удаляет запись и закрывает клиента; вызывается под p.mu
func (p *Pool) removeLocked(pc *PooledClient, reason string) {
	delete(p.entries, pc.key)
	if pc.element != nil {
		p.lru.Remove(pc.element)
		pc.element = nil
	}
	_ = pc.Client.Close()

	Evictions.WithLabelValues(reason).Inc()
	PoolSize.Set(float64(len(p.entries)))
}

func (p *Pool) healthStale(pc *PooledClient) bool {
	if p.cfg.HealthStale <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now().Sub(pc.lastHealthAt) > p.cfg.HealthStale
}

func (p *Pool) markHealthy(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.entries[key]; ok {
		pc.lastHealthAt = p.now()
	}
}
