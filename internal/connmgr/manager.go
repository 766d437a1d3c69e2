package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"gridterm/internal/exchange"
	"gridterm/internal/models"
	"gridterm/internal/pool"
	"gridterm/internal/stream"
	"gridterm/pkg/utils"
)

// Ошибки фасада соединений
var (
	ErrManagerClosed  = errors.New("connection manager is closed")
	ErrUnknownPurpose = errors.New("unknown connection purpose")
)

// RESTPool - пул аутентифицированных REST клиентов
type RESTPool interface {
	GetClientWithCache(ctx context.Context, userID uuid.UUID, exch string, purpose models.ConnectionPurpose) (*pool.PooledClient, error)
	RefreshClientWithCache(ctx context.Context, userID uuid.UUID, exch string, purpose models.ConnectionPurpose) (*pool.PooledClient, error)
	CheckClientHealthWithCache(ctx context.Context, userID uuid.UUID, exch string, purpose models.ConnectionPurpose) error
}

var _ RESTPool = (*pool.Pool)(nil)

// StreamCredentialSource отдаёт учётные данные для открытия сессии потока
type StreamCredentialSource interface {
	GetRealAPIKey(ctx context.Context, userID uuid.UUID, exch string, family models.KeyFamily) (*models.DecryptedCredential, error)
}

// SessionFactory создает сессию потока; подменяется в тестах
type SessionFactory func(userID uuid.UUID, exch, url, token string) *stream.Session

// Connection - результат get_connection
//
// Заполнено ровно одно из полей Client/Session в зависимости от Purpose.
type Connection struct {
	Purpose models.ConnectionPurpose
	Client  *pool.PooledClient // rest
	Session *stream.Session    // websocket
}

// Manager - фасад получения соединений с биржами
//
// Единственная точка входа для вызывающего кода: REST запросы идут в
// пул аутентифицированных клиентов, websocket - в реестр сессий
// приватного потока. Сам фасад политики не добавляет, только маршрутизирует.
type Manager struct {
	pool       RESTPool
	creds      StreamCredentialSource
	newSession SessionFactory
	logger     *utils.Logger

	mu       sync.Mutex
	sessions map[string]*stream.Session
	closed   bool

	flight singleflight.Group
}

// NewManager создает фасад соединений
//
// streamCfg задаёт поведение создаваемых сессий; фабрика по умолчанию
// открывает их через gorilla/websocket на StreamURL шлюза биржи.
func NewManager(p RESTPool, creds StreamCredentialSource, streamCfg stream.Config, logger *utils.Logger) *Manager {
	log := logger.WithComponent("connmgr")
	m := &Manager{
		pool:     p,
		creds:    creds,
		logger:   log,
		sessions: make(map[string]*stream.Session),
	}
	transport := &stream.WebsocketTransport{HandshakeTimeout: streamCfg.ConnectTimeout}
	m.newSession = func(userID uuid.UUID, exch, url, token string) *stream.Session {
		return stream.NewSession(userID, exch, url, token, transport, streamCfg, log)
	}
	return m
}

// SetSessionFactory подменяет фабрику сессий
func (m *Manager) SetSessionFactory(f SessionFactory) {
	m.newSession = f
}

func sessionKey(userID uuid.UUID, exch string) string {
	return userID.String() + "|" + exch
}

// GetConnection возвращает соединение с биржей для пользователя
//
// rest: аутентифицированный HTTP клиент из пула (семья HMAC-SHA256).
// websocket: живая сессия приватного потока (семья Ed25519); сессия
// создаётся при первом обращении и переиспользуется, пока не закрыта.
// Ошибки нижних слоёв проходят без обёртки: вызывающий различает
// отсутствие ключа нужной семьи, отказ расшифровки и сбой постройки.
func (m *Manager) GetConnection(ctx context.Context, userID uuid.UUID, exch string, purpose models.ConnectionPurpose) (*Connection, error) {
	start := time.Now()
	conn, err := m.getConnection(ctx, userID, exch, purpose)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	ConnectionRequests.WithLabelValues(purpose.String(), outcome).Inc()
	ConnectionLatency.WithLabelValues(purpose.String()).
		Observe(float64(time.Since(start).Milliseconds()))
	return conn, err
}

func (m *Manager) getConnection(ctx context.Context, userID uuid.UUID, exch string, purpose models.ConnectionPurpose) (*Connection, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}

	switch purpose {
	case models.PurposeREST:
		client, err := m.pool.GetClientWithCache(ctx, userID, exch, purpose)
		if err != nil {
			return nil, err
		}
		return &Connection{Purpose: purpose, Client: client}, nil

	case models.PurposeWebsocket:
		sess, err := m.streamSession(ctx, userID, exch)
		if err != nil {
			return nil, err
		}
		return &Connection{Purpose: purpose, Session: sess}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPurpose, purpose)
	}
}

// streamSession возвращает живую сессию потока, создавая её при
// необходимости; одновременные вызовы для одной пары (user, exchange)
// порождают ровно одну сессию
func (m *Manager) streamSession(ctx context.Context, userID uuid.UUID, exch string) (*stream.Session, error) {
	key := sessionKey(userID, exch)

	if sess := m.liveSession(key); sess != nil {
		return sess, nil
	}

	ch := m.flight.DoChan(key, func() (interface{}, error) {
		if sess := m.liveSession(key); sess != nil {
			return sess, nil
		}
		return m.openSession(ctx, key, userID, exch)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*stream.Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) liveSession(key string) *stream.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[key]
	if !ok {
		return nil
	}
	if stream.IsTerminal(sess.State()) {
		delete(m.sessions, key)
		return nil
	}
	return sess
}

func (m *Manager) openSession(ctx context.Context, key string, userID uuid.UUID, exch string) (*stream.Session, error) {
	// 1. Fail-fast: без ключа семьи Ed25519 сокет не открываем
	cred, err := m.creds.GetRealAPIKey(ctx, userID, exch, models.KeyFamilyEd25519)
	if err != nil {
		return nil, err
	}

	gw, err := exchange.GatewayFor(exch)
	if err != nil {
		return nil, err
	}

	// 2. Токен сессии - id виртуального ключа: шлюз находит и
	// расшифровывает учётные данные по нему, секрет по сети не ходит
	sess := m.newSession(userID, exch, gw.StreamURL, cred.VirtualKeyID.String())

	if err := sess.Connect(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sess.Disconnect()
		return nil, ErrManagerClosed
	}
	m.sessions[key] = sess
	m.mu.Unlock()

	m.logger.Info("account stream session opened",
		utils.UserID(userID.String()), utils.Exchange(exch))
	return sess, nil
}

// RefreshConnection принудительно пересобирает REST клиент с одним
// чтением учётных данных мимо кэша секретов
func (m *Manager) RefreshConnection(ctx context.Context, userID uuid.UUID, exch string) (*Connection, error) {
	client, err := m.pool.RefreshClientWithCache(ctx, userID, exch, models.PurposeREST)
	if err != nil {
		return nil, err
	}
	return &Connection{Purpose: models.PurposeREST, Client: client}, nil
}

// CheckConnectionHealth проверяет живость пулового REST клиента
func (m *Manager) CheckConnectionHealth(ctx context.Context, userID uuid.UUID, exch string) error {
	return m.pool.CheckClientHealthWithCache(ctx, userID, exch, models.PurposeREST)
}

// DisconnectStream завершает сессию потока пары (user, exchange)
func (m *Manager) DisconnectStream(userID uuid.UUID, exch string) {
	key := sessionKey(userID, exch)

	m.mu.Lock()
	sess, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if ok {
		sess.Disconnect()
		m.logger.Info("account stream session disconnected",
			utils.UserID(userID.String()), utils.Exchange(exch))
	}
}

// Close завершает все сессии потока
//
// Пул клиентов и реестр ключей закрываются их владельцем.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*stream.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*stream.Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Disconnect()
	}
	m.logger.Info("connection manager closed", zap.Int("sessions_closed", len(sessions)))
}
