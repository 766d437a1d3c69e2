package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gridterm/internal/keys"
	"gridterm/pkg/retry"
	"gridterm/pkg/utils"
)

// Ошибки сессии потока
var (
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrSessionClosed      = errors.New("session is closed")
	ErrAlreadyStarted     = errors.New("session already started")
	ErrHeartbeatTimeout   = errors.New("heartbeat timeout")
)

// Conn - транспортное соединение сессии
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport открывает соединение к шлюзу биржи
// Подменяется в тестах фальшивым транспортом: машина состояний
// проверяется без живого сокета.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketTransport - транспорт поверх gorilla/websocket
type WebsocketTransport struct {
	HandshakeTimeout time.Duration
}

func (t *WebsocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: t.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// Config - настройки сессии потока
type Config struct {
	PingInterval     time.Duration // интервал отправки ping (не больше 30s)
	HeartbeatTimeout time.Duration // тишина, после которой соединение считается мёртвым
	ConnectTimeout   time.Duration // таймаут установки соединения
	Reconnect        retry.Config  // политика переподключения
}

// DefaultConfig возвращает конфигурацию сессии по умолчанию
func DefaultConfig() Config {
	return Config{
		PingInterval:     25 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		Reconnect: retry.Config{
			MaxAttempts:  10,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			JitterFactor: 0.1,
		},
	}
}

// EventKind - вид события, доставляемого подписчику
type EventKind string

// Виды событий сессии
const (
	EventConnected   EventKind = "connected"    // сессия достигла streaming
	EventDegraded    EventKind = "degraded"     // сессия ушла в reconnecting
	EventClosed      EventKind = "closed"       // сессия завершена
	EventAccountData EventKind = "account_data" // сырое событие аккаунта
)

// Event - событие сессии для подписчика
type Event struct {
	Kind    EventKind
	Payload []byte // только для account_data, сырые байты биржи
	Attempt int    // только для degraded
	Err     error  // причина для degraded/closed
}

// Session - сессия приватного потока аккаунта для одного (user, exchange)
//
// Машина состояний: disconnected → connecting → authenticating →
// decrypt_pending → streaming → (reconnecting | closed). Сокет и поля
// состояния принадлежат циклу событий сессии; внешний код работает
// только через Connect/Disconnect/Events.
//
// Отказ расшифровки терминален и не повторяется: негодные учётные
// данные сами не починятся. Транспортные сбои и тишина heartbeat ведут
// в reconnecting с экспоненциальным backoff; после исчерпания попыток
// сессия закрывается с ErrReconnectExhausted.
type Session struct {
	userID       uuid.UUID
	exchangeName string
	url          string
	token        string
	transport    Transport
	cfg          Config
	logger       *utils.Logger

	mu               sync.RWMutex
	state            string
	reconnectAttempt int
	decryptConfirmed bool
	lastHeartbeat    time.Time
	conn             Conn
	terminalErr      error

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	readyOnce sync.Once
}

// NewSession создает сессию в состоянии disconnected
//
// token - токен сессии вызывающего: сервер шлюза находит и
// расшифровывает учётные данные по нему, клиенту секрет не нужен.
func NewSession(userID uuid.UUID, exchangeName, url, token string, transport Transport, cfg Config, logger *utils.Logger) *Session {
	return &Session{
		userID:       userID,
		exchangeName: exchangeName,
		url:          url,
		token:        token,
		transport:    transport,
		cfg:          cfg,
		logger:       logger.WithSession(userID.String(), exchangeName),
		state:        StateDisconnected,
		events:       make(chan Event, 256),
		done:         make(chan struct{}),
	}
}

// Connect запускает цикл событий сессии и ждёт первого исхода:
// достижения streaming либо терминальной ошибки
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateDisconnected {
		if state == StateClosed {
			return ErrSessionClosed
		}
		return ErrAlreadyStarted
	}

	ready := make(chan error, 1)
	go s.run(ready)

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		s.Disconnect()
		return ctx.Err()
	}
}

// Disconnect завершает сессию из любого состояния
// Чистое завершение: дальнейших попыток переподключения не будет.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		conn := s.conn
		started := s.state != StateDisconnected
		s.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}

		// Если цикл событий не запускался, закрываем напрямую
		if !started {
			s.finish(nil)
		}
	})
}

// Events возвращает канал событий сессии для подписчика
func (s *Session) Events() <-chan Event {
	return s.events
}

// State возвращает текущее состояние машины
func (s *Session) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ReconnectAttempt возвращает номер текущей попытки переподключения
// Сбрасывается в 0 при каждом успешном выходе в streaming.
func (s *Session) ReconnectAttempt() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnectAttempt
}

// DecryptConfirmed сообщает, подтвердил ли сервер расшифровку ключа
func (s *Session) DecryptConfirmed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decryptConfirmed
}

// Err возвращает терминальную ошибку закрытой сессии
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminalErr
}

// run - цикл событий сессии; единственный владелец сокета и состояния
func (s *Session) run(ready chan<- error) {
	ActiveSessions.Inc()
	defer ActiveSessions.Dec()

	reportReady := func(err error) {
		s.readyOnce.Do(func() { ready <- err })
	}

	for {
		err := s.establish()
		if err == nil {
			s.mu.Lock()
			s.reconnectAttempt = 0
			s.mu.Unlock()

			s.emit(Event{Kind: EventConnected})
			reportReady(nil)

			err = s.streamLoop()
		}

		if s.closedByUser() || errors.Is(err, ErrSessionClosed) {
			s.finish(nil)
			reportReady(ErrSessionClosed)
			return
		}

		// Негодный ключ не починится повтором
		if errors.Is(err, keys.ErrCredentialDecryptFailed) {
			s.finish(err)
			reportReady(err)
			return
		}

		// Транзиентный сбой: reconnecting с backoff
		s.transition(StateReconnecting)

		s.mu.Lock()
		s.reconnectAttempt++
		attempt := s.reconnectAttempt
		s.mu.Unlock()

		ReconnectAttempts.WithLabelValues(s.exchangeName).Inc()
		s.emit(Event{Kind: EventDegraded, Attempt: attempt, Err: err})
		s.logger.Warn("stream degraded, reconnecting",
			utils.Attempt(attempt), zap.Error(err))

		if s.cfg.Reconnect.Exhausted(attempt) {
			s.finish(ErrReconnectExhausted)
			reportReady(ErrReconnectExhausted)
			return
		}

		select {
		case <-time.After(s.cfg.Reconnect.Delay(attempt - 1)):
		case <-s.done:
			s.finish(nil)
			reportReady(ErrSessionClosed)
			return
		}
	}
}

// establish проводит сессию connecting → authenticating →
// decrypt_pending → streaming
func (s *Session) establish() error {
	s.transition(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.transport.Dial(ctx, s.url)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// socket_open: отправляем токен сессии
	s.transition(StateAuthenticating)

	authFrame, err := EncodeAuth(s.token)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := conn.WriteMessage(authFrame); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send auth frame: %w", err)
	}

	// auth_ack
	env, err := s.readEnvelope(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if env.Type != MessageTypeConnected {
		_ = conn.Close()
		return fmt.Errorf("unexpected frame %q while authenticating", env.Type)
	}

	// Ждём подтверждения расшифровки ключа на стороне сервера
	s.transition(StateDecryptPending)

	env, err = s.readEnvelope(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if env.Type != MessageTypeKeyDecrypted {
		_ = conn.Close()
		return fmt.Errorf("unexpected frame %q while awaiting decrypt confirmation", env.Type)
	}
	if !env.Success {
		_ = conn.Close()
		return fmt.Errorf("%w: gateway rejected credential", keys.ErrCredentialDecryptFailed)
	}

	s.mu.Lock()
	s.decryptConfirmed = true
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()

	s.transition(StateStreaming)
	s.logger.Info("account stream established")
	return nil
}

type readResult struct {
	data []byte
	err  error
}

// streamLoop диспетчеризует события аккаунта и ведёт heartbeat
// Возвращает причину выхода из streaming.
func (s *Session) streamLoop() error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	readCh := make(chan readResult, 32)
	readerQuit := make(chan struct{})
	defer close(readerQuit)
	go func() {
		defer close(readCh)
		for {
			data, err := conn.ReadMessage()
			select {
			case readCh <- readResult{data: data, err: err}:
			case <-readerQuit:
				// Цикл уже вышел и кадры не заберёт
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer conn.Close()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	// Тишину проверяем чаще, чем она наступает
	silenceTicker := time.NewTicker(s.cfg.HeartbeatTimeout / 4)
	defer silenceTicker.Stop()

	for {
		select {
		case <-s.done:
			return ErrSessionClosed

		case res, ok := <-readCh:
			if !ok {
				return errors.New("read channel closed")
			}
			if res.err != nil {
				return fmt.Errorf("transport error: %w", res.err)
			}
			s.markHeartbeat()

			env, err := DecodeEnvelope(res.data)
			if err != nil {
				s.logger.Warn("undecodable stream frame", zap.Error(err))
				continue
			}

			switch env.Type {
			case MessageTypePing:
				pong, _ := EncodePong()
				if err := conn.WriteMessage(pong); err != nil {
					return fmt.Errorf("send pong: %w", err)
				}
			case MessageTypePong:
				// живость уже отмечена
			default:
				// Событие аккаунта: пересылаем подписчику сырым
				EventsForwarded.WithLabelValues(s.exchangeName).Inc()
				s.emit(Event{Kind: EventAccountData, Payload: res.data})
			}

		case <-pingTicker.C:
			ping, _ := EncodePing()
			if err := conn.WriteMessage(ping); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}

		case <-silenceTicker.C:
			s.mu.RLock()
			silent := time.Since(s.lastHeartbeat)
			s.mu.RUnlock()
			if silent > s.cfg.HeartbeatTimeout {
				HeartbeatTimeouts.WithLabelValues(s.exchangeName).Inc()
				return fmt.Errorf("%w: no heartbeat for %s", ErrHeartbeatTimeout, silent.Round(time.Second))
			}
		}
	}
}

// readEnvelope читает и декодирует один конверт
func (s *Session) readEnvelope(conn Conn) (*Envelope, error) {
	data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(data)
}

// transition переводит машину в новое состояние
func (s *Session) transition(to string) {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.logger.Error("invalid state transition",
			utils.State(from), zap.String("to", to))
		return
	}
	s.state = to
	s.mu.Unlock()

	StateTransitions.WithLabelValues(s.exchangeName, to).Inc()
	s.logger.Debug("state transition", utils.State(to), zap.String("from", from))
}

// finish закрывает сессию и доставляет событие closed
func (s *Session) finish(err error) {
	s.transition(StateClosed)

	s.mu.Lock()
	s.terminalErr = err
	s.mu.Unlock()

	s.emit(Event{Kind: EventClosed, Err: err})
	if err != nil {
		s.logger.Warn("account stream closed", zap.Error(err))
	} else {
		s.logger.Info("account stream closed")
	}
}

func (s *Session) markHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

func (s *Session) closedByUser() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// emit доставляет событие подписчику, не блокируя цикл сессии
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event buffer full, event dropped", zap.String("kind", string(ev.Kind)))
	}
}
