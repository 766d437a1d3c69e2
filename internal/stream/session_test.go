package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gridterm/internal/keys"
	"gridterm/pkg/retry"
	"gridterm/pkg/utils"
)

// ============================================================
// Фальшивый транспорт: сценарии сервера без живого сокета
// ============================================================

type fakeConn struct {
	incoming  chan []byte
	sent      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 64),
		sent:     make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case c.sent <- data:
		return nil
	case <-c.closed:
		return errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// push доставляет кадр сессии от имени сервера
func (c *fakeConn) push(env *Envelope) {
	data, _ := json.Marshal(env)
	select {
	case c.incoming <- data:
	case <-c.closed:
	}
}

// handshake играет серверную часть установки сессии
func (c *fakeConn) handshake(decryptOK bool) bool {
	select {
	case data := <-c.sent:
		env, err := DecodeEnvelope(data)
		if err != nil || env.Type != MessageTypeAuth || env.Token == "" {
			return false
		}
	case <-c.closed:
		return false
	case <-time.After(time.Second):
		return false
	}

	c.push(&Envelope{Type: MessageTypeConnected})
	c.push(&Envelope{Type: MessageTypeKeyDecrypted, Success: decryptOK})
	return decryptOK
}

// answerPings отвечает pong'ом на каждый ping сессии
func (c *fakeConn) answerPings() {
	for {
		select {
		case data := <-c.sent:
			env, err := DecodeEnvelope(data)
			if err == nil && env.Type == MessageTypePing {
				c.push(&Envelope{Type: MessageTypePong})
			}
		case <-c.closed:
			return
		}
	}
}

type fakeTransport struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn

	// script играет сервер для соединения с порядковым номером dial,
	// nil означает отказ в установке соединения
	script func(dial int, c *fakeConn)
	// dialErr возвращает ошибку для соединения с номером dial
	dialErr func(dial int) error
}

func (t *fakeTransport) Dial(ctx context.Context, url string) (Conn, error) {
	t.mu.Lock()
	t.dials++
	n := t.dials
	if t.dialErr != nil {
		if err := t.dialErr(n); err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	t.mu.Unlock()

	if t.script != nil {
		go t.script(n, c)
	}
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) conn(n int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[n-1]
}

// ============================================================
// Вспомогательные функции
// ============================================================

func testLogger() *utils.Logger {
	return utils.InitLogger(utils.LogConfig{Level: "error", Format: "console", Output: "stderr"})
}

func testSessionConfig() Config {
	return Config{
		PingInterval:     10 * time.Millisecond,
		HeartbeatTimeout: 80 * time.Millisecond,
		ConnectTimeout:   200 * time.Millisecond,
		Reconnect: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2,
			JitterFactor: 0,
		},
	}
}

func newTestSession(t *testing.T, transport Transport, cfg Config) *Session {
	t.Helper()
	s := NewSession(uuid.New(), "binance", "wss://test.local/stream", "session-token", transport, cfg, testLogger())
	t.Cleanup(s.Disconnect)
	return s
}

func waitEvent(t *testing.T, events <-chan Event, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func waitState(t *testing.T, s *Session, state string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == state {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session state = %s, want %s", s.State(), state)
}

// ============================================================
// Тесты машины состояний
// ============================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateConnecting, StateAuthenticating, true},
		{StateAuthenticating, StateDecryptPending, true},
		{StateDecryptPending, StateStreaming, true},
		{StateDecryptPending, StateReconnecting, true},
		{StateStreaming, StateReconnecting, true},
		{StateReconnecting, StateConnecting, true},
		{StateDisconnected, StateStreaming, false},
		{StateConnecting, StateStreaming, false},
		{StateStreaming, StateAuthenticating, false},
		// Closed достижим отовсюду
		{StateStreaming, StateClosed, true},
		{StateDecryptPending, StateClosed, true},
		{StateDisconnected, StateClosed, true},
		// из терминального пути нет
		{StateClosed, StateConnecting, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(StateClosed) {
		t.Error("closed must be terminal")
	}
	if IsTerminal(StateStreaming) || IsTerminal(StateReconnecting) {
		t.Error("streaming and reconnecting are not terminal")
	}
}

// ============================================================
// Тесты сессии
// ============================================================

func TestSessionReachesStreaming(t *testing.T) {
	transport := &fakeTransport{
		script: func(dial int, c *fakeConn) {
			if c.handshake(true) {
				c.answerPings()
			}
		},
	}

	s := newTestSession(t, transport, testSessionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if s.State() != StateStreaming {
		t.Errorf("State() = %s, want %s", s.State(), StateStreaming)
	}
	if !s.DecryptConfirmed() {
		t.Error("decrypt confirmation not recorded")
	}
	waitEvent(t, s.Events(), EventConnected, time.Second)

	s.Disconnect()
	ev := waitEvent(t, s.Events(), EventClosed, time.Second)
	if ev.Err != nil {
		t.Errorf("clean disconnect carried error: %v", ev.Err)
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v after clean disconnect", s.Err())
	}
	waitState(t, s, StateClosed, time.Second)
}

func TestSessionForwardsAccountData(t *testing.T) {
	transport := &fakeTransport{
		script: func(dial int, c *fakeConn) {
			if c.handshake(true) {
				c.push(&Envelope{Type: "order_update", Message: "filled"})
				c.answerPings()
			}
		},
	}

	s := newTestSession(t, transport, testSessionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ev := waitEvent(t, s.Events(), EventAccountData, time.Second)
	if !strings.Contains(string(ev.Payload), "order_update") {
		t.Errorf("forwarded payload = %s, want raw order_update frame", ev.Payload)
	}
}

func TestSessionDecryptFailedTerminal(t *testing.T) {
	transport := &fakeTransport{
		script: func(dial int, c *fakeConn) {
			c.handshake(false)
		},
	}

	s := newTestSession(t, transport, testSessionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.Connect(ctx)
	if !errors.Is(err, keys.ErrCredentialDecryptFailed) {
		t.Fatalf("Connect() error = %v, want ErrCredentialDecryptFailed", err)
	}
	waitState(t, s, StateClosed, time.Second)
	if !errors.Is(s.Err(), keys.ErrCredentialDecryptFailed) {
		t.Errorf("Err() = %v, want ErrCredentialDecryptFailed", s.Err())
	}

	// Негодные учётные данные не повторяются
	time.Sleep(50 * time.Millisecond)
	if got := transport.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1 (decrypt failure must not be retried)", got)
	}
}

func TestSessionHeartbeatTimeoutReconnects(t *testing.T) {
	transport := &fakeTransport{
		script: func(dial int, c *fakeConn) {
			if !c.handshake(true) {
				return
			}
			if dial == 1 {
				// Первое соединение замолкает: ping'и читаем, но не отвечаем
				for {
					select {
					case <-c.sent:
					case <-c.closed:
						return
					}
				}
			}
			c.answerPings()
		},
	}

	s := newTestSession(t, transport, testSessionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	// Тишина на первом соединении ведёт в reconnecting
	ev := waitEvent(t, s.Events(), EventDegraded, time.Second)
	if ev.Attempt != 1 {
		t.Errorf("degraded attempt = %d, want 1", ev.Attempt)
	}
	if !errors.Is(ev.Err, ErrHeartbeatTimeout) {
		t.Errorf("degraded cause = %v, want ErrHeartbeatTimeout", ev.Err)
	}

	// Второе соединение живое: сессия восстанавливается
	waitEvent(t, s.Events(), EventConnected, time.Second)
	waitState(t, s, StateStreaming, time.Second)
	if got := transport.dialCount(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
	// Успешное восстановление сбрасывает счётчик попыток
	if got := s.ReconnectAttempt(); got != 0 {
		t.Errorf("ReconnectAttempt() = %d, want 0 after recovery", got)
	}
}

func TestSessionReconnectExhausted(t *testing.T) {
	transport := &fakeTransport{
		dialErr: func(dial int) error {
			return errors.New("connection refused")
		},
	}

	s := newTestSession(t, transport, testSessionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.Connect(ctx)
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Connect() error = %v, want ErrReconnectExhausted", err)
	}
	if got := transport.dialCount(); got != 3 {
		t.Errorf("dials = %d, want 3 (MaxAttempts)", got)
	}
	waitState(t, s, StateClosed, time.Second)

	ev := waitEvent(t, s.Events(), EventClosed, time.Second)
	if !errors.Is(ev.Err, ErrReconnectExhausted) {
		t.Errorf("closed cause = %v, want ErrReconnectExhausted", ev.Err)
	}
}

func TestSessionTransportErrorReconnects(t *testing.T) {
	transport := &fakeTransport{
		script: func(dial int, c *fakeConn) {
			if !c.handshake(true) {
				return
			}
			if dial == 1 {
				// Сервер рвёт соединение сразу после установки
				c.Close()
				return
			}
			c.answerPings()
		},
	}

	s := newTestSession(t, transport, testSessionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitEvent(t, s.Events(), EventDegraded, time.Second)
	waitEvent(t, s.Events(), EventConnected, time.Second)
	waitState(t, s, StateStreaming, time.Second)
}

func TestSessionSocketDropAwaitingDecryptReconnects(t *testing.T) {
	transport := &fakeTransport{
		script: func(dial int, c *fakeConn) {
			if dial == 1 {
				// Сервер подтверждает соединение и рвёт сокет
				// до подтверждения расшифровки
				select {
				case <-c.sent:
				case <-c.closed:
					return
				}
				c.push(&Envelope{Type: MessageTypeConnected})
				c.Close()
				return
			}
			if c.handshake(true) {
				c.answerPings()
			}
		},
	}

	cfg := testSessionConfig()
	cfg.Reconnect.InitialDelay = 100 * time.Millisecond
	cfg.Reconnect.MaxDelay = 100 * time.Millisecond
	s := newTestSession(t, transport, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	connectErr := make(chan error, 1)
	go func() { connectErr <- s.Connect(ctx) }()

	// Обрыв в decrypt_pending виден снаружи как reconnecting,
	// а не как зависшее ожидание подтверждения
	ev := waitEvent(t, s.Events(), EventDegraded, time.Second)
	if ev.Attempt != 1 {
		t.Errorf("degraded attempt = %d, want 1", ev.Attempt)
	}
	waitState(t, s, StateReconnecting, time.Second)

	// Второе соединение доводит установку до конца
	if err := <-connectErr; err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitState(t, s, StateStreaming, time.Second)
	if got := transport.dialCount(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestSessionDisconnectStopsReconnect(t *testing.T) {
	transport := &fakeTransport{
		dialErr: func(dial int) error {
			return errors.New("connection refused")
		},
	}

	cfg := testSessionConfig()
	cfg.Reconnect.MaxAttempts = 100
	cfg.Reconnect.InitialDelay = 50 * time.Millisecond
	s := newTestSession(t, transport, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.Disconnect()
	}()

	err := s.Connect(ctx)
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Connect() error = %v, want ErrSessionClosed", err)
	}
	waitState(t, s, StateClosed, time.Second)
	if s.Err() != nil {
		t.Errorf("Err() = %v after explicit disconnect", s.Err())
	}
}

func TestSessionDisconnectWithBacklogReleasesReader(t *testing.T) {
	transport := &fakeTransport{
		script: func(dial int, c *fakeConn) {
			if !c.handshake(true) {
				return
			}
			// Непрерывный поток событий: к моменту Disconnect у читателя
			// остаётся необработанный хвост кадров
			for {
				select {
				case <-c.closed:
					return
				default:
					c.push(&Envelope{Type: "order_update", Message: "burst"})
				}
			}
		},
	}

	before := runtime.NumGoroutine()

	s := newTestSession(t, transport, testSessionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitEvent(t, s.Events(), EventAccountData, time.Second)

	s.Disconnect()
	waitState(t, s, StateClosed, time.Second)

	// Читатель транспорта завершается вместе с сессией,
	// даже не доставив накопленные кадры
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("goroutines = %d, want <= %d after disconnect", runtime.NumGoroutine(), before)
}

func TestSessionSecondConnectRejected(t *testing.T) {
	transport := &fakeTransport{
		script: func(dial int, c *fakeConn) {
			if c.handshake(true) {
				c.answerPings()
			}
		},
	}

	s := newTestSession(t, transport, testSessionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := s.Connect(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyStarted", err)
	}

	s.Disconnect()
	waitState(t, s, StateClosed, time.Second)
	if err := s.Connect(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Connect() after close error = %v, want ErrSessionClosed", err)
	}
}

func TestSessionRespondsToServerPing(t *testing.T) {
	gotPong := make(chan struct{}, 1)
	transport := &fakeTransport{}
	transport.script = func(dial int, c *fakeConn) {
		if !c.handshake(true) {
			return
		}
		c.push(&Envelope{Type: MessageTypePing})
		for {
			select {
			case data := <-c.sent:
				env, err := DecodeEnvelope(data)
				if err != nil {
					continue
				}
				switch env.Type {
				case MessageTypePong:
					select {
					case gotPong <- struct{}{}:
					default:
					}
				case MessageTypePing:
					c.push(&Envelope{Type: MessageTypePong})
				}
			case <-c.closed:
				return
			}
		}
	}

	s := newTestSession(t, transport, testSessionConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case <-gotPong:
	case <-time.After(time.Second):
		t.Fatal("session did not answer server ping with pong")
	}
}

// ============================================================
// Интеграционный тест поверх gorilla/websocket
// ============================================================

func TestWebsocketTransportSession(t *testing.T) {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// auth
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := DecodeEnvelope(data)
		if err != nil || env.Type != MessageTypeAuth || env.Token != "session-token" {
			return
		}

		writeEnv := func(e *Envelope) error {
			out, _ := json.Marshal(e)
			return conn.WriteMessage(websocket.TextMessage, out)
		}
		if writeEnv(&Envelope{Type: MessageTypeConnected}) != nil {
			return
		}
		if writeEnv(&Envelope{Type: MessageTypeKeyDecrypted, Success: true}) != nil {
			return
		}
		if writeEnv(&Envelope{Type: "balance_update", Message: "usdt"}) != nil {
			return
		}

		// отвечаем на ping'и сессии
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := DecodeEnvelope(data)
			if err == nil && env.Type == MessageTypePing {
				if writeEnv(&Envelope{Type: MessageTypePong}) != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	transport := &WebsocketTransport{HandshakeTimeout: time.Second}

	s := NewSession(uuid.New(), "binance", url, "session-token", transport, testSessionConfig(), testLogger())
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ev := waitEvent(t, s.Events(), EventAccountData, 2*time.Second)
	if !strings.Contains(string(ev.Payload), "balance_update") {
		t.Errorf("payload = %s, want balance_update frame", ev.Payload)
	}
}
