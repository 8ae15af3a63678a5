package intercom

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testPassword = "secret"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (r rpcRequest) params(t *testing.T) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(r.Params, &m))
	return m
}

// fakeDevice — WebSocket-сервер, отвечающий как интерком: логин, relay.open,
// эхо для прочих методов. Тест может подменить обработку relay.open,
// слать уведомления и рвать соединение.
type fakeDevice struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	logins   int
	requests []rpcRequest
	onRelay  func(req rpcRequest)

	afterLogin func()

	wmu       sync.Mutex
	reqs      chan rpcRequest
	tls       bool
	closeOnce sync.Once
}

type deviceOption func(*fakeDevice)

func withTLS() deviceOption {
	return func(d *fakeDevice) { d.tls = true }
}

// withPushAfterLogin — устройство шлёт уведомление сразу за ответом на логин.
func withPushAfterLogin(method string, params any) deviceOption {
	return func(d *fakeDevice) {
		d.afterLogin = func() { d.notify(method, params) }
	}
}

func newFakeDevice(t *testing.T, opts ...deviceOption) *fakeDevice {
	t.Helper()
	d := &fakeDevice{reqs: make(chan rpcRequest, 128)}
	for _, opt := range opts {
		opt(d)
	}
	d.srv = httptest.NewUnstartedServer(http.HandlerFunc(d.serve))
	if d.tls {
		d.srv.StartTLS()
	} else {
		d.srv.Start()
	}
	t.Cleanup(d.close)
	return d
}

func (d *fakeDevice) serve(w http.ResponseWriter, r *http.Request) {
	c, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.conn = c
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.conn == c {
			d.conn = nil
		}
		d.mu.Unlock()
		_ = c.Close()
	}()

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		d.mu.Lock()
		d.requests = append(d.requests, req)
		onRelay := d.onRelay
		d.mu.Unlock()

		select {
		case d.reqs <- req:
		default:
		}

		switch req.Method {
		case MethodLogin:
			d.handleLogin(req)
		case MethodRelayOpen:
			if onRelay != nil {
				onRelay(req)
				continue
			}
			d.reply(req.ID, true)
		default:
			d.reply(req.ID, req.Params)
		}
	}
}

func (d *fakeDevice) handleLogin(req rpcRequest) {
	var p struct {
		User string `json:"user"`
		Pass string `json:"pass"`
	}
	_ = json.Unmarshal(req.Params, &p)
	if p.Pass != testPassword {
		d.replyError(req.ID, -32000, "Invalid credentials", nil)
		return
	}
	d.mu.Lock()
	d.logins++
	n := d.logins
	d.mu.Unlock()
	d.reply(req.ID, map[string]string{"token": fmt.Sprintf("token-%d", n)})
	if d.afterLogin != nil {
		d.afterLogin()
	}
}

func (d *fakeDevice) setRelayHandler(fn func(req rpcRequest)) {
	d.mu.Lock()
	d.onRelay = fn
	d.mu.Unlock()
}

func (d *fakeDevice) send(v any) {
	data, _ := json.Marshal(v)
	d.sendRaw(string(data))
}

func (d *fakeDevice) sendRaw(frame string) {
	d.mu.Lock()
	c := d.conn
	d.mu.Unlock()
	if c == nil {
		return
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (d *fakeDevice) reply(id uint64, result any) {
	d.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (d *fakeDevice) replyError(id uint64, code int, message string, data any) {
	e := map[string]any{"code": code, "message": message}
	if data != nil {
		e["data"] = data
	}
	d.send(map[string]any{"jsonrpc": "2.0", "id": id, "error": e})
}

func (d *fakeDevice) notify(method string, params any) {
	d.send(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

// drop рвёт TCP без close-фрейма.
func (d *fakeDevice) drop() {
	d.mu.Lock()
	c := d.conn
	d.mu.Unlock()
	if c != nil {
		_ = c.UnderlyingConn().Close()
	}
}

func (d *fakeDevice) loginCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logins
}

func (d *fakeDevice) requestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

// waitRequest ждёт следующий запрос с методом method, пропуская прочие.
func (d *fakeDevice) waitRequest(t *testing.T, method string) rpcRequest {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case req := <-d.reqs:
			if req.Method == method {
				return req
			}
		case <-deadline:
			t.Fatalf("no %s request within 5s", method)
			return rpcRequest{}
		}
	}
}

func (d *fakeDevice) close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		c := d.conn
		d.mu.Unlock()
		if c != nil {
			_ = c.Close()
		}
		d.srv.Close()
	})
}

// config — конфигурация сессии на этот сервер с быстрыми таймаутами.
func (d *fakeDevice) config(t *testing.T) Config {
	t.Helper()
	u, err := url.Parse(d.srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.UseTLS = u.Scheme == "https"
	cfg.Username = "admin"
	cfg.Password = testPassword
	cfg.CallTimeout = 2 * time.Second
	cfg.DialTimeout = 2 * time.Second
	cfg.PingInterval = 0
	cfg.Reconnect = ReconnectConfig{
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2,
	}
	return cfg
}

func newTestSession(t *testing.T, cfg Config, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Disconnect)
	return s
}

// eventRecorder собирает события подписки в канал.
type eventRecorder chan Event

func record(s *Session) eventRecorder {
	ch := make(eventRecorder, 64)
	s.Subscribe(func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

// next — следующее событие, какое бы ни пришло.
func (r eventRecorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event within 5s")
		return Event{}
	}
}

func (r eventRecorder) wait(t *testing.T, name string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within 5s", name)
			return Event{}
		}
	}
}
