package intercom

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait = 5 * time.Second
	closeWait = 500 * time.Millisecond
	readLimit = 1 << 20
)

// Transport — одно WebSocket-соединение: открыть, отправить фрейм,
// принять фрейм, закрыть. О JSON-RPC ничего не знает.
type Transport interface {
	// Open устанавливает соединение. Любая сетевая ошибка — ErrConnection.
	Open(ctx context.Context) error
	// Send пишет один фрейм целиком.
	Send(ctx context.Context, frame []byte) error
	// Receive блокируется до следующего фрейма. Чистое закрытие со стороны
	// устройства — io.EOF, обрыв — ErrConnection.
	Receive() ([]byte, error)
	// Close идемпотентен.
	Close() error
}

// TransportFactory создаёт транспорт под конфигурацию сессии.
type TransportFactory func(cfg Config, logger zerolog.Logger) Transport

type wsTransport struct {
	url          string
	dialer       *websocket.Dialer
	pingInterval time.Duration
	pongTimeout  time.Duration
	logger       zerolog.Logger

	mu       sync.Mutex // защищает conn и pingStop
	conn     *websocket.Conn
	pingStop chan struct{}

	wmu sync.Mutex // сериализует запись в websocket
}

// NewWebSocketTransport — транспорт по умолчанию (gorilla/websocket).
func NewWebSocketTransport(cfg Config, logger zerolog.Logger) Transport {
	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
	}
	if cfg.UseTLS {
		dialer.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !cfg.VerifyTLS,
		}
		if !cfg.VerifyTLS {
			logger.Warn().Str("host", cfg.Host).Msg("TLS certificate verification disabled")
		}
	}
	return &wsTransport{
		url:          cfg.URL(),
		dialer:       dialer,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		logger:       logger,
	}
}

func (t *wsTransport) Open(ctx context.Context) error {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return connError("dial "+t.url, err)
	}
	conn.SetReadLimit(readLimit)

	t.mu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()

	if t.pingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.readWait()))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(t.readWait()))
		})
		t.startPing(conn)
	}
	return nil
}

func (t *wsTransport) readWait() time.Duration {
	return t.pingInterval + t.pongTimeout
}

func (t *wsTransport) current() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	conn := t.current()
	if conn == nil {
		return connError("send", errors.New("transport is not open"))
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	// запись строго через один мьютекс + write-deadline
	t.wmu.Lock()
	_ = conn.SetWriteDeadline(deadline)
	err := conn.WriteMessage(websocket.TextMessage, frame)
	t.wmu.Unlock()

	if err != nil {
		return connError("send", err)
	}
	return nil
}

func (t *wsTransport) Receive() ([]byte, error) {
	conn := t.current()
	if conn == nil {
		return nil, connError("receive", errors.New("transport is not open"))
	}
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, connError("receive", err)
		}
		// любой входящий трафик — признак живого соединения
		if t.pingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(t.readWait()))
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.stopPingLocked()
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.wmu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
		time.Now().Add(closeWait))
	t.wmu.Unlock()
	return conn.Close()
}

func (t *wsTransport) startPing(conn *websocket.Conn) {
	t.mu.Lock()
	t.stopPingLocked()
	stop := make(chan struct{})
	t.pingStop = stop
	t.mu.Unlock()

	go func() {
		tick := time.NewTicker(t.pingInterval)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				t.wmu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				t.wmu.Unlock()
				if err != nil {
					t.logger.Debug().Err(err).Msg("ping failed")
					return
				}
			}
		}
	}()
}

func (t *wsTransport) stopPingLocked() {
	if t.pingStop != nil {
		close(t.pingStop)
		t.pingStop = nil
	}
}
