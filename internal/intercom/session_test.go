package intercom

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
)

func connected(t *testing.T, d *fakeDevice, opts ...Option) *Session {
	t.Helper()
	s := newTestSession(t, d.config(t), opts...)
	require.NoError(t, s.Connect(context.Background()))
	return s
}

func TestConnect_LoginSuccess(t *testing.T) {
	d := newFakeDevice(t)
	s := newTestSession(t, d.config(t))
	events := record(s)

	require.Equal(t, StateDisconnected, s.State())
	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, StateConnected, s.State())
	assert.True(t, s.IsConnected())
	assert.NotEmpty(t, s.ID())

	login := d.waitRequest(t, MethodLogin)
	assert.Equal(t, "2.0", login.JSONRPC)
	assert.Equal(t, uint64(1), login.ID)
	p := login.params(t)
	assert.Equal(t, "admin", p["user"])
	assert.Equal(t, testPassword, p["pass"])

	ev := events.wait(t, EventConnected)
	assert.Equal(t, KindConnectivity, ev.Kind)
	assert.Equal(t, StateConnected, ev.State)
}

func TestConnect_WrongPassword(t *testing.T) {
	d := newFakeDevice(t)
	cfg := d.config(t)
	cfg.Password = "wrong"
	s := newTestSession(t, cfg)

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)

	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, -32000, rerr.Code)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 0, d.loginCount())
}

func TestConnect_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = addr.Port
	cfg.UseTLS = false
	cfg.Username = "admin"
	cfg.DialTimeout = time.Second
	s := newTestSession(t, cfg)

	err = s.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestConnect_AlreadyConnectedAndClosed(t *testing.T) {
	d := newFakeDevice(t)
	s := connected(t, d)

	assert.ErrorIs(t, s.Connect(context.Background()), ErrAlreadyConnected)

	s.Disconnect()
	assert.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
}

func TestConnect_TLS(t *testing.T) {
	d := newFakeDevice(t, withTLS())

	t.Run("verification disabled", func(t *testing.T) {
		cfg := d.config(t)
		require.True(t, cfg.UseTLS)
		cfg.VerifyTLS = false
		s := newTestSession(t, cfg)
		require.NoError(t, s.Connect(context.Background()))
		assert.True(t, s.IsConnected())
		s.Disconnect()
	})

	t.Run("self-signed certificate rejected", func(t *testing.T) {
		cfg := d.config(t)
		cfg.VerifyTLS = true
		s := newTestSession(t, cfg)
		err := s.Connect(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConnection)
	})
}

func TestOpenRelay_Frame(t *testing.T) {
	d := newFakeDevice(t)
	s := connected(t, d)

	ok, err := s.OpenRelay(context.Background(), 1, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	req := d.waitRequest(t, MethodRelayOpen)
	assert.Equal(t, uint64(2), req.ID)
	p := req.params(t)
	assert.Equal(t, "token-1", p["token"])
	assert.EqualValues(t, 1, p["relay"])
	assert.EqualValues(t, 5000, p["timeout"])
}

func TestOpenRelay_FalseResult(t *testing.T) {
	d := newFakeDevice(t)
	d.setRelayHandler(func(req rpcRequest) { d.reply(req.ID, false) })
	s := connected(t, d)

	ok, err := s.OpenRelay(context.Background(), 0, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenRelay_InvalidArguments(t *testing.T) {
	d := newFakeDevice(t)
	s := connected(t, d)
	before := d.requestCount()

	cases := []struct {
		name  string
		relay int
		hold  time.Duration
	}{
		{"relay too high", 2, time.Second},
		{"negative relay", -1, time.Second},
		{"hold too short", 0, 100 * time.Millisecond},
		{"hold too long", 0, 31 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := s.OpenRelay(context.Background(), tc.relay, tc.hold)
			require.Error(t, err)
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrInvalidArgument)

			var cerr *CallError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, MethodRelayOpen, cerr.Method)
		})
	}

	// граничные значения допустимы
	_, err := s.OpenRelay(context.Background(), 0, MinRelayHold)
	require.NoError(t, err)
	_, err = s.OpenRelay(context.Background(), 1, MaxRelayHold)
	require.NoError(t, err)

	assert.Equal(t, before+2, d.requestCount())
}

func TestOpenRelay_NotConnected(t *testing.T) {
	d := newFakeDevice(t)
	s := newTestSession(t, d.config(t))

	_, err := s.OpenRelay(context.Background(), 0, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, d.requestCount())
}

func TestOpenRelay_RemoteError(t *testing.T) {
	d := newFakeDevice(t)
	d.setRelayHandler(func(req rpcRequest) {
		d.replyError(req.ID, -32602, "Invalid params", map[string]string{"name": "BadRelay"})
	})
	s := connected(t, d)

	_, err := s.OpenRelay(context.Background(), 0, time.Second)
	require.Error(t, err)

	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, -32602, rerr.Code)
	assert.Equal(t, "Invalid params", rerr.Message)
	assert.JSONEq(t, `{"name":"BadRelay"}`, string(rerr.Data))
	assert.NotErrorIs(t, err, ErrTokenExpired)
	assert.True(t, s.IsConnected())
}

func TestCall_InjectsToken(t *testing.T) {
	d := newFakeDevice(t)
	s := connected(t, d)

	res, err := s.Call(context.Background(), "com.fibaro.intercom.test.echo", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"token":"token-1"}`, string(res))

	_, err = s.Call(context.Background(), MethodLogin, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.Call(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestConcurrentCalls_OutOfOrderResponses(t *testing.T) {
	d := newFakeDevice(t)
	held := make(chan rpcRequest, 2)
	d.setRelayHandler(func(req rpcRequest) { held <- req })
	s := connected(t, d)

	type result struct {
		ok  bool
		err error
	}
	results := make([]result, 2)
	var wg sync.WaitGroup
	for relay := 0; relay < 2; relay++ {
		wg.Add(1)
		go func(relay int) {
			defer wg.Done()
			ok, err := s.OpenRelay(context.Background(), relay, time.Second)
			results[relay] = result{ok, err}
		}(relay)
	}

	reqs := make(map[int]rpcRequest)
	for i := 0; i < 2; i++ {
		select {
		case req := <-held:
			reqs[int(req.params(t)["relay"].(float64))] = req
		case <-time.After(5 * time.Second):
			t.Fatal("relay requests not received")
		}
	}
	assert.NotEqual(t, reqs[0].ID, reqs[1].ID)

	// отвечаем в обратном порядке: relay 1 — true, relay 0 — false
	d.reply(reqs[1].ID, true)
	d.reply(reqs[0].ID, false)
	wg.Wait()

	require.NoError(t, results[0].err)
	require.NoError(t, results[1].err)
	assert.False(t, results[0].ok)
	assert.True(t, results[1].ok)
}

func TestUnsolicitedAndMalformedFramesIgnored(t *testing.T) {
	d := newFakeDevice(t)
	m := NewMetrics(prometheus.NewRegistry())
	s := connected(t, d, WithMetrics(m))

	d.reply(999, true)
	d.replyError(998, -1, "stray", nil)
	d.sendRaw("not json")
	d.sendRaw(`{"jsonrpc":"2.0"}`)

	ok, err := s.OpenRelay(context.Background(), 0, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, s.IsConnected())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.malformed))
}

func TestCallTimeout_LateResponseIgnored(t *testing.T) {
	d := newFakeDevice(t)
	held := make(chan rpcRequest, 1)
	d.setRelayHandler(func(req rpcRequest) { held <- req })

	cfg := d.config(t)
	cfg.CallTimeout = 200 * time.Millisecond
	s := newTestSession(t, cfg)
	require.NoError(t, s.Connect(context.Background()))

	start := time.Now()
	_, err := s.OpenRelay(context.Background(), 0, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	var cerr *CallError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, uint64(2), cerr.ID)

	// поздний ответ не должен ничего сломать
	late := <-held
	d.setRelayHandler(nil)
	d.reply(late.ID, true)

	ok, err := s.OpenRelay(context.Background(), 1, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, s.IsConnected())
}

func TestCall_ContextCancellation(t *testing.T) {
	d := newFakeDevice(t)
	d.setRelayHandler(func(rpcRequest) {})
	s := connected(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.OpenRelay(ctx, 0, time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel = context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = s.OpenRelay(ctx, 0, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, s.IsConnected())
}

func TestConnectionLost_Reconnects(t *testing.T) {
	d := newFakeDevice(t)
	held := make(chan rpcRequest, 1)
	d.setRelayHandler(func(req rpcRequest) { held <- req })
	s := connected(t, d)
	events := record(s)
	d.waitRequest(t, MethodLogin)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.OpenRelay(context.Background(), 0, time.Second)
		errCh <- err
	}()
	<-held
	d.waitRequest(t, MethodRelayOpen)
	d.drop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call was not failed on connection loss")
	}

	ev := events.wait(t, EventReconnecting)
	assert.Equal(t, StateReconnecting, ev.State)
	assert.Error(t, ev.Err)

	// новый логин с id 1 и новым токеном
	login := d.waitRequest(t, MethodLogin)
	assert.Equal(t, uint64(1), login.ID)
	events.wait(t, EventConnected)
	assert.True(t, s.IsConnected())
	assert.Equal(t, 2, d.loginCount())

	d.setRelayHandler(nil)
	ok, err := s.OpenRelay(context.Background(), 1, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	req := d.waitRequest(t, MethodRelayOpen)
	assert.Equal(t, "token-2", req.params(t)["token"])
	assert.Equal(t, uint64(2), req.ID)
}

func TestConnectionLost_CallsDuringReconnectFailFast(t *testing.T) {
	d := newFakeDevice(t)
	cfg := d.config(t)
	cfg.Reconnect.InitialDelay = time.Second
	cfg.Reconnect.MaxDelay = time.Second
	s := newTestSession(t, cfg)
	require.NoError(t, s.Connect(context.Background()))
	events := record(s)

	d.drop()
	events.wait(t, EventReconnecting)

	_, err := s.OpenRelay(context.Background(), 0, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTokenExpired_Relogin(t *testing.T) {
	cases := []struct {
		name    string
		message string
		data    any
	}{
		{"expired message", "Expired", nil},
		{"invalid token data", "Access denied", map[string]string{"name": "InvalidToken"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newFakeDevice(t)
			d.setRelayHandler(func(req rpcRequest) {
				d.replyError(req.ID, -32000, tc.message, tc.data)
			})
			s := connected(t, d)
			events := record(s)

			_, err := s.OpenRelay(context.Background(), 0, time.Second)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTokenExpired)
			var rerr *RemoteError
			assert.ErrorAs(t, err, &rerr)

			events.wait(t, EventReconnecting)
			events.wait(t, EventConnected)

			d.setRelayHandler(nil)
			ok, err := s.OpenRelay(context.Background(), 0, time.Second)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 2, d.loginCount())
		})
	}
}

func TestEvents_DeliveredInOrder(t *testing.T) {
	d := newFakeDevice(t)
	s := newTestSession(t, d.config(t))
	events := record(s)
	require.NoError(t, s.Connect(context.Background()))
	events.wait(t, EventConnected)

	d.notify(MethodButtonStateChanged, ButtonState{Button: 0, State: true})
	ev := events.wait(t, MethodButtonStateChanged)
	assert.Equal(t, KindNotification, ev.Kind)
	bs, ok := IsDoorbellPress(ev)
	require.True(t, ok)
	assert.Equal(t, 0, bs.Button)

	for i := 0; i < 10; i++ {
		d.notify(MethodRelayStateChanged, RelayState{Relay: i % 2, IsOpen: i%4 < 2})
	}
	for i := 0; i < 10; i++ {
		ev := events.wait(t, MethodRelayStateChanged)
		rs, err := DecodeRelayState(ev)
		require.NoError(t, err)
		assert.Equal(t, i%2, rs.Relay)
		assert.Equal(t, i%4 < 2, rs.IsOpen)
	}
}

func TestEvents_ConnectedPrecedesFirstNotification(t *testing.T) {
	d := newFakeDevice(t, withPushAfterLogin(MethodRelayStateChanged, RelayState{Relay: 0, IsOpen: true}))
	s := newTestSession(t, d.config(t))
	events := record(s)
	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, EventConnected, events.next(t).Name)
	ev := events.next(t)
	require.Equal(t, MethodRelayStateChanged, ev.Name)
	rs, err := DecodeRelayState(ev)
	require.NoError(t, err)
	assert.True(t, rs.IsOpen)

	// то же после переподключения
	d.drop()
	assert.Equal(t, EventReconnecting, events.next(t).Name)
	assert.Equal(t, EventConnected, events.next(t).Name)
	assert.Equal(t, MethodRelayStateChanged, events.next(t).Name)
	assert.Equal(t, 2, d.loginCount())
}

func TestDisconnect_FailsPendingAndIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := newFakeDevice(t)
	held := make(chan rpcRequest, 1)
	d.setRelayHandler(func(req rpcRequest) { held <- req })
	s := newTestSession(t, d.config(t))
	events := record(s)
	require.NoError(t, s.Connect(context.Background()))
	events.wait(t, EventConnected)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.OpenRelay(context.Background(), 0, time.Second)
		errCh <- err
	}()
	<-held

	s.Disconnect()
	assert.ErrorIs(t, <-errCh, ErrConnectionLost)
	assert.Equal(t, StateDisconnected, s.State())
	events.wait(t, EventDisconnected)

	s.Disconnect()
	_, err := s.OpenRelay(context.Background(), 0, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)

	d.close()
}

func TestMetrics_CallsAndState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d := newFakeDevice(t)
	s := connected(t, d, WithMetrics(m))

	_, err := s.OpenRelay(context.Background(), 0, time.Second)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues(MethodLogin, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.calls.WithLabelValues(MethodRelayOpen, "ok")))
	assert.Equal(t, float64(StateConnected), testutil.ToFloat64(m.state))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pending))

	d.notify(MethodRelayStateChanged, RelayState{Relay: 0, IsOpen: true})
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.events.WithLabelValues(MethodRelayStateChanged)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	d.drop()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.reconnects) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTracing_SpanPerCall(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	d := newFakeDevice(t)
	d.setRelayHandler(func(req rpcRequest) { d.replyError(req.ID, -1, "busy", nil) })
	s := connected(t, d, WithTracerProvider(tp))

	_, err := s.OpenRelay(context.Background(), 0, time.Second)
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, MethodLogin, spans[0].Name())
	relay := spans[1]
	assert.Equal(t, MethodRelayOpen, relay.Name())
	assert.Contains(t, relay.Attributes(), attribute.String("rpc.method", MethodRelayOpen))
	assert.Contains(t, relay.Attributes(), attribute.Int64("rpc.jsonrpc.request_id", 2))
	assert.Equal(t, "remote_error", relay.Status().Description)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "host is required")
}

func TestCallError_Format(t *testing.T) {
	err := &CallError{Method: MethodRelayOpen, ID: 7, Elapsed: 1500 * time.Millisecond, Err: ErrTimeout}
	assert.Contains(t, err.Error(), "id 7")
	assert.ErrorIs(t, err, ErrTimeout)

	raw, _ := json.Marshal(map[string]any{"name": "InvalidToken"})
	assert.True(t, (&RemoteError{Message: "x", Data: raw}).tokenExpired())
	assert.False(t, (&RemoteError{Message: "x"}).tokenExpired())
}
