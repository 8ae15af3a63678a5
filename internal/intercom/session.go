package intercom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ilog "github.com/EgorLis/fibaro-intercom/internal/log"
)

const tracerName = "github.com/EgorLis/fibaro-intercom/internal/intercom"

// Option настраивает Session.
type Option func(*Session)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Session) { s.tracer = tp.Tracer(tracerName) }
}

// WithTransport подменяет транспорт (по умолчанию gorilla/websocket).
func WithTransport(f TransportFactory) Option {
	return func(s *Session) { s.newTransport = f }
}

// Session — аутентифицированное соединение с одним устройством.
// Один экземпляр на устройство; после Disconnect не переиспользуется.
type Session struct {
	cfg          Config
	id           string
	logger       zerolog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
	newTransport TransportFactory

	table  *pendingTable
	events *Dispatcher

	pubMu sync.Mutex // порядок публикации событий; берётся раньше mu

	mu        sync.Mutex // state, token, transport, closed, announce, held
	state     State
	token     string
	transport Transport
	closed    bool
	announce  bool    // Connected достигнут, но ещё не опубликован
	held      []Event // уведомления, пришедшие во время логина

	stop chan struct{} // закрывается в Disconnect
	lost chan struct{} // сигнал супервизору о потере соединения
	wg   sync.WaitGroup
}

// New создаёт сессию. Сеть не трогает — для подключения вызовите Connect.
func New(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:          cfg,
		id:           uuid.NewString(),
		logger:       ilog.WithComponent("intercom"),
		tracer:       otel.GetTracerProvider().Tracer(tracerName),
		newTransport: NewWebSocketTransport,
		table:        newPendingTable(),
		stop:         make(chan struct{}),
		lost:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().
		Str(ilog.FieldSessionID, s.id).
		Str(ilog.FieldAddr, cfg.URL()).
		Logger()
	s.events = NewDispatcher(cfg.EventBuffer, s.logger, s.metrics)
	s.metrics.setState(StateDisconnected)
	return s, nil
}

// ID — идентификатор сессии для логов.
func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Subscribe — обработчик событий устройства и событий связи.
func (s *Session) Subscribe(h Handler) (unsubscribe func()) {
	return s.events.Subscribe(h)
}

// Connect открывает соединение и логинится. Ошибка первого подключения
// возвращается сразу и не ретраится: ErrAuthentication при отказе в логине,
// ErrConnection при сетевой ошибке.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.state != StateDisconnected:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	s.logger.Info().Msg("connecting")
	if err := s.establish(ctx); err != nil {
		s.mu.Lock()
		if !s.closed {
			s.setStateLocked(StateDisconnected)
		}
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("connect failed")
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.wg.Add(1)
	go s.supervise()
	s.mu.Unlock()

	s.logger.Info().Msg("connected")
	s.announceConnected()
	return nil
}

// Disconnect останавливает цикл чтения и переподключение, завершает ожидающие
// вызовы с ErrConnectionLost, закрывает транспорт. Повторный вызов ничего не делает.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	t := s.transport
	s.transport = nil
	s.token = ""
	prev := s.state
	s.setStateLocked(StateDisconnected)
	n := s.table.failAll(ErrConnectionLost)
	s.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	s.wg.Wait()
	s.metrics.setPending(0)

	s.logger.Info().Int(ilog.FieldPending, n).Str(ilog.FieldOldState, prev.String()).Msg("disconnected")
	if prev != StateDisconnected {
		s.publishState(EventDisconnected, StateDisconnected, nil)
	}
	s.events.Close()
}

// establish: Open → Authenticating → login → Connected.
// Перед вызовом состояние уже Connecting.
func (s *Session) establish(ctx context.Context) error {
	ctx, cancel := s.stopContext(ctx)
	defer cancel()

	s.table.reset()
	t := s.newTransport(s.cfg, s.logger)

	dialCtx, dialCancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	err := t.Open(dialCtx)
	dialCancel()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = t.Close()
		return ErrClosed
	}
	s.transport = t
	s.held = nil
	s.setStateLocked(StateAuthenticating)
	s.wg.Add(1)
	go s.readLoop(t)
	s.mu.Unlock()

	token, err := s.login(ctx)
	if err != nil {
		s.mu.Lock()
		if s.transport == t {
			s.transport = nil
		}
		s.table.failAll(ErrConnectionLost)
		s.mu.Unlock()
		_ = t.Close()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = t.Close()
		return ErrClosed
	}
	if s.transport != t {
		// соединение умерло сразу после логина
		return connError("login", ErrConnectionLost)
	}
	s.token = token
	s.setStateLocked(StateConnected)
	s.announce = true
	return nil
}

type loginParams struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

type loginResult struct {
	Token string `json:"token"`
}

func (s *Session) login(ctx context.Context) (string, error) {
	res, err := s.roundTrip(ctx, StateAuthenticating, MethodLogin, func(string) any {
		return loginParams{User: s.cfg.Username, Pass: s.cfg.Password}
	})
	if err != nil {
		var rerr *RemoteError
		if errors.As(err, &rerr) {
			return "", fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		if errors.Is(err, ErrConnection) {
			return "", err
		}
		return "", connError("login", err)
	}

	var lr loginResult
	if err := json.Unmarshal(res, &lr); err != nil || lr.Token == "" {
		return "", fmt.Errorf("%w: no token in login response", ErrAuthentication)
	}
	return lr.Token, nil
}

// call — привилегированный вызов: только в Connected, params строятся с текущим токеном.
func (s *Session) call(ctx context.Context, method string, params func(token string) any) (json.RawMessage, error) {
	return s.roundTrip(ctx, StateConnected, method, params)
}

// roundTrip регистрирует запрос, отправляет фрейм и ждёт ответа,
// таймаута, отмены ctx или потери соединения — что наступит раньше.
func (s *Session) roundTrip(ctx context.Context, phase State, method string, params func(token string) any) (json.RawMessage, error) {
	ctx, span := s.tracer.Start(ctx, method, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
		))
	defer span.End()

	start := time.Now()

	s.mu.Lock()
	if s.state != phase || s.transport == nil {
		s.mu.Unlock()
		return nil, s.finish(span, method, 0, start, ErrNotConnected)
	}
	t := s.transport
	pc := s.table.register(method)
	frame, err := Encode(method, params(s.token), pc.id)
	s.mu.Unlock()

	span.SetAttributes(attribute.Int64("rpc.jsonrpc.request_id", int64(pc.id)))
	s.metrics.setPending(s.table.len())

	if err != nil {
		s.table.cancel(pc.id, err)
		res := <-pc.done
		return nil, s.finish(span, method, pc.id, pc.created, res.err)
	}

	if err := t.Send(ctx, frame); err != nil {
		// сеть упала между подготовкой и записью — подчищаем и рвём соединение,
		// цикл чтения переведёт сессию в Reconnecting
		if s.table.cancel(pc.id, fmt.Errorf("%w: %w", ErrConnectionLost, err)) {
			_ = t.Close()
		}
		res := <-pc.done
		return nil, s.finish(span, method, pc.id, pc.created, res.err)
	}

	timer := time.NewTimer(s.cfg.CallTimeout)
	defer timer.Stop()

	var res callResult
	select {
	case res = <-pc.done:
	case <-timer.C:
		s.table.expire(pc.id)
		res = <-pc.done
	case <-ctx.Done():
		cerr := ctx.Err()
		if errors.Is(cerr, context.DeadlineExceeded) {
			cerr = fmt.Errorf("%w: %w", ErrTimeout, cerr)
		}
		s.table.cancel(pc.id, cerr)
		res = <-pc.done
	}
	s.metrics.setPending(s.table.len())

	if res.err != nil {
		var rerr *RemoteError
		if errors.As(res.err, &rerr) && rerr.tokenExpired() {
			res.err = fmt.Errorf("%w: %w", ErrTokenExpired, rerr)
		}
		return nil, s.finish(span, method, pc.id, pc.created, res.err)
	}
	s.finish(span, method, pc.id, pc.created, nil)
	return res.result, nil
}

// finish пишет лог, метрики и статус спана; возвращает *CallError или nil.
func (s *Session) finish(span trace.Span, method string, id uint64, start time.Time, err error) error {
	elapsed := time.Since(start)
	outcome := callOutcome(err)
	s.metrics.observeCall(method, outcome, elapsed)

	if err == nil {
		s.logger.Debug().
			Str(ilog.FieldMethod, method).
			Uint64(ilog.FieldRequestID, id).
			Dur(ilog.FieldElapsed, elapsed).
			Msg("call completed")
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	s.logger.Warn().
		Err(err).
		Str(ilog.FieldMethod, method).
		Uint64(ilog.FieldRequestID, id).
		Dur(ilog.FieldElapsed, elapsed).
		Str("outcome", outcome).
		Msg("call failed")
	return &CallError{Method: method, ID: id, Elapsed: elapsed, Err: err}
}

func callOutcome(err error) string {
	var rerr *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rerr):
		return "remote_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	default:
		return "error"
	}
}

func (s *Session) setStateLocked(next State) {
	prev := s.state
	s.state = next
	s.metrics.setState(next)
	if prev != next {
		s.logger.Debug().
			Str(ilog.FieldOldState, prev.String()).
			Str(ilog.FieldNewState, next.String()).
			Msg("state changed")
	}
}

func (s *Session) publishState(name string, state State, cause error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.announceLocked()
	s.events.Publish(Event{
		Kind:  KindConnectivity,
		Name:  name,
		State: state,
		Err:   cause,
	})
}

// publishNotification отдаёт уведомление устройства подписчикам. Пока идёт
// логин, уведомления копятся и уходят сразу после EventConnected.
func (s *Session) publishNotification(ev Event) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.mu.Lock()
	if s.state == StateAuthenticating {
		s.held = append(s.held, ev)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.announceLocked()
	s.events.Publish(ev)
}

// announceConnected публикует EventConnected, если читатель ещё не успел.
func (s *Session) announceConnected() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.announceLocked()
}

// announceLocked вызывается под pubMu: EventConnected идёт раньше любых
// событий нового соединения.
func (s *Session) announceLocked() {
	s.mu.Lock()
	if !s.announce {
		s.mu.Unlock()
		return
	}
	s.announce = false
	held := s.held
	s.held = nil
	s.mu.Unlock()

	s.events.Publish(Event{
		Kind:  KindConnectivity,
		Name:  EventConnected,
		State: StateConnected,
	})
	for _, ev := range held {
		s.events.Publish(ev)
	}
}

// stopContext отменяется вместе с parent или по Disconnect.
func (s *Session) stopContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
