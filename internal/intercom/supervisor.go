package intercom

import (
	"context"
	"errors"
	"io"
	"time"

	ilog "github.com/EgorLis/fibaro-intercom/internal/log"
)

// readLoop — единственный читатель транспорта t. Разбор, сопоставление
// ответов и раздача событий идут последовательно в порядке приёма.
func (s *Session) readLoop(t Transport) {
	defer s.wg.Done()
	for {
		frame, err := t.Receive()
		if err != nil {
			s.handleReadError(t, err)
			return
		}
		s.handleFrame(frame)
	}
}

func (s *Session) handleFrame(frame []byte) {
	msg, err := Decode(frame)
	if err != nil {
		s.metrics.malformedFrame()
		s.logger.Warn().Err(err).Int("size", len(frame)).Msg("dropping malformed frame")
		return
	}

	switch msg.Kind {
	case MsgResponse:
		if !s.table.resolve(msg.ID, msg.Result) {
			s.logger.Debug().Uint64(ilog.FieldRequestID, msg.ID).Msg("response for unknown request dropped")
		}

	case MsgErrorResponse:
		if !s.table.resolveError(msg.ID, msg.Error) {
			s.logger.Warn().
				Uint64(ilog.FieldRequestID, msg.ID).
				Int("code", msg.Error.Code).
				Str("error_message", msg.Error.Message).
				Msg("unsolicited error from device")
		}
		if msg.Error.tokenExpired() {
			s.dropExpiredToken()
		}

	case MsgEvent:
		s.metrics.eventReceived(msg.Method)
		s.logger.Debug().Str(ilog.FieldMethod, msg.Method).Msg("event received")
		s.publishNotification(Event{
			Kind:   KindNotification,
			Name:   msg.Method,
			Params: msg.Params,
			Time:   time.Now(),
		})
	}
	s.metrics.setPending(s.table.len())
}

// Токен протух: рвём соединение, супервизор переподключится с новым логином.
func (s *Session) dropExpiredToken() {
	s.mu.Lock()
	t := s.transport
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || t == nil {
		return
	}
	s.logger.Info().Msg("token expired or invalid, forcing re-login")
	_ = t.Close()
}

// handleReadError — транспорт t закончился. Из Connected переходим в
// Reconnecting и будим супервизор; во время логина только валим ожидающих.
func (s *Session) handleReadError(t Transport, err error) {
	s.mu.Lock()
	if s.transport != t {
		// Disconnect или уже обработано
		s.mu.Unlock()
		return
	}
	s.transport = nil

	if s.state != StateConnected {
		s.table.failAll(ErrConnectionLost)
		s.mu.Unlock()
		_ = t.Close()
		return
	}

	s.token = ""
	s.setStateLocked(StateReconnecting)
	n := s.table.failAll(ErrConnectionLost)
	s.mu.Unlock()

	_ = t.Close()
	s.metrics.setPending(0)

	ev := s.logger.Warn()
	if errors.Is(err, io.EOF) {
		ev = s.logger.Info()
	}
	ev.Err(err).Int(ilog.FieldPending, n).Msg("connection lost")

	s.publishState(EventReconnecting, StateReconnecting, err)
	select {
	case s.lost <- struct{}{}:
	default:
	}
}

// supervise живёт от первого успешного Connect до Disconnect.
func (s *Session) supervise() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case <-s.lost:
		}
		s.reconnect()
	}
}

// reconnect повторяет попытки с экспоненциальной задержкой, пока не
// подключится или не будет вызван Disconnect.
func (s *Session) reconnect() {
	b := s.cfg.Reconnect.newBackOff()
	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		s.logger.Info().
			Int(ilog.FieldAttempt, attempt).
			Dur(ilog.FieldDelay, delay).
			Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(StateConnecting)
		s.mu.Unlock()

		err := s.establish(context.Background())
		if err == nil {
			s.metrics.reconnected()
			s.logger.Info().Int(ilog.FieldAttempt, attempt).Msg("reconnected")
			s.announceConnected()
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(StateReconnecting)
		s.mu.Unlock()

		s.logger.Warn().Err(err).Int(ilog.FieldAttempt, attempt).Msg("reconnect attempt failed")
	}
}
