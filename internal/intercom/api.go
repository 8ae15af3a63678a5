package intercom

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// ========================= high-level API =========================

type relayOpenParams struct {
	Token   string `json:"token"`
	Relay   int    `json:"relay"`
	Timeout int64  `json:"timeout"`
}

// OpenRelay открывает реле relay (0 или 1) на hold (250ms..30s).
// Возвращает true, если устройство ответило result=true.
// Невалидные аргументы — ErrInvalidArgument, в сеть ничего не уходит.
func (s *Session) OpenRelay(ctx context.Context, relay int, hold time.Duration) (bool, error) {
	if err := ValidateRelay(relay, hold); err != nil {
		return false, &CallError{Method: MethodRelayOpen, Err: err}
	}

	res, err := s.call(ctx, MethodRelayOpen, func(token string) any {
		return relayOpenParams{Token: token, Relay: relay, Timeout: hold.Milliseconds()}
	})
	if err != nil {
		return false, err
	}

	var ok bool
	if err := json.Unmarshal(res, &ok); err != nil {
		s.logger.Debug().RawJSON("result", res).Msg("relay.open returned non-boolean result")
		return false, nil
	}
	return ok, nil
}

// ValidateRelay проверяет номер реле и время удержания.
func ValidateRelay(relay int, hold time.Duration) error {
	if relay < 0 || relay >= RelayCount {
		return fmt.Errorf("%w: relay %d, want 0..%d", ErrInvalidArgument, relay, RelayCount-1)
	}
	if hold < MinRelayHold || hold > MaxRelayHold {
		return fmt.Errorf("%w: hold %s outside %s..%s", ErrInvalidArgument, hold, MinRelayHold, MaxRelayHold)
	}
	return nil
}

// Call — произвольный привилегированный метод устройства. Токен
// подставляется в params автоматически.
func (s *Session) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if method == "" || method == MethodLogin {
		return nil, &CallError{Method: method, Err: fmt.Errorf("%w: method %q", ErrInvalidArgument, method)}
	}
	return s.call(ctx, method, func(token string) any {
		p := make(map[string]any, len(params)+1)
		maps.Copy(p, params)
		p["token"] = token
		return p
	})
}
