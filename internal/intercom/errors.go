package intercom

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Ошибки клиента. Проверять через errors.Is.
var (
	// ErrConnection — сетевая ошибка транспорта (DNS, отказ TCP, TLS, таймаут dial).
	ErrConnection = errors.New("intercom: connection error")

	// ErrAuthentication — устройство отвергло логин при первом подключении.
	ErrAuthentication = errors.New("intercom: authentication failed")

	// ErrTimeout — вызов не получил ответа за отведённое время. Соединение живо.
	ErrTimeout = errors.New("intercom: call timed out")

	// ErrConnectionLost — соединение пропало, пока вызов ждал ответа.
	ErrConnectionLost = errors.New("intercom: connection lost")

	// ErrMalformedMessage — входящий фрейм не является валидным JSON-RPC.
	ErrMalformedMessage = errors.New("intercom: malformed message")

	// ErrInvalidArgument — аргументы не прошли проверку, в сеть ничего не ушло.
	ErrInvalidArgument = errors.New("intercom: invalid argument")

	ErrNotConnected     = errors.New("intercom: not connected")
	ErrAlreadyConnected = errors.New("intercom: already connected")

	// ErrClosed — сессия остановлена через Disconnect и повторно не используется.
	ErrClosed = errors.New("intercom: session closed")

	// ErrTokenExpired — устройство сообщило, что токен истёк; сессия перелогинится сама.
	ErrTokenExpired = errors.New("intercom: token expired")
)

// RemoteError — объект error из ответа JSON-RPC, без изменений.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("intercom: remote error %d: %s", e.Code, e.Message)
}

// tokenExpired повторяет правила устройства: message "Expired"
// либо data.name == "InvalidToken".
func (e *RemoteError) tokenExpired() bool {
	if e == nil {
		return false
	}
	if e.Message == "Expired" {
		return true
	}
	if len(e.Data) == 0 {
		return false
	}
	var data struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return false
	}
	return data.Name == "InvalidToken"
}

// CallError оборачивает любую ошибку вызова контекстом: метод, id, сколько ждали.
type CallError struct {
	Method  string
	ID      uint64
	Elapsed time.Duration
	Err     error
}

func (e *CallError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("intercom: %s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("intercom: %s (id %d, %s): %v", e.Method, e.ID, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func connError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
}
