package intercom

import (
	"encoding/json"
	"fmt"
	"time"
)

// Методы JSON-RPC устройства.
const (
	MethodLogin              = "com.fibaro.intercom.account.login"
	MethodRelayOpen          = "com.fibaro.intercom.relay.open"
	MethodRelayStateChanged  = "com.fibaro.intercom.relay.stateChanged"
	MethodButtonStateChanged = "com.fibaro.intercom.device.buttonStateChanged"
)

// Синтетические события о состоянии связи.
const (
	EventConnected    = "intercom.connected"
	EventDisconnected = "intercom.disconnected"
	EventReconnecting = "intercom.reconnecting"
)

// EventKind различает уведомления устройства и события связи.
type EventKind int

const (
	KindNotification EventKind = iota + 1
	KindConnectivity
)

// Event доставляется подписчикам. Для KindNotification заполнены Name и Params,
// для KindConnectivity — Name (EventConnected и т.д.), State и, возможно, Err.
type Event struct {
	Kind   EventKind
	Name   string
	Params json.RawMessage
	State  State
	Err    error
	Time   time.Time
}

// Handler — обработчик событий. Не должен блокироваться надолго.
type Handler func(Event)

// RelayState — params события relay.stateChanged.
type RelayState struct {
	Relay  int  `json:"relay"`
	IsOpen bool `json:"is_open"`
}

// ButtonState — params события device.buttonStateChanged (кнопка звонка).
type ButtonState struct {
	Button int  `json:"button"`
	State  bool `json:"state"`
}

// DecodeRelayState разбирает relay.stateChanged.
func DecodeRelayState(ev Event) (RelayState, error) {
	var rs RelayState
	if err := decodeParams(ev, MethodRelayStateChanged, &rs); err != nil {
		return RelayState{}, err
	}
	return rs, nil
}

// DecodeButtonState разбирает device.buttonStateChanged.
func DecodeButtonState(ev Event) (ButtonState, error) {
	var bs ButtonState
	if err := decodeParams(ev, MethodButtonStateChanged, &bs); err != nil {
		return ButtonState{}, err
	}
	return bs, nil
}

// IsDoorbellPress — нажатие кнопки вызова (отпускание не считается).
func IsDoorbellPress(ev Event) (ButtonState, bool) {
	bs, err := DecodeButtonState(ev)
	if err != nil || !bs.State {
		return ButtonState{}, false
	}
	return bs, true
}

func decodeParams(ev Event, method string, out any) error {
	if ev.Kind != KindNotification || ev.Name != method {
		return fmt.Errorf("%w: event %q is not %s", ErrInvalidArgument, ev.Name, method)
	}
	if isNull(ev.Params) {
		return nil
	}
	if err := json.Unmarshal(ev.Params, out); err != nil {
		return fmt.Errorf("%w: %s params: %v", ErrMalformedMessage, method, err)
	}
	return nil
}
