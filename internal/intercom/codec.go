package intercom

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// MsgKind — вид входящего сообщения. Определяется один раз в Decode.
type MsgKind int

const (
	MsgResponse MsgKind = iota + 1
	MsgErrorResponse
	MsgEvent
)

func (k MsgKind) String() string {
	switch k {
	case MsgResponse:
		return "response"
	case MsgErrorResponse:
		return "error_response"
	case MsgEvent:
		return "event"
	default:
		return "unknown"
	}
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Message — разобранный входящий фрейм.
//
//	MsgResponse:      ID, Result
//	MsgErrorResponse: ID, Error
//	MsgEvent:         Method, Params
type Message struct {
	Kind   MsgKind
	ID     uint64
	Result json.RawMessage
	Error  *RemoteError
	Method string
	Params json.RawMessage
}

// Encode собирает запрос JSON-RPC 2.0.
func Encode(method string, params any, id uint64) ([]byte, error) {
	if method == "" {
		return nil, fmt.Errorf("%w: empty method", ErrInvalidArgument)
	}
	return json.Marshal(request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
}

// Decode разбирает фрейм. Есть "id" — ответ (с "error" — ошибка),
// нет "id", но есть "method" — событие. Иначе ErrMalformedMessage.
func Decode(raw []byte) (Message, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if obj == nil {
		return Message{}, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}

	rawID, hasID := obj["id"]
	rawMethod, hasMethod := obj["method"]

	switch {
	case hasID:
		id, err := decodeID(rawID)
		if err != nil {
			return Message{}, err
		}
		if rawErr, ok := obj["error"]; ok && !isNull(rawErr) {
			var rerr RemoteError
			if err := json.Unmarshal(rawErr, &rerr); err != nil {
				return Message{}, fmt.Errorf("%w: error object: %v", ErrMalformedMessage, err)
			}
			return Message{Kind: MsgErrorResponse, ID: id, Error: &rerr}, nil
		}
		return Message{Kind: MsgResponse, ID: id, Result: obj["result"]}, nil

	case hasMethod:
		var method string
		if err := json.Unmarshal(rawMethod, &method); err != nil || method == "" {
			return Message{}, fmt.Errorf("%w: method must be a non-empty string", ErrMalformedMessage)
		}
		return Message{Kind: MsgEvent, Method: method, Params: obj["params"]}, nil

	default:
		return Message{}, fmt.Errorf("%w: neither id nor method", ErrMalformedMessage)
	}
}

// null-id (ответ на нераспознанный запрос) даёт 0 — такого id мы не выдаём.
func decodeID(raw json.RawMessage) (uint64, error) {
	if isNull(raw) {
		return 0, nil
	}
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("%w: id %s is not a non-negative integer", ErrMalformedMessage, raw)
	}
	return id, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
