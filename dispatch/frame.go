package dispatch

import (
	"encoding/json"

	"github.com/truenas/middleware-sub024/errors"
)

// Frame message types.
const (
	MsgConnect    = "connect"
	MsgConnected  = "connected"
	MsgAuth       = "auth"
	MsgAuthResult = "auth_result"
	MsgMethod     = "method"
	MsgResult     = "result"
	MsgError      = "error"
	MsgSub        = "sub"
	MsgUnsub      = "unsub"
	MsgEvent      = "event"
	MsgPing       = "ping"
	MsgPong       = "pong"
	MsgCancel     = "cancel"
)

// WireError is the error record carried by error frames.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Extra   any    `json:"extra,omitempty"`
}

// Frame is the single JSON shape exchanged on the framed protocol. Fields
// are populated per message type; unused ones are omitted on the wire.
type Frame struct {
	Msg string `json:"msg"`

	// connect / connected
	Version string `json:"version,omitempty"`
	Session string `json:"session,omitempty"`

	// auth / auth_result
	Mechanism   string         `json:"mechanism,omitempty"`
	Credentials map[string]any `json:"credentials,omitempty"`
	OK          *bool          `json:"ok,omitempty"`
	Roles       []string       `json:"roles,omitempty"`

	// method / result / error / sub / unsub / cancel
	ID      string     `json:"id,omitempty"`
	Method  string     `json:"method,omitempty"`
	Params  []any      `json:"params,omitempty"`
	Timeout float64    `json:"timeout,omitempty"`
	Result  any        `json:"result,omitempty"`
	Error   *WireError `json:"error,omitempty"`
	Trace   string     `json:"trace,omitempty"`

	// sub / event
	Name    string `json:"name,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// DecodeFrame parses one wire frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.WrapKind(err, errors.KindValidation, "dispatch", "DecodeFrame", "frame parsing")
	}
	if f.Msg == "" {
		return nil, errors.New(errors.KindValidation, "frame has no msg field")
	}
	return &f, nil
}

// EncodeFrame serializes one wire frame.
func EncodeFrame(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "dispatch", "EncodeFrame", "frame encoding")
	}
	return data, nil
}

// errorFrame builds an error reply for a call id from any error value.
// Internal errors are redacted before they reach the wire.
func errorFrame(id string, err error, traceID string) *Frame {
	ce := errors.AsCall(err, traceID).Redacted()
	return &Frame{
		Msg: MsgError,
		ID:  id,
		Error: &WireError{
			Kind:    string(ce.Kind),
			Message: ce.Message,
			Extra:   ce.Extra,
		},
		Trace: traceID,
	}
}

// resultFrame builds a result reply for a call id.
func resultFrame(id string, result any) *Frame {
	return &Frame{Msg: MsgResult, ID: id, Result: result}
}
