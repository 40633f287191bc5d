package proto

import "encoding/json"

// Envelope is the frame exchanged with a target over the registration channel.
// Ack is set on callback-style requests (getStatus) and echoed in the reply.
type Envelope struct {
	Type    string          `json:"type"`
	Ack     string          `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Target channel event types.
const (
	TypeRegisterPage   = "registerPage"
	TypePageRegistered = "pageRegistered"
	TypeResult         = "result"
	TypeDisconnect     = "disconnect"
	TypeDebug          = "debug"
	TypeGetStatus      = "getStatus"
	TypeAck            = "ack"
)

// ResponseType is the event a target answers a forwarded command with.
func ResponseType(t string) string { return t + "-response" }

func Wrap(t string, v any) (*Envelope, error) {
	if v == nil {
		return &Envelope{Type: t}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, Payload: b}, nil
}

func Unwrap[T any](e *Envelope, out *T) error { return json.Unmarshal(e.Payload, out) }

// DebugText renders a debug payload, which targets send either as a plain
// string or as {message, stack}.
func DebugText(payload json.RawMessage) string {
	var s string
	if json.Unmarshal(payload, &s) == nil {
		return s
	}
	var d struct {
		Message string `json:"message"`
		Stack   string `json:"stack"`
	}
	if json.Unmarshal(payload, &d) == nil && d.Message != "" {
		if d.Stack != "" {
			return d.Message + "\n" + d.Stack
		}
		return d.Message
	}
	return string(payload)
}
