package proto

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrMalformed is returned for frames that are not a CDP message.
var ErrMalformed = errors.New("malformed CDP message")

// RegisterPage is sent by a target to bind itself to a session.
type RegisterPage struct {
	UUID             string          `json:"uuid"`
	URL              string          `json:"url"`
	Description      string          `json:"description"`
	Title            string          `json:"title"`
	DeviceID         string          `json:"deviceId"`
	Hostname         string          `json:"hostname"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	FrameID          string          `json:"frameId"`
	SupportedDomains []string        `json:"supportedDomains"`
}

// Status answers a target's getStatus request.
type Status struct {
	IsConnectedToClient      bool   `json:"isConnectedToClient"`
	IsConnectedToTarget      bool   `json:"isConnectedToTarget"`
	ClientIP                 string `json:"clientIp"`
	TargetConnectionDuration int64  `json:"targetConnectionDuration"`
}

// Command is a client command forwarded to the target under its domain event.
type Command struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Domain string          `json:"domain"`
	Params json.RawMessage `json:"params"`
}

// Error is the CDP error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ServerError is the generic CDP server error code.
const ServerError = -32000

// Message is a CDP frame. RouteDomain/RouteMethod are set by targets on
// results that need post-processing and are never written to a client.
type Message struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`

	RouteDomain string `json:"_domain,omitempty"`
	RouteMethod string `json:"_method,omitempty"`

	// raw is the frame as a target sent it, fields unknown to Message included.
	raw json.RawMessage
}

// DecodeResult decodes a target result frame, keeping the frame itself so
// that Encode passes it on unchanged apart from the routing tags.
func DecodeResult(data []byte) (*Message, error) {
	if !gjson.ParseBytes(data).IsObject() {
		return nil, ErrMalformed
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	m.raw = append(json.RawMessage(nil), data...)
	return &m, nil
}

// ParseMessage decodes a client frame. A frame without a method is rejected.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	if m.Method == "" {
		return nil, ErrMalformed
	}
	return &m, nil
}

// Split returns the domain and method parts of Method.
func (m *Message) Split() (domain, method string) {
	domain, method, _ = strings.Cut(m.Method, ".")
	return domain, method
}

// Encode marshals m for a client, without the routing tags.
func (m *Message) Encode() ([]byte, error) {
	if m.raw == nil {
		c := *m
		c.RouteDomain, c.RouteMethod = "", ""
		return json.Marshal(&c)
	}
	out := []byte(m.raw)
	for _, tag := range []string{"_domain", "_method"} {
		var err error
		if out, err = sjson.DeleteBytes(out, tag); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ParamsOrEmpty returns Params, or {} if none were sent.
func (m *Message) ParamsOrEmpty() json.RawMessage {
	if len(m.Params) == 0 || string(m.Params) == "null" {
		return json.RawMessage(`{}`)
	}
	return m.Params
}

func Event(method string, params any) *Message {
	return &Message{Method: method, Params: Raw(params)}
}

func Reply(id json.RawMessage, result any) *Message {
	return &Message{ID: id, Result: Raw(result)}
}

func ReplyError(id json.RawMessage, msg string) *Message {
	return &Message{ID: id, Error: &Error{Code: ServerError, Message: msg}}
}

// Raw marshals v, passing json.RawMessage through. Values that cannot be
// marshalled become an empty object.
func Raw(v any) json.RawMessage {
	switch t := v.(type) {
	case json.RawMessage:
		return t
	case nil:
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
