package backend

import (
	"net/http"

	"github.com/DragonSecurity/cdprelay/pkg/proto"
)

// TargetConn is the registration channel of one target. Inbound events are
// delivered to the listeners registered with On.
type TargetConn interface {
	On(event string, fn func(*proto.Envelope))
	// Off drops every listener registered with On.
	Off()
	Emit(event string, payload any) error
	// Ack answers a callback-style request.
	Ack(ack string, payload any) error
	Close() error
}

// ClientConn is the websocket of an attached DevTools frontend.
type ClientConn interface {
	// Listen starts delivering inbound frames. onClose runs once, when the
	// connection ends for any reason.
	Listen(onMessage func([]byte), onClose func(error))
	Send(data []byte) error
	IsOpen() bool
	Terminate() error
}

// ClientUpgrader turns an HTTP upgrade request into a ClientConn.
type ClientUpgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request) (ClientConn, error)
}
