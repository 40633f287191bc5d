package server

import (
	"errors"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DragonSecurity/cdprelay/internal/backend"
	"github.com/DragonSecurity/cdprelay/pkg/proto"
	"github.com/DragonSecurity/cdprelay/pkg/util"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 14,
	WriteBufferSize: 1 << 14,
	CheckOrigin:     func(r *http.Request) bool { return true }, // TODO: restrict client origins once a frontend host is configurable
}

type wsConn struct {
	c   *websocket.Conn
	wmu sync.Mutex
}

func (w *wsConn) ReadEnvelope() (*proto.Envelope, error) {
	var env proto.Envelope
	if err := w.c.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (w *wsConn) WriteEnvelope(env *proto.Envelope) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteJSON(env)
}

func (w *wsConn) WriteText(data []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error { return w.c.Close() }

// targetSocket is the registration channel of one target.
type targetSocket struct {
	conn *wsConn
	log  *util.Logger

	mu        sync.Mutex
	listeners map[string][]func(*proto.Envelope)
}

var _ backend.TargetConn = (*targetSocket)(nil)

func newTargetSocket(c *websocket.Conn, log *util.Logger) *targetSocket {
	return &targetSocket{
		conn:      &wsConn{c: c},
		log:       log,
		listeners: make(map[string][]func(*proto.Envelope)),
	}
}

func (t *targetSocket) On(event string, fn func(*proto.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[event] = append(t.listeners[event], fn)
}

func (t *targetSocket) Off() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = make(map[string][]func(*proto.Envelope))
}

func (t *targetSocket) Emit(event string, payload any) error {
	env, err := proto.Wrap(event, payload)
	if err != nil {
		return err
	}
	return t.conn.WriteEnvelope(env)
}

func (t *targetSocket) Ack(ack string, payload any) error {
	env, err := proto.Wrap(proto.TypeAck, payload)
	if err != nil {
		return err
	}
	env.Ack = ack
	return t.conn.WriteEnvelope(env)
}

func (t *targetSocket) Close() error { return t.conn.Close() }

func (t *targetSocket) dispatch(env *proto.Envelope) bool {
	t.mu.Lock()
	fns := slices.Clone(t.listeners[env.Type])
	t.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
	return len(fns) > 0
}

// runReader delivers inbound envelopes until the socket fails. Registrations
// go to onRegister, which survives Off. The end of the socket is delivered
// to listeners as a disconnect event.
func (t *targetSocket) runReader(onRegister func(*proto.Envelope)) {
	for {
		env, err := t.conn.ReadEnvelope()
		if err != nil {
			reason := "transport error"
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				reason = "transport close"
			}
			t.log.Debugf("target socket ended: %v", err)
			t.dispatch(&proto.Envelope{Type: proto.TypeDisconnect, Payload: proto.Raw(reason)})
			_ = t.conn.Close()
			return
		}
		if env.Type == proto.TypeRegisterPage {
			onRegister(env)
			continue
		}
		if !t.dispatch(env) {
			if env.Type == proto.TypeDebug {
				t.log.Infof("target: %s", proto.DebugText(env.Payload))
				continue
			}
			t.log.Debugf("unhandled target event %q", env.Type)
		}
	}
}

// clientSocket is the websocket of an attached DevTools frontend.
type clientSocket struct {
	conn   *wsConn
	open   atomic.Bool
	closed sync.Once
}

var _ backend.ClientConn = (*clientSocket)(nil)

func newClientSocket(c *websocket.Conn) *clientSocket {
	s := &clientSocket{conn: &wsConn{c: c}}
	s.open.Store(true)
	return s
}

func (s *clientSocket) Listen(onMessage func([]byte), onClose func(error)) {
	go func() {
		for {
			_, data, err := s.conn.c.ReadMessage()
			if err != nil {
				s.open.Store(false)
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = nil
				}
				s.closed.Do(func() { onClose(err) })
				return
			}
			onMessage(data)
		}
	}()
}

func (s *clientSocket) Send(data []byte) error {
	if !s.open.Load() {
		return errors.New("client socket closed")
	}
	return s.conn.WriteText(data)
}

func (s *clientSocket) IsOpen() bool { return s.open.Load() }

func (s *clientSocket) Terminate() error {
	s.open.Store(false)
	return s.conn.Close()
}

// clientUpgrader upgrades DevTools clients with the shared gorilla upgrader.
type clientUpgrader struct{}

func (clientUpgrader) Upgrade(w http.ResponseWriter, r *http.Request) (backend.ClientConn, error) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newClientSocket(c), nil
}

func decodeRegistration(env *proto.Envelope) (proto.RegisterPage, error) {
	var info proto.RegisterPage
	err := proto.Unwrap(env, &info)
	return info, err
}
