package backend

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DragonSecurity/cdprelay/pkg/proto"
	"github.com/DragonSecurity/cdprelay/pkg/util"
)

type emitted struct {
	event   string
	payload json.RawMessage
}

type fakeTarget struct {
	mu        sync.Mutex
	listeners map[string][]func(*proto.Envelope)
	emits     []emitted
	acks      map[string]json.RawMessage
	closed    bool
	// respond, if set, is called after every Emit outside the lock.
	respond func(event string, payload json.RawMessage)
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{listeners: map[string][]func(*proto.Envelope){}, acks: map[string]json.RawMessage{}}
}

func (f *fakeTarget) On(event string, fn func(*proto.Envelope)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[event] = append(f.listeners[event], fn)
}

func (f *fakeTarget) Off() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = map[string][]func(*proto.Envelope){}
}

func (f *fakeTarget) Emit(event string, payload any) error {
	raw := json.RawMessage(nil)
	if payload != nil {
		raw = proto.Raw(payload)
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("closed")
	}
	f.emits = append(f.emits, emitted{event: event, payload: raw})
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		respond(event, raw)
	}
	return nil
}

func (f *fakeTarget) Ack(ack string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks[ack] = proto.Raw(payload)
	return nil
}

func (f *fakeTarget) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTarget) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fire delivers an inbound event as the transport read loop would.
func (f *fakeTarget) fire(event, ack string, payload any) {
	env := &proto.Envelope{Type: event, Ack: ack}
	if payload != nil {
		env.Payload = proto.Raw(payload)
	}
	f.mu.Lock()
	fns := append([]func(*proto.Envelope){}, f.listeners[event]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (f *fakeTarget) emitted(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (f *fakeTarget) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = nil
}

type fakeClient struct {
	mu         sync.Mutex
	sent       []string
	terminated bool
	onMessage  func([]byte)
	onClose    func(error)
	// writer is the page writer of the client, waited for before reading.
	writer *clientWriter
}

func (c *fakeClient) Listen(onMessage func([]byte), onClose func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage, c.onClose = onMessage, onClose
}

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, string(data))
	return nil
}

func (c *fakeClient) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.terminated
}

func (c *fakeClient) Terminate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = true
	return nil
}

func (c *fakeClient) isTerminated() bool {
	c.settle()
	return !c.IsOpen()
}

// settle waits until the page wrote everything queued for c, and for a
// detached client until its connection was cut.
func (c *fakeClient) settle() {
	w := c.writer
	if w == nil {
		return
	}
	done := func() bool {
		w.mu.Lock()
		idle, closed := w.pending == 0, w.closed
		w.mu.Unlock()
		if !closed {
			return idle
		}
		select {
		case <-w.exited:
			return true
		default:
			return false
		}
	}
	for deadline := time.Now().Add(2 * time.Second); !done() && time.Now().Before(deadline); {
		time.Sleep(time.Millisecond)
	}
}

func (c *fakeClient) deliver(msg string) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	fn([]byte(msg))
}

func (c *fakeClient) close(err error) {
	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()
	fn(err)
}

func (c *fakeClient) messages() []string {
	c.settle()
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// methods returns the method of every message, or "#<id>" for replies.
func (c *fakeClient) methods() []string {
	var out []string
	for _, m := range c.messages() {
		var msg proto.Message
		if json.Unmarshal([]byte(m), &msg) != nil {
			continue
		}
		if msg.Method != "" {
			out = append(out, msg.Method)
		} else {
			out = append(out, "#"+string(msg.ID))
		}
	}
	return out
}

func (c *fakeClient) reset() {
	c.settle()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

// stalledClient holds every write until release is closed.
type stalledClient struct {
	fakeClient
	release chan struct{}
}

func (c *stalledClient) Send(data []byte) error {
	<-c.release
	return c.fakeClient.Send(data)
}

type fakeUpgrader struct{ conn *fakeClient }

func (u *fakeUpgrader) Upgrade(http.ResponseWriter, *http.Request) (ClientConn, error) {
	if u.conn == nil {
		return nil, errors.New("no connection")
	}
	return u.conn, nil
}

func testOptions() Options {
	return Options{
		ReconnectGrace:  50 * time.Millisecond,
		KeepAlive:       time.Hour,
		ResponseTimeout: time.Second,
	}
}

func newTestBackend(t *testing.T, opts Options) *Backend {
	t.Helper()
	b := New(opts, &fakeUpgrader{}, util.NewNopLogger())
	t.Cleanup(b.Close)
	return b
}

func register(t *testing.T, b *Backend, id string, conn *fakeTarget, domains ...string) *Page {
	t.Helper()
	p, err := b.RegisterOrReuse(proto.RegisterPage{UUID: id, SupportedDomains: domains}, conn, "10.0.0.2")
	require.NoError(t, err)
	return p
}

func attach(p *Page) *fakeClient {
	c := &fakeClient{}
	p.ConnectClient("10.0.0.9", c)
	p.mu.Lock()
	c.writer = p.writer
	p.mu.Unlock()
	return c
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
