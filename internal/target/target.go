// Package target implements the target side of the registration channel: it
// registers a page with a relay and exchanges envelopes with it.
package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/DragonSecurity/cdprelay/internal/backend"
	"github.com/DragonSecurity/cdprelay/pkg/proto"
	"github.com/DragonSecurity/cdprelay/pkg/transport"
	"github.com/DragonSecurity/cdprelay/pkg/util"
)

var ErrNotConnected = errors.New("not connected to relay")

type Config struct {
	ServerURL string // e.g. http://localhost:9222 or https://relay.example.com
	CAFile    string
	Page      proto.RegisterPage
	// Backoff is the pause between reconnect attempts of Run.
	Backoff time.Duration
}

// safeWS serializes writes to a websocket.Conn
type safeWS struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (s *safeWS) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c.WriteJSON(v)
}

type Client struct {
	cfg Config
	log *util.Logger

	mu       sync.Mutex
	ws       *safeWS
	done     chan struct{}
	handlers map[string]func(*proto.Envelope)
	fallback func(*proto.Envelope)
	acks     map[string]chan json.RawMessage
}

func New(cfg Config, log *util.Logger) *Client {
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]func(*proto.Envelope)),
		acks:     make(map[string]chan json.RawMessage),
	}
}

// Handle sets the handler of relay events of the given type: domain names for
// forwarded commands, or Network.* for commands the relay asks about.
func (c *Client) Handle(event string, fn func(*proto.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = fn
}

// Fallback handles events that have no handler of their own.
func (c *Client) Fallback(fn func(*proto.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = fn
}

func (c *Client) endpoint() (string, *websocket.Dialer, error) {
	if c.cfg.ServerURL == "" {
		return "", nil, errors.New("missing --server")
	}
	base, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", nil, fmt.Errorf("invalid server url: %w", err)
	}
	u := *base
	u.Path = path.Join(u.Path, "/"+backend.ReservedSegment)

	// WebSocket schemes must be ws/wss, not http/https.
	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	switch base.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
		tlsConf, err := transport.NewClientTLSConfig(c.cfg.CAFile, base.Hostname())
		if err != nil {
			return "", nil, err
		}
		dialer.TLSClientConfig = tlsConf
	default:
		u.Scheme = "ws"
	}
	return u.String(), dialer, nil
}

// Connect dials the relay and registers the page. It returns once the relay
// confirmed the registration.
func (c *Client) Connect(ctx context.Context) error {
	endpoint, dialer, err := c.endpoint()
	if err != nil {
		return err
	}
	c.log.Infof("dialing relay: %s", endpoint)
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}

	ws := &safeWS{c: conn}
	env, err := proto.Wrap(proto.TypeRegisterPage, c.cfg.Page)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ws.WriteJSON(env); err != nil {
		_ = conn.Close()
		return err
	}

	// wait for the confirmation before serving commands
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	for {
		var in proto.Envelope
		if err := conn.ReadJSON(&in); err != nil {
			_ = conn.Close()
			return fmt.Errorf("waiting for registration: %w", err)
		}
		if in.Type == proto.TypePageRegistered {
			break
		}
		c.dispatch(&in)
	}
	_ = conn.SetReadDeadline(time.Time{})

	done := make(chan struct{})
	c.mu.Lock()
	c.ws = ws
	c.done = done
	c.mu.Unlock()
	c.log.Infof("registered page %s", c.cfg.Page.UUID)

	go c.readLoop(conn, done)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var env proto.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.log.Debugf("relay connection ended: %v", err)
			c.mu.Lock()
			if c.ws != nil && c.ws.c == conn {
				c.ws = nil
			}
			c.mu.Unlock()
			return
		}
		c.dispatch(&env)
	}
}

func (c *Client) dispatch(env *proto.Envelope) {
	c.mu.Lock()
	if env.Type == proto.TypeAck {
		ch := c.acks[env.Ack]
		delete(c.acks, env.Ack)
		c.mu.Unlock()
		if ch != nil {
			ch <- env.Payload
		}
		return
	}
	fn := c.handlers[env.Type]
	if fn == nil {
		fn = c.fallback
	}
	c.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

// Done is closed when the current connection ends.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Client) write(env *proto.Envelope) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return ws.WriteJSON(env)
}

// Emit sends an event to the relay.
func (c *Client) Emit(event string, payload any) error {
	env, err := proto.Wrap(event, payload)
	if err != nil {
		return err
	}
	return c.write(env)
}

// Result answers a forwarded command.
func (c *Client) Result(msg *proto.Message) error { return c.Emit(proto.TypeResult, msg) }

// Reply answers a relay command of type method, echoing its correlation key.
func (c *Client) Reply(method string, request *proto.Envelope, result map[string]any) error {
	var key struct {
		UUID string `json:"uuid"`
	}
	_ = proto.Unwrap(request, &key)
	out := make(map[string]any, len(result)+1)
	for k, v := range result {
		out[k] = v
	}
	if key.UUID != "" {
		out["uuid"] = key.UUID
	}
	return c.Emit(proto.ResponseType(method), out)
}

// Debug forwards a message to the relay log.
func (c *Client) Debug(msg string) error { return c.Emit(proto.TypeDebug, msg) }

// Status asks the relay for the state of the page.
func (c *Client) Status(ctx context.Context) (proto.Status, error) {
	var st proto.Status
	ack := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.acks[ack] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, ack)
		c.mu.Unlock()
	}()

	if err := c.write(&proto.Envelope{Type: proto.TypeGetStatus, Ack: ack}); err != nil {
		return st, err
	}
	select {
	case raw := <-ch:
		err := json.Unmarshal(raw, &st)
		return st, err
	case <-ctx.Done():
		return st, ctx.Err()
	}
}

// Disconnect tells the relay why the target goes away and closes the socket.
func (c *Client) Disconnect(reason string) error {
	err := c.Emit(proto.TypeDisconnect, reason)
	return errors.Join(err, c.Close())
}

func (c *Client) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.c.Close()
}

// Run keeps the page registered until ctx is done, reconnecting after the
// configured back-off whenever the connection drops.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.Connect(ctx)
		if err == nil {
			select {
			case <-ctx.Done():
				return c.Close()
			case <-c.Done():
				c.log.Warnf("lost relay connection")
			}
		} else {
			c.log.Warnf("connect: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.Backoff):
		}
	}
}
