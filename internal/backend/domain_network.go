package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/DragonSecurity/cdprelay/pkg/proto"
	"github.com/DragonSecurity/cdprelay/pkg/util"
)

const (
	methodGetResponseBody = "Network.getResponseBody"
	methodGetCookies      = "Network.getCookies"
	methodSetCookie       = "Network.setCookie"
	methodDeleteCookies   = "Network.deleteCookies"
	methodEmulateNetwork  = "Network.emulateNetworkConditions"

	// correlationField carries the correlation key to the target and back.
	correlationField = "uuid"
)

// correlatedMethods are the target commands that are answered with a
// <method>-response event.
var correlatedMethods = []string{methodGetResponseBody, methodGetCookies, methodDeleteCookies}

type pendingCall struct {
	method string
	conn   TargetConn
	ch     chan json.RawMessage
}

// answerQueue identifies the calls one target transport may answer without
// echoing the key.
type answerQueue struct {
	conn   TargetConn
	method string
}

// NetworkDomain answers Network commands, fetching from the target what the
// relay has not seen itself.
type NetworkDomain struct {
	log     *util.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall
	// order holds outstanding keys per transport and method, oldest first,
	// for targets that answer without echoing the key.
	order map[answerQueue][]string
}

func NewNetworkDomain(timeout time.Duration, log *util.Logger) *NetworkDomain {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &NetworkDomain{
		log:     log,
		timeout: timeout,
		pending: make(map[string]*pendingCall),
		order:   make(map[answerQueue][]string),
	}
}

// Attach subscribes to the response events of conn.
func (n *NetworkDomain) Attach(conn TargetConn) {
	for _, method := range correlatedMethods {
		conn.On(proto.ResponseType(method), func(env *proto.Envelope) {
			n.resolve(conn, method, env.Payload)
		})
	}
}

// resolve hands an answer received on conn to its waiting call. Answers
// without a key go to the oldest call of method emitted on conn.
func (n *NetworkDomain) resolve(conn TargetConn, method string, payload json.RawMessage) {
	key := gjson.GetBytes(payload, correlationField).String()

	n.mu.Lock()
	if key == "" {
		if q := n.order[answerQueue{conn, method}]; len(q) > 0 {
			key = q[0]
		}
	}
	pc, ok := n.pending[key]
	if ok && pc.method == method {
		n.removeLocked(key)
	}
	n.mu.Unlock()
	if !ok || pc.method != method {
		// late answer, its caller already gave up
		return
	}

	pc.ch <- answerResult(payload)
}

// answerResult strips the key from payload. Answers that are not objects,
// such as a bare true, become an empty result.
func answerResult(payload json.RawMessage) json.RawMessage {
	if !gjson.ParseBytes(payload).IsObject() {
		return json.RawMessage(`{}`)
	}
	result, err := sjson.DeleteBytes(payload, correlationField)
	if err != nil {
		return payload
	}
	return result
}

func (n *NetworkDomain) removeLocked(key string) {
	pc, ok := n.pending[key]
	if !ok {
		return
	}
	delete(n.pending, key)
	q := answerQueue{pc.conn, pc.method}
	n.order[q] = slices.DeleteFunc(n.order[q], func(k string) bool { return k == key })
	if len(n.order[q]) == 0 {
		delete(n.order, q)
	}
}

// Pending is the number of commands waiting for a target answer.
func (n *NetworkDomain) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// call emits method to the target of p and waits for its correlated answer.
func (n *NetworkDomain) call(ctx context.Context, p *Page, method string, params json.RawMessage) (json.RawMessage, error) {
	conn, err := p.targetConn(method)
	if err != nil {
		return nil, err
	}
	key := uuid.NewString()
	pc := &pendingCall{method: method, conn: conn, ch: make(chan json.RawMessage, 1)}

	// register the waiter before emitting
	q := answerQueue{conn, method}
	n.mu.Lock()
	n.pending[key] = pc
	n.order[q] = append(n.order[q], key)
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.removeLocked(key)
		n.mu.Unlock()
	}()

	payload, err := sjson.SetBytes(params, correlationField, key)
	if err != nil {
		return nil, fmt.Errorf("tag %s: %w", method, err)
	}
	if err := conn.Emit(method, json.RawMessage(payload)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()
	select {
	case res := <-pc.ch:
		return res, nil
	case <-timer.C:
		metricCorrelationTimeouts.WithLabelValues(method).Inc()
		return nil, fmt.Errorf("%w: %s %s", ErrCorrelationTimeout, method, key)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// forward calls method on the target in the background and answers the
// client with whatever comes back.
func (n *NetworkDomain) forward(p *Page, msg *proto.Message, method string, failure func(error) string) {
	go func() {
		res, err := n.call(p.ctx, p, method, msg.ParamsOrEmpty())
		if err != nil {
			p.log.Errorf("%s: %v", method, err)
			p.Send(proto.ReplyError(msg.ID, failure(err)))
			return
		}
		p.Send(proto.Reply(msg.ID, res))
	}()
}

type getResponseBodyArgs struct {
	RequestID string `json:"requestId"`
}

// GetResponseBody answers from the tracked traffic of p, or asks the target
// when the request was not seen by the relay.
func (n *NetworkDomain) GetResponseBody(p *Page, msg *proto.Message) (any, error) {
	var args getResponseBodyArgs
	if err := json.Unmarshal(msg.ParamsOrEmpty(), &args); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	req, ok := p.requests.ByID(args.RequestID)
	if !ok {
		n.forward(p, msg, methodGetResponseBody, func(error) string {
			return fmt.Sprintf("Couldn't find request with id %s", args.RequestID)
		})
		return nil, nil
	}

	body, b64, err := req.DecodedBody()
	if err != nil {
		p.log.Errorf("response body of %s: %v", args.RequestID, err)
		return nil, err
	}
	return network.GetResponseBodyReply{Body: body, Base64Encoded: b64}, nil
}

func (n *NetworkDomain) GetCookies(p *Page, msg *proto.Message) (any, error) {
	n.forward(p, msg, methodGetCookies, func(err error) string { return err.Error() })
	return nil, nil
}

func (n *NetworkDomain) DeleteCookies(p *Page, msg *proto.Message) (any, error) {
	n.forward(p, msg, methodDeleteCookies, func(err error) string { return err.Error() })
	return nil, nil
}

// SetCookie is fire-and-forget towards the target.
func (n *NetworkDomain) SetCookie(p *Page, msg *proto.Message) (any, error) {
	if err := p.emit(methodSetCookie, msg.ParamsOrEmpty()); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (n *NetworkDomain) EmulateNetworkConditions(p *Page, msg *proto.Message) (any, error) {
	if err := p.emit(methodEmulateNetwork, msg.ParamsOrEmpty()); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
