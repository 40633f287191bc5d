package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/DragonSecurity/cdprelay/internal/tracker"
	"github.com/DragonSecurity/cdprelay/pkg/proto"
	"github.com/DragonSecurity/cdprelay/pkg/util"
)

// Options tune page timers and bookkeeping.
type Options struct {
	// ReconnectGrace is how long a page waits for its target to come back.
	ReconnectGrace time.Duration
	// KeepAlive is the interval of the no-op event sent to attached clients.
	KeepAlive time.Duration
	// ResponseTimeout bounds waits for target answers.
	ResponseTimeout time.Duration
	// MaxTrackedRequests bounds the request list of each page; 0 is unbounded.
	MaxTrackedRequests int
	// DefaultHostname is advertised for targets that register without one.
	DefaultHostname string
	// LogCDPMessages logs every frame written to a client at debug level.
	LogCDPMessages bool
}

func (o Options) withDefaults() Options {
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = 5 * time.Second
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 20 * time.Second
	}
	if o.DefaultHostname == "" {
		o.DefaultHostname = "0.0.0.0:9222"
	}
	return o
}

// Incoming is a client command that passed the domain checks of its page.
type Incoming struct {
	Domain string
	Method string
	Msg    *proto.Message
}

// pageHooks connect a page to its owner.
type pageHooks struct {
	// onExpired runs after the reconnect grace elapsed without a target.
	onExpired func(p *Page)
	// onIncoming routes client commands.
	onIncoming func(p *Page, in Incoming)
}

// PageInfo is a snapshot of the identity and connection state of a page.
type PageInfo struct {
	UUID                string
	Hostname            string
	URL                 string
	Title               string
	Description         string
	Metadata            json.RawMessage
	DeviceID            string
	DeviceIP            string
	FrameID             string
	ClientIP            string
	IsConnectedToClient bool
	IsConnectedToTarget bool
}

// Page bridges one target and at most one client under a session id.
type Page struct {
	UUID string

	log         *util.Logger
	opts        Options
	domains     *Domains
	middlewares *Middlewares
	hooks       pageHooks
	requests    *tracker.List

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	hostname    string
	title       string
	description string
	metadata    json.RawMessage
	deviceID    string
	deviceIP    string
	frameID     string
	url         *url.URL
	supported   []string

	target          TargetConn
	targetConnected bool
	connectedAt     time.Time
	grace           *time.Timer
	graceGen        uint64

	client        ClientConn
	writer        *clientWriter
	clientIP      string
	stopKeepAlive chan struct{}

	enabled   map[string]struct{}
	buffer    []*proto.Message
	destroyed bool
}

func newPage(id string, opts Options, domains *Domains, mws *Middlewares, hooks pageHooks, log *util.Logger) *Page {
	ctx, cancel := context.WithCancel(context.Background())
	return &Page{
		UUID:        id,
		log:         log.With("page", id),
		opts:        opts,
		domains:     domains,
		middlewares: mws,
		hooks:       hooks,
		requests:    tracker.NewList(opts.MaxTrackedRequests),
		ctx:         ctx,
		cancel:      cancel,
		enabled:     make(map[string]struct{}),
	}
}

// ConnectTarget binds conn as the target transport, replacing any previous
// one. It fails with ErrNoSuchPage once the page was destroyed.
func (p *Page) ConnectTarget(info proto.RegisterPage, conn TargetConn, deviceIP string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrNoSuchPage
	}

	p.log.Infof("connected to target of page %s", p.UUID)
	if p.target != nil && p.target != conn {
		p.target.Off()
		_ = p.target.Close()
	}
	p.target = conn
	p.assignInfoLocked(info, deviceIP)

	conn.Off()
	conn.On(proto.TypeResult, p.onResult)
	conn.On(proto.TypeDisconnect, func(env *proto.Envelope) {
		p.disconnectTargetConn(conn, disconnectReason(env.Payload))
	})
	conn.On(proto.TypeDebug, func(env *proto.Envelope) {
		p.log.Infof("target: %s", proto.DebugText(env.Payload))
	})
	conn.On(proto.TypeGetStatus, func(env *proto.Envelope) {
		if err := conn.Ack(env.Ack, p.Status()); err != nil {
			p.log.Warnf("status reply: %v", err)
		}
	})
	p.domains.Network.Attach(conn)

	p.targetConnected = true
	p.connectedAt = time.Now()
	p.stopGraceLocked()

	p.enableLocked(p.enableSetLocked()...)

	if err := conn.Emit(proto.TypePageRegistered, nil); err != nil {
		p.log.Errorf("confirm registration: %v", err)
	}
	return nil
}

// enableSetLocked is what a (re)connected target starts with: the target's
// domains, the server domains and whatever the client had enabled.
func (p *Page) enableSetLocked() []string {
	prev := lo.Keys(p.enabled)
	slices.Sort(prev)
	return lo.Union(p.supported, ServerDomains, prev)
}

func (p *Page) assignInfoLocked(info proto.RegisterPage, deviceIP string) {
	switch {
	case info.Hostname != "":
		p.hostname = info.Hostname
	case p.hostname == "":
		p.hostname = p.opts.DefaultHostname
	}
	if info.URL != "" {
		if u, err := url.Parse(info.URL); err != nil {
			p.log.Warnf("invalid page url %q: %v", info.URL, err)
		} else if p.url == nil || RegistrableDomain(p.url) != RegistrableDomain(u) {
			p.url = u
		}
	}
	p.title = info.Title
	p.description = info.Description
	p.metadata = info.Metadata
	p.deviceID = info.DeviceID
	p.deviceIP = deviceIP
	p.frameID = info.FrameID
	p.supported = slices.Clone(info.SupportedDomains)
}

// RegistrableDomain is the last two labels of the host of u.
func RegistrableDomain(u *url.URL) string {
	labels := strings.Split(u.Hostname(), ".")
	if len(labels) > 2 {
		labels = labels[len(labels)-2:]
	}
	return strings.Join(labels, ".")
}

func disconnectReason(payload json.RawMessage) string {
	var reason string
	if json.Unmarshal(payload, &reason) == nil && reason != "" {
		return reason
	}
	return "transport close"
}

func (p *Page) onResult(env *proto.Envelope) {
	msg, err := proto.DecodeResult(env.Payload)
	if err != nil {
		p.log.Warnf("drop malformed result: %v", err)
		return
	}
	p.Send(msg)
}

// DisconnectTarget marks the target as gone and starts the reconnect grace.
func (p *Page) DisconnectTarget(reason string) {
	p.mu.Lock()
	conn := p.target
	p.mu.Unlock()
	p.disconnectTargetConn(conn, reason)
}

func (p *Page) disconnectTargetConn(conn TargetConn, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// a replaced transport going away does not concern the page
	if p.target != conn || !p.targetConnected || p.destroyed {
		return
	}
	p.log.Infof("disconnected from target of page %s because of %s", p.UUID, reason)
	p.targetConnected = false

	p.sendLocked(proto.Event("Runtime.executionContextDestroyed", map[string]int{"executionContextId": 1}), true)
	p.sendLocked(proto.Event("Runtime.executionContextsCleared", struct{}{}), true)

	p.stopGraceLocked()
	gen := p.graceGen
	p.grace = time.AfterFunc(p.opts.ReconnectGrace, func() { p.graceExpired(gen) })
}

func (p *Page) stopGraceLocked() {
	if p.grace != nil {
		p.grace.Stop()
		p.grace = nil
	}
	p.graceGen++
}

func (p *Page) graceExpired(gen uint64) {
	p.mu.Lock()
	if p.destroyed || p.targetConnected || gen != p.graceGen {
		p.mu.Unlock()
		return
	}
	p.log.Infof("target of page %s did not come back", p.UUID)
	p.sendLocked(proto.Event("Inspector.detached", map[string]string{"reason": "Render process gone."}), true)
	p.sendLocked(proto.Event("Inspector.detached", map[string]string{"reason": "target_close"}), true)
	if p.target != nil {
		p.target.Off()
		_ = p.target.Close()
		p.target = nil
	}
	p.grace = nil
	p.mu.Unlock()

	if p.hooks.onExpired != nil {
		p.hooks.onExpired(p)
	}
}

// expired reports whether the page is still waiting for a target after its
// grace elapsed.
func (p *Page) expired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.destroyed && !p.targetConnected && p.target == nil
}

// ConnectClient attaches conn as the client, dropping any previous client,
// and flushes the messages buffered while no client was attached.
func (p *Page) ConnectClient(clientIP string, conn ClientConn) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		_ = conn.Terminate()
		return
	}
	p.disconnectClientLocked()
	p.log.Infof("client %s attached to page %s", clientIP, p.UUID)
	p.client = conn
	p.writer = newClientWriter(conn, p.log)
	p.clientIP = clientIP
	metricClients.Inc()

	stop := make(chan struct{})
	p.stopKeepAlive = stop
	go p.keepAlive(conn, stop)

	p.flushLocked()
	p.mu.Unlock()

	conn.Listen(func(data []byte) {
		if err := p.HandleIncoming(data); err != nil {
			p.log.Errorf("client of page %s: %v", p.UUID, err)
			p.clientClosed(conn)
		}
	}, func(err error) {
		if err != nil {
			p.log.Debugf("client of page %s closed: %v", p.UUID, err)
		}
		p.clientClosed(conn)
	})
}

// keepAlive sends a no-op event so idle clients are not dropped.
func (p *Page) keepAlive(conn ClientConn, stop <-chan struct{}) {
	t := time.NewTicker(p.opts.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if !conn.IsOpen() || !p.sendToClient(conn, keepAliveEvent()) {
				return
			}
		}
	}
}

func keepAliveEvent() *proto.Message {
	return proto.Event("HeadlessExperimental.needsBeginFramesChanged", map[string]bool{"needsBeginFrames": false})
}

// sendToClient sends msg only while conn is still the attached client.
func (p *Page) sendToClient(conn ClientConn, msg *proto.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != conn {
		return false
	}
	p.sendLocked(msg, true)
	return true
}

// DisconnectClient detaches the current client, if any.
func (p *Page) DisconnectClient() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectClientLocked()
}

// clientClosed detaches conn if it is still the current client.
func (p *Page) clientClosed(conn ClientConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != conn {
		return
	}
	p.disconnectClientLocked()
}

func (p *Page) disconnectClientLocked() {
	if p.client == nil {
		return
	}
	p.log.Infof("client detached from page %s", p.UUID)
	p.writer.close()
	p.writer = nil
	close(p.stopKeepAlive)
	p.stopKeepAlive = nil
	p.client = nil
	p.clientIP = ""
	metricClients.Dec()
}

// Enable adds domains to the enabled set.
func (p *Page) Enable(domains ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enableLocked(domains...)
}

func (p *Page) enableLocked(domains ...string) {
	for _, d := range domains {
		p.afterEnabledLocked(d)
		if _, ok := p.enabled[d]; ok {
			p.log.Infof("domain %s already enabled for page %s", d, p.UUID)
			continue
		}
		p.log.Infof("enable domain %s for page %s", d, p.UUID)
		p.enabled[d] = struct{}{}
	}
}

// afterEnabledLocked replays the bootstrap events a late client would
// otherwise never see.
func (p *Page) afterEnabledLocked(domain string) {
	switch strings.ToLower(domain) {
	case "debugger":
		p.triggerLocked(domain, map[string]string{"method": "scriptParsed"})
	case "runtime":
		p.triggerLocked(domain, map[string]string{"method": "executionContextCreated"})
		p.sendLocked(p.domains.Target.TargetCreated(p.UUID, p.title, p.urlLocked()), true)
	}
}

func (p *Page) Disable(domain string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableLocked(domain)
}

func (p *Page) disableLocked(domain string) {
	p.log.Infof("disable domain %s for page %s", domain, p.UUID)
	delete(p.enabled, domain)
}

// IsDomainSupported reports whether domain is enabled.
func (p *Page) IsDomainSupported(domain string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.enabled[domain]
	return ok
}

// IsMessageSupported reports whether the domain of msg.Method is enabled.
func (p *Page) IsMessageSupported(msg *proto.Message) bool {
	domain, _ := msg.Split()
	return p.IsDomainSupported(domain)
}

// supportsLocked reports whether domain may be enabled by a client.
func (p *Page) supportsLocked(domain string) bool {
	return slices.Contains(p.supported, domain) || slices.Contains(ServerDomains, domain)
}

// HandleIncoming processes a client frame. Frames that are not CDP messages
// are rejected with ErrMalformedMessage.
func (p *Page) HandleIncoming(payload []byte) error {
	msg, err := proto.ParseMessage(payload)
	if err != nil {
		return err
	}
	domain, method := msg.Split()
	if p.opts.LogCDPMessages && p.log.DebugEnabled() {
		p.log.Debugf("incoming %s: %s", msg.Method, truncate(payload))
	}

	p.mu.Lock()
	switch {
	case method == "enable" && p.supportsLocked(domain):
		p.enableLocked(domain)
		p.sendLocked(proto.Reply(msg.ID, struct{}{}), true)
		p.mu.Unlock()
		return nil
	case method == "disable":
		p.disableLocked(domain)
		p.sendLocked(proto.Reply(msg.ID, struct{}{}), true)
		p.mu.Unlock()
		return nil
	}
	_, enabled := p.enabled[domain]
	p.mu.Unlock()

	// clients query domains before enabling them
	if !enabled {
		return nil
	}
	if p.hooks.onIncoming != nil {
		p.hooks.onIncoming(p, Incoming{Domain: domain, Method: method, Msg: msg})
	}
	return nil
}

// Send delivers msg to the client, or buffers it while none is attached.
func (p *Page) Send(msg *proto.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendLocked(msg, true)
}

func (p *Page) sendLocked(msg *proto.Message, flush bool) {
	if p.client == nil {
		p.buffer = append(p.buffer, msg)
		metricMessages.WithLabelValues(outcomeBuffered).Inc()
		return
	}
	// buffered messages go out before this one
	if flush && len(p.buffer) > 0 {
		p.flushLocked()
	}

	if msg.RouteDomain != "" || msg.RouteMethod != "" {
		if h, ok := lookupHook(msg.RouteDomain, msg.RouteMethod); ok {
			result := p.middlewares.Apply(h, msg.Result, p.requests.Snapshot())
			p.sendLocked(&proto.Message{ID: msg.ID, Result: result}, false)
			return
		}
	}

	data, err := msg.Encode()
	if err != nil {
		p.log.Errorf("encode outgoing message: %v", err)
		return
	}
	if p.opts.LogCDPMessages && p.log.DebugEnabled() {
		p.log.Debugf("outgoing id=%s method=%s: %s", gjson.GetBytes(data, "id").String(), gjson.GetBytes(data, "method").String(), truncate(data))
	}
	// the write itself happens off the page lock
	if !p.writer.push(data) {
		metricMessages.WithLabelValues(outcomeDropped).Inc()
	}
}

func (p *Page) flushLocked() {
	buf := p.buffer
	p.buffer = nil
	for _, m := range buf {
		p.sendLocked(m, false)
	}
}

// Buffered is the number of messages waiting for a client.
func (p *Page) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func truncate(b []byte) string {
	const limit = 1000
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// Trigger emits a command to the target. Without a target it only logs.
func (p *Page) Trigger(domain string, params any) {
	p.mu.Lock()
	conn := p.target
	p.mu.Unlock()
	p.triggerOn(conn, domain, params)
}

func (p *Page) triggerLocked(domain string, params any) {
	p.triggerOn(p.target, domain, params)
}

func (p *Page) triggerOn(conn TargetConn, domain string, params any) {
	if conn == nil {
		p.log.Errorf("no target connection to trigger %s on page %s", domain, p.UUID)
		return
	}
	if err := conn.Emit(domain, params); err != nil {
		p.log.Errorf("trigger %s on page %s: %v", domain, p.UUID, err)
		return
	}
	metricMessages.WithLabelValues(outcomeForwarded).Inc()
}

// emit sends event to the target, failing with ErrNoTarget if there is none.
func (p *Page) emit(event string, payload any) error {
	conn, err := p.targetConn(event)
	if err != nil {
		return err
	}
	return conn.Emit(event, payload)
}

// targetConn is the current target transport, or ErrNoTarget.
func (p *Page) targetConn(event string) (TargetConn, error) {
	p.mu.Lock()
	conn := p.target
	p.mu.Unlock()
	if conn == nil {
		p.log.Errorf("no target connection to emit %s on page %s", event, p.UUID)
		return nil, ErrNoTarget
	}
	return conn, nil
}

// FrameStartedLoading announces a navigation of frameID. It does nothing
// until the page has a URL.
func (p *Page) FrameStartedLoading(targetURL, frameID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if targetURL == "" && p.url == nil {
		return
	}
	if frameID == "" {
		frameID = DefaultFrameID
	}
	if msg, ok := p.domains.Page.FrameStartedLoading([]string{"frameId=" + frameID}); ok {
		p.sendLocked(msg, true)
	}
	if p.url == nil {
		if u, err := url.Parse(targetURL); err == nil {
			p.url = u
		}
	}
}

// FrameStartedLoadingFromHeaders announces a navigation when a response
// sets a frameId cookie.
func (p *Page) FrameStartedLoadingFromHeaders(h http.Header) {
	if msg, ok := p.domains.Page.FrameStartedLoading(h.Values("Set-Cookie")); ok {
		p.Send(msg)
	}
}

// FrameNavigated announces that frameID now shows targetURL, or the page URL.
func (p *Page) FrameNavigated(targetURL, frameID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.url
	if targetURL != "" {
		parsed, err := url.Parse(targetURL)
		if err != nil {
			p.log.Warnf("frame navigated to invalid url %q: %v", targetURL, err)
			return
		}
		u = parsed
	}
	if u == nil {
		return
	}
	id, _, _ := strings.Cut(frameID, ".")
	p.sendLocked(p.domains.Page.FrameNavigated(id, u.Scheme+"://"+u.Host, u.RequestURI()), true)
}

// TrackRequest adds an observed request to the page.
func (p *Page) TrackRequest(r *tracker.Request) { p.requests.Add(r) }

func (p *Page) Requests() *tracker.List { return p.requests }

// LogEntryAdded reports a failed fetch of r to the client console.
func (p *Page) LogEntryAdded(r *tracker.Request, err error) {
	p.Send(p.domains.Log.EntryAdded(r, err))
}

// URL returns the page URL, or nil before the target reported one.
func (p *Page) URL() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.url == nil {
		return nil
	}
	u := *p.url
	return &u
}

func (p *Page) urlLocked() string {
	if p.url == nil {
		return ""
	}
	return p.url.String()
}

// Status answers the getStatus query of a target.
func (p *Page) Status() proto.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var d int64
	if p.targetConnected {
		d = time.Since(p.connectedAt).Milliseconds()
	}
	return proto.Status{
		IsConnectedToClient:      p.client != nil,
		IsConnectedToTarget:      p.targetConnected,
		ClientIP:                 p.clientIP,
		TargetConnectionDuration: d,
	}
}

func (p *Page) Info() PageInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PageInfo{
		UUID:                p.UUID,
		Hostname:            p.hostname,
		URL:                 p.urlLocked(),
		Title:               p.title,
		Description:         p.description,
		Metadata:            p.metadata,
		DeviceID:            p.deviceID,
		DeviceIP:            p.deviceIP,
		FrameID:             p.frameID,
		ClientIP:            p.clientIP,
		IsConnectedToClient: p.client != nil,
		IsConnectedToTarget: p.targetConnected,
	}
}

// Destroy stops the timers of the page and closes its transports.
func (p *Page) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.stopGraceLocked()
	p.disconnectClientLocked()
	if p.target != nil {
		p.target.Off()
		_ = p.target.Close()
		p.target = nil
	}
	p.targetConnected = false
	p.mu.Unlock()
	p.cancel()
}
