// Package backend keeps the inspectable pages of the relay and routes the
// target and client channels of each page.
package backend

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/DragonSecurity/cdprelay/pkg/proto"
	"github.com/DragonSecurity/cdprelay/pkg/util"
	utilnet "github.com/DragonSecurity/cdprelay/pkg/util/net"
)

const (
	// ClientPathPrefix is where clients attach to a page.
	ClientPathPrefix = "/devtools/page/"
	// ReservedSegment marks the registration channel of targets.
	ReservedSegment = "_target"
)

// Backend is the session registry.
type Backend struct {
	log         *util.Logger
	opts        Options
	domains     *Domains
	middlewares *Middlewares
	upgrader    ClientUpgrader

	mu    sync.RWMutex
	pages map[string]*Page
	order []string
}

func New(opts Options, up ClientUpgrader, log *util.Logger) *Backend {
	opts = opts.withDefaults()
	return &Backend{
		log:         log,
		opts:        opts,
		domains:     NewDomains(opts.ResponseTimeout, log),
		middlewares: NewMiddlewares(log),
		upgrader:    up,
		pages:       make(map[string]*Page),
	}
}

func (b *Backend) Options() Options { return b.opts }

func (b *Backend) Domains() *Domains { return b.domains }

// RegisterOrReuse binds a registering target to the page of its uuid,
// creating the page on first sight.
func (b *Backend) RegisterOrReuse(info proto.RegisterPage, conn TargetConn, deviceIP string) (*Page, error) {
	if info.UUID == "" {
		return nil, errors.New("registerPage without uuid")
	}

	for {
		p := b.pageFor(info.UUID)
		// a page destroyed by its grace expiry in the meantime is already
		// out of the registry, the next round creates a fresh one
		if err := p.ConnectTarget(info, conn, deviceIP); errors.Is(err, ErrNoSuchPage) {
			continue
		}
		// late clients still see a navigation
		p.FrameStartedLoading("", "")
		return p, nil
	}
}

// pageFor returns the page of id, creating it on first sight.
func (b *Backend) pageFor(id string) *Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pages[id]; ok {
		b.log.Infof("page with uuid %q already exists", id)
		metricTargetReconnects.Inc()
		return p
	}
	b.log.Infof("create a new page with uuid %q", id)
	p := newPage(id, b.opts, b.domains, b.middlewares, pageHooks{
		onExpired:  b.removeExpired,
		onIncoming: b.handleIncoming,
	}, b.log)
	b.pages[id] = p
	b.order = append(b.order, id)
	metricPages.Inc()
	return p
}

func (b *Backend) removeExpired(p *Page) {
	b.mu.Lock()
	if b.pages[p.UUID] != p || !p.expired() {
		b.mu.Unlock()
		return
	}
	b.removeLocked(p.UUID)
	b.mu.Unlock()
	b.log.Infof("removed page with uuid %q", p.UUID)
	p.Destroy()
}

// RemoveSession drops the page of uuid and tears it down. Unknown ids are ignored.
func (b *Backend) RemoveSession(id string) {
	b.mu.Lock()
	p, ok := b.pages[id]
	if ok {
		b.removeLocked(id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.log.Infof("removed page with uuid %q", id)
	p.Destroy()
}

func (b *Backend) removeLocked(id string) {
	delete(b.pages, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	metricPages.Dec()
}

func (b *Backend) Page(id string) (*Page, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.pages[id]; ok {
		return p, nil
	}
	return nil, ErrNoSuchPage
}

// Pages lists the pages in registration order.
func (b *Backend) Pages() []*Page {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Page, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.pages[id])
	}
	return out
}

// Close tears down every page.
func (b *Backend) Close() {
	b.mu.Lock()
	pages := make([]*Page, 0, len(b.pages))
	for _, id := range b.order {
		pages = append(pages, b.pages[id])
	}
	b.pages = make(map[string]*Page)
	b.order = nil
	metricPages.Sub(float64(len(pages)))
	b.mu.Unlock()
	for _, p := range pages {
		p.Destroy()
	}
}

// RouteUpgrade attaches a client upgrading on /devtools/page/<uuid>. Requests
// for unknown pages get their connection closed without a response.
func (b *Backend) RouteUpgrade(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if first, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/"); first == ReservedSegment {
		// registration channel, served elsewhere
		return
	}

	if id, ok := strings.CutPrefix(path, ClientPathPrefix); ok {
		b.mu.RLock()
		p := b.pages[id]
		b.mu.RUnlock()
		if p != nil {
			conn, err := b.upgrader.Upgrade(w, r)
			if err != nil {
				b.log.Warnf("client upgrade for page %s: %v", id, err)
				return
			}
			p.ConnectClient(utilnet.RequestIP(r), conn)
			return
		}
	}

	b.log.Debugf("no page for upgrade %s", path)
	closeRaw(w)
}

// closeRaw drops the underlying connection.
func closeRaw(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_ = conn.Close()
}

// handleIncoming answers commands the relay handles itself and forwards the
// rest to the target.
func (b *Backend) handleIncoming(p *Page, in Incoming) {
	cmd, ok := lookupCommand(in.Domain, in.Method)
	if !ok {
		p.Trigger(in.Domain, proto.Command{
			ID:     in.Msg.ID,
			Method: in.Method,
			Domain: in.Domain,
			Params: in.Msg.ParamsOrEmpty(),
		})
		return
	}

	metricMessages.WithLabelValues(outcomeHandled).Inc()
	result, err := b.domains.dispatch(cmd, p, in.Msg)
	switch {
	case err != nil:
		p.Send(proto.ReplyError(in.Msg.ID, err.Error()))
	case result != nil:
		p.Send(proto.Reply(in.Msg.ID, result))
	}
}
