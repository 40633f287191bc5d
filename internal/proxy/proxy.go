// Package proxy serves the traffic of inspected pages through the relay so it
// shows up in the Network panel of the attached client.
package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mafredri/cdp/protocol/network"

	"github.com/DragonSecurity/cdprelay/internal/backend"
	"github.com/DragonSecurity/cdprelay/internal/tracker"
	"github.com/DragonSecurity/cdprelay/pkg/util"
	"github.com/DragonSecurity/cdprelay/pkg/util/xlog"
)

// Route is the chi pattern the proxy expects to be mounted on.
const Route = "/proxy/{uuid}/*"

// Cookies set by instrumented pages to tie requests to their CDP ids.
const (
	cookieRequestID     = "requestId"
	cookieFrameID       = "frameId"
	cookieRequestIDHost = "requestIdHost"
)

const maxPostData = 10 << 20

var errAborted = errors.New("net::ERR_ABORTED")

// Pages looks up the page a proxied request belongs to.
type Pages interface {
	Page(id string) (*backend.Page, error)
}

type Proxy struct {
	pages     Pages
	log       *util.Logger
	transport http.RoundTripper
}

func New(pages Pages, log *util.Logger) *Proxy {
	return &Proxy{pages: pages, log: log, transport: http.DefaultTransport}
}

// WithTransport replaces the upstream round tripper.
func (px *Proxy) WithTransport(rt http.RoundTripper) *Proxy {
	px.transport = rt
	return px
}

func (px *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("missing page uuid"))
		return
	}
	p, err := px.pages.Page(id)
	if err != nil {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("no page registered for uuid: " + id))
		return
	}
	base := p.URL()
	if base == nil {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("page has not reported a url yet: " + id))
		return
	}

	upstream := &url.URL{
		Scheme:   base.Scheme,
		Host:     base.Host,
		Path:     "/" + chi.URLParam(r, "*"),
		RawQuery: r.URL.RawQuery,
	}

	var postData string
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPostData))
		_ = r.Body.Close()
		if err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			_, _ = w.Write([]byte("request body too large"))
			return
		}
		postData = string(body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
	}

	requestID, frameID := ids(r, upstream.Host)
	req := tracker.New(tracker.Info{
		URL:         upstream,
		Method:      r.Method,
		Header:      r.Header,
		PostData:    postData,
		RequestID:   requestID,
		FrameID:     frameID,
		DocumentURL: r.Referer(),
	})
	p.TrackRequest(req)
	p.Send(req.RequestWillBeSent())
	metricRequestsTotal.WithLabelValues(r.Method).Inc()

	start := time.Now()
	rp := &httputil.ReverseProxy{
		Transport: px.transport,
		ErrorLog:  xlog.StdLogger(xlog.NewWarnWriter(px.log)),
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = upstream
			pr.Out.Host = upstream.Host
			pr.SetXForwarded()
		},
		ModifyResponse: func(resp *http.Response) error {
			metricRequestDuration.WithLabelValues(r.Method, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
			p.FrameStartedLoadingFromHeaders(resp.Header)
			p.Send(req.ResponseReceived(resp.StatusCode, resp.Header))
			if req.Type() == network.ResourceTypeDocument {
				p.FrameNavigated(req.FullURL, frameID)
			}
			resp.Body = &tap{
				ReadCloser: resp.Body,
				onChunk:    func(b []byte) { p.Send(req.DataReceived(b)) },
				onDone: func(err error) {
					if err == nil {
						p.Send(req.LoadingFinished())
						return
					}
					p.Send(req.LoadingFailed(err))
				},
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			metricRequestDuration.WithLabelValues(r.Method, "bad_gateway").Observe(time.Since(start).Seconds())
			px.log.Warnf("proxy %s for page %s: %v", upstream, id, err)
			p.Send(req.LoadingFailed(err))
			p.LogEntryAdded(req, err)
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream request failed: " + err.Error()))
		},
	}
	rp.ServeHTTP(w, r)
}

// ids reads the CDP request and frame ids from the cookies of r. A requestId
// cookie pinned to another host by requestIdHost is ignored.
func ids(r *http.Request, host string) (requestID, frameID string) {
	frameID = backend.DefaultFrameID
	if c, err := r.Cookie(cookieFrameID); err == nil && c.Value != "" {
		frameID = c.Value
	}
	if c, err := r.Cookie(cookieRequestID); err == nil && c.Value != "" {
		pinned, err := r.Cookie(cookieRequestIDHost)
		if err != nil || pinned.Value == "" || strings.EqualFold(pinned.Value, host) {
			return c.Value, frameID
		}
	}
	prefix, _, _ := strings.Cut(frameID, ".")
	return prefix + "." + uuid.NewString(), frameID
}

// tap reports every chunk read from a response body and how the body ended.
type tap struct {
	io.ReadCloser
	once    sync.Once
	onChunk func([]byte)
	onDone  func(error)
}

func (t *tap) Read(b []byte) (int, error) {
	n, err := t.ReadCloser.Read(b)
	if n > 0 {
		t.onChunk(b[:n])
	}
	switch {
	case errors.Is(err, io.EOF):
		t.finish(nil)
	case err != nil:
		t.finish(err)
	}
	return n, err
}

func (t *tap) Close() error {
	t.finish(errAborted)
	return t.ReadCloser.Close()
}

func (t *tap) finish(err error) {
	t.once.Do(func() { t.onDone(err) })
}
