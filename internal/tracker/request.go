// Package tracker records HTTP traffic observed for a page and renders it as
// CDP Network events.
package tracker

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mafredri/cdp/protocol/network"

	"github.com/DragonSecurity/cdprelay/pkg/proto"
)

// Info describes a request when its headers are first seen.
type Info struct {
	URL      *url.URL
	Method   string
	Header   http.Header
	PostData string
	// RequestID and FrameID usually come from cookies set by the instrumented page.
	RequestID string
	FrameID   string
	// DocumentURL is the page that issued the request, if known.
	DocumentURL string
}

// Request is one observed request/response cycle.
type Request struct {
	Origin      string
	FullURL     string
	DocumentURL string
	RequestID   string
	FrameID     string
	LoaderID    string
	Method      string
	Header      http.Header
	PostData    string
	// WallTime is seconds since the epoch at creation.
	WallTime float64

	path    string
	created time.Time

	mu              sync.Mutex
	chunks          [][]byte
	bodySize        int
	mimeType        string
	responseHeaders http.Header
	status          int
	done            bool
}

func New(info Info) *Request {
	u := info.URL
	origin := u.Scheme + "://" + u.Host
	full := origin + u.RequestURI()
	doc := info.DocumentURL
	if doc == "" {
		doc = full
	}
	now := time.Now()
	r := &Request{
		Origin:          origin,
		FullURL:         full,
		DocumentURL:     doc,
		RequestID:       info.RequestID,
		FrameID:         info.FrameID,
		LoaderID:        info.FrameID + "0",
		Method:          info.Method,
		Header:          info.Header.Clone(),
		PostData:        info.PostData,
		WallTime:        float64(now.UnixMilli()) / 1000,
		path:            u.Path,
		created:         now,
		responseHeaders: http.Header{},
	}
	if r.Header == nil {
		r.Header = http.Header{}
	}
	r.mimeType = mimeTypeFor(u.Path, r.Header.Get("Accept"))
	return r
}

// Timestamp is the number of seconds since the request was first seen.
func (r *Request) Timestamp() float64 { return time.Since(r.created).Seconds() }

func (r *Request) MimeType() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mimeType
}

// BodySize is the number of body bytes received so far.
func (r *Request) BodySize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodySize
}

// Body returns the received chunks concatenated in arrival order.
func (r *Request) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, 0, r.bodySize)
	for _, c := range r.chunks {
		out = append(out, c...)
	}
	return out
}

func (r *Request) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *Request) ResponseHeader() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responseHeaders.Clone()
}

// Type classifies the resource from its URL, request and response headers.
func (r *Request) Type() network.ResourceType {
	r.mu.Lock()
	ct := r.responseHeaders.Get("Content-Type")
	r.mu.Unlock()
	return classify(r.path, ct, r.Header.Get("Upgrade"))
}

// HasGzipEncoding reports whether the body may be gzip encoded.
func (r *Request) HasGzipEncoding() bool {
	r.mu.Lock()
	ce := r.responseHeaders.Get("Content-Encoding")
	r.mu.Unlock()
	return strings.Contains(ce, "gzip") || strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

type Initiator struct {
	Type       string `json:"type"`
	URL        string `json:"url,omitempty"`
	LineNumber *int   `json:"lineNumber,omitempty"`
}

type RequestInfo struct {
	Headers          map[string]string `json:"headers"`
	InitialPriority  string            `json:"initialPriority"`
	Method           string            `json:"method"`
	MixedContentType string            `json:"mixedContentType"`
	PostData         string            `json:"postData,omitempty"`
	URL              string            `json:"url"`
	ReferrerPolicy   string            `json:"referrerPolicy"`
}

type ResponseInfo struct {
	RequestHeaders    map[string]string `json:"requestHeaders"`
	Headers           map[string]string `json:"headers"`
	Status            int               `json:"status"`
	StatusText        string            `json:"statusText"`
	MimeType          string            `json:"mimeType"`
	Protocol          string            `json:"protocol"`
	URL               string            `json:"url"`
	FromDiskCache     bool              `json:"fromDiskCache"`
	FromServiceWorker bool              `json:"fromServiceWorker"`
	EncodedDataLength int               `json:"encodedDataLength"`
}

type RequestWillBeSent struct {
	DocumentURL string               `json:"documentURL"`
	FrameID     string               `json:"frameId"`
	RequestID   string               `json:"requestId"`
	LoaderID    string               `json:"loaderId"`
	Initiator   Initiator            `json:"initiator"`
	Request     RequestInfo          `json:"request"`
	WallTime    float64              `json:"wallTime"`
	Timestamp   float64              `json:"timestamp"`
	Type        network.ResourceType `json:"type"`
}

type ResponseReceived struct {
	FrameID   string               `json:"frameId"`
	LoaderID  string               `json:"loaderId"`
	RequestID string               `json:"requestId"`
	Timestamp float64              `json:"timestamp"`
	Type      network.ResourceType `json:"type"`
	Response  ResponseInfo         `json:"response"`
}

type DataReceived struct {
	RequestID         string  `json:"requestId"`
	DataLength        int     `json:"dataLength"`
	EncodedDataLength int     `json:"encodedDataLength"`
	Timestamp         float64 `json:"timestamp"`
}

type LoadingFinished struct {
	EncodedDataLength int     `json:"encodedDataLength"`
	RequestID         string  `json:"requestId"`
	Timestamp         float64 `json:"timestamp"`
}

type LoadingFailed struct {
	RequestID string               `json:"requestId"`
	Timestamp float64              `json:"timestamp"`
	Type      network.ResourceType `json:"type"`
	ErrorText string               `json:"errorText"`
	Canceled  bool                 `json:"canceled"`
}

func (r *Request) info() RequestInfo {
	prio := "Medium"
	// the document request of a frame
	if strings.HasSuffix(r.RequestID, ".100") {
		prio = "VeryHigh"
	}
	return RequestInfo{
		Headers:          flatten(r.Header),
		InitialPriority:  prio,
		Method:           r.Method,
		MixedContentType: "none",
		PostData:         r.PostData,
		URL:              r.FullURL,
		ReferrerPolicy:   "origin",
	}
}

func (r *Request) RequestWillBeSent() *proto.Message {
	initiator := Initiator{Type: "other"}
	// follow-up requests were issued by the document
	if !strings.HasSuffix(r.RequestID, ".1") {
		line := 0
		initiator = Initiator{Type: "parser", URL: r.DocumentURL, LineNumber: &line}
	}
	return proto.Event("Network.requestWillBeSent", RequestWillBeSent{
		DocumentURL: r.DocumentURL,
		FrameID:     r.FrameID,
		RequestID:   r.RequestID,
		LoaderID:    r.LoaderID,
		Initiator:   initiator,
		Request:     r.info(),
		WallTime:    r.WallTime,
		Timestamp:   r.Timestamp(),
		Type:        r.Type(),
	})
}

func (r *Request) RequestServedFromCache() *proto.Message {
	return proto.Event("Network.requestServedFromCache", map[string]string{"requestId": r.RequestID})
}

// DataReceived appends a body chunk.
func (r *Request) DataReceived(chunk []byte) *proto.Message {
	c := append([]byte(nil), chunk...)
	r.mu.Lock()
	r.chunks = append(r.chunks, c)
	r.bodySize += len(c)
	r.mu.Unlock()
	return proto.Event("Network.dataReceived", DataReceived{
		RequestID:         r.RequestID,
		DataLength:        len(c),
		EncodedDataLength: len(c),
		Timestamp:         r.Timestamp(),
	})
}

// ResponseReceived records the response head and refreshes the mime type.
func (r *Request) ResponseReceived(status int, header http.Header) *proto.Message {
	r.mu.Lock()
	r.status = status
	r.responseHeaders = header.Clone()
	if r.responseHeaders == nil {
		r.responseHeaders = http.Header{}
	}
	if ct := r.responseHeaders.Get("Content-Type"); ct != "" {
		mt, _, _ := strings.Cut(ct, ";")
		r.mimeType = strings.TrimSpace(mt)
	}
	mimeType, size, headers := r.mimeType, r.bodySize, flatten(r.responseHeaders)
	r.mu.Unlock()

	statusText := http.StatusText(status)
	if statusText == "" {
		statusText = "OK"
	}
	return proto.Event("Network.responseReceived", ResponseReceived{
		FrameID:   r.FrameID,
		LoaderID:  r.LoaderID,
		RequestID: r.RequestID,
		Timestamp: r.Timestamp(),
		Type:      r.Type(),
		Response: ResponseInfo{
			RequestHeaders:    flatten(r.Header),
			Headers:           headers,
			Status:            status,
			StatusText:        statusText,
			MimeType:          mimeType,
			Protocol:          "http/1.1",
			URL:               r.FullURL,
			EncodedDataLength: size,
		},
	})
}

func (r *Request) LoadingFinished() *proto.Message {
	r.mu.Lock()
	r.done = true
	size := r.bodySize
	r.mu.Unlock()
	return proto.Event("Network.loadingFinished", LoadingFinished{
		EncodedDataLength: size,
		RequestID:         r.RequestID,
		Timestamp:         r.Timestamp(),
	})
}

func (r *Request) LoadingFailed(err error) *proto.Message {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
	return proto.Event("Network.loadingFailed", LoadingFailed{
		RequestID: r.RequestID,
		Timestamp: r.Timestamp(),
		Type:      r.Type(),
		ErrorText: err.Error(),
	})
}

// flatten renders headers the way CDP expects: lower-case names, repeated
// values joined by newlines.
func flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vv := range h {
		out[strings.ToLower(k)] = strings.Join(vv, "\n")
	}
	return out
}
