package backend

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/DragonSecurity/cdprelay/internal/tracker"
	"github.com/DragonSecurity/cdprelay/pkg/proto"
)

func trackedRequest(t *testing.T, p *Page, rawURL, id string, header http.Header, body []byte) *tracker.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	r := tracker.New(tracker.Info{URL: u, Method: "GET", RequestID: id, FrameID: "1.0"})
	r.ResponseReceived(200, header)
	if body != nil {
		r.DataReceived(body)
	}
	r.LoadingFinished()
	p.TrackRequest(r)
	return r
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// answer makes the target reply to method with result, echoing the
// correlation key when echo is set.
func answer(conn *fakeTarget, method string, result map[string]any, echo bool) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.respond = func(event string, payload json.RawMessage) {
		if event != method {
			return
		}
		out := proto.Raw(result)
		if echo {
			out, _ = sjson.SetBytes(out, "uuid", gjson.GetBytes(payload, "uuid").String())
		}
		conn.fire(proto.ResponseType(method), "", json.RawMessage(out))
	}
}

func lastMessage(t *testing.T, c *fakeClient) string {
	t.Helper()
	waitForCondition(t, func() bool { return len(c.messages()) > 0 })
	msgs := c.messages()
	return msgs[len(msgs)-1]
}

func TestGetResponseBodyFromTrackedRequest(t *testing.T) {
	testCases := []struct {
		name   string
		header http.Header
		body   []byte
		want   string
	}{
		{
			name:   "plain",
			header: http.Header{"Content-Type": {"text/html"}},
			body:   []byte("<html></html>"),
			want:   `{"id":1,"result":{"body":"<html></html>","base64Encoded":false}}`,
		},
		{
			name:   "gzip",
			header: http.Header{"Content-Type": {"text/html"}, "Content-Encoding": {"gzip"}},
			body:   gzipBytes(t, "<p>zipped</p>"),
			want:   `{"id":1,"result":{"body":"<p>zipped</p>","base64Encoded":false}}`,
		},
		{
			name:   "gzip decoding to nothing",
			header: http.Header{"Content-Type": {"text/html"}, "Content-Encoding": {"gzip"}},
			body:   gzipBytes(t, ""),
			want:   `{"id":1,"error":{"code":-32000,"message":"gzip decoding failed"}}`,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBackend(t, testOptions())
			p := register(t, b, "p1", newFakeTarget())
			c := attach(p)
			trackedRequest(t, p, "http://tv.example.com/index.html", "1.100", tc.header, tc.body)

			c.deliver(`{"id":1,"method":"Network.getResponseBody","params":{"requestId":"1.100"}}`)
			require.JSONEq(t, tc.want, lastMessage(t, c))
		})
	}
}

func TestGetResponseBodyPrefersNewestRequest(t *testing.T) {
	b := newTestBackend(t, testOptions())
	p := register(t, b, "p1", newFakeTarget())
	c := attach(p)
	trackedRequest(t, p, "http://tv.example.com/a", "1.2", nil, []byte("old"))
	trackedRequest(t, p, "http://tv.example.com/b", "1.2", nil, []byte("new"))

	c.deliver(`{"id":1,"method":"Network.getResponseBody","params":{"requestId":"1.2"}}`)
	require.Equal(t, "new", gjson.Get(lastMessage(t, c), "result.body").String())
}

func TestGetResponseBodyAnsweredByTarget(t *testing.T) {
	testCases := []struct {
		name string
		echo bool
	}{
		{name: "with correlation key", echo: true},
		{name: "without correlation key", echo: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBackend(t, testOptions())
			conn := newFakeTarget()
			p := register(t, b, "p1", conn)
			c := attach(p)
			answer(conn, "Network.getResponseBody", map[string]any{"body": "remote", "base64Encoded": false}, tc.echo)

			c.deliver(`{"id":2,"method":"Network.getResponseBody","params":{"requestId":"7.3"}}`)
			require.JSONEq(t, `{"id":2,"result":{"body":"remote","base64Encoded":false}}`, lastMessage(t, c))

			emitted := conn.emitted("Network.getResponseBody")
			require.Len(t, emitted, 1)
			require.Equal(t, "7.3", gjson.GetBytes(emitted[0], "requestId").String())
			require.NotEmpty(t, gjson.GetBytes(emitted[0], "uuid").String())
			waitForCondition(t, func() bool { return b.Domains().Network.Pending() == 0 })
		})
	}
}

func TestGetResponseBodyTimeout(t *testing.T) {
	opts := testOptions()
	opts.ResponseTimeout = 30 * time.Millisecond
	b := newTestBackend(t, opts)
	conn := newFakeTarget()
	p := register(t, b, "p1", conn)
	c := attach(p)

	c.deliver(`{"id":3,"method":"Network.getResponseBody","params":{"requestId":"9.9"}}`)
	require.JSONEq(t, `{"id":3,"error":{"code":-32000,"message":"Couldn't find request with id 9.9"}}`, lastMessage(t, c))
	waitForCondition(t, func() bool { return b.Domains().Network.Pending() == 0 })

	// a late answer has nobody waiting for it
	key := gjson.GetBytes(conn.emitted("Network.getResponseBody")[0], "uuid").String()
	conn.fire("Network.getResponseBody-response", "", map[string]any{"uuid": key, "body": "late"})
	time.Sleep(10 * time.Millisecond)
	require.Len(t, c.messages(), 1)
}

func TestConcurrentCallsAreCorrelated(t *testing.T) {
	b := newTestBackend(t, testOptions())
	conn := newFakeTarget()
	p := register(t, b, "p1", conn)
	c := attach(p)

	c.deliver(`{"id":1,"method":"Network.getResponseBody","params":{"requestId":"1.1"}}`)
	c.deliver(`{"id":2,"method":"Network.getResponseBody","params":{"requestId":"1.2"}}`)
	waitForCondition(t, func() bool { return len(conn.emitted("Network.getResponseBody")) == 2 })
	require.Equal(t, 2, b.Domains().Network.Pending())

	emitted := conn.emitted("Network.getResponseBody")
	// answer in reverse order
	for i := len(emitted) - 1; i >= 0; i-- {
		conn.fire("Network.getResponseBody-response", "", map[string]any{
			"uuid": gjson.GetBytes(emitted[i], "uuid").String(),
			"body": "body of " + gjson.GetBytes(emitted[i], "requestId").String(),
		})
	}

	waitForCondition(t, func() bool { return len(c.messages()) == 2 })
	for _, m := range c.messages() {
		id := gjson.Get(m, "id").String()
		require.Equal(t, "body of 1."+id, gjson.Get(m, "result.body").String())
	}
}

func TestCookieCommands(t *testing.T) {
	b := newTestBackend(t, testOptions())
	conn := newFakeTarget()
	p := register(t, b, "p1", conn)
	c := attach(p)

	c.deliver(`{"id":1,"method":"Network.setCookie","params":{"name":"a","value":"b"}}`)
	require.Equal(t, []string{`{"id":1,"result":{}}`}, c.messages())
	set := conn.emitted("Network.setCookie")
	require.Len(t, set, 1)
	require.JSONEq(t, `{"name":"a","value":"b"}`, string(set[0]))

	c.reset()
	c.deliver(`{"id":2,"method":"Network.emulateNetworkConditions","params":{"offline":true}}`)
	require.Equal(t, []string{`{"id":2,"result":{}}`}, c.messages())
	require.Len(t, conn.emitted("Network.emulateNetworkConditions"), 1)

	c.reset()
	answer(conn, "Network.getCookies", map[string]any{"cookies": []map[string]string{{"name": "a", "value": "b"}}}, true)
	c.deliver(`{"id":3,"method":"Network.getCookies"}`)
	require.JSONEq(t, `{"id":3,"result":{"cookies":[{"name":"a","value":"b"}]}}`, lastMessage(t, c))

	c.reset()
	answer(conn, "Network.deleteCookies", map[string]any{}, true)
	c.deliver(`{"id":4,"method":"Network.deleteCookies","params":{"name":"a"}}`)
	require.JSONEq(t, `{"id":4,"result":{}}`, lastMessage(t, c))
}

func TestGetResourceContent(t *testing.T) {
	b := newTestBackend(t, testOptions())
	p := register(t, b, "p1", newFakeTarget(), "Page")
	c := attach(p)
	trackedRequest(t, p, "http://tv.example.com/style.css", "1.4", http.Header{"Content-Type": {"text/css"}}, []byte("body{}"))

	c.deliver(`{"id":1,"method":"Page.getResourceContent","params":{"frameId":"1.0","url":"http://tv.example.com/style.css"}}`)
	require.JSONEq(t, `{"id":1,"result":{"content":"body{}","base64Encoded":false}}`, lastMessage(t, c))

	c.reset()
	c.deliver(`{"id":2,"method":"Page.getResourceContent","params":{"frameId":"1.0","url":"http://tv.example.com/missing.css"}}`)
	msg := lastMessage(t, c)
	require.Equal(t, int64(proto.ServerError), gjson.Get(msg, "error.code").Int())
	require.True(t, strings.Contains(gjson.Get(msg, "error.message").String(), "missing.css"))
}

func TestCommandLookup(t *testing.T) {
	testCases := []struct {
		domain, method string
		want           Command
		ok             bool
	}{
		{domain: "Network", method: "getResponseBody", want: CmdNetworkGetResponseBody, ok: true},
		{domain: "Network", method: "setCookie", want: CmdNetworkSetCookie, ok: true},
		{domain: "Page", method: "getResourceContent", want: CmdPageGetResourceContent, ok: true},
		{domain: "Webdriver", method: "info", want: CmdWebdriverInfo, ok: true},
		{domain: "Network", method: "enable"},
		{domain: "DOM", method: "getDocument"},
	}
	for _, tc := range testCases {
		got, ok := lookupCommand(tc.domain, tc.method)
		require.Equal(t, tc.ok, ok, tc.domain+"."+tc.method)
		require.Equal(t, tc.want, got)
		if ok {
			require.Equal(t, tc.domain+"."+tc.method, got.String())
		}
	}
}

func TestKeylessAnswerStaysOnItsPage(t *testing.T) {
	b := newTestBackend(t, testOptions())
	connA, connB := newFakeTarget(), newFakeTarget()
	clientA := attach(register(t, b, "a", connA))
	clientB := attach(register(t, b, "b", connB))
	clientA.reset()
	clientB.reset()

	clientA.deliver(`{"id":1,"method":"Network.getCookies"}`)
	clientB.deliver(`{"id":1,"method":"Network.getCookies"}`)
	waitForCondition(t, func() bool {
		return len(connA.emitted("Network.getCookies")) == 1 && len(connB.emitted("Network.getCookies")) == 1
	})

	connB.fire("Network.getCookies-response", "", map[string]any{
		"cookies": []map[string]string{{"name": "secretB", "value": "x"}},
	})
	require.JSONEq(t, `{"id":1,"result":{"cookies":[{"name":"secretB","value":"x"}]}}`, lastMessage(t, clientB))
	require.Empty(t, clientA.messages())
	require.Equal(t, 1, b.Domains().Network.Pending())
}

func TestNonObjectAnswerIsEmptyResult(t *testing.T) {
	testCases := []struct {
		name   string
		answer json.RawMessage
		want   string
	}{
		{name: "bare true", answer: json.RawMessage(`true`), want: `{"id":4,"result":{}}`},
		{name: "null", answer: json.RawMessage(`null`), want: `{"id":4,"result":{}}`},
		{name: "object", answer: json.RawMessage(`{"deleted":1}`), want: `{"id":4,"result":{"deleted":1}}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBackend(t, testOptions())
			conn := newFakeTarget()
			c := attach(register(t, b, "p1", conn))
			c.reset()

			c.deliver(`{"id":4,"method":"Network.deleteCookies","params":{"name":"a"}}`)
			waitForCondition(t, func() bool { return len(conn.emitted("Network.deleteCookies")) == 1 })
			conn.fire("Network.deleteCookies-response", "", tc.answer)
			require.JSONEq(t, tc.want, lastMessage(t, c))
		})
	}
}
