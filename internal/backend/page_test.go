package backend

import (
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/DragonSecurity/cdprelay/internal/tracker"
	"github.com/DragonSecurity/cdprelay/pkg/proto"
)

func TestBufferedMessagesKeepOrder(t *testing.T) {
	b := newTestBackend(t, testOptions())
	p := register(t, b, "p1", newFakeTarget())

	for _, m := range []string{"A.one", "A.two", "A.three"} {
		p.Send(proto.Event(m, nil))
	}
	require.Equal(t, 3, p.Buffered())

	c := attach(p)
	require.Equal(t, 0, p.Buffered())
	p.Send(proto.Event("A.four", nil))
	require.Equal(t, []string{"A.one", "A.two", "A.three", "A.four"}, c.methods())
}

func TestEnableDomain(t *testing.T) {
	b := newTestBackend(t, testOptions())
	conn := newFakeTarget()
	p := register(t, b, "p1", conn, "Debugger")
	c := attach(p)
	conn.reset()

	require.NoError(t, p.HandleIncoming([]byte(`{"id":1,"method":"Debugger.enable"}`)))
	require.NoError(t, p.HandleIncoming([]byte(`{"id":2,"method":"Debugger.enable"}`)))

	require.Equal(t, []string{`{"id":1,"result":{}}`, `{"id":2,"result":{}}`}, c.messages())
	triggers := conn.emitted("Debugger")
	require.Len(t, triggers, 2)
	require.JSONEq(t, `{"method":"scriptParsed"}`, string(triggers[0]))
	require.True(t, p.IsDomainSupported("Debugger"))
}

func TestEnableUnsupportedDomainIsIgnored(t *testing.T) {
	b := newTestBackend(t, testOptions())
	conn := newFakeTarget()
	p := register(t, b, "p1", conn)
	c := attach(p)
	conn.reset()

	require.NoError(t, p.HandleIncoming([]byte(`{"id":1,"method":"CSS.enable"}`)))
	require.NoError(t, p.HandleIncoming([]byte(`{"id":2,"method":"CSS.getStyleSheetText"}`)))

	require.Empty(t, c.messages())
	require.Empty(t, conn.emitted("CSS"))
	require.False(t, p.IsDomainSupported("CSS"))
}

func TestServerDomainsAreEnabledOnRegistration(t *testing.T) {
	b := newTestBackend(t, testOptions())
	p := register(t, b, "p1", newFakeTarget(), "DOM")
	for _, d := range append([]string{"DOM"}, ServerDomains...) {
		require.True(t, p.IsDomainSupported(d), d)
	}
	require.True(t, p.IsMessageSupported(&proto.Message{Method: "Network.getCookies"}))
	require.False(t, p.IsMessageSupported(&proto.Message{Method: "Overlay.highlightNode"}))
}

func TestDisableDomain(t *testing.T) {
	b := newTestBackend(t, testOptions())
	conn := newFakeTarget()
	p := register(t, b, "p1", conn, "DOM")
	c := attach(p)
	conn.reset()

	require.NoError(t, p.HandleIncoming([]byte(`{"id":9,"method":"DOM.disable"}`)))
	require.NoError(t, p.HandleIncoming([]byte(`{"id":10,"method":"DOM.getDocument"}`)))

	require.Equal(t, []string{`{"id":9,"result":{}}`}, c.messages())
	require.Empty(t, conn.emitted("DOM"))
	require.False(t, p.IsDomainSupported("DOM"))
}

func TestEnabledDomainsSurviveReconnect(t *testing.T) {
	b := newTestBackend(t, testOptions())
	p := register(t, b, "p1", newFakeTarget(), "DOM", "CSS")
	require.NoError(t, p.HandleIncoming([]byte(`{"id":1,"method":"CSS.enable"}`)))

	// the new target no longer reports CSS, the client still had it enabled
	register(t, b, "p1", newFakeTarget(), "DOM")
	require.True(t, p.IsDomainSupported("CSS"))
}

func TestRuntimeEnableAnnouncesTarget(t *testing.T) {
	b := newTestBackend(t, testOptions())
	conn := newFakeTarget()
	p, err := b.RegisterOrReuse(proto.RegisterPage{
		UUID:             "p1",
		Title:            "App",
		URL:              "http://tv.example.com/app",
		SupportedDomains: []string{"Runtime"},
	}, conn, "")
	require.NoError(t, err)
	c := attach(p)
	c.reset()
	conn.reset()

	require.NoError(t, p.HandleIncoming([]byte(`{"id":4,"method":"Runtime.enable"}`)))
	msgs := c.messages()
	require.Len(t, msgs, 2)
	require.JSONEq(t, `{"method":"Target.targetCreated","params":{"targetInfo":{
		"targetId":"p1","title":"App","type":"page","url":"http://tv.example.com/app"}}}`, msgs[0])
	require.JSONEq(t, `{"id":4,"result":{}}`, msgs[1])
	require.Len(t, conn.emitted("Runtime"), 1)
}

func TestMalformedClientFrameDropsClient(t *testing.T) {
	testCases := []struct {
		name  string
		frame string
	}{
		{name: "not json", frame: `hello`},
		{name: "no method", frame: `{"id":1}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBackend(t, testOptions())
			p := register(t, b, "p1", newFakeTarget())
			require.ErrorIs(t, p.HandleIncoming([]byte(tc.frame)), ErrMalformedMessage)

			c := attach(p)
			c.deliver(tc.frame)
			require.True(t, c.isTerminated())
			require.False(t, p.Status().IsConnectedToClient)
			_, err := b.Page("p1")
			require.NoError(t, err, "the page outlives its client")
		})
	}
}

func TestTargetResultsReachClient(t *testing.T) {
	b := newTestBackend(t, testOptions())
	conn := newFakeTarget()
	p := register(t, b, "p1", conn)
	c := attach(p)

	conn.fire(proto.TypeResult, "", map[string]any{"id": 12, "result": map[string]int{"nodeId": 3}})
	require.Equal(t, []string{`{"id":12,"result":{"nodeId":3}}`}, c.messages())
}

func TestResultMiddlewareRewritesResourceTree(t *testing.T) {
	b := newTestBackend(t, testOptions())
	conn := newFakeTarget()
	p := register(t, b, "p1", conn)
	c := attach(p)

	u, err := url.Parse("http://tv.example.com/app/main.js")
	require.NoError(t, err)
	req := tracker.New(tracker.Info{URL: u, Method: "GET", RequestID: "1.2", FrameID: "1.0"})
	req.ResponseReceived(200, http.Header{"Content-Type": {"application/javascript"}})
	req.DataReceived([]byte("var a = 1;"))
	p.TrackRequest(req)

	conn.fire(proto.TypeResult, "", map[string]any{
		"id":      5,
		"result":  map[string]any{"frameTree": map[string]any{"frame": map[string]string{"id": "1.0"}}},
		"_domain": "Page",
		"_method": "getResourceTree",
	})

	msgs := c.messages()
	require.Len(t, msgs, 1)
	require.NotContains(t, msgs[0], "_domain")
	require.NotContains(t, msgs[0], "_method")
	require.Equal(t, int64(5), gjson.Get(msgs[0], "id").Int())
	require.Equal(t, "1.0", gjson.Get(msgs[0], "result.frameTree.frame.id").String())
	resources := gjson.Get(msgs[0], "result.frameTree.resources").Array()
	require.Len(t, resources, 1)
	require.Equal(t, "http://tv.example.com/app/main.js", resources[0].Get("url").String())
	require.Equal(t, "Script", resources[0].Get("type").String())
	require.Equal(t, "application/javascript", resources[0].Get("mimeType").String())
	require.Equal(t, int64(10), resources[0].Get("contentSize").Int())
}

func TestGetStatusIsAcked(t *testing.T) {
	b := newTestBackend(t, testOptions())
	conn := newFakeTarget()
	p := register(t, b, "p1", conn)
	attach(p)

	conn.fire(proto.TypeGetStatus, "ack-1", nil)
	conn.mu.Lock()
	raw := conn.acks["ack-1"]
	conn.mu.Unlock()
	require.NotNil(t, raw)

	var st proto.Status
	require.NoError(t, json.Unmarshal(raw, &st))
	require.True(t, st.IsConnectedToClient)
	require.True(t, st.IsConnectedToTarget)
	require.Equal(t, "10.0.0.9", st.ClientIP)
}

func TestPageURLUpdatePolicy(t *testing.T) {
	testCases := []struct {
		name  string
		first string
		next  string
		want  string
	}{
		{name: "same site keeps url", first: "http://a.example.com/one", next: "http://b.example.com/two", want: "http://a.example.com/one"},
		{name: "new site replaces url", first: "http://a.example.com/one", next: "http://other.org/two", want: "http://other.org/two"},
		{name: "empty keeps url", first: "http://a.example.com/one", next: "", want: "http://a.example.com/one"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBackend(t, testOptions())
			_, err := b.RegisterOrReuse(proto.RegisterPage{UUID: "p1", URL: tc.first}, newFakeTarget(), "")
			require.NoError(t, err)
			p, err := b.RegisterOrReuse(proto.RegisterPage{UUID: "p1", URL: tc.next}, newFakeTarget(), "")
			require.NoError(t, err)
			require.Equal(t, tc.want, p.URL().String())
		})
	}
}

func TestFrameStartedLoadingSetsMissingURL(t *testing.T) {
	b := newTestBackend(t, testOptions())
	p := register(t, b, "p1", newFakeTarget())
	require.Nil(t, p.URL())

	p.FrameStartedLoading("", "")
	require.Zero(t, p.Buffered())

	p.FrameStartedLoading("http://tv.example.com/", "2.0")
	require.Equal(t, "http://tv.example.com/", p.URL().String())
	p.FrameStartedLoading("http://elsewhere.org/", "")
	require.Equal(t, "http://tv.example.com/", p.URL().String())

	c := attach(p)
	require.JSONEq(t, `{"method":"Page.frameStartedLoading","params":{"frameId":"2.0"}}`, c.messages()[0])
	require.JSONEq(t, `{"method":"Page.frameStartedLoading","params":{"frameId":"1.0"}}`, c.messages()[1])
}

func TestFrameNavigated(t *testing.T) {
	b := newTestBackend(t, testOptions())
	p := register(t, b, "p1", newFakeTarget())
	c := attach(p)

	p.FrameNavigated("http://tv.example.com:8080/app?x=1", "3.100")
	require.JSONEq(t, `{"method":"Page.frameNavigated","params":{"frame":{
		"id":"3","loaderId":"30","mimeType":"text/html",
		"securityOrigin":"http://tv.example.com:8080",
		"url":"http://tv.example.com:8080/app?x=1"}}}`, c.messages()[0])
}

func TestKeepAlive(t *testing.T) {
	opts := testOptions()
	opts.KeepAlive = 10 * time.Millisecond
	b := newTestBackend(t, opts)
	p := register(t, b, "p1", newFakeTarget())
	c := attach(p)

	waitForCondition(t, func() bool {
		for _, m := range c.methods() {
			if m == "HeadlessExperimental.needsBeginFramesChanged" {
				return true
			}
		}
		return false
	})
}

func TestNewClientReplacesOld(t *testing.T) {
	b := newTestBackend(t, testOptions())
	p := register(t, b, "p1", newFakeTarget())
	first := attach(p)
	second := attach(p)

	require.True(t, first.isTerminated())
	require.False(t, second.isTerminated())

	// the close of the replaced socket arrives late
	first.close(nil)
	require.True(t, p.Status().IsConnectedToClient)

	p.Send(proto.Event("A.b", nil))
	require.Empty(t, first.methods())
	require.Equal(t, []string{"A.b"}, second.methods())

	second.close(nil)
	require.False(t, p.Status().IsConnectedToClient)
}

func TestDestroyedPageRejectsClients(t *testing.T) {
	b := newTestBackend(t, testOptions())
	p := register(t, b, "p1", newFakeTarget())
	p.Destroy()

	c := attach(p)
	require.True(t, c.isTerminated())
	require.ErrorIs(t, p.emit("Network.setCookie", nil), ErrNoTarget)
}

func TestStalledClientDoesNotBlockPage(t *testing.T) {
	b := newTestBackend(t, testOptions())
	conn := newFakeTarget()
	p := register(t, b, "p1", conn)
	c := &stalledClient{release: make(chan struct{})}
	t.Cleanup(func() { close(c.release) })
	p.ConnectClient("10.0.0.9", c)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 3 {
			conn.fire(proto.TypeResult, "", map[string]any{"id": i, "result": map[string]int{}})
		}
		conn.fire(proto.TypeGetStatus, "ack-1", nil)
		_, _ = b.RegisterOrReuse(proto.RegisterPage{UUID: "p2"}, newFakeTarget(), "")
		_, _ = b.Page("p1")
		p.DisconnectClient()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("page operations waited on a stalled client")
	}

	conn.mu.Lock()
	_, acked := conn.acks["ack-1"]
	conn.mu.Unlock()
	require.True(t, acked)
	require.Len(t, b.Pages(), 2)
}

func TestKeepAliveOnlyReachesAttachedClient(t *testing.T) {
	testCases := []struct {
		name   string
		detach func(p *Page)
	}{
		{name: "detached", detach: func(p *Page) { p.DisconnectClient() }},
		{name: "replaced", detach: func(p *Page) { attach(p) }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBackend(t, testOptions())
			p := register(t, b, "p1", newFakeTarget())
			c := attach(p)
			tc.detach(p)

			require.False(t, p.sendToClient(c, keepAliveEvent()))
			require.Zero(t, p.Buffered())
			require.Empty(t, c.methods())
		})
	}
}

func TestTargetResultKeepsUnknownFields(t *testing.T) {
	b := newTestBackend(t, testOptions())
	conn := newFakeTarget()
	c := attach(register(t, b, "p1", conn))

	conn.fire(proto.TypeResult, "", json.RawMessage(`{"id":9,"sessionId":"s1","error":{"code":-32000,"message":"gone","data":"node 4"}}`))
	require.Len(t, c.messages(), 1)
	require.JSONEq(t, `{"id":9,"sessionId":"s1","error":{"code":-32000,"message":"gone","data":"node 4"}}`, c.messages()[0])
}
