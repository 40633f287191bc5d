package server

import (
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"

	"github.com/DragonSecurity/cdprelay/internal/backend"
)

// ProtocolVersion is the CDP version advertised on /json/version.
const ProtocolVersion = "1.3"

// PageListing is one entry of the /json discovery list.
type PageListing struct {
	Description          string          `json:"description"`
	DevtoolsFrontendURL  string          `json:"devtoolsFrontendUrl"`
	Title                string          `json:"title"`
	Type                 string          `json:"type"`
	URL                  string          `json:"url"`
	Metadata             json.RawMessage `json:"metadata,omitempty"`
	DeviceIP             string          `json:"deviceIp"`
	UUID                 string          `json:"uuid"`
	DeviceID             string          `json:"deviceId"`
	ClientIP             string          `json:"clientIp"`
	WebSocketDebuggerURL string          `json:"webSocketDebuggerUrl"`
	IsConnectedToClient  bool            `json:"isConnectedToClient"`
	IsConnectedToTarget  bool            `json:"isConnectedToTarget"`
}

func (s *Server) listings() []PageListing {
	protocol := "ws"
	if s.cfg.Secure {
		protocol = "wss"
	}
	pages := s.backend.Pages()
	out := make([]PageListing, 0, len(pages))
	for _, p := range pages {
		info := p.Info()
		devtoolsPath := info.Hostname + backend.ClientPathPrefix + info.UUID
		title := info.Title
		if title == "" && info.URL != "" {
			if u, err := url.Parse(info.URL); err == nil {
				title = backend.RegistrableDomain(u)
			}
		}
		out = append(out, PageListing{
			Description:          info.Description,
			DevtoolsFrontendURL:  "/devtools/inspector.html?" + protocol + "=" + devtoolsPath,
			Title:                title,
			Type:                 "page",
			URL:                  info.URL,
			Metadata:             info.Metadata,
			DeviceIP:             info.DeviceIP,
			UUID:                 info.UUID,
			DeviceID:             info.DeviceID,
			ClientIP:             info.ClientIP,
			WebSocketDebuggerURL: protocol + "://" + devtoolsPath,
			IsConnectedToClient:  info.IsConnectedToClient,
			IsConnectedToTarget:  info.IsConnectedToTarget,
		})
	}
	return out
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.listings())
}

func (s *Server) versionInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"Browser":          "cdprelay/" + s.version,
		"Protocol-Version": ProtocolVersion,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

var indexTpl = template.Must(template.New("index").Parse(`<html><body><h3>cdprelay</h3>
<ul>
<li>Health: <a href="/healthz">/healthz</a></li>
<li>Metrics: <a href="/metrics">/metrics</a></li>
<li>Pages: <a href="/json">/json</a></li>
</ul>
<h4>Inspectable pages</h4>
<ul>{{range .}}
<li><b>{{.Title}}</b> {{.URL}} <code>{{.WebSocketDebuggerURL}}</code>{{if .IsConnectedToClient}} (attached from {{.ClientIP}}){{end}}{{if not .IsConnectedToTarget}} (target gone){{end}}</li>
{{else}}<li>none registered; targets connect on <code>/_target</code></li>{{end}}
</ul></body></html>`))

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := indexTpl.Execute(w, s.listings()); err != nil {
		s.log.Warnf("render index: %v", err)
	}
}
