package backend

import (
	"encoding/json"
	"strings"

	"github.com/mafredri/cdp/protocol/network"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/DragonSecurity/cdprelay/internal/tracker"
	"github.com/DragonSecurity/cdprelay/pkg/util"
)

// Hook is a result post-processor selected by the routing tags a target puts
// on a command result.
type Hook int

const (
	HookPageGetResourceTree Hook = iota + 1
	HookDebuggerGetScriptSource
)

func lookupHook(domain, method string) (Hook, bool) {
	switch domain + "." + method {
	case "Page.getResourceTree":
		return HookPageGetResourceTree, true
	case "Debugger.getScriptSource":
		return HookDebuggerGetScriptSource, true
	}
	return 0, false
}

// Middlewares enriches results with what the relay knows from tracked traffic.
type Middlewares struct {
	log *util.Logger
}

func NewMiddlewares(log *util.Logger) *Middlewares { return &Middlewares{log: log} }

// Apply runs h over result. Results it cannot rewrite are returned unchanged.
func (m *Middlewares) Apply(h Hook, result json.RawMessage, requests []*tracker.Request) json.RawMessage {
	var (
		out json.RawMessage
		err error
	)
	switch h {
	case HookPageGetResourceTree:
		out, err = resourceTree(result, requests)
	case HookDebuggerGetScriptSource:
		out, err = scriptSource(result, requests)
	default:
		return result
	}
	if err != nil {
		m.log.Warnf("middleware %d: %v", h, err)
		return result
	}
	return out
}

type frameResource struct {
	URL          string               `json:"url"`
	Type         network.ResourceType `json:"type"`
	MimeType     string               `json:"mimeType"`
	LastModified float64              `json:"lastModified"`
	ContentSize  int                  `json:"contentSize"`
}

// resourceTree lists the tracked requests of the root frame as its resources.
func resourceTree(result json.RawMessage, requests []*tracker.Request) (json.RawMessage, error) {
	frameID := gjson.GetBytes(result, "frameTree.frame.id").String()
	if frameID == "" {
		return result, nil
	}
	id, _, _ := strings.Cut(frameID, ".")

	resources := make([]frameResource, 0, len(requests))
	for _, r := range requests {
		if r.RequestID == "" || !strings.HasPrefix(r.RequestID, id+".") {
			continue
		}
		resources = append(resources, frameResource{
			URL:          r.FullURL,
			Type:         r.Type(),
			MimeType:     r.MimeType(),
			LastModified: r.WallTime,
			ContentSize:  r.BodySize(),
		})
	}
	return sjson.SetBytes(result, "frameTree.resources", resources)
}

// scriptSource inlines the body of a proxied script referenced by src.
func scriptSource(result json.RawMessage, requests []*tracker.Request) (json.RawMessage, error) {
	src := gjson.GetBytes(result, "src")
	if src.Type != gjson.String {
		return result, nil
	}
	var match *tracker.Request
	for i := len(requests) - 1; i >= 0; i-- {
		if strings.Contains(requests[i].FullURL, src.String()) {
			match = requests[i]
			break
		}
	}
	if match == nil {
		return result, nil
	}
	out, err := sjson.SetBytes(result, "scriptSource", string(match.Body()))
	if err != nil {
		return nil, err
	}
	return sjson.DeleteBytes(out, "src")
}
