package backend

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	cdppage "github.com/mafredri/cdp/protocol/page"

	"github.com/DragonSecurity/cdprelay/pkg/proto"
)

// DefaultFrameID is used when no frame id is known.
const DefaultFrameID = "1.0"

var frameIDCookie = regexp.MustCompile(`frameId=(\d+\.\d+)`)

type PageDomain struct{}

type Frame struct {
	ID             string `json:"id"`
	LoaderID       string `json:"loaderId"`
	MimeType       string `json:"mimeType"`
	SecurityOrigin string `json:"securityOrigin"`
	URL            string `json:"url"`
}

// FrameNavigated builds the event for a completed navigation of frame id.
func (d *PageDomain) FrameNavigated(id, origin, path string) *proto.Message {
	return proto.Event("Page.frameNavigated", map[string]Frame{
		"frame": {
			ID:             id,
			LoaderID:       id + "0",
			MimeType:       "text/html",
			SecurityOrigin: origin,
			URL:            origin + path,
		},
	})
}

// FrameStartedLoading builds the started-loading event from set-cookie
// header values carrying a frame id. It reports false if none does.
func (d *PageDomain) FrameStartedLoading(setCookie []string) (*proto.Message, bool) {
	m := frameIDCookie.FindStringSubmatch(strings.Join(setCookie, ""))
	if m == nil {
		return nil, false
	}
	return proto.Event("Page.frameStartedLoading", map[string]string{"frameId": m[1]}), true
}

type getResourceContentArgs struct {
	FrameID string `json:"frameId"`
	URL     string `json:"url"`
}

// GetResourceContent returns the body of a tracked request by URL.
func (d *PageDomain) GetResourceContent(p *Page, msg *proto.Message) (any, error) {
	var args getResourceContentArgs
	if err := json.Unmarshal(msg.ParamsOrEmpty(), &args); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	req, ok := p.requests.ByURL(args.URL)
	if !ok {
		return nil, fmt.Errorf("Couldn't find request with id %s and url %s", args.FrameID, args.URL)
	}
	body, b64, err := req.DecodedBody()
	if err != nil {
		p.log.Errorf("resource content of %s: %v", args.URL, err)
		return nil, err
	}
	return cdppage.GetResourceContentReply{Content: body, Base64Encoded: b64}, nil
}
