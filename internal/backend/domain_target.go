package backend

import "github.com/DragonSecurity/cdprelay/pkg/proto"

type TargetDomain struct{}

type TargetInfo struct {
	TargetID string `json:"targetId"`
	Title    string `json:"title"`
	Type     string `json:"type"`
	URL      string `json:"url"`
}

// TargetCreated describes the page itself as a CDP target.
func (d *TargetDomain) TargetCreated(uuid, title, url string) *proto.Message {
	return proto.Event("Target.targetCreated", map[string]TargetInfo{
		"targetInfo": {TargetID: uuid, Title: title, Type: "page", URL: url},
	})
}
