package backend

import "encoding/json"

// WebdriverDomain is a non-standard domain for session introspection.
type WebdriverDomain struct{}

type WebdriverInfo struct {
	UUID        string          `json:"uuid"`
	Hostname    string          `json:"hostname"`
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func (d *WebdriverDomain) Info(p *Page) WebdriverInfo {
	info := p.Info()
	return WebdriverInfo{
		UUID:        info.UUID,
		Hostname:    info.Hostname,
		URL:         info.URL,
		Title:       info.Title,
		Description: info.Description,
		Metadata:    info.Metadata,
	}
}
