package backend

import (
	"time"

	"github.com/DragonSecurity/cdprelay/internal/tracker"
	"github.com/DragonSecurity/cdprelay/pkg/proto"
)

type LogDomain struct{}

type LogEntry struct {
	Level            string `json:"level"`
	Source           string `json:"source"`
	Text             string `json:"text"`
	Timestamp        int64  `json:"timestamp"`
	URL              string `json:"url"`
	NetworkRequestID string `json:"networkRequestId"`
}

// EntryAdded reports a failed network fetch as a console entry.
func (d *LogDomain) EntryAdded(req *tracker.Request, err error) *proto.Message {
	return proto.Event("Log.entryAdded", map[string]LogEntry{
		"entry": {
			Level:            "error",
			Source:           "network",
			Text:             err.Error(),
			Timestamp:        time.Now().UnixMilli(),
			URL:              req.FullURL,
			NetworkRequestID: req.RequestID,
		},
	})
}
