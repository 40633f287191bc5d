package tracker

import (
	"mime"
	"path"
	"regexp"
	"strings"

	"github.com/mafredri/cdp/protocol/network"
)

const defaultMimeType = "application/octet-stream"

var documentContentType = regexp.MustCompile(`^application/.*(hbbtv|html)`)

func classify(urlPath, contentType, upgrade string) network.ResourceType {
	ext := strings.ToLower(path.Ext(urlPath))
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))

	switch {
	case strings.EqualFold(upgrade, "websocket"):
		return network.ResourceTypeWebSocket
	case ext == ".png" || ext == ".jpg" || ext == ".jpeg" || ext == ".gif" || strings.HasPrefix(ct, "image/"):
		return network.ResourceTypeImage
	case ext == ".js" || ext == ".mjs" || ct == "application/javascript" || ct == "text/javascript":
		return network.ResourceTypeScript
	case ext == ".css" || ct == "text/css":
		return network.ResourceTypeStylesheet
	case ext == ".html" || ext == ".htm" || ext == ".php" || ext == "" || ct == "text/html" || documentContentType.MatchString(ct):
		return network.ResourceTypeDocument
	case ext == ".mp4" || ext == ".mp3" || ext == ".flv" || ext == ".wav":
		return network.ResourceTypeMedia
	case ext == ".ttf" || ext == ".otf" || ext == ".woff" || ext == ".woff2":
		return network.ResourceTypeFont
	}
	return network.ResourceTypeOther
}

// mimeTypeFor guesses a mime type from the URL extension, then from the
// first concrete entry of the Accept header.
func mimeTypeFor(urlPath, accept string) string {
	if ext := path.Ext(urlPath); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			mt, _, _ := strings.Cut(t, ";")
			return strings.TrimSpace(mt)
		}
	}
	for _, part := range strings.Split(accept, ",") {
		mt, _, _ := strings.Cut(part, ";")
		mt = strings.TrimSpace(mt)
		if mt == "" || strings.Contains(mt, "*") || !strings.Contains(mt, "/") {
			continue
		}
		return mt
	}
	return defaultMimeType
}
