package net

import (
	"net"
	"net/http"
	"strings"
	"time"

	pp "github.com/pires/go-proxyproto"
)

// WrapProxyProtocol makes l accept PROXY protocol v1/v2 headers so that
// RemoteAddr reflects the original peer behind a load balancer. Connections
// without a header are passed through unchanged.
func WrapProxyProtocol(l net.Listener) net.Listener {
	return &pp.Listener{
		Listener:          l,
		ReadHeaderTimeout: 5 * time.Second,
		Policy: func(upstream net.Addr) (pp.Policy, error) {
			return pp.USE, nil
		},
	}
}

// RequestIP returns the first X-Forwarded-For hop, or the remote host.
func RequestIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
