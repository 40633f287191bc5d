package v1

import (
	"net"
	"time"
)

type SessionConfig struct {
	// ReconnectGrace is how long a page survives without its target.
	ReconnectGrace time.Duration `mapstructure:"reconnect_grace"`
	// KeepAlive is the interval of the no-op event sent to attached clients.
	KeepAlive time.Duration `mapstructure:"keep_alive"`
	// ResponseTimeout bounds the wait for target answers (response bodies, cookies).
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	// MaxTrackedRequests bounds each page's request list; 0 keeps everything.
	MaxTrackedRequests int `mapstructure:"max_tracked_requests"`
}

type TLSConfig struct {
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	SelfSigned bool   `mapstructure:"self_signed"`
}

type ACMEConfig struct {
	Enable          bool   `mapstructure:"enable"`
	Email           string `mapstructure:"email"`
	CacheDir        string `mapstructure:"cache_dir"`
	CA              string `mapstructure:"ca"`
	Challenge       string `mapstructure:"challenge"`
	DNSProvider     string `mapstructure:"dns_provider"`
	CloudflareToken string `mapstructure:"cloudflare_token"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	CDPMessages bool   `mapstructure:"cdp_messages"`
}

type ServerConfig struct {
	Public        string        `mapstructure:"public"`
	Hostname      string        `mapstructure:"hostname"`
	Secure        bool          `mapstructure:"secure"`
	ProxyProtocol bool          `mapstructure:"proxy_protocol"`
	DomainBase    string        `mapstructure:"domain_base"`
	Session       SessionConfig `mapstructure:"session"`
	TLS           TLSConfig     `mapstructure:"tls"`
	ACME          ACMEConfig    `mapstructure:"acme"`
	Log           LogConfig     `mapstructure:"log"`
}

const (
	DefaultPublic          = ":9222"
	DefaultReconnectGrace  = 5 * time.Second
	DefaultKeepAlive       = 30 * time.Second
	DefaultResponseTimeout = 20 * time.Second

	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"
)

// Complete fills unset fields with defaults.
func (c *ServerConfig) Complete() {
	if c.Public == "" {
		c.Public = DefaultPublic
	}
	if c.Hostname == "" {
		c.Hostname = hostnameFor(c.Public)
	}
	if c.Session.ReconnectGrace <= 0 {
		c.Session.ReconnectGrace = DefaultReconnectGrace
	}
	if c.Session.KeepAlive <= 0 {
		c.Session.KeepAlive = DefaultKeepAlive
	}
	if c.Session.ResponseTimeout <= 0 {
		c.Session.ResponseTimeout = DefaultResponseTimeout
	}
	if c.ACME.Enable {
		if c.ACME.Challenge == "" {
			c.ACME.Challenge = ChallengeHTTP01
		}
		if c.ACME.CacheDir == "" {
			c.ACME.CacheDir = "cert-cache"
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// hostnameFor turns a listen address into an advertised host:port.
func hostnameFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, port)
}

// TargetConfig drives the built-in target client.
type TargetConfig struct {
	Server      string   `mapstructure:"server"`
	CAFile      string   `mapstructure:"ca_file"`
	UUID        string   `mapstructure:"uuid"`
	URL         string   `mapstructure:"url"`
	Title       string   `mapstructure:"title"`
	Description string   `mapstructure:"description"`
	DeviceID    string   `mapstructure:"device_id"`
	FrameID     string   `mapstructure:"frame_id"`
	Domains     []string `mapstructure:"domains"`
	// Backoff is the pause before reconnecting to the relay.
	Backoff time.Duration `mapstructure:"backoff"`
}
