package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DragonSecurity/cdprelay/internal/server"
	v1 "github.com/DragonSecurity/cdprelay/pkg/config/v1"
	"github.com/DragonSecurity/cdprelay/pkg/config/v1/validation"
	"github.com/DragonSecurity/cdprelay/pkg/util"
)

func init() {
	f := serverCmd.Flags()
	f.String("public", v1.DefaultPublic, "public address")
	f.String("hostname", "", "host:port advertised in discovery urls (default derived from --public)")
	f.Bool("secure", false, "advertise wss:// debugger urls")
	f.Bool("proxy-protocol", false, "accept PROXY protocol headers from a load balancer")
	f.String("domain-base", "", "base domain certificates may be issued for")
	f.Duration("reconnect-grace", v1.DefaultReconnectGrace, "how long a page waits for its target to reconnect")
	f.Duration("keep-alive", v1.DefaultKeepAlive, "interval of keep-alive events to attached clients")
	f.Duration("response-timeout", v1.DefaultResponseTimeout, "how long to wait for target answers")
	f.Int("max-tracked-requests", 0, "requests kept per page, 0 keeps all")
	f.String("tls-cert", "", "TLS certificate file")
	f.String("tls-key", "", "TLS key file")
	f.Bool("tls-self-signed", false, "serve TLS with a self-signed certificate")
	f.Bool("acme", false, "enable Let's Encrypt")
	f.String("acme-email", "", "ACME email")
	f.String("acme-cache", "cert-cache", "ACME cache dir")
	f.String("acme-ca", "", "ACME directory (production|staging)")
	f.String("acme-challenge", v1.ChallengeHTTP01, "ACME challenge (http-01|dns-01)")
	f.String("acme-dns-provider", "cloudflare", "DNS provider for dns-01")
	f.String("acme-cloudflare-token", "", "Cloudflare API token for dns-01")
	f.Bool("log-cdp-messages", false, "log every CDP frame at debug level")

	_ = viper.BindPFlag("public", f.Lookup("public"))
	_ = viper.BindPFlag("hostname", f.Lookup("hostname"))
	_ = viper.BindPFlag("secure", f.Lookup("secure"))
	_ = viper.BindPFlag("proxy_protocol", f.Lookup("proxy-protocol"))
	_ = viper.BindPFlag("domain_base", f.Lookup("domain-base"))
	_ = viper.BindPFlag("session.reconnect_grace", f.Lookup("reconnect-grace"))
	_ = viper.BindPFlag("session.keep_alive", f.Lookup("keep-alive"))
	_ = viper.BindPFlag("session.response_timeout", f.Lookup("response-timeout"))
	_ = viper.BindPFlag("session.max_tracked_requests", f.Lookup("max-tracked-requests"))
	_ = viper.BindPFlag("tls.cert_file", f.Lookup("tls-cert"))
	_ = viper.BindPFlag("tls.key_file", f.Lookup("tls-key"))
	_ = viper.BindPFlag("tls.self_signed", f.Lookup("tls-self-signed"))
	_ = viper.BindPFlag("acme.enable", f.Lookup("acme"))
	_ = viper.BindPFlag("acme.email", f.Lookup("acme-email"))
	_ = viper.BindPFlag("acme.cache_dir", f.Lookup("acme-cache"))
	_ = viper.BindPFlag("acme.ca", f.Lookup("acme-ca"))
	_ = viper.BindPFlag("acme.challenge", f.Lookup("acme-challenge"))
	_ = viper.BindPFlag("acme.dns_provider", f.Lookup("acme-dns-provider"))
	_ = viper.BindPFlag("acme.cloudflare_token", f.Lookup("acme-cloudflare-token"))
	_ = viper.BindPFlag("log.cdp_messages", f.Lookup("log-cdp-messages"))

	rootCmd.AddCommand(serverCmd)
}

func serverConfig() v1.ServerConfig {
	cfg := v1.ServerConfig{
		Public:        viper.GetString("public"),
		Hostname:      viper.GetString("hostname"),
		Secure:        viper.GetBool("secure"),
		ProxyProtocol: viper.GetBool("proxy_protocol"),
		DomainBase:    viper.GetString("domain_base"),
		Session: v1.SessionConfig{
			ReconnectGrace:     viper.GetDuration("session.reconnect_grace"),
			KeepAlive:          viper.GetDuration("session.keep_alive"),
			ResponseTimeout:    viper.GetDuration("session.response_timeout"),
			MaxTrackedRequests: viper.GetInt("session.max_tracked_requests"),
		},
		TLS: v1.TLSConfig{
			CertFile:   viper.GetString("tls.cert_file"),
			KeyFile:    viper.GetString("tls.key_file"),
			SelfSigned: viper.GetBool("tls.self_signed"),
		},
		ACME: v1.ACMEConfig{
			Enable:          viper.GetBool("acme.enable"),
			Email:           viper.GetString("acme.email"),
			CacheDir:        viper.GetString("acme.cache_dir"),
			CA:              viper.GetString("acme.ca"),
			Challenge:       viper.GetString("acme.challenge"),
			DNSProvider:     viper.GetString("acme.dns_provider"),
			CloudflareToken: viper.GetString("acme.cloudflare_token"),
		},
		Log: v1.LogConfig{
			Level:       viper.GetString("log.level"),
			File:        viper.GetString("log.file"),
			MaxSizeMB:   viper.GetInt("log.max_size_mb"),
			MaxBackups:  viper.GetInt("log.max_backups"),
			CDPMessages: viper.GetBool("log.cdp_messages"),
		},
	}
	if cfg.ACME.Enable && (cfg.Public == v1.DefaultPublic || cfg.Public == "") {
		cfg.Public = ":443"
	}
	cfg.Complete()
	return cfg
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "run the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := util.NewLogger("server")
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cfg := serverConfig()
		warnings, err := validation.ValidateServerConfig(&cfg)
		if warnings != nil {
			log.Warnf("config: %v", warnings)
		}
		if err != nil {
			return err
		}
		return server.Run(ctx, cfg, Version, log)
	},
}
