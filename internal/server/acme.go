package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/caddyserver/certmagic"
	cloudflaredns "github.com/libdns/cloudflare"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/DragonSecurity/cdprelay/pkg/transport"
)

// allowedHost is the certificate policy: the advertised host, and the domain
// base with its subdomains when one is configured.
func (s *Server) allowedHost(host string) error {
	h := strings.ToLower(hostOnly(host))
	if sameHost(h, s.cfg.Hostname) {
		return nil
	}
	if base := strings.ToLower(s.cfg.DomainBase); base != "" {
		if h == base || strings.HasSuffix(h, "."+base) {
			return nil
		}
	}
	return fmt.Errorf("host not allowed by policy: %s", h)
}

func (s *Server) runWithACME(ctx context.Context, h http.Handler) error {
	mgr := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: func(_ context.Context, host string) error { return s.allowedHost(host) },
		Email:      s.cfg.ACME.Email,
		Cache:      autocert.DirCache(s.cfg.ACME.CacheDir),
	}
	if s.cfg.ACME.CA != "" {
		mgr.Client = &acme.Client{DirectoryURL: acmeCAURL(s.cfg.ACME.CA)}
	}

	// HTTP server on :80 for challenges + redirect to HTTPS.
	httpSrv := s.httpServer(":80", mgr.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		to := "https://" + hostOnly(r.Host) + r.URL.RequestURI()
		http.Redirect(w, r, to, http.StatusMovedPermanently)
	})))

	// handshakes without SNI get a throwaway certificate
	fallback, err := transport.NewServerTLSConfig("", "", "")
	if err != nil {
		s.log.Errorf("self-signed cert generation failed: %v", err)
	}
	getCert := func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		if hello == nil || hello.ServerName == "" {
			if fallback != nil {
				return &fallback.Certificates[0], nil
			}
			return nil, errors.New("missing SNI (ServerName)")
		}
		return mgr.GetCertificate(hello)
	}

	httpsSrv := s.httpServer(s.cfg.Public, h)
	httpsSrv.TLSConfig = &tls.Config{
		GetCertificate: getCert,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1", acme.ALPNProto},
	}

	s.log.Infof("ACME http-01 enabled: serving HTTP on :80 (redirect+challenges), HTTPS on %s", s.cfg.Public)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.serveAndWait(gctx, httpSrv) })
	g.Go(func() error { return s.serveAndWait(gctx, httpsSrv) })
	return g.Wait()
}

func (s *Server) runWithCertMagic(ctx context.Context, h http.Handler) error {
	tlsConf, err := s.makeCertMagic()
	if err != nil {
		return err
	}
	srv := s.httpServer(s.cfg.Public, h)
	srv.TLSConfig = tlsConf
	s.log.Infof("ACME dns-01 enabled via %s: HTTPS on %s", s.cfg.ACME.DNSProvider, s.cfg.Public)
	return s.serveAndWait(ctx, srv)
}

func acmeCAURL(which string) string {
	switch strings.ToLower(which) {
	case "staging":
		return certmagic.LetsEncryptStagingCA
	case "", "production":
		return certmagic.LetsEncryptProductionCA
	default:
		return which
	}
}

func (s *Server) makeCertMagic() (*tls.Config, error) {
	cfg := s.cfg.ACME
	if cfg.Email == "" {
		return nil, errors.New("acme.email is required for dns-01")
	}

	cache := certmagic.NewCache(certmagic.CacheOptions{})
	magic := certmagic.New(cache, certmagic.Config{
		Storage: &certmagic.FileStorage{Path: cfg.CacheDir},
		OnDemand: &certmagic.OnDemandConfig{
			DecisionFunc: func(_ context.Context, name string) error { return s.allowedHost(name) },
		},
	})

	issuer := &certmagic.ACMEIssuer{
		CA:                      acmeCAURL(cfg.CA),
		Email:                   cfg.Email,
		Agreed:                  true,
		DisableHTTPChallenge:    true,
		DisableTLSALPNChallenge: true,
	}

	switch strings.ToLower(cfg.DNSProvider) {
	case "cloudflare":
		token := strings.TrimSpace(cfg.CloudflareToken)
		if token == "" {
			token = os.Getenv("CLOUDFLARE_API_TOKEN")
		}
		if token == "" {
			return nil, errors.New("cloudflare token is empty (set acme.cloudflare_token or CLOUDFLARE_API_TOKEN)")
		}
		issuer.DNS01Solver = &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider: &cloudflaredns.Provider{APIToken: token},
			},
		}
	default:
		return nil, fmt.Errorf("unsupported acme.dns_provider %q", cfg.DNSProvider)
	}

	magic.Issuers = []certmagic.Issuer{issuer}

	tlsConf := magic.TLSConfig()
	tlsConf.MinVersion = tls.VersionTLS12
	tlsConf.NextProtos = []string{"h2", "http/1.1", acme.ALPNProto}
	return tlsConf, nil
}

func hostOnly(hostport string) string {
	h := hostport
	if i := strings.LastIndex(hostport, ":"); i >= 0 && !strings.Contains(hostport[i:], "]") {
		h = hostport[:i]
	}
	return strings.Trim(h, "[]")
}

func sameHost(a, b string) bool {
	return strings.EqualFold(hostOnly(a), hostOnly(b))
}
