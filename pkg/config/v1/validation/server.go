package validation

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	v1 "github.com/DragonSecurity/cdprelay/pkg/config/v1"
)

var (
	SupportedLogLevels     = []string{"trace", "debug", "info", "warn", "error"}
	SupportedChallenges    = []string{v1.ChallengeHTTP01, v1.ChallengeDNS01}
	SupportedDNSProviders  = []string{"cloudflare"}
	SupportedACMEAuthority = []string{"", "production", "staging"}
)

func ValidateServerConfig(c *v1.ServerConfig) (Warning, error) {
	var (
		warnings Warning
		errs     error
	)

	errs = AppendError(errs, ValidateListenAddr(c.Public, "public"))

	if !slices.Contains(SupportedLogLevels, strings.ToLower(c.Log.Level)) {
		errs = AppendError(errs, fmt.Errorf("invalid log.level, optional values are %v", SupportedLogLevels))
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 {
		errs = AppendError(errs, errors.New("log.max_size_mb and log.max_backups must not be negative"))
	}

	if c.Session.MaxTrackedRequests < 0 {
		errs = AppendError(errs, errors.New("session.max_tracked_requests must not be negative"))
	}
	if c.Session.KeepAlive > 0 && c.Session.KeepAlive < c.Session.ReconnectGrace {
		warnings = AppendError(warnings, fmt.Errorf("session.keep_alive (%s) is shorter than session.reconnect_grace (%s)", c.Session.KeepAlive, c.Session.ReconnectGrace))
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = AppendError(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}

	if c.ACME.Enable {
		if c.TLS.CertFile != "" || c.TLS.SelfSigned {
			errs = AppendError(errs, errors.New("acme cannot be combined with tls.cert_file or tls.self_signed"))
		}
		if !lo.Contains(SupportedChallenges, c.ACME.Challenge) {
			errs = AppendError(errs, fmt.Errorf("invalid acme.challenge, optional values are %v", SupportedChallenges))
		}
		if !lo.Contains(SupportedACMEAuthority, strings.ToLower(c.ACME.CA)) {
			errs = AppendError(errs, fmt.Errorf("invalid acme.ca, optional values are %v", SupportedACMEAuthority[1:]))
		}
		if c.DomainBase == "" {
			errs = AppendError(errs, errors.New("acme requires domain_base"))
		}
		if c.ACME.Challenge == v1.ChallengeDNS01 {
			if c.ACME.Email == "" {
				errs = AppendError(errs, errors.New("acme.email is required for dns-01"))
			}
			if !lo.Contains(SupportedDNSProviders, strings.ToLower(c.ACME.DNSProvider)) {
				errs = AppendError(errs, fmt.Errorf("invalid acme.dns_provider, optional values are %v", SupportedDNSProviders))
			}
		}
	}

	if c.Secure && !c.ACME.Enable && c.TLS.CertFile == "" && !c.TLS.SelfSigned {
		warnings = AppendError(warnings, errors.New("secure is set but the relay serves plain HTTP; a TLS terminator is assumed in front"))
	}
	return warnings, errs
}
