package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DragonSecurity/cdprelay/internal/backend"
	"github.com/DragonSecurity/cdprelay/internal/proxy"
	v1 "github.com/DragonSecurity/cdprelay/pkg/config/v1"
	"github.com/DragonSecurity/cdprelay/pkg/proto"
	"github.com/DragonSecurity/cdprelay/pkg/transport"
	"github.com/DragonSecurity/cdprelay/pkg/util"
	utilnet "github.com/DragonSecurity/cdprelay/pkg/util/net"
	"github.com/DragonSecurity/cdprelay/pkg/util/xlog"
)

// Metrics
var (
	metricTargetSockets = prom.NewGauge(prom.GaugeOpts{
		Name: "cdprelay_target_sockets",
		Help: "Number of open target registration channels.",
	})
	metricRegistrations = prom.NewCounterVec(prom.CounterOpts{
		Name: "cdprelay_registrations_total",
		Help: "Total number of registerPage events by result.",
	}, []string{"result"})
)

func init() {
	prom.MustRegister(metricTargetSockets, metricRegistrations)
}

// Server wires the session registry to HTTP.
type Server struct {
	cfg     v1.ServerConfig
	version string
	log     *util.Logger
	backend *backend.Backend
	proxy   *proxy.Proxy
}

func New(cfg v1.ServerConfig, version string, log *util.Logger) *Server {
	cfg.Complete()
	b := backend.New(BackendOptions(cfg), clientUpgrader{}, log)
	return &Server{
		cfg:     cfg,
		version: version,
		log:     log,
		backend: b,
		proxy:   proxy.New(b, log),
	}
}

// BackendOptions maps the session settings of cfg onto the registry.
func BackendOptions(cfg v1.ServerConfig) backend.Options {
	return backend.Options{
		ReconnectGrace:     cfg.Session.ReconnectGrace,
		KeepAlive:          cfg.Session.KeepAlive,
		ResponseTimeout:    cfg.Session.ResponseTimeout,
		MaxTrackedRequests: cfg.Session.MaxTrackedRequests,
		DefaultHostname:    cfg.Hostname,
		LogCDPMessages:     cfg.Log.CDPMessages,
	}
}

func (s *Server) Backend() *backend.Backend { return s.backend }

// Close tears down every page.
func (s *Server) Close() { s.backend.Close() }

func Run(ctx context.Context, cfg v1.ServerConfig, version string, log *util.Logger) error {
	s := New(cfg, version, log)
	defer s.Close()
	h := s.Handler()

	if s.cfg.ACME.Enable {
		if s.cfg.ACME.Challenge == v1.ChallengeDNS01 {
			return s.runWithCertMagic(ctx, h)
		}
		return s.runWithACME(ctx, h)
	}

	srv := s.httpServer(s.cfg.Public, h)
	if s.cfg.TLS.CertFile != "" || s.cfg.TLS.SelfSigned {
		tlsConf, err := transport.NewServerTLSConfig(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile, "", hostOnly(s.cfg.Hostname))
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConf
	}
	return s.serveAndWait(ctx, srv)
}

func (s *Server) httpServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          xlog.StdLogger(xlog.NewErrorWriter(s.log)),
	}
}

// Handler returns the router of the relay.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Health and metrics
	health := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
	r.Get("/healthz", health)
	r.Get("/api/health", health)
	r.Handle("/metrics", promhttp.Handler())

	// Discovery
	r.Get("/", s.index)
	r.Get("/json", s.listPages)
	r.Get("/json/list", s.listPages)
	r.Get("/api/json", s.listPages)
	r.Get("/json/version", s.versionInfo)

	// Registration channel (targets connect here)
	r.Get("/"+backend.ReservedSegment, s.acceptTarget)

	// Client channel
	r.HandleFunc(backend.ClientPathPrefix+"*", s.backend.RouteUpgrade)

	// Inspected traffic
	r.Handle(proxy.Route, s.proxy)
	return r
}

func (s *Server) acceptTarget(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("target ws upgrade: %v", err)
		return
	}
	deviceIP := utilnet.RequestIP(r)
	sock := newTargetSocket(c, s.log)
	metricTargetSockets.Inc()
	s.log.Infof("target connected from %s", deviceIP)

	go func() {
		defer metricTargetSockets.Dec()
		sock.runReader(func(env *proto.Envelope) {
			info, err := decodeRegistration(env)
			if err != nil {
				metricRegistrations.WithLabelValues("invalid").Inc()
				s.log.Warnf("bad registerPage payload from %s: %v", deviceIP, err)
				return
			}
			if _, err := s.backend.RegisterOrReuse(info, sock, deviceIP); err != nil {
				metricRegistrations.WithLabelValues("rejected").Inc()
				s.log.Warnf("registerPage from %s: %v", deviceIP, err)
				return
			}
			metricRegistrations.WithLabelValues("ok").Inc()
		})
		s.log.Infof("target disconnected: %s", deviceIP)
	}()
}

func (s *Server) listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if s.cfg.ProxyProtocol {
		ln = utilnet.WrapProxyProtocol(ln)
	}
	return ln, nil
}

func (s *Server) serveAndWait(ctx context.Context, srv *http.Server) error {
	ln, err := s.listen(srv.Addr)
	if err != nil {
		return err
	}
	if srv.TLSConfig != nil {
		ln = tls.NewListener(ln, srv.TLSConfig)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s (advertised as %s)", ln.Addr(), s.cfg.Hostname)
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.log.Infof("shutting down...")
		_ = srv.Shutdown(context.Background())
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
