// Package server runs the public API server and the admin server. The API
// server carries the gateway over HTTP/1.1, h2c, TLS with HTTP/2, and
// optionally HTTP/3. The admin server exposes health probes and Prometheus
// metrics.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aiprompter/aiprompter/internal/analytics"
	"github.com/aiprompter/aiprompter/internal/completion"
	"github.com/aiprompter/aiprompter/internal/config"
	"github.com/aiprompter/aiprompter/internal/gateway"
	"github.com/aiprompter/aiprompter/internal/middleware"
	"github.com/aiprompter/aiprompter/internal/observability"
	"github.com/aiprompter/aiprompter/internal/ratelimit"
	"github.com/aiprompter/aiprompter/internal/redis"
	"github.com/aiprompter/aiprompter/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// Server owns both listeners and every long-lived component behind them.
type Server struct {
	logger  *slog.Logger
	version string

	mu  sync.Mutex
	cfg *config.Config

	mainServer  *http.Server
	http3Server *http3.Server // nil when HTTP/3 is disabled
	adminServer *http.Server

	store   store.Store
	gateway *gateway.Gateway
	tracker *analytics.Tracker
	health  *observability.HealthChecker
	metrics *observability.Metrics

	certs       *certHolder // non-nil when TLS is enabled
	certWatcher *config.CertWatcher

	tracingShutdown func(context.Context) error
	mainAddr        atomic.Pointer[string]
}

// New wires the store, limiter, completion client, analytics tracker, and
// gateway from cfg. It does not contact the counter store: an unreachable
// store degrades requests by the failure policy instead of blocking startup.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	redis.InitLogger(logger)

	if ratelimit.InsecureSecret(cfg.RateLimit.Secret.Value()) {
		logger.Warn("SECURITY WARNING: rate_limit.secret is empty, fingerprints use a well-known key " +
			"and can be forged. Set AIPROMPTER_RATE_LIMIT_SECRET or RATE_LIMIT_SECRET.")
	}
	if cfg.Upstream.APIKey == "" {
		logger.Warn("upstream.api_key is empty, enhancement requests will fail until it is set")
	}

	st, err := store.New(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("create counter store: %w", err)
	}
	health.SetStorePinger(st)

	limiter := ratelimit.NewDailyLimiter(st, cfg.RateLimit.DailyLimit, cfg.RateLimit.KeyPrefix, logger)
	enhancer := completion.NewClient(completion.Config{
		BaseURL:     cfg.Upstream.BaseURL,
		APIKey:      cfg.Upstream.APIKey.Value(),
		Model:       cfg.Upstream.Model,
		Temperature: cfg.Upstream.Temperature,
		Timeout:     config.MustParseDuration(cfg.Upstream.Timeout, 60*time.Second),
	})
	tracker := analytics.NewTracker(cfg.Analytics, st, logger, metrics)

	gw := gateway.New(cfg, gateway.Deps{
		Limiter:  limiter,
		Enhancer: enhancer,
		Tracker:  tracker,
		Metrics:  metrics,
		Logger:   logger,
	})
	handler := gw.Router(middleware.NewPipeline(logger, metrics), cfg.CORS.AllowedOrigins)

	s := &Server{
		logger:  logger,
		version: version,
		cfg:     cfg,
		store:   st,
		gateway: gw,
		tracker: tracker,
		health:  health,
		metrics: metrics,
	}
	s.mainServer, s.http3Server = buildMainServer(cfg, handler, logger)
	s.adminServer = buildAdminServer(cfg, health, reg, logger)

	if cfg.Server.TLS.Enabled {
		certs, err := newCertHolder(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		s.certs = certs
		tlsCfg := &tls.Config{
			MinVersion:     tlsMinVersion(cfg),
			GetCertificate: certs.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1"},
		}
		s.mainServer.TLSConfig = tlsCfg
		if s.http3Server != nil {
			h3TLS := tlsCfg.Clone()
			h3TLS.NextProtos = nil
			s.http3Server.TLSConfig = h3TLS
		}
		s.certWatcher = config.NewCertWatcher(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, s.ReloadCerts, logger)
	}

	return s, nil
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 90*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	mainHandler := h2c.NewHandler(handler, &http2.Server{})

	var h3srv *http3.Server
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // 0-RTT requests can be replayed
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if err := h3srv.SetQUICHeaders(w.Header()); err != nil {
					logger.Debug("failed to set Alt-Svc header", "error", err)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/startz", health.StartzHandler())
	mux.Handle("/healthz", health.HealthzHandler())
	mux.Handle("/readyz", health.ReadyzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           mux,
		ReadTimeout:       config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second),
		WriteTimeout:      config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second),
		IdleTimeout:       config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second),
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}

// certHolder swaps the serving certificate atomically.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a certificate pair from disk and swaps it in.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the configured minimum TLS version, TLS 1.2 by default.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Addr returns the bound API listener address once Run has started
// listening, or "".
func (s *Server) Addr() string {
	if p := s.mainAddr.Load(); p != nil {
		return *p
	}
	return ""
}

// Run binds both listeners, serves until ctx is canceled or a listener
// fails, and then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.config().Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	adminLn, err := net.Listen("tcp", s.adminServer.Addr)
	if err != nil {
		return fmt.Errorf("admin server listen: %w", err)
	}
	mainLn, err := net.Listen("tcp", s.mainServer.Addr)
	if err != nil {
		_ = adminLn.Close()
		return fmt.Errorf("api server listen: %w", err)
	}
	addr := mainLn.Addr().String()
	s.mainAddr.Store(&addr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("admin server starting", "address", adminLn.Addr().String())
		return serveErr("admin server", s.adminServer.Serve(adminLn))
	})

	g.Go(func() error {
		cfg := s.config()
		s.logger.Info("api server starting",
			"address", addr,
			"tls", cfg.Server.TLS.Enabled,
			"http3", s.http3Server != nil,
			"store", cfg.Store.Backend,
			"daily_limit", cfg.RateLimit.DailyLimit)
		if s.mainServer.TLSConfig != nil {
			return serveErr("api server", s.mainServer.Serve(tls.NewListener(mainLn, s.mainServer.TLSConfig)))
		}
		return serveErr("api server", s.mainServer.Serve(mainLn))
	})

	if s.http3Server != nil {
		g.Go(func() error {
			s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.http3Server.Addr)
			return serveErr("HTTP/3 server", s.http3Server.ListenAndServe())
		})
	}

	if s.certWatcher != nil {
		g.Go(func() error { return s.certWatcher.Start(gctx) })
	}

	s.health.SetStarted()
	s.health.SetReady()
	s.logger.Info("aiprompter is ready", "version", s.version)

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown signal received, draining...")
		return s.shutdown()
	})

	return g.Wait()
}

func serveErr(name string, err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, quic.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Server) config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Reload applies a new configuration. Settings that need new listeners or
// a new store are logged and left unchanged until restart.
func (s *Server) Reload(newCfg *config.Config) error {
	s.mu.Lock()
	old := s.cfg
	s.mu.Unlock()

	if fields := newCfg.RequiresRestart(old); len(fields) > 0 {
		s.logger.Warn("config changes require a restart and were not applied", "fields", fields)
	}

	s.gateway.Reload(newCfg)
	s.metrics.IncConfigReloads()

	tlsCfg := newCfg.Server.TLS
	if s.certs != nil && tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" &&
		(tlsCfg.CertFile != old.Server.TLS.CertFile || tlsCfg.KeyFile != old.Server.TLS.KeyFile) {
		s.ReloadCerts(tlsCfg.CertFile, tlsCfg.KeyFile)
	}

	s.mu.Lock()
	s.cfg = newCfg
	s.mu.Unlock()
	return nil
}

// ReloadCerts swaps the serving certificate. Failures keep the old one.
func (s *Server) ReloadCerts(certFile, keyFile string) {
	if s.certs == nil {
		return
	}
	if err := s.certs.Reload(certFile, keyFile); err != nil {
		s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		return
	}
	s.logger.Info("TLS certificate reloaded", "cert", certFile)
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.config().Server.DrainTimeout, 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.certWatcher != nil {
		s.certWatcher.Stop()
	}
	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}
	if err := s.mainServer.Shutdown(ctx); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
	}
	if err := s.adminServer.Shutdown(ctx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	// Analytics flushes through the store, so it closes first.
	if err := s.tracker.Close(); err != nil {
		s.logger.Error("analytics close error", "error", err)
	}
	s.gateway.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Error("counter store close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
