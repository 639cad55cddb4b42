package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"interceptor/internal/certificate"
	"interceptor/internal/config"
	"interceptor/internal/logger"
	"interceptor/internal/pipeline"
	"interceptor/internal/proxy"
	"interceptor/internal/rules"
	"interceptor/internal/session"
	"interceptor/internal/storage"
	"interceptor/internal/throttle"
	"interceptor/internal/trust"
)

// App wires the proxy core together and owns its lifecycle.
type App struct {
	cfg      *config.Config
	logger   *logger.Logger
	keys     *certificate.KeyStore
	engine   *rules.Engine
	sessions *session.Manager
	pipeline *pipeline.Pipeline
	store    *storage.Store
	throttle *throttle.Limiter
	proxy    *proxy.Server
	trust    trust.Installer
}

// NewApp builds every component from cfg without touching the network or
// the certificate directory.
func NewApp(cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   log,
		sessions: session.NewManager(),
		trust:    trust.SystemInstaller{},
	}

	a.keys = certificate.NewKeyStore(certificate.Options{
		Dir:           cfg.CertDir,
		PersistLeaves: true,
		Logger:        log,
	})

	var rule rules.Rule = rules.NewDefaultRule(cfg.InterceptHTTPS)
	if cfg.Rules != "" {
		configured, err := rules.LoadFile(cfg.Rules, log)
		if err != nil {
			return nil, err
		}
		rule = configured
	}
	a.engine = rules.NewEngine(rule, log)

	var recorder pipeline.Recorder
	if cfg.DBFile != "" {
		store, err := storage.Open(cfg.DBFile, log)
		if err != nil {
			return nil, err
		}
		a.store = store
		recorder = store
	}

	a.throttle = throttle.New(cfg.Throttle)
	a.pipeline = pipeline.New(pipeline.Options{
		Logger:                log,
		Recorder:              recorder,
		Throttle:              a.throttle,
		DialTimeout:           cfg.Upstream.DialTimeout,
		TLSHandshakeTimeout:   cfg.Upstream.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.Upstream.ResponseHeaderTimeout,
		BodyIdleTimeout:       cfg.Upstream.BodyIdleTimeout,
		IdleConnTimeout:       cfg.Upstream.IdleConnTimeout,
		ClientIdleTimeout:     cfg.Client.IdleTimeout,
		InsecureSkipVerify:    cfg.Upstream.InsecureSkipVerify,
	})

	a.proxy = proxy.New(proxy.Options{
		Type:             cfg.Type,
		Addr:             cfg.Addr(),
		Hostname:         cfg.Hostname,
		KeyStore:         a.keys,
		Engine:           a.engine,
		Pipeline:         a.pipeline,
		Sessions:         a.sessions,
		Logger:           log,
		Throttle:         a.throttle,
		DialTimeout:      cfg.Upstream.DialTimeout,
		HandshakeTimeout: cfg.Client.HandshakeTimeout,
	})
	return a, nil
}

// interceptionEnabled reports whether anything in the configuration can
// need a root CA.
func (a *App) interceptionEnabled() bool {
	return a.cfg.InterceptHTTPS || a.cfg.Rules != "" || a.cfg.Type == config.TypeHTTPS
}

// Start runs the startup steps in order: root CA, trust, bind and serve.
// The first fatal step stops the sequence.
func (a *App) Start(ctx context.Context) error {
	root, err := a.ensureRootCA()
	if err != nil {
		return err
	}
	if root != nil {
		a.ensureTrust(ctx, root)
	}
	if err := a.proxy.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("interceptor started",
		"addr", a.proxy.Addr().String(),
		"type", a.cfg.Type,
		"intercept_https", a.cfg.InterceptHTTPS,
		"rule", a.engine.Current().Name(),
	)
	if a.throttle != nil {
		a.logger.Info("throttle enabled", "kbps", a.throttle.BytesPerSecond()/1024)
	}
	return nil
}

func (a *App) ensureRootCA() (*certificate.RootCA, error) {
	var (
		root *certificate.RootCA
		err  error
	)
	if a.cfg.GenerateRootCA {
		root, err = a.keys.EnsureRootCA()
	} else {
		root, err = a.keys.LoadRootCA()
	}
	switch {
	case err == nil:
		a.logger.Info("root CA ready", "path", root.CertPath, "fingerprint", root.Fingerprint)
		return root, nil
	case errors.Is(err, certificate.ErrRootCAUnavailable) && !a.interceptionEnabled():
		a.logger.Info("no root CA, HTTPS will be relayed", "dir", a.keys.Dir())
		return nil, nil
	case a.interceptionEnabled():
		return nil, fmt.Errorf("root CA: %w", err)
	}
	a.logger.Warn("root CA unavailable, HTTPS will be relayed", "error", err.Error())
	return nil, nil
}

// ensureTrust never fails startup; the proxy still works for clients that
// install the root by hand.
func (a *App) ensureTrust(ctx context.Context, root *certificate.RootCA) {
	tm := trust.NewManager(root, a.trust, a.logger)
	if tm.IsRootCATrusted(ctx) {
		a.logger.Info("root CA is trusted by the system")
		return
	}
	if a.cfg.AutoTrust {
		if err := tm.TrustRootCA(ctx); err != nil {
			a.logger.Warn("could not trust root CA automatically", "error", err.Error())
		} else {
			a.logger.Info("root CA installed into the system trust store")
			return
		}
	}
	a.logger.Info("root CA is not trusted; install it manually",
		"path", root.CertPath,
		"download", "http://"+proxy.CAHost+"/",
	)
	a.logger.LogMessage("info", tm.ManualInstructions(), "Trust")
}

// Run starts the app and blocks until ctx is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	defer a.cleanup()
	if err := a.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
		return nil
	case err := <-a.proxy.Done():
		return err
	}
}

func (a *App) cleanup() {
	// Stop the proxy first so nothing new is recorded.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.proxy.Shutdown(ctx); err != nil {
		a.logger.Warn("error stopping proxy server", "error", err.Error())
	}
	a.pipeline.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("error closing database", "error", err.Error())
		}
	}
}
