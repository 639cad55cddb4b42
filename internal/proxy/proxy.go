// Package proxy is the listening front door: it accepts client connections,
// gives each one a session and routes CONNECT tunnels, absolute-URI requests
// and requests for the proxy itself.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"interceptor/internal/certificate"
	"interceptor/internal/logger"
	"interceptor/internal/pipeline"
	"interceptor/internal/rules"
	"interceptor/internal/session"
	"interceptor/internal/throttle"
	"interceptor/internal/tunnel"

	"github.com/elazarl/goproxy"
)

// CAHost is the magic host that serves the root CA through the proxy.
const CAHost = "interceptor.ca"

// Options configures a Server.
type Options struct {
	// Type is session.TypeHTTP or session.TypeHTTPS. An https proxy is itself
	// served over TLS with a leaf for Hostname.
	Type     string
	Addr     string
	Hostname string

	KeyStore *certificate.KeyStore
	Engine   *rules.Engine
	Pipeline *pipeline.Pipeline
	Sessions *session.Manager
	Logger   *logger.Logger
	// Throttle caps relayed tunnels. Decrypted traffic is capped by the
	// pipeline.
	Throttle *throttle.Limiter

	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	ReadHeaderTimeout time.Duration
}

// Server wraps a goproxy ProxyHttpServer and its http.Server.
type Server struct {
	opts       Options
	log        *logger.Logger
	proxy      *goproxy.ProxyHttpServer
	dispatcher *tunnel.Dispatcher
	sessions   *session.Manager

	// conns maps accepted connections to their session ID until the
	// connection closes or is hijacked by a tunnel.
	conns sync.Map

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	errc   chan error
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server. Nothing is bound until Start.
func New(opts Options) *Server {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	if opts.Type == "" {
		opts.Type = session.TypeHTTP
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.Engine == nil {
		opts.Engine = rules.NewEngine(nil, l)
	}
	if opts.Pipeline == nil {
		opts.Pipeline = pipeline.New(pipeline.Options{Logger: l})
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager()
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = 30 * time.Second
	}

	s := &Server{
		opts:     opts,
		log:      l.With("ProxyServer"),
		sessions: opts.Sessions,
	}
	s.dispatcher = tunnel.New(tunnel.Options{
		KeyStore:         opts.KeyStore,
		Pipeline:         opts.Pipeline,
		Logger:           l,
		DialTimeout:      opts.DialTimeout,
		HandshakeTimeout: opts.HandshakeTimeout,
		Throttle:         opts.Throttle,
		OnClose:          func(sess *session.Session) { s.sessions.Delete(sess.ID) },
	})
	s.proxy = s.setupProxy()
	return s
}

func (s *Server) setupProxy() *goproxy.ProxyHttpServer {
	p := goproxy.NewProxyHttpServer()
	p.Logger = s.log
	p.Verbose = false
	p.NonproxyHandler = http.HandlerFunc(s.serveNonProxy)

	// Handler for the CA host, ahead of the general request handler.
	p.OnRequest(goproxy.DstHostIs(CAHost)).DoFunc(
		func(req *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
			return req, s.caResponse(req)
		})

	hijack := s.dispatcher.Hijacker(s.detachedSession)
	p.OnRequest().HandleConnectFunc(func(host string, _ *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		return &goproxy.ConnectAction{Action: goproxy.ConnectHijack, Hijack: hijack}, host
	})

	p.OnRequest().DoFunc(s.handleRequest)
	return p
}

// handleRequest forwards an absolute-URI request through the pipeline.
func (s *Server) handleRequest(req *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	sess, ok := session.FromContext(req.Context())
	if !ok {
		sess = s.detachedSession(req)
	}
	scheme := req.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	target := req.URL.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		port := "80"
		if scheme == "https" {
			port = "443"
		}
		target = net.JoinHostPort(strings.Trim(target, "[]"), port)
	}
	sess.SetTarget(target)
	return req, s.opts.Pipeline.Exchange(req.Context(), sess, req, scheme, target)
}

// detachedSession serves requests that arrive without a connection session,
// such as when the handler is mounted on a foreign server.
func (s *Server) detachedSession(req *http.Request) *session.Session {
	return session.New(req.RemoteAddr, s.opts.Type, s.opts.Engine.Current())
}

func (s *Server) connContext(ctx context.Context, c net.Conn) context.Context {
	sess := s.sessions.Create(c.RemoteAddr().String(), s.opts.Type, s.opts.Engine.Current())
	s.conns.Store(c, sess.ID)
	s.log.Debug("session opened", "session", sess.ID, "client", sess.ClientAddr, "rule", sess.Rule.Name())
	return session.NewContext(ctx, sess)
}

func (s *Server) connState(c net.Conn, state http.ConnState) {
	switch state {
	case http.StateHijacked:
		// The tunnel owns the session from here on.
		s.conns.Delete(c)
	case http.StateClosed:
		v, ok := s.conns.LoadAndDelete(c)
		if !ok {
			return
		}
		id := v.(string)
		if sess, ok := s.sessions.Get(id); ok {
			s.log.Debug("session closed", "session", id, "target", sess.Target(), "duration", time.Since(sess.StartTime).String())
		}
		s.sessions.Delete(id)
	}
}

// Start binds the listener and serves in the background. Bind failures are
// returned; later serve errors arrive on Done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("proxy server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	if s.opts.Type == session.TypeHTTPS {
		if s.opts.KeyStore == nil {
			ln.Close()
			return errors.New("https proxy type needs a key store")
		}
		cfg, err := s.opts.KeyStore.TLSConfigForHost(s.opts.Hostname)
		if err != nil {
			ln.Close()
			return fmt.Errorf("tls listener for %s: %w", s.opts.Hostname, err)
		}
		ln = tls.NewListener(ln, cfg)
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.ln = ln
	s.errc = make(chan error, 1)
	s.srv = &http.Server{
		Handler:           s.proxy,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
		ConnContext:       s.connContext,
		ConnState:         s.connState,
	}

	srv, errc := s.srv, s.errc
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			s.log.Error("proxy server stopped", "error", err.Error())
		}
		errc <- err
		close(errc)
	}()

	s.log.Info("proxy listening", "addr", ln.Addr().String(), "type", s.opts.Type)
	return nil
}

// Addr is the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Done yields the serve error (nil after a clean shutdown) once the server
// stops.
func (s *Server) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errc
}

// Shutdown stops accepting, waits for in-flight plain requests and then
// cancels every tunnel.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.srv, s.cancel
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	cancel()
	if err != nil {
		srv.Close()
		return fmt.Errorf("proxy shutdown: %w", err)
	}
	for _, sess := range s.sessions.List() {
		s.log.Debug("session still open at shutdown", "session", sess.ID, "client", sess.ClientAddr, "target", sess.Target())
	}
	s.log.Info("proxy stopped", "sessions_left", s.sessions.Len())
	return nil
}

// serveNonProxy answers requests addressed to the proxy itself.
func (s *Server) serveNonProxy(w http.ResponseWriter, r *http.Request) {
	resp := s.caResponse(r)
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		w.Header()[k] = vs
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		io.Copy(w, resp.Body)
	}
}

// caResponse serves the download page and the root certificate.
func (s *Server) caResponse(req *http.Request) *http.Response {
	if s.opts.KeyStore == nil {
		return s.opts.Pipeline.ErrorResponse(req, http.StatusServiceUnavailable, "HTTPS interception is not configured.")
	}
	root, err := s.opts.KeyStore.LoadRootCA()
	if err != nil {
		return s.opts.Pipeline.ErrorResponse(req, http.StatusServiceUnavailable, "The root CA has not been generated yet.")
	}

	switch req.URL.Path {
	case "", "/":
		page := fmt.Sprintf(caDownloadPage, root.Fingerprint, root.NotAfter().Format(time.DateOnly))
		h := http.Header{"Content-Type": {goproxy.ContentTypeHtml}}
		return rules.LocalResponse(req, http.StatusOK, h, []byte(page))
	case "/rootCA.crt", "/rootCA.pem", "/rootCA.cer":
		name := req.URL.Path[1:]
		h := http.Header{
			"Content-Type":        {"application/x-x509-ca-cert"},
			"Content-Disposition": {fmt.Sprintf("attachment; filename=%q", name)},
		}
		return rules.LocalResponse(req, http.StatusOK, h, root.CertPEM)
	}
	return s.opts.Pipeline.ErrorResponse(req, http.StatusNotFound, "Not Found")
}
