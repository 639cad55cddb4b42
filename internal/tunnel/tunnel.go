// Package tunnel handles CONNECT requests: each tunnel is either relayed
// byte for byte or terminated locally with a leaf certificate and handed to
// the request pipeline.
package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"interceptor/internal/certificate"
	"interceptor/internal/logger"
	"interceptor/internal/pipeline"
	"interceptor/internal/rules"
	"interceptor/internal/session"
	"interceptor/internal/throttle"

	"github.com/elazarl/goproxy"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// HandshakeError is a failed TLS handshake with the client, usually because
// it does not trust the root CA.
type HandshakeError struct {
	Host string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("tls handshake with client for %s: %v", e.Host, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ErrInvalidTransition is returned when a tunnel is driven out of order.
var ErrInvalidTransition = errors.New("invalid tunnel state transition")

// Options configures a Dispatcher.
type Options struct {
	KeyStore         *certificate.KeyStore
	Pipeline         *pipeline.Pipeline
	Logger           *logger.Logger
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	// Throttle caps relayed bytes in both directions.
	Throttle *throttle.Limiter
	// OnClose runs when a tunnel finishes, whatever its mode.
	OnClose func(*session.Session)
}

// Dispatcher decides and runs CONNECT tunnels.
type Dispatcher struct {
	keys             *certificate.KeyStore
	pipeline         *pipeline.Pipeline
	log              *logger.Logger
	dialer           *net.Dialer
	handshakeTimeout time.Duration
	throttle         *throttle.Limiter
	onClose          func(*session.Session)
}

// New creates a Dispatcher with ten second dial and handshake timeouts
// unless opts sets them.
func New(opts Options) *Dispatcher {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	hs := opts.HandshakeTimeout
	if hs <= 0 {
		hs = 10 * time.Second
	}
	return &Dispatcher{
		keys:             opts.KeyStore,
		pipeline:         opts.Pipeline,
		log:              l.With("TunnelDispatcher"),
		dialer:           &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second},
		handshakeTimeout: hs,
		throttle:         opts.Throttle,
		onClose:          opts.OnClose,
	}
}

// Tunnel is the state of one CONNECT request.
type Tunnel struct {
	Session *session.Session
	Target  string
	Host    string

	mu    sync.Mutex
	state State
	mode  Mode
	log   *logger.Logger
}

func newTunnel(sess *session.Session, target string, log *logger.Logger) *Tunnel {
	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	return &Tunnel{Session: sess, Target: target, Host: host, state: StateReceived, log: log}
}

// State is the current state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tunnel) transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !canTransition(t.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, to)
	}
	t.log.Debug("tunnel state", "session", t.Session.ID, "target", t.Target, "from", t.state.String(), "to", to.String())
	t.state = to
	return nil
}

// Decide picks relay or intercept for host using the rule captured by the
// session. Interception needs a root CA; without one every tunnel is relayed.
func (d *Dispatcher) Decide(sess *session.Session, host string) Mode {
	if !rules.ShouldIntercept(sess.Rule, host) {
		return ModeRelay
	}
	if d.keys == nil || d.pipeline == nil {
		d.log.Warn("interception requested but not available, relaying", "host", host)
		return ModeRelay
	}
	if _, err := d.keys.LoadRootCA(); err != nil {
		d.log.Warn("no root CA, relaying", "host", host, "error", err.Error())
		return ModeRelay
	}
	return ModeIntercept
}

// Serve answers the CONNECT on client and runs the tunnel to completion.
// client is closed on return.
func (d *Dispatcher) Serve(ctx context.Context, client net.Conn, sess *session.Session, target string) error {
	t := newTunnel(sess, target, d.log)
	sess.SetTarget(target)
	defer func() {
		client.Close()
		if t.State() != StateClosed {
			_ = t.transition(StateClosed)
		}
		if d.onClose != nil {
			d.onClose(sess)
		}
	}()

	t.mode = d.Decide(sess, t.Host)
	if err := t.transition(StateDecided); err != nil {
		return err
	}
	d.log.Debug("tunnel decided", "session", sess.ID, "target", target, "mode", t.mode.String())

	if _, err := io.WriteString(client, connectEstablished); err != nil {
		return fmt.Errorf("write connect response: %w", err)
	}

	if t.mode == ModeIntercept {
		return d.intercept(ctx, t, client)
	}
	return d.relay(ctx, t, client)
}

func (d *Dispatcher) relay(ctx context.Context, t *Tunnel, client net.Conn) error {
	t.Session.MarkRelayed()
	upstream, err := d.dialer.DialContext(ctx, "tcp", t.Target)
	if err != nil {
		d.log.Warn("tunnel establishment failed", "session", t.Session.ID, "target", t.Target, "error", err.Error())
		return fmt.Errorf("dial %s: %w", t.Target, err)
	}
	defer upstream.Close()
	if err := t.transition(StatePiped); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		client.Close()
		upstream.Close()
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.pipe(ctx, upstream, client)
	}()
	go func() {
		defer wg.Done()
		d.pipe(ctx, client, upstream)
	}()
	wg.Wait()
	return nil
}

// pipe copies src to dst and half-closes dst when src is exhausted.
func (d *Dispatcher) pipe(ctx context.Context, dst, src net.Conn) {
	_, _ = io.Copy(d.throttle.Writer(ctx, dst), src)
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	} else {
		dst.Close()
	}
}

func (d *Dispatcher) intercept(ctx context.Context, t *Tunnel, client net.Conn) error {
	t.Session.MarkIntercepted()
	if err := t.transition(StateHandshaking); err != nil {
		return err
	}

	cfg, err := d.keys.TLSConfigForHost(t.Host)
	if err != nil {
		d.log.Error("cannot issue leaf certificate", "session", t.Session.ID, "host", t.Host, "error", err.Error())
		return err
	}

	tlsConn := tls.Server(client, cfg)
	hsCtx, cancel := context.WithTimeout(ctx, d.handshakeTimeout)
	err = tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		herr := &HandshakeError{Host: t.Host, Err: err}
		d.log.Warn("client handshake failed", "session", t.Session.ID, "host", t.Host, "error", err.Error())
		return herr
	}
	if err := t.transition(StateDecrypted); err != nil {
		return err
	}

	err = d.pipeline.ServeConn(ctx, tlsConn, t.Session, "https", t.Target)
	if err != nil {
		d.log.Warn("intercepted session ended with error", "session", t.Session.ID, "host", t.Host, "error", err.Error())
	}
	return err
}

// Hijacker adapts the dispatcher to goproxy's ConnectHijack action. The
// session is taken from the CONNECT request's context.
func (d *Dispatcher) Hijacker(fallback func(*http.Request) *session.Session) func(*http.Request, net.Conn, *goproxy.ProxyCtx) {
	return func(req *http.Request, client net.Conn, _ *goproxy.ProxyCtx) {
		sess, ok := session.FromContext(req.Context())
		if !ok {
			sess = fallback(req)
		}
		target := req.URL.Host
		if target == "" {
			target = req.Host
		}
		if _, _, err := net.SplitHostPort(target); err != nil {
			target = net.JoinHostPort(target, "443")
		}
		_ = d.Serve(req.Context(), client, sess, target)
	}
}
