// Package pipeline carries HTTP exchanges from a client stream through the
// active rule to the upstream origin and back.
package pipeline

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"interceptor/internal/logger"
	"interceptor/internal/rules"
	"interceptor/internal/session"
	"interceptor/internal/throttle"

	"github.com/elazarl/goproxy"
	"github.com/rs/xid"
)

// Record summarises one completed exchange for a Recorder.
type Record struct {
	ID              string
	SessionID       string
	Method          string
	URL             string
	Host            string
	Scheme          string
	Proto           string
	RequestHeaders  http.Header
	RequestSize     int64
	Status          int
	ResponseHeaders http.Header
	ResponseSize    int64
	Local           bool
	Modified        bool
	Error           string
	Start           time.Time
	Duration        time.Duration
}

// Recorder receives a Record for every completed exchange.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Options configures a Pipeline.
type Options struct {
	Logger   *logger.Logger
	Recorder Recorder
	Throttle *throttle.Limiter

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	// BodyIdleTimeout bounds each wait for the next bytes of an upstream
	// response body.
	BodyIdleTimeout time.Duration
	IdleConnTimeout time.Duration
	// ClientIdleTimeout bounds the wait for the next request on a kept-alive
	// client connection.
	ClientIdleTimeout  time.Duration
	InsecureSkipVerify bool

	// Transport replaces the pooled upstream transport.
	Transport http.RoundTripper
}

// recordQueueSize is how many finished exchanges may wait for the recorder
// before recording falls back to the caller's goroutine.
const recordQueueSize = 256

// Pipeline is safe for concurrent use by all sessions.
type Pipeline struct {
	log       *logger.Logger
	recorder  Recorder
	throttle  *throttle.Limiter
	transport http.RoundTripper
	idle      time.Duration
	bodyIdle  time.Duration

	qmu     sync.RWMutex
	queue   chan Record
	closed  bool
	drained chan struct{}
	once    sync.Once
}

// New creates a Pipeline. When opts has a Recorder, records are written by a
// single background goroutine until Close.
func New(opts Options) *Pipeline {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	p := &Pipeline{
		log:       l.With("Pipeline"),
		recorder:  opts.Recorder,
		throttle:  opts.Throttle,
		transport: opts.Transport,
		idle:      opts.ClientIdleTimeout,
		bodyIdle:  opts.BodyIdleTimeout,
	}
	if p.idle <= 0 {
		p.idle = 2 * time.Minute
	}
	if p.bodyIdle <= 0 {
		p.bodyIdle = 30 * time.Second
	}
	if p.transport == nil {
		p.transport = newTransport(opts)
	}
	if p.recorder != nil {
		p.queue = make(chan Record, recordQueueSize)
		p.drained = make(chan struct{})
		go p.drain()
	}
	return p
}

func newTransport(opts Options) *http.Transport {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		IdleConnTimeout:       opts.IdleConnTimeout,
		MaxIdleConnsPerHost:   16,
		DisableCompression:    true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify,
		},
		// Upstream stays on HTTP/1.1.
		TLSNextProto: make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
	}
}

// Close writes out queued records and releases idle upstream connections.
// Exchanges finishing after Close are recorded synchronously.
func (p *Pipeline) Close() {
	p.once.Do(func() {
		if p.queue != nil {
			p.qmu.Lock()
			p.closed = true
			close(p.queue)
			p.qmu.Unlock()
			<-p.drained
		}
		if t, ok := p.transport.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
	})
}

// Exchange runs one request through the session's rule and the upstream and
// returns the response to send to the client. It never returns nil; upstream
// failures become an error page. target is the host:port the upstream
// connection is opened to.
func (p *Pipeline) Exchange(ctx context.Context, sess *session.Session, req *http.Request, scheme, target string) *http.Response {
	ex := &rules.Exchange{
		ID:        xid.New().String(),
		SessionID: sess.ID,
		Scheme:    scheme,
		Target:    target,
		Start:     time.Now(),
	}
	// upCtx ends with the upstream body, or on an idle body timeout.
	upCtx, cancel := context.WithCancel(ctx)
	out := p.prepareRequest(upCtx, req, scheme, target)
	ex.Request = out

	reqBody := out.Body
	resp, err := sess.Rule.BeforeSendRequest(ctx, ex)
	if !ex.RequestModified && ex.Request.Body != reqBody {
		ex.Request.ContentLength = unknownLength(ex.Request.Body, ex.Request.Header)
		ex.Request.TransferEncoding = nil
		ex.RequestModified = true
	}
	switch {
	case err != nil:
		cancel()
		p.log.Error("rule failed before request", "rule", sess.Rule.Name(), "url", out.URL.String(), "error", err.Error())
		ex.Response = p.ErrorResponse(out, http.StatusBadGateway, "The request could not be processed: "+err.Error())
		return p.finish(ctx, ex, err, nil)
	case resp != nil:
		cancel()
		ex.Local = true
		ex.Response = resp
		p.log.Debug("request answered locally", "session", sess.ID, "url", out.URL.String())
		return p.finish(ctx, ex, nil, nil)
	}

	ex.Request = ex.Request.WithContext(upCtx)
	resp, err = p.transport.RoundTrip(ex.Request)
	if err != nil {
		cancel()
		uerr := classifyUpstream(target, err)
		p.log.Warn("upstream request failed", "session", sess.ID, "url", ex.Request.URL.String(), "kind", uerr.Kind.String(), "error", err.Error())
		ex.Response = p.ErrorResponse(ex.Request, uerr.Status(), upstreamMessage(uerr))
		return p.finish(ctx, ex, uerr, nil)
	}
	upstream := newIdleBody(resp.Body, target, p.bodyIdle, cancel)
	resp.Body = upstream
	ex.Response = resp

	err = sess.Rule.BeforeSendResponse(ctx, ex)
	if err == nil && ex.Response == nil {
		err = errors.New("rule dropped the response")
	}
	if err != nil {
		p.log.Error("rule failed before response", "rule", sess.Rule.Name(), "url", ex.Request.URL.String(), "error", err.Error())
		if ex.Response != nil && ex.Response.Body != nil {
			ex.Response.Body.Close()
		}
		upstream.Close()
		ex.Response = p.ErrorResponse(ex.Request, http.StatusBadGateway, "The response could not be processed: "+err.Error())
		return p.finish(ctx, ex, err, nil)
	}
	if !ex.ResponseModified && ex.Response.Body != upstream {
		// Replaced without SetResponseBody: the old length no longer holds.
		ex.Response.ContentLength = unknownLength(ex.Response.Body, ex.Response.Header)
		ex.Response.TransferEncoding = nil
		ex.ResponseModified = true
	}
	return p.finish(ctx, ex, nil, upstream)
}

// unknownLength drops a declared Content-Length and returns the length to
// use for body: zero when there is none, otherwise unknown.
func unknownLength(body io.ReadCloser, h http.Header) int64 {
	h.Del("Content-Length")
	if body == nil || body == http.NoBody {
		return 0
	}
	return -1
}

// prepareRequest builds the outbound request: absolute URL pointing at
// target, no hop-by-hop headers, bound to ctx.
func (p *Pipeline) prepareRequest(ctx context.Context, req *http.Request, scheme, target string) *http.Request {
	out := req.Clone(ctx)
	if out.Host == "" {
		out.Host = out.URL.Host
	}
	if target == "" {
		target = out.URL.Host
		if target == "" {
			target = out.Host
		}
	}
	out.URL.Scheme = scheme
	out.URL.Host = target
	out.RequestURI = ""
	out.Close = false
	removeHopHeaders(out.Header)
	if out.Body != nil && out.Body != http.NoBody {
		out.Body = p.throttle.ReadCloser(ctx, out.Body)
	}
	return out
}

// finish fixes framing, applies the throttle and arranges for the exchange
// to be recorded once the client has received the body. upstream, if set, is
// closed with the body even when a rule replaced it.
func (p *Pipeline) finish(ctx context.Context, ex *rules.Exchange, cause error, upstream io.Closer) *http.Response {
	resp := ex.Response
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	if resp.Request == nil {
		resp.Request = ex.Request
	}
	removeHopHeaders(resp.Header)
	fixFraming(resp)
	if cause != nil {
		resp.Close = true
		resp.Header.Set("Connection", "close")
	}
	if resp.Body == nil {
		resp.Body = http.NoBody
	}

	rec := Record{
		ID:              ex.ID,
		SessionID:       ex.SessionID,
		Method:          ex.Request.Method,
		URL:             ex.Request.URL.String(),
		Host:            ex.Request.Host,
		Scheme:          ex.Scheme,
		Proto:           ex.Request.Proto,
		RequestHeaders:  ex.Request.Header.Clone(),
		RequestSize:     ex.Request.ContentLength,
		Status:          resp.StatusCode,
		ResponseHeaders: resp.Header.Clone(),
		Local:           ex.Local,
		Modified:        ex.RequestModified || ex.ResponseModified,
		Start:           ex.Start,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	resp.Body = &recordingBody{
		ReadCloser: p.throttle.ReadCloser(ctx, resp.Body),
		upstream:   upstream,
		done: func(n int64, err error) {
			rec.ResponseSize = n
			rec.Duration = time.Since(rec.Start)
			if err != nil && rec.Error == "" {
				rec.Error = err.Error()
			}
			p.record(rec)
		},
	}
	return resp
}

// record logs rec and hands it to the recorder goroutine.
func (p *Pipeline) record(rec Record) {
	p.log.Info("exchange",
		"session", rec.SessionID,
		"method", rec.Method,
		"url", rec.URL,
		"status", rec.Status,
		"bytes", rec.ResponseSize,
		"local", rec.Local,
		"ms", rec.Duration.Milliseconds(),
	)
	if p.recorder == nil {
		return
	}
	p.qmu.RLock()
	if !p.closed {
		select {
		case p.queue <- rec:
			p.qmu.RUnlock()
			return
		default:
		}
	}
	p.qmu.RUnlock()
	p.write(rec)
}

func (p *Pipeline) drain() {
	defer close(p.drained)
	for rec := range p.queue {
		p.write(rec)
	}
}

func (p *Pipeline) write(rec Record) {
	if err := p.recorder.Record(context.Background(), rec); err != nil {
		p.log.Warn("failed to record exchange", "id", rec.ID, "error", err.Error())
	}
}

// ErrorResponse builds an HTML error page for req.
func (p *Pipeline) ErrorResponse(req *http.Request, status int, message string) *http.Response {
	body := fmt.Sprintf(errorPageTemplate, status, html.EscapeString(message), html.EscapeString(req.URL.String()))
	resp := goproxy.NewResponse(req, goproxy.ContentTypeHtml, status, body)
	resp.TransferEncoding = nil
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return resp
}

func upstreamMessage(err *UpstreamError) string {
	switch err.Kind {
	case UpstreamTimeout:
		return fmt.Sprintf("The upstream server %s did not respond in time.", err.Host)
	case UpstreamReset:
		return fmt.Sprintf("The connection to %s was reset.", err.Host)
	case UpstreamCanceled:
		return "The request was canceled."
	default:
		return fmt.Sprintf("Could not connect to %s.", err.Host)
	}
}

// Hop-by-hop headers, removed in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// fixFraming makes the Content-Length header agree with the body the client
// will receive. Unknown lengths are left to the writer, which chunks them.
func fixFraming(resp *http.Response) {
	resp.Header.Del("Content-Length")
	if !bodyAllowed(resp.StatusCode) {
		resp.TransferEncoding = nil
		return
	}
	if resp.ContentLength >= 0 {
		resp.TransferEncoding = nil
		resp.Header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// recordingBody counts bytes handed to the client and reports once on Close,
// along with the first read error other than EOF.
type recordingBody struct {
	io.ReadCloser
	upstream io.Closer
	n        int64
	err      error
	once     sync.Once
	done     func(int64, error)
}

func (b *recordingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	return n, err
}

func (b *recordingBody) Close() error {
	err := b.ReadCloser.Close()
	if b.upstream != nil {
		b.upstream.Close()
	}
	b.once.Do(func() { b.done(b.n, b.err) })
	return err
}

// idleBody fails an upstream body read that waits longer than timeout for
// data. The stalled read is unblocked by canceling the upstream request.
type idleBody struct {
	io.ReadCloser
	host    string
	timeout time.Duration
	cancel  context.CancelFunc
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleBody(rc io.ReadCloser, host string, timeout time.Duration, cancel context.CancelFunc) *idleBody {
	b := &idleBody{ReadCloser: rc, host: host, timeout: timeout, cancel: cancel}
	b.timer = time.AfterFunc(timeout, b.expire)
	b.timer.Stop()
	return b
}

func (b *idleBody) expire() {
	b.expired.Store(true)
	b.cancel()
}

func (b *idleBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.ReadCloser.Read(p)
	b.timer.Stop()
	if err != nil && err != io.EOF && b.expired.Load() {
		err = &UpstreamError{Kind: UpstreamTimeout, Host: b.host, Err: err}
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
