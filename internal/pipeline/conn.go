package pipeline

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"interceptor/internal/session"
)

// maxDrain is how much of an unread request body is discarded to keep a
// connection alive. Larger leftovers close the connection.
const maxDrain = 256 << 10

// ServeConn reads sequential requests from conn and answers each one through
// Exchange until the client closes, asks to close, idles out or sends
// something that is not HTTP. conn is closed on return.
func (p *Pipeline) ServeConn(ctx context.Context, conn net.Conn, sess *session.Session, scheme, target string) error {
	defer conn.Close()
	// Unblocks ReadRequest on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(p.idle))
		req, err := http.ReadRequest(br)
		if err != nil {
			if isClosedOrIdle(err) {
				return nil
			}
			perr := &ParseError{Err: err}
			p.log.Warn("closing session on malformed request", "session", sess.ID, "target", target, "error", err.Error())
			return perr
		}
		conn.SetReadDeadline(time.Time{})
		req.RemoteAddr = sess.ClientAddr

		if req.Header.Get("Expect") == "100-continue" {
			req.Header.Del("Expect")
			if _, err := io.WriteString(conn, "HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
				return nil
			}
		}

		keepAlive, err := p.serveOne(ctx, conn, br, bw, req, sess, scheme, target)
		if err != nil {
			var uerr *UpstreamError
			if errors.As(err, &uerr) {
				p.log.Warn("upstream body failed, closing session", "session", sess.ID, "target", target, "error", err.Error())
			} else {
				p.log.Debug("client write failed", "session", sess.ID, "error", err.Error())
			}
			return nil
		}
		if !keepAlive {
			return nil
		}
	}
}

func (p *Pipeline) serveOne(ctx context.Context, conn net.Conn, br *bufio.Reader, bw *bufio.Writer, req *http.Request, sess *session.Session, scheme, target string) (bool, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := &hangupWatcher{conn: conn, br: br, cancel: cancel}
	body := req.Body
	if body == nil || body == http.NoBody {
		w.start()
	} else {
		req.Body = &eofSignal{ReadCloser: body, fn: w.start}
	}

	resp := p.Exchange(reqCtx, sess, req, scheme, target)
	defer resp.Body.Close()

	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	resp.Request = req
	keepAlive := !req.Close && !resp.Close
	if resp.ContentLength < 0 && bodyAllowed(resp.StatusCode) && req.Method != http.MethodHead {
		if req.ProtoAtLeast(1, 1) {
			resp.TransferEncoding = []string{"chunked"}
		} else {
			// HTTP/1.0 clients cannot read chunks; the body ends with the
			// connection.
			resp.TransferEncoding = nil
			keepAlive = false
		}
	}
	resp.Close = !keepAlive
	if resp.Body != http.NoBody {
		resp.Body = &flushingBody{ReadCloser: resp.Body, bw: bw}
	}

	writeErr := resp.Write(bw)
	if writeErr == nil {
		writeErr = bw.Flush()
	}

	if w.stop() {
		return false, nil
	}
	if writeErr != nil {
		return false, writeErr
	}
	if keepAlive && body != nil && body != http.NoBody {
		n, _ := io.CopyN(io.Discard, body, maxDrain+1)
		if n > maxDrain {
			keepAlive = false
		}
	}
	return keepAlive, nil
}

// hangupWatcher notices a client that goes away while its request is in
// flight. It only starts once the request body has been consumed, so it never
// competes with the body for the connection.
type hangupWatcher struct {
	conn   net.Conn
	br     *bufio.Reader
	cancel context.CancelFunc

	once    sync.Once
	mu      sync.Mutex
	running bool
	done    chan struct{}
	hungUp  bool
}

func (w *hangupWatcher) start() {
	w.once.Do(func() {
		w.mu.Lock()
		w.running = true
		w.done = make(chan struct{})
		w.mu.Unlock()
		go w.watch()
	})
}

func (w *hangupWatcher) watch() {
	defer close(w.done)
	_, err := w.br.Peek(1)
	if err == nil || isTimeout(err) {
		// Pipelined data or stopped by stop().
		return
	}
	w.mu.Lock()
	w.hungUp = true
	w.mu.Unlock()
	w.cancel()
}

// stop ends the watch and reports whether the client hung up.
func (w *hangupWatcher) stop() bool {
	// Makes sure a later start is a no-op.
	w.once.Do(func() {})
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if !running {
		return false
	}
	w.conn.SetReadDeadline(time.Now())
	<-w.done
	w.conn.SetReadDeadline(time.Time{})
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hungUp
}

// flushingBody sends everything buffered for the client before each read of
// the response body, so a slow body never holds back bytes already received.
type flushingBody struct {
	io.ReadCloser
	bw *bufio.Writer
}

func (f *flushingBody) Read(p []byte) (int, error) {
	if err := f.bw.Flush(); err != nil {
		return 0, err
	}
	return f.ReadCloser.Read(p)
}

// eofSignal calls fn once the wrapped body reports EOF.
type eofSignal struct {
	io.ReadCloser
	fn func()
}

func (e *eofSignal) Read(p []byte) (int, error) {
	n, err := e.ReadCloser.Read(p)
	if err == io.EOF {
		e.fn()
	}
	return n, err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
}

func isClosedOrIdle(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		isTimeout(err)
}
