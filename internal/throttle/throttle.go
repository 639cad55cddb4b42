// Package throttle caps the combined bandwidth of every proxied body.
package throttle

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const chunkSize = 16 * 1024

// Limiter is a byte-rate limit shared by all sessions. A nil *Limiter does
// not limit anything.
type Limiter struct {
	lim *rate.Limiter
}

// New returns a limiter for kbps kilobytes per second, or nil if kbps <= 0.
func New(kbps int) *Limiter {
	if kbps <= 0 {
		return nil
	}
	bps := kbps * 1024
	burst := bps
	if burst < chunkSize {
		burst = chunkSize
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(bps), burst)}
}

// BytesPerSecond is the configured rate.
func (l *Limiter) BytesPerSecond() int {
	if l == nil {
		return 0
	}
	return int(l.lim.Limit())
}

func (l *Limiter) wait(ctx context.Context, n int) error {
	for n > 0 {
		step := n
		if b := l.lim.Burst(); step > b {
			step = b
		}
		if err := l.lim.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Reader wraps r so that reads draw from the shared budget.
func (l *Limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if l == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, l: l}
}

// ReadCloser is Reader for bodies that must keep their Close.
func (l *Limiter) ReadCloser(ctx context.Context, rc io.ReadCloser) io.ReadCloser {
	if l == nil || rc == nil {
		return rc
	}
	return struct {
		io.Reader
		io.Closer
	}{l.Reader(ctx, rc), rc}
}

// Writer wraps w so that writes draw from the shared budget.
func (l *Limiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	if l == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, l: l}
}

type reader struct {
	ctx context.Context
	r   io.Reader
	l   *Limiter
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) > chunkSize {
		p = p[:chunkSize]
	}
	n, err := r.r.Read(p)
	if n > 0 {
		if werr := r.l.wait(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type writer struct {
	ctx context.Context
	w   io.Writer
	l   *Limiter
}

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > chunkSize {
			chunk = chunk[:chunkSize]
		}
		if err := w.l.wait(w.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := w.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
