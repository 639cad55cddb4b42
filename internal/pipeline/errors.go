package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// UpstreamKind classifies a failure talking to the origin.
type UpstreamKind int

const (
	UpstreamConnect UpstreamKind = iota
	UpstreamTimeout
	UpstreamReset
	UpstreamCanceled
)

func (k UpstreamKind) String() string {
	switch k {
	case UpstreamTimeout:
		return "timeout"
	case UpstreamReset:
		return "reset"
	case UpstreamCanceled:
		return "canceled"
	default:
		return "connect"
	}
}

// UpstreamError wraps a failed round trip to the origin.
type UpstreamError struct {
	Kind UpstreamKind
	Host string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Host, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Status is the status code reported to the client for this error.
func (e *UpstreamError) Status() int {
	if e.Kind == UpstreamTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func classifyUpstream(host string, err error) *UpstreamError {
	kind := UpstreamConnect
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		kind = UpstreamCanceled
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		kind = UpstreamTimeout
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		kind = UpstreamReset
	}
	return &UpstreamError{Kind: kind, Host: host, Err: err}
}

// ParseError is a malformed HTTP message on the client leg.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("malformed request: %v", e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }
