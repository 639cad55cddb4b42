package rules

import (
	"context"
	"net/http"
	"sync/atomic"
)

// Decision is a per-host override of the global HTTPS interception policy.
type Decision int

const (
	// DecisionDefault defers to Rule.ShouldInterceptHTTPSHost.
	DecisionDefault Decision = iota
	DecisionIntercept
	DecisionRelay
)

func (d Decision) String() string {
	switch d {
	case DecisionIntercept:
		return "intercept"
	case DecisionRelay:
		return "relay"
	default:
		return "default"
	}
}

// Rule is the hook set consulted while a connection is proxied. Embed
// BaseRule to get pass-through behaviour for hooks that are not needed.
type Rule interface {
	Name() string

	// ShouldInterceptHTTPSHost is the rule's global HTTPS policy.
	ShouldInterceptHTTPSHost(host string) bool

	// BeforeDealHTTPSRequest can force or forbid interception for one host.
	BeforeDealHTTPSRequest(host string) Decision

	// BeforeSendRequest may rewrite ex.Request in place. A non-nil response
	// is sent to the client and the upstream is never contacted.
	BeforeSendRequest(ctx context.Context, ex *Exchange) (*http.Response, error)

	// BeforeSendResponse may rewrite ex.Response in place.
	BeforeSendResponse(ctx context.Context, ex *Exchange) error
}

// BaseRule implements every hook as a no-op.
type BaseRule struct{}

func (BaseRule) Name() string                                        { return "base" }
func (BaseRule) ShouldInterceptHTTPSHost(string) bool                { return false }
func (BaseRule) BeforeDealHTTPSRequest(string) Decision              { return DecisionDefault }
func (BaseRule) BeforeSendResponse(context.Context, *Exchange) error { return nil }

func (BaseRule) BeforeSendRequest(context.Context, *Exchange) (*http.Response, error) {
	return nil, nil
}

// DefaultRule passes everything through and intercepts HTTPS according to a
// single global flag.
type DefaultRule struct {
	BaseRule
	intercept atomic.Bool
}

func NewDefaultRule(intercept bool) *DefaultRule {
	r := &DefaultRule{}
	r.intercept.Store(intercept)
	return r
}

func (r *DefaultRule) Name() string { return "default" }

// SetInterceptFlag toggles HTTPS interception for connections opened after
// the call.
func (r *DefaultRule) SetInterceptFlag(on bool) { r.intercept.Store(on) }

func (r *DefaultRule) ShouldInterceptHTTPSHost(string) bool { return r.intercept.Load() }

// ShouldIntercept applies the per-host override first and falls back to the
// rule's global policy.
func ShouldIntercept(r Rule, host string) bool {
	switch r.BeforeDealHTTPSRequest(host) {
	case DecisionIntercept:
		return true
	case DecisionRelay:
		return false
	}
	return r.ShouldInterceptHTTPSHost(host)
}
