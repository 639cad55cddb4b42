package rules

import (
	"sync/atomic"

	"interceptor/internal/logger"
)

type ruleRef struct{ rule Rule }

// Engine holds the active rule. Sessions capture Current() when they start,
// so Swap only affects sessions opened afterwards.
type Engine struct {
	active atomic.Pointer[ruleRef]
	log    *logger.Logger
}

// NewEngine returns an Engine whose active rule is r, or a non-intercepting
// DefaultRule when r is nil.
func NewEngine(r Rule, log *logger.Logger) *Engine {
	if r == nil {
		r = NewDefaultRule(false)
	}
	if log == nil {
		log = logger.NewNop()
	}
	e := &Engine{log: log.With("RuleEngine")}
	e.active.Store(&ruleRef{rule: r})
	return e
}

// Current returns the active rule.
func (e *Engine) Current() Rule {
	return e.active.Load().rule
}

// Swap replaces the active rule and returns the previous one.
func (e *Engine) Swap(r Rule) Rule {
	if r == nil {
		r = NewDefaultRule(false)
	}
	old := e.active.Swap(&ruleRef{rule: r})
	e.log.Info("active rule replaced", "previous", old.rule.Name(), "current", r.Name())
	return old.rule
}
