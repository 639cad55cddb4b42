// Package session tracks the state of each accepted client connection.
package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"interceptor/internal/rules"

	"github.com/google/uuid"
)

// Proxy types a session can carry.
const (
	TypeHTTP  = "http"
	TypeHTTPS = "https"
)

// Session is the per-connection record. The rule is captured when the
// session starts and is not affected by later rule swaps.
type Session struct {
	ID         string
	ClientAddr string
	ProxyType  string
	StartTime  time.Time
	Rule       rules.Rule

	mu     sync.Mutex
	target string

	mode atomic.Int32
}

const (
	modeUndecided int32 = iota
	modeIntercepted
	modeRelayed
)

// New returns a session for a connection from clientAddr.
func New(clientAddr, proxyType string, rule rules.Rule) *Session {
	if rule == nil {
		rule = rules.NewDefaultRule(false)
	}
	return &Session{
		ID:         uuid.NewString(),
		ClientAddr: clientAddr,
		ProxyType:  proxyType,
		StartTime:  time.Now(),
		Rule:       rule,
	}
}

// Target is the host:port the client asked for, once known.
func (s *Session) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

func (s *Session) SetTarget(target string) {
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()
}

// MarkIntercepted records that TLS was terminated for this session. It
// succeeds once; later calls, or calls after MarkRelayed, return false.
func (s *Session) MarkIntercepted() bool {
	return s.mode.CompareAndSwap(modeUndecided, modeIntercepted)
}

// MarkRelayed records that the session is a blind tunnel. It fails if the
// session was already intercepted.
func (s *Session) MarkRelayed() bool {
	return s.mode.CompareAndSwap(modeUndecided, modeRelayed)
}

func (s *Session) Intercepted() bool { return s.mode.Load() == modeIntercepted }
func (s *Session) Relayed() bool     { return s.mode.Load() == modeRelayed }

type ctxKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session stored in ctx, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok && s != nil
}

// Manager indexes live sessions by ID.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create registers a new session.
func (m *Manager) Create(clientAddr, proxyType string, rule rules.Rule) *Session {
	s := New(clientAddr, proxyType, rule)
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get looks up a live session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete removes a session. Deleting an unknown ID is a no-op.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// List returns live sessions ordered by start time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
