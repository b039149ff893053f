package opiweb

import (
	"sync"
	"sync/atomic"
	"time"
)

// Session is an immutable snapshot of one authenticated trading session.
// Updates produce a new snapshot that replaces the old one atomically.
type Session struct {
	Context   *TradingContext
	Creds     *APICreds
	Entry     *EntryRecord
	LastArmID string
	CreatedAt time.Time
}

// WithEntry returns a copy of the session holding entry as the last entry
func (s *Session) WithEntry(entry *EntryRecord) *Session {
	c := *s
	c.Entry = entry
	return &c
}

// WithArm returns a copy of the session recording armID
func (s *Session) WithArm(armID string) *Session {
	c := *s
	c.LastArmID = armID
	return &c
}

// sessionHolder holds the current session; it has a single owner (the Trader).
type sessionHolder struct {
	p atomic.Pointer[Session]
}

func (h *sessionHolder) load() *Session { return h.p.Load() }

func (h *sessionHolder) store(s *Session) { h.p.Store(s) }

// actionGuard lets at most one call of each named action run at a time.
type actionGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
}

// begin claims action; the returned func releases it.
func (g *actionGuard) begin(action string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, busy := g.running[action]; busy {
		return nil, ErrActionInProgress
	}
	g.running[action] = struct{}{}
	return func() {
		g.mu.Lock()
		delete(g.running, action)
		g.mu.Unlock()
	}, nil
}
