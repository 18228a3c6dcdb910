package tenant

import (
	"context"
	"sync"
)

// MemoryProvider is a dependency-free Provider: it tracks open-session
// counts per tenant (for assertions in tests) and releases unconditionally
// on fn's return, including when ctx is already cancelled. It is the
// default Provider wired by the Lifecycle Supervisor when the host
// application has not supplied one, and the double used by dispatcher and
// poller tests.
//
// Every per-class worker goroutine and the Polling Loop call WithSession
// concurrently against the same instance, so opened is guarded by mu rather
// than left as a bare map.
type MemoryProvider struct {
	mu     sync.Mutex
	opened map[string]int
}

// NewMemoryProvider builds an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{opened: make(map[string]int)}
}

// WithSession implements Provider. It never itself errors; any error
// returned is whatever fn returned.
func (p *MemoryProvider) WithSession(ctx context.Context, kind Kind, tenantID string, fn func(ctx context.Context, session Session) error) error {
	p.mu.Lock()
	p.opened[tenantID]++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.opened[tenantID]--
		p.mu.Unlock()
	}()

	s := &session{kind: kind, tenantID: tenantID}
	return fn(ctx, s)
}

// OpenCount reports how many sessions are currently open for tenantID.
// Used by tests to assert sessions are released on every exit path.
func (p *MemoryProvider) OpenCount(tenantID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened[tenantID]
}
