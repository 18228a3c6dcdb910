// Package tenant defines the persistence session contract consumed by the
// Dispatcher and Polling Loop (spec §4.4/§6): before invoking a handler, the
// worker opens a tenant-scoped session and the handler may only reach
// persistence through it.
//
// The engine has no database of its own — tenant is a consumer-side
// contract. Production wiring supplies a Provider backed by whatever
// database layer the host application uses; this package only fixes the
// session kinds and the acquire/release discipline around them.
package tenant

import (
	"context"
)

// Kind distinguishes the isolation and metering behavior a session must
// apply, per the class table in spec §4.4.
type Kind string

const (
	// KindWebhook sessions carry a tenant scope plus an idempotency guard.
	KindWebhook Kind = "webhook"
	// KindAI sessions carry a tenant scope plus AI-usage metering.
	KindAI Kind = "ai"
	// KindGeneric sessions are tenant-scoped only if a merchant id is present.
	KindGeneric Kind = "generic"
)

// Session is the persistence handle passed into a handler. Handlers must not
// reach persistence except through the Session they were given.
type Session interface {
	Kind() Kind
	TenantID() string
}

// Provider opens tenant-scoped sessions. WithSession acquires a connection,
// scopes it to tenantID, invokes fn, and releases the connection on every
// exit path — including ctx cancellation.
type Provider interface {
	WithSession(ctx context.Context, kind Kind, tenantID string, fn func(ctx context.Context, session Session) error) error
}

// session is the Provider-agnostic Session implementation returned by
// MemoryProvider, the Provider implementation in this package.
type session struct {
	kind     Kind
	tenantID string
}

func (s *session) Kind() Kind       { return s.kind }
func (s *session) TenantID() string { return s.tenantID }
