// Package reconcile maintains a single consistent belief about the current
// authenticated session, merging an initial probe, asynchronous auth-change
// events, and one-shot code exchange into one atomically-updated triple.
package reconcile

import (
	"context"
	"time"
)

// EventKind classifies an auth-change notification from the provider.
type EventKind int

const (
	SessionEstablished EventKind = iota
	SessionCleared
	PasswordRecovery
)

func (k EventKind) String() string {
	switch k {
	case SessionEstablished:
		return "session_established"
	case SessionCleared:
		return "session_cleared"
	case PasswordRecovery:
		return "password_recovery"
	}
	return "unknown"
}

// Identity is the minimal user-identifying data carried by a session.
type Identity struct {
	ID    string
	Email string
}

// Session is the typed boundary value built from the provider's responses.
// Internals never touch provider wire shapes.
type Session struct {
	User        Identity
	AccessToken string
	ExpiresAt   time.Time
}

// Event is one auth-change notification. Session is nil for SessionCleared.
type Event struct {
	Kind    EventKind
	Session *Session
}

// Provider is the external identity provider boundary. All calls are opaque,
// non-retrying, single-attempt.
type Provider interface {
	// CurrentSession probes for the active session. A nil session with a nil
	// error means "not signed in"; an error means the probe itself failed.
	CurrentSession(ctx context.Context) (*Session, error)

	// Subscribe registers fn for auth-change events and returns an
	// unsubscribe handle. Events are delivered in provider emission order.
	Subscribe(fn func(Event)) (unsubscribe func())

	// ExchangeCode spends a one-time auth code for a session.
	ExchangeCode(ctx context.Context, code string) (*Session, error)

	SignOut(ctx context.Context) error
}
