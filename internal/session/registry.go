package session

import (
	"sync"

	"github.com/gocomet/ride-dispatch/pkg/auth"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// Conn is a live connection capable of delivering events. Implemented by
// pkg/websocket.Client; tests substitute fakes.
type Conn interface {
	// Deliver pushes one event to the peer. It must not block; a full or
	// dead connection returns an error.
	Deliver(event string, payload interface{}) error

	// CloseWithReason closes the connection with a reason string the
	// client can distinguish from a network failure.
	CloseWithReason(reason string)
}

type binding struct {
	conn       Conn
	identity   auth.Identity
	activeRole auth.Role
}

// Registry tracks exactly one live connection per user identity and
// delivers events to it. Events for identities with no live connection
// are dropped, not queued; the caller decides whether that matters.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]binding // userID -> live connection
	logger   *logger.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]binding),
		logger:   log,
	}
}

// Bind associates a connection with an identity. If the identity already
// has a live connection, the older one is forcibly closed first so a user
// never holds two simultaneous sessions.
func (r *Registry) Bind(identity auth.Identity, activeRole auth.Role, conn Conn) {
	r.mu.Lock()
	prev, hadPrev := r.sessions[identity.UserID]
	r.sessions[identity.UserID] = binding{conn: conn, identity: identity, activeRole: activeRole}
	r.mu.Unlock()

	if hadPrev && prev.conn != conn {
		prev.conn.CloseWithReason("session_replaced")
		r.logger.Info("Evicted previous session on rebind",
			logger.String("user_id", identity.UserID),
		)
	}

	r.logger.Info("Session bound",
		logger.String("user_id", identity.UserID),
		logger.String("role", string(activeRole)),
	)
}

// Unbind removes the binding for a connection. The binding is removed
// only if it still points at this connection, so a delayed unbind from an
// evicted connection cannot clobber a newer binding.
func (r *Registry) Unbind(userID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[userID]; ok && current.conn == conn {
		delete(r.sessions, userID)
		r.logger.Info("Session unbound", logger.String("user_id", userID))
	}
}

// Send delivers an event to the identity's live connection. Returns false
// if the identity has no live connection or delivery failed; the event is
// not buffered or retried.
func (r *Registry) Send(userID, event string, payload interface{}) bool {
	r.mu.RLock()
	b, ok := r.sessions[userID]
	r.mu.RUnlock()

	if !ok {
		return false
	}

	if err := b.conn.Deliver(event, payload); err != nil {
		r.logger.Warn("Event delivery failed",
			logger.String("user_id", userID),
			logger.String("event", event),
			logger.Err(err),
		)
		return false
	}
	return true
}

// ActiveRole returns the role the identity's current session operates as.
func (r *Registry) ActiveRole(userID string) (auth.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.sessions[userID]
	return b.activeRole, ok
}

// Connected reports whether the identity has a live connection.
func (r *Registry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
