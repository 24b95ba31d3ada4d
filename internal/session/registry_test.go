package session

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gocomet/ride-dispatch/pkg/auth"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// fakeConn records deliveries and close reasons
type fakeConn struct {
	mu          sync.Mutex
	events      []string
	closeReason string
	failSend    bool
}

func (f *fakeConn) Deliver(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errors.New("buffer full")
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeConn) CloseWithReason(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeReason = reason
}

func (f *fakeConn) reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeReason
}

func (f *fakeConn) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func driverIdentity(id string) auth.Identity {
	return auth.Identity{UserID: id, Roles: []auth.Role{auth.RoleDriver}}
}

// TestBind_EvictsPreviousSession tests newest-wins on rebind
func TestBind_EvictsPreviousSession(t *testing.T) {
	r := NewRegistry(logger.Nop())
	old := &fakeConn{}
	fresh := &fakeConn{}

	r.Bind(driverIdentity("d1"), auth.RoleDriver, old)
	r.Bind(driverIdentity("d1"), auth.RoleDriver, fresh)

	assert.Equal(t, "session_replaced", old.reason())
	assert.Equal(t, 1, r.Count())

	// events flow to the new connection only
	assert.True(t, r.Send("d1", "ping", nil))
	assert.Empty(t, old.delivered())
	assert.Equal(t, []string{"ping"}, fresh.delivered())
}

// TestUnbind_StaleConnectionCannotClobber tests a delayed unbind from an
// evicted connection leaves the newer binding intact
func TestUnbind_StaleConnectionCannotClobber(t *testing.T) {
	r := NewRegistry(logger.Nop())
	old := &fakeConn{}
	fresh := &fakeConn{}

	r.Bind(driverIdentity("d1"), auth.RoleDriver, old)
	r.Bind(driverIdentity("d1"), auth.RoleDriver, fresh)

	// the evicted connection's read pump exits and unbinds late
	r.Unbind("d1", old)

	assert.True(t, r.Connected("d1"))
	assert.True(t, r.Send("d1", "ping", nil))
	assert.Equal(t, []string{"ping"}, fresh.delivered())
}

// TestUnbind_CurrentConnection tests a normal disconnect removes the session
func TestUnbind_CurrentConnection(t *testing.T) {
	r := NewRegistry(logger.Nop())
	conn := &fakeConn{}

	r.Bind(driverIdentity("d1"), auth.RoleDriver, conn)
	r.Unbind("d1", conn)

	assert.False(t, r.Connected("d1"))
	assert.Equal(t, 0, r.Count())
}

// TestSend_NoSession tests delivery to an absent identity reports false
func TestSend_NoSession(t *testing.T) {
	r := NewRegistry(logger.Nop())

	assert.False(t, r.Send("ghost", "ping", nil))
}

// TestSend_DeliveryFailure tests a failed delivery reports false without
// dropping the session
func TestSend_DeliveryFailure(t *testing.T) {
	r := NewRegistry(logger.Nop())
	conn := &fakeConn{failSend: true}

	r.Bind(driverIdentity("d1"), auth.RoleDriver, conn)

	assert.False(t, r.Send("d1", "ping", nil))
	assert.True(t, r.Connected("d1"))
}

// TestActiveRole tests the session reports the role it was bound with
func TestActiveRole(t *testing.T) {
	r := NewRegistry(logger.Nop())
	conn := &fakeConn{}

	identity := auth.Identity{UserID: "u1", Roles: []auth.Role{auth.RoleCustomer, auth.RoleDriver}}
	r.Bind(identity, auth.RoleCustomer, conn)

	role, ok := r.ActiveRole("u1")
	assert.True(t, ok)
	assert.Equal(t, auth.RoleCustomer, role)

	_, ok = r.ActiveRole("ghost")
	assert.False(t, ok)
}
