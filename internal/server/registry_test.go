package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stueble-dev/stueble/internal/auth"
	"github.com/stueble-dev/stueble/internal/role"
	"github.com/stueble-dev/stueble/internal/storage"
)

type fakeEndpoint struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeEndpoint) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEndpoint) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// newTestConn builds an identified connection without a running write pump;
// tests assert on the send channel directly.
func newTestConn(sessionID string, userID int64, r role.Role) (*connection, *fakeEndpoint) {
	fe := &fakeEndpoint{}
	c := newConnection(fe, 8)
	if sessionID != "" {
		c.setIdentity(auth.Identity{
			SessionID:  sessionID,
			UserID:     userID,
			Role:       r,
			PublicUUID: sessionID + "-uuid",
		}, r.Meets(role.Host))
	}
	return c, fe
}

func targetSessions(targets []*connection) []string {
	sessions := make([]string, 0, len(targets))
	for _, c := range targets {
		sessions = append(sessions, c.session())
	}
	return sessions
}

// One live connection per role, then every possible role floor: the target
// set must be exactly the broadcast-group members whose rank meets the
// floor.
func TestResolveTargetsRoleFloorEveryPair(t *testing.T) {
	roles := []role.Role{role.Admin, role.Tutor, role.Host, role.User, role.Extern}

	registry := NewRegistry()
	for i, r := range roles {
		c, _ := newTestConn("s-"+string(r), int64(i+1), r)
		registry.Register(c)
	}

	for _, floor := range roles {
		var want []string
		for _, r := range roles {
			if r.Meets(role.Host) && r.Meets(floor) {
				want = append(want, "s-"+string(r))
			}
		}
		got := targetSessions(registry.ResolveTargets(storage.VisibleToRole(floor), ""))
		require.ElementsMatch(t, want, got, "floor %s", floor)
	}
}

func TestResolveTargetsExclusion(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	host, _ := newTestConn("s-host", 1, role.Host)
	tutor, _ := newTestConn("s-tutor", 2, role.Tutor)
	registry.Register(host)
	registry.Register(tutor)

	got := targetSessions(registry.ResolveTargets(storage.VisibleToRole(role.Host), "s-tutor"))
	req.Equal([]string{"s-host"}, got)

	// Exclusion wins even when the excluded session is the literal target.
	req.Empty(registry.ResolveTargets(storage.VisibleToSession("s-tutor"), "s-tutor"))
	req.Empty(registry.ResolveTargets(storage.VisibleToUser(2), "s-tutor"))
}

func TestResolveTargetsUserAndSession(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	user, _ := newTestConn("s-user", 7, role.User)
	registry.Register(user)

	// Non-host roles are reachable through targeted visibility even though
	// they are outside the broadcast group.
	req.Equal([]string{"s-user"}, targetSessions(registry.ResolveTargets(storage.VisibleToUser(7), "")))
	req.Equal([]string{"s-user"}, targetSessions(registry.ResolveTargets(storage.VisibleToSession("s-user"), "")))
	req.Empty(registry.ResolveTargets(storage.VisibleToUser(99), ""))
	req.Empty(registry.ResolveTargets(storage.VisibleToSession("s-none"), ""))
	req.Empty(registry.ResolveTargets(storage.VisibleToRole(role.Host), ""))
}

func TestRegisterSupersedesPriorConnection(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	first, firstEndpoint := newTestConn("s-1", 1, role.Host)
	second, secondEndpoint := newTestConn("s-1", 1, role.Host)

	registry.Register(first)
	old := registry.Register(second)

	req.Same(first, old)
	req.True(firstEndpoint.isClosed())
	req.False(secondEndpoint.isClosed())

	current, ok := registry.Lookup("s-1")
	req.True(ok)
	req.Same(second, current)

	// All subsequent fan-out for the session targets only the new socket.
	targets := registry.ResolveTargets(storage.VisibleToRole(role.Host), "")
	req.Len(targets, 1)
	req.Same(second, targets[0])

	// The superseded socket's teardown must not evict its successor.
	registry.Unregister(first)
	current, ok = registry.Lookup("s-1")
	req.True(ok)
	req.Same(second, current)
}

func TestReleaseUnbindsOnlyTheCurrentConnection(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	first, _ := newTestConn("s-1", 1, role.Host)
	second, _ := newTestConn("s-1", 1, role.Host)
	registry.Register(first)
	registry.Register(second)

	// The superseded socket no longer holds the binding.
	req.False(registry.Release(first))
	current, ok := registry.Lookup("s-1")
	req.True(ok)
	req.Same(second, current)

	req.True(registry.Release(second))
	_, ok = registry.Lookup("s-1")
	req.False(ok)
	// Released connections stay tracked until unregistered.
	req.Equal(1, registry.Len())
}

func TestUnregisterIsIdempotent(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	c, _ := newTestConn("s-1", 1, role.Host)
	registry.Register(c)
	req.Equal(1, registry.Len())

	registry.Unregister(c)
	registry.Unregister(c)
	req.Equal(0, registry.Len())
	_, ok := registry.Lookup("s-1")
	req.False(ok)
}

func TestAnonymousConnectionsAreNeverTargets(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	anon, _ := newTestConn("", 0, "")
	registry.Add(anon)
	req.Equal(1, registry.Len())

	req.Empty(registry.ResolveTargets(storage.VisibleToRole(role.Extern), ""))
	req.Empty(registry.ResolveTargets(storage.VisibleToUser(0), ""))
}
