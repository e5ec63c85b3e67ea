package server

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stueble-dev/stueble/internal/auth"
	"github.com/stueble-dev/stueble/internal/config"
	"github.com/stueble-dev/stueble/internal/protocol"
	"github.com/stueble-dev/stueble/internal/role"
	"github.com/stueble-dev/stueble/internal/storage"
	"github.com/stueble-dev/stueble/internal/storage/sqlite"
)

type dispatcherFixture struct {
	dispatcher *Dispatcher
	store      *sqlite.Store
	registry   *Registry
	tracker    *Tracker
	signer     *auth.Signer
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	store := newBridgeStore(t)
	signer, err := auth.NewSigner("")
	require.NoError(t, err)

	registry := NewRegistry()
	tracker := NewTracker()
	cfg := config.ServerConfig{
		SendBuffer:       16,
		WriteTimeout:     time.Second,
		HeartbeatTimeout: time.Minute,
	}
	return &dispatcherFixture{
		dispatcher: NewDispatcher(cfg, store, auth.NewStoreResolver(store), signer, registry, tracker),
		store:      store,
		registry:   registry,
		tracker:    tracker,
		signer:     signer,
	}
}

// seedSession creates a member with a live session and returns the token.
func (f *dispatcherFixture) seedSession(t *testing.T, r role.Role, onGuestList bool) (string, *storage.User) {
	t.Helper()
	user := &storage.User{
		PublicUUID:  uuid.NewString(),
		FirstName:   "Nora",
		LastName:    "Vogel",
		Role:        r,
		Room:        "118",
		Residence:   "C",
		OnGuestList: onGuestList,
	}
	require.NoError(t, f.store.CreateUser(context.Background(), user))

	token := uuid.NewString()
	require.NoError(t, f.store.CreateSession(context.Background(), &storage.SessionRecord{
		Token:     token,
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	return token, user
}

func capabilityNames(t *testing.T, f recvFrame) []string {
	t.Helper()
	raw, ok := dataMap(t, f)["capabilities"].([]any)
	require.True(t, ok)
	names := make([]string, 0, len(raw))
	for _, c := range raw {
		names = append(names, c.(string))
	}
	return names
}

func TestHandshakeAuthorized(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)
	token, _ := fx.seedSession(t, role.Host, true)

	c, fe := newTestConn("", 0, "")
	fx.dispatcher.handshake(context.Background(), c, token)

	frames := drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.EventStatus, frames[0].Event)
	data := dataMap(t, frames[0])
	req.Equal(protocol.CodeOK, data["code"])
	req.Equal(true, data["authorized"])
	req.ElementsMatch([]string{"user", "host"}, capabilityNames(t, frames[0]))

	registered, ok := fx.registry.Lookup(token)
	req.True(ok)
	req.Same(c, registered)
	req.True(c.inBroadcastGroup())
	req.False(fe.isClosed())
}

func TestHandshakeAnonymousStaysOpen(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)

	c, fe := newTestConn("", 0, "")
	fx.dispatcher.handshake(context.Background(), c, "no-such-token")

	frames := drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.EventStatus, frames[0].Event)
	data := dataMap(t, frames[0])
	req.Equal(false, data["authorized"])
	req.Empty(capabilityNames(t, frames[0]))

	// The socket stays connected; it simply has no identity and receives
	// no fan-out.
	req.False(fe.isClosed())
	req.Empty(c.session())
	_, ok := fx.registry.Lookup("no-such-token")
	req.False(ok)
}

func TestHandshakeExpiredSessionIsAnonymous(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)
	token, user := fx.seedSession(t, role.Host, true)
	req.NoError(fx.store.CreateSession(context.Background(), &storage.SessionRecord{
		Token:     "stale-" + token,
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	c, _ := newTestConn("", 0, "")
	fx.dispatcher.handshake(context.Background(), c, "stale-"+token)

	frames := drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(false, dataMap(t, frames[0])["authorized"])
}

func TestHandshakeReplaysOwedFrames(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)
	token, _ := fx.seedSession(t, role.Host, true)

	owedLate, err := protocol.Marshal(protocol.Outbound{Event: string(storage.GuestLeft)})
	req.NoError(err)
	owedEarly, err := protocol.Marshal(protocol.Outbound{Event: string(storage.GuestArrived)})
	req.NoError(err)
	fx.tracker.MarkAffected(9, []string{token}, owedLate)
	fx.tracker.MarkAffected(2, []string{token}, owedEarly)

	c, _ := newTestConn("", 0, "")
	fx.dispatcher.handshake(context.Background(), c, token)

	frames := drainConn(t, c)
	req.Len(frames, 3)
	req.Equal(protocol.EventStatus, frames[0].Event)
	req.Equal(string(storage.GuestArrived), frames[1].Event)
	req.Equal(string(storage.GuestLeft), frames[2].Event)
}

// lapsingResolver resolves one fixed identity until its session is marked
// lapsed, mimicking a session that expires between two connect commands.
type lapsingResolver struct {
	identity auth.Identity
	lapsed   bool
}

func (r *lapsingResolver) Resolve(ctx context.Context, token string) (auth.Identity, error) {
	if token != r.identity.SessionID {
		return auth.Identity{}, auth.ErrSessionNotFound
	}
	if r.lapsed {
		return auth.Identity{}, auth.ErrSessionExpired
	}
	return r.identity, nil
}

// A connection whose session lapses between handshakes must lose its
// registry binding and delivery obligations along with its identity;
// otherwise session-targeted fan-out keeps reaching an unauthorized socket.
func TestConnectDowngradeUnbindsSession(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newBridgeStore(t)
	signer, err := auth.NewSigner("")
	req.NoError(err)

	resolver := &lapsingResolver{identity: auth.Identity{
		SessionID:  "s-1",
		UserID:     1,
		Role:       role.Host,
		PublicUUID: "u-1",
	}}
	registry := NewRegistry()
	tracker := NewTracker()
	cfg := config.ServerConfig{SendBuffer: 16, WriteTimeout: time.Second, HeartbeatTimeout: time.Minute}
	d := NewDispatcher(cfg, store, resolver, signer, registry, tracker)

	c, fe := newTestConn("", 0, "")
	registry.Add(c)
	d.handshake(ctx, c, "s-1")
	drainConn(t, c)
	_, ok := registry.Lookup("s-1")
	req.True(ok)

	tracker.MarkAffected(5, []string{"s-1"}, []byte("frame-5"))
	resolver.lapsed = true

	req.True(d.route(ctx, c, protocol.Inbound{Event: protocol.EventConnect}, "s-1"))

	frames := drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.EventStatus, frames[0].Event)
	req.Equal(false, dataMap(t, frames[0])["authorized"])

	_, ok = registry.Lookup("s-1")
	req.False(ok)
	req.Empty(registry.ResolveTargets(storage.VisibleToSession("s-1"), ""))
	req.Empty(tracker.Pending(5))

	// Downgraded, not disconnected.
	req.False(fe.isClosed())
	req.Empty(c.session())
	d.teardown(c)
}

// A superseded socket's teardown must not purge obligations owed to the
// session's live successor.
func TestSupersededTeardownKeepsObligations(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)
	ctx := context.Background()
	token, _ := fx.seedSession(t, role.Host, true)

	first, _ := newTestConn("", 0, "")
	fx.registry.Add(first)
	fx.dispatcher.handshake(ctx, first, token)
	drainConn(t, first)

	fx.tracker.MarkAffected(7, []string{token}, []byte("frame-7"))

	second, _ := newTestConn("", 0, "")
	fx.registry.Add(second)
	fx.dispatcher.handshake(ctx, second, token)

	fx.dispatcher.teardown(first)
	req.Equal([]string{token}, fx.tracker.Pending(7))
	current, ok := fx.registry.Lookup(token)
	req.True(ok)
	req.Same(second, current)

	// When the session's current socket goes, so does the debt.
	fx.dispatcher.teardown(second)
	req.Empty(fx.tracker.Pending(7))
	_, ok = fx.registry.Lookup(token)
	req.False(ok)
}

func TestRouteUnknownEventRejected(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)
	c, _ := newTestConn("", 0, "")

	cont := fx.dispatcher.route(context.Background(), c, protocol.Inbound{Event: "teleport", ReqID: "r1"}, "")
	req.True(cont)

	frames := drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.EventError, frames[0].Event)
	req.Equal("r1", frames[0].ReqID)
	req.Equal(protocol.CodeBadRequest, dataMap(t, frames[0])["code"])
}

func TestRouteDisconnectEndsLoop(t *testing.T) {
	fx := newDispatcherFixture(t)
	c, _ := newTestConn("", 0, "")
	require.False(t, fx.dispatcher.route(context.Background(), c, protocol.Inbound{Event: protocol.EventDisconnect}, ""))
}

func TestRouteHeartbeatEchoes(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)
	c, _ := newTestConn("", 0, "")

	req.True(fx.dispatcher.route(context.Background(), c, protocol.Inbound{Event: protocol.EventHeartbeat}, ""))
	frames := drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.EventHeartbeat, frames[0].Event)
}

func TestPing(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)
	c, _ := newTestConn("", 0, "")

	fx.dispatcher.route(context.Background(), c, protocol.Inbound{Event: protocol.EventPing, ReqID: "r7"}, "")
	frames := drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.EventPong, frames[0].Event)
	req.Equal("r7", frames[0].ReqID)
	req.Equal(true, frames[0].Data)

	fx.dispatcher.route(context.Background(), c, protocol.Inbound{Event: protocol.EventPing}, "")
	frames = drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.EventError, frames[0].Event)
}

func TestAcknowledgementRetiresObligation(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)
	token, _ := fx.seedSession(t, role.Host, true)

	c, _ := newTestConn("", 0, "")
	fx.dispatcher.handshake(context.Background(), c, token)
	drainConn(t, c)

	fx.tracker.MarkAffected(3, []string{token}, []byte("frame"))

	eventID := int64(3)
	fx.dispatcher.route(context.Background(), c, protocol.Inbound{
		Event: protocol.EventAcknowledgement,
		ResID: &eventID,
	}, token)
	req.Empty(fx.tracker.Pending(3))
	req.Empty(drainConn(t, c))

	// Missing resId is a protocol error.
	fx.dispatcher.route(context.Background(), c, protocol.Inbound{Event: protocol.EventAcknowledgement}, token)
	frames := drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.CodeBadRequest, dataMap(t, frames[0])["code"])
}

func TestAcknowledgementRequiresIdentity(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)
	c, _ := newTestConn("", 0, "")

	eventID := int64(3)
	fx.dispatcher.route(context.Background(), c, protocol.Inbound{
		Event: protocol.EventAcknowledgement,
		ResID: &eventID,
	}, "")
	frames := drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.EventError, frames[0].Event)
	req.Equal(protocol.CodeUnauthorized, dataMap(t, frames[0])["code"])
}

func TestRequestMotto(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)
	ctx := context.Background()
	date := time.Date(2026, 5, 8, 0, 0, 0, 0, time.UTC)
	req.NoError(fx.store.SaveMotto(ctx, &storage.Motto{
		Date:        date,
		Motto:       "Neon Nights",
		Description: "Bring something that glows.",
	}))

	c, _ := newTestConn("", 0, "")
	fx.dispatcher.route(ctx, c, protocol.Inbound{
		Event: protocol.EventRequestMotto,
		ReqID: "r1",
		Data:  map[string]any{"date": "2026-05-08"},
	}, "")
	frames := drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.EventMotto, frames[0].Event)
	req.Equal("r1", frames[0].ReqID)
	data := dataMap(t, frames[0])
	req.Equal("Neon Nights", data["motto"])
	req.Equal("2026-05-08", data["date"])

	fx.dispatcher.route(ctx, c, protocol.Inbound{
		Event: protocol.EventRequestMotto,
		ReqID: "r2",
		Data:  map[string]any{"date": "2031-01-01"},
	}, "")
	frames = drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.EventError, frames[0].Event)
	req.Equal(protocol.CodeNotFound, dataMap(t, frames[0])["code"])

	fx.dispatcher.route(ctx, c, protocol.Inbound{
		Event: protocol.EventRequestMotto,
		ReqID: "r3",
		Data:  map[string]any{"date": "08.05.2026"},
	}, "")
	frames = drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.CodeBadRequest, dataMap(t, frames[0])["code"])
}

func TestRequestQRCode(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)
	ctx := context.Background()
	token, user := fx.seedSession(t, role.User, true)

	c, _ := newTestConn("", 0, "")
	fx.dispatcher.handshake(ctx, c, token)
	drainConn(t, c)

	fx.dispatcher.route(ctx, c, protocol.Inbound{Event: protocol.EventRequestQRCode, ReqID: "r1"}, token)
	frames := drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.EventQRCode, frames[0].Event)
	data := dataMap(t, frames[0])
	pass, ok := data["data"].(map[string]any)
	req.True(ok)
	req.Equal(user.PublicUUID, pass["id"])

	signature, ok := data["signature"].(string)
	req.True(ok)
	claims, err := fx.signer.VerifyPass(signature)
	req.NoError(err)
	req.Equal(user.PublicUUID, claims.ID)
}

func TestRequestQRCodeDeniedOffGuestList(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)
	ctx := context.Background()
	token, _ := fx.seedSession(t, role.User, false)

	c, _ := newTestConn("", 0, "")
	fx.dispatcher.handshake(ctx, c, token)
	drainConn(t, c)

	fx.dispatcher.route(ctx, c, protocol.Inbound{Event: protocol.EventRequestQRCode, ReqID: "r1"}, token)
	frames := drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.EventError, frames[0].Event)
	req.Equal(protocol.CodeForbidden, dataMap(t, frames[0])["code"])
}

func TestRequestQRCodeRequiresIdentity(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)
	c, _ := newTestConn("", 0, "")

	fx.dispatcher.route(context.Background(), c, protocol.Inbound{Event: protocol.EventRequestQRCode, ReqID: "r1"}, "")
	frames := drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.CodeUnauthorized, dataMap(t, frames[0])["code"])
}

func TestRequestPublicKey(t *testing.T) {
	req := require.New(t)
	fx := newDispatcherFixture(t)
	c, _ := newTestConn("", 0, "")

	fx.dispatcher.route(context.Background(), c, protocol.Inbound{Event: protocol.EventRequestKey, ReqID: "r1"}, "")
	frames := drainConn(t, c)
	req.Len(frames, 1)
	req.Equal(protocol.EventPublicKey, frames[0].Event)
	data := dataMap(t, frames[0])
	req.Equal("OKP", data["kty"])
	req.Equal("Ed25519", data["crv"])
	req.NotEmpty(data["x"])
}
