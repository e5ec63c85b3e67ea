package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stueble-dev/stueble/internal/auth"
	"github.com/stueble-dev/stueble/internal/config"
	"github.com/stueble-dev/stueble/internal/protocol"
	"github.com/stueble-dev/stueble/internal/role"
	"github.com/stueble-dev/stueble/internal/storage"
)

// Dispatcher runs the per-connection protocol state machine: handshake,
// inbound command routing, outbound framing, and teardown.
type Dispatcher struct {
	cfg      config.ServerConfig
	store    storage.Store
	resolver auth.Resolver
	signer   *auth.Signer
	registry *Registry
	tracker  *Tracker
}

// NewDispatcher wires the protocol handler.
func NewDispatcher(cfg config.ServerConfig, store storage.Store, resolver auth.Resolver, signer *auth.Signer, registry *Registry, tracker *Tracker) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		signer:   signer,
		registry: registry,
		tracker:  tracker,
	}
}

// HandleSocket owns one websocket for its lifetime. The session credential
// comes from the upgrade request and is fixed for the connection; a
// `connect` command re-runs resolution for the same token, which matters
// when a session is created after the socket was opened.
func (d *Dispatcher) HandleSocket(ctx context.Context, ws *websocket.Conn, sessionToken string) {
	c := newConnection(wsEndpoint{conn: ws, writeTimeout: d.cfg.WriteTimeout}, d.cfg.SendBuffer)
	go c.writePump()
	d.registry.Add(c)

	defer d.teardown(c)

	d.handshake(ctx, c, sessionToken)

	for {
		// A silent connection past the heartbeat window is half-open.
		if err := ws.SetReadDeadline(time.Now().Add(d.cfg.HeartbeatTimeout)); err != nil {
			return
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("dispatcher: read: %v", err)
			}
			return
		}

		in, err := protocol.Unmarshal(data)
		if err != nil {
			// Connection-local protocol error; the stream itself is
			// still framed by the websocket layer, so stay open.
			message := "invalid msgpack frame"
			if errors.Is(err, protocol.ErrEmptyEvent) {
				message = "event must be specified"
			}
			d.sendFrame(c, protocol.Error("", protocol.CodeBadRequest, message))
			continue
		}

		if !d.route(ctx, c, in, sessionToken) {
			return
		}
	}
}

// teardown runs when a socket's read loop ends. Delivery obligations are
// only purged when this socket is the session's current connection; a
// superseded socket must not erase debt owed to its live successor.
func (d *Dispatcher) teardown(c *connection) {
	if sessionID := c.session(); sessionID != "" {
		if current, ok := d.registry.Lookup(sessionID); !ok || current == c {
			d.tracker.PurgeSession(sessionID)
		}
	}
	d.registry.Unregister(c)
	c.close()
}

// downgrade strips a connection's identity after its session failed to
// re-resolve. The session is gone, so its registry binding and delivery
// obligations go with it; the socket itself stays open as anonymous.
func (d *Dispatcher) downgrade(c *connection) {
	if sessionID := c.session(); sessionID != "" {
		if d.registry.Release(c) {
			d.tracker.PurgeSession(sessionID)
		}
	}
	c.clearIdentity()
}

// handshake resolves the session credential and emits a status frame. A
// missing or unresolvable credential leaves the socket connected as
// anonymous; only resolver infrastructure failures yield an error frame.
func (d *Dispatcher) handshake(ctx context.Context, c *connection, token string) {
	identity, err := d.resolver.Resolve(ctx, token)
	switch {
	case errors.Is(err, auth.ErrSessionNotFound), errors.Is(err, auth.ErrSessionExpired):
		log.Printf("dispatcher: anonymous connection: %v", err)
		d.downgrade(c)
		d.sendFrame(c, statusFrame(nil, false))
		return
	case err != nil:
		log.Printf("dispatcher: handshake: %v", err)
		d.sendFrame(c, protocol.Error("", protocol.CodeInternal, "session lookup failed"))
		return
	}

	member := identity.Role.Meets(role.Host)
	c.setIdentity(identity, member)
	if old := d.registry.Register(c); old != nil {
		log.Printf("dispatcher: session %s superseded a previous connection", identity.SessionID)
	}

	d.sendFrame(c, statusFrame(role.Capabilities(identity.Role), true))

	// Re-send whatever this session is still owed, in event order.
	for _, frame := range d.tracker.OwedFrames(identity.SessionID) {
		c.send(frame)
	}
}

// route dispatches one inbound frame. Only allow-listed events are served;
// everything else earns an explicit error frame. The return value reports
// whether the read loop should continue.
func (d *Dispatcher) route(ctx context.Context, c *connection, in protocol.Inbound, token string) bool {
	switch in.Event {
	case protocol.EventConnect:
		d.handshake(ctx, c, token)
	case protocol.EventDisconnect:
		return false
	case protocol.EventHeartbeat:
		d.sendFrame(c, protocol.Outbound{Event: protocol.EventHeartbeat})
	case protocol.EventPing:
		d.handlePing(c, in)
	case protocol.EventAcknowledgement:
		d.handleAcknowledgement(c, in)
	case protocol.EventRequestMotto:
		d.handleRequestMotto(ctx, c, in)
	case protocol.EventRequestQRCode:
		d.handleRequestQRCode(ctx, c, in)
	case protocol.EventRequestKey:
		d.handleRequestPublicKey(c, in)
	default:
		d.sendFrame(c, protocol.Error(in.ReqID, protocol.CodeBadRequest, fmt.Sprintf("unknown event: %s", in.Event)))
	}
	return true
}

func (d *Dispatcher) sendFrame(c *connection, out protocol.Outbound) {
	data, err := protocol.Marshal(out)
	if err != nil {
		log.Printf("dispatcher: encode %s frame: %v", out.Event, err)
		return
	}
	if !c.send(data) {
		log.Printf("dispatcher: dropped %s frame, send buffer full", out.Event)
	}
}

func statusFrame(capabilities []role.Role, authorized bool) protocol.Outbound {
	if capabilities == nil {
		capabilities = []role.Role{}
	}
	return protocol.Outbound{
		Event: protocol.EventStatus,
		Data: protocol.StatusData{
			Code:         protocol.CodeOK,
			Capabilities: capabilities,
			Authorized:   authorized,
		},
	}
}
