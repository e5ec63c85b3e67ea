package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stueble-dev/stueble/internal/auth"
	"github.com/stueble-dev/stueble/internal/role"
)

// endpoint is the send-capable side of a live socket. Connections only
// depend on this narrow surface so registry and fan-out tests can use fakes.
type endpoint interface {
	WriteMessage(data []byte) error
	Close() error
}

type wsEndpoint struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (e wsEndpoint) WriteMessage(data []byte) error {
	if e.writeTimeout > 0 {
		if err := e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout)); err != nil {
			return err
		}
	}
	return e.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (e wsEndpoint) Close() error { return e.conn.Close() }

// connection is the transient per-socket state. Identity fields are set at
// handshake and may be replaced by a re-handshake, so they live behind a
// mutex; outbound delivery goes through a buffered channel and a write pump
// so fan-out never blocks on a slow socket.
type connection struct {
	endpoint endpoint

	mu         sync.Mutex
	sessionID  string
	userID     int64
	publicUUID string
	role       role.Role
	authorized bool
	member     bool // part of the host-upwards broadcast group

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(ep endpoint, sendBuffer int) *connection {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &connection{
		endpoint: ep,
		sendCh:   make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *connection) setIdentity(id auth.Identity, member bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id.SessionID
	c.userID = id.UserID
	c.publicUUID = id.PublicUUID
	c.role = id.Role
	c.authorized = true
	c.member = member
}

func (c *connection) clearIdentity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
	c.userID = 0
	c.publicUUID = ""
	c.role = ""
	c.authorized = false
	c.member = false
}

func (c *connection) identity() (auth.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authorized {
		return auth.Identity{}, false
	}
	return auth.Identity{
		SessionID:  c.sessionID,
		UserID:     c.userID,
		Role:       c.role,
		PublicUUID: c.publicUUID,
	}, true
}

func (c *connection) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *connection) inBroadcastGroup() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.member
}

// send enqueues data without blocking. It reports false when the client's
// buffer is full; the frame is then left to the catch-up path.
func (c *connection) send(data []byte) bool {
	select {
	case <-c.done:
		return false
	case c.sendCh <- data:
		return true
	default:
		return false
	}
}

func (c *connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			if err := c.endpoint.WriteMessage(data); err != nil {
				c.close()
				return
			}
		}
	}
}

// close is idempotent and safe from any goroutine. It cancels the write
// pump and the underlying socket but never touches other connections.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.endpoint.Close()
	})
}
