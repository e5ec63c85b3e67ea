package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stueble-dev/stueble/internal/config"
	"github.com/stueble-dev/stueble/internal/role"
	"github.com/stueble-dev/stueble/internal/storage"
)

// ErrBridgeBusy is returned when the notification queue is full; callers
// are expected to surface this instead of queuing without bound.
var ErrBridgeBusy = errors.New("bridge queue full")

// Notification is a storage-level change observed outside this process.
// Its fields are only enough to look up the canonical record; they are
// never trusted as render data.
type Notification struct {
	Event     string `json:"event"`
	UserID    int64  `json:"user_id"`
	StuebleID int64  `json:"stueble_id"`
	// Scope selects fan-out visibility: ScopeHost (the default) addresses
	// the staff broadcast group, ScopeUser only the guest's own sockets.
	Scope string `json:"scope,omitempty"`
}

// Notification scopes.
const (
	ScopeHost = "host"
	ScopeUser = "user"
)

var notificationActions = map[string]storage.Action{
	"arrive": storage.GuestArrived,
	"leave":  storage.GuestLeft,
	"add":    storage.GuestAdded,
	"remove": storage.GuestRemoved,
	"modify": storage.GuestModified,
}

// Bridge turns change notifications from other processes into durable
// distribution events and drives fan-out. Notifications are processed
// strictly in arrival order, one at a time; the queue is bounded and
// downstream failures are retried a bounded number of times before the
// notification is dropped with a warning.
type Bridge struct {
	cfg    config.BridgeConfig
	store  storage.Store
	fanout *Fanout
	queue  chan Notification
}

// NewBridge builds the bridge with a bounded queue.
func NewBridge(cfg config.BridgeConfig, store storage.Store, fanout *Fanout) *Bridge {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Bridge{
		cfg:    cfg,
		store:  store,
		fanout: fanout,
		queue:  make(chan Notification, size),
	}
}

// Submit enqueues a notification for ordered processing.
func (b *Bridge) Submit(n Notification) error {
	select {
	case b.queue <- n:
		return nil
	default:
		return ErrBridgeBusy
	}
}

// Run consumes the queue until the context is canceled. A malformed
// notification is logged and dropped; it never stops the loop.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-b.queue:
			b.process(ctx, n)
		}
	}
}

func (b *Bridge) process(ctx context.Context, n Notification) {
	action, ok := notificationActions[n.Event]
	if !ok {
		log.Printf("bridge: dropping notification with unknown event %q", n.Event)
		return
	}

	var event *storage.DistributionEvent
	for attempt := 0; ; attempt++ {
		var err error
		event, err = b.append(ctx, action, n)
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("bridge: dropping notification for unknown user %d", n.UserID)
			return
		}
		if errors.Is(err, storage.ErrInvariant) {
			log.Printf("bridge: dropping malformed notification: %v", err)
			return
		}
		if attempt >= b.cfg.Retries {
			log.Printf("bridge: dropping notification after %d attempts: %v", attempt+1, err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.RetryDelay):
		}
	}

	b.fanout.Dispatch(event)
}

// append re-fetches the canonical guest record and durably logs the event.
// The notification payload is never used as authoritative render data.
func (b *Bridge) append(ctx context.Context, action storage.Action, n Notification) (*storage.DistributionEvent, error) {
	user, err := b.store.GetUserByID(ctx, n.UserID)
	if err != nil {
		return nil, err
	}

	var vis storage.Visibility
	switch n.Scope {
	case "", ScopeHost:
		vis = storage.VisibleToRole(role.Host)
	case ScopeUser:
		vis = storage.VisibleToUser(user.ID)
	default:
		return nil, fmt.Errorf("%w: unknown notification scope %q", storage.ErrInvariant, n.Scope)
	}
	return b.store.AppendEvent(ctx, action, user.Snapshot(), vis, "")
}
