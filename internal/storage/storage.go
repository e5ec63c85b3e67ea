package storage

import (
	"context"
	"errors"
	"time"

	"github.com/stueble-dev/stueble/internal/role"
)

var (
	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrInvariant marks a persisted row that violates a structural
	// invariant, e.g. an event with zero or several visibility columns.
	// It is a programming or migration error and must fail loudly.
	ErrInvariant = errors.New("invariant violation")
)

// Action tags a distribution event with the guest-list change it announces.
// The value doubles as the outbound frame's event name.
type Action string

const (
	GuestArrived  Action = "guestArrived"
	GuestLeft     Action = "guestLeft"
	GuestAdded    Action = "guestAdded"
	GuestRemoved  Action = "guestRemoved"
	GuestModified Action = "guestModified"
)

// ValidAction reports whether a is a known action tag.
func ValidAction(a Action) bool {
	switch a {
	case GuestArrived, GuestLeft, GuestAdded, GuestRemoved, GuestModified:
		return true
	}
	return false
}

// GuestSnapshot is the confirmed guest state carried by a distribution
// event. Residency fields are only populated for internal guests.
type GuestSnapshot struct {
	ID        string `json:"id" msgpack:"id"`
	FirstName string `json:"firstName" msgpack:"firstName"`
	LastName  string `json:"lastName" msgpack:"lastName"`
	Present   bool   `json:"present" msgpack:"present"`
	Role      string `json:"role" msgpack:"role"`
	Room      string `json:"room,omitempty" msgpack:"room,omitempty"`
	Residence string `json:"residence,omitempty" msgpack:"residence,omitempty"`
}

// DistributionEvent is one append-only entry of the durable event log.
type DistributionEvent struct {
	ID               int64
	Action           Action
	Payload          GuestSnapshot
	Visibility       Visibility
	ExcludeSessionID string
	CreatedAt        time.Time
}

// User is a member record as far as the event pipeline needs it.
type User struct {
	ID          int64
	PublicUUID  string
	FirstName   string
	LastName    string
	Role        role.Role
	Room        string
	Residence   string
	Present     bool
	OnGuestList bool
}

// Snapshot renders the canonical guest view carried by distribution events.
// Residency details stay internal-only.
func (u *User) Snapshot() GuestSnapshot {
	snapshot := GuestSnapshot{
		ID:        u.PublicUUID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Present:   u.Present,
		Role:      "intern",
	}
	if u.Role == role.Extern {
		snapshot.Role = "extern"
		return snapshot
	}
	snapshot.Room = u.Room
	snapshot.Residence = u.Residence
	return snapshot
}

// SessionRecord is a raw session row. Expiry is interpreted by the resolver
// so expired and absent sessions stay distinguishable for diagnostics.
type SessionRecord struct {
	Token     string
	UserID    int64
	ExpiresAt time.Time
}

// Motto is the per-date event metadata served to clients.
type Motto struct {
	Date        time.Time
	Motto       string
	Description string
}

// Cursor selects the catch-up starting point. Exactly one field is set.
type Cursor struct {
	AfterID   *int64
	AfterTime *time.Time
}

// PresenceChange describes a guest-list mutation that must be recorded
// atomically with its distribution event.
type PresenceChange struct {
	GuestUUID string
	Present   bool
	// ActingSessionID is excluded from fan-out so the originator does not
	// receive its own change.
	ActingSessionID string
}

// Store defines the persistence operations used by the distribution core.
type Store interface {
	Close() error
	Migrate(ctx context.Context) error

	GetSession(ctx context.Context, token string) (*SessionRecord, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByUUID(ctx context.Context, publicUUID string) (*User, error)

	// RecordPresence applies the guest mutation and appends the matching
	// distribution event in one transaction; both commit or both roll back.
	RecordPresence(ctx context.Context, change PresenceChange) (*DistributionEvent, error)

	// AppendEvent durably records an already-confirmed change, e.g. one
	// observed through the change bus.
	AppendEvent(ctx context.Context, action Action, payload GuestSnapshot, vis Visibility, excludeSessionID string) (*DistributionEvent, error)

	// EventsSince replays events after the cursor that the caller may see,
	// ascending by id. The caller's own user id and session id satisfy
	// targeted visibility; an exclusion naming the caller always wins.
	EventsSince(ctx context.Context, cursor Cursor, callerRole role.Role, callerUserID int64, callerSessionID string) ([]DistributionEvent, error)

	GetMotto(ctx context.Context, date time.Time) (*Motto, error)
}
