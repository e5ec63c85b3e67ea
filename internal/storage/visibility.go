package storage

import (
	"fmt"

	"github.com/stueble-dev/stueble/internal/role"
)

// VisibilityKind discriminates the Visibility union.
type VisibilityKind int

const (
	// VisibilityNone is the zero value; it never passes validation.
	VisibilityNone VisibilityKind = iota
	VisibilityRoleFloor
	VisibilityUser
	VisibilitySession
)

// Visibility scopes a distribution event to either a minimum role, a single
// user, or a single session. The fields are unexported so that exactly one
// variant can ever be set; construct values through VisibleToRole,
// VisibleToUser or VisibleToSession.
type Visibility struct {
	kind      VisibilityKind
	roleFloor role.Role
	userID    int64
	sessionID string
}

// VisibleToRole scopes an event to every connection whose role meets floor.
func VisibleToRole(floor role.Role) Visibility {
	return Visibility{kind: VisibilityRoleFloor, roleFloor: floor}
}

// VisibleToUser scopes an event to the single user's live connection.
func VisibleToUser(userID int64) Visibility {
	return Visibility{kind: VisibilityUser, userID: userID}
}

// VisibleToSession scopes an event to one specific session's connection.
func VisibleToSession(sessionID string) Visibility {
	return Visibility{kind: VisibilitySession, sessionID: sessionID}
}

// Kind returns the discriminator.
func (v Visibility) Kind() VisibilityKind { return v.kind }

// RoleFloor returns the minimum role for VisibilityRoleFloor values.
func (v Visibility) RoleFloor() (role.Role, bool) {
	return v.roleFloor, v.kind == VisibilityRoleFloor
}

// UserID returns the target user for VisibilityUser values.
func (v Visibility) UserID() (int64, bool) {
	return v.userID, v.kind == VisibilityUser
}

// SessionID returns the target session for VisibilitySession values.
func (v Visibility) SessionID() (string, bool) {
	return v.sessionID, v.kind == VisibilitySession
}

// Validate rejects the zero value and unknown role floors.
func (v Visibility) Validate() error {
	switch v.kind {
	case VisibilityRoleFloor:
		if !role.Valid(v.roleFloor) {
			return fmt.Errorf("%w: unknown role floor %q", ErrInvariant, v.roleFloor)
		}
		return nil
	case VisibilityUser, VisibilitySession:
		return nil
	default:
		return fmt.Errorf("%w: visibility not set", ErrInvariant)
	}
}

func (v Visibility) String() string {
	switch v.kind {
	case VisibilityRoleFloor:
		return fmt.Sprintf("role>=%s", v.roleFloor)
	case VisibilityUser:
		return fmt.Sprintf("user=%d", v.userID)
	case VisibilitySession:
		return fmt.Sprintf("session=%s", v.sessionID)
	default:
		return "unset"
	}
}
