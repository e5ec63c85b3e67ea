package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stueble-dev/stueble/internal/role"
	"github.com/stueble-dev/stueble/internal/storage"
)

var (
	// ErrSessionNotFound means no session exists for the token.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired means the session exists but has lapsed. For
	// authorization both errors deny; they stay distinct for diagnostics.
	ErrSessionExpired = errors.New("session expired")
)

// Identity is the resolved owner of a session token.
type Identity struct {
	SessionID  string
	UserID     int64
	Role       role.Role
	PublicUUID string
}

// Resolver turns an opaque session token into an identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// StoreResolver resolves sessions against the relational store.
type StoreResolver struct {
	store storage.Store
	now   func() time.Time
}

// NewStoreResolver builds a resolver backed by the given store.
func NewStoreResolver(store storage.Store) *StoreResolver {
	return &StoreResolver{store: store, now: time.Now}
}

// Resolve looks up the session and its owning user. Expired sessions are
// treated as absent by callers but reported as ErrSessionExpired.
func (r *StoreResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrSessionNotFound
	}

	session, err := r.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Identity{}, ErrSessionNotFound
		}
		return Identity{}, fmt.Errorf("resolve session: %w", err)
	}
	if !session.ExpiresAt.After(r.now()) {
		return Identity{}, ErrSessionExpired
	}

	user, err := r.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Identity{}, ErrSessionNotFound
		}
		return Identity{}, fmt.Errorf("resolve session user: %w", err)
	}

	return Identity{
		SessionID:  session.Token,
		UserID:     user.ID,
		Role:       user.Role,
		PublicUUID: user.PublicUUID,
	}, nil
}
