package auth

import (
	"context"
	"time"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleAdmin
}

// Actor is the authenticated principal of a request.
type Actor struct {
	UserID    string
	Email     string
	Name      string
	Role      Role
	PatientID string
	TokenID   string
	ExpiresAt time.Time
}

func (a Actor) IsAdmin() bool   { return a.Role == RoleAdmin }
func (a Actor) IsPatient() bool { return a.Role == RolePatient }

type contextKey string

const actorKey contextKey = "actor"

// WithActor stores the actor on the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

func UserIDFromContext(ctx context.Context) string {
	a, _ := ActorFromContext(ctx)
	return a.UserID
}

func RoleFromContext(ctx context.Context) Role {
	a, _ := ActorFromContext(ctx)
	return a.Role
}
