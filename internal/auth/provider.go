package auth

import (
	"context"

	"github.com/gradlink-app/gradlink/internal/store"
	"github.com/gradlink-app/gradlink/pkg/protocol"
)

// Identity is what a verified credential resolves to. For the builtin
// provider UserID is the directory user ID; for external issuers it is the
// issuer's subject and must be mapped through the directory's external_id.
type Identity struct {
	UserID string
	Name   string
	Role   protocol.Role
}

// Provider verifies bearer credentials and returns identities.
type Provider interface {
	VerifyToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password
// login and account registration.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, name string, role protocol.Role) (*store.User, error)
}
