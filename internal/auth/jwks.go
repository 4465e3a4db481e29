package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSProvider verifies JWTs issued by an external identity provider using
// its published JWKS. The token subject is the external user ID; the chat
// handshake maps it to a directory user via external_id.
type JWKSProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSProvider fetches the issuer's JWKS and returns a provider.
func NewJWKSProvider(issuer string) (*JWKSProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}

	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSProvider{
		issuer: issuer,
		jwks:   jwks,
	}, nil
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

// Bootstrap is a no-op: users are provisioned by the external issuer.
func (p *JWKSProvider) Bootstrap(ctx context.Context) error { return nil }

// VerifyToken parses an externally issued JWT and returns an Identity whose
// UserID is the token subject. Role and display name come from the directory
// at resolution time, not from claims.
func (p *JWKSProvider) VerifyToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}

	name, _ := claims["name"].(string)

	return &Identity{
		UserID: sub,
		Name:   name,
	}, nil
}
