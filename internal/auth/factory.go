package auth

import (
	"fmt"

	"github.com/gradlink-app/gradlink/internal/config"
	"github.com/gradlink-app/gradlink/internal/store"
)

// NewProvider creates an auth provider based on configuration.
func NewProvider(cfg config.AuthConfig, s store.Store) (Provider, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewService(s, cfg), nil
	case "jwks":
		return NewJWKSProvider(cfg.Issuer)
	default:
		return nil, fmt.Errorf("unsupported auth provider: %q", cfg.Provider)
	}
}
