// Package auth provides credential verification for the GradLink server.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/gradlink-app/gradlink/internal/config"
	"github.com/gradlink-app/gradlink/internal/store"
	"github.com/gradlink-app/gradlink/pkg/protocol"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the JWT token claims issued by the builtin provider.
type Claims struct {
	UserID string `json:"uid"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Service is the builtin auth provider. It signs and verifies HS256 tokens
// and keeps password hashes in the user directory.
// It implements Provider and LoginProvider.
type Service struct {
	store     store.Store
	jwtSecret []byte
	jwtExpiry time.Duration
	seedUsers []config.SeedUser
}

// NewService creates the builtin auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	return &Service{
		store:     s,
		jwtSecret: []byte(cfg.JWTSecret),
		jwtExpiry: cfg.JWTExpiry.Duration,
		seedUsers: cfg.SeedUsers,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Bootstrap creates any configured seed users that do not exist yet.
func (s *Service) Bootstrap(ctx context.Context) error {
	for _, su := range s.seedUsers {
		existing, err := s.store.GetUserByUsername(ctx, su.Username)
		if err != nil {
			return fmt.Errorf("check seed user %q: %w", su.Username, err)
		}
		if existing != nil {
			continue
		}

		role, err := protocol.ParseRole(su.Role)
		if err != nil {
			return fmt.Errorf("seed user %q: %w", su.Username, err)
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(su.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash password for %q: %w", su.Username, err)
		}

		name := su.Name
		if name == "" {
			name = su.Username
		}

		if err := s.store.CreateUser(ctx, &store.User{
			ID:           uuid.New().String(),
			Username:     su.Username,
			Name:         name,
			PasswordHash: string(hash),
			Role:         string(role),
			CreatedAt:    time.Now(),
		}); err != nil {
			return fmt.Errorf("create seed user %q: %w", su.Username, err)
		}
	}
	return nil
}

// Login authenticates a user and returns a signed JWT.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(user)
}

// Register creates a new user account in the directory.
func (s *Service) Register(ctx context.Context, username, password, name string, role protocol.Role) (*store.User, error) {
	existing, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	if name == "" {
		name = username
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		Name:         name,
		PasswordHash: string(hash),
		Role:         string(role),
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

// VerifyToken validates a bearer token and returns an Identity.
// This implements the Provider interface.
func (s *Service) VerifyToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	role, err := protocol.ParseRole(claims.Role)
	if err != nil {
		return nil, ErrUnauthorized
	}

	return &Identity{
		UserID: claims.UserID,
		Name:   claims.Name,
		Role:   role,
	}, nil
}

func (s *Service) generateToken(user *store.User) (string, error) {
	claims := &Claims{
		UserID: user.ID,
		Name:   user.Name,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
