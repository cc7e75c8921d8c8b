// Package auth issues and validates the bearer tokens that producers present
// to the HTTP API.
package auth

import (
	"context"
	"time"
)

// JWTService defines operations for managing producer bearer tokens.
type JWTService interface {
	// GenerateToken creates a signed access token for the named producer.
	GenerateToken(ctx context.Context, producer string) (string, error)

	// ValidateToken validates the provided token string and extracts the claims.
	// Returns ErrExpiredToken, ErrTokenNotYetValid or ErrInvalidToken on failure.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims represents the validated contents of a producer token.
type Claims struct {
	// Producer identifies the caller; it is the token subject.
	Producer  string    `json:"sub,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	ID        string    `json:"jti,omitempty"`
}
