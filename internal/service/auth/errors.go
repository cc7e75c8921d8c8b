package auth

import "errors"

// Token errors. Validation failures are reported as one of these so the
// HTTP layer can map them without inspecting jwt library errors.
var (
	ErrInvalidToken     = errors.New("invalid producer token")
	ErrExpiredToken     = errors.New("producer token expired")
	ErrTokenNotYetValid = errors.New("producer token not yet valid")
	ErrMissingToken     = errors.New("producer token missing")

	// ErrWeakSecret rejects signing secrets shorter than 32 bytes.
	ErrWeakSecret = errors.New("jwt secret must be at least 32 characters")
)
