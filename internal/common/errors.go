// Package common defines shared constants and sentinel errors used across
// the offline subsystem. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Storage admission / platform errors.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// Possible silent data loss (platform-evicted storage, checkpoint
	// mismatch). Surfaced to the caller, never auto-recovered.
	ErrIntegrityViolation = errors.New("local data integrity violation")

	// Session / credential errors.
	ErrNoSessionKey = errors.New("no session key material")
	ErrTokenExpired = errors.New("access token expired")
	ErrUnauthorized = errors.New("unauthorized")

	// Transport failed or the server is unreachable.
	ErrUnavailable = errors.New("server unavailable")
)
