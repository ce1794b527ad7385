// Package keyring derives the symmetric field-encryption key from session
// credential material and holds that material for the lifetime of a session.
//
// The key itself is never persisted: identical inputs always derive the
// identical key, so only the material is kept, in memory, and wiped at
// session end. The raw one-time verification code is never stored, only its
// hash.
package keyring

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/pbkdf2"

	"github.com/seedtrace/seedtrace/internal/common"
)

// appSalt is the fixed application component of the derivation salt.
const appSalt = "seedtrace-offline-key-v1"

// keyLen is 32 bytes: AES-256.
const keyLen = 32

// material is the session credential material the key derives from.
type material struct {
	identifier string
	codeHash   []byte
	userID     string
}

// Service performs deterministic PBKDF2 key derivation and memoizes the
// result, keyed by a content hash of the derivation inputs. One instance is
// owned per session by the composition root; there is no global state.
type Service struct {
	iterations int

	mu          sync.Mutex
	mat         *material
	accessToken string
	cacheInputs string
	cachedKey   []byte
}

// NewService returns a key service using the given PBKDF2 iteration count
// (at least 100,000 in production configuration).
func NewService(iterations int) *Service {
	return &Service{iterations: iterations}
}

// SetMaterial installs session credential material. The verification code is
// hashed immediately; the raw code is not retained. Any previously cached
// key is invalidated and wiped.
func (s *Service) SetMaterial(identifier string, verificationCode []byte, userID string) {
	hash := sha256.Sum256(verificationCode)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropCachedLocked()
	s.mat = &material{
		identifier: identifier,
		codeHash:   hash[:],
		userID:     userID,
	}
}

// SetAccessToken stores the server-issued access token for the session.
func (s *Service) SetAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = token
}

// AccessToken returns the stored token, or "" when none is present.
func (s *Service) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// TokenExpired reports whether the stored access token has expired as of
// now. The token signature is not verified here; only the expiry claim is
// inspected so sync passes can skip a known-dead token. A missing token or
// an unparsable one counts as expired.
func (s *Service) TokenExpired(now time.Time) bool {
	s.mu.Lock()
	token := s.accessToken
	s.mu.Unlock()

	if token == "" {
		return true
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return true
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return !now.Before(exp.Time)
}

// DerivedKey returns the 256-bit field-encryption key, deriving it on first
// use and memoizing it until the inputs change or the session is cleared.
// It returns common.ErrNoSessionKey when no material is present.
func (s *Service) DerivedKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mat == nil {
		return nil, common.ErrNoSessionKey
	}

	inputs := s.inputsHashLocked()
	if s.cachedKey != nil && s.cacheInputs == inputs {
		return s.cachedKey, nil
	}

	secret := make([]byte, 0, len(s.mat.identifier)+1+len(s.mat.codeHash))
	secret = append(secret, []byte(s.mat.identifier)...)
	secret = append(secret, 0)
	secret = append(secret, s.mat.codeHash...)

	salt := make([]byte, 0, len(s.mat.userID)+1+len(appSalt))
	salt = append(salt, []byte(s.mat.userID)...)
	salt = append(salt, 0)
	salt = append(salt, []byte(appSalt)...)

	key := pbkdf2.Key(secret, salt, s.iterations, keyLen, sha256.New)
	common.WipeByteArray(secret)

	s.cachedKey = key
	s.cacheInputs = inputs
	return key, nil
}

// Clear purges the session material, the cached key and the access token.
// Must be called on logout.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mat != nil {
		common.WipeByteArray(s.mat.codeHash)
		s.mat = nil
	}
	s.accessToken = ""
	s.dropCachedLocked()
}

func (s *Service) dropCachedLocked() {
	common.WipeByteArray(s.cachedKey)
	s.cachedKey = nil
	s.cacheInputs = ""
}

func (s *Service) inputsHashLocked() string {
	h := sha256.New()
	h.Write([]byte(s.mat.identifier))
	h.Write([]byte{0})
	h.Write(s.mat.codeHash)
	h.Write([]byte{0})
	h.Write([]byte(s.mat.userID))
	return hex.EncodeToString(h.Sum(nil))
}
