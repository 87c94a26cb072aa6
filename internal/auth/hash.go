package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// ErrAdminDisabled is returned when no admin key hash is configured.
var ErrAdminDisabled = errors.New("auth: admin key not configured")

// HashKey hashes an API key with Argon2id as "salt$hash", both base64.
func HashKey(key string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash), nil
}

// dummyVerify spends the same time as a real verification so a
// misconfigured gateway does not answer faster than a configured one.
func dummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyKey checks key against an encoded Argon2id hash.
func VerifyKey(key, encoded string) (bool, error) {
	salt, want, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, fmt.Errorf("auth: invalid hash format")
	}
	saltBytes, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	wantBytes, err := base64.StdEncoding.DecodeString(want)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}
	got := argon2.IDKey([]byte(key), saltBytes, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(wantBytes, got) == 1, nil
}

// AdminKey verifies the admin API key exchanged at /auth/admin-token.
type AdminKey struct {
	hash string
}

// NewAdminKey wraps an encoded hash. An empty hash disables admin login.
func NewAdminKey(encoded string) (*AdminKey, error) {
	if encoded != "" {
		if _, _, ok := strings.Cut(encoded, "$"); !ok {
			return nil, fmt.Errorf("auth: invalid admin key hash format")
		}
	}
	return &AdminKey{hash: encoded}, nil
}

// Verify reports whether key is the admin key.
func (a *AdminKey) Verify(key string) (bool, error) {
	if a.hash == "" {
		dummyVerify()
		return false, ErrAdminDisabled
	}
	if key == "" {
		dummyVerify()
		return false, nil
	}
	return VerifyKey(key, a.hash)
}
