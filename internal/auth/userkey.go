// Package auth provides user key generation, hashing, and comparison
// utilities used by the hub verifiers and the CLI admin commands.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// GenerateUserKey returns a cryptographically random, URL-safe user key.
func GenerateUserKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashUserKey returns a bcrypt hash of key suitable for storage.
func HashUserKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty user key")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyUserKey reports whether key matches a hash from HashUserKey.
func VerifyUserKey(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// ConstantTimeKeyEquals compares two plain keys without leaking their
// common prefix length.
func ConstantTimeKeyEquals(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
