package auth

import (
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost trades login latency for brute-force resistance.
const bcryptCost = 12

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// burnPasswordCheck spends a full bcrypt comparison against a throwaway hash.
// Branches that reject before any stored hash exists call this so their
// latency matches a genuine wrong-password check and response time cannot
// reveal whether an address is registered.
var burnPasswordCheck = func(password string) {
	dummyHashOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("tavolo-burn-only"), bcryptCost)
		if err == nil {
			dummyHash = h
		}
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with the stored hash.
// The comparison is constant-time inside bcrypt.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
