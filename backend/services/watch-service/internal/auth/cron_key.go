package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// KeyHasher hashes and verifies static cron keys. Only the hash is kept in configuration.
type KeyHasher struct {
	cost int
}

// NewKeyHasher returns a bcrypt hasher. Zero cost means bcrypt.DefaultCost.
func NewKeyHasher(cost int) *KeyHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &KeyHasher{cost: cost}
}

// Hash returns the bcrypt hash of key.
func (h *KeyHasher) Hash(key string) (string, error) {
	if key == "" {
		return "", errors.New("cron key: empty key")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Compare reports nil when key matches hash.
func (h *KeyHasher) Compare(hash, key string) error {
	if hash == "" {
		return errors.New("cron key: not configured")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key))
}
