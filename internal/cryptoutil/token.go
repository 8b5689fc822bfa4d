package cryptoutil

import (
	"crypto/rand"
	"encoding/hex"
)

// DefaultTokenSize is the number of random bytes RandToken uses when asked for 0.
const DefaultTokenSize = 64

// RandToken returns size random bytes hex encoded, so the string is twice
// as long as size.
func RandToken(size int) (string, error) {
	if size <= 0 {
		size = DefaultTokenSize
	}
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
