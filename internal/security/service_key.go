package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
)

// serviceKeyPrefix is the prefix used for generated service keys.
const serviceKeyPrefix = "clm_"

// GenerateServiceKey creates a new random service key string for internal
// callers of the metering endpoints.
func GenerateServiceKey() (string, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return "", fmt.Errorf("generate service key: %w", err)
	}
	return serviceKeyPrefix + hex.EncodeToString(secret), nil
}

// MatchServiceKey reports whether the presented key equals any configured
// key, in constant time per comparison.
func MatchServiceKey(configured []string, presented string) bool {
	if presented == "" {
		return false
	}
	matched := false
	for _, key := range configured {
		if len(key) == len(presented) &&
			subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			matched = true
		}
	}
	return matched
}
