package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateRandomString returns a URL-safe string encoding n random bytes.
func GenerateRandomString(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("security: invalid length %d", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("security: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
