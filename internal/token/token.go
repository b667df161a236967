package token

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// NonceLength is the fixed length of every attendance nonce.
const NonceLength = 20

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewNonce returns a fixed-length alphanumeric token drawn from crypto/rand.
func NewNonce() (string, error) {
	buf := make([]byte, NonceLength)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("token: generate nonce: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}

// ValidFormat reports whether s looks like a nonce this service issued:
// exactly NonceLength characters, all alphanumeric.
func ValidFormat(s string) bool {
	if len(s) != NonceLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
