package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNonceShape(t *testing.T) {
	n, err := NewNonce()
	require.NoError(t, err)
	assert.Len(t, n, NonceLength)
	assert.True(t, ValidFormat(n))
}

func TestNewNonceUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		n, err := NewNonce()
		require.NoError(t, err)
		require.False(t, seen[n], "duplicate nonce %q", n)
		seen[n] = true
	}
}

func TestValidFormat(t *testing.T) {
	assert.True(t, ValidFormat("ABCDEFGHIJabcdefghij"))
	assert.True(t, ValidFormat("01234567890123456789"))

	assert.False(t, ValidFormat(""))
	assert.False(t, ValidFormat("short"))
	assert.False(t, ValidFormat("ABCDEFGHIJabcdefghijX"))  // too long
	assert.False(t, ValidFormat("ABCDEFGHIJabcdefghi!"))   // symbol
	assert.False(t, ValidFormat("ABCDEFGHIJ abcdefghi"))   // space
	assert.False(t, ValidFormat("ABCDEFGHIJabcdefghi\x00")) // control byte
}
