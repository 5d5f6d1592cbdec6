package keyreg

import (
	"crypto/rand"
	"encoding/base64"
)

const secretPrefix = "sk-"

// newSecret builds an "sk-" key with a 32-byte url-safe random suffix,
// 46 characters total.
func newSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic("keyreg: reading random source: " + err.Error())
	}
	return secretPrefix + base64.RawURLEncoding.EncodeToString(buf)
}
