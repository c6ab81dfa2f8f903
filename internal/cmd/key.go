package cmd

import (
	"crypto/rand"
	"encoding/hex"
)

// randomKey generates a 128-bit hex API key.
func randomKey() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; an empty key
		// disables auth rather than crashing init.
		return ""
	}
	return hex.EncodeToString(buf)
}
