package system

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateSessionID returns a random hex identifier for this client's
// voice session.
func GenerateSessionID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
