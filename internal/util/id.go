package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 24-character hex id for chats and jobs.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
