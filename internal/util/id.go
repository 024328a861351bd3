package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 96-bit identifier, optionally namespaced by
// prefix ("ntf_ab12...").
func NewID(prefix string) string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
