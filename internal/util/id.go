package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// TempPrefix is reserved for locally-generated optimistic message ids.
// Server-assigned ids never carry it.
const TempPrefix = "tmp"

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewTempID returns an id for an optimistic message that has not been
// confirmed by the backend yet.
func NewTempID() string {
	return NewID(TempPrefix)
}

// IsTempID reports whether id was generated locally via NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempPrefix+"_")
}
