package record

import "github.com/google/uuid"

// NewID generates a unique record identity.
// Uses github.com/google/uuid for RFC 4122 compliant UUIDs. Identities are
// stable references: downstream consumers rely on them for bit-exact
// cross-referencing, so they are assigned once at write time and never reused.
func NewID() string {
	return uuid.New().String()
}
