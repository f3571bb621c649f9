package util

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a prefixed, time-ordered identifier. Ids minted later in the same
// process compare greater byte-wise, which keeps (created_at, id) tie-breaks stable.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	encoded := hex.EncodeToString(id[:])
	if prefix == "" {
		return encoded
	}
	return prefix + "_" + encoded
}

// NewCorrelationID returns a random id for client-side correlation of optimistic sends.
func NewCorrelationID() string {
	return uuid.NewString()
}
