// Package ids generates identifiers for stored records.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a random UUID for users, friend edges and conversations.
func New() string {
	return uuid.NewString()
}

// NewMessageID returns a ULID (26 chars). ULIDs sort by creation time, which
// keeps message ids readable in logs next to their timestamps.
func NewMessageID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
