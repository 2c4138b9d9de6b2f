// Package ident generates the time-ordered identifiers used across the
// engine. Every durable row (sessions, outbox events, dead letters, saga
// records) is keyed by a UUIDv7 so that index locality and created-at
// ordering line up with lexicographic ID ordering.
package ident

import (
	"time"

	"github.com/google/uuid"
)

// New returns a fresh time-ordered (v7) identifier as a canonical string.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 can only fail if the random source fails; fall back to v4
		// rather than propagating an error through every call site.
		return uuid.NewString()
	}
	return id.String()
}

// Timestamp extracts the millisecond timestamp prefix from a v7 identifier.
// The second return value is false for non-v7 or unparsable IDs.
func Timestamp(id string) (time.Time, bool) {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), true
}
