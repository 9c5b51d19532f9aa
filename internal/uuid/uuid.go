// Package uuid generates opaque identifiers for sessions and login
// attempts.
package uuid

import "github.com/google/uuid"

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}
