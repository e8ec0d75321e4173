// Package idgen mints the opaque identifiers used for downloads,
// segments, mirrors, and failover events.
package idgen

import "github.com/google/uuid"

// New returns a fresh 128-bit opaque id as a canonical lowercase UUID
// string (hex digits in hyphen-separated groups).
func New() string {
	return uuid.NewString()
}
