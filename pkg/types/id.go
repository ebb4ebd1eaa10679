package types

import "github.com/google/uuid"

// NewJobID returns a fresh opaque job identifier.
func NewJobID() string {
	return uuid.NewString()
}
