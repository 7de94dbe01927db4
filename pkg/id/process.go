package id

import "github.com/google/uuid"

// ProcessUID identifies one engine process instance. Persistent queue keys
// are suffixed with it so that equal keys from different processes never
// collide in the coordination store.
type ProcessUID string

// NewProcessUID returns a fresh random process identifier.
func NewProcessUID() ProcessUID {
	return ProcessUID(uuid.NewString())
}

// String returns the identifier text.
func (p ProcessUID) String() string { return string(p) }
