package domain

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a new lexically sortable identifier.
func NewID() string {
	return strings.ToLower(ulid.Make().String())
}

// IDGenerator produces entity identifiers. Tests swap in deterministic ones.
type IDGenerator func() string
