package delivery

import (
	"fmt"

	"github.com/google/uuid"
)

// IDGenerator creates record and run identifiers.
type IDGenerator interface {
	// New returns a new identifier.
	New() (uuid.UUID, error)
}

// UUIDv7Generator generates time-ordered UUID v7 identifiers.
type UUIDv7Generator struct{}

// New implements IDGenerator.
func (UUIDv7Generator) New() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("delivery: generate uuid v7: %w", err)
	}

	return id, nil
}

// ParseID parses the canonical string form of a record identifier.
func ParseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: id %q: %v", ErrInvalidRequest, s, err)
	}

	return id, nil
}
