// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings for runs and items.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Bytes parses id into its raw form. Identifiers that are not UUIDs map to the
// zero value.
func Bytes(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

// String renders raw bytes as a UUID string.
func String(raw [16]byte) string {
	return uuid.UUID(raw).String()
}

// Short returns eight random hex characters, enough to tell processes apart
// in lease owner names.
func Short() string {
	return uuid.NewString()[:8]
}
