package generator

import (
	"github.com/google/uuid"
)

// Generator is an interface that defines a method to generate a new value of type T.
// This can be used to generate unique identifiers, lazily iterate, etc.
type Generator[T any] interface {
	Next() (T, error)
}

// UUIDV7Generator produces UUIDv7 strings. They sort by creation time, which
// keeps the playback journal in insertion order.
type UUIDV7Generator struct{}

func (g *UUIDV7Generator) Next() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var _ Generator[string] = &UUIDV7Generator{}
