package coreid

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// UuidGen mints opaque unique identifiers for every entity in the data model.
type UuidGen interface {
	New() uuid.UUID
}

// GoogleUUIDGen backs UuidGen with google/uuid's random (v4) generator.
type GoogleUUIDGen struct{}

func (GoogleUUIDGen) New() uuid.UUID {
	return uuid.New()
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
