// Package ident provides id generation for domain records.
package ident

import (
	"strconv"

	"github.com/google/uuid"
)

// Generator produces unique identifiers.
type Generator interface {
	NewID() string
}

// UUID generates random UUIDv4 identifiers.
type UUID struct{}

// NewID returns a new UUID string.
func (UUID) NewID() string { return uuid.New().String() }

// Sequence generates deterministic ids for tests: prefix-1, prefix-2, ...
type Sequence struct {
	Prefix string
	n      int
}

// NewID returns the next id in the sequence.
func (s *Sequence) NewID() string {
	s.n++
	return s.Prefix + "-" + strconv.Itoa(s.n)
}
