package idgen

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Generator produces unique identifiers
type Generator interface {
	NewID() string
}

// Func adapts a function to Generator
type Func func() string

func (f Func) NewID() string {
	return f()
}

// UUID generates random v4 UUIDs
type UUID struct{}

func (UUID) NewID() string {
	return uuid.New().String()
}

// NanoID generates URL-safe nano ids
type NanoID struct {
	// Size is the id length; 21 when zero
	Size int
}

func (n NanoID) NewID() string {
	var (
		id  string
		err error
	)
	if n.Size > 0 {
		id, err = gonanoid.New(n.Size)
	} else {
		id, err = gonanoid.New()
	}
	if err != nil {
		// crypto/rand failure; fall back to a uuid rather than an empty id
		return uuid.New().String()
	}
	return id
}

// Sequence generates deterministic ids: prefix-1, prefix-2, ...
type Sequence struct {
	Prefix string

	mu  sync.Mutex
	seq int
}

// NewSequence creates a sequence generator
func NewSequence(prefix string) *Sequence {
	return &Sequence{Prefix: prefix}
}

func (s *Sequence) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("%s-%d", s.Prefix, s.seq)
}

// Default is the process default generator
var Default Generator = UUID{}
