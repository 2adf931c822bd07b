package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/harun/conduit/pkg/event"
)

// Stage marks where in the dispatcher an event was observed
type Stage string

const (
	StageDispatched Stage = "dispatched"
	StageProcessed  Stage = "processed"
	StageEmitted    Stage = "emitted"
	StageFailed     Stage = "failed"
	StageTerminated Stage = "terminated"
)

// Record is one observation of an event
type Record struct {
	Event event.Event `json:"event"`
	Agent string      `json:"agent,omitempty"`
	Stage Stage       `json:"stage"`
	Err   string      `json:"error,omitempty"`
	At    time.Time   `json:"at"`
}

// Recorder persists event observations. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Reader queries recorded events
type Reader interface {
	ByCorrelation(ctx context.Context, correlationID string) ([]Record, error)
}

// Store is a Recorder that can be read back and closed
type Store interface {
	Recorder
	Reader
	Close() error
}

// MemoryStore keeps records in process memory
type MemoryStore struct {
	records []Record
	limit   int
	mu      sync.RWMutex
}

// NewMemoryStore creates an in-memory store. A positive limit keeps only
// the most recent records.
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{limit: limit}
}

func (s *MemoryStore) Record(ctx context.Context, rec Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if s.limit > 0 && len(s.records) > s.limit {
		s.records = append([]Record(nil), s.records[len(s.records)-s.limit:]...)
	}
	return nil
}

func (s *MemoryStore) ByCorrelation(ctx context.Context, correlationID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, r := range s.records {
		if r.Event.CorrelationID == correlationID {
			out = append(out, r)
		}
	}
	return out, nil
}

// All returns every record in insertion order
func (s *MemoryStore) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.records...)
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error {
	return nil
}
