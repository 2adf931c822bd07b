package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/event"
	"github.com/harun/conduit/pkg/fault"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Processor consumes a complete set of correlated events
type Processor interface {
	ProcessEvents(ctx context.Context, events []event.Event) ([]event.Event, error)
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, events []event.Event) ([]event.Event, error)

func (f ProcessorFunc) ProcessEvents(ctx context.Context, events []event.Event) ([]event.Event, error) {
	return f(ctx, events)
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithLogger sets the aggregator logger
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// Aggregator is an agent that buffers events per correlation id until
// every needed type has arrived, then hands the set to its processor.
// Events of types outside the needed set are still buffered and passed
// along with the set.
type Aggregator struct {
	name      string
	needed    []event.Type
	processor Processor
	logger    zerolog.Logger

	mu      sync.Mutex
	pending map[string][]event.Event
	waiters map[string][]chan []event.Event
}

// New creates an aggregator that reaches quorum once an event of each
// needed type has been received for a correlation id
func New(name string, needed []event.Type, processor Processor, opts ...Option) *Aggregator {
	observability.EnsureRegistered()

	a := &Aggregator{
		name:      name,
		needed:    append([]event.Type(nil), needed...),
		processor: processor,
		logger:    log.Logger,
		pending:   make(map[string][]event.Event),
		waiters:   make(map[string][]chan []event.Event),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) Name() string {
	return a.name
}

// ReceiveEvent buffers ev. When quorum is reached the accumulation is
// cleared, waiters are released, and the processor's output is returned.
func (a *Aggregator) ReceiveEvent(ctx context.Context, ev event.Event) ([]event.Event, error) {
	if ev.CorrelationID == "" {
		return nil, fault.Newf(fault.KindMissingCorrelation, "aggregator.receive", "event %s from %s has no correlation id", ev.Type, ev.Source)
	}

	ctx = tracing.NewEventContext(ctx, ev.CorrelationID, string(ev.Type), a.name)
	logger := tracing.LoggerFromContext(ctx, a.logger)

	complete, waiters := a.accumulate(ev)
	if complete == nil {
		logger.Debug().Msg("Event buffered, quorum not reached")
		return nil, nil
	}

	observability.RecordAggregatorQuorum(a.name)
	for _, w := range waiters {
		// buffered with capacity 1; a timed-out waiter leaves its slot unread
		select {
		case w <- complete:
		default:
		}
	}

	logger.Debug().Int("events", len(complete)).Msg("Quorum reached")

	if a.processor == nil {
		return []event.Event{}, nil
	}

	out, err := a.processor.ProcessEvents(ctx, complete)
	if err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].CorrelationID == "" {
			out[i].CorrelationID = ev.CorrelationID
		}
	}
	return out, nil
}

// accumulate appends ev and, on quorum, removes the accumulation and
// detaches its waiters in the same critical section
func (a *Aggregator) accumulate(ev event.Event) ([]event.Event, []chan []event.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := ev.CorrelationID
	events := append(a.pending[id], ev)

	if !a.hasQuorum(events) {
		a.pending[id] = events
		observability.SetAggregatorPending(a.name, len(a.pending))
		return nil, nil
	}

	delete(a.pending, id)
	waiters := a.waiters[id]
	delete(a.waiters, id)
	observability.SetAggregatorPending(a.name, len(a.pending))
	return events, waiters
}

func (a *Aggregator) hasQuorum(events []event.Event) bool {
	seen := make(map[event.Type]bool, len(events))
	for _, e := range events {
		seen[e.Type] = true
	}
	for _, t := range a.needed {
		if !seen[t] {
			return false
		}
	}
	return true
}

// WaitForEvents blocks until quorum is reached for correlationID and
// returns the complete set. A timeout of zero or less waits until ctx ends.
func (a *Aggregator) WaitForEvents(ctx context.Context, correlationID string, timeout time.Duration) ([]event.Event, error) {
	ch := make(chan []event.Event, 1)

	a.mu.Lock()
	a.waiters[correlationID] = append(a.waiters[correlationID], ch)
	a.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case events := <-ch:
		return events, nil
	case <-deadline:
		observability.RecordAggregatorTimeout(a.name)
		return nil, fault.Newf(fault.KindTimeout, "aggregator.wait", "timed out after %s waiting for %s", timeout, correlationID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the events buffered for correlationID
func (a *Aggregator) Pending(correlationID string) []event.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]event.Event(nil), a.pending[correlationID]...)
}

// PendingCorrelations returns how many correlation ids have partial sets
func (a *Aggregator) PendingCorrelations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
