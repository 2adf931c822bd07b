package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/agent"
	"github.com/harun/conduit/pkg/event"
	"github.com/harun/conduit/pkg/eventstore"
	"github.com/harun/conduit/pkg/fault"
	"github.com/harun/conduit/pkg/idgen"
	"github.com/harun/conduit/pkg/router"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Hook types emitted by the dispatcher
const (
	HookDispatched  = "dispatched"
	HookProcessed   = "processed"
	HookAgentFailed = "agent_failed"
	HookTerminated  = "terminated"
)

// HookEvent describes dispatcher activity delivered to hooks
type HookEvent struct {
	Type     string
	Event    event.Event
	Agent    string
	Err      error
	QueueLen int
}

// Hook handles dispatcher activity. Hooks run synchronously on the
// goroutine that produced the activity.
type Hook func(HookEvent)

// Config configures a Dispatcher
type Config struct {
	Router      *router.Router
	IDGenerator idgen.Generator
	// BatchSize is the maximum number of events processed between idle pauses
	BatchSize int
	// IdleInterval is the pause after every batch
	IdleInterval time.Duration
	// PollInterval is how often WaitForEmptyQueue checks the queue
	PollInterval  time.Duration
	TerminateType event.Type
	// Recorder receives every dispatched, processed and failed event. Optional.
	Recorder eventstore.Recorder
	Logger   *zerolog.Logger
}

// DefaultConfig returns the default dispatcher settings
func DefaultConfig() Config {
	return Config{
		IDGenerator:   idgen.Default,
		BatchSize:     10,
		IdleInterval:  100 * time.Millisecond,
		PollInterval:  100 * time.Millisecond,
		TerminateType: event.TypeTerminate,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Router == nil {
		c.Router = router.New()
	}
	if c.IDGenerator == nil {
		c.IDGenerator = def.IDGenerator
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = def.IdleInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.TerminateType == "" {
		c.TerminateType = def.TerminateType
	}
}

// Dispatcher owns the event queue and delivers each event to the agents
// routed for its type, in FIFO order, one event at a time
type Dispatcher struct {
	cfg    Config
	logger zerolog.Logger

	mu            sync.Mutex
	queue         []event.Event
	inFlight      int
	running       bool
	stopRequested bool
	done          chan struct{}
	wake          chan struct{}

	hooks  map[string][]Hook
	hookMu sync.RWMutex
}

// New creates a stopped dispatcher
func New(cfg Config) *Dispatcher {
	observability.EnsureRegistered()
	cfg.applyDefaults()

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Dispatcher{
		cfg:    cfg,
		logger: logger.With().Str("component", "dispatcher").Logger(),
		queue:  make([]event.Event, 0),
		wake:   make(chan struct{}, 1),
		hooks:  make(map[string][]Hook),
	}
}

// Router returns the router agents are looked up in
func (d *Dispatcher) Router() *router.Router {
	return d.cfg.Router
}

// Dispatch assigns a correlation id when ev has none and appends it to the
// queue. It is safe to call in any state; events queued while stopped are
// processed after the next Start.
func (d *Dispatcher) Dispatch(ev event.Event) event.Event {
	if ev.CorrelationID == "" {
		ev.CorrelationID = d.cfg.IDGenerator.NewID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	ctx, span := tracing.StartSpan(
		tracing.NewEventContext(context.Background(), ev.CorrelationID, string(ev.Type), ""),
		"conduit.dispatcher",
		"dispatcher.dispatch",
		attribute.String("event_type", string(ev.Type)),
	)
	defer span.End()

	queueLen := d.enqueue(ev)

	logger := tracing.LoggerFromContext(ctx, d.logger)
	logger.Debug().
		Str("source", ev.Source).
		Int("queueLength", queueLen).
		Msg("Event dispatched")

	observability.RecordDispatch(string(ev.Type), queueLen)
	d.record(ctx, ev, "", eventstore.StageDispatched, nil)
	d.emit(HookEvent{Type: HookDispatched, Event: ev, QueueLen: queueLen})

	return ev
}

func (d *Dispatcher) enqueue(events ...event.Event) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, events...)
	return len(d.queue)
}

// dequeue pops the head of the queue and marks it in flight
func (d *Dispatcher) dequeue() (event.Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) == 0 {
		return event.Event{}, false
	}
	ev := d.queue[0]
	d.queue[0] = event.Event{}
	d.queue = d.queue[1:]
	d.inFlight++
	return ev, true
}

func (d *Dispatcher) settle() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight--
	return len(d.queue)
}

// Start launches the processing loop unless it is already running. A
// pending stop request is cleared either way.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.stopRequested = false
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	done := make(chan struct{})
	d.done = done
	d.mu.Unlock()

	d.logger.Info().
		Int("batchSize", d.cfg.BatchSize).
		Dur("idleInterval", d.cfg.IdleInterval).
		Msg("Dispatcher started")

	go d.loop(ctx, done)
}

// Stop requests the loop to halt once the current batch is done and waits
// for it to exit
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopRequested = true
	done := d.done
	running := d.running
	d.mu.Unlock()

	if !running || done == nil {
		return
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-done

	d.logger.Info().Msg("Dispatcher stopped")
}

// IsRunning reports whether the loop is active
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// QueueLength returns the number of events waiting to be processed
func (d *Dispatcher) QueueLength() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// exitIfStopped marks the loop stopped under the same lock Start checks,
// so a concurrent Start either keeps this loop or launches a new one
func (d *Dispatcher) exitIfStopped(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopRequested || ctx.Err() != nil {
		d.running = false
		return true
	}
	return false
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if d.exitIfStopped(ctx) {
			return
		}

		d.processBatch(ctx)

		if d.exitIfStopped(ctx) {
			return
		}

		// Stop cuts the idle pause short
		select {
		case <-ctx.Done():
		case <-d.wake:
		case <-time.After(d.cfg.IdleInterval):
		}
	}
}

// processBatch handles at most BatchSize events. The batch is sized when it
// starts, so events emitted during it wait for the next one.
func (d *Dispatcher) processBatch(ctx context.Context) {
	start := time.Now()
	size := min(d.cfg.BatchSize, d.QueueLength())
	processed := 0

	for processed < size {
		ev, ok := d.dequeue()
		if !ok {
			break
		}
		processed++

		terminated := d.process(ctx, ev)
		queueLen := d.settle()
		observability.RecordProcessed(string(ev.Type), queueLen)

		if terminated {
			break
		}
	}

	if processed > 0 {
		observability.RecordBatch(time.Since(start))
	}
}

// process delivers ev to its agents and enqueues what they emit. It
// returns true when ev is the terminate event.
func (d *Dispatcher) process(ctx context.Context, ev event.Event) bool {
	ctx = tracing.NewEventContext(ctx, ev.CorrelationID, string(ev.Type), "")
	logger := tracing.LoggerFromContext(ctx, d.logger)

	if ev.Type == d.cfg.TerminateType {
		d.mu.Lock()
		d.stopRequested = true
		d.mu.Unlock()

		logger.Info().Msg("Terminate event received")
		d.record(ctx, ev, "", eventstore.StageTerminated, nil)
		d.emit(HookEvent{Type: HookTerminated, Event: ev, QueueLen: d.QueueLength()})
		return true
	}

	ctx, span := tracing.StartSpan(ctx, "conduit.dispatcher", "dispatcher.process",
		attribute.String("event_type", string(ev.Type)),
	)
	defer span.End()

	agents := d.cfg.Router.Agents(ev)
	if len(agents) == 0 {
		logger.Debug().Msg("No agents routed for event")
	}

	for _, a := range agents {
		agentCtx := tracing.WithAgent(ctx, a.Name())
		agentLog := tracing.LoggerFromContext(agentCtx, d.logger)
		start := time.Now()
		emitted, err := d.invoke(agentCtx, a, ev)
		duration := time.Since(start)
		observability.RecordAgentInvocation(a.Name(), duration, err == nil)

		if err != nil {
			span.RecordError(err)
			agentLog.Error().
				Err(err).
				Dur("duration", duration).
				Msg("Agent failed")
			d.record(agentCtx, ev, a.Name(), eventstore.StageFailed, err)
			d.emit(HookEvent{Type: HookAgentFailed, Event: ev, Agent: a.Name(), Err: err})
			continue
		}

		if len(emitted) == 0 {
			continue
		}

		now := time.Now()
		for i := range emitted {
			if emitted[i].CorrelationID == "" {
				emitted[i].CorrelationID = ev.CorrelationID
			}
			if emitted[i].Timestamp.IsZero() {
				emitted[i].Timestamp = now
			}
			if emitted[i].Source == "" {
				emitted[i].Source = a.Name()
			}
		}
		queueLen := d.enqueue(emitted...)

		for _, out := range emitted {
			observability.RecordDispatch(string(out.Type), queueLen)
			d.record(agentCtx, out, a.Name(), eventstore.StageEmitted, nil)
		}

		agentLog.Debug().
			Int("emitted", len(emitted)).
			Dur("duration", duration).
			Msg("Agent completed")
	}

	d.record(ctx, ev, "", eventstore.StageProcessed, nil)
	d.emit(HookEvent{Type: HookProcessed, Event: ev, QueueLen: d.QueueLength()})
	return false
}

// invoke calls the agent, turning a panic into an error
func (d *Dispatcher) invoke(ctx context.Context, a agent.Agent, ev event.Event) (out []event.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent %s panicked: %v", a.Name(), r)
		}
	}()
	return a.ReceiveEvent(ctx, ev)
}

func (d *Dispatcher) record(ctx context.Context, ev event.Event, agentName string, stage eventstore.Stage, err error) {
	if d.cfg.Recorder == nil {
		return
	}
	rec := eventstore.Record{Event: ev, Agent: agentName, Stage: stage, At: time.Now()}
	if err != nil {
		rec.Err = err.Error()
	}
	if recErr := d.cfg.Recorder.Record(tracing.Detach(ctx), rec); recErr != nil {
		d.logger.Warn().Err(recErr).Str("stage", string(stage)).Msg("Failed to record event")
	}
}

// WaitForEmptyQueue blocks until the queue is empty and no event is being
// processed. A timeout of zero or less waits until ctx ends.
func (d *Dispatcher) WaitForEmptyQueue(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		d.mu.Lock()
		drained := len(d.queue) == 0 && d.inFlight == 0
		d.mu.Unlock()

		if drained {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			d.logger.Warn().Dur("timeout", timeout).Int("queueLength", d.QueueLength()).Msg("Timeout waiting for empty queue")
			return fault.Newf(fault.KindTimeout, "dispatcher.wait", "queue not empty after %s", timeout)
		case <-ticker.C:
		}
	}
}

// On registers a hook for a hook type
func (d *Dispatcher) On(hookType string, hook Hook) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.hooks[hookType] = append(d.hooks[hookType], hook)
}

// Off removes all hooks for a hook type
func (d *Dispatcher) Off(hookType string) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	delete(d.hooks, hookType)
}

// emit calls hooks synchronously
func (d *Dispatcher) emit(he HookEvent) {
	d.hookMu.RLock()
	hooks := d.hooks[he.Type]
	d.hookMu.RUnlock()

	for _, hook := range hooks {
		hook(he)
	}
}
