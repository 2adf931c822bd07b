package schedule

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/pkg/event"
	"github.com/harun/conduit/pkg/idgen"
	"github.com/harun/conduit/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dispatcher is where fired jobs send their events
type Dispatcher interface {
	Dispatch(ev event.Event) event.Event
}

// Scheduler fires jobs on their schedules
type Scheduler struct {
	dispatcher Dispatcher
	ids        idgen.Generator
	logger     zerolog.Logger
	now        func() time.Time

	jobs    map[string]*Job
	timers  map[string]*time.Timer
	mu      sync.Mutex
	stopped bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the scheduler logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithIDGenerator sets the job id generator
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Scheduler) {
		s.ids = gen
	}
}

// New creates a scheduler that dispatches into d
func New(d Dispatcher, opts ...Option) *Scheduler {
	observability.EnsureRegistered()

	s := &Scheduler{
		dispatcher: d,
		ids:        idgen.Default,
		logger:     log.Logger,
		now:        time.Now,
		jobs:       make(map[string]*Job),
		timers:     make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers job and arms its timer if enabled
func (s *Scheduler) Add(job Job) (*Job, error) {
	if job.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if job.Prompt == "" && job.EventType == "" {
		return nil, fmt.Errorf("job %s needs an event type or a prompt", job.Name)
	}

	next, err := NextRun(job.Spec, s.now())
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("scheduler is stopped")
	}

	if job.ID == "" {
		job.ID = s.ids.NewID()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return nil, fmt.Errorf("job already exists: %s", job.ID)
	}

	j := job
	j.NextRun = next
	s.jobs[j.ID] = &j

	if j.Enabled {
		s.armLocked(&j)
	}

	s.logger.Info().
		Str("jobId", j.ID).
		Str("name", j.Name).
		Bool("enabled", j.Enabled).
		Time("nextRun", next).
		Msg("Job added")

	out := j
	return &out, nil
}

// Remove cancels and deletes a job
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	s.cancelLocked(id)
	delete(s.jobs, id)

	s.logger.Info().Str("jobId", id).Msg("Job removed")
	return nil
}

// Get returns a snapshot of a job
func (s *Scheduler) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns snapshots of all jobs sorted by name
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// RunNow fires a job immediately without changing its schedule
func (s *Scheduler) RunNow(id string) (event.Event, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return event.Event{}, fmt.Errorf("job not found: %s", id)
	}
	ev := s.buildEventLocked(j)
	s.mu.Unlock()

	return s.dispatch(j.Name, ev), nil
}

// Stop cancels all timers. A stopped scheduler rejects new jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id := range s.timers {
		s.cancelLocked(id)
	}
	s.logger.Info().Msg("Scheduler stopped")
}

// armLocked schedules the job's timer (must hold lock)
func (s *Scheduler) armLocked(job *Job) {
	if job.NextRun.IsZero() {
		return
	}

	// If already past due, fire immediately
	delay := job.NextRun.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	id := job.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.fire(id)
	})

	s.logger.Debug().
		Str("jobId", id).
		Dur("delay", delay).
		Msg("Job scheduled")
}

// cancelLocked cancels a job's timer (must hold lock)
func (s *Scheduler) cancelLocked(id string) {
	if timer, exists := s.timers[id]; exists {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	job, exists := s.jobs[id]
	if !exists {
		s.mu.Unlock()
		return
	}

	now := s.now()
	job.LastRun = now
	job.Runs++
	ev := s.buildEventLocked(job)
	name := job.Name
	delete(s.timers, id)

	if job.Spec.Kind == KindAt {
		job.NextRun = time.Time{}
		job.Enabled = false
	} else {
		next, err := NextRun(job.Spec, now)
		if err != nil {
			s.logger.Error().Err(err).Str("jobId", id).Msg("Failed to compute next run, disabling job")
			job.Enabled = false
			job.NextRun = time.Time{}
		} else {
			job.NextRun = next
			s.armLocked(job)
		}
	}
	s.mu.Unlock()

	s.dispatch(name, ev)
}

func (s *Scheduler) dispatch(name string, ev event.Event) event.Event {
	out := s.dispatcher.Dispatch(ev)
	observability.RecordScheduleTrigger(name)

	s.logger.Info().
		Str("job", name).
		Str("eventType", string(out.Type)).
		Str("correlation_id", out.CorrelationID).
		Msg("Job fired")
	return out
}

func (s *Scheduler) buildEventLocked(job *Job) event.Event {
	source := "schedule:" + job.Name
	if job.Prompt != "" {
		return event.New(source, event.InvokeThinking{
			Model:    job.Model,
			Messages: []llm.Message{llm.UserMessage(job.Prompt)},
		})
	}

	var data map[string]interface{}
	if len(job.Data) > 0 {
		data = make(map[string]interface{}, len(job.Data))
		for k, v := range job.Data {
			data[k] = v
		}
	}
	return event.New(source, event.Custom{Kind: event.Type(job.EventType), Data: data})
}
