package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the type of schedule
type Kind string

const (
	KindAt    Kind = "at"
	KindEvery Kind = "every"
	KindCron  Kind = "cron"
)

// Spec is a time specification for a job
type Spec struct {
	Kind Kind `json:"kind"`

	// For "at" schedules
	At string `json:"at,omitempty"` // RFC 3339 timestamp

	// For "every" schedules
	Every time.Duration `json:"every,omitempty"`

	// For "cron" schedules
	Expr string `json:"expr,omitempty"` // 5-field cron expression
	TZ   string `json:"tz,omitempty"`
}

// Job injects an event into the dispatcher whenever its schedule fires.
// When Prompt is set the event is an InvokeThinking carrying it as a user
// message; otherwise it is a custom event of EventType carrying Data.
type Job struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Spec      Spec                   `json:"spec"`
	EventType string                 `json:"eventType,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Prompt    string                 `json:"prompt,omitempty"`
	Model     string                 `json:"model,omitempty"`
	Enabled   bool                   `json:"enabled"`

	NextRun time.Time `json:"nextRun,omitempty"`
	LastRun time.Time `json:"lastRun,omitempty"`
	Runs    int       `json:"runs"`
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a 5-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// NextRun returns the next time spec fires after now. The zero time means
// the schedule will not fire again.
func NextRun(spec Spec, now time.Time) (time.Time, error) {
	switch spec.Kind {
	case KindAt:
		if spec.At == "" {
			return time.Time{}, fmt.Errorf("'at' schedule requires 'at' field")
		}
		t, err := time.Parse(time.RFC3339, spec.At)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
		}
		return t, nil

	case KindEvery:
		if spec.Every <= 0 {
			return time.Time{}, fmt.Errorf("'every' schedule requires a positive interval")
		}
		return now.Add(spec.Every), nil

	case KindCron:
		if spec.Expr == "" {
			return time.Time{}, fmt.Errorf("'cron' schedule requires 'expr' field")
		}
		sched, err := ParseCron(spec.Expr)
		if err != nil {
			return time.Time{}, err
		}
		if spec.TZ != "" {
			loc, err := time.LoadLocation(spec.TZ)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
			}
			now = now.In(loc)
		}
		return sched.Next(now), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", spec.Kind)
	}
}
