// Package agent defines the contract between the dispatcher and the
// components that react to events.
//
// Invariants:
// - Agents return an empty slice for event types they do not handle.
// - Returned events are new values; the received event is never mutated.
//
// Usage:
//
//	pong := agent.Func("pong", func(ctx context.Context, ev event.Event) ([]event.Event, error) {
//		return []event.Event{ev.Derive("pong", event.Custom{Kind: "Pong"})}, nil
//	})
//	r.AddRoute("Ping", pong)
package agent

import (
	"context"

	"github.com/harun/conduit/pkg/event"
)

// Agent reacts to an event and returns zero or more new events
type Agent interface {
	Name() string
	ReceiveEvent(ctx context.Context, ev event.Event) ([]event.Event, error)
}

// Handler is the synchronous agent shape
type Handler interface {
	Name() string
	Handle(ev event.Event) []event.Event
}

// FromHandler adapts a synchronous handler to Agent
func FromHandler(h Handler) Agent {
	return handlerAgent{h: h}
}

type handlerAgent struct {
	h Handler
}

func (a handlerAgent) Name() string {
	return a.h.Name()
}

func (a handlerAgent) ReceiveEvent(ctx context.Context, ev event.Event) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.h.Handle(ev), nil
}

// ReceiveFunc is the function form of ReceiveEvent
type ReceiveFunc func(ctx context.Context, ev event.Event) ([]event.Event, error)

// Func builds an Agent from a closure
func Func(name string, fn ReceiveFunc) Agent {
	return funcAgent{name: name, fn: fn}
}

type funcAgent struct {
	name string
	fn   ReceiveFunc
}

func (a funcAgent) Name() string {
	return a.name
}

func (a funcAgent) ReceiveEvent(ctx context.Context, ev event.Event) ([]event.Event, error) {
	return a.fn(ctx, ev)
}

// Echo answers every event of type From with a payload-less event of type To
type Echo struct {
	AgentName string
	From      event.Type
	To        event.Type
}

// NewEcho creates an Echo agent
func NewEcho(name string, from, to event.Type) *Echo {
	return &Echo{AgentName: name, From: from, To: to}
}

func (e *Echo) Name() string {
	return e.AgentName
}

func (e *Echo) Handle(ev event.Event) []event.Event {
	if ev.Type != e.From {
		return []event.Event{}
	}
	var data map[string]interface{}
	if c, ok := ev.Payload.(event.Custom); ok {
		data = c.Data
	}
	return []event.Event{ev.Derive(e.AgentName, event.Custom{Kind: e.To, Data: data})}
}

func (e *Echo) ReceiveEvent(ctx context.Context, ev event.Event) ([]event.Event, error) {
	return FromHandler(e).ReceiveEvent(ctx, ev)
}
