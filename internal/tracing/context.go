package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// CorrelationIDKey is the context key for the event correlation id
	CorrelationIDKey ContextKey = "correlation_id"
	// AgentKey is the context key for the agent currently handling an event
	AgentKey ContextKey = "agent"
	// EventTypeKey is the context key for the event type being handled
	EventTypeKey ContextKey = "event_type"
	// RunIDKey is the context key for a broker run
	RunIDKey ContextKey = "run_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID       string
	CorrelationID string
	Agent         string
	EventType     string
	RunID         string
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, AgentKey, agent)
}

func WithEventType(ctx context.Context, eventType string) context.Context {
	return context.WithValue(ctx, EventTypeKey, eventType)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

func GetCorrelationID(ctx context.Context) string {
	return stringValue(ctx, CorrelationIDKey)
}

func GetAgent(ctx context.Context) string {
	return stringValue(ctx, AgentKey)
}

func GetEventType(ctx context.Context) string {
	return stringValue(ctx, EventTypeKey)
}

func GetRunID(ctx context.Context) string {
	return stringValue(ctx, RunIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:       GetTraceID(ctx),
		CorrelationID: GetCorrelationID(ctx),
		Agent:         GetAgent(ctx),
		EventType:     GetEventType(ctx),
		RunID:         GetRunID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, tc.CorrelationID)
	}
	if tc.Agent != "" {
		ctx = WithAgent(ctx, tc.Agent)
	}
	if tc.EventType != "" {
		ctx = WithEventType(ctx, tc.EventType)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	return ctx
}

// NewEventContext scopes a context to one agent handling one event
func NewEventContext(ctx context.Context, correlationID, eventType, agent string) context.Context {
	ctx = WithCorrelationID(ctx, correlationID)
	ctx = WithEventType(ctx, eventType)
	if agent != "" {
		ctx = WithAgent(ctx, agent)
	}
	return ctx
}

// NewRunContext starts a broker run, keeping any correlation id already present
func NewRunContext(ctx context.Context) context.Context {
	return WithRunID(ctx, NewRunID())
}
