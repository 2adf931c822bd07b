package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/fault"
	"github.com/harun/conduit/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Result represents the outcome of a tool execution
type Result struct {
	Success  bool          `json:"success"`
	Output   interface{}   `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Kind     fault.Kind    `json:"kind,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Err returns the failure as a classified error, or nil on success
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return fault.New(r.Kind, "", r.Error)
}

// Registry holds tools by name and executes them
type Registry struct {
	tools  map[string]Tool
	logger zerolog.Logger
	mu     sync.RWMutex
}

// NewRegistry creates a registry pre-populated with tools. Later tools
// replace earlier ones with the same name.
func NewRegistry(tools ...Tool) *Registry {
	observability.EnsureRegistered()

	r := &Registry{
		tools:  make(map[string]Tool, len(tools)),
		logger: log.Logger,
	}
	for _, t := range tools {
		if t != nil {
			r.tools[t.Name()] = t
		}
	}
	return r
}

// SetLogger replaces the registry logger
func (r *Registry) SetLogger(logger zerolog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register adds a tool, rejecting duplicate names
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool already registered: %s", t.Name())
	}
	r.tools[t.Name()] = t

	r.logger.Debug().Str("tool", t.Name()).Msg("Tool registered")
	return nil
}

// RegisterFunc builds a FunctionTool from def and registers it
func (r *Registry) RegisterFunc(def Definition) error {
	t, err := NewFunctionTool(def)
	if err != nil {
		return err
	}
	return r.Register(t)
}

// Unregister removes a tool
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tool names in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Descriptors returns the model-facing descriptors of every tool, sorted by name
func (r *Registry) Descriptors() []llm.ToolDescriptor {
	names := r.List()
	out := make([]llm.ToolDescriptor, 0, len(names))
	for _, name := range names {
		if t, ok := r.Get(name); ok {
			out = append(out, t.Descriptor())
		}
	}
	return out
}

// Execute runs the named tool. Failures never escape as errors; they are
// reported in the Result with their kind.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) Result {
	startTime := time.Now()

	ctx, span := tracing.StartSpan(ctx, "conduit.tool", "tool.execute", attribute.String("tool", name))

	r.mu.RLock()
	t, ok := r.tools[name]
	logger := tracing.LoggerFromContext(ctx, r.logger)
	r.mu.RUnlock()

	if !ok {
		err := fault.Newf(fault.KindToolNotFound, "tool.execute", "tool not found: %s", name)
		logger.Warn().Str("tool", name).Msg("Tool not found")
		observability.RecordToolExecution(name, time.Since(startTime), string(fault.KindToolNotFound))
		tracing.EndSpan(span, err)
		return Result{Success: false, Error: err.Message, Kind: fault.KindToolNotFound, Duration: time.Since(startTime)}
	}

	logger.Debug().Str("tool", name).Msg("Executing tool")

	output, err := t.Run(ctx, args)
	duration := time.Since(startTime)
	tracing.EndSpan(span, err)

	if err != nil {
		kind := fault.KindOf(err)
		if kind == fault.KindUnknown {
			kind = fault.KindTool
		}
		logger.Error().
			Str("tool", name).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")
		observability.RecordToolExecution(name, duration, string(kind))
		return Result{Success: false, Error: err.Error(), Kind: kind, Duration: duration}
	}

	logger.Debug().
		Str("tool", name).
		Dur("duration", duration).
		Msg("Tool execution completed")
	observability.RecordToolExecution(name, duration, "")

	return Result{Success: true, Output: output, Duration: duration}
}
