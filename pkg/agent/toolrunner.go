package agent

import (
	"context"

	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/event"
	"github.com/harun/conduit/pkg/tool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ToolRunner executes ToolCallRequested events against a registry.
// Tool faults become ToolCallFailed events, not errors.
type ToolRunner struct {
	name     string
	registry *tool.Registry
	logger   zerolog.Logger
}

// NewToolRunner creates a tool-running agent
func NewToolRunner(name string, registry *tool.Registry) *ToolRunner {
	if name == "" {
		name = "tool-runner"
	}
	return &ToolRunner{name: name, registry: registry, logger: log.Logger}
}

// SetLogger replaces the agent logger
func (r *ToolRunner) SetLogger(logger zerolog.Logger) {
	r.logger = logger
}

func (r *ToolRunner) Name() string {
	return r.name
}

func (r *ToolRunner) ReceiveEvent(ctx context.Context, ev event.Event) ([]event.Event, error) {
	req, ok := ev.Payload.(event.ToolCallRequested)
	if !ok {
		return []event.Event{}, nil
	}

	ctx = tracing.NewEventContext(ctx, ev.CorrelationID, string(ev.Type), r.name)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	res := r.registry.Execute(ctx, req.ToolName, req.Arguments)

	if !res.Success {
		logger.Warn().
			Str("tool", req.ToolName).
			Str("kind", string(res.Kind)).
			Str("reason", res.Error).
			Msg("Tool call failed")
		return []event.Event{ev.Derive(r.name, event.ToolCallFailed{
			CallID:   req.CallID,
			ToolName: req.ToolName,
			Reason:   res.Error,
		})}, nil
	}

	return []event.Event{ev.Derive(r.name, event.ToolCallCompleted{
		CallID:   req.CallID,
		ToolName: req.ToolName,
		Result:   res.Output,
	})}, nil
}
