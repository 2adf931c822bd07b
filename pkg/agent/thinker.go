package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/broker"
	"github.com/harun/conduit/pkg/event"
	"github.com/harun/conduit/pkg/llm"
	"github.com/harun/conduit/pkg/tool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ThinkerConfig configures a Thinker
type ThinkerConfig struct {
	Name   string
	Model  string
	Config llm.Config
	// Tools run inside the broker's tool loop
	Tools []tool.Tool
	// Delegate lists tools the model may call that are handed off as
	// ToolCallRequested events instead of being run in place
	Delegate []llm.ToolDescriptor
	Logger   *zerolog.Logger
}

// Thinker answers InvokeThinking events through a broker
type Thinker struct {
	name     string
	model    string
	config   llm.Config
	tools    []tool.Tool
	delegate []llm.ToolDescriptor
	broker   *broker.Broker
	logger   zerolog.Logger
}

// NewThinker creates a thinking agent
func NewThinker(b *broker.Broker, cfg ThinkerConfig) *Thinker {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	name := cfg.Name
	if name == "" {
		name = "thinker"
	}
	return &Thinker{
		name:     name,
		model:    cfg.Model,
		config:   cfg.Config,
		tools:    cfg.Tools,
		delegate: cfg.Delegate,
		broker:   b,
		logger:   logger,
	}
}

func (t *Thinker) Name() string {
	return t.name
}

func (t *Thinker) ReceiveEvent(ctx context.Context, ev event.Event) ([]event.Event, error) {
	req, ok := ev.Payload.(event.InvokeThinking)
	if !ok {
		return []event.Event{}, nil
	}

	ctx = tracing.NewEventContext(ctx, ev.CorrelationID, string(ev.Type), t.name)
	logger := tracing.LoggerFromContext(ctx, t.logger)

	model := req.Model
	if model == "" {
		model = t.model
	}

	tools := append([]tool.Tool(nil), t.tools...)
	handoff := &handoffSet{}
	for _, d := range t.delegate {
		tools = append(tools, &delegatedTool{desc: d, handoff: handoff})
	}

	start := time.Now()
	content, err := t.broker.Generate(ctx, broker.Request{
		Model:    model,
		Messages: req.Messages,
		Config:   t.config,
		Tools:    tools,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Thinking failed")
		return nil, fmt.Errorf("thinker %s: %w", t.name, err)
	}

	out := make([]event.Event, 0, len(handoff.calls)+1)
	for _, call := range handoff.drain() {
		out = append(out, ev.Derive(t.name, call))
	}
	out = append(out, ev.Derive(t.name, event.ThinkingCompleted{Content: content}))

	logger.Debug().
		Int("delegated", len(out)-1).
		Dur("duration", time.Since(start)).
		Msg("Thinking completed")
	return out, nil
}

type handoffSet struct {
	mu    sync.Mutex
	calls []event.ToolCallRequested
}

func (h *handoffSet) add(c event.ToolCallRequested) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, c)
}

func (h *handoffSet) drain() []event.ToolCallRequested {
	h.mu.Lock()
	defer h.mu.Unlock()
	calls := h.calls
	h.calls = nil
	return calls
}

// delegatedTool records the call for hand-off and tells the model the
// request was accepted
type delegatedTool struct {
	desc    llm.ToolDescriptor
	handoff *handoffSet
	seq     int
	mu      sync.Mutex
}

func (d *delegatedTool) Name() string {
	return d.desc.Name
}

func (d *delegatedTool) Descriptor() llm.ToolDescriptor {
	return d.desc
}

func (d *delegatedTool) Run(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	d.mu.Lock()
	d.seq++
	callID := fmt.Sprintf("%s-%d", d.desc.Name, d.seq)
	d.mu.Unlock()

	d.handoff.add(event.ToolCallRequested{
		CallID:    callID,
		ToolName:  d.desc.Name,
		Arguments: args,
	})
	return map[string]interface{}{"status": "delegated", "call_id": callID}, nil
}
