package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/conduit/pkg/broker"
	"github.com/harun/conduit/pkg/event"
	"github.com/harun/conduit/pkg/fault"
	"github.com/harun/conduit/pkg/llm"
	"github.com/harun/conduit/pkg/tool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upperHandler struct{}

func (upperHandler) Name() string { return "upper" }

func (upperHandler) Handle(ev event.Event) []event.Event {
	if ev.Type != "Lower" {
		return []event.Event{}
	}
	return []event.Event{ev.Derive("upper", event.Custom{Kind: "Upper"})}
}

func TestFromHandler(t *testing.T) {
	a := FromHandler(upperHandler{})
	assert.Equal(t, "upper", a.Name())

	t.Run("should adapt synchronous handlers", func(t *testing.T) {
		in := event.Signal("test", "Lower").WithCorrelationID("c1")
		out, err := a.ReceiveEvent(context.Background(), in)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, event.Type("Upper"), out[0].Type)
		assert.Equal(t, "c1", out[0].CorrelationID)
	})

	t.Run("should return empty for unknown types", func(t *testing.T) {
		out, err := a.ReceiveEvent(context.Background(), event.Signal("test", "Other"))
		require.NoError(t, err)
		assert.NotNil(t, out)
		assert.Empty(t, out)
	})

	t.Run("should honor cancelled contexts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := a.ReceiveEvent(ctx, event.Signal("test", "Lower"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFunc(t *testing.T) {
	boom := errors.New("boom")
	a := Func("failing", func(ctx context.Context, ev event.Event) ([]event.Event, error) {
		return nil, boom
	})
	assert.Equal(t, "failing", a.Name())
	_, err := a.ReceiveEvent(context.Background(), event.Signal("test", "Any"))
	assert.ErrorIs(t, err, boom)
}

func TestEcho(t *testing.T) {
	e := NewEcho("pong", "Ping", "Pong")

	t.Run("should answer ping with pong", func(t *testing.T) {
		ping := event.New("test", event.Custom{Kind: "Ping", Data: map[string]interface{}{"n": 1}}).WithCorrelationID("c1")
		out, err := e.ReceiveEvent(context.Background(), ping)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, event.Type("Pong"), out[0].Type)
		assert.Equal(t, "pong", out[0].Source)
		assert.Equal(t, "c1", out[0].CorrelationID)
		assert.Equal(t, 1, out[0].Payload.(event.Custom).Data["n"])
	})

	t.Run("should ignore other types", func(t *testing.T) {
		assert.Empty(t, e.Handle(event.Signal("test", "Pong")))
	})
}

type fixedGateway struct {
	responses []*llm.Response
	calls     int
}

func (g *fixedGateway) Provider() string { return "fixed" }

func (g *fixedGateway) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if g.calls >= len(g.responses) {
		return nil, errors.New("unexpected call")
	}
	resp := g.responses[g.calls]
	g.calls++
	return resp, nil
}

func (g *fixedGateway) GenerateStream(ctx context.Context, req llm.Request) (<-chan fault.Result[llm.StreamChunk], error) {
	return nil, errors.New("not supported")
}

func quietBroker(gw llm.Gateway) *broker.Broker {
	return broker.New(gw, broker.WithLogger(zerolog.Nop()), broker.WithRetry(1, time.Millisecond))
}

func TestThinker(t *testing.T) {
	nop := zerolog.Nop()

	t.Run("should complete thinking", func(t *testing.T) {
		gw := &fixedGateway{responses: []*llm.Response{{Content: "42"}}}
		th := NewThinker(quietBroker(gw), ThinkerConfig{Logger: &nop})
		assert.Equal(t, "thinker", th.Name())

		in := event.New("user", event.InvokeThinking{Messages: []llm.Message{llm.UserMessage("answer?")}}).WithCorrelationID("c1")
		out, err := th.ReceiveEvent(context.Background(), in)
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, event.TypeThinkingCompleted, out[0].Type)
		assert.Equal(t, "42", out[0].Payload.(event.ThinkingCompleted).Content)
		assert.Equal(t, "c1", out[0].CorrelationID)
	})

	t.Run("should hand off delegated tool calls", func(t *testing.T) {
		gw := &fixedGateway{responses: []*llm.Response{
			{ToolCalls: []llm.ToolCall{{ID: "x", Name: "search", Arguments: `{"q":"go"}`}}},
			{Content: "searching"},
		}}
		th := NewThinker(quietBroker(gw), ThinkerConfig{
			Name:   "planner",
			Logger: &nop,
			Delegate: []llm.ToolDescriptor{{
				Name:        "search",
				Description: "Web search",
				Parameters:  map[string]interface{}{"type": "object"},
			}},
		})

		in := event.New("user", event.InvokeThinking{Messages: []llm.Message{llm.UserMessage("find go")}}).WithCorrelationID("c2")
		out, err := th.ReceiveEvent(context.Background(), in)
		require.NoError(t, err)
		require.Len(t, out, 2)

		req := out[0].Payload.(event.ToolCallRequested)
		assert.Equal(t, "search", req.ToolName)
		assert.Equal(t, "go", req.Arguments["q"])
		assert.Equal(t, "c2", out[0].CorrelationID)
		assert.Equal(t, event.TypeThinkingCompleted, out[1].Type)
	})

	t.Run("should return gateway failures as errors", func(t *testing.T) {
		th := NewThinker(quietBroker(&fixedGateway{}), ThinkerConfig{Logger: &nop})
		_, err := th.ReceiveEvent(context.Background(), event.New("user", event.InvokeThinking{}))
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.KindGateway))
	})

	t.Run("should ignore other events", func(t *testing.T) {
		th := NewThinker(quietBroker(&fixedGateway{}), ThinkerConfig{Logger: &nop})
		out, err := th.ReceiveEvent(context.Background(), event.Signal("user", "Ping"))
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}

func TestToolRunner(t *testing.T) {
	registry := tool.NewRegistry(tool.MustFunctionTool(tool.Definition{
		Name:        "double",
		Description: "Doubles a number",
		Parameters:  []tool.Parameter{{Name: "n", Type: "number", Required: true}},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["n"].(float64) * 2, nil
		},
	}))
	registry.SetLogger(zerolog.Nop())
	runner := NewToolRunner("", registry)
	runner.SetLogger(zerolog.Nop())

	t.Run("should emit completion", func(t *testing.T) {
		in := event.New("thinker", event.ToolCallRequested{CallID: "1", ToolName: "double", Arguments: map[string]interface{}{"n": 4.0}})
		out, err := runner.ReceiveEvent(context.Background(), in)
		require.NoError(t, err)
		require.Len(t, out, 1)
		done := out[0].Payload.(event.ToolCallCompleted)
		assert.Equal(t, "1", done.CallID)
		assert.Equal(t, 8.0, done.Result)
	})

	t.Run("should emit failure for unknown tools", func(t *testing.T) {
		in := event.New("thinker", event.ToolCallRequested{CallID: "2", ToolName: "triple"})
		out, err := runner.ReceiveEvent(context.Background(), in)
		require.NoError(t, err)
		require.Len(t, out, 1)
		failed := out[0].Payload.(event.ToolCallFailed)
		assert.Contains(t, failed.Reason, "tool not found")
	})

	t.Run("should emit failure for invalid arguments", func(t *testing.T) {
		in := event.New("thinker", event.ToolCallRequested{CallID: "3", ToolName: "double", Arguments: map[string]interface{}{}})
		out, err := runner.ReceiveEvent(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, event.TypeToolCallFailed, out[0].Type)
	})
}
