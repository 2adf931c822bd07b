package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/conduit/pkg/fault"
	"github.com/harun/conduit/pkg/idgen"
	"github.com/harun/conduit/pkg/llm"
	"github.com/harun/conduit/pkg/tool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedGateway replays canned responses and records every request
type scriptedGateway struct {
	mu        sync.Mutex
	responses []*llm.Response
	streams   [][]llm.StreamChunk
	errs      []error
	requests  []llm.Request
}

func (g *scriptedGateway) Provider() string { return "scripted" }

func (g *scriptedGateway) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = append(g.requests, cloneRequest(req))
	if len(g.errs) > 0 {
		err := g.errs[0]
		g.errs = g.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(g.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}
	resp := g.responses[0]
	if len(g.responses) > 1 {
		g.responses = g.responses[1:]
	}
	return resp, nil
}

func (g *scriptedGateway) GenerateStream(ctx context.Context, req llm.Request) (<-chan fault.Result[llm.StreamChunk], error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.requests = append(g.requests, cloneRequest(req))
	if len(g.streams) == 0 {
		return nil, errors.New("no scripted stream left")
	}
	chunks := g.streams[0]
	if len(g.streams) > 1 {
		g.streams = g.streams[1:]
	}

	out := make(chan fault.Result[llm.StreamChunk], len(chunks))
	for _, c := range chunks {
		out <- fault.Ok(c)
	}
	close(out)
	return out, nil
}

func (g *scriptedGateway) calls() []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.Request(nil), g.requests...)
}

func cloneRequest(req llm.Request) llm.Request {
	req.Messages = append([]llm.Message(nil), req.Messages...)
	return req
}

func quietBroker(gw llm.Gateway, opts ...Option) *Broker {
	opts = append([]Option{
		WithLogger(zerolog.Nop()),
		WithRetry(1, time.Millisecond),
		WithCallIDGenerator(idgen.NewSequence("call")),
	}, opts...)
	return New(gw, opts...)
}

func weatherTool() tool.Tool {
	return tool.MustFunctionTool(tool.Definition{
		Name:        "weather",
		Description: "Looks up weather for a city",
		Parameters: []tool.Parameter{
			{Name: "city", Type: "string", Description: "city name", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"city": params["city"], "tempC": 21.5}, nil
		},
	})
}

func toolTurn(calls ...llm.ToolCall) *llm.Response {
	return &llm.Response{ToolCalls: calls}
}

func lastMessage(req llm.Request) llm.Message {
	return req.Messages[len(req.Messages)-1]
}

func TestGenerate(t *testing.T) {
	t.Run("should return text when no tools are requested", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.Response{{Content: "hello"}}}
		b := quietBroker(gw)

		text, err := b.Generate(context.Background(), Request{Messages: []llm.Message{llm.UserMessage("hi")}})
		require.NoError(t, err)
		assert.Equal(t, "hello", text)
		assert.Len(t, gw.calls(), 1)
	})

	t.Run("should complete a tool round trip in two gateway calls", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.Response{
			toolTurn(llm.ToolCall{ID: "c1", Name: "weather", Arguments: `{"city":"Oslo"}`}),
			{Content: "It is 21.5C in Oslo"},
		}}
		b := quietBroker(gw)

		res, err := b.Run(context.Background(), Request{
			Messages: []llm.Message{llm.UserMessage("weather in Oslo?")},
			Tools:    []tool.Tool{weatherTool()},
		})
		require.NoError(t, err)
		assert.Equal(t, "It is 21.5C in Oslo", res.Content)
		assert.Equal(t, 1, res.Iterations)

		calls := gw.calls()
		require.Len(t, calls, 2)
		require.Len(t, calls[0].Tools, 1)
		assert.Equal(t, "weather", calls[0].Tools[0].Name)

		second := calls[1].Messages
		require.Len(t, second, 3)
		assert.Equal(t, llm.RoleAssistant, second[1].Role)
		require.Len(t, second[1].ToolCalls, 1)
		assert.Equal(t, "c1", second[1].ToolCalls[0].ID)

		result := second[2]
		assert.Equal(t, llm.RoleTool, result.Role)
		assert.Equal(t, "c1", result.ToolCallID)
		assert.JSONEq(t, `{"city":"Oslo","tempC":21.5}`, result.Content)
	})

	t.Run("should keep one result per call in call order", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.Response{
			toolTurn(
				llm.ToolCall{ID: "a", Name: "weather", Arguments: `{"city":"Rome"}`},
				llm.ToolCall{ID: "b", Name: "weather", Arguments: `{"city":"Lima"}`},
			),
			{Content: "done"},
		}}
		b := quietBroker(gw)

		_, err := b.Generate(context.Background(), Request{
			Messages: []llm.Message{llm.UserMessage("two cities")},
			Tools:    []tool.Tool{weatherTool()},
		})
		require.NoError(t, err)

		msgs := gw.calls()[1].Messages
		require.Len(t, msgs, 4)
		assert.Equal(t, "a", msgs[2].ToolCallID)
		assert.Equal(t, "b", msgs[3].ToolCallID)
	})

	t.Run("should fail when the iteration bound is reached", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.Response{
			toolTurn(llm.ToolCall{ID: "c1", Name: "weather", Arguments: `{"city":"Oslo"}`}),
		}}
		b := quietBroker(gw)

		_, err := b.Generate(context.Background(), Request{
			Messages:          []llm.Message{llm.UserMessage("loop")},
			Tools:             []tool.Tool{weatherTool()},
			MaxToolIterations: 1,
		})
		require.Error(t, err)
		assert.Equal(t, fault.KindIterationLimit, fault.KindOf(err))
		assert.Len(t, gw.calls(), 1)
	})

	t.Run("should use the broker default bound", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.Response{
			toolTurn(llm.ToolCall{ID: "c1", Name: "weather", Arguments: `{"city":"Oslo"}`}),
		}}
		b := quietBroker(gw, WithMaxToolIterations(3))

		_, err := b.Generate(context.Background(), Request{Tools: []tool.Tool{weatherTool()}})
		assert.True(t, fault.Is(err, fault.KindIterationLimit))
		assert.Len(t, gw.calls(), 3)
	})

	t.Run("should report unknown tools to the model", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.Response{
			toolTurn(llm.ToolCall{ID: "c1", Name: "missing", Arguments: `{}`}),
			{Content: "sorry"},
		}}
		b := quietBroker(gw)

		text, err := b.Generate(context.Background(), Request{Tools: []tool.Tool{weatherTool()}})
		require.NoError(t, err)
		assert.Equal(t, "sorry", text)

		result := lastMessage(gw.calls()[1])
		assert.JSONEq(t, `{"error":"tool not found: missing","kind":"tool_not_found"}`, result.Content)
	})

	t.Run("should report malformed arguments to the model", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.Response{
			toolTurn(llm.ToolCall{ID: "c1", Name: "weather", Arguments: `{"city":`}),
			{Content: "retrying"},
		}}
		b := quietBroker(gw)

		_, err := b.Generate(context.Background(), Request{Tools: []tool.Tool{weatherTool()}})
		require.NoError(t, err)

		var payload map[string]string
		require.NoError(t, json.Unmarshal([]byte(lastMessage(gw.calls()[1]).Content), &payload))
		assert.Equal(t, string(fault.KindArgumentParse), payload["kind"])
		assert.NotEmpty(t, payload["error"])
	})

	t.Run("should report tool failures to the model", func(t *testing.T) {
		failing := tool.MustFunctionTool(tool.Definition{
			Name:        "explode",
			Description: "Always fails",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return nil, errors.New("kaboom")
			},
		})
		gw := &scriptedGateway{responses: []*llm.Response{
			toolTurn(llm.ToolCall{ID: "c1", Name: "explode"}),
			{Content: "it failed"},
		}}
		b := quietBroker(gw)

		_, err := b.Generate(context.Background(), Request{Tools: []tool.Tool{failing}})
		require.NoError(t, err)

		var payload map[string]string
		require.NoError(t, json.Unmarshal([]byte(lastMessage(gw.calls()[1]).Content), &payload))
		assert.Equal(t, string(fault.KindTool), payload["kind"])
		assert.Contains(t, payload["error"], "kaboom")
	})

	t.Run("should assign ids to calls without one", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.Response{
			toolTurn(llm.ToolCall{Name: "weather", Arguments: `{"city":"Oslo"}`}),
			{Content: "ok"},
		}}
		b := quietBroker(gw)

		_, err := b.Generate(context.Background(), Request{Tools: []tool.Tool{weatherTool()}})
		require.NoError(t, err)

		msgs := gw.calls()[1].Messages
		assert.Equal(t, "call_call-1", msgs[0].ToolCalls[0].ID)
		assert.Equal(t, "call_call-1", msgs[1].ToolCallID)
	})

	t.Run("should wrap permanent gateway errors", func(t *testing.T) {
		gw := &scriptedGateway{errs: []error{errors.New("invalid api key")}}
		b := quietBroker(gw)

		_, err := b.Generate(context.Background(), Request{})
		require.Error(t, err)
		assert.Equal(t, fault.KindGateway, fault.KindOf(err))
		assert.Len(t, gw.calls(), 1)
	})

	t.Run("should retry transient gateway errors", func(t *testing.T) {
		gw := &scriptedGateway{
			errs:      []error{errors.New("status 503"), nil},
			responses: []*llm.Response{{Content: "recovered"}},
		}
		b := quietBroker(gw, WithRetry(3, time.Millisecond))

		text, err := b.Generate(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, "recovered", text)
		assert.Len(t, gw.calls(), 2)
	})

	t.Run("should not mutate the caller's messages", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.Response{
			toolTurn(llm.ToolCall{ID: "c1", Name: "weather", Arguments: `{"city":"Oslo"}`}),
			{Content: "ok"},
		}}
		b := quietBroker(gw)

		messages := make([]llm.Message, 1, 8)
		messages[0] = llm.UserMessage("hi")
		_, err := b.Generate(context.Background(), Request{Messages: messages, Tools: []tool.Tool{weatherTool()}})
		require.NoError(t, err)
		assert.Len(t, messages, 1)
		assert.Empty(t, messages[:2][1].Role)
	})
}

func TestEncodeOutputRoundTrip(t *testing.T) {
	values := []interface{}{
		map[string]interface{}{"a": 1.0, "b": []interface{}{"x", true, nil}},
		[]interface{}{1.0, 2.0, 3.0},
		"plain string",
		42.0,
		nil,
	}
	for _, v := range values {
		encoded, err := EncodeOutput(v)
		require.NoError(t, err)

		var decoded interface{}
		require.NoError(t, json.Unmarshal([]byte(encoded), &decoded))
		assert.Equal(t, v, decoded)
	}

	t.Run("should fail on values json cannot encode", func(t *testing.T) {
		_, err := EncodeOutput(map[string]interface{}{"ch": make(chan int)})
		assert.Error(t, err)
	})
}

func TestErrorPayload(t *testing.T) {
	assert.JSONEq(t, `{"error":"boom","kind":"tool"}`, ErrorPayload(fault.KindTool, "boom"))
}

func TestGenerateObject(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string"},
			"age":  map[string]interface{}{"type": "integer"},
		},
		"required": []interface{}{"name", "age"},
	}

	type person struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}

	t.Run("should decode a conforming reply", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.Response{{Content: `{"name":"Ada","age":36}`}}}
		b := quietBroker(gw)

		var p person
		require.NoError(t, b.GenerateObject(context.Background(), Request{}, schema, &p))
		assert.Equal(t, person{Name: "Ada", Age: 36}, p)

		format := gw.calls()[0].Config.ResponseFormat
		require.NotNil(t, format)
		assert.True(t, format.Strict)
		assert.Equal(t, schema, format.Schema)
	})

	t.Run("should accept fenced json", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.Response{{Content: "```json\n{\"name\":\"Bo\",\"age\":3}\n```"}}}
		b := quietBroker(gw)

		p, err := GenerateAs[person](context.Background(), b, Request{}, schema)
		require.NoError(t, err)
		assert.Equal(t, "Bo", p.Name)
	})

	t.Run("should classify non-json replies as parse errors", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.Response{{Content: "I am not JSON"}}}
		b := quietBroker(gw)

		var p person
		err := b.GenerateObject(context.Background(), Request{}, schema, &p)
		assert.Equal(t, fault.KindParse, fault.KindOf(err))
	})

	t.Run("should classify schema mismatches as validation errors", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.Response{{Content: `{"name":"Ada"}`}}}
		b := quietBroker(gw)

		var p person
		err := b.GenerateObject(context.Background(), Request{}, schema, &p)
		assert.Equal(t, fault.KindValidation, fault.KindOf(err))
		assert.Contains(t, err.Error(), "age")
	})
}

func collect(t *testing.T, ch <-chan fault.Result[string]) (string, error) {
	t.Helper()
	var text string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				return text, nil
			}
			v, err := res.Unwrap()
			if err != nil {
				return text, err
			}
			text += v
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestStream(t *testing.T) {
	t.Run("should forward content chunks", func(t *testing.T) {
		gw := &scriptedGateway{streams: [][]llm.StreamChunk{{
			{Content: "Hel"}, {Content: "lo"}, {Done: true},
		}}}
		b := quietBroker(gw)

		ch, err := b.Stream(context.Background(), Request{})
		require.NoError(t, err)
		text, err := collect(t, ch)
		require.NoError(t, err)
		assert.Equal(t, "Hello", text)
	})

	t.Run("should accumulate tool call fragments and continue", func(t *testing.T) {
		gw := &scriptedGateway{streams: [][]llm.StreamChunk{
			{
				{Content: "Checking. "},
				{ToolCalls: []llm.ToolCall{{Index: 0, ID: "c1", Name: "weather", Arguments: `{"ci`}}},
				{ToolCalls: []llm.ToolCall{{Index: 0, Arguments: `ty":"Oslo"}`}}},
				{Done: true},
			},
			{{Content: "Sunny."}, {Done: true}},
		}}
		b := quietBroker(gw)

		ch, err := b.Stream(context.Background(), Request{Tools: []tool.Tool{weatherTool()}})
		require.NoError(t, err)
		text, err := collect(t, ch)
		require.NoError(t, err)
		assert.Equal(t, "Checking. Sunny.", text)

		calls := gw.calls()
		require.Len(t, calls, 2)
		msgs := calls[1].Messages
		require.Len(t, msgs, 2)
		assert.Equal(t, "Checking. ", msgs[0].Content)
		assert.Equal(t, `{"city":"Oslo"}`, msgs[0].ToolCalls[0].Arguments)
		assert.JSONEq(t, `{"city":"Oslo","tempC":21.5}`, msgs[1].Content)
	})

	t.Run("should order accumulated calls by index", func(t *testing.T) {
		gw := &scriptedGateway{streams: [][]llm.StreamChunk{
			{
				{ToolCalls: []llm.ToolCall{{Index: 1, ID: "second", Name: "weather", Arguments: `{"city":"B"}`}}},
				{ToolCalls: []llm.ToolCall{{Index: 0, ID: "first", Name: "weather", Arguments: `{"city":"A"}`}}},
				{Done: true},
			},
			{{Done: true}},
		}}
		b := quietBroker(gw)

		ch, err := b.Stream(context.Background(), Request{Tools: []tool.Tool{weatherTool()}})
		require.NoError(t, err)
		_, err = collect(t, ch)
		require.NoError(t, err)

		msgs := gw.calls()[1].Messages
		assert.Equal(t, "first", msgs[0].ToolCalls[0].ID)
		assert.Equal(t, "second", msgs[0].ToolCalls[1].ID)
		assert.Equal(t, "first", msgs[1].ToolCallID)
	})

	t.Run("should stop at the iteration bound", func(t *testing.T) {
		gw := &scriptedGateway{streams: [][]llm.StreamChunk{{
			{ToolCalls: []llm.ToolCall{{Index: 0, ID: "c1", Name: "weather", Arguments: `{"city":"Oslo"}`}}},
			{Done: true},
		}}}
		b := quietBroker(gw)

		ch, err := b.Stream(context.Background(), Request{Tools: []tool.Tool{weatherTool()}, MaxToolIterations: 2})
		require.NoError(t, err)
		_, err = collect(t, ch)
		assert.True(t, fault.Is(err, fault.KindIterationLimit))
		assert.Len(t, gw.calls(), 2)
	})

	t.Run("should fail when the stream ends early", func(t *testing.T) {
		gw := &scriptedGateway{streams: [][]llm.StreamChunk{{{Content: "partial"}}}}
		b := quietBroker(gw)

		ch, err := b.Stream(context.Background(), Request{})
		require.NoError(t, err)
		text, err := collect(t, ch)
		assert.Equal(t, "partial", text)
		assert.True(t, fault.Is(err, fault.KindGateway))
	})

	t.Run("should surface an opening failure directly", func(t *testing.T) {
		b := quietBroker(&scriptedGateway{})

		_, err := b.Stream(context.Background(), Request{})
		assert.True(t, fault.Is(err, fault.KindGateway))
	})

	t.Run("should stream from the echo gateway", func(t *testing.T) {
		b := quietBroker(llm.NewEchoGateway())

		ch, err := b.Stream(context.Background(), Request{Messages: []llm.Message{llm.UserMessage("one two three")}})
		require.NoError(t, err)
		text, err := collect(t, ch)
		require.NoError(t, err)
		assert.Equal(t, "one two three", text)
	})
}
