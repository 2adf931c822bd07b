package broker

import (
	"context"
	"sort"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/fault"
	"github.com/harun/conduit/pkg/llm"
	"github.com/harun/conduit/pkg/tool"
	"go.opentelemetry.io/otel/attribute"
)

type streamRun struct {
	req           Request
	registry      *tool.Registry
	descriptors   []llm.ToolDescriptor
	history       []llm.Message
	maxIterations int
}

// Stream returns model output as it arrives. Tool calls are accumulated
// across chunks and executed when a turn completes, after which a new
// streaming turn starts with the tool results appended. The channel is
// closed when the model finishes or the first error is delivered.
func (b *Broker) Stream(ctx context.Context, req Request) (<-chan fault.Result[string], error) {
	ctx = tracing.NewRunContext(ctx)

	registry := tool.NewRegistry(req.Tools...)
	registry.SetLogger(b.logger)

	run := &streamRun{
		req:           req,
		registry:      registry,
		descriptors:   registry.Descriptors(),
		history:       append([]llm.Message(nil), req.Messages...),
		maxIterations: b.iterationBound(req),
	}

	chunks, err := b.openStream(ctx, run)
	if err != nil {
		return nil, err
	}

	out := make(chan fault.Result[string])
	go func() {
		defer close(out)
		b.pump(ctx, run, chunks, out)
	}()
	return out, nil
}

func (b *Broker) openStream(ctx context.Context, run *streamRun) (<-chan fault.Result[llm.StreamChunk], error) {
	return withRetry(ctx, b, "stream", func(ctx context.Context) (<-chan fault.Result[llm.StreamChunk], error) {
		return b.gateway.GenerateStream(ctx, llm.Request{
			Model:    run.req.Model,
			Messages: run.history,
			Config:   run.req.Config,
			Tools:    run.descriptors,
		})
	})
}

func (b *Broker) pump(ctx context.Context, run *streamRun, chunks <-chan fault.Result[llm.StreamChunk], out chan<- fault.Result[string]) {
	ctx, span := tracing.StartSpan(ctx, "conduit.broker", "broker.stream", attribute.String("model", run.req.Model))
	var spanErr error
	defer func() { tracing.EndSpan(span, spanErr) }()

	logger := tracing.LoggerFromContext(ctx, b.logger)
	fail := func(err error) {
		spanErr = err
		select {
		case out <- fault.Fail[string](err):
		case <-ctx.Done():
		}
	}

	for iteration := 0; ; iteration++ {
		content, calls, err := b.consume(ctx, chunks, out)
		if err != nil {
			fail(err)
			return
		}

		if len(calls) == 0 {
			observability.RecordBrokerIterations("stream", iteration)
			logger.Debug().Int("iterations", iteration).Msg("Stream completed")
			return
		}

		calls = b.ensureCallIDs(calls)
		logger.Debug().
			Int("iteration", iteration).
			Int("tool_calls", len(calls)).
			Msg("Model requested tools while streaming")

		run.history = append(run.history, llm.AssistantMessage(content, calls...))
		run.history = append(run.history, b.executeToolCalls(ctx, run.registry, calls)...)

		if iteration+1 >= run.maxIterations {
			observability.RecordBrokerIterations("stream", run.maxIterations)
			logger.Warn().Int("max_iterations", run.maxIterations).Msg("Tool iteration limit reached")
			fail(fault.Newf(fault.KindIterationLimit, "broker.stream", "maximum tool iterations exceeded (%d)", run.maxIterations))
			return
		}

		chunks, err = b.openStream(ctx, run)
		if err != nil {
			fail(err)
			return
		}
	}
}

// consume forwards content chunks to out and accumulates tool-call
// fragments by index until the turn completes
func (b *Broker) consume(ctx context.Context, chunks <-chan fault.Result[llm.StreamChunk], out chan<- fault.Result[string]) (string, []llm.ToolCall, error) {
	var content []byte
	acc := make(map[int]*llm.ToolCall)

	for {
		var (
			res fault.Result[llm.StreamChunk]
			ok  bool
		)
		select {
		case <-ctx.Done():
			return "", nil, fault.Wrap(fault.KindGateway, "broker.stream", ctx.Err())
		case res, ok = <-chunks:
		}
		if !ok {
			return "", nil, fault.New(fault.KindGateway, "broker.stream", "stream ended before completion")
		}

		chunk, err := res.Unwrap()
		if err != nil {
			return "", nil, classifyGateway("stream", err)
		}

		if chunk.Content != "" {
			content = append(content, chunk.Content...)
			select {
			case out <- fault.Ok(chunk.Content):
			case <-ctx.Done():
				return "", nil, fault.Wrap(fault.KindGateway, "broker.stream", ctx.Err())
			}
		}

		for _, frag := range chunk.ToolCalls {
			call, exists := acc[frag.Index]
			if !exists {
				call = &llm.ToolCall{Index: frag.Index}
				acc[frag.Index] = call
			}
			if frag.ID != "" {
				call.ID = frag.ID
			}
			if frag.Name != "" {
				call.Name = frag.Name
			}
			call.Arguments += frag.Arguments
		}

		if chunk.Done {
			return string(content), orderedCalls(acc), nil
		}
	}
}

func orderedCalls(acc map[int]*llm.ToolCall) []llm.ToolCall {
	if len(acc) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(acc))
	for i := range acc {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]llm.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		calls = append(calls, *acc[i])
	}
	return calls
}
