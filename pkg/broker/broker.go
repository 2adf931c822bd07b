package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/fault"
	"github.com/harun/conduit/pkg/idgen"
	"github.com/harun/conduit/pkg/llm"
	"github.com/harun/conduit/pkg/tool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxToolIterations bounds LLM↔tool round trips per request
const DefaultMaxToolIterations = 10

// Broker drives tool-calling conversations against a gateway
type Broker struct {
	gateway           llm.Gateway
	maxToolIterations int
	maxRetries        int
	retryBaseDelay    time.Duration
	callIDs           idgen.Generator
	logger            zerolog.Logger
}

// Option configures a Broker
type Option func(*Broker)

// WithMaxToolIterations sets the default iteration bound
func WithMaxToolIterations(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxToolIterations = n
		}
	}
}

// WithRetry sets gateway retry attempts and the first backoff delay.
// maxRetries of 1 disables retrying.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(b *Broker) {
		if maxRetries > 0 {
			b.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			b.retryBaseDelay = baseDelay
		}
	}
}

// WithLogger sets the broker logger
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithCallIDGenerator sets the generator used for tool calls that arrive
// without an id
func WithCallIDGenerator(gen idgen.Generator) Option {
	return func(b *Broker) {
		if gen != nil {
			b.callIDs = gen
		}
	}
}

// New creates a broker over gateway
func New(gateway llm.Gateway, opts ...Option) *Broker {
	observability.EnsureRegistered()

	b := &Broker{
		gateway:           gateway,
		maxToolIterations: DefaultMaxToolIterations,
		maxRetries:        3,
		retryBaseDelay:    time.Second,
		callIDs:           idgen.NanoID{Size: 12},
		logger:            log.Logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Request is one broker invocation
type Request struct {
	Model    string
	Messages []llm.Message
	Config   llm.Config
	Tools    []tool.Tool
	// MaxToolIterations overrides the broker default when positive
	MaxToolIterations int
}

// Result is the outcome of a whole-response generation
type Result struct {
	Content    string
	Messages   []llm.Message
	Usage      llm.Usage
	Iterations int
}

// Generate runs the tool loop and returns the model's final text
func (b *Broker) Generate(ctx context.Context, req Request) (string, error) {
	res, err := b.Run(ctx, req)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

// Run runs the tool loop and returns the final text with the full history
func (b *Broker) Run(ctx context.Context, req Request) (result *Result, err error) {
	ctx = tracing.NewRunContext(ctx)
	ctx, span := tracing.StartSpan(
		ctx,
		"conduit.broker",
		"broker.generate",
		attribute.String("model", req.Model),
		attribute.Int("tools", len(req.Tools)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	logger := tracing.LoggerFromContext(ctx, b.logger)
	registry := tool.NewRegistry(req.Tools...)
	registry.SetLogger(b.logger)
	descriptors := registry.Descriptors()
	maxIterations := b.iterationBound(req)

	history := make([]llm.Message, len(req.Messages), len(req.Messages)+4)
	copy(history, req.Messages)

	usage := llm.Usage{}

	for iteration := 0; iteration < maxIterations; iteration++ {
		resp, err := b.generateWithRetry(ctx, llm.Request{
			Model:    req.Model,
			Messages: history,
			Config:   req.Config,
			Tools:    descriptors,
		})
		if err != nil {
			return nil, err
		}
		usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			history = append(history, llm.AssistantMessage(resp.Content))
			observability.RecordBrokerIterations("generate", iteration)
			logger.Debug().
				Int("iterations", iteration).
				Int("input_tokens", usage.InputTokens).
				Int("output_tokens", usage.OutputTokens).
				Msg("Generation completed")
			return &Result{
				Content:    resp.Content,
				Messages:   history,
				Usage:      usage,
				Iterations: iteration,
			}, nil
		}

		calls := b.ensureCallIDs(resp.ToolCalls)
		logger.Debug().
			Int("iteration", iteration).
			Int("tool_calls", len(calls)).
			Msg("Model requested tools")

		history = append(history, llm.AssistantMessage(resp.Content, calls...))
		history = append(history, b.executeToolCalls(ctx, registry, calls)...)
	}

	observability.RecordBrokerIterations("generate", maxIterations)
	logger.Warn().Int("max_iterations", maxIterations).Msg("Tool iteration limit reached")
	return nil, fault.Newf(fault.KindIterationLimit, "broker.generate", "maximum tool iterations exceeded (%d)", maxIterations)
}

func (b *Broker) iterationBound(req Request) int {
	if req.MaxToolIterations > 0 {
		return req.MaxToolIterations
	}
	return b.maxToolIterations
}

// ensureCallIDs fills in ids for providers that omit them; tool results
// are matched to calls by id.
func (b *Broker) ensureCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = "call_" + b.callIDs.NewID()
		}
		out[i] = c
	}
	return out
}

// executeToolCalls runs every call and returns one tool-result message per
// call, in call order. Individual failures become error payloads so the
// model can recover on its next turn.
func (b *Broker) executeToolCalls(ctx context.Context, registry *tool.Registry, calls []llm.ToolCall) []llm.Message {
	messages := make([]llm.Message, 0, len(calls))
	for _, call := range calls {
		messages = append(messages, llm.ToolResultMessage(call.ID, call.Name, b.executeToolCall(ctx, registry, call)))
	}
	return messages
}

func (b *Broker) executeToolCall(ctx context.Context, registry *tool.Registry, call llm.ToolCall) string {
	if _, ok := registry.Get(call.Name); !ok {
		logger := tracing.LoggerFromContext(ctx, b.logger)
		logger.Warn().Str("tool", call.Name).Msg("Model requested unknown tool")
		return ErrorPayload(fault.KindToolNotFound, fmt.Sprintf("tool not found: %s", call.Name))
	}

	args, err := tool.ParseArguments(call.Arguments)
	if err != nil {
		return ErrorPayload(fault.KindArgumentParse, err.Error())
	}

	res := registry.Execute(ctx, call.Name, args)
	if !res.Success {
		return ErrorPayload(res.Kind, res.Error)
	}

	content, err := EncodeOutput(res.Output)
	if err != nil {
		return ErrorPayload(fault.KindTool, err.Error())
	}
	return content
}

// EncodeOutput serializes a tool result for a tool message
func EncodeOutput(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool output: %w", err)
	}
	return string(data), nil
}

// ErrorPayload is the structured body of a failed tool-result message
func ErrorPayload(kind fault.Kind, message string) string {
	data, _ := json.Marshal(struct {
		Error string     `json:"error"`
		Kind  fault.Kind `json:"kind"`
	}{Error: message, Kind: kind})
	return string(data)
}

// generateWithRetry calls the gateway with exponential backoff on
// retryable errors
func (b *Broker) generateWithRetry(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return withRetry(ctx, b, "generate", func(ctx context.Context) (*llm.Response, error) {
		return b.gateway.Generate(ctx, req)
	})
}

func withRetry[T any](ctx context.Context, b *Broker, mode string, call func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	logger := tracing.LoggerFromContext(ctx, b.logger)

	for attempt := 0; attempt < b.maxRetries; attempt++ {
		ctx, span := tracing.StartSpan(ctx, "conduit.broker", "gateway."+mode,
			attribute.String("provider", b.gateway.Provider()),
			attribute.Int("attempt", attempt+1),
		)
		start := time.Now()
		value, err := call(ctx)
		observability.RecordGatewayCall(b.gateway.Provider(), mode, time.Since(start), err == nil)
		tracing.EndSpan(span, err)

		if err == nil {
			return value, nil
		}
		lastErr = err

		// Don't retry on permanent errors
		if !llm.IsRetryableError(err) {
			return zero, classifyGateway(mode, err)
		}

		// Last attempt - don't wait
		if attempt == b.maxRetries-1 {
			break
		}

		delay := b.retryBaseDelay * time.Duration(1<<attempt)
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after gateway error")

		select {
		case <-ctx.Done():
			return zero, fault.Wrap(fault.KindGateway, "broker."+mode, ctx.Err())
		case <-time.After(delay):
		}
	}

	return zero, &fault.Error{
		Kind:    fault.KindGateway,
		Op:      "broker." + mode,
		Message: fmt.Sprintf("max retries (%d) exceeded: %v", b.maxRetries, lastErr),
		Err:     lastErr,
	}
}

func classifyGateway(mode string, err error) error {
	if fault.KindOf(err) != fault.KindUnknown {
		return err
	}
	return fault.Wrap(fault.KindGateway, "broker."+mode, err)
}
