package llm

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/conduit/pkg/fault"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicGateway implements Gateway for Anthropic Claude
type AnthropicGateway struct {
	client anthropic.Client
}

// NewAnthropicGateway creates a new Anthropic gateway. baseURL may be empty.
func NewAnthropicGateway(apiKey, baseURL string) *AnthropicGateway {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicGateway{
		client: anthropic.NewClient(opts...),
	}
}

// Provider returns the provider name
func (g *AnthropicGateway) Provider() string {
	return "anthropic"
}

// Generate makes a messages call
func (g *AnthropicGateway) Generate(ctx context.Context, req Request) (*Response, error) {
	response, err := g.client.Messages.New(ctx, g.buildParams(req))
	if err != nil {
		return nil, fault.Wrap(fault.KindGateway, "anthropic.generate", err)
	}

	content := ""
	toolCalls := []ToolCall{}

	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			toolCalls = append(toolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: b.JSON.Input.Raw(),
				Index:     len(toolCalls),
			})
		}
	}

	return &Response{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: &Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

// GenerateStream delivers a whole message as a single content chunk, its
// complete tool calls, and a Done marker.
func (g *AnthropicGateway) GenerateStream(ctx context.Context, req Request) (<-chan fault.Result[StreamChunk], error) {
	out := make(chan fault.Result[StreamChunk], 2)

	go func() {
		defer close(out)

		resp, err := g.Generate(ctx, req)
		if err != nil {
			out <- fault.Fail[StreamChunk](err)
			return
		}
		if resp.Content != "" || len(resp.ToolCalls) > 0 {
			select {
			case out <- fault.Ok(StreamChunk{Content: resp.Content, ToolCalls: resp.ToolCalls}):
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- fault.Ok(StreamChunk{Done: true, Usage: resp.Usage}):
		case <-ctx.Done():
		}
	}()

	return out, nil
}

func (g *AnthropicGateway) buildParams(req Request) anthropic.MessageNewParams {
	messages := []anthropic.MessageParam{}
	system := req.Config.SystemPrompt

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			// Anthropic takes the system prompt out of band
			if system == "" {
				system = msg.Content
			} else {
				system += "\n\n" + msg.Content
			}
		case RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, json.RawMessage(args), tc.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(convertAnthropicUserBlocks(msg)...))
		}
	}

	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: system},
		}
	}

	if req.Config.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Config.Temperature)
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.Parameters["properties"],
				},
			}
			toolParam.InputSchema.Required = requiredFields(tool.Parameters)
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params
}

func convertAnthropicUserBlocks(msg Message) []anthropic.ContentBlockParamUnion {
	if len(msg.Parts) == 0 {
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)}
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case PartText:
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
		case PartImageURL:
			blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: p.ImageURL}))
		}
	}
	return blocks
}

func requiredFields(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
