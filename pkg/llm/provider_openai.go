package llm

import (
	"context"

	"github.com/harun/conduit/pkg/fault"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIGateway implements Gateway for OpenAI chat completions
type OpenAIGateway struct {
	client openai.Client
}

// NewOpenAIGateway creates a new OpenAI gateway. baseURL may be empty.
func NewOpenAIGateway(apiKey, baseURL string) *OpenAIGateway {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIGateway{
		client: openai.NewClient(opts...),
	}
}

// Provider returns the provider name
func (g *OpenAIGateway) Provider() string {
	return "openai"
}

// Generate makes a chat completion call
func (g *OpenAIGateway) Generate(ctx context.Context, req Request) (*Response, error) {
	params := g.buildParams(req)

	response, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fault.Wrap(fault.KindGateway, "openai.generate", err)
	}

	if len(response.Choices) == 0 {
		return nil, fault.New(fault.KindGateway, "openai.generate", "no response choices returned")
	}

	choice := response.Choices[0]

	toolCalls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for i, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
			Index:     i,
		})
	}

	return &Response{
		Content:   choice.Message.Content,
		ToolCalls: toolCalls,
		Usage: &Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}

// GenerateStream streams a chat completion. Tool-call fragments are passed
// through with their provider index.
func (g *OpenAIGateway) GenerateStream(ctx context.Context, req Request) (<-chan fault.Result[StreamChunk], error) {
	params := g.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := g.client.Chat.Completions.NewStreaming(ctx, params)
	out := make(chan fault.Result[StreamChunk])

	go func() {
		defer close(out)
		defer stream.Close()

		send := func(r fault.Result[StreamChunk]) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var usage *Usage
		finished := false
		for stream.Next() {
			ck := stream.Current()
			if ck.Usage.PromptTokens > 0 || ck.Usage.CompletionTokens > 0 {
				usage = &Usage{
					InputTokens:  int(ck.Usage.PromptTokens),
					OutputTokens: int(ck.Usage.CompletionTokens),
				}
			}
			for _, ch := range ck.Choices {
				chunk := StreamChunk{Content: ch.Delta.Content}
				for _, tc := range ch.Delta.ToolCalls {
					chunk.ToolCalls = append(chunk.ToolCalls, ToolCall{
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
						Index:     int(tc.Index),
					})
				}
				if chunk.Content != "" || len(chunk.ToolCalls) > 0 {
					if !send(fault.Ok(chunk)) {
						return
					}
				}
				if ch.FinishReason != "" {
					finished = true
				}
			}
		}

		if err := stream.Err(); err != nil {
			send(fault.Fail[StreamChunk](fault.Wrap(fault.KindGateway, "openai.stream", err)))
			return
		}
		if !finished {
			send(fault.Fail[StreamChunk](fault.New(fault.KindGateway, "openai.stream", "stream ended without finish reason")))
			return
		}
		send(fault.Ok(StreamChunk{Done: true, Usage: usage}))
	}()

	return out, nil
}

func (g *OpenAIGateway) buildParams(req Request) openai.ChatCompletionNewParams {
	messages := []openai.ChatCompletionMessageParamUnion{}

	if req.Config.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.Config.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleUser:
			messages = append(messages, convertOpenAIUserMessage(msg))
		case RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					})
				}
				assistantMsg := openai.ChatCompletionMessage{
					Role:      "assistant",
					Content:   msg.Content,
					ToolCalls: toolCalls,
				}
				messages = append(messages, assistantMsg.ToParam())
			} else {
				messages = append(messages, openai.AssistantMessage(msg.Content))
			}
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.Config.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.Config.MaxTokens))
	}

	if req.Config.Temperature > 0 {
		params.Temperature = openai.Float(req.Config.Temperature)
	}

	if rf := req.Config.ResponseFormat; rf != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        rf.Name,
					Schema:      rf.Schema,
					Strict:      openai.Bool(rf.Strict),
					Description: openai.String(rf.Description),
				},
			},
		}
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.Parameters),
				},
			})
		}
		params.Tools = tools
	}

	return params
}

func convertOpenAIUserMessage(msg Message) openai.ChatCompletionMessageParamUnion {
	if len(msg.Parts) == 0 {
		return openai.UserMessage(msg.Content)
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case PartText:
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfText: &openai.ChatCompletionContentPartTextParam{Text: p.Text},
			})
		case PartImageURL:
			parts = append(parts, openai.ChatCompletionContentPartUnionParam{
				OfImageURL: &openai.ChatCompletionContentPartImageParam{
					ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: p.ImageURL},
				},
			})
		}
	}

	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfArrayOfContentParts: parts,
			},
		},
	}
}
