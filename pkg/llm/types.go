package llm

import (
	"context"
	"strings"

	"github.com/harun/conduit/pkg/fault"
)

// Role is the author of a conversation turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPartType distinguishes multimodal parts
type ContentPartType string

const (
	PartText     ContentPartType = "text"
	PartImageURL ContentPartType = "image_url"
)

// ContentPart is one element of a multimodal message
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL string          `json:"image_url,omitempty"`
}

// ToolCall is a model-issued request to run a named tool. Arguments is the
// raw JSON blob as produced by the provider. Index orders fragments while
// streaming.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Index     int    `json:"index,omitempty"`
}

// Message is one turn in a conversation
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

// Text returns the textual content of the message, joining text parts
// for multimodal messages.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// UserParts builds a multimodal user message
func UserParts(parts ...ContentPart) Message {
	return Message{Role: RoleUser, Parts: parts}
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

func ImagePart(url string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: url}
}

func AssistantMessage(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolResultMessage answers the tool call identified by callID
func ToolResultMessage(callID, toolName, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, Name: toolName}
}

// ToolDescriptor advertises a tool to the model
type ToolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ResponseFormat constrains the model output to a JSON schema
type ResponseFormat struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Schema      map[string]interface{} `json:"schema"`
	Strict      bool                   `json:"strict"`
}

// Config carries per-request generation settings
type Config struct {
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	SystemPrompt   string          `json:"system_prompt,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// Request is a single gateway call
type Request struct {
	Model    string
	Messages []Message
	Config   Config
	Tools    []ToolDescriptor
}

// Usage tracks token consumption
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage value
func (u *Usage) Add(other *Usage) {
	if u == nil || other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Response is a whole completion
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *Usage
}

// StreamChunk is one increment of a streamed completion. ToolCalls hold
// fragments keyed by Index that the consumer must concatenate.
type StreamChunk struct {
	Content   string
	ToolCalls []ToolCall
	Done      bool
	Usage     *Usage
}

// Gateway is the request/response boundary to an LLM provider
type Gateway interface {
	// Generate returns a whole completion
	Generate(ctx context.Context, req Request) (*Response, error)

	// GenerateStream returns a finite stream that ends after a Done chunk
	// or an error. The channel is closed when the stream ends.
	GenerateStream(ctx context.Context, req Request) (<-chan fault.Result[StreamChunk], error)

	// Provider returns the provider name
	Provider() string
}

// IsRetryableError checks if a gateway error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	// Network errors
	if strings.Contains(errMsg, "ECONNRESET") || strings.Contains(errMsg, "ETIMEDOUT") ||
		strings.Contains(errMsg, "connection reset") {
		return true
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(strings.ToLower(errMsg), "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504", "529"} {
		if strings.Contains(errMsg, code) {
			return true
		}
	}

	return false
}
