package event

import (
	"encoding/json"
	"fmt"

	"github.com/harun/conduit/pkg/llm"
)

// Terminate halts the dispatcher loop when dequeued
type Terminate struct {
	Reason string `json:"reason,omitempty"`
}

func (Terminate) EventType() Type { return TypeTerminate }

// InvokeThinking asks a thinking agent to run the conversation through the model
type InvokeThinking struct {
	Model    string        `json:"model,omitempty"`
	Messages []llm.Message `json:"messages"`
}

func (InvokeThinking) EventType() Type { return TypeInvokeThinking }

// ThinkingCompleted carries the model's final text
type ThinkingCompleted struct {
	Content string `json:"content"`
}

func (ThinkingCompleted) EventType() Type { return TypeThinkingCompleted }

// ToolCallRequested asks a tool runner to invoke a tool
type ToolCallRequested struct {
	CallID    string                 `json:"call_id,omitempty"`
	ToolName  string                 `json:"tool_name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (ToolCallRequested) EventType() Type { return TypeToolCallRequested }

// ToolCallCompleted carries a tool's successful result
type ToolCallCompleted struct {
	CallID   string      `json:"call_id,omitempty"`
	ToolName string      `json:"tool_name"`
	Result   interface{} `json:"result"`
}

func (ToolCallCompleted) EventType() Type { return TypeToolCallCompleted }

// ToolCallFailed carries the reason a tool call did not succeed
type ToolCallFailed struct {
	CallID   string `json:"call_id,omitempty"`
	ToolName string `json:"tool_name"`
	Reason   string `json:"reason"`
}

func (ToolCallFailed) EventType() Type { return TypeToolCallFailed }

// Custom is an application-defined variant identified only by its Kind
type Custom struct {
	Kind Type                   `json:"kind"`
	Data map[string]interface{} `json:"data,omitempty"`
}

func (c Custom) EventType() Type { return c.Kind }

// DecodePayload decodes raw into the payload variant for t. Unknown
// types decode as Custom.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		if t == "" {
			return nil, nil
		}
		raw = json.RawMessage("{}")
	}

	var (
		p   Payload
		err error
	)
	switch t {
	case TypeTerminate:
		var v Terminate
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeInvokeThinking:
		var v InvokeThinking
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeThinkingCompleted:
		var v ThinkingCompleted
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeToolCallRequested:
		var v ToolCallRequested
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeToolCallCompleted:
		var v ToolCallCompleted
		err = json.Unmarshal(raw, &v)
		p = v
	case TypeToolCallFailed:
		var v ToolCallFailed
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		var v Custom
		err = json.Unmarshal(raw, &v)
		if v.Kind == "" {
			v.Kind = t
		}
		p = v
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return p, nil
}
