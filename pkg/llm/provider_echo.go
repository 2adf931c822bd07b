package llm

import (
	"context"
	"strings"

	"github.com/harun/conduit/pkg/fault"
)

// EchoGateway answers with the last user message. It never requests tools
// and needs no credentials, which makes it useful for offline runs.
type EchoGateway struct{}

// NewEchoGateway creates an echo gateway
func NewEchoGateway() *EchoGateway {
	return &EchoGateway{}
}

func (g *EchoGateway) Provider() string {
	return "echo"
}

func (g *EchoGateway) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindGateway, "echo.generate", err)
	}
	text := lastUserText(req.Messages)
	return &Response{
		Content: text,
		Usage:   &Usage{InputTokens: len(strings.Fields(text)), OutputTokens: len(strings.Fields(text))},
	}, nil
}

// GenerateStream emits the echoed text one word at a time
func (g *EchoGateway) GenerateStream(ctx context.Context, req Request) (<-chan fault.Result[StreamChunk], error) {
	resp, err := g.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	words := strings.SplitAfter(resp.Content, " ")
	out := make(chan fault.Result[StreamChunk], len(words)+1)
	for _, w := range words {
		if w != "" {
			out <- fault.Ok(StreamChunk{Content: w})
		}
	}
	out <- fault.Ok(StreamChunk{Done: true, Usage: resp.Usage})
	close(out)
	return out, nil
}

func lastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Text()
		}
	}
	return ""
}
