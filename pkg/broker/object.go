package broker

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/harun/conduit/pkg/fault"
	"github.com/harun/conduit/pkg/llm"
	"github.com/xeipuuv/gojsonschema"
)

// GenerateObject asks the model for JSON matching schema and decodes the
// answer into out. A reply that is not JSON fails with KindParse; one that
// does not satisfy schema fails with KindValidation.
func (b *Broker) GenerateObject(ctx context.Context, req Request, schema map[string]interface{}, out interface{}) error {
	cfg := req.Config
	cfg.ResponseFormat = &llm.ResponseFormat{
		Name:   "response",
		Schema: schema,
		Strict: true,
	}
	req.Config = cfg

	text, err := b.Generate(ctx, req)
	if err != nil {
		return err
	}

	raw := stripCodeFence(text)

	var decoded interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return &fault.Error{Kind: fault.KindParse, Op: "broker.object", Message: "model reply is not valid JSON", Err: err}
	}

	if len(schema) > 0 {
		if err := validateAgainst(schema, decoded); err != nil {
			return err
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &fault.Error{Kind: fault.KindParse, Op: "broker.object", Message: "model reply does not fit target type", Err: err}
	}
	return nil
}

// GenerateAs is GenerateObject for a typed result
func GenerateAs[T any](ctx context.Context, b *Broker, req Request, schema map[string]interface{}) (T, error) {
	var out T
	err := b.GenerateObject(ctx, req, schema, &out)
	return out, err
}

func validateAgainst(schema map[string]interface{}, doc interface{}) error {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return &fault.Error{Kind: fault.KindValidation, Op: "broker.object", Message: "invalid schema", Err: err}
	}

	result, err := s.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return &fault.Error{Kind: fault.KindValidation, Op: "broker.object", Message: "schema validation failed", Err: err}
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fault.Newf(fault.KindValidation, "broker.object", "reply does not match schema: %s", strings.Join(msgs, "; "))
}

// stripCodeFence removes a markdown fence some models wrap JSON in
func stripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
