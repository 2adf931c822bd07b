package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harun/conduit/pkg/fault"
	"github.com/harun/conduit/pkg/llm"
	"github.com/xeipuuv/gojsonschema"
)

// Tool is a named capability the model can invoke with JSON arguments
type Tool interface {
	Name() string
	Descriptor() llm.ToolDescriptor
	Run(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Parameter defines a parameter for a tool
type Parameter struct {
	Name        string        `json:"name"`
	Type        string        `json:"type"`
	Description string        `json:"description"`
	Required    bool          `json:"required"`
	Default     interface{}   `json:"default,omitempty"`
	Enum        []interface{} `json:"enum,omitempty"`
}

// Handler is the function signature for tool execution
type Handler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Definition defines a function tool's metadata and handler
type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter
	Handler     Handler
	// Timeout bounds a single run; 30s when zero
	Timeout time.Duration
}

const defaultTimeout = 30 * time.Second

var validTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// FunctionTool is a Tool backed by a Go function whose arguments are
// validated against a JSON schema generated from its parameters.
type FunctionTool struct {
	def       Definition
	schemaMap map[string]interface{}
	schema    *gojsonschema.Schema
}

// NewFunctionTool validates the definition and builds its schema
func NewFunctionTool(def Definition) (*FunctionTool, error) {
	if err := validateDefinition(def); err != nil {
		return nil, fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := buildSchemaMap(def.Parameters)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema: %w", err)
	}

	if def.Timeout <= 0 {
		def.Timeout = defaultTimeout
	}

	return &FunctionTool{def: def, schemaMap: schemaMap, schema: schema}, nil
}

// MustFunctionTool is NewFunctionTool that panics on an invalid definition
func MustFunctionTool(def Definition) *FunctionTool {
	t, err := NewFunctionTool(def)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *FunctionTool) Name() string {
	return t.def.Name
}

func (t *FunctionTool) Descriptor() llm.ToolDescriptor {
	return llm.ToolDescriptor{
		Name:        t.def.Name,
		Description: t.def.Description,
		Parameters:  t.schemaMap,
	}
}

// Run validates args and calls the handler under the tool timeout
func (t *FunctionTool) Run(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := validateArguments(t.schema, args); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "tool."+t.def.Name, err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, t.def.Timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		v, err := t.def.Handler(timeoutCtx, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, fault.Wrap(fault.KindTool, "tool."+t.def.Name, o.err)
		}
		return o.value, nil
	case <-timeoutCtx.Done():
		return nil, fault.Newf(fault.KindTimeout, "tool."+t.def.Name, "tool execution timeout after %v", t.def.Timeout)
	}
}

// ParseArguments decodes a provider's raw argument blob. An empty blob is
// an empty object.
func ParseArguments(raw string) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fault.Wrap(fault.KindArgumentParse, "tool.parse_arguments", err)
	}
	return args, nil
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	seen := map[string]bool{}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}

	return nil
}

func buildSchemaMap(params []Parameter) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	required := []string{}

	for _, param := range params {
		paramSchema := map[string]interface{}{
			"type": param.Type,
		}
		if param.Description != "" {
			paramSchema["description"] = param.Description
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}
	return schemaMap
}

func validateArguments(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}
