package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/conduit/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addDefinition() Definition {
	return Definition{
		Name:        "add",
		Description: "Adds two numbers",
		Parameters: []Parameter{
			{Name: "a", Type: "number", Description: "first operand", Required: true},
			{Name: "b", Type: "number", Description: "second operand", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"sum": params["a"].(float64) + params["b"].(float64)}, nil
		},
	}
}

func TestNewFunctionTool(t *testing.T) {
	t.Run("should build descriptor with schema", func(t *testing.T) {
		ft, err := NewFunctionTool(addDefinition())
		require.NoError(t, err)

		desc := ft.Descriptor()
		assert.Equal(t, "add", desc.Name)
		assert.Equal(t, "Adds two numbers", desc.Description)
		assert.Equal(t, "object", desc.Parameters["type"])
		assert.ElementsMatch(t, []string{"a", "b"}, desc.Parameters["required"])
		props := desc.Parameters["properties"].(map[string]interface{})
		assert.Contains(t, props, "a")
	})

	tests := []struct {
		name string
		def  Definition
	}{
		{
			name: "empty name",
			def: Definition{
				Description: "Test",
				Handler:     func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
			},
		},
		{
			name: "empty description",
			def: Definition{
				Name:    "test",
				Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
			},
		},
		{
			name: "nil handler",
			def:  Definition{Name: "test", Description: "Test"},
		},
		{
			name: "invalid parameter type",
			def: Definition{
				Name:        "test",
				Description: "Test",
				Parameters:  []Parameter{{Name: "x", Type: "float"}},
				Handler:     func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
			},
		},
		{
			name: "duplicate parameter",
			def: Definition{
				Name:        "test",
				Description: "Test",
				Parameters:  []Parameter{{Name: "x", Type: "string"}, {Name: "x", Type: "string"}},
				Handler:     func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
			},
		},
	}
	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			_, err := NewFunctionTool(tt.def)
			assert.Error(t, err)
		})
	}
}

func TestFunctionToolRun(t *testing.T) {
	ft := MustFunctionTool(addDefinition())

	t.Run("should run handler with valid args", func(t *testing.T) {
		out, err := ft.Run(context.Background(), map[string]interface{}{"a": 1.0, "b": 2.0})
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"sum": 3.0}, out)
	})

	t.Run("should classify schema violations", func(t *testing.T) {
		_, err := ft.Run(context.Background(), map[string]interface{}{"a": "one"})
		require.Error(t, err)
		assert.Equal(t, fault.KindValidation, fault.KindOf(err))
		assert.Contains(t, err.Error(), "validation errors")
	})

	t.Run("should reject unknown properties", func(t *testing.T) {
		_, err := ft.Run(context.Background(), map[string]interface{}{"a": 1.0, "b": 2.0, "c": 3.0})
		assert.True(t, fault.Is(err, fault.KindValidation))
	})

	t.Run("should classify handler errors", func(t *testing.T) {
		failing := MustFunctionTool(Definition{
			Name:        "fail",
			Description: "Always fails",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return nil, errors.New("boom")
			},
		})
		_, err := failing.Run(context.Background(), nil)
		assert.True(t, fault.Is(err, fault.KindTool))
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("should recover from handler panics", func(t *testing.T) {
		panicky := MustFunctionTool(Definition{
			Name:        "panicky",
			Description: "Panics",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				panic("oops")
			},
		})
		_, err := panicky.Run(context.Background(), nil)
		assert.True(t, fault.Is(err, fault.KindTool))
		assert.Contains(t, err.Error(), "oops")
	})

	t.Run("should time out slow handlers", func(t *testing.T) {
		slow := MustFunctionTool(Definition{
			Name:        "slow",
			Description: "Sleeps",
			Timeout:     20 * time.Millisecond,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				<-ctx.Done()
				time.Sleep(10 * time.Millisecond)
				return nil, ctx.Err()
			},
		})
		_, err := slow.Run(context.Background(), nil)
		require.Error(t, err)
		kind := fault.KindOf(err)
		assert.True(t, kind == fault.KindTimeout || kind == fault.KindTool)
	})
}

func TestParseArguments(t *testing.T) {
	t.Run("should treat empty blob as empty object", func(t *testing.T) {
		args, err := ParseArguments("  ")
		require.NoError(t, err)
		assert.Empty(t, args)
	})

	t.Run("should decode object", func(t *testing.T) {
		args, err := ParseArguments(`{"a":1,"nested":{"b":true}}`)
		require.NoError(t, err)
		assert.Equal(t, 1.0, args["a"])
	})

	t.Run("should classify malformed json", func(t *testing.T) {
		_, err := ParseArguments(`{"a":`)
		assert.True(t, fault.Is(err, fault.KindArgumentParse))
	})
}
