package tool

import (
	"context"
	"testing"

	"github.com/harun/conduit/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("should register and list tools", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.RegisterFunc(addDefinition()))
		require.NoError(t, r.Register(MustFunctionTool(Definition{
			Name:        "clock",
			Description: "Returns a fixed time",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return "12:00", nil
			},
		})))

		assert.Equal(t, []string{"add", "clock"}, r.List())
		assert.Equal(t, 2, r.Len())

		descs := r.Descriptors()
		require.Len(t, descs, 2)
		assert.Equal(t, "add", descs[0].Name)
	})

	t.Run("should reject duplicates", func(t *testing.T) {
		r := NewRegistry(MustFunctionTool(addDefinition()))
		err := r.RegisterFunc(addDefinition())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("should unregister", func(t *testing.T) {
		r := NewRegistry(MustFunctionTool(addDefinition()))
		r.Unregister("add")
		_, ok := r.Get("add")
		assert.False(t, ok)
	})
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(MustFunctionTool(addDefinition()))

	t.Run("should execute successfully", func(t *testing.T) {
		res := r.Execute(context.Background(), "add", map[string]interface{}{"a": 2.0, "b": 3.0})
		require.True(t, res.Success)
		assert.Equal(t, map[string]interface{}{"sum": 5.0}, res.Output)
		assert.NoError(t, res.Err())
	})

	t.Run("should report missing tool", func(t *testing.T) {
		res := r.Execute(context.Background(), "missing", nil)
		assert.False(t, res.Success)
		assert.Equal(t, fault.KindToolNotFound, res.Kind)
		assert.Contains(t, res.Error, "tool not found: missing")
		assert.True(t, fault.Is(res.Err(), fault.KindToolNotFound))
	})

	t.Run("should report validation failures", func(t *testing.T) {
		res := r.Execute(context.Background(), "add", map[string]interface{}{"a": 1.0})
		assert.False(t, res.Success)
		assert.Equal(t, fault.KindValidation, res.Kind)
	})
}
