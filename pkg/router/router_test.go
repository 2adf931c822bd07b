package router

import (
	"context"
	"sync"
	"testing"

	"github.com/harun/conduit/pkg/agent"
	"github.com/harun/conduit/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func named(name string) agent.Agent {
	return agent.Func(name, func(ctx context.Context, ev event.Event) ([]event.Event, error) {
		return nil, nil
	})
}

func names(agents []agent.Agent) []string {
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Name())
	}
	return out
}

func TestRouter(t *testing.T) {
	t.Run("should keep registration order", func(t *testing.T) {
		r := New()
		r.AddRoute("Ping", named("a"))
		r.AddRoute("Ping", named("b"))
		r.AddRoute("Pong", named("c"))

		assert.Equal(t, []string{"a", "b"}, names(r.Agents(event.Signal("test", "Ping"))))
		assert.Equal(t, []string{"c"}, names(r.AgentsFor("Pong")))
	})

	t.Run("should return empty for unknown types", func(t *testing.T) {
		r := New()
		got := r.Agents(event.Signal("test", "Nope"))
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("should deliver duplicates twice", func(t *testing.T) {
		r := New()
		a := named("a")
		r.AddRoute("Ping", a)
		r.AddRoute("Ping", a)
		assert.Len(t, r.AgentsFor("Ping"), 2)
	})

	t.Run("should return a copy", func(t *testing.T) {
		r := New()
		r.AddRoute("Ping", named("a"))
		got := r.AgentsFor("Ping")
		got[0] = named("mutated")
		assert.Equal(t, []string{"a"}, names(r.AgentsFor("Ping")))
	})

	t.Run("should ignore nil agents", func(t *testing.T) {
		r := New()
		r.AddRoute("Ping", nil)
		assert.Empty(t, r.Routes())
	})

	t.Run("should remove agents by name", func(t *testing.T) {
		r := New()
		r.AddRoute("Ping", named("a"))
		r.AddRoute("Ping", named("b"))
		r.AddRoute("Pong", named("a"))

		assert.Equal(t, 2, r.RemoveAgent("a"))
		assert.Equal(t, map[event.Type]int{"Ping": 1}, r.Routes())
	})

	t.Run("should clear routes", func(t *testing.T) {
		r := New()
		r.AddRoute("Ping", named("a"))
		r.Clear()
		assert.Empty(t, r.AgentsFor("Ping"))
	})
}

func TestRouterConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.AddRoute("Ping", named("a"))
		}()
		go func() {
			defer wg.Done()
			_ = r.AgentsFor("Ping")
		}()
	}
	wg.Wait()
	require.Len(t, r.AgentsFor("Ping"), 20)
}
