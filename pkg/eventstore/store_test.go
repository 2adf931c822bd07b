package eventstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/harun/conduit/pkg/event"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(correlationID string) []Record {
	ping := event.New("cli", event.Custom{Kind: "Ping", Data: map[string]interface{}{"n": 1.0}}).WithCorrelationID(correlationID)
	done := ping.Derive("runner", event.ToolCallFailed{CallID: "1", ToolName: "x", Reason: "nope"})
	return []Record{
		{Event: ping, Stage: StageDispatched},
		{Event: ping, Agent: "pong", Stage: StageProcessed},
		{Event: done, Agent: "runner", Stage: StageFailed, Err: "boom"},
	}
}

func TestMemoryStore(t *testing.T) {
	t.Run("should filter by correlation id", func(t *testing.T) {
		s := NewMemoryStore(0)
		for _, r := range append(sample("a"), sample("b")...) {
			require.NoError(t, s.Record(context.Background(), r))
		}

		got, err := s.ByCorrelation(context.Background(), "a")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, StageDispatched, got[0].Stage)
		assert.False(t, got[0].At.IsZero())
		assert.Equal(t, 6, s.Len())
	})

	t.Run("should keep only the most recent records", func(t *testing.T) {
		s := NewMemoryStore(2)
		for _, r := range sample("a") {
			require.NoError(t, s.Record(context.Background(), r))
		}
		all := s.All()
		require.Len(t, all, 2)
		assert.Equal(t, StageFailed, all[1].Stage)
	})
}

func TestSQLiteStore(t *testing.T) {
	nop := zerolog.Nop()
	path := filepath.Join(t.TempDir(), "events", "events.db")

	s, err := OpenSQLite(path, &nop)
	require.NoError(t, err)
	defer s.Close()

	for _, r := range append(sample("a"), sample("b")...) {
		require.NoError(t, s.Record(context.Background(), r))
	}

	t.Run("should count records", func(t *testing.T) {
		n, err := s.Count(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 6, n)
	})

	t.Run("should read records back with concrete payloads", func(t *testing.T) {
		got, err := s.ByCorrelation(context.Background(), "a")
		require.NoError(t, err)
		require.Len(t, got, 3)

		assert.Equal(t, event.Type("Ping"), got[0].Event.Type)
		custom, ok := got[0].Event.Payload.(event.Custom)
		require.True(t, ok)
		assert.Equal(t, 1.0, custom.Data["n"])

		assert.Equal(t, "pong", got[1].Agent)

		failed, ok := got[2].Event.Payload.(event.ToolCallFailed)
		require.True(t, ok)
		assert.Equal(t, "nope", failed.Reason)
		assert.Equal(t, "boom", got[2].Err)
		assert.Equal(t, "a", got[2].Event.CorrelationID)
	})

	t.Run("should return nothing for unknown ids", func(t *testing.T) {
		got, err := s.ByCorrelation(context.Background(), "zzz")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("should reopen an existing database", func(t *testing.T) {
		again, err := OpenSQLite(path, &nop)
		require.NoError(t, err)
		defer again.Close()
		n, err := again.Count(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 6, n)
	})

	t.Run("should require a path", func(t *testing.T) {
		_, err := OpenSQLite("", &nop)
		assert.Error(t, err)
	})
}
