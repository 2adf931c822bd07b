package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/conduit/pkg/agent"
	"github.com/harun/conduit/pkg/dispatcher"
	"github.com/harun/conduit/pkg/event"
	"github.com/harun/conduit/pkg/router"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerValidatesHooks(t *testing.T) {
	_, err := NewManager(Config{
		Logger: zerolog.Nop(),
		Hooks: []Hook{
			{Name: "no-script", On: dispatcher.HookProcessed},
			{Name: "bad-type", On: "daemon:startup", Script: "true"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `hook "no-script": script is required`)
	assert.Contains(t, err.Error(), `unknown lifecycle event "daemon:startup"`)
}

func TestManagerHandleInjectsEventIntoEnvironment(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "env.txt")
	script := `echo "$CONDUIT_HOOK:$CONDUIT_EVENT_TYPE:$CONDUIT_CORRELATION_ID:$CONDUIT_DATA_TASK_ID" > ` + outputPath

	manager, err := NewManager(Config{
		Logger: zerolog.Nop(),
		Hooks:  []Hook{{Name: "record", On: dispatcher.HookProcessed, Script: script}},
	})
	require.NoError(t, err)

	ev := event.New("test", event.Custom{Kind: "Build", Data: map[string]interface{}{"task-id": "main-42"}})
	manager.Handle(dispatcher.HookEvent{Type: dispatcher.HookProcessed, Event: ev.WithCorrelationID("corr-1")})
	manager.Wait()

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "processed:Build:corr-1:main-42\n", string(content))
}

func TestManagerHandleFiltersByEventType(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(Config{
		Logger: zerolog.Nop(),
		Hooks: []Hook{{
			Name:      "pong-only",
			On:        dispatcher.HookProcessed,
			EventType: "Pong",
			Script:    `touch "` + dir + `/$CONDUIT_EVENT_TYPE"`,
		}},
	})
	require.NoError(t, err)

	manager.Handle(dispatcher.HookEvent{Type: dispatcher.HookProcessed, Event: event.Signal("test", "Ping")})
	manager.Handle(dispatcher.HookEvent{Type: dispatcher.HookProcessed, Event: event.Signal("test", "Pong")})
	manager.Handle(dispatcher.HookEvent{Type: dispatcher.HookDispatched, Event: event.Signal("test", "Pong")})
	manager.Wait()

	assert.FileExists(t, filepath.Join(dir, "Pong"))
	assert.NoFileExists(t, filepath.Join(dir, "Ping"))
}

func TestManagerRunReportsFailures(t *testing.T) {
	manager, err := NewManager(Config{Logger: zerolog.Nop()})
	require.NoError(t, err)

	he := dispatcher.HookEvent{
		Type:  dispatcher.HookAgentFailed,
		Event: event.Signal("test", "Ping"),
		Agent: "ponger",
		Err:   errors.New("boom"),
	}

	t.Run("should include script output", func(t *testing.T) {
		err := manager.run(context.Background(), Hook{Name: "fail", Script: `echo "$CONDUIT_AGENT $CONDUIT_ERROR"; exit 2`}, he)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hook fail failed")
		assert.Contains(t, err.Error(), "ponger boom")
	})

	t.Run("should respect the timeout", func(t *testing.T) {
		err := manager.run(context.Background(), Hook{Name: "slow", Script: "sleep 1", Timeout: 30 * time.Millisecond}, he)
		require.Error(t, err)
		assert.True(t,
			strings.Contains(err.Error(), "deadline exceeded") || strings.Contains(err.Error(), "signal: killed"),
			"expected timeout-related error, got: %v",
			err,
		)
	})
}

func TestManagerAttach(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "terminated.txt")
	manager, err := NewManager(Config{
		Logger: zerolog.Nop(),
		Hooks:  []Hook{{Name: "bye", On: dispatcher.HookTerminated, Script: `echo "$CONDUIT_EVENT_TYPE" > ` + outputPath}},
	})
	require.NoError(t, err)

	r := router.New()
	r.AddRoute("Ping", agent.NewEcho("ponger", "Ping", "Pong"))
	cfg := dispatcher.DefaultConfig()
	cfg.Router = r
	cfg.IdleInterval = time.Millisecond
	cfg.PollInterval = time.Millisecond
	d := dispatcher.New(cfg)
	manager.Attach(d)

	terminated := make(chan struct{})
	d.On(dispatcher.HookTerminated, func(dispatcher.HookEvent) { close(terminated) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	d.Dispatch(event.Signal("test", "Ping"))
	d.Dispatch(event.New("test", event.Terminate{Reason: "done"}))

	select {
	case <-terminated:
	case <-ctx.Done():
		t.Fatal("dispatcher did not terminate")
	}
	manager.Wait()

	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "Terminate\n", string(content))
}

func TestNormalizeEnvKey(t *testing.T) {
	assert.Equal(t, "TASK_ID", normalizeEnvKey("task-id"))
	assert.Equal(t, "A1_B", normalizeEnvKey(" a1.b "))
	assert.Equal(t, "UNKNOWN", normalizeEnvKey(""))
}
