package config

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcher(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{OnReload: func(*Config) {}})
	assert.ErrorContains(t, err, "loader is required")

	_, err = NewWatcher(WatcherConfig{Loader: NewLoader("x.json")})
	assert.ErrorContains(t, err, "reload callback is required")
}

func TestWatcherReload(t *testing.T) {
	path := writeConfig(t, `{"llm": {"provider": "echo"}, "dispatcher": {"batch_size": 1}}`)

	var (
		mu      sync.Mutex
		reloads []*Config
	)
	logger := zerolog.Nop()
	w, err := NewWatcher(WatcherConfig{
		Loader:   NewLoader(path),
		Debounce: 20 * time.Millisecond,
		Logger:   &logger,
		OnReload: func(cfg *Config) {
			mu.Lock()
			defer mu.Unlock()
			reloads = append(reloads, cfg)
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(reloads)
	}

	t.Run("should reload valid changes", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`{"llm": {"provider": "echo"}, "dispatcher": {"batch_size": 5}}`), 0644))

		require.Eventually(t, func() bool { return count() >= 1 }, 2*time.Second, 10*time.Millisecond)
		mu.Lock()
		assert.Equal(t, 5, reloads[len(reloads)-1].Dispatcher.BatchSize)
		mu.Unlock()
	})

	t.Run("should skip invalid changes", func(t *testing.T) {
		before := count()
		require.NoError(t, os.WriteFile(path, []byte(`{"llm": {"provider": "echo"}, "dispatcher": {"batch_size": -1}}`), 0644))

		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, before, count())
	})
}
