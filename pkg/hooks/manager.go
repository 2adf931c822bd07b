package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/conduit/pkg/dispatcher"
	"github.com/harun/conduit/pkg/event"
	"github.com/rs/zerolog"
)

const defaultTimeout = 30 * time.Second

var lifecycle = []string{
	dispatcher.HookDispatched,
	dispatcher.HookProcessed,
	dispatcher.HookAgentFailed,
	dispatcher.HookTerminated,
}

// Hook runs a shell script when the dispatcher reports On. EventType, when
// set, narrows it to events of that type.
type Hook struct {
	Name      string
	On        string
	EventType event.Type
	Script    string
	Timeout   time.Duration
}

// Config configures a Hook manager.
type Config struct {
	Hooks  []Hook
	Logger zerolog.Logger
}

// Manager runs shell hooks for dispatcher lifecycle events. Scripts run in
// the background so the dispatch loop never waits on them.
type Manager struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	byType map[string][]Hook

	running sync.WaitGroup
}

// NewManager creates a hook manager.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		logger: cfg.Logger.With().Str("component", "hooks").Logger(),
	}
	if err := m.SetHooks(cfg.Hooks); err != nil {
		return nil, err
	}
	return m, nil
}

// SetHooks validates hooks and replaces the current set
func (m *Manager) SetHooks(hooks []Hook) error {
	byType := make(map[string][]Hook)
	var errs []error
	for _, hook := range hooks {
		if err := Validate(hook); err != nil {
			errs = append(errs, err)
			continue
		}
		byType[hook.On] = append(byType[hook.On], hook)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	m.mu.Lock()
	m.byType = byType
	m.mu.Unlock()
	return nil
}

// Validate checks a single hook
func Validate(hook Hook) error {
	if strings.TrimSpace(hook.Script) == "" {
		return fmt.Errorf("hook %q: script is required", hook.Name)
	}
	for _, t := range lifecycle {
		if hook.On == t {
			return nil
		}
	}
	return fmt.Errorf("hook %q: unknown lifecycle event %q (must be one of: %s)", hook.Name, hook.On, strings.Join(lifecycle, ", "))
}

// Attach subscribes the manager to every lifecycle event of d
func (m *Manager) Attach(d *dispatcher.Dispatcher) {
	for _, t := range lifecycle {
		d.On(t, m.Handle)
	}
}

// Handle starts the scripts matching he. It is a dispatcher.Hook.
func (m *Manager) Handle(he dispatcher.HookEvent) {
	m.mu.RLock()
	candidates := m.byType[he.Type]
	m.mu.RUnlock()

	for _, hook := range candidates {
		if hook.EventType != "" && hook.EventType != he.Event.Type {
			continue
		}
		m.running.Add(1)
		go func(hook Hook) {
			defer m.running.Done()
			if err := m.run(context.Background(), hook, he); err != nil {
				m.logger.Error().
					Err(err).
					Str("hook", hook.Name).
					Str("correlation_id", he.Event.CorrelationID).
					Msg("Hook failed")
			}
		}(hook)
	}
}

// Wait blocks until every started script has exited
func (m *Manager) Wait() {
	m.running.Wait()
}

func (m *Manager) run(ctx context.Context, hook Hook, he dispatcher.HookEvent) error {
	name := hook.Name
	if strings.TrimSpace(name) == "" {
		name = he.Type
	}

	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = buildHookEnvironment(he)

	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return fmt.Errorf("hook %s failed: %w: %s", name, err, outputText)
		}
		return fmt.Errorf("hook %s failed: %w", name, err)
	}

	m.logger.Debug().
		Str("hook", name).
		Str("lifecycle", he.Type).
		Str("output", outputText).
		Msg("Hook executed")
	return nil
}

func buildHookEnvironment(he dispatcher.HookEvent) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env,
		"CONDUIT_HOOK="+he.Type,
		"CONDUIT_EVENT_TYPE="+string(he.Event.Type),
		"CONDUIT_EVENT_SOURCE="+he.Event.Source,
		"CONDUIT_CORRELATION_ID="+he.Event.CorrelationID,
	)
	if he.Agent != "" {
		env = append(env, "CONDUIT_AGENT="+he.Agent)
	}
	if he.Err != nil {
		env = append(env, "CONDUIT_ERROR="+he.Err.Error())
	}
	if raw, err := json.Marshal(he.Event); err == nil {
		env = append(env, "CONDUIT_EVENT_JSON="+string(raw))
	}

	custom, ok := he.Event.Payload.(event.Custom)
	if !ok || len(custom.Data) == 0 {
		return env
	}

	keys := make([]string, 0, len(custom.Data))
	for k := range custom.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		env = append(env, "CONDUIT_DATA_"+normalizeEnvKey(key)+"="+fmt.Sprintf("%v", custom.Data[key]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
