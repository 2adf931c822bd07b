package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/harun/conduit/internal/logger"
	"github.com/harun/conduit/pkg/event"
	"github.com/harun/conduit/pkg/hooks"
	"github.com/harun/conduit/pkg/llm"
	"github.com/harun/conduit/pkg/schedule"
	"github.com/harun/conduit/pkg/webhook"
)

// Config is the conduit configuration file
type Config struct {
	LLM        LLMConfig        `json:"llm" mapstructure:"llm"`
	Broker     BrokerConfig     `json:"broker" mapstructure:"broker"`
	Dispatcher DispatcherConfig `json:"dispatcher" mapstructure:"dispatcher"`
	EventStore EventStoreConfig `json:"event_store" mapstructure:"event_store"`
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Schedules  []ScheduleConfig `json:"schedules" mapstructure:"schedules"`
	Webhooks   []WebhookConfig  `json:"webhooks" mapstructure:"webhooks"`
	Hooks      []HookConfig     `json:"hooks" mapstructure:"hooks"`
	Tools      ToolsConfig      `json:"tools" mapstructure:"tools"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Tracing    TracingConfig    `json:"tracing" mapstructure:"tracing"`

	// Data directory for logs and the event store
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// LLMConfig selects the gateway and default generation settings
type LLMConfig struct {
	Provider     string  `json:"provider" mapstructure:"provider"` // openai, anthropic, echo
	APIKey       string  `json:"api_key" mapstructure:"api_key"`
	BaseURL      string  `json:"base_url" mapstructure:"base_url"`
	Model        string  `json:"model" mapstructure:"model"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
}

// BrokerConfig bounds the tool loop and gateway retries
type BrokerConfig struct {
	MaxToolIterations int `json:"max_tool_iterations" mapstructure:"max_tool_iterations"`
	MaxRetries        int `json:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelayMs  int `json:"retry_base_delay_ms" mapstructure:"retry_base_delay_ms"`
}

// DispatcherConfig tunes the drain loop
type DispatcherConfig struct {
	BatchSize      int `json:"batch_size" mapstructure:"batch_size"`
	IdleIntervalMs int `json:"idle_interval_ms" mapstructure:"idle_interval_ms"`
	PollIntervalMs int `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// EventStoreConfig selects where dispatcher activity is recorded
type EventStoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // off, memory, sqlite
	Path   string `json:"path" mapstructure:"path"`
	Limit  int    `json:"limit" mapstructure:"limit"` // memory driver only
}

// ServerConfig holds the stream server listener
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	// Requests per minute per client IP on webhook endpoints
	WebhookRateLimit int `json:"webhook_rate_limit" mapstructure:"webhook_rate_limit"`
}

// ScheduleConfig is a scheduled event injection
type ScheduleConfig struct {
	Name      string                 `json:"name" mapstructure:"name"`
	Kind      string                 `json:"kind" mapstructure:"kind"` // at, every, cron
	At        string                 `json:"at,omitempty" mapstructure:"at"`
	EveryMs   int                    `json:"every_ms,omitempty" mapstructure:"every_ms"`
	Expr      string                 `json:"expr,omitempty" mapstructure:"expr"`
	TZ        string                 `json:"tz,omitempty" mapstructure:"tz"`
	EventType string                 `json:"event_type,omitempty" mapstructure:"event_type"`
	Data      map[string]interface{} `json:"data,omitempty" mapstructure:"data"`
	Prompt    string                 `json:"prompt,omitempty" mapstructure:"prompt"`
	Model     string                 `json:"model,omitempty" mapstructure:"model"`
	Enabled   bool                   `json:"enabled" mapstructure:"enabled"`
}

// WebhookConfig exposes an HTTP endpoint under /hooks/ that dispatches
// events of EventType
type WebhookConfig struct {
	Path               string `json:"path" mapstructure:"path"`
	EventType          string `json:"event_type" mapstructure:"event_type"`
	Secret             string `json:"secret,omitempty" mapstructure:"secret"`
	SignatureHeader    string `json:"signature_header,omitempty" mapstructure:"signature_header"`
	SignatureAlgorithm string `json:"signature_algorithm,omitempty" mapstructure:"signature_algorithm"`
}

// HookConfig runs a shell script on a dispatcher lifecycle event
type HookConfig struct {
	Name      string `json:"name" mapstructure:"name"`
	On        string `json:"on" mapstructure:"on"` // dispatched, processed, agent_failed, terminated
	EventType string `json:"event_type,omitempty" mapstructure:"event_type"`
	Script    string `json:"script" mapstructure:"script"`
	TimeoutMs int    `json:"timeout_ms,omitempty" mapstructure:"timeout_ms"`
}

// ToolsConfig enables the builtin tools
type ToolsConfig struct {
	// Workspace confines the file tools; they are disabled when empty
	Workspace string `json:"workspace" mapstructure:"workspace"`
	ReadOnly  bool   `json:"read_only" mapstructure:"read_only"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig toggles the OpenTelemetry tracer provider
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Broker: BrokerConfig{
			MaxToolIterations: 10,
			MaxRetries:        3,
			RetryBaseDelayMs:  1000,
		},
		Dispatcher: DispatcherConfig{
			BatchSize:      10,
			IdleIntervalMs: 100,
			PollIntervalMs: 100,
		},
		EventStore: EventStoreConfig{
			Driver: "memory",
			Limit:  10000,
		},
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             8484,
			WebhookRateLimit: 100,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "conduit",
		},
		Schedules: []ScheduleConfig{},
		Webhooks:  []WebhookConfig{},
		Hooks:     []HookConfig{},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate reports every problem found in the config
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

// Profile returns the gateway credentials
func (c *Config) Profile() llm.Profile {
	return llm.Profile{
		Provider: c.LLM.Provider,
		APIKey:   c.LLM.APIKey,
		BaseURL:  c.LLM.BaseURL,
	}
}

// GenerationConfig returns the default per-request generation settings
func (c *Config) GenerationConfig() llm.Config {
	return llm.Config{
		Temperature:  c.LLM.Temperature,
		MaxTokens:    c.LLM.MaxTokens,
		SystemPrompt: c.LLM.SystemPrompt,
	}
}

// Logger returns the logger settings
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:     c.Logging.Level,
		File:      c.Logging.File,
		Console:   true,
		Pretty:    c.Logging.Pretty,
		Redaction: c.Logging.Redaction,
		MaxSize:   c.Logging.MaxSize,
		MaxAge:    c.Logging.MaxAge,
		Compress:  c.Logging.Compress,
	}
}

// Addr returns the stream server listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// RetryBaseDelay returns the broker backoff base
func (c BrokerConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// IdleInterval returns the pause after each batch
func (c DispatcherConfig) IdleInterval() time.Duration {
	return time.Duration(c.IdleIntervalMs) * time.Millisecond
}

// PollInterval returns the empty-queue poll period
func (c DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Spec converts the schedule fields
func (s ScheduleConfig) Spec() schedule.Spec {
	return schedule.Spec{
		Kind:  schedule.Kind(s.Kind),
		At:    s.At,
		Every: time.Duration(s.EveryMs) * time.Millisecond,
		Expr:  s.Expr,
		TZ:    s.TZ,
	}
}

// Job converts the schedule into a scheduler job
func (s ScheduleConfig) Job() schedule.Job {
	return schedule.Job{
		Name:      s.Name,
		Spec:      s.Spec(),
		EventType: s.EventType,
		Data:      s.Data,
		Prompt:    s.Prompt,
		Model:     s.Model,
		Enabled:   s.Enabled,
	}
}

// Endpoint converts the webhook into an ingress endpoint
func (w WebhookConfig) Endpoint() webhook.Endpoint {
	return webhook.Endpoint{
		Path:               w.Path,
		EventType:          event.Type(w.EventType),
		Secret:             w.Secret,
		SignatureHeader:    w.SignatureHeader,
		SignatureAlgorithm: w.SignatureAlgorithm,
	}
}

// Hook converts the config entry into a lifecycle hook
func (h HookConfig) Hook() hooks.Hook {
	return hooks.Hook{
		Name:      h.Name,
		On:        h.On,
		EventType: event.Type(h.EventType),
		Script:    h.Script,
		Timeout:   time.Duration(h.TimeoutMs) * time.Millisecond,
	}
}

// LifecycleHooks converts every configured hook
func (c *Config) LifecycleHooks() []hooks.Hook {
	out := make([]hooks.Hook, 0, len(c.Hooks))
	for _, h := range c.Hooks {
		out = append(out, h.Hook())
	}
	return out
}

func (s ScheduleConfig) String() string {
	return fmt.Sprintf("%s (%s)", s.Name, s.Kind)
}
