package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/harun/conduit/pkg/hooks"
	"github.com/harun/conduit/pkg/schedule"
)

// webhookPrefix is where serve mounts the webhook ingress
const webhookPrefix = "/hooks/"

var (
	validProviders    = []string{"openai", "anthropic", "echo"}
	validLogLevels    = []string{"debug", "info", "warn", "error"}
	validStoreDriver  = []string{"off", "memory", "sqlite"}
	validSigAlgorithm = []string{"sha256", "sha1"}
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(value string, valid []string) bool {
	for _, v := range valid {
		if value == v {
			return true
		}
	}
	return false
}

// ValidateProvider checks the gateway provider name
func (v *Validator) ValidateProvider(provider string) error {
	if !oneOf(provider, validProviders) {
		return fmt.Errorf("invalid provider: %q (must be one of: %s)", provider, strings.Join(validProviders, ", "))
	}
	return nil
}

// ValidateAPIKey checks the key shape for providers that need one
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	switch provider {
	case "echo":
		return nil
	case "anthropic":
		if key == "" {
			return fmt.Errorf("anthropic API key cannot be empty")
		}
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if key == "" {
			return fmt.Errorf("openai API key cannot be empty")
		}
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

// ValidatePositive rejects zero and negative values
func (v *Validator) ValidatePositive(name string, value int) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, value)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	if !oneOf(level, validLogLevels) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLogLevels, ", "))
	}
	return nil
}

// ValidateEventStore checks the driver and its required settings
func (v *Validator) ValidateEventStore(cfg EventStoreConfig) error {
	if !oneOf(cfg.Driver, validStoreDriver) {
		return fmt.Errorf("invalid event store driver: %s (must be one of: %s)", cfg.Driver, strings.Join(validStoreDriver, ", "))
	}
	if cfg.Driver == "sqlite" && cfg.Path == "" {
		return fmt.Errorf("event store path is required for the sqlite driver")
	}
	return nil
}

// ValidateWebhook checks a webhook endpoint
func (v *Validator) ValidateWebhook(w WebhookConfig) error {
	if !strings.HasPrefix(w.Path, webhookPrefix) || len(w.Path) == len(webhookPrefix) {
		return fmt.Errorf("path must start with %s", webhookPrefix)
	}
	if w.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if w.SignatureAlgorithm != "" && !oneOf(w.SignatureAlgorithm, validSigAlgorithm) {
		return fmt.Errorf("invalid signature algorithm: %s (must be one of: %s)", w.SignatureAlgorithm, strings.Join(validSigAlgorithm, ", "))
	}
	return nil
}

// ValidateCron checks a 5-field cron expression
func (v *Validator) ValidateCron(expr string) error {
	_, err := schedule.ParseCron(expr)
	return err
}

// ValidateSchedule checks a schedule entry
func (v *Validator) ValidateSchedule(s ScheduleConfig) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.EventType == "" && s.Prompt == "" {
		return fmt.Errorf("an event_type or a prompt is required")
	}
	if s.Kind == string(schedule.KindCron) && s.Expr != "" {
		if err := v.ValidateCron(s.Expr); err != nil {
			return err
		}
	}
	if _, err := schedule.NextRun(s.Spec(), time.Now()); err != nil {
		return err
	}
	return nil
}

// ValidateConfig returns every problem found
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidateProvider(cfg.LLM.Provider); err != nil {
		errs = append(errs, fmt.Errorf("llm: %w", err))
	} else if err := v.ValidateAPIKey(cfg.LLM.APIKey, cfg.LLM.Provider); err != nil {
		errs = append(errs, fmt.Errorf("llm: %w", err))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, fmt.Errorf("llm: model is required"))
	}
	if err := v.ValidateTemperature(cfg.LLM.Temperature); err != nil {
		errs = append(errs, fmt.Errorf("llm: %w", err))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm: max_tokens must be >= 0"))
	}

	if err := v.ValidatePositive("broker.max_tool_iterations", cfg.Broker.MaxToolIterations); err != nil {
		errs = append(errs, err)
	}
	if cfg.Broker.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("broker.max_retries must be >= 0"))
	}
	if cfg.Broker.RetryBaseDelayMs < 0 {
		errs = append(errs, fmt.Errorf("broker.retry_base_delay_ms must be >= 0"))
	}

	if err := v.ValidatePositive("dispatcher.batch_size", cfg.Dispatcher.BatchSize); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidatePositive("dispatcher.idle_interval_ms", cfg.Dispatcher.IdleIntervalMs); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidatePositive("dispatcher.poll_interval_ms", cfg.Dispatcher.PollIntervalMs); err != nil {
		errs = append(errs, err)
	}

	if err := v.ValidateEventStore(cfg.EventStore); err != nil {
		errs = append(errs, err)
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}

	seen := make(map[string]bool, len(cfg.Schedules))
	for i, s := range cfg.Schedules {
		if err := v.ValidateSchedule(s); err != nil {
			errs = append(errs, fmt.Errorf("schedule %d (%s): %w", i, s.Name, err))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("schedule %d: duplicate name %s", i, s.Name))
		}
		seen[s.Name] = true
	}

	if err := v.ValidatePositive("server.webhook_rate_limit", cfg.Server.WebhookRateLimit); err != nil && len(cfg.Webhooks) > 0 {
		errs = append(errs, err)
	}
	paths := make(map[string]bool, len(cfg.Webhooks))
	for i, w := range cfg.Webhooks {
		if err := v.ValidateWebhook(w); err != nil {
			errs = append(errs, fmt.Errorf("webhook %d (%s): %w", i, w.Path, err))
			continue
		}
		if paths[w.Path] {
			errs = append(errs, fmt.Errorf("webhook %d: duplicate path %s", i, w.Path))
		}
		paths[w.Path] = true
	}

	for i, h := range cfg.Hooks {
		if err := hooks.Validate(h.Hook()); err != nil {
			errs = append(errs, fmt.Errorf("hook %d: %w", i, err))
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
