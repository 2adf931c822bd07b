package llm

import (
	"fmt"
	"strings"
)

// Profile holds credentials for an LLM provider
type Profile struct {
	Provider string `json:"provider"` // "openai", "anthropic", "echo"
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}

// ProviderFactory creates gateways from profiles
type ProviderFactory struct{}

// NewGateway creates a gateway for the profile's provider
func (f *ProviderFactory) NewGateway(profile Profile) (Gateway, error) {
	switch strings.ToLower(profile.Provider) {
	case "openai":
		return NewOpenAIGateway(profile.APIKey, profile.BaseURL), nil
	case "anthropic":
		return NewAnthropicGateway(profile.APIKey, profile.BaseURL), nil
	case "echo":
		return NewEchoGateway(), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// NewGateway is a convenience wrapper around ProviderFactory
func NewGateway(profile Profile) (Gateway, error) {
	f := &ProviderFactory{}
	return f.NewGateway(profile)
}
