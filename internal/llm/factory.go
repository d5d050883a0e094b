package llm

import (
	"fmt"

	"github.com/scrypster/digime/internal/config"
)

// NewBackend creates the Backend selected by the configured provider.
func NewBackend(cfg config.LLMConfig) (Backend, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAICompatClient(OpenAIConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL}), nil
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{BaseURL: cfg.BaseURL, Model: cfg.Model}), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}

// ClientConfigFrom maps the llm config section onto a ClientConfig.
func ClientConfigFrom(cfg config.LLMConfig) ClientConfig {
	return ClientConfig{
		Timeout:       cfg.Timeout,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
		MaxConcurrent: cfg.MaxConcurrent,
		Breaker: CircuitBreakerConfig{
			MaxFailures: cfg.Breaker.MaxFailures,
			Timeout:     cfg.Breaker.Timeout,
		},
	}
}
