package ai

import (
	"fmt"
	"time"

	"agenthub/pkg/models"
)

// ForModel builds the completion client for a configured model record. The
// provider is resolved once, when the agent is selected for a task; chunks
// are never re-dispatched.
func ForModel(m *models.LLMModel, defaultTimeout time.Duration) (CompletionClient, error) {
	timeout := defaultTimeout
	if m.TimeoutSeconds > 0 {
		timeout = time.Duration(m.TimeoutSeconds) * time.Second
	}

	switch m.Provider {
	case ProviderAnthropic:
		return NewAnthropicClient(m.APIKey, m.APIBaseURL, timeout), nil
	case ProviderOpenAI:
		return NewOpenAIClient(m.APIKey, m.APIBaseURL, timeout), nil
	case ProviderOllama:
		return NewOllamaClient(m.APIBaseURL, timeout), nil
	default:
		return nil, fmt.Errorf("unknown provider %q for model %q", m.Provider, m.Name)
	}
}
