package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/FutureMindsLab/bookflows/pkg/domain"
)

// ChatCompleter produces the next assistant reply for an ordered conversation.
// All providers (OpenAI, OpenAI-compatible, Ollama, Gemini) implement this interface.
type ChatCompleter interface {
	Complete(ctx context.Context, systemPrompt string, messages []domain.ChatMessage) (string, error)
}

// Provider names accepted by NewCompleter.
const (
	ProviderOpenAI       = "openai"
	ProviderOpenAICompat = "openai-compat"
	ProviderOllama       = "ollama"
	ProviderGemini       = "gemini"
)

// Config selects and configures a completion provider.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
}

// NewCompleter builds the ChatCompleter named by cfg.Provider.
func NewCompleter(cfg Config) (ChatCompleter, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", ProviderOpenAI:
		return NewOpenAICompleter(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case ProviderOpenAICompat:
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("openai-compat base url required")
		}
		return NewOpenAICompatCompleter(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout), nil
	case ProviderOllama:
		return NewOllamaCompleter(NewOllamaClient(cfg.BaseURL, cfg.Timeout), cfg.Model), nil
	case ProviderGemini:
		client, err := NewGeminiClient(cfg.APIKey, cfg.BaseURL, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return NewGeminiCompleter(client, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown chat provider %q", cfg.Provider)
	}
}
