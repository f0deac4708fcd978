package translator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Settings select and configure the completion backend.
type Settings struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// NewCompleter builds the backend named by s.Provider.
func NewCompleter(ctx context.Context, s Settings) (Completer, error) {
	switch s.Provider {
	case "", "openai":
		return NewOpenAIClient(s.BaseURL, s.Model, s.APIKey, s.Timeout), nil
	case "gemini":
		g, err := NewGeminiClient(ctx, s.APIKey, s.Model, s.BaseURL)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", s.Provider)
	}
}

// FromSettings builds a ready PromptTranslator.
func FromSettings(ctx context.Context, s Settings, logger *zap.Logger) (*PromptTranslator, error) {
	completer, err := NewCompleter(ctx, s)
	if err != nil {
		return nil, err
	}
	return New(completer, Options{MaxAttempts: s.MaxRetries}, logger), nil
}
