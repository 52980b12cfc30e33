package synthesis

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Supported model providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// ModelConfig selects and configures a langchaingo model.
type ModelConfig struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
}

// NewModel constructs the langchaingo model named by cfg.Provider.
func NewModel(cfg ModelConfig) (llms.Model, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai API key required")
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key required")
		}
		if cfg.BaseURL != "" {
			return nil, fmt.Errorf("base_url is not supported for the anthropic provider")
		}
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		return anthropic.New(opts...)

	case ProviderOllama:
		var opts []ollama.Option
		if cfg.Model != "" {
			opts = append(opts, ollama.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)

	default:
		return nil, fmt.Errorf("unsupported synthesis provider: %q", cfg.Provider)
	}
}

// ModelCompleter adapts a langchaingo model to Completer.
type ModelCompleter struct {
	model       llms.Model
	temperature float64
	maxTokens   int
}

// NewModelCompleter wraps model. Zero temperature and maxTokens use the
// provider defaults.
func NewModelCompleter(model llms.Model, temperature float64, maxTokens int) (*ModelCompleter, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	return &ModelCompleter{model: model, temperature: temperature, maxTokens: maxTokens}, nil
}

// Complete implements Completer. Failures other than context errors are
// reported as retryable.
func (m *ModelCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	var opts []llms.CallOption
	if m.temperature > 0 {
		opts = append(opts, llms.WithTemperature(m.temperature))
	}
	if m.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(m.maxTokens))
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, m.model, prompt, opts...)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", &RetryableError{Err: err}
	}
	return out, nil
}
