package providers

import (
	"context"
	"log/slog"
	"os"

	"github.com/jedikim/jedisos-sub000/internal/llm"
)

// Credential environment variables, one per provider.
const (
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvGeminiKey    = "GEMINI_API_KEY"
)

// FromEnv builds every provider whose credential is present in the
// environment. Models without a surviving provider drop out of the
// router's chains, so an empty map just means nothing is routable.
func FromEnv(ctx context.Context, logger *slog.Logger) map[string]llm.Provider {
	if logger == nil {
		logger = slog.Default()
	}
	available := make(map[string]llm.Provider)

	if key := os.Getenv(EnvOpenAIKey); key != "" {
		p, err := NewOpenAIProvider(key)
		if err != nil {
			logger.Warn("openai provider disabled", "error", err)
		} else {
			available[p.Name()] = p
		}
	}

	if key := os.Getenv(EnvAnthropicKey); key != "" {
		p, err := NewAnthropicProvider(key)
		if err != nil {
			logger.Warn("anthropic provider disabled", "error", err)
		} else {
			available[p.Name()] = p
		}
	}

	if key := os.Getenv(EnvGeminiKey); key != "" {
		p, err := NewGeminiProvider(ctx, key)
		if err != nil {
			logger.Warn("gemini provider disabled", "error", err)
		} else {
			available[p.Name()] = p
		}
	}

	names := make([]string, 0, len(available))
	for name := range available {
		names = append(names, name)
	}
	logger.Info("llm providers configured", "providers", names)

	return available
}
