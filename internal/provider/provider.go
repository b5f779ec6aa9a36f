package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/MEKXH/weatherhitl/internal/config"
)

type providerName string

const (
	providerOpenRouter providerName = "openrouter"
	providerClaude     providerName = "claude"
	providerOpenAI     providerName = "openai"
	providerDeepSeek   providerName = "deepseek"
	providerOllama     providerName = "ollama"
)

const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	deepSeekBaseURL   = "https://api.deepseek.com/v1"
	ollamaBaseURL     = "http://localhost:11434"
)

// Spec selects one model. Model may carry a "provider/" prefix.
type Spec struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// NewChatModel creates the agent model from configuration.
func NewChatModel(ctx context.Context, cfg *config.Config) (model.BaseChatModel, error) {
	return New(ctx, cfg.Providers, Spec{
		Model:       cfg.Agent.Model,
		MaxTokens:   cfg.Agent.MaxTokens,
		Temperature: cfg.Agent.Temperature,
	})
}

// NewClassifierModel creates the guardrail model; an empty guardrail.model
// falls back to agent.model.
func NewClassifierModel(ctx context.Context, cfg *config.Config) (model.BaseChatModel, error) {
	name := strings.TrimSpace(cfg.Guardrail.Model)
	if name == "" {
		name = cfg.Agent.Model
	}
	return New(ctx, cfg.Providers, Spec{Model: name, MaxTokens: 256, Temperature: 0})
}

// New builds a chat model for spec from the configured providers.
func New(ctx context.Context, providers config.ProvidersConfig, spec Spec) (model.BaseChatModel, error) {
	name, p, err := resolveProvider(providers, spec.Model)
	if err != nil {
		return nil, err
	}
	modelName := stripProviderPrefix(spec.Model)

	switch name {
	case providerClaude:
		cfg := &claude.Config{
			APIKey:      p.APIKey,
			Model:       modelName,
			MaxTokens:   spec.MaxTokens,
			Temperature: toFloat32Ptr(spec.Temperature),
		}
		if p.BaseURL != "" {
			baseURL := p.BaseURL
			cfg.BaseURL = &baseURL
		}
		m, err := claude.NewChatModel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create claude model: %w", err)
		}
		return m, nil
	case providerOllama:
		m, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: p.BaseURL,
			Model:   modelName,
		})
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return m, nil
	default:
		cfg := &openai.ChatModelConfig{
			Model:       modelName,
			APIKey:      p.APIKey,
			BaseURL:     baseURLFor(name, p),
			Temperature: toFloat32Ptr(spec.Temperature),
			MaxTokens:   toIntPtr(spec.MaxTokens),
		}
		m, err := openai.NewChatModel(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create %s model: %w", name, err)
		}
		return m, nil
	}
}

// resolveProvider prefers the provider named by the model prefix and falls
// back to the first provider with credentials.
func resolveProvider(providers config.ProvidersConfig, modelName string) (providerName, config.ProviderConfig, error) {
	if name := providerFromModel(modelName); name != "" {
		p := providerConfig(providers, name)
		if name == providerOllama && p.BaseURL == "" {
			p.BaseURL = ollamaBaseURL
		}
		if !configured(name, p) {
			return "", config.ProviderConfig{}, fmt.Errorf("provider %s selected by model %q is not configured", name, modelName)
		}
		return name, p, nil
	}

	for _, name := range []providerName{providerOpenRouter, providerClaude, providerOpenAI, providerDeepSeek, providerOllama} {
		p := providerConfig(providers, name)
		if configured(name, p) {
			return name, p, nil
		}
	}
	return "", config.ProviderConfig{}, fmt.Errorf("no provider configured: set api_key for at least one provider")
}

func providerFromModel(modelName string) providerName {
	prefix, _, ok := strings.Cut(strings.TrimSpace(modelName), "/")
	if !ok {
		return ""
	}
	switch strings.ToLower(prefix) {
	case "openrouter":
		return providerOpenRouter
	case "claude", "anthropic":
		return providerClaude
	case "openai":
		return providerOpenAI
	case "deepseek":
		return providerDeepSeek
	case "ollama":
		return providerOllama
	default:
		return ""
	}
}

func stripProviderPrefix(modelName string) string {
	modelName = strings.TrimSpace(modelName)
	if providerFromModel(modelName) == "" {
		return modelName
	}
	_, rest, _ := strings.Cut(modelName, "/")
	return rest
}

func providerConfig(providers config.ProvidersConfig, name providerName) config.ProviderConfig {
	switch name {
	case providerOpenRouter:
		return providers.OpenRouter
	case providerClaude:
		return providers.Claude
	case providerOpenAI:
		return providers.OpenAI
	case providerDeepSeek:
		return providers.DeepSeek
	case providerOllama:
		return providers.Ollama
	default:
		return config.ProviderConfig{}
	}
}

// configured reports whether p has what the provider needs. Ollama needs a
// base URL instead of a key.
func configured(name providerName, p config.ProviderConfig) bool {
	if name == providerOllama {
		return strings.TrimSpace(p.BaseURL) != ""
	}
	return strings.TrimSpace(p.APIKey) != ""
}

func baseURLFor(name providerName, p config.ProviderConfig) string {
	if p.BaseURL != "" {
		return p.BaseURL
	}
	switch name {
	case providerOpenRouter:
		return openRouterBaseURL
	case providerDeepSeek:
		return deepSeekBaseURL
	default:
		return ""
	}
}

func toFloat32Ptr(f float64) *float32 {
	v := float32(f)
	return &v
}

func toIntPtr(i int) *int {
	return &i
}
