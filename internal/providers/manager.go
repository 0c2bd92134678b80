package providers

import (
	"fmt"
	"strings"

	"kbflow/internal/config"
)

type NamedLLMProvider struct {
	Ref      ProviderRef
	Provider LLMProvider
}

type NamedEmbedProvider struct {
	Ref      ProviderRef
	Provider EmbeddingProvider
}

type Manager struct {
	llmProviders   []NamedLLMProvider
	embedProviders []NamedEmbedProvider
	embedDim       int
	embedRPS       float64
}

func NewManager(cfg config.Config) (*Manager, error) {
	m := &Manager{embedDim: cfg.EmbedDim, embedRPS: cfg.EmbedRPS}
	for _, ref := range ParseProviderList(cfg.LLMProviders) {
		p, err := buildProvider(ref, cfg)
		if err != nil {
			return nil, err
		}
		llm, ok := p.(LLMProvider)
		if !ok {
			return nil, fmt.Errorf("provider %s does not support llm", ref.Raw)
		}
		m.llmProviders = append(m.llmProviders, NamedLLMProvider{Ref: ref, Provider: llm})
	}
	for _, ref := range ParseProviderList(cfg.EmbedProviders) {
		p, err := buildProvider(ref, cfg)
		if err != nil {
			return nil, err
		}
		embed, ok := p.(EmbeddingProvider)
		if !ok {
			return nil, fmt.Errorf("provider %s does not support embeddings", ref.Raw)
		}
		m.embedProviders = append(m.embedProviders, NamedEmbedProvider{Ref: ref, Provider: embed})
	}
	if len(m.llmProviders) == 0 || len(m.embedProviders) == 0 {
		return nil, fmt.Errorf("at least one llm and one embedding provider must be configured")
	}
	return m, nil
}

// Embedder returns the preferred embedding provider wrapped as an Embedder.
func (m *Manager) Embedder() (*Client, ProviderRef) {
	i := m.PreferredEmbedOrder()[0]
	return NewClient(m.embedProviders[i].Provider, m.embedDim, m.embedRPS), m.embedProviders[i].Ref
}

// LLM returns the preferred generation provider.
func (m *Manager) LLM() (LLMProvider, ProviderRef) {
	i := m.PreferredLLMOrder()[0]
	return m.llmProviders[i].Provider, m.llmProviders[i].Ref
}

func (m *Manager) PreferredLLMOrder() []int {
	return preferredOrder(len(m.llmProviders), func(i int) string { return strings.ToLower(m.llmProviders[i].Ref.Name) })
}

func (m *Manager) PreferredEmbedOrder() []int {
	return preferredOrder(len(m.embedProviders), func(i int) string { return strings.ToLower(m.embedProviders[i].Ref.Name) })
}

// preferredOrder lists real providers before mock ones, keeping configured order otherwise.
func preferredOrder(n int, nameAt func(i int) string) []int {
	if n <= 0 {
		return nil
	}
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if nameAt(i) != "mock" {
			out = append(out, i)
		}
	}
	for i := 0; i < n; i++ {
		if nameAt(i) == "mock" {
			out = append(out, i)
		}
	}
	return out
}

func buildProvider(ref ProviderRef, cfg config.Config) (any, error) {
	switch strings.ToLower(ref.Name) {
	case "mock":
		return NewMockProvider(cfg.EmbedDim), nil
	case "openai":
		return NewOpenAIProvider(ref.KeyAlias, OpenAIOptions{
			EmbedURL:   cfg.EmbedAPIURL,
			EmbedModel: cfg.EmbedAPIModel,
			APIKey:     cfg.EmbedAPIKey,
			Timeout:    cfg.EmbedTimeout,
		}), nil
	case "ollama":
		return NewOllamaEmbeddingProvider(ref.KeyAlias), nil
	case "groq":
		return NewGroqProvider(ref.KeyAlias), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", ref.Name)
	}
}
