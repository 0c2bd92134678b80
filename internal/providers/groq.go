package providers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"
)

const groqChatURL = "https://api.groq.com/openai/v1/chat/completions"

// GroqProvider generates answers through Groq's OpenAI-compatible chat endpoint.
// It has no embedding model.
type GroqProvider struct {
	alias  string
	apiKey string
	model  string
	url    string
	client *http.Client
}

func NewGroqProvider(alias string) *GroqProvider {
	return &GroqProvider{
		alias:  alias,
		apiKey: keyFromEnv("KBFLOW_GROQ_KEY_", "GROQ_API_KEY", alias),
		model:  orDefault(os.Getenv("KBFLOW_GROQ_MODEL"), "llama-3.1-8b-instant"),
		url:    groqChatURL,
		client: &http.Client{Timeout: time.Minute},
	}
}

func (g *GroqProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	info := ProviderInfo{Name: "groq", Model: g.model, Key: g.alias}
	if g.apiKey == "" {
		return GenerateResponse{}, info, fmt.Errorf("groq: no api key for alias %q", g.alias)
	}
	var resp chatCompletion
	body := map[string]any{"model": g.model, "messages": chatMessages(req), "temperature": 0.2}
	if err := postJSON(ctx, g.client, "groq", g.url, g.apiKey, body, &resp); err != nil {
		return GenerateResponse{}, info, err
	}
	text, err := resp.text()
	if err != nil {
		return GenerateResponse{}, info, fmt.Errorf("groq: %w", err)
	}
	return GenerateResponse{Text: text}, info, nil
}
