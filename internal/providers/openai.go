package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type OpenAIOptions struct {
	EmbedURL   string
	EmbedModel string
	ChatURL    string
	ChatModel  string
	APIKey     string
	Timeout    time.Duration
}

// OpenAIProvider serves embeddings and chat over any OpenAI-compatible API.
type OpenAIProvider struct {
	alias  string
	apiKey string
	opts   OpenAIOptions
	client *http.Client
}

func NewOpenAIProvider(alias string, opts OpenAIOptions) *OpenAIProvider {
	key := keyFromEnv("KBFLOW_OPENAI_KEY_", "OPENAI_API_KEY", alias)
	if key == "" {
		key = opts.APIKey
	}
	opts.EmbedURL = orDefault(opts.EmbedURL, "https://api.openai.com/v1/embeddings")
	opts.EmbedModel = orDefault(opts.EmbedModel, "text-embedding-3-small")
	opts.ChatURL = orDefault(opts.ChatURL, "https://api.openai.com/v1/chat/completions")
	opts.ChatModel = orDefault(opts.ChatModel, "gpt-4o-mini")
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return &OpenAIProvider{alias: alias, apiKey: key, opts: opts, client: &http.Client{Timeout: opts.Timeout}}
}

func (o *OpenAIProvider) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	info := ProviderInfo{Name: "openai", Model: o.opts.EmbedModel, Key: o.alias}
	if o.apiKey == "" {
		return nil, info, fmt.Errorf("openai: no api key for alias %q", o.alias)
	}
	body := map[string]any{"model": o.opts.EmbedModel, "input": req.Inputs}
	// Only the v3 models accept a dimensions parameter.
	if req.Dimension > 0 && strings.HasPrefix(o.opts.EmbedModel, "text-embedding-3") {
		body["dimensions"] = req.Dimension
	}
	var resp struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := postJSON(ctx, o.client, "openai", o.opts.EmbedURL, o.apiKey, body, &resp); err != nil {
		return nil, info, err
	}
	vecs := make([][]float32, len(resp.Data))
	for pos, d := range resp.Data {
		at := d.Index
		if at < 0 || at >= len(vecs) || vecs[at] != nil {
			at = pos
		}
		vecs[at] = d.Embedding
	}
	return vecs, info, nil
}

func (o *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	info := ProviderInfo{Name: "openai", Model: o.opts.ChatModel, Key: o.alias}
	if o.apiKey == "" {
		return GenerateResponse{}, info, fmt.Errorf("openai: no api key for alias %q", o.alias)
	}
	var resp chatCompletion
	body := map[string]any{"model": o.opts.ChatModel, "messages": chatMessages(req)}
	if err := postJSON(ctx, o.client, "openai", o.opts.ChatURL, o.apiKey, body, &resp); err != nil {
		return GenerateResponse{}, info, err
	}
	text, err := resp.text()
	if err != nil {
		return GenerateResponse{}, info, fmt.Errorf("openai: %w", err)
	}
	return GenerateResponse{Text: text}, info, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
