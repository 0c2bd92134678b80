package providers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

var ollamaModelAliases = map[string]string{
	"nomic": "nomic-embed-text",
	"bge":   "bge-m3",
	"mxbai": "mxbai-embed-large",
}

// OllamaEmbeddingProvider embeds through a local Ollama server. A whole batch
// goes out in one /api/embed call.
type OllamaEmbeddingProvider struct {
	alias   string
	baseURL string
	model   string
	client  *http.Client
}

func NewOllamaEmbeddingProvider(alias string) *OllamaEmbeddingProvider {
	base := orDefault(os.Getenv("KBFLOW_OLLAMA_BASE_URL"), "http://localhost:11434")
	return &OllamaEmbeddingProvider{
		alias:   alias,
		baseURL: strings.TrimRight(strings.TrimSpace(base), "/"),
		model:   ollamaModel(alias),
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

func (o *OllamaEmbeddingProvider) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	info := ProviderInfo{Name: "ollama", Model: o.model, Key: o.alias}
	if len(req.Inputs) == 0 {
		return nil, info, fmt.Errorf("ollama: no inputs")
	}
	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	body := map[string]any{"model": o.model, "input": req.Inputs, "truncate": true}
	if err := postJSON(ctx, o.client, "ollama", o.baseURL+"/api/embed", "", body, &resp); err != nil {
		return nil, info, err
	}
	return resp.Embeddings, info, nil
}

// ollamaModel resolves the provider alias: a per-alias env override, a short
// name from ollamaModelAliases, a literal model tag, then KBFLOW_OLLAMA_EMBED_MODEL.
func ollamaModel(alias string) string {
	alias = strings.TrimSpace(alias)
	if alias != "" {
		if v := strings.TrimSpace(os.Getenv("KBFLOW_OLLAMA_EMBED_MODEL_" + envToken(alias))); v != "" {
			return v
		}
		if m, ok := ollamaModelAliases[strings.ToLower(alias)]; ok {
			return m
		}
		if strings.ContainsAny(alias, "-/.") {
			return alias
		}
	}
	return orDefault(os.Getenv("KBFLOW_OLLAMA_EMBED_MODEL"), "nomic-embed-text")
}
