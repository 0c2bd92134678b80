package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaModelResolution(t *testing.T) {
	t.Setenv("KBFLOW_OLLAMA_EMBED_MODEL", "")
	assert.Equal(t, "nomic-embed-text", ollamaModel(""))
	assert.Equal(t, "bge-m3", ollamaModel("BGE"))
	assert.Equal(t, "snowflake-arctic-embed:335m", ollamaModel("snowflake-arctic-embed:335m"))

	t.Setenv("KBFLOW_OLLAMA_EMBED_MODEL_LOCAL", "all-minilm")
	assert.Equal(t, "all-minilm", ollamaModel("local"))

	t.Setenv("KBFLOW_OLLAMA_EMBED_MODEL", "mxbai-embed-large")
	assert.Equal(t, "mxbai-embed-large", ollamaModel("plain"))
}

func TestOllamaEmbedSendsOneBatch(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/api/embed", r.URL.Path)
		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "nomic-embed-text", body.Model)
		assert.Equal(t, []string{"a", "b"}, body.Input)
		_, _ = w.Write([]byte(`{"model":"nomic-embed-text","embeddings":[[1,0],[0,1]]}`))
	}))
	defer srv.Close()

	t.Setenv("KBFLOW_OLLAMA_BASE_URL", srv.URL+"/")
	t.Setenv("KBFLOW_OLLAMA_EMBED_MODEL", "")
	p := NewOllamaEmbeddingProvider("nomic")
	vecs, info, err := p.Embed(context.Background(), EmbedRequest{Inputs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "ollama", info.Name)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
}

func TestOllamaMissingModelIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model \"nope\" not found, try pulling it first"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	t.Setenv("KBFLOW_OLLAMA_BASE_URL", srv.URL)
	_, _, err := NewOllamaEmbeddingProvider("nope-model").Embed(context.Background(), EmbedRequest{Inputs: []string{"a"}})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, ErrorPermanent, ClassifyError(err))
}

func TestMatchDimension(t *testing.T) {
	src := []float32{1, 2, 3}
	assert.Equal(t, []float32{1, 2}, matchDimension(src, 2))
	assert.Equal(t, []float32{1, 2, 3, 0, 0}, matchDimension(src, 5))
	assert.Equal(t, src, matchDimension(src, 0))
}
