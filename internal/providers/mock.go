package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type MockProvider struct {
	dim int
}

func NewMockProvider(dim int) *MockProvider {
	if dim <= 0 {
		dim = 1024
	}
	return &MockProvider{dim: dim}
}

func (m *MockProvider) Embed(ctx context.Context, req EmbedRequest) ([][]float32, ProviderInfo, error) {
	_ = ctx
	dim := req.Dimension
	if dim <= 0 {
		dim = m.dim
	}
	vectors := make([][]float32, 0, len(req.Inputs))
	for _, input := range req.Inputs {
		vectors = append(vectors, deterministicVector(input, dim))
	}
	return vectors, ProviderInfo{Name: "mock", Model: fmt.Sprintf("mock-embed-%d", dim), Key: "mock"}, nil
}

func (m *MockProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, ProviderInfo, error) {
	_ = ctx
	var b strings.Builder
	b.WriteString("Mock answer for ")
	b.WriteString(strconv.Quote(req.Prompt))
	b.WriteString(" grounded in ")
	b.WriteString(strconv.Itoa(len(req.Context)))
	b.WriteString(" source(s).")
	for _, c := range req.Context {
		if title, ok := sourceTitle(c); ok {
			b.WriteString("\n- ")
			b.WriteString(title)
		}
	}
	return GenerateResponse{Text: b.String()}, ProviderInfo{Name: "mock", Model: "mock-llm-v1", Key: "mock"}, nil
}

// sourceTitle reads the title out of a "[source: <title>]" header line.
func sourceTitle(block string) (string, bool) {
	line, _, _ := strings.Cut(block, "\n")
	if !strings.HasPrefix(line, "[source: ") || !strings.HasSuffix(line, "]") {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(line, "[source: "), "]"), true
}

func deterministicVector(input string, dim int) []float32 {
	vec := make([]float32, dim)
	seed := []byte(input)
	if len(seed) == 0 {
		seed = []byte("empty")
	}
	for i := 0; i < dim; i++ {
		h := sha256.Sum256(append(seed, byte(i%251)))
		u := binary.BigEndian.Uint32(h[:4])
		v := float32(u%2000)/1000.0 - 1.0
		vec[i] = v
	}
	return normalize(vec)
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}
