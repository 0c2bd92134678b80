package providers

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Client adapts an EmbeddingProvider to Embedder, pinning the vector dimension and
// optionally pacing requests.
type Client struct {
	provider EmbeddingProvider
	dim      int
	limiter  *rate.Limiter
}

// NewClient wraps p. rps <= 0 disables pacing.
func NewClient(p EmbeddingProvider, dim int, rps float64) *Client {
	c := &Client{provider: p, dim: dim}
	if rps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return c
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed batch: no inputs")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
	}
	vecs, info, err := c.provider.Embed(ctx, EmbedRequest{Inputs: texts, Dimension: c.dim})
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%s embed returned %d vectors for %d inputs", info.Name, len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("%s embed returned empty vector at %d", info.Name, i)
		}
		vecs[i] = matchDimension(v, c.dim)
	}
	return vecs, nil
}

// matchDimension truncates or zero-pads v to target. target <= 0 leaves v alone.
func matchDimension(v []float32, target int) []float32 {
	switch {
	case target <= 0 || len(v) == target:
		return v
	case len(v) > target:
		return v[:target]
	}
	padded := make([]float32, target)
	copy(padded, v)
	return padded
}
