package embed

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached memoises text embeddings. Repeated queries from the agent are common
// and cost a model round-trip each.
type Cached struct {
	inner Embedder
	texts *lru.Cache[string, []float32]
}

func NewCached(inner Embedder, size int) (*Cached, error) {
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, texts: c}, nil
}

func (c *Cached) Dimension() int           { return c.inner.Dimension() }
func (c *Cached) Supports(m Modality) bool { return c.inner.Supports(m) }

func (c *Cached) Embed(ctx context.Context, data []byte, m Modality) ([]float32, error) {
	if m != ModalityText {
		return c.inner.Embed(ctx, data, m)
	}
	key := string(data)
	if v, ok := c.texts.Get(key); ok {
		return v, nil
	}
	v, err := c.inner.Embed(ctx, data, m)
	if err != nil {
		return nil, err
	}
	c.texts.Add(key, v)
	return v, nil
}

// EmbedBatch forwards to the wrapped embedder so batching survives caching.
func (c *Cached) EmbedBatch(ctx context.Context, inputs []Input) ([]Output, error) {
	if be, ok := c.inner.(BatchEmbedder); ok {
		return be.EmbedBatch(ctx, inputs)
	}
	out := make([]Output, len(inputs))
	for i, in := range inputs {
		out[i].Vector, out[i].Err = c.Embed(ctx, in.Data, in.Modality)
	}
	return out, nil
}
