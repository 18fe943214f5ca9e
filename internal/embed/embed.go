// Package embed turns media bytes and text into vectors of one shared space.
package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
)

// Modality says how the bytes handed to an Embedder must be interpreted.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityVideo Modality = "video"
)

var (
	ErrUnsupportedModality = errors.New("unsupported modality")
	ErrNoVisualTerms       = errors.New("query has no terms the embedder understands")
)

// Failure is an EmbeddingFailure: the input was corrupt or not supported.
type Failure struct {
	Modality Modality
	Err      error
}

func (e *Failure) Error() string {
	return fmt.Sprintf("embedding %s failed: %v", e.Modality, e.Err)
}

func (e *Failure) Unwrap() error { return e.Err }

// Embedder maps media or text into vectors of a fixed dimension.
// Text and image vectors must be comparable under cosine similarity.
type Embedder interface {
	Embed(ctx context.Context, data []byte, m Modality) ([]float32, error)
	Dimension() int
	Supports(m Modality) bool
}

// Input is one item of a batch.
type Input struct {
	Data     []byte
	Modality Modality
}

// Output pairs a vector with the error for the matching Input.
type Output struct {
	Vector []float32
	Err    error
}

// BatchEmbedder is implemented by embedders that amortise work over a batch,
// such as remote model servers.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, inputs []Input) ([]Output, error)
}

// Batch embeds inputs, using EmbedBatch when e supports it. A failure of the
// whole batch is reported on every output.
func Batch(ctx context.Context, e Embedder, inputs []Input) []Output {
	out := make([]Output, len(inputs))
	if be, ok := e.(BatchEmbedder); ok {
		res, err := be.EmbedBatch(ctx, inputs)
		if err == nil && len(res) != len(inputs) {
			err = fmt.Errorf("embedder returned %d vectors for %d inputs", len(res), len(inputs))
		}
		if err != nil {
			for i := range out {
				out[i].Err = err
			}
			return out
		}
		return res
	}
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			out[i].Err = err
			continue
		}
		out[i].Vector, out[i].Err = e.Embed(ctx, in.Data, in.Modality)
	}
	return out
}

// Text embeds a text query.
func Text(ctx context.Context, e Embedder, text string) ([]float32, error) {
	return e.Embed(ctx, []byte(text), ModalityText)
}

// Normalize scales v to unit length in place and returns it.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}

// ModalityFor classifies a file by extension against the configured lists.
func ModalityFor(path string, imageExts, videoExts []string) (Modality, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range imageExts {
		if e == ext {
			return ModalityImage, true
		}
	}
	for _, e := range videoExts {
		if e == ext {
			return ModalityVideo, true
		}
	}
	return "", false
}
