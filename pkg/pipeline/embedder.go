package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
)

// Embedder turns text into vectors. Implementations must return one
// vector per input, all with the same dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// EmbedderFactory constructs a provider's embedder for a model name.
type EmbedderFactory func(model string) (Embedder, error)

var (
	embeddersMu sync.RWMutex
	embedders   = make(map[string]EmbedderFactory)
)

// RegisterEmbedder makes a provider available to OpenEmbedder.
// Providers register at program start; registering a duplicate name
// panics, matching database/sql driver registration.
func RegisterEmbedder(provider string, factory EmbedderFactory) {
	embeddersMu.Lock()
	defer embeddersMu.Unlock()
	if factory == nil {
		panic("pipeline: RegisterEmbedder factory is nil")
	}
	if _, dup := embedders[provider]; dup {
		panic("pipeline: RegisterEmbedder called twice for provider " + provider)
	}
	embedders[provider] = factory
}

// OpenEmbedder constructs the named provider's embedder.
func OpenEmbedder(provider, model string) (Embedder, error) {
	embeddersMu.RLock()
	factory, ok := embedders[provider]
	embeddersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown embedder provider %q (registered: %s)",
			provider, strings.Join(registeredEmbedders(), ", "))
	}
	return factory(model)
}

func registeredEmbedders() []string {
	embeddersMu.RLock()
	defer embeddersMu.RUnlock()
	names := make([]string, 0, len(embedders))
	for name := range embedders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterEmbedder("hash", func(model string) (Embedder, error) {
		return NewHashEmbedder(0), nil
	})
}

// HashEmbedder is a deterministic local embedder for development and
// tests: tokens hash into dimension buckets and the vector is L2
// normalized. Identical texts always embed identically.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Dimension() int { return e.dim }

func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *HashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum32()
		bucket := int(sum) % e.dim
		if bucket < 0 {
			bucket += e.dim
		}
		if sum&1 == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
