package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/BangRocket/mypalclara/internal/cache"
)

const (
	embedCacheTTL  = 24 * time.Hour
	searchCacheTTL = 5 * time.Minute
)

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// CachedEmbedder fronts a remote embedder with a redis cache keyed by a
// truncated SHA-256 of the text. Misses go remote and are written back.
type CachedEmbedder struct {
	remote Embedder
	cache  *cache.Cache
	model  string
}

func NewCachedEmbedder(remote Embedder, c *cache.Cache, model string) *CachedEmbedder {
	return &CachedEmbedder{remote: remote, cache: c, model: model}
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.key(text)
	if cached, ok := e.cache.Get(ctx, key); ok {
		var vec []float32
		if err := json.Unmarshal([]byte(cached), &vec); err == nil && len(vec) > 0 {
			return vec, nil
		}
	}

	vec, err := e.remote.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(vec); err == nil {
		e.cache.Set(ctx, key, string(data), embedCacheTTL)
	}
	return vec, nil
}

// EmbedBatch serves what it can from cache and issues one remote call for
// the misses, preserving input order.
func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if cached, ok := e.cache.Get(ctx, e.key(text)); ok {
			var vec []float32
			if err := json.Unmarshal([]byte(cached), &vec); err == nil && len(vec) > 0 {
				out[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) > 0 {
		vecs, err := e.remote.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, idx := range missIdx {
			if j >= len(vecs) {
				break
			}
			out[idx] = vecs[j]
			if data, err := json.Marshal(vecs[j]); err == nil {
				e.cache.Set(ctx, e.key(missTexts[j]), string(data), embedCacheTTL)
			}
		}
	}
	return out, nil
}

func (e *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + e.model + ":" + hex.EncodeToString(sum[:8])
}

// searchCacheKey namespaces search results by user so linked users never
// leak cached results across identities.
func searchCacheKey(userID, query string) string {
	sum := sha256.Sum256([]byte(query))
	return "msearch:" + userID + ":" + hex.EncodeToString(sum[:8])
}
