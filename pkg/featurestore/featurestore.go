// Package featurestore sinks detected-object feature vectors to a vector
// database for downstream cross-channel re-identification and search,
// off the hot inference path: cmd/serve.go calls Upsert from a goroutine
// it starts for each frame the transdata delivery goroutine (see
// pkg/transdata) hands it, never from the engine's commit chain itself.
package featurestore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cbw1985/streamvision/pkg/cache"
	"github.com/cbw1985/streamvision/pkg/dedup"
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/retriever"
	"github.com/cbw1985/streamvision/pkg/types"
)

// Config fixes the store's dedup and attribute-embedding policy.
type Config struct {
	// Namespace is the vector DB namespace/collection vectors are upserted
	// into.
	Namespace string

	// DedupTTL is how long a recently-upserted sighting's hash is
	// remembered; an identical sighting arriving again within this window
	// is skipped. Zero disables dedup.
	DedupTTL time.Duration

	// EmbedAttributes embeds a detection's "attribute_text" attribute (e.g.
	// an OCR read) via the configured EmbeddingProvider; when that succeeds
	// the text is stored in the upserted metadata as "attribute_text". The
	// embedding itself is not stored; the object's own FeatureVector stays
	// the indexed vector. Requires a non-nil EmbeddingProvider.
	EmbedAttributes bool
}

// Store sinks object feature vectors pulled off completed frames into a
// vector database, skipping upserts for a feature vector seen very
// recently on the same channel.
type Store struct {
	ret      retriever.Retriever
	embedder retriever.EmbeddingProvider
	cache    cache.Cache
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Store. embedder may be nil if cfg.EmbedAttributes is
// false. dedupCache may be nil to disable dedup outright regardless of
// cfg.DedupTTL.
func New(ret retriever.Retriever, embedder retriever.EmbeddingProvider, dedupCache cache.Cache, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		ret:      ret,
		embedder: embedder,
		cache:    dedupCache,
		cfg:      cfg,
		logger:   logger,
	}
}

// Upsert converts every detection on f that carries a feature vector into
// a types.Vector and writes it to the vector database, skipping any
// detection whose sighting hash was upserted within cfg.DedupTTL.
func (s *Store) Upsert(ctx context.Context, channel string, f *frame.Frame) error {
	if s.ret == nil || len(f.Objects) == 0 {
		return nil
	}

	var vectors []types.Vector
	for i, d := range f.Objects {
		if len(d.FeatureVector) == 0 {
			continue
		}

		sighting := types.Sighting{
			Label:     d.Label,
			Embedding: d.FeatureVector,
		}

		if s.cache != nil && s.cfg.DedupTTL > 0 {
			key := cache.CacheKeyForSighting(channel, sighting)
			if s.cache.Has(ctx, key) {
				continue
			}
			_ = s.cache.Set(ctx, key, []byte{1}, s.cfg.DedupTTL)
		}

		meta := map[string]interface{}{
			"channel":   channel,
			"timestamp": f.Timestamp.UnixNano(),
			"label":     d.Label,
			"score":     d.Score,
			"box_x":     d.Box.X,
			"box_y":     d.Box.Y,
			"box_w":     d.Box.W,
			"box_h":     d.Box.H,
		}
		for k, v := range d.Attributes {
			meta[k] = v
		}

		if s.cfg.EmbedAttributes && s.embedder != nil {
			if text, ok := d.Attributes["attribute_text"]; ok && text != "" {
				embedding, err := s.embedder.Embed(ctx, text)
				if err != nil {
					s.logger.Warn("featurestore: attribute embedding failed", zap.Error(err))
				} else {
					meta["attribute_text"] = text
					_ = embedding // kept in metadata as text; the object's own FeatureVector remains the indexed vector
				}
			}
		}

		vectors = append(vectors, types.Vector{
			ID:       fmt.Sprintf("%s:%d:%d", channel, f.Timestamp.UnixNano(), i),
			Values:   d.FeatureVector,
			Metadata: meta,
		})
	}

	if len(vectors) == 0 {
		return nil
	}
	return s.ret.Upsert(ctx, vectors)
}

// Query retrieves sightings similar to a query embedding, delegating
// directly to the underlying retriever.
func (s *Store) Query(ctx context.Context, embedding []float32, topK int) (*types.RetrievalResult, error) {
	return s.ret.Query(ctx, &types.RetrievalRequest{
		QueryEmbedding:  embedding,
		TopK:            topK,
		Namespace:       s.cfg.Namespace,
		IncludeMetadata: true,
	})
}

// Compact re-clusters a batch of already-indexed feature vectors with a
// k-means dedup pass and re-upserts only the surviving cluster
// representatives. pkg/reid only dedups within one sliding window of
// recent frames; Compact is for a periodic maintenance pass over a whole
// namespace (or a bounded slice of it) that catches near-duplicates
// accumulated across separate windows or channel restarts. It never
// deletes the original vectors it supersedes — the Retriever interface
// has no delete operation — it only overwrites IDs it re-upserts, so a
// caller wanting bounded namespace growth must pair this with an
// out-of-band retention policy.
func (s *Store) Compact(ctx context.Context, vectors []types.Vector, dedupCfg dedup.Config) (*types.DeduplicationResult, error) {
	if s.ret == nil || len(vectors) == 0 {
		return &types.DeduplicationResult{}, nil
	}

	engine := dedup.NewEngine(dedupCfg)
	result, err := engine.Deduplicate(ctx, vectors)
	if err != nil {
		return nil, fmt.Errorf("featurestore: compact dedup: %w", err)
	}

	if len(result.UniqueVectors) > 0 {
		if err := s.ret.Upsert(ctx, result.UniqueVectors); err != nil {
			return result, fmt.Errorf("featurestore: compact re-upsert: %w", err)
		}
	}
	return result, nil
}

// Close releases the underlying retriever's resources.
func (s *Store) Close() error {
	if s.ret != nil {
		return s.ret.Close()
	}
	return nil
}
