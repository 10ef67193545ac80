package contextlab

import (
	"context"
	"fmt"
	"time"

	"github.com/cbw1985/streamvision/pkg/retriever"
	"github.com/cbw1985/streamvision/pkg/types"
)

// BrokerConfig holds the configuration for the ContextLab broker.
type BrokerConfig struct {
	// OverFetchK is the number of sightings to retrieve from the vector DB.
	// Should be larger than TargetK to allow for deduplication.
	// Recommended: 3-5x TargetK
	OverFetchK int

	// TargetK is the final number of sightings to return.
	TargetK int

	// ClusterThreshold is the cosine distance threshold for clustering.
	// Lower = more clusters, less aggressive deduplication.
	ClusterThreshold float64

	// ClusterLinkage determines how cluster distances are computed.
	// Options: "single", "complete", "average"
	ClusterLinkage string

	// SelectionStrategy determines how representatives are picked.
	// Options: "score", "centroid", "box_area", "hybrid"
	SelectionStrategy SelectionStrategy

	// EnableMMR enables Maximal Marginal Relevance re-ranking.
	EnableMMR bool

	// MMRLambda controls relevance vs diversity tradeoff (0-1).
	// 1.0 = pure relevance, 0.0 = pure diversity, 0.5 = balanced
	MMRLambda float64

	// IncludeEmbeddings requests embeddings in retrieval results.
	// Required for clustering - will be enabled automatically if false.
	IncludeEmbeddings bool

	// IncludeMetadata requests metadata in retrieval results.
	IncludeMetadata bool
}

// DefaultBrokerConfig returns sensible defaults.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		OverFetchK:        50,
		TargetK:           8,
		ClusterThreshold:  0.15,
		ClusterLinkage:    "average",
		SelectionStrategy: SelectByScore,
		EnableMMR:         true,
		MMRLambda:         0.5,
		IncludeEmbeddings: true,
		IncludeMetadata:   true,
	}
}

// Broker orchestrates the semantic deduplication pipeline: it retrieves
// sightings, clusters them, selects representatives, and optionally
// applies MMR for diversity.
type Broker struct {
	cfg       BrokerConfig
	retriever retriever.Retriever
	embedder  retriever.EmbeddingProvider
	clusterer *Clusterer
	selector  *Selector
	mmr       *MMR
}

// NewBroker creates a new ContextLab broker.
func NewBroker(ret retriever.Retriever, cfg BrokerConfig) *Broker {
	// Ensure embeddings are included (required for clustering)
	cfg.IncludeEmbeddings = true

	// Apply defaults
	if cfg.OverFetchK <= 0 {
		cfg.OverFetchK = 50
	}
	if cfg.TargetK <= 0 {
		cfg.TargetK = 8
	}
	if cfg.ClusterThreshold <= 0 {
		cfg.ClusterThreshold = 0.15
	}
	if cfg.MMRLambda < 0 || cfg.MMRLambda > 1 {
		cfg.MMRLambda = 0.5
	}

	// Create sub-components
	clusterer := NewClusterer(ClusterConfig{
		Threshold: cfg.ClusterThreshold,
		Linkage:   cfg.ClusterLinkage,
	})

	selector := NewSelector(SelectorConfig{
		Strategy: cfg.SelectionStrategy,
	})

	var mmr *MMR
	if cfg.EnableMMR {
		mmr = NewMMR(MMRConfig{
			Lambda:  cfg.MMRLambda,
			TargetK: cfg.TargetK,
		})
	}

	return &Broker{
		cfg:       cfg,
		retriever: ret,
		clusterer: clusterer,
		selector:  selector,
		mmr:       mmr,
	}
}

// NewBrokerWithEmbedder creates a broker that can handle text queries.
func NewBrokerWithEmbedder(ret retriever.Retriever, emb retriever.EmbeddingProvider, cfg BrokerConfig) *Broker {
	broker := NewBroker(ret, cfg)
	broker.embedder = emb
	return broker
}

// Retrieve performs the full deduplication pipeline.
func (b *Broker) Retrieve(ctx context.Context, req *types.RetrievalRequest) (*types.ReidResult, error) {
	totalStart := time.Now()
	stats := types.ReidStats{}

	// Step 1: Embed query if needed
	if req.Query != "" && len(req.QueryEmbedding) == 0 {
		if b.embedder == nil {
			return nil, fmt.Errorf("embedding provider required for text queries")
		}
		embedding, err := b.embedder.Embed(ctx, req.Query)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		req.QueryEmbedding = embedding
	}

	if len(req.QueryEmbedding) == 0 {
		return nil, retriever.ErrInvalidQuery
	}

	// Step 2: Over-fetch from vector DB
	req.TopK = b.cfg.OverFetchK
	req.IncludeEmbeddings = true
	req.IncludeMetadata = b.cfg.IncludeMetadata

	retrievalStart := time.Now()
	result, err := b.retriever.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	stats.RetrievalLatency = time.Since(retrievalStart)
	stats.Retrieved = len(result.Sightings)

	if len(result.Sightings) == 0 {
		return &types.ReidResult{
			Sightings: []types.Sighting{},
			Stats:  stats,
		}, nil
	}

	// Step 3: Cluster retrieved sightings
	clusterStart := time.Now()
	clusterResult := b.clusterer.Cluster(result.Sightings)
	stats.ClusteringLatency = time.Since(clusterStart)
	stats.Clustered = clusterResult.ClusterCount

	// Step 4: Select representatives from each cluster
	representatives := b.selector.Select(clusterResult)

	// Step 5: Apply MMR if enabled
	var finalSightings []types.Sighting
	if b.cfg.EnableMMR && b.mmr != nil && len(representatives) > b.cfg.TargetK {
		finalSightings = b.mmr.Rerank(representatives)
	} else if len(representatives) > b.cfg.TargetK {
		// Just take top K by score
		finalSightings = SelectTopK(clusterResult, b.cfg.TargetK, b.cfg.SelectionStrategy)
	} else {
		finalSightings = representatives
	}

	stats.Returned = len(finalSightings)
	stats.TotalLatency = time.Since(totalStart)

	return &types.ReidResult{
		Sightings: finalSightings,
		Stats:  stats,
	}, nil
}

// RetrieveByText is a convenience method for text queries.
func (b *Broker) RetrieveByText(ctx context.Context, query string, namespace string) (*types.ReidResult, error) {
	req := &types.RetrievalRequest{
		Query:     query,
		Namespace: namespace,
	}
	return b.Retrieve(ctx, req)
}

// RetrieveByVector is a convenience method for vector queries.
func (b *Broker) RetrieveByVector(ctx context.Context, embedding []float32, namespace string) (*types.ReidResult, error) {
	req := &types.RetrievalRequest{
		QueryEmbedding: embedding,
		Namespace:      namespace,
	}
	return b.Retrieve(ctx, req)
}

// RetrieveWithFilter adds metadata filtering to the query.
func (b *Broker) RetrieveWithFilter(ctx context.Context, req *types.RetrievalRequest, filter map[string]interface{}) (*types.ReidResult, error) {
	req.Filter = filter
	return b.Retrieve(ctx, req)
}

// SetConfig updates the broker configuration.
func (b *Broker) SetConfig(cfg BrokerConfig) {
	b.cfg = cfg
	b.cfg.IncludeEmbeddings = true

	b.clusterer = NewClusterer(ClusterConfig{
		Threshold: cfg.ClusterThreshold,
		Linkage:   cfg.ClusterLinkage,
	})

	b.selector = NewSelector(SelectorConfig{
		Strategy: cfg.SelectionStrategy,
	})

	if cfg.EnableMMR {
		b.mmr = NewMMR(MMRConfig{
			Lambda:  cfg.MMRLambda,
			TargetK: cfg.TargetK,
		})
	} else {
		b.mmr = nil
	}
}

// GetConfig returns the current configuration.
func (b *Broker) GetConfig() BrokerConfig {
	return b.cfg
}

// Close releases resources.
func (b *Broker) Close() error {
	if b.retriever != nil {
		return b.retriever.Close()
	}
	return nil
}

// ProcessSightings applies deduplication to pre-fetched sightings.
// Useful when you want to use the broker's logic without retrieval.
func (b *Broker) ProcessSightings(sightings []types.Sighting) *types.ReidResult {
	totalStart := time.Now()
	stats := types.ReidStats{
		Retrieved: len(sightings),
	}

	if len(sightings) == 0 {
		return &types.ReidResult{
			Sightings: []types.Sighting{},
			Stats:  stats,
		}
	}

	// Cluster
	clusterStart := time.Now()
	clusterResult := b.clusterer.Cluster(sightings)
	stats.ClusteringLatency = time.Since(clusterStart)
	stats.Clustered = clusterResult.ClusterCount

	// Select representatives
	representatives := b.selector.Select(clusterResult)

	// Apply MMR if enabled
	var finalSightings []types.Sighting
	if b.cfg.EnableMMR && b.mmr != nil && len(representatives) > b.cfg.TargetK {
		finalSightings = b.mmr.Rerank(representatives)
	} else if len(representatives) > b.cfg.TargetK {
		finalSightings = SelectTopK(clusterResult, b.cfg.TargetK, b.cfg.SelectionStrategy)
	} else {
		finalSightings = representatives
	}

	stats.Returned = len(finalSightings)
	stats.TotalLatency = time.Since(totalStart)

	return &types.ReidResult{
		Sightings: finalSightings,
		Stats:  stats,
	}
}
