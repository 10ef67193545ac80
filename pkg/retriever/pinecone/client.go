package pinecone

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cbw1985/streamvision/pkg/retriever"
	"github.com/cbw1985/streamvision/pkg/types"
	"github.com/pinecone-io/go-pinecone/v3/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client implements the Retriever interface for Pinecone.
type Client struct {
	cfg     Config
	pc      *pinecone.Client
	idxConn *pinecone.IndexConnection
}

// Config holds Pinecone-specific configuration.
type Config struct {
	retriever.Config

	// IndexName is the Pinecone index to query
	IndexName string

	// IndexHost is the direct host URL (optional, will be resolved from IndexName)
	IndexHost string
}

// NewClient creates a new Pinecone retriever client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.IndexName == "" && cfg.IndexHost == "" {
		return nil, fmt.Errorf("index name or host is required")
	}

	// Apply defaults
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	// Create Pinecone client
	pc, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	// Resolve index host if not provided
	host := cfg.IndexHost
	if host == "" {
		idx, err := pc.DescribeIndex(ctx, cfg.IndexName)
		if err != nil {
			return nil, fmt.Errorf("failed to describe index %q: %w", cfg.IndexName, err)
		}
		host = idx.Host
	}

	// Create index connection
	idxConn, err := pc.Index(pinecone.NewIndexConnParams{
		Host:      host,
		Namespace: cfg.DefaultNamespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to index: %w", err)
	}

	return &Client{
		cfg:     cfg,
		pc:      pc,
		idxConn: idxConn,
	}, nil
}

// Query retrieves sightings similar to the given embedding.
func (c *Client) Query(ctx context.Context, req *types.RetrievalRequest) (*types.RetrievalResult, error) {
	if len(req.QueryEmbedding) == 0 {
		return nil, retriever.ErrInvalidQuery
	}

	start := time.Now()

	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}

	// Build query request
	queryReq := &pinecone.QueryByVectorValuesRequest{
		Vector:          req.QueryEmbedding,
		TopK:            uint32(topK),
		IncludeValues:   req.IncludeEmbeddings,
		IncludeMetadata: req.IncludeMetadata,
	}

	// Use namespace from request or default
	namespace := req.Namespace
	if namespace == "" {
		namespace = c.cfg.DefaultNamespace
	}

	// Execute query
	resp, err := c.idxConn.QueryByVectorValues(ctx, queryReq)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	// Convert response to sightings
	sightings := make([]types.Sighting, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		sighting := types.Sighting{
			ID:        match.Vector.Id,
			Score:     match.Score,
			ClusterID: -1,
		}

		// Extract embedding if included
		if match.Vector.Values != nil {
			sighting.Embedding = *match.Vector.Values
		}

		// Extract metadata if included
		if match.Vector.Metadata != nil {
			sighting.Metadata = convertMetadataToMap(match.Vector.Metadata)

			// Try to extract a label/attribute string from common metadata fields
			if label, ok := sighting.Metadata["label"].(string); ok {
				sighting.Label = label
			} else if attr, ok := sighting.Metadata["attribute_text"].(string); ok {
				sighting.Label = attr
			} else if ocr, ok := sighting.Metadata["ocr_text"].(string); ok {
				sighting.Label = ocr
			}
		}

		sightings = append(sightings, sighting)
	}

	return &types.RetrievalResult{
		Sightings:         sightings,
		QueryEmbedding: req.QueryEmbedding,
		TotalMatches:   len(sightings),
		Latency:        time.Since(start),
	}, nil
}

// QueryByID retrieves sightings similar to an existing vector by its ID.
func (c *Client) QueryByID(ctx context.Context, id string, topK int, namespace string) (*types.RetrievalResult, error) {
	start := time.Now()

	if topK <= 0 {
		topK = 10
	}

	// Build query request
	queryReq := &pinecone.QueryByVectorIdRequest{
		VectorId:        id,
		TopK:            uint32(topK),
		IncludeValues:   true,
		IncludeMetadata: true,
	}

	// Execute query
	resp, err := c.idxConn.QueryByVectorId(ctx, queryReq)
	if err != nil {
		return nil, fmt.Errorf("query by ID failed: %w", err)
	}

	// Convert response to sightings
	sightings := make([]types.Sighting, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		sighting := types.Sighting{
			ID:        match.Vector.Id,
			Score:     match.Score,
			ClusterID: -1,
		}

		if match.Vector.Values != nil {
			sighting.Embedding = *match.Vector.Values
		}

		if match.Vector.Metadata != nil {
			sighting.Metadata = convertMetadataToMap(match.Vector.Metadata)

			if label, ok := sighting.Metadata["label"].(string); ok {
				sighting.Label = label
			} else if attr, ok := sighting.Metadata["attribute_text"].(string); ok {
				sighting.Label = attr
			}
		}

		sightings = append(sightings, sighting)
	}

	return &types.RetrievalResult{
		Sightings:       sightings,
		TotalMatches: len(sightings),
		Latency:      time.Since(start),
	}, nil
}

// Upsert writes a batch of object feature vectors to the index with
// exponential-backoff retry on rate-limit/unavailable errors, mirroring
// the original gRPC upsert client's retry loop.
func (c *Client) Upsert(ctx context.Context, vectors []types.Vector) error {
	if len(vectors) == 0 {
		return nil
	}

	pcVectors := make([]*pinecone.Vector, len(vectors))
	for i, v := range vectors {
		values := v.Values
		pcVectors[i] = &pinecone.Vector{
			Id:       v.ID,
			Values:   &values,
			Metadata: convertMapToMetadata(v.Metadata),
		}
	}

	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := 100 * time.Millisecond
	maxBackoff := 30 * time.Second

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if attempt > 0 {
			time.Sleep(backoff)
			backoff = time.Duration(math.Min(float64(backoff*2), float64(maxBackoff)))
		}

		_, err := c.idxConn.UpsertVectors(ctx, pcVectors)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	return fmt.Errorf("upsert failed after %d retries: %w", maxRetries, lastErr)
}

// Close releases resources.
func (c *Client) Close() error {
	if c.idxConn != nil {
		return c.idxConn.Close()
	}
	return nil
}

// isRetryableError reports whether an upsert error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "unavailable") ||
		strings.Contains(errStr, "temporarily")
}

// convertMapToMetadata converts a Go map to Pinecone Struct metadata.
func convertMapToMetadata(m map[string]interface{}) *structpb.Struct {
	if len(m) == 0 {
		return nil
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil
	}
	return s
}

// convertMetadataToMap converts Pinecone Struct metadata to a Go map.
func convertMetadataToMap(s *pinecone.Metadata) map[string]interface{} {
	if s == nil {
		return nil
	}

	// Pinecone Metadata is a protobuf Struct
	return s.AsMap()
}
