package types

import "time"

// Sighting is one detected-object feature record pulled from the feature
// store: a single object's feature vector plus whatever class label and
// relevance score accompanied it — a scored vector with metadata,
// carrying an object's appearance embedding rather than a text embedding.
type Sighting struct {
	// ID is the unique identifier in the feature store (typically
	// channel:track_id or channel:frame:object_index).
	ID string

	// Label is the post-processor's class label for the object (and,
	// for post-processors that emit one, an OCR/attribute string).
	Label string

	// Embedding is the object's feature vector (float32 for memory efficiency).
	Embedding []float32

	// Score is the relevance/similarity score from the feature-store query.
	Score float32

	// Metadata carries channel id, frame timestamp, bounding box and any
	// other post-processor attributes.
	Metadata map[string]interface{}

	// ClusterID is assigned during re-identification dedup (-1 if not clustered).
	ClusterID int
}

// NewSighting creates a new Sighting with initialized fields.
func NewSighting(id, label string, embedding []float32, score float32) *Sighting {
	return &Sighting{
		ID:        id,
		Label:     label,
		Embedding: embedding,
		Score:     score,
		Metadata:  make(map[string]interface{}),
		ClusterID: -1,
	}
}

// Dimension returns the embedding dimensionality.
func (c *Sighting) Dimension() int {
	return len(c.Embedding)
}

// Clone creates a deep copy of the sighting.
func (c *Sighting) Clone() *Sighting {
	embedding := make([]float32, len(c.Embedding))
	copy(embedding, c.Embedding)

	metadata := make(map[string]interface{}, len(c.Metadata))
	for k, v := range c.Metadata {
		metadata[k] = v
	}

	return &Sighting{
		ID:        c.ID,
		Label:     c.Label,
		Embedding: embedding,
		Score:     c.Score,
		Metadata:  metadata,
		ClusterID: c.ClusterID,
	}
}

// RetrievalRequest represents a query to the vector database.
type RetrievalRequest struct {
	// Query is the text query (will be embedded if EmbeddingProvider is set)
	Query string

	// QueryEmbedding is the pre-computed query vector (optional if Query is set)
	QueryEmbedding []float32

	// TopK is the number of results to retrieve
	TopK int

	// Namespace is the vector DB namespace/collection
	Namespace string

	// Filter is metadata filter criteria
	Filter map[string]interface{}

	// IncludeEmbeddings requests embeddings in the response
	IncludeEmbeddings bool

	// IncludeMetadata requests metadata in the response
	IncludeMetadata bool
}

// RetrievalResult holds the output of a vector database query.
type RetrievalResult struct {
	// Sightings are the retrieved feature-store records
	Sightings []Sighting

	// QueryEmbedding is the embedding used for the query
	QueryEmbedding []float32

	// TotalMatches is the total number of matches (may exceed len(Sightings))
	TotalMatches int

	// Latency is the query execution time
	Latency time.Duration
}

// Cluster represents a group of semantically similar sightings.
type Cluster struct {
	// ID is the cluster identifier
	ID int

	// Members are the sightings belonging to this cluster
	Members []Sighting

	// Centroid is the geometric center of the cluster
	Centroid []float32

	// Representative is the selected sighting to represent this cluster
	Representative *Sighting
}

// Size returns the number of members in the cluster.
func (c *Cluster) Size() int {
	return len(c.Members)
}

// ClusterResult holds the output of the clustering process.
type ClusterResult struct {
	// Clusters are the identified groups
	Clusters []Cluster

	// Representatives are the selected sightings (one per cluster)
	Representatives []Sighting

	// InputCount is the number of sightings before clustering
	InputCount int

	// ClusterCount is the number of clusters formed
	ClusterCount int

	// Latency is the clustering execution time
	Latency time.Duration
}

// ReductionPercent calculates the percentage of sightings removed.
func (r *ClusterResult) ReductionPercent() float64 {
	if r.InputCount == 0 {
		return 0
	}
	return float64(r.InputCount-len(r.Representatives)) / float64(r.InputCount) * 100
}

// ReidResult holds the final output of the re-identification deduper.
type ReidResult struct {
	// Sightings are the deduplicated, diverse sightings
	Sightings []Sighting

	// Stats contains processing statistics
	Stats ReidStats
}

// ReidStats tracks broker operation metrics.
type ReidStats struct {
	// Retrieved is the number of sightings fetched from vector DB
	Retrieved int

	// Clustered is the number of clusters formed
	Clustered int

	// Returned is the number of sightings in final output
	Returned int

	// RetrievalLatency is time spent querying vector DB
	RetrievalLatency time.Duration

	// ClusteringLatency is time spent clustering
	ClusteringLatency time.Duration

	// TotalLatency is end-to-end processing time
	TotalLatency time.Duration
}
