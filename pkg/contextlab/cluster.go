package contextlab

import (
	"sort"
	"time"

	"github.com/cbw1985/streamvision/pkg/math"
	"github.com/cbw1985/streamvision/pkg/types"
)

// ClusterConfig holds clustering parameters.
type ClusterConfig struct {
	// Threshold is the maximum cosine distance for merging clusters.
	// Lower values = more clusters, less aggressive merging.
	// Typical range: 0.10-0.30
	Threshold float64

	// MinClusters is the minimum number of clusters to form (optional).
	// If 0, clustering stops only based on threshold.
	MinClusters int

	// MaxClusters is the maximum number of clusters (optional).
	// If 0, no limit is applied.
	MaxClusters int

	// Linkage determines how inter-cluster distance is computed.
	// Options: "single", "complete", "average" (default: "average")
	Linkage string
}

// DefaultClusterConfig returns sensible defaults.
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		Threshold:   0.15,
		MinClusters: 0,
		MaxClusters: 0,
		Linkage:     "average",
	}
}

// Clusterer performs agglomerative clustering on sightings.
type Clusterer struct {
	cfg ClusterConfig
}

// NewClusterer creates a new clusterer with the given config.
func NewClusterer(cfg ClusterConfig) *Clusterer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.15
	}
	if cfg.Linkage == "" {
		cfg.Linkage = "average"
	}
	return &Clusterer{cfg: cfg}
}

// clusterNode represents a node in the clustering hierarchy.
type clusterNode struct {
	id       int
	members  []int // indices into original sighting slice
	centroid []float32
	active   bool
}

// Cluster performs agglomerative clustering on the given sightings.
// Returns clusters with assigned members and centroids.
func (c *Clusterer) Cluster(sightings []types.Sighting) *types.ClusterResult {
	start := time.Now()

	n := len(sightings)
	if n == 0 {
		return &types.ClusterResult{
			Clusters:        []types.Cluster{},
			Representatives: []types.Sighting{},
			InputCount:      0,
			ClusterCount:    0,
			Latency:         time.Since(start),
		}
	}

	if n == 1 {
		sightings[0].ClusterID = 0
		return &types.ClusterResult{
			Clusters: []types.Cluster{{
				ID:       0,
				Members:  []types.Sighting{sightings[0]},
				Centroid: sightings[0].Embedding,
			}},
			Representatives: []types.Sighting{sightings[0]},
			InputCount:      1,
			ClusterCount:    1,
			Latency:         time.Since(start),
		}
	}

	// Check if embeddings are present
	hasEmbeddings := false
	for _, sighting := range sightings {
		if len(sighting.Embedding) > 0 {
			hasEmbeddings = true
			break
		}
	}

	// If no embeddings, return all sightings as separate clusters (no dedup possible)
	if !hasEmbeddings {
		clusters := make([]types.Cluster, n)
		for i := range sightings {
			sightings[i].ClusterID = i
			clusters[i] = types.Cluster{
				ID:      i,
				Members: []types.Sighting{sightings[i]},
			}
		}
		return &types.ClusterResult{
			Clusters:        clusters,
			Representatives: sightings,
			InputCount:      n,
			ClusterCount:    n,
			Latency:         time.Since(start),
		}
	}

	// Initialize each sighting as its own cluster
	nodes := make([]*clusterNode, n)
	for i := range sightings {
		centroid := make([]float32, len(sightings[i].Embedding))
		copy(centroid, sightings[i].Embedding)
		nodes[i] = &clusterNode{
			id:       i,
			members:  []int{i},
			centroid: centroid,
			active:   true,
		}
	}

	// Compute initial distance matrix (upper triangular)
	distMatrix := c.computeDistanceMatrix(sightings)

	// Agglomerative merging
	activeCount := n
	for activeCount > 1 {
		// Check stopping conditions
		if c.cfg.MinClusters > 0 && activeCount <= c.cfg.MinClusters {
			break
		}

		// Find closest pair of clusters
		minDist := float64(2.0) // Max cosine distance
		minI, minJ := -1, -1

		for i := 0; i < n; i++ {
			if !nodes[i].active {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !nodes[j].active {
					continue
				}

				dist := c.clusterDistance(nodes[i], nodes[j], sightings, distMatrix)
				if dist < minDist {
					minDist = dist
					minI, minJ = i, j
				}
			}
		}

		// Check if we should stop merging
		if minDist > c.cfg.Threshold {
			break
		}

		// Merge clusters i and j into i
		c.mergeClusters(nodes[minI], nodes[minJ], sightings)
		nodes[minJ].active = false
		activeCount--

		// Check max clusters limit
		if c.cfg.MaxClusters > 0 && activeCount <= c.cfg.MaxClusters {
			break
		}
	}

	// Build result from active clusters
	clusters := make([]types.Cluster, 0, activeCount)
	clusterID := 0

	for _, node := range nodes {
		if !node.active {
			continue
		}

		members := make([]types.Sighting, len(node.members))
		for i, idx := range node.members {
			sightings[idx].ClusterID = clusterID
			members[i] = sightings[idx]
		}

		clusters = append(clusters, types.Cluster{
			ID:       clusterID,
			Members:  members,
			Centroid: node.centroid,
		})
		clusterID++
	}

	return &types.ClusterResult{
		Clusters:     clusters,
		InputCount:   n,
		ClusterCount: len(clusters),
		Latency:      time.Since(start),
	}
}

// computeDistanceMatrix computes pairwise cosine distances.
func (c *Clusterer) computeDistanceMatrix(sightings []types.Sighting) [][]float64 {
	n := len(sightings)
	matrix := make([][]float64, n)

	// Initialize all rows first
	for i := 0; i < n; i++ {
		matrix[i] = make([]float64, n)
	}

	// Compute distances
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			// A car and a person can sit arbitrarily close in embedding space
			// (similar pose, similar crop) without ever being the same
			// physical object; cross-label pairs never merge regardless of
			// how close their appearance embeddings land.
			if sightings[i].Label != sightings[j].Label {
				matrix[i][j] = 2.0
				matrix[j][i] = 2.0
				continue
			}
			// Handle missing embeddings gracefully
			if len(sightings[i].Embedding) == 0 || len(sightings[j].Embedding) == 0 {
				matrix[i][j] = 2.0 // Max distance
				matrix[j][i] = 2.0
				continue
			}
			dist := math.CosineDistance(sightings[i].Embedding, sightings[j].Embedding)
			matrix[i][j] = dist
			matrix[j][i] = dist
		}
	}

	return matrix
}

// clusterDistance computes distance between two clusters based on linkage type.
func (c *Clusterer) clusterDistance(a, b *clusterNode, sightings []types.Sighting, distMatrix [][]float64) float64 {
	switch c.cfg.Linkage {
	case "single":
		// Minimum distance between any pair
		minDist := float64(2.0)
		for _, i := range a.members {
			for _, j := range b.members {
				if distMatrix[i][j] < minDist {
					minDist = distMatrix[i][j]
				}
			}
		}
		return minDist

	case "complete":
		// Maximum distance between any pair
		maxDist := float64(0.0)
		for _, i := range a.members {
			for _, j := range b.members {
				if distMatrix[i][j] > maxDist {
					maxDist = distMatrix[i][j]
				}
			}
		}
		return maxDist

	case "average":
		fallthrough
	default:
		// Average distance between all pairs
		var sum float64
		count := 0
		for _, i := range a.members {
			for _, j := range b.members {
				sum += distMatrix[i][j]
				count++
			}
		}
		if count == 0 {
			return 2.0
		}
		return sum / float64(count)
	}
}

// mergeClusters merges cluster b into cluster a.
func (c *Clusterer) mergeClusters(a, b *clusterNode, sightings []types.Sighting) {
	// Merge members
	a.members = append(a.members, b.members...)

	// Recompute centroid as mean of all member embeddings
	if len(sightings) > 0 && len(sightings[0].Embedding) > 0 {
		dim := len(sightings[0].Embedding)
		newCentroid := make([]float32, dim)

		for _, idx := range a.members {
			for d := 0; d < dim; d++ {
				newCentroid[d] += sightings[idx].Embedding[d]
			}
		}

		invN := float32(1.0 / float64(len(a.members)))
		for d := 0; d < dim; d++ {
			newCentroid[d] *= invN
		}

		a.centroid = newCentroid
	}
}

// ClusterByThreshold is a convenience function for one-shot clustering.
func ClusterByThreshold(sightings []types.Sighting, threshold float64) *types.ClusterResult {
	cfg := DefaultClusterConfig()
	cfg.Threshold = threshold
	return NewClusterer(cfg).Cluster(sightings)
}

// SortClustersBySize sorts clusters by member count (descending).
func SortClustersBySize(clusters []types.Cluster) {
	sort.Slice(clusters, func(i, j int) bool {
		return len(clusters[i].Members) > len(clusters[j].Members)
	})
}

// SortClustersByMaxScore sorts clusters by highest member score (descending).
func SortClustersByMaxScore(clusters []types.Cluster) {
	sort.Slice(clusters, func(i, j int) bool {
		maxI := maxScore(clusters[i].Members)
		maxJ := maxScore(clusters[j].Members)
		return maxI > maxJ
	})
}

func maxScore(sightings []types.Sighting) float32 {
	if len(sightings) == 0 {
		return 0
	}
	max := sightings[0].Score
	for _, c := range sightings[1:] {
		if c.Score > max {
			max = c.Score
		}
	}
	return max
}
