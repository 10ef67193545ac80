package contextlab

import (
	"github.com/cbw1985/streamvision/pkg/math"
	"github.com/cbw1985/streamvision/pkg/types"
)

// SelectionStrategy defines how to pick a representative from a cluster.
type SelectionStrategy string

const (
	// SelectByScore picks the sighting with the highest retrieval score.
	// Best for preserving relevance ranking.
	SelectByScore SelectionStrategy = "score"

	// SelectByCentroid picks the sighting closest to the cluster centroid.
	// Best for finding the most "typical" sighting.
	SelectByCentroid SelectionStrategy = "centroid"

	// SelectByBoxArea picks the sighting with the largest bounding-box area.
	// Best when a bigger crop (closer to camera, less occluded) is the more
	// useful representative frame of the object.
	SelectByBoxArea SelectionStrategy = "box_area"

	// SelectByHybrid uses a weighted combination of score and centroid distance.
	SelectByHybrid SelectionStrategy = "hybrid"
)

// SelectorConfig holds selection parameters.
type SelectorConfig struct {
	// Strategy determines the selection method.
	Strategy SelectionStrategy

	// ScoreWeight is the weight for score in hybrid selection (0-1).
	// Higher values favor relevance over typicality.
	ScoreWeight float64

	// CentroidWeight is the weight for centroid proximity in hybrid selection (0-1).
	CentroidWeight float64

	// BoxAreaWeight is the weight for bounding-box area in hybrid selection
	// (0-1).
	BoxAreaWeight float64
}

// DefaultSelectorConfig returns sensible defaults.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		Strategy:       SelectByScore,
		ScoreWeight:    0.7,
		CentroidWeight: 0.3,
		BoxAreaWeight:  0.0,
	}
}

// Selector picks representative sightings from clusters.
type Selector struct {
	cfg SelectorConfig
}

// NewSelector creates a new selector with the given config.
func NewSelector(cfg SelectorConfig) *Selector {
	if cfg.Strategy == "" {
		cfg.Strategy = SelectByScore
	}
	return &Selector{cfg: cfg}
}

// Select picks representatives from all clusters.
func (s *Selector) Select(result *types.ClusterResult) []types.Sighting {
	if result == nil || len(result.Clusters) == 0 {
		return nil
	}

	representatives := make([]types.Sighting, 0, len(result.Clusters))

	for i := range result.Clusters {
		rep := s.SelectFromCluster(&result.Clusters[i])
		if rep != nil {
			representatives = append(representatives, *rep)
			result.Clusters[i].Representative = rep
		}
	}

	result.Representatives = representatives
	return representatives
}

// SelectFromCluster picks a single representative from a cluster.
func (s *Selector) SelectFromCluster(cluster *types.Cluster) *types.Sighting {
	if cluster == nil || len(cluster.Members) == 0 {
		return nil
	}

	if len(cluster.Members) == 1 {
		return &cluster.Members[0]
	}

	switch s.cfg.Strategy {
	case SelectByScore:
		return s.selectByScore(cluster)
	case SelectByCentroid:
		return s.selectByCentroid(cluster)
	case SelectByBoxArea:
		return s.selectByBoxArea(cluster)
	case SelectByHybrid:
		return s.selectByHybrid(cluster)
	default:
		return s.selectByScore(cluster)
	}
}

// selectByScore picks the sighting with the highest retrieval score.
func (s *Selector) selectByScore(cluster *types.Cluster) *types.Sighting {
	best := &cluster.Members[0]
	for i := 1; i < len(cluster.Members); i++ {
		if cluster.Members[i].Score > best.Score {
			best = &cluster.Members[i]
		}
	}
	return best
}

// selectByCentroid picks the sighting closest to the cluster centroid.
func (s *Selector) selectByCentroid(cluster *types.Cluster) *types.Sighting {
	if len(cluster.Centroid) == 0 {
		return s.selectByScore(cluster)
	}

	best := &cluster.Members[0]
	bestDist := math.CosineDistance(best.Embedding, cluster.Centroid)

	for i := 1; i < len(cluster.Members); i++ {
		dist := math.CosineDistance(cluster.Members[i].Embedding, cluster.Centroid)
		if dist < bestDist {
			bestDist = dist
			best = &cluster.Members[i]
		}
	}
	return best
}

// selectByBoxArea picks the sighting with the largest bounding-box area.
// Area travels in Metadata["box_area"] (see reid.SightingsFromFrame); a
// sighting with no box area on record sorts as zero, never winning over one
// that has it.
func (s *Selector) selectByBoxArea(cluster *types.Cluster) *types.Sighting {
	best := &cluster.Members[0]
	bestArea := boxArea(best)
	for i := 1; i < len(cluster.Members); i++ {
		if area := boxArea(&cluster.Members[i]); area > bestArea {
			bestArea = area
			best = &cluster.Members[i]
		}
	}
	return best
}

func boxArea(s *types.Sighting) float64 {
	v, ok := s.Metadata["box_area"]
	if !ok {
		return 0
	}
	area, ok := v.(float64)
	if !ok {
		return 0
	}
	return area
}

// selectByHybrid uses a weighted combination of factors.
func (s *Selector) selectByHybrid(cluster *types.Cluster) *types.Sighting {
	if len(cluster.Centroid) == 0 {
		return s.selectByScore(cluster)
	}

	// Normalize weights
	totalWeight := s.cfg.ScoreWeight + s.cfg.CentroidWeight + s.cfg.BoxAreaWeight
	if totalWeight == 0 {
		return s.selectByScore(cluster)
	}

	scoreW := s.cfg.ScoreWeight / totalWeight
	centroidW := s.cfg.CentroidWeight / totalWeight
	areaW := s.cfg.BoxAreaWeight / totalWeight

	// Find min/max for normalization
	minScore, maxScore := cluster.Members[0].Score, cluster.Members[0].Score
	minDist, maxDist := float64(2.0), float64(0.0)
	minArea, maxArea := boxArea(&cluster.Members[0]), boxArea(&cluster.Members[0])

	distances := make([]float64, len(cluster.Members))
	for i := range cluster.Members {
		if cluster.Members[i].Score < minScore {
			minScore = cluster.Members[i].Score
		}
		if cluster.Members[i].Score > maxScore {
			maxScore = cluster.Members[i].Score
		}

		distances[i] = math.CosineDistance(cluster.Members[i].Embedding, cluster.Centroid)
		if distances[i] < minDist {
			minDist = distances[i]
		}
		if distances[i] > maxDist {
			maxDist = distances[i]
		}

		area := boxArea(&cluster.Members[i])
		if area < minArea {
			minArea = area
		}
		if area > maxArea {
			maxArea = area
		}
	}

	// Compute hybrid scores
	best := &cluster.Members[0]
	bestHybrid := float64(-1)

	scoreRange := float64(maxScore - minScore)
	distRange := maxDist - minDist
	areaRange := maxArea - minArea

	for i := range cluster.Members {
		var hybridScore float64

		// Normalized score (higher is better)
		if scoreRange > 0 {
			hybridScore += scoreW * float64(cluster.Members[i].Score-minScore) / scoreRange
		} else {
			hybridScore += scoreW
		}

		// Normalized centroid proximity (lower distance is better, so invert)
		if distRange > 0 {
			hybridScore += centroidW * (1.0 - (distances[i]-minDist)/distRange)
		} else {
			hybridScore += centroidW
		}

		// Normalized box area (larger is better)
		if areaRange > 0 {
			hybridScore += areaW * (boxArea(&cluster.Members[i]) - minArea) / areaRange
		} else {
			hybridScore += areaW
		}

		if hybridScore > bestHybrid {
			bestHybrid = hybridScore
			best = &cluster.Members[i]
		}
	}

	return best
}

// SelectTopK selects representatives and returns the top K by score.
func SelectTopK(result *types.ClusterResult, k int, strategy SelectionStrategy) []types.Sighting {
	cfg := DefaultSelectorConfig()
	cfg.Strategy = strategy

	selector := NewSelector(cfg)
	reps := selector.Select(result)

	if len(reps) <= k {
		return reps
	}

	// Sort by score descending
	for i := 0; i < len(reps)-1; i++ {
		for j := i + 1; j < len(reps); j++ {
			if reps[j].Score > reps[i].Score {
				reps[i], reps[j] = reps[j], reps[i]
			}
		}
	}

	return reps[:k]
}
