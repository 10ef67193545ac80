package contextlab

import (
	"github.com/cbw1985/streamvision/pkg/math"
	"github.com/cbw1985/streamvision/pkg/types"
)

// MMRConfig holds Maximal Marginal Relevance parameters.
type MMRConfig struct {
	// Lambda controls the relevance vs diversity tradeoff.
	// 1.0 = pure relevance (no diversity)
	// 0.0 = pure diversity (ignore relevance)
	// 0.5 = balanced (recommended)
	Lambda float64

	// TargetK is the number of sightings to select.
	TargetK int
}

// DefaultMMRConfig returns sensible defaults.
func DefaultMMRConfig() MMRConfig {
	return MMRConfig{
		Lambda:  0.5,
		TargetK: 8,
	}
}

// MMR performs Maximal Marginal Relevance re-ranking.
// It greedily selects sightings that balance relevance and diversity.
type MMR struct {
	cfg MMRConfig
}

// NewMMR creates a new MMR re-ranker with the given config.
func NewMMR(cfg MMRConfig) *MMR {
	if cfg.Lambda < 0 {
		cfg.Lambda = 0
	}
	if cfg.Lambda > 1 {
		cfg.Lambda = 1
	}
	if cfg.TargetK <= 0 {
		cfg.TargetK = 8
	}
	return &MMR{cfg: cfg}
}

// Rerank selects diverse sightings using MMR algorithm.
// Formula: MMR = λ * score(sighting) - (1-λ) * max(similarity(sighting, selected))
func (m *MMR) Rerank(sightings []types.Sighting) []types.Sighting {
	if len(sightings) == 0 {
		return nil
	}

	if len(sightings) <= m.cfg.TargetK {
		return sightings
	}

	// Normalize scores to [0, 1] for fair comparison with similarity
	normalizedScores := m.normalizeScores(sightings)

	// Track selected and remaining indices
	selected := make([]int, 0, m.cfg.TargetK)
	remaining := make(map[int]bool, len(sightings))
	for i := range sightings {
		remaining[i] = true
	}

	// Precompute similarity matrix for efficiency
	simMatrix := m.computeSimilarityMatrix(sightings)

	// Greedy selection
	for len(selected) < m.cfg.TargetK && len(remaining) > 0 {
		bestIdx := -1
		bestMMR := float64(-2) // MMR can be negative

		for idx := range remaining {
			mmrScore := m.computeMMRScore(idx, selected, normalizedScores, simMatrix)
			if mmrScore > bestMMR {
				bestMMR = mmrScore
				bestIdx = idx
			}
		}

		if bestIdx >= 0 {
			selected = append(selected, bestIdx)
			delete(remaining, bestIdx)
		} else {
			break
		}
	}

	// Build result
	result := make([]types.Sighting, len(selected))
	for i, idx := range selected {
		result[i] = sightings[idx]
	}

	return result
}

// normalizeScores normalizes sighting scores to [0, 1].
func (m *MMR) normalizeScores(sightings []types.Sighting) []float64 {
	if len(sightings) == 0 {
		return nil
	}

	minScore := float64(sightings[0].Score)
	maxScore := float64(sightings[0].Score)

	for _, c := range sightings[1:] {
		s := float64(c.Score)
		if s < minScore {
			minScore = s
		}
		if s > maxScore {
			maxScore = s
		}
	}

	normalized := make([]float64, len(sightings))
	scoreRange := maxScore - minScore

	if scoreRange == 0 {
		// All scores are equal
		for i := range normalized {
			normalized[i] = 1.0
		}
	} else {
		for i, c := range sightings {
			normalized[i] = (float64(c.Score) - minScore) / scoreRange
		}
	}

	return normalized
}

// computeSimilarityMatrix computes pairwise cosine similarities.
func (m *MMR) computeSimilarityMatrix(sightings []types.Sighting) [][]float64 {
	n := len(sightings)
	matrix := make([][]float64, n)

	// Initialize all rows first
	for i := 0; i < n; i++ {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1.0 // Self-similarity
	}

	// Compute similarities
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			// A selected car never makes a candidate person redundant, no
			// matter how similar their crops look; only same-label sightings
			// compete for the diversity penalty.
			if sightings[i].Label != sightings[j].Label {
				matrix[i][j] = 0.0
				matrix[j][i] = 0.0
				continue
			}
			// Handle missing embeddings
			if len(sightings[i].Embedding) == 0 || len(sightings[j].Embedding) == 0 {
				matrix[i][j] = 0.0
				matrix[j][i] = 0.0
				continue
			}
			// Similarity = 1 - distance
			sim := 1.0 - math.CosineDistance(sightings[i].Embedding, sightings[j].Embedding)
			matrix[i][j] = sim
			matrix[j][i] = sim
		}
	}

	return matrix
}

// computeMMRScore computes the MMR score for a candidate sighting.
// MMR = λ * relevance - (1-λ) * max_similarity_to_selected
func (m *MMR) computeMMRScore(candidateIdx int, selected []int, scores []float64, simMatrix [][]float64) float64 {
	relevance := scores[candidateIdx]

	// If nothing selected yet, MMR = λ * relevance
	if len(selected) == 0 {
		return m.cfg.Lambda * relevance
	}

	// Find max similarity to any selected sighting
	maxSim := float64(0)
	for _, selIdx := range selected {
		sim := simMatrix[candidateIdx][selIdx]
		if sim > maxSim {
			maxSim = sim
		}
	}

	// MMR formula
	return m.cfg.Lambda*relevance - (1-m.cfg.Lambda)*maxSim
}

// RerankWithQuery performs MMR using query similarity as the relevance signal.
// This is useful when sighting scores are not available or unreliable.
func (m *MMR) RerankWithQuery(sightings []types.Sighting, queryEmbedding []float32) []types.Sighting {
	if len(sightings) == 0 || len(queryEmbedding) == 0 {
		return sightings
	}

	// Compute query similarities as relevance scores
	for i := range sightings {
		sim := 1.0 - math.CosineDistance(sightings[i].Embedding, queryEmbedding)
		sightings[i].Score = float32(sim)
	}

	return m.Rerank(sightings)
}

// MMRRerank is a convenience function for one-shot MMR re-ranking.
func MMRRerank(sightings []types.Sighting, lambda float64, targetK int) []types.Sighting {
	cfg := MMRConfig{
		Lambda:  lambda,
		TargetK: targetK,
	}
	return NewMMR(cfg).Rerank(sightings)
}

// DiversityScore computes the average pairwise distance of selected sightings.
// Higher values indicate more diverse selection.
func DiversityScore(sightings []types.Sighting) float64 {
	if len(sightings) < 2 {
		return 0
	}

	var totalDist float64
	pairs := 0

	for i := 0; i < len(sightings)-1; i++ {
		for j := i + 1; j < len(sightings); j++ {
			totalDist += math.CosineDistance(sightings[i].Embedding, sightings[j].Embedding)
			pairs++
		}
	}

	if pairs == 0 {
		return 0
	}

	return totalDist / float64(pairs)
}

// CoverageScore estimates how well the selected sightings cover the original set.
// For each original sighting, finds the minimum distance to any selected sighting.
// Lower average distance = better coverage.
func CoverageScore(selected, original []types.Sighting) float64 {
	if len(selected) == 0 || len(original) == 0 {
		return 0
	}

	var totalMinDist float64

	for _, orig := range original {
		minDist := float64(2.0)
		for _, sel := range selected {
			dist := math.CosineDistance(orig.Embedding, sel.Embedding)
			if dist < minDist {
				minDist = dist
			}
		}
		totalMinDist += minDist
	}

	return totalMinDist / float64(len(original))
}
