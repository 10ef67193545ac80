package contextlab

import (
	"testing"

	"github.com/cbw1985/streamvision/pkg/types"
)

func TestMMRRerank_DoesNotPenalizeCrossLabelRedundancy(t *testing.T) {
	// A high-scoring car already selected must not suppress a person
	// candidate just because their embeddings happen to be close; only
	// same-label similarity competes for the diversity penalty.
	sightings := []types.Sighting{
		{Label: "car", Embedding: []float32{1.0, 0.0, 0.0}, Score: 1.0},
		{Label: "person", Embedding: []float32{0.99, 0.01, 0.0}, Score: 0.95},
		{Label: "car", Embedding: []float32{0.0, 1.0, 0.0}, Score: 0.2},
	}

	result := MMRRerank(sightings, 0.5, 2)
	if len(result) != 2 {
		t.Fatalf("expected 2 reranked sightings, got %d", len(result))
	}
	if result[0].Label != "car" || result[1].Label != "person" {
		t.Fatalf("expected [car, person] (highest-scoring of each class), got [%s, %s]", result[0].Label, result[1].Label)
	}
}
