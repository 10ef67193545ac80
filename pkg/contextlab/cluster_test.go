package contextlab

import (
	"testing"

	"github.com/cbw1985/streamvision/pkg/types"
)

func TestClusterNeverMergesAcrossLabels(t *testing.T) {
	sightings := []types.Sighting{
		{Label: "car", Embedding: []float32{1.0, 0.0, 0.0}, Score: 0.9},
		{Label: "person", Embedding: []float32{1.0, 0.0, 0.0}, Score: 0.9}, // identical embedding, different class
	}

	result := NewClusterer(DefaultClusterConfig()).Cluster(sightings)
	if result.ClusterCount != 2 {
		t.Fatalf("expected 2 clusters (cross-label pair never merges), got %d", result.ClusterCount)
	}
}

func TestClusterMergesSameLabelNearDuplicates(t *testing.T) {
	sightings := []types.Sighting{
		{Label: "car", Embedding: []float32{1.0, 0.0, 0.0}, Score: 0.9},
		{Label: "car", Embedding: []float32{0.99, 0.01, 0.0}, Score: 0.85},
	}

	result := NewClusterer(DefaultClusterConfig()).Cluster(sightings)
	if result.ClusterCount != 1 {
		t.Fatalf("expected same-label near-duplicates to merge into 1 cluster, got %d", result.ClusterCount)
	}
}
