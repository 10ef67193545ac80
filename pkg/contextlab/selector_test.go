package contextlab

import (
	"testing"

	"github.com/cbw1985/streamvision/pkg/types"
)

func TestSelectByBoxArea_PicksLargestCrop(t *testing.T) {
	cluster := &types.Cluster{
		Members: []types.Sighting{
			{Label: "car", Score: 0.5, Metadata: map[string]interface{}{"box_area": 0.02}},
			{Label: "car", Score: 0.4, Metadata: map[string]interface{}{"box_area": 0.2}},
			{Label: "car", Score: 0.9}, // no box_area on record, must not win
		},
	}

	sel := NewSelector(SelectorConfig{Strategy: SelectByBoxArea})
	rep := sel.SelectFromCluster(cluster)
	if rep.Metadata["box_area"] != 0.2 {
		t.Fatalf("expected the largest-box-area member selected, got metadata %v", rep.Metadata)
	}
}

func TestSelectByBoxArea_FallsBackToZeroWithoutMetadata(t *testing.T) {
	cluster := &types.Cluster{
		Members: []types.Sighting{
			{Label: "car", Score: 0.5},
			{Label: "car", Score: 0.9},
		},
	}

	sel := NewSelector(SelectorConfig{Strategy: SelectByBoxArea})
	rep := sel.SelectFromCluster(cluster)
	if rep == nil {
		t.Fatal("expected a representative even with no box_area metadata")
	}
}
