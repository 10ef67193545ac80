package reid

import (
	"testing"
	"time"

	"github.com/cbw1985/streamvision/pkg/frame"
)

func TestSightingsFromFrame(t *testing.T) {
	f := &frame.Frame{
		Timestamp: time.Unix(0, 1000),
		Objects: []frame.Detection{
			{Label: "person", Score: 0.9, FeatureVector: []float32{0.1, 0.2, 0.3}},
			{Label: "vehicle", Score: 0.8}, // no feature vector
		},
	}

	sightings := SightingsFromFrame("cam-0", f)
	if len(sightings) != 1 {
		t.Fatalf("expected 1 sighting (detection without feature vector skipped), got %d", len(sightings))
	}
	if sightings[0].Label != "person" {
		t.Errorf("expected label person, got %s", sightings[0].Label)
	}
	if sightings[0].Metadata["channel"] != "cam-0" {
		t.Errorf("expected channel metadata cam-0, got %v", sightings[0].Metadata["channel"])
	}
}

func TestSightingsFromFrame_PopulatesBoxArea(t *testing.T) {
	f := &frame.Frame{
		Timestamp: time.Unix(0, 1000),
		Objects: []frame.Detection{
			{Label: "person", Score: 0.9, FeatureVector: []float32{0.1, 0.2, 0.3}, Box: frame.BoundingBox{X: 0.1, Y: 0.1, W: 0.2, H: 0.5}},
		},
	}

	sightings := SightingsFromFrame("cam-0", f)
	if len(sightings) != 1 {
		t.Fatalf("expected 1 sighting, got %d", len(sightings))
	}
	area, ok := sightings[0].Metadata["box_area"].(float64)
	if !ok {
		t.Fatalf("expected box_area metadata to be a float64, got %v", sightings[0].Metadata["box_area"])
	}
	want := 0.2 * 0.5
	if area < want-1e-6 || area > want+1e-6 {
		t.Errorf("expected box_area %.4f, got %.4f", want, area)
	}
}

func TestDeduper_Dedup_NeverMergesAcrossLabelsEvenWithIdenticalEmbeddings(t *testing.T) {
	d := New(DefaultConfig())

	// A person and a vehicle with the exact same appearance embedding must
	// still end up as two distinct sightings: object class is a harder
	// constraint than feature-vector proximity.
	f1 := &frame.Frame{Timestamp: time.Unix(0, 1000), Objects: []frame.Detection{
		{Label: "person", Score: 0.9, FeatureVector: []float32{1.0, 0.0, 0.0}},
	}}
	f2 := &frame.Frame{Timestamp: time.Unix(0, 2000), Objects: []frame.Detection{
		{Label: "vehicle", Score: 0.9, FeatureVector: []float32{1.0, 0.0, 0.0}},
	}}

	all := append(SightingsFromFrame("cam-0", f1), SightingsFromFrame("cam-0", f2)...)
	result := d.Dedup(all)
	if len(result.Sightings) != 2 {
		t.Errorf("expected cross-label sightings to never merge, got %d result(s)", len(result.Sightings))
	}
}

func TestDeduper_Dedup_ClustersNearDuplicates(t *testing.T) {
	d := New(DefaultConfig())

	f1 := &frame.Frame{Timestamp: time.Unix(0, 1000), Objects: []frame.Detection{
		{Label: "person", Score: 0.9, FeatureVector: []float32{1.0, 0.0, 0.0}},
	}}
	f2 := &frame.Frame{Timestamp: time.Unix(0, 2000), Objects: []frame.Detection{
		{Label: "person", Score: 0.91, FeatureVector: []float32{0.99, 0.01, 0.0}},
	}}
	f3 := &frame.Frame{Timestamp: time.Unix(0, 3000), Objects: []frame.Detection{
		{Label: "vehicle", Score: 0.8, FeatureVector: []float32{0.0, 0.0, 1.0}},
	}}

	all := append(SightingsFromFrame("cam-0", f1), SightingsFromFrame("cam-0", f2)...)
	all = append(all, SightingsFromFrame("cam-0", f3)...)

	result := d.Dedup(all)
	if result.Stats.Retrieved != 3 {
		t.Errorf("expected 3 input sightings, got %d", result.Stats.Retrieved)
	}
	if len(result.Sightings) != 2 {
		t.Errorf("expected 2 deduplicated sightings (person merged, vehicle distinct), got %d", len(result.Sightings))
	}
}

func TestDeduper_Dedup_Empty(t *testing.T) {
	d := New(DefaultConfig())
	result := d.Dedup(nil)
	if len(result.Sightings) != 0 {
		t.Errorf("expected empty result for empty input, got %d", len(result.Sightings))
	}
}
