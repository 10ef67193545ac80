// Package reid suppresses duplicate object sightings across frames of the
// same channel: the same physical object tracked across several
// consecutive frames produces near-identical feature vectors, and a
// downstream consumer (the feature store, an alerting rule) usually wants
// one representative sighting per object rather than one per frame.
package reid

import (
	"github.com/cbw1985/streamvision/pkg/contextlab"
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/types"
)

// Config fixes the deduper's clustering/selection/re-rank policy. It
// mirrors contextlab.BrokerConfig's fields that matter for an in-memory,
// no-retrieval dedup pass (no OverFetchK/TargetK over-fetch step — the
// input here is whatever window of sightings the caller already holds).
type Config struct {
	ClusterThreshold  float64
	ClusterLinkage    string
	SelectionStrategy contextlab.SelectionStrategy
	EnableMMR         bool
	MMRLambda         float64
	TargetK           int
}

// DefaultConfig returns sensible defaults for cross-frame object dedup: a
// tighter cluster threshold than the text-embedding default, since
// appearance-embedding distance between frames of the same object is
// usually small.
func DefaultConfig() Config {
	return Config{
		ClusterThreshold:  0.1,
		ClusterLinkage:    "average",
		SelectionStrategy: contextlab.SelectByScore,
		EnableMMR:         false,
		TargetK:           0, // 0 means "no cap, just dedup"
	}
}

// Deduper suppresses duplicate object sightings within a window of
// detections, by feature-vector clustering + representative selection.
type Deduper struct {
	broker *contextlab.Broker
}

// New constructs a Deduper from cfg.
func New(cfg Config) *Deduper {
	targetK := cfg.TargetK
	if targetK <= 0 {
		// contextlab.Broker always caps at TargetK; set it to "effectively
		// uncapped" so ProcessSightings only dedups, never truncates,
		// when the caller does not want a cap.
		targetK = 1 << 20
	}

	brokerCfg := contextlab.BrokerConfig{
		TargetK:           targetK,
		ClusterThreshold:  cfg.ClusterThreshold,
		ClusterLinkage:    cfg.ClusterLinkage,
		SelectionStrategy: cfg.SelectionStrategy,
		EnableMMR:         cfg.EnableMMR,
		MMRLambda:         cfg.MMRLambda,
		IncludeEmbeddings: true,
	}

	return &Deduper{broker: contextlab.NewBroker(nil, brokerCfg)}
}

// SightingsFromFrame converts a frame's detections that carry a feature
// vector into Sightings tagged with the channel and frame timestamp,
// ready to feed into Dedup. Detections without a feature vector (most
// post-processors emit only Label/Score/Box) cannot be clustered and are
// skipped.
func SightingsFromFrame(channel string, f *frame.Frame) []types.Sighting {
	sightings := make([]types.Sighting, 0, len(f.Objects))
	for _, d := range f.Objects {
		if len(d.FeatureVector) == 0 {
			continue
		}
		meta := map[string]interface{}{
			"channel":   channel,
			"timestamp": f.Timestamp.UnixNano(),
			"box_area":  float64(d.Box.W * d.Box.H),
		}
		for k, v := range d.Attributes {
			meta[k] = v
		}
		sightings = append(sightings, types.Sighting{
			Label:     d.Label,
			Embedding: d.FeatureVector,
			Score:     d.Score,
			Metadata:  meta,
			ClusterID: -1,
		})
	}
	return sightings
}

// Dedup clusters sightings by feature-vector proximity and returns one
// representative per cluster, optionally MMR-re-ranked for diversity.
func (d *Deduper) Dedup(sightings []types.Sighting) *types.ReidResult {
	return d.broker.ProcessSightings(sightings)
}
