package module

import (
	"github.com/cbw1985/streamvision/pkg/engine"
	"github.com/cbw1985/streamvision/pkg/transdata"
)

// ProducerHandle is the Go-idiomatic stand-in for the original's
// std::thread::id-keyed InferContext: an explicit handle a
// producer goroutine obtains once from Module.OpenProducer and passes to
// every subsequent Process call. See DESIGN.md for why this replaces
// goroutine-identity lookup.
type ProducerHandle struct {
	engine *engine.Engine
	helper *transdata.Helper

	inferInterval int
	dropCount     int
}

// shouldDrop implements the original's drop_count++ % interval != 0 policy,
// wrapping drop_count back into [0, interval) on every drop so it never
// grows unbounded across a long-running producer (inferencer.cpp's
// `pctx->drop_count %= interval_` after a drop).
func (h *ProducerHandle) shouldDrop() bool {
	if h.inferInterval <= 0 {
		return false
	}
	drop := h.dropCount%h.inferInterval != 0
	h.dropCount++
	if drop {
		h.dropCount %= h.inferInterval
	}
	return drop
}

// Stats exposes the handle's engine-level counters for pipeline monitoring.
func (h *ProducerHandle) Stats() engine.Stats {
	return h.engine.Stats.Snapshot()
}
