package engine

import "sync/atomic"

// Stats tracks engine-wide counters, incremented with atomic ops since they
// are touched from the producer goroutine and from worker-pool goroutines
// concurrently.
type Stats struct {
	FramesFed        int64
	EOSFrames        int64
	BatchesCommitted int64
	PartialBatches   int64
	FatalErrors      int64
}

// Snapshot returns a point-in-time copy safe to read without racing the
// live counters.
func (s *Stats) Snapshot() Stats {
	return Stats{
		FramesFed:        atomic.LoadInt64(&s.FramesFed),
		EOSFrames:        atomic.LoadInt64(&s.EOSFrames),
		BatchesCommitted: atomic.LoadInt64(&s.BatchesCommitted),
		PartialBatches:   atomic.LoadInt64(&s.PartialBatches),
		FatalErrors:      atomic.LoadInt64(&s.FatalErrors),
	}
}
