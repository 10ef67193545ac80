// Package transdata implements the in-order delivery helper:
// a per-InferContext FIFO queue of (frame, card) pairs and a
// dedicated goroutine that waits on each card in submission order before
// handing the frame downstream, independent of how the engine reordered
// inference internally.
package transdata

import (
	"github.com/cbw1985/streamvision/pkg/engine"
	"github.com/cbw1985/streamvision/pkg/frame"
)

// Transmitter hands a completed frame to the downstream pipeline stage —
// the module contract's TransmitData surface. Out of scope
// beyond this contract.
type Transmitter interface {
	TransmitData(f *frame.Frame)
}

type pending struct {
	frame *frame.Frame
	card  *engine.ResultWaitingCard
}

// Helper is one InferContext's delivery goroutine: Submit preserves the
// caller's submission order; the goroutine drains it strictly FIFO,
// blocking on each card's fulfilment before moving to the next pair.
type Helper struct {
	tx        Transmitter
	onDeliver func(f *frame.Frame)
	queue     chan pending
	stopped   chan struct{}
}

// New starts a Helper's delivery goroutine. queueDepth bounds how far
// Submit can run ahead of delivery before blocking the producer thread.
// onDeliver, if non-nil, is called after TransmitData for each frame, so a
// caller can observe deliveries without this package depending on it.
func New(tx Transmitter, queueDepth int, onDeliver func(f *frame.Frame)) *Helper {
	h := &Helper{
		tx:        tx,
		onDeliver: onDeliver,
		queue:     make(chan pending, queueDepth),
		stopped:   make(chan struct{}),
	}
	go h.run()
	return h
}

// Submit enqueues (f, card) for in-order delivery. Blocks if the queue is full.
func (h *Helper) Submit(f *frame.Frame, card *engine.ResultWaitingCard) {
	h.queue <- pending{frame: f, card: card}
}

func (h *Helper) run() {
	defer close(h.stopped)
	for p := range h.queue {
		p.card.Wait()
		h.tx.TransmitData(p.frame)
		if h.onDeliver != nil {
			h.onDeliver(p.frame)
		}
	}
}

// Close stops accepting new submissions and waits for the delivery
// goroutine to drain the queue.
func (h *Helper) Close() {
	close(h.queue)
	<-h.stopped
}
