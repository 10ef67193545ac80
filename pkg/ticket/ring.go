// Package ticket implements resource ticketing with double-buffered
// input/output regions: a fixed-size ring of identically
// shaped values served out strictly FIFO, plus the concrete CPU/device
// tensor resources and the RC-op singleton built on top of it.
package ticket

import (
	"sync"
)

// Ticket names one slot in a Ring, picked up via PickUpTicket and released
// via DeallingDone. The zero value is not a valid ticket.
type Ticket struct {
	slot int
}

// Slot returns the ring index this ticket names.
func (t Ticket) Slot() int { return t.slot }

// Ring owns exactly N instances of V arranged in a ring, served out
// strictly FIFO. With two slots this yields classic double-buffering:
// while slot 0 is executing on the accelerator, slot 1 can be filled by CPU
// pre-processing.
//
// Ring assumes PickUpTicket is called by a single logical producer at a
// time (the owning batching stage, driven by one engine's FeedData in frame
// order) — exactly the double-buffering usage pattern. WaitResourceByTicket
// and DeallingDone are safe to call concurrently from worker goroutines.
type Ring[V any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots []V
	busy  []bool

	cursor        int
	cursorClaimed bool
}

// NewRing constructs a Ring over the given pre-allocated slot values. len(values) is N.
func NewRing[V any](values []V) *Ring[V] {
	r := &Ring[V]{
		slots: values,
		busy:  make([]bool, len(values)),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// N returns the ring size.
func (r *Ring[V]) N() int {
	return len(r.slots)
}

// PickUpTicket is synchronous; it blocks if all N slots are in flight.
// Returns a ticket naming slot k. If reserve is true, the ring cursor does
// not advance; the next PickUpTicket call returns the same k. This is used
// while a batch is being filled: the caller reserves the same slot across
// every frame of the batch and only releases the reservation (reserve=false)
// on the batch's last frame.
func (r *Ring[V]) PickUpTicket(reserve bool) Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := r.cursor
	if !r.cursorClaimed {
		for r.busy[k] {
			r.cond.Wait()
		}
		r.busy[k] = true
		r.cursorClaimed = true
	}

	if !reserve {
		r.cursor = (r.cursor + 1) % len(r.slots)
		r.cursorClaimed = false
	}
	return Ticket{slot: k}
}

// ValueAt returns a pointer to slot k's value without acquiring a ticket.
// Safe only for a caller that already knows, through its own bookkeeping,
// that nothing else is concurrently writing slot k — e.g. an inference
// task reached via task.BindFrontTask behind every preprocessing task that
// wrote into this slot, so the value is already visible by the time it
// runs. Bypasses the busy/cursor gate entirely.
func (r *Ring[V]) ValueAt(slot int) *V {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &r.slots[slot]
}

// ReleaseSlot marks slot k released without requiring the caller to hold a
// Ticket value — used by a consumer (such as an inference task reading via
// ValueAt) that is the true last reader of the slot, distinct from
// whichever ticket a producer used to pick the slot in the first place.
func (r *Ring[V]) ReleaseSlot(slot int) {
	r.DeallingDone(Ticket{slot: slot})
}

// WaitResourceByTicket returns a pointer to slot k's value without waiting.
// Calling twice on the same ticket is idempotent: by the time PickUpTicket
// returned the ticket, the slot was already claimed free, so there is
// nothing to wait for — it
// exists as the documented synchronization point a batching stage's thunk
// uses before writing into the slot.
func (r *Ring[V]) WaitResourceByTicket(t *Ticket) *V {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &r.slots[t.slot]
}

// DeallingDone marks the slot released. Must be called exactly once per
// PickUpTicket(reserve=false).
func (r *Ring[V]) DeallingDone(t Ticket) {
	r.mu.Lock()
	r.busy[t.slot] = false
	r.cond.Broadcast()
	r.mu.Unlock()
}
