package ticket

import (
	"testing"
	"time"
)

func TestPickUpTicketFairness(t *testing.T) {
	r := NewRing([]int{0, 1})

	t1 := r.PickUpTicket(false)
	t2 := r.PickUpTicket(false)
	if t1.Slot() == t2.Slot() {
		t.Fatalf("expected distinct slots, got %d and %d", t1.Slot(), t2.Slot())
	}

	done := make(chan Ticket, 1)
	go func() {
		done <- r.PickUpTicket(false)
	}()

	select {
	case <-done:
		t.Fatalf("third PickUpTicket should have blocked with both slots in flight")
	case <-time.After(50 * time.Millisecond):
	}

	r.DeallingDone(t1)

	select {
	case t3 := <-done:
		if t3.Slot() != t1.Slot() {
			t.Fatalf("expected the freed slot %d to be reused, got %d", t1.Slot(), t3.Slot())
		}
	case <-time.After(time.Second):
		t.Fatalf("third PickUpTicket never unblocked after DeallingDone")
	}
}

func TestReservedTicketIdempotence(t *testing.T) {
	r := NewRing([]int{0, 1})

	a := r.PickUpTicket(true)
	b := r.PickUpTicket(true)
	if a.Slot() != b.Slot() {
		t.Fatalf("expected reserve=true to return the same slot twice, got %d and %d", a.Slot(), b.Slot())
	}

	c := r.PickUpTicket(false)
	if c.Slot() != a.Slot() {
		t.Fatalf("expected the releasing PickUpTicket to still return the reserved slot, got %d want %d", c.Slot(), a.Slot())
	}

	next := r.PickUpTicket(false)
	if next.Slot() == a.Slot() {
		t.Fatalf("expected the ring to advance past the released slot")
	}
}

func TestRCOpResourceAttrFreeze(t *testing.T) {
	rc := NewRCOpResource(NewSimAllocator())
	attr := RCOpAttr{SrcW: 1920, SrcH: 1080, SrcStride: 1920, DstW: 416, DstH: 416, BatchSize: 2}
	if err := rc.Init(attr); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if !rc.Initialized() {
		t.Fatalf("expected Initialized() to report true")
	}
	if !rc.Attr().Equal(attr) {
		t.Fatalf("attr mismatch after Init")
	}
}

func TestRCOpResourceBatchingUpFillsAndDrains(t *testing.T) {
	rc := NewRCOpResource(NewSimAllocator())
	attr := RCOpAttr{SrcW: 1280, SrcH: 720, SrcStride: 1280, DstW: 300, DstH: 300, BatchSize: 2}
	if err := rc.Init(attr); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if full := rc.BatchingUp(1, 2); full {
		t.Fatalf("expected batch not full after one sample of two")
	}
	if full := rc.BatchingUp(3, 4); !full {
		t.Fatalf("expected batch full after two samples of two")
	}

	y, uv := rc.Drain()
	if len(y) != 2 || len(uv) != 2 {
		t.Fatalf("expected drained batch of size 2, got y=%d uv=%d", len(y), len(uv))
	}
}
