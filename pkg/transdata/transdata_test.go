package transdata

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cbw1985/streamvision/pkg/batching"
	"github.com/cbw1985/streamvision/pkg/engine"
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/task"
	"github.com/cbw1985/streamvision/pkg/ticket"
)

type recordingTransmitter struct {
	mu   sync.Mutex
	seen []*frame.Frame
}

func (r *recordingTransmitter) TransmitData(f *frame.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, f)
}

func (r *recordingTransmitter) order() []*frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*frame.Frame, len(r.seen))
	copy(out, r.seen)
	return out
}

type delayingPreproc struct{}

func (delayingPreproc) Execute(netInputs [][]byte, f *frame.Frame) error { return nil }

// delayingRunner holds per-channel delays that stubPostproc sleeps for, so
// that frames submitted in order 1, 2 complete post-processing out of order (2
// finishes first) — the delivery goroutine must still hand them to the
// Transmitter in submission order.
type delayingRunner struct {
	delayByChannel map[int]time.Duration
}

func (r *delayingRunner) Run(input, output *ticket.IOResValue, count int) error {
	return nil
}

type stubPostproc struct{ runner *delayingRunner }

func (p *stubPostproc) Decode(output *ticket.IOResValue, batchIdx int, f *frame.Frame) error {
	time.Sleep(p.runner.delayByChannel[f.ChannelIdx])
	return nil
}

func testModel() *frame.ModelDescriptor {
	return &frame.ModelDescriptor{
		InputShapes:  []frame.TensorShape{{N: 1, H: 2, W: 2, C: 1}},
		OutputShapes: []frame.TensorShape{{N: 1, H: 1, W: 1, C: 1}},
	}
}

// TestHelperPreservesSubmissionOrder feeds two frames through a real,
// batch-size-1 engine whose second frame's postproc finishes before the
// first's, and checks the delivery goroutine still transmits them in the
// order Submit was called — in-order delivery regardless of batching.
func TestHelperPreservesSubmissionOrder(t *testing.T) {
	model := testModel()
	inputRes, err := ticket.NewCpuInputResource(model, 2)
	if err != nil {
		t.Fatalf("NewCpuInputResource: %v", err)
	}
	outputRes, err := ticket.NewCpuOutputResource(model, 2)
	if err != nil {
		t.Fatalf("NewCpuOutputResource: %v", err)
	}
	preproc := batching.NewCPUPreprocessingStage(1, inputRes, delayingPreproc{})
	runner := &delayingRunner{delayByChannel: map[int]time.Duration{1: 40 * time.Millisecond, 2: 2 * time.Millisecond}}
	postproc := &stubPostproc{runner: runner}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := task.NewPool(ctx, 8, 64)
	defer pool.Close()

	eng := engine.New(engine.Config{BatchSize: 1, BatchingTimeout: time.Second}, preproc, inputRes, outputRes, runner, postproc, pool, nil)

	tx := &recordingTransmitter{}
	h := New(tx, 4, nil)
	defer h.Close()

	f1 := &frame.Frame{ChannelIdx: 1}
	f2 := &frame.Frame{ChannelIdx: 2}

	h.Submit(f1, eng.FeedData(f1))
	h.Submit(f2, eng.FeedData(f2))

	deadline := time.After(time.Second)
	for {
		if len(tx.order()) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("delivery did not complete in time, got %d frames", len(tx.order()))
		case <-time.After(time.Millisecond):
		}
	}

	got := tx.order()
	if got[0] != f1 || got[1] != f2 {
		t.Fatalf("expected delivery in submission order [f1 f2], got %+v", got)
	}
}

func TestHelperInvokesOnDeliverCallback(t *testing.T) {
	tx := &recordingTransmitter{}
	delivered := make(chan *frame.Frame, 1)
	h := New(tx, 1, func(f *frame.Frame) { delivered <- f })
	defer h.Close()

	f := &frame.Frame{ChannelIdx: 7}
	card := engine.NewFulfilledCard(0)
	h.Submit(f, card)

	select {
	case got := <-delivered:
		if got != f {
			t.Fatalf("onDeliver called with wrong frame")
		}
	case <-time.After(time.Second):
		t.Fatal("onDeliver never called")
	}
}

func TestHelperClosingDrainsPendingQueue(t *testing.T) {
	tx := &recordingTransmitter{}
	h := New(tx, 4, nil)

	var calls int32
	for i := 0; i < 3; i++ {
		f := &frame.Frame{ChannelIdx: i}
		card := engine.NewFulfilledCard(0)
		atomic.AddInt32(&calls, 1)
		h.Submit(f, card)
	}
	h.Close()

	if len(tx.order()) != 3 {
		t.Fatalf("expected all 3 frames delivered before Close returned, got %d", len(tx.order()))
	}
}
