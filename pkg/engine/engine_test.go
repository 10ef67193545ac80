package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cbw1985/streamvision/pkg/batching"
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/task"
	"github.com/cbw1985/streamvision/pkg/ticket"
)

func testModel() *frame.ModelDescriptor {
	return &frame.ModelDescriptor{
		InputShapes:  []frame.TensorShape{{N: 4, H: 32, W: 32, C: 3}},
		OutputShapes: []frame.TensorShape{{N: 4, H: 1, W: 1, C: 10}},
	}
}

type stubPreproc struct{ calls int32 }

func (p *stubPreproc) Execute(netInputs [][]byte, f *frame.Frame) error {
	atomic.AddInt32(&p.calls, 1)
	return nil
}

type stubRunner struct{ calls int32 }

func (r *stubRunner) Run(input, output *ticket.IOResValue, count int) error {
	atomic.AddInt32(&r.calls, 1)
	return nil
}

type stubPostproc struct{ calls int32 }

func (p *stubPostproc) Decode(output *ticket.IOResValue, batchIdx int, f *frame.Frame) error {
	atomic.AddInt32(&p.calls, 1)
	f.Objects = append(f.Objects, frame.Detection{Label: "object"})
	return nil
}

func newTestEngine(t *testing.T, batchSize int, timeout time.Duration) (*Engine, *stubRunner, *stubPostproc, func()) {
	t.Helper()
	model := testModel()
	inputRes, err := ticket.NewCpuInputResource(model, 2)
	if err != nil {
		t.Fatalf("NewCpuInputResource: %v", err)
	}
	outputRes, err := ticket.NewCpuOutputResource(model, 2)
	if err != nil {
		t.Fatalf("NewCpuOutputResource: %v", err)
	}
	preproc := batching.NewCPUPreprocessingStage(batchSize, inputRes, &stubPreproc{})
	runner := &stubRunner{}
	postproc := &stubPostproc{}

	ctx, cancel := context.WithCancel(context.Background())
	pool := task.NewPool(ctx, 8, 64)

	eng := New(Config{BatchSize: batchSize, BatchingTimeout: timeout}, preproc, inputRes, outputRes, runner, postproc, pool, nil)
	cleanup := func() {
		pool.Close()
		cancel()
	}
	return eng, runner, postproc, cleanup
}

func waitCard(t *testing.T, c *ResultWaitingCard, d time.Duration) int {
	t.Helper()
	select {
	case <-c.Done():
		return c.Wait()
	case <-time.After(d):
		t.Fatalf("card never fulfilled within %v", d)
		return -1
	}
}

func TestFeedDataCommitsOnFullBatch(t *testing.T) {
	eng, runner, postproc, cleanup := newTestEngine(t, 2, time.Second)
	defer cleanup()

	f1 := &frame.Frame{}
	f2 := &frame.Frame{}
	c1 := eng.FeedData(f1)
	c2 := eng.FeedData(f2)

	if status := waitCard(t, c1, time.Second); status != 0 {
		t.Fatalf("card 1 status %d", status)
	}
	if status := waitCard(t, c2, time.Second); status != 0 {
		t.Fatalf("card 2 status %d", status)
	}
	if atomic.LoadInt32(&runner.calls) != 1 {
		t.Fatalf("expected model run exactly once, got %d", runner.calls)
	}
	if atomic.LoadInt32(&postproc.calls) != 2 {
		t.Fatalf("expected postproc decode once per frame, got %d", postproc.calls)
	}
	if len(f1.Objects) != 1 || len(f2.Objects) != 1 {
		t.Fatalf("expected each frame's object list populated exactly once")
	}
	snap := eng.Stats.Snapshot()
	if snap.BatchesCommitted != 1 || snap.PartialBatches != 0 {
		t.Fatalf("unexpected stats: %+v", snap)
	}
}

func TestFeedDataCommitsOnTimeout(t *testing.T) {
	eng, runner, _, cleanup := newTestEngine(t, 4, 40*time.Millisecond)
	defer cleanup()

	f1 := &frame.Frame{}
	c1 := eng.FeedData(f1)

	if status := waitCard(t, c1, time.Second); status != 0 {
		t.Fatalf("card status %d", status)
	}
	if atomic.LoadInt32(&runner.calls) != 1 {
		t.Fatalf("expected model run exactly once on timeout, got %d", runner.calls)
	}
	snap := eng.Stats.Snapshot()
	if snap.PartialBatches != 1 {
		t.Fatalf("expected a partial batch commit, got %+v", snap)
	}
}

func TestFeedDataEOSFlushesPartialBatchAndSkipsInferenceForEOSFrame(t *testing.T) {
	eng, runner, _, cleanup := newTestEngine(t, 4, time.Second)
	defer cleanup()

	f1 := &frame.Frame{}
	f2 := &frame.Frame{}
	c1 := eng.FeedData(f1)
	c2 := eng.FeedData(f2)

	eosFrame := &frame.Frame{Flags: frame.FlagEOS}
	cEOS := eng.FeedData(eosFrame)

	if status := waitCard(t, c1, time.Second); status != 0 {
		t.Fatalf("card 1 status %d", status)
	}
	if status := waitCard(t, c2, time.Second); status != 0 {
		t.Fatalf("card 2 status %d", status)
	}
	if status := waitCard(t, cEOS, time.Second); status != 0 {
		t.Fatalf("EOS card status %d", status)
	}
	if atomic.LoadInt32(&runner.calls) != 1 {
		t.Fatalf("expected exactly one model run for the flushed partial batch, got %d", runner.calls)
	}
	snap := eng.Stats.Snapshot()
	if snap.EOSFrames != 1 || snap.PartialBatches != 1 {
		t.Fatalf("unexpected stats: %+v", snap)
	}
}
