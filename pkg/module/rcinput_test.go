package module

import (
	"errors"
	"testing"

	"github.com/cbw1985/streamvision/pkg/batching"
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/ticket"
)

func rcModel() *frame.ModelDescriptor {
	return &frame.ModelDescriptor{
		InputShapes:           []frame.TensorShape{{N: 2, H: 416, W: 416, C: 3}},
		InputBatchAlignDevice: []int{416 * 416 * 3},
	}
}

func rcFrame() *frame.Frame {
	return &frame.Frame{
		Format: frame.FormatNV12,
		Width:  1280,
		Height: 720,
		Stride: []int{1280, 1280},
		Planes: []frame.Plane{{Device: 0x1000}, {Device: 0x2000}},
	}
}

type fakeRCExecutor struct {
	calls int
	fail  bool
	lastY []frame.DevicePtr
}

func (e *fakeRCExecutor) Execute(y, uv []frame.DevicePtr, dst *ticket.IOResValue) error {
	e.calls++
	e.lastY = y
	if e.fail {
		return errors.New("resize+convert kernel failed")
	}
	return nil
}

func newTestRCInputStage(t *testing.T, batchSize int) (*rcInputStage, *fakeRCExecutor) {
	t.Helper()
	alloc := ticket.NewSimAllocator()
	inputRes, err := ticket.NewDeviceInputResource(rcModel(), 2, alloc)
	if err != nil {
		t.Fatalf("NewDeviceInputResource: %v", err)
	}
	rc := batching.NewResizeConvertStage(ticket.NewRCOpResource(alloc), 416, 416, batchSize)
	executor := &fakeRCExecutor{}
	return newRCInputStage(rc, inputRes, executor), executor
}

func TestRCInputStageDrainsOnFullBatch(t *testing.T) {
	stage, executor := newTestRCInputStage(t, 2)

	if _, ok := stage.Batching(rcFrame()); ok {
		t.Fatalf("expected no task after first of two frames")
	}
	tk, ok := stage.Batching(rcFrame())
	if !ok || tk == nil {
		t.Fatalf("expected a dispatch task once the batch fills")
	}
	if status := tk.Execute(); status != 0 {
		t.Fatalf("dispatch task failed with status %d", status)
	}
	if executor.calls != 1 {
		t.Fatalf("expected exactly one kernel dispatch, got %d", executor.calls)
	}

	flush, slot := stage.CommitBatch(false)
	if flush != nil {
		t.Fatalf("expected no extra flush task for a batch that already drained, got %v", flush)
	}
	if slot != stage.lastSlot {
		t.Fatalf("expected CommitBatch to report the slot the dispatch task used")
	}
}

func TestRCInputStageForceDrainsOnPartialCommit(t *testing.T) {
	stage, executor := newTestRCInputStage(t, 2)

	if _, ok := stage.Batching(rcFrame()); ok {
		t.Fatalf("expected no task after one frame of a two-frame batch")
	}
	if executor.calls != 0 {
		t.Fatalf("kernel must not dispatch before the batch fills or a forced commit")
	}

	flush, slot := stage.CommitBatch(true)
	if flush == nil {
		t.Fatalf("expected a forced flush task for a partial batch")
	}
	if status := flush.Execute(); status != 0 {
		t.Fatalf("flush task failed with status %d", status)
	}
	if executor.calls != 1 {
		t.Fatalf("expected the forced drain to dispatch the kernel exactly once, got %d", executor.calls)
	}
	if len(executor.lastY) != 2 {
		t.Fatalf("expected the padded batch to carry 2 Y pointers (1 real + 1 fake), got %d", len(executor.lastY))
	}
	if slot != stage.lastSlot {
		t.Fatalf("expected CommitBatch to report the slot the forced drain used")
	}
}

func TestRCInputStageCommitBatchNoopWhenNothingPending(t *testing.T) {
	stage, executor := newTestRCInputStage(t, 2)

	if _, ok := stage.Batching(rcFrame()); ok {
		t.Fatalf("expected no task after first of two frames")
	}
	tk, ok := stage.Batching(rcFrame())
	if !ok {
		t.Fatalf("expected a dispatch task once the batch fills")
	}
	_ = tk.Execute()
	drainedSlot := stage.lastSlot

	// A forced commit right after a natural full drain has nothing left
	// pending in the operator; CommitBatch must not dispatch again.
	flush, slot := stage.CommitBatch(true)
	if flush != nil {
		t.Fatalf("expected no flush task when nothing is pending, got %v", flush)
	}
	if slot != drainedSlot {
		t.Fatalf("expected the already-drained slot to be reported, got %d want %d", slot, drainedSlot)
	}
	if executor.calls != 1 {
		t.Fatalf("expected no additional kernel dispatch, got %d calls", executor.calls)
	}
}
