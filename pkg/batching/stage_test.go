package batching

import (
	"errors"
	"testing"

	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/ticket"
)

func testModel() *frame.ModelDescriptor {
	return &frame.ModelDescriptor{
		InputShapes: []frame.TensorShape{{N: 4, H: 224, W: 224, C: 3}},
	}
}

type fakePreproc struct {
	calls int
	fail  bool
}

func (p *fakePreproc) Execute(netInputs [][]byte, f *frame.Frame) error {
	p.calls++
	if p.fail {
		return errors.New("preproc failed")
	}
	if len(netInputs) != 1 || len(netInputs[0]) == 0 {
		return errors.New("expected one non-empty host tensor window")
	}
	return nil
}

func TestCPUPreprocessingStageBatchIdxWraps(t *testing.T) {
	model := testModel()
	res, err := ticket.NewCpuInputResource(model, 2)
	if err != nil {
		t.Fatalf("NewCpuInputResource: %v", err)
	}
	pp := &fakePreproc{}
	stage := NewCPUPreprocessingStage(4, res, pp)

	for i := 0; i < 5; i++ {
		tk, ok := stage.Batching(&frame.Frame{})
		if !ok {
			t.Fatalf("frame %d: expected a task", i)
		}
		if status := tk.Execute(); status != 0 {
			t.Fatalf("frame %d: task failed with status %d", i, status)
		}
	}
	if pp.calls != 5 {
		t.Fatalf("expected preproc invoked 5 times, got %d", pp.calls)
	}
	// batchsize=4: after 5 frames the corrected advance is (4+1)%4 == 1,
	// never the unwrapped 5 the original operator-precedence bug would produce.
	if stage.batchIdx != 1 {
		t.Fatalf("expected batch_idx to wrap to 1, got %d", stage.batchIdx)
	}
}

func TestCPUPreprocessingStageCommitBatchResetsAfterPartialCommit(t *testing.T) {
	model := testModel()
	res, err := ticket.NewCpuInputResource(model, 2)
	if err != nil {
		t.Fatalf("NewCpuInputResource: %v", err)
	}
	pp := &fakePreproc{}
	stage := NewCPUPreprocessingStage(4, res, pp)

	// A partial batch: only 2 of 4 slots filled before a forced (timeout/EOS)
	// commit. Without a reset, batch_idx would stay at 2 going into the next
	// batch, misaligning every frame after it against the engine's always-
	// zero-based postproc indexing.
	for i := 0; i < 2; i++ {
		if _, ok := stage.Batching(&frame.Frame{}); !ok {
			t.Fatalf("frame %d: expected a task", i)
		}
	}
	if stage.batchIdx != 2 {
		t.Fatalf("expected batch_idx 2 before commit, got %d", stage.batchIdx)
	}

	flush, slot := stage.CommitBatch(true)
	if flush != nil {
		t.Fatalf("CPU preprocessing stage should never produce a flush task, got %v", flush)
	}
	if slot != 0 {
		t.Fatalf("expected the partial batch's slot to be 0, got %d", slot)
	}
	if stage.batchIdx != 0 {
		t.Fatalf("expected batch_idx reset to 0 after commit, got %d", stage.batchIdx)
	}

	// The next batch must start its first frame at batch_idx 0.
	if _, ok := stage.Batching(&frame.Frame{}); !ok {
		t.Fatalf("expected a task for the next batch's first frame")
	}
	if stage.batchIdx != 1 {
		t.Fatalf("expected batch_idx 1 after one frame of the next batch, got %d", stage.batchIdx)
	}
}

type fakeCopier struct {
	calls int
	fail  bool
}

func (c *fakeCopier) CopyDeviceToDevice(dst, src frame.DevicePtr, size int) error {
	c.calls++
	if c.fail {
		return errors.New("copy failed")
	}
	return nil
}

func yuvModel() *frame.ModelDescriptor {
	return &frame.ModelDescriptor{
		InputShapes:           []frame.TensorShape{{N: 2, H: 720, W: 1280, C: 1}, {N: 2, H: 360, W: 1280, C: 1}},
		InputBatchAlignDevice: []int{1280 * 720, 1280 * 360},
	}
}

func yuvFrame() *frame.Frame {
	return &frame.Frame{
		Format: frame.FormatNV12,
		Width:  1280,
		Height: 720,
		Stride: []int{1280, 1280},
		Planes: []frame.Plane{{Device: 0x1000}, {Device: 0x2000}},
	}
}

func TestYUVSplitStageCopiesBothPlanes(t *testing.T) {
	model := yuvModel()
	alloc := ticket.NewSimAllocator()
	res, err := ticket.NewDeviceInputResource(model, 2, alloc)
	if err != nil {
		t.Fatalf("NewDeviceInputResource: %v", err)
	}
	copier := &fakeCopier{}
	stage := NewYUVSplitStage(2, res, copier)

	tk, ok := stage.Batching(yuvFrame())
	if !ok {
		t.Fatalf("expected a task")
	}
	if status := tk.Execute(); status != 0 {
		t.Fatalf("task failed with status %d", status)
	}
	if copier.calls != 2 {
		t.Fatalf("expected 2 plane copies (y, uv), got %d", copier.calls)
	}
}

func packedModel() *frame.ModelDescriptor {
	return &frame.ModelDescriptor{
		InputShapes:           []frame.TensorShape{{N: 2, H: 720, W: 1280, C: 1}},
		InputBatchAlignDevice: []int{1280 * 720 * 2},
	}
}

func TestYUVPackedStageComputesUVOffset(t *testing.T) {
	model := packedModel()
	alloc := ticket.NewSimAllocator()
	res, err := ticket.NewDeviceInputResource(model, 2, alloc)
	if err != nil {
		t.Fatalf("NewDeviceInputResource: %v", err)
	}
	copier := &fakeCopier{}
	stage := NewYUVPackedStage(2, res, copier)

	tk, ok := stage.Batching(yuvFrame())
	if !ok {
		t.Fatalf("expected a task")
	}
	if status := tk.Execute(); status != 0 {
		t.Fatalf("task failed with status %d", status)
	}
	if copier.calls != 2 {
		t.Fatalf("expected 2 plane copies (y, uv) into the single tensor, got %d", copier.calls)
	}
}

func TestYUVPackedStageRejectsWrongTensorCount(t *testing.T) {
	model := yuvModel() // 2 tensors, not 1
	alloc := ticket.NewSimAllocator()
	res, err := ticket.NewDeviceInputResource(model, 2, alloc)
	if err != nil {
		t.Fatalf("NewDeviceInputResource: %v", err)
	}
	stage := NewYUVPackedStage(2, res, &fakeCopier{})

	tk, ok := stage.Batching(yuvFrame())
	if !ok {
		t.Fatalf("expected a task")
	}
	if status := tk.Execute(); status == 0 {
		t.Fatalf("expected failure status for mismatched tensor count")
	}
}

func TestResizeConvertStageBatchesWithoutTask(t *testing.T) {
	alloc := ticket.NewSimAllocator()
	rc := ticket.NewRCOpResource(alloc)
	stage := NewResizeConvertStage(rc, 416, 416, 2)

	f := yuvFrame()
	if tk, ok := stage.Batching(f); tk != nil || ok {
		t.Fatalf("expected (nil, false) from Batching, got (%v, %v)", tk, ok)
	}
	if stage.Full() {
		t.Fatalf("expected batch not full after one frame of two")
	}

	if tk, ok := stage.Batching(f); tk != nil || ok {
		t.Fatalf("expected (nil, false) from Batching, got (%v, %v)", tk, ok)
	}
	if !stage.Full() {
		t.Fatalf("expected batch full after two frames of two")
	}

	y, uv := stage.Drain()
	if len(y) != 2 || len(uv) != 2 {
		t.Fatalf("expected drained batch of size 2, got y=%d uv=%d", len(y), len(uv))
	}
	if stage.Err() != nil {
		t.Fatalf("unexpected error: %v", stage.Err())
	}
}

func TestResizeConvertStageRejectsGeometryChange(t *testing.T) {
	alloc := ticket.NewSimAllocator()
	rc := ticket.NewRCOpResource(alloc)
	stage := NewResizeConvertStage(rc, 416, 416, 2)

	stage.Batching(yuvFrame())

	changed := yuvFrame()
	changed.Width = 640
	stage.Batching(changed)

	if stage.Err() == nil {
		t.Fatalf("expected an error after a mid-stream geometry change")
	}
}

func TestResizeConvertStageRejectsColorModeChange(t *testing.T) {
	alloc := ticket.NewSimAllocator()
	rc := ticket.NewRCOpResource(alloc)
	stage := NewResizeConvertStage(rc, 416, 416, 2)

	stage.Batching(yuvFrame())
	if stage.Err() != nil {
		t.Fatalf("unexpected error on first frame: %v", stage.Err())
	}

	switched := yuvFrame()
	switched.Format = frame.FormatNV21
	stage.Batching(switched)

	if stage.Err() == nil {
		t.Fatalf("expected an error after an NV12->NV21 switch mid-stream, since color mode is frozen at first use")
	}
}

func TestResizeConvertStageRejectsUnsupportedFormat(t *testing.T) {
	alloc := ticket.NewSimAllocator()
	rc := ticket.NewRCOpResource(alloc)
	stage := NewResizeConvertStage(rc, 416, 416, 2)

	f := yuvFrame()
	f.Format = frame.FormatI420
	stage.Batching(f)

	if stage.Err() == nil {
		t.Fatalf("expected an error for a format with no known color mode")
	}
}
