// Package batching implements the batching-stage contract:
// BatchingStage.Batching(frame) -> (*task.Task, bool present), with four
// concrete strategies grounded directly on
// original_source/modules/inference/src/batching_stage.{hpp,cpp}.
package batching

import (
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/pipelineerr"
	"github.com/cbw1985/streamvision/pkg/task"
	"github.com/cbw1985/streamvision/pkg/ticket"
)

// Stage converts a stream of frames into a stream of filled batches. The
// Resize+Convert strategy returns (nil, false): it emits no task, it
// eagerly batches on-device instead ("the RC-op case is
// the one that returns None and must be modelled explicitly").
type Stage interface {
	Batching(f *frame.Frame) (*task.Task, bool)

	// CommitBatch is called by the engine at every commit boundary (full
	// batch, timeout, or EOS), after the last Batching call of the batch
	// being closed and before the next one can start. It returns the input
	// ring slot that batch's frames were written into, for the engine's
	// inference task to read, and resets any per-batch state (such as
	// batch_idx) so the next batch starts clean. partial is true for a
	// forced (timeout/EOS) commit that did not reach batch_size frames; a
	// strategy that defers its work until the batch is full (Resize+Convert)
	// uses partial to force that drain now, padding unfilled slots with fake
	// data, and returns the resulting task for the engine to run before
	// inference — nil otherwise, since the per-frame tasks already cover it.
	CommitBatch(partial bool) (flush *task.Task, slot int)
}

// Preproc is a user-supplied host pre-processor invoked by
// CPUPreprocessingStage. The concrete pre-processing kernel is external
// (registered by name, see pkg/module's registry); this is the contract it
// implements.
type Preproc interface {
	Execute(netInputs [][]byte, f *frame.Frame) error
}

// DeviceCopier abstracts the device-to-device memcpy the YUV batching
// strategies perform. The concrete on-device copy kernel is out of scope
// a deployment injects its own implementation.
type DeviceCopier interface {
	CopyDeviceToDevice(dst, src frame.DevicePtr, size int) error
}

// ioBatchingStage is the shared ticket-driven skeleton behind all three
// IOResource-backed strategies (CPU pre-processing, YUV-split, YUV-packed).
// It owns the per-frame ticket reserve/release policy and batch_idx
// advance; concrete strategies only supply processOneFrame.
type ioBatchingStage struct {
	batchsize int
	batchIdx  int
	lastSlot  int
	reserved  bool
	outputRes *ticket.Ring[ticket.IOResValue]

	processOneFrame func(f *frame.Frame, batchIdx int, value *ticket.IOResValue) error
}

// Batching implements Stage for all IOResource-backed strategies. Per
// reserve the ticket iff the current frame is not the last
// slot of this batch, keeping the same slot reserved across a batch and
// freeing it only when the batch closes.
//
// batch_idx advances as (batch_idx + 1) % batchsize — the corrected form.
// The original source computes batch_idx_ + 1 % batchsize_, which due to
// operator precedence never wraps; that bug is not reproduced here (see
// see DESIGN.md).
//
// Unlike the original source, the per-frame task does not release the
// ticket itself: the slot must stay reserved until the engine's inference
// task has read every frame's write out of it, not merely until the last
// frame's own write completes. pkg/engine releases the slot (via
// Ring.ReleaseSlot) once its inference task finishes reading — see
// see DESIGN.md's note on this redesign.
func (s *ioBatchingStage) Batching(f *frame.Frame) (*task.Task, bool) {
	reserve := s.batchIdx+1 != s.batchsize
	ticketVal := s.outputRes.PickUpTicket(reserve)
	bidx := s.batchIdx
	s.lastSlot = ticketVal.Slot()
	s.reserved = reserve

	t := task.New(func() int {
		tt := ticketVal
		value := s.outputRes.WaitResourceByTicket(&tt)
		err := s.processOneFrame(f, bidx, value)
		if err != nil {
			return 1
		}
		return 0
	})

	s.batchIdx = (s.batchIdx + 1) % s.batchsize
	return t, true
}

// CommitBatch implements Stage. On a full batch the last frame's Batching
// call already released the slot's reservation (reserve went false exactly
// on batch_idx's last step), so lastSlot already names the right slot and
// nothing further is needed. On a partial commit the reservation is still
// held — the batch never reached its last slot — so it is released here
// instead, which returns the same slot the batch was already using rather
// than picking a new one.
func (s *ioBatchingStage) CommitBatch(partial bool) (*task.Task, int) {
	slot := s.lastSlot
	if s.reserved {
		t := s.outputRes.PickUpTicket(false)
		slot = t.Slot()
		s.reserved = false
	}
	s.batchIdx = 0
	return nil, slot
}

// CPUPreprocessingStage runs a user-supplied pre-processor on the host,
// producing a batchsize x input_layout host tensor. The infer stage copies
// it to device before running the model.
type CPUPreprocessingStage struct {
	ioBatchingStage
	preproc Preproc
}

// NewCPUPreprocessingStage constructs a CPU pre-processing batching stage
// over outputRes (typically a CpuInputResource ring).
func NewCPUPreprocessingStage(batchsize int, outputRes *ticket.Ring[ticket.IOResValue], preproc Preproc) *CPUPreprocessingStage {
	s := &CPUPreprocessingStage{preproc: preproc}
	s.ioBatchingStage = ioBatchingStage{
		batchsize: batchsize,
		outputRes: outputRes,
	}
	s.processOneFrame = s.process
	return s
}

func (s *CPUPreprocessingStage) process(f *frame.Frame, batchIdx int, value *ticket.IOResValue) error {
	netInputs := make([][]byte, len(value.Tensors))
	for i := range value.Tensors {
		host, _ := value.Tensors[i].Offset(batchIdx)
		netInputs[i] = host
	}
	return s.preproc.Execute(netInputs, f)
}

// YUVSplitStage performs a device-to-device memcpy of the Y plane and then
// the UV plane into two separate input tensors (InputNum == 2).
type YUVSplitStage struct {
	ioBatchingStage
	copier DeviceCopier
}

// NewYUVSplitStage constructs a YUV-split batching stage over outputRes
// (typically a device input resource ring with 2 tensors).
func NewYUVSplitStage(batchsize int, outputRes *ticket.Ring[ticket.IOResValue], copier DeviceCopier) *YUVSplitStage {
	s := &YUVSplitStage{copier: copier}
	s.ioBatchingStage = ioBatchingStage{
		batchsize: batchsize,
		outputRes: outputRes,
	}
	s.processOneFrame = s.process
	return s
}

func (s *YUVSplitStage) process(f *frame.Frame, batchIdx int, value *ticket.IOResValue) error {
	if len(value.Tensors) != 2 {
		return pipelineerr.New(pipelineerr.InvariantViolation, "YUVSplitStage.process",
			"yuv split model: input number not 2")
	}
	if len(f.Planes) != 2 {
		return pipelineerr.New(pipelineerr.InvariantViolation, "YUVSplitStage.process",
			"yuv split frame: plane count not 2")
	}

	_, dstY := value.Tensors[0].Offset(batchIdx)
	ySize := f.Stride[0] * f.Height
	if err := s.copier.CopyDeviceToDevice(dstY, f.Planes[0].Device, ySize); err != nil {
		return pipelineerr.Wrap(pipelineerr.TransientDeviceError, "YUVSplitStage.process", "y plane d2d copy failed", err)
	}

	_, dstUV := value.Tensors[1].Offset(batchIdx)
	uvSize := f.Stride[1] * f.Height / 2
	if err := s.copier.CopyDeviceToDevice(dstUV, f.Planes[1].Device, uvSize); err != nil {
		return pipelineerr.Wrap(pipelineerr.TransientDeviceError, "YUVSplitStage.process", "uv plane d2d copy failed", err)
	}
	return nil
}

// YUVPackedStage performs a device-to-device memcpy of Y, then UV, placed
// contiguously inside a single tensor; the UV destination offset is
// shape.h * shape.w * 2 / 3 bytes past Y, reflecting the accelerator's
// NV-packed layout.
type YUVPackedStage struct {
	ioBatchingStage
	copier DeviceCopier
}

// NewYUVPackedStage constructs a YUV-packed batching stage over outputRes
// (typically a device input resource ring with exactly 1 tensor).
func NewYUVPackedStage(batchsize int, outputRes *ticket.Ring[ticket.IOResValue], copier DeviceCopier) *YUVPackedStage {
	s := &YUVPackedStage{copier: copier}
	s.ioBatchingStage = ioBatchingStage{
		batchsize: batchsize,
		outputRes: outputRes,
	}
	s.processOneFrame = s.process
	return s
}

func (s *YUVPackedStage) process(f *frame.Frame, batchIdx int, value *ticket.IOResValue) error {
	if len(value.Tensors) != 1 {
		return pipelineerr.New(pipelineerr.InvariantViolation, "YUVPackedStage.process",
			"yuv packed model: input number not 1")
	}
	if len(f.Planes) != 2 {
		return pipelineerr.New(pipelineerr.InvariantViolation, "YUVPackedStage.process",
			"yuv packed frame: plane count not 2")
	}

	_, dstY := value.Tensors[0].Offset(batchIdx)
	ySize := f.Stride[0] * f.Height
	if err := s.copier.CopyDeviceToDevice(dstY, f.Planes[0].Device, ySize); err != nil {
		return pipelineerr.Wrap(pipelineerr.TransientDeviceError, "YUVPackedStage.process", "y plane d2d copy failed", err)
	}

	uvOffset := value.Tensors[0].Shape.HW() * 2 / 3
	dstUV := dstY + frame.DevicePtr(uvOffset)
	uvSize := f.Stride[1] * f.Height / 2
	if err := s.copier.CopyDeviceToDevice(dstUV, f.Planes[1].Device, uvSize); err != nil {
		return pipelineerr.Wrap(pipelineerr.TransientDeviceError, "YUVPackedStage.process", "uv plane d2d copy failed", err)
	}
	return nil
}
