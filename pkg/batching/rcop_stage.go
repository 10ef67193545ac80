package batching

import (
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/pipelineerr"
	"github.com/cbw1985/streamvision/pkg/task"
	"github.com/cbw1985/streamvision/pkg/ticket"
)

// ResizeConvertStage batches on-device via the accelerator's
// resize-and-convert operator instead of a host-visible IOResource ring. It
// never returns a task: BatchingUp folds the frame's planes into the
// operator's pending batch immediately, and the caller drains the batch via
// Drain once RCOpResource reports it full.
//
// The operator's configuration is frozen on first use; every subsequent
// frame's attribute set must match exactly, or Batching raises
// InvariantViolation — mirroring CheckParamSet in
// original_source/modules/inference/src/infer_resource.cpp.
type ResizeConvertStage struct {
	rc        *ticket.RCOpResource
	dstW      int
	dstH      int
	batchSize int
	lastErr   error
	full      bool
}

// NewResizeConvertStage constructs a Resize+Convert batching stage. dstW,
// dstH, batchSize are fixed by the model and never vary per frame; SrcW,
// SrcH, SrcStride, ColorMode are validated per frame against whatever the
// first frame established.
func NewResizeConvertStage(rc *ticket.RCOpResource, dstW, dstH, batchSize int) *ResizeConvertStage {
	return &ResizeConvertStage{rc: rc, dstW: dstW, dstH: dstH, batchSize: batchSize}
}

// Batching folds f's Y/UV planes into the RC operator's pending batch.
// Always returns (nil, false): callers poll Full()/Drain() separately
// instead of awaiting a per-frame task. A frame whose geometry no longer
// matches the frozen attribute set is dropped; the failure is recorded and
// surfaced via Err, not returned here, since the ticketed stages are the
// only ones whose Batching call sits on a task's error path.
func (s *ResizeConvertStage) Batching(f *frame.Frame) (*task.Task, bool) {
	if len(f.Planes) != 2 {
		s.lastErr = pipelineerr.New(pipelineerr.InvariantViolation, "ResizeConvertStage.Batching",
			"frame plane count not 2")
		return nil, false
	}

	cmode, err := colorModeForFormat(f.Format)
	if err != nil {
		s.lastErr = err
		return nil, false
	}

	attr := ticket.RCOpAttr{
		SrcW:      f.Width,
		SrcH:      f.Height,
		SrcStride: f.Stride[0],
		DstW:      s.dstW,
		DstH:      s.dstH,
		ColorMode: cmode,
		BatchSize: s.batchSize,
	}

	if !s.rc.Initialized() {
		if err := s.rc.Init(attr); err != nil {
			s.lastErr = err
			return nil, false
		}
	} else if !s.rc.Attr().Equal(attr) {
		s.lastErr = pipelineerr.New(pipelineerr.InvariantViolation, "ResizeConvertStage.Batching",
			"frame geometry changed mid-stream: RC operator attributes are frozen after first use")
		return nil, false
	}

	s.full = s.rc.BatchingUp(f.Planes[0].Device, f.Planes[1].Device)
	return nil, false
}

// colorModeForFormat derives the RC operator's source colour mode from a
// frame's pixel format — mirroring infer_resource.cpp's format-to-cmode
// switch, which the frame's own geometry never encodes. Only the two-plane
// formats the RC path accepts (checked by the plane-count guard above) are
// mapped; anything else is an InvariantViolation rather than silently
// defaulting to NV12.
func colorModeForFormat(f frame.PixelFormat) (ticket.ColorMode, error) {
	switch f {
	case frame.FormatNV12:
		return ticket.ColorModeYUV2RGBANV12, nil
	case frame.FormatNV21:
		return ticket.ColorModeYUV2RGBANV21, nil
	default:
		return 0, pipelineerr.New(pipelineerr.InvariantViolation, "ResizeConvertStage.Batching",
			"unsupported frame format for resize+convert")
	}
}

// Err returns the last error Batching recorded, if any.
func (s *ResizeConvertStage) Err() error {
	return s.lastErr
}

// Full reports whether the operator's pending batch reached batchSize on
// the most recent Batching call.
func (s *ResizeConvertStage) Full() bool {
	return s.full
}

// Drain hands back the operator's filled batch (padded with fake data for
// any unfilled slots) and resets it for the next batch.
func (s *ResizeConvertStage) Drain() (y, uv []frame.DevicePtr) {
	s.full = false
	return s.rc.Drain()
}

// Pending reports how many frames are queued into the operator's current
// batch — used by the caller to tell whether a forced commit has anything
// left to drain, versus one that landed exactly on a natural Full().
func (s *ResizeConvertStage) Pending() int {
	return s.rc.Pending()
}
