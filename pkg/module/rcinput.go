package module

import (
	"github.com/cbw1985/streamvision/pkg/batching"
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/pipelineerr"
	"github.com/cbw1985/streamvision/pkg/task"
	"github.com/cbw1985/streamvision/pkg/ticket"
)

// RCExecutor performs the actual on-device resize+colour-convert kernel
// over one full batch of source Y/UV plane pointers, writing the result
// into the model's next input slot. The concrete accelerator kernel is out
// of scope, same as engine.ModelRunner and
// batching.DeviceCopier; a deployment injects its own.
type RCExecutor interface {
	Execute(y, uv []frame.DevicePtr, dst *ticket.IOResValue) error
}

// rcInputStage adapts a batching.ResizeConvertStage — which batches source
// planes but emits no task of its own — into the
// uniform batching.Stage contract the engine drives, by draining the
// filled batch into the model's input ring itself once it is full. This is
// the default strategy when preproc_name is absent.
type rcInputStage struct {
	rc       *batching.ResizeConvertStage
	inputRes *ticket.Ring[ticket.IOResValue]
	executor RCExecutor

	lastSlot int
}

func newRCInputStage(rc *batching.ResizeConvertStage, inputRes *ticket.Ring[ticket.IOResValue], executor RCExecutor) *rcInputStage {
	return &rcInputStage{rc: rc, inputRes: inputRes, executor: executor}
}

// Batching feeds f's planes into the resize+convert operator; only the
// frame that completes a batch produces a task, matching the "RC-op
// returns None until full" shape the engine already expects from
// batching.Stage.
func (s *rcInputStage) Batching(f *frame.Frame) (*task.Task, bool) {
	s.rc.Batching(f)
	if err := s.rc.Err(); err != nil {
		t := task.New(func() int { return 1 })
		return t, true
	}
	if !s.rc.Full() {
		return nil, false
	}
	return s.drainAndDispatch(), true
}

// drainAndDispatch picks up the next input ring slot, drains whatever the
// resize+convert operator has accumulated (padded with fake data if the
// drain was forced before the batch filled), and submits the resize+convert
// kernel against that slot. The picked slot is remembered so CommitBatch can
// report it back to the engine.
func (s *rcInputStage) drainAndDispatch() *task.Task {
	y, uv := s.rc.Drain()
	ticketVal := s.inputRes.PickUpTicket(false)
	s.lastSlot = ticketVal.Slot()

	return task.New(func() int {
		tt := ticketVal
		dst := s.inputRes.WaitResourceByTicket(&tt)
		if err := s.executor.Execute(y, uv, dst); err != nil {
			_ = pipelineerr.Wrap(pipelineerr.TransientDeviceError, "rcInputStage.Batching", "resize+convert kernel failed", err)
			return 1
		}
		return 0
	})
}

// CommitBatch implements batching.Stage. A full batch already drained and
// dispatched inside Batching, so lastSlot already names the right slot. A
// partial (timeout/EOS) commit with frames still pending in the operator has
// never drained — this forces it now, padding the unfilled slots with the
// operator's fake data, and hands the engine the resulting kernel task to
// run ahead of inference.
func (s *rcInputStage) CommitBatch(partial bool) (*task.Task, int) {
	if partial && s.rc.Err() == nil && s.rc.Pending() > 0 {
		return s.drainAndDispatch(), s.lastSlot
	}
	return nil, s.lastSlot
}
