package ticket

import (
	"sync/atomic"

	"github.com/cbw1985/streamvision/pkg/frame"
)

// SimAllocator is an in-process DeviceAllocator that hands out distinct,
// never-reused handles rather than real accelerator memory. It never fails
// unless Fail is set, letting tests exercise ResourceExhausted deterministically.
// The real on-device allocator is out of scope; a deployment
// injects its own DeviceAllocator instead of this one.
type SimAllocator struct {
	next int64
	Fail bool
}

func NewSimAllocator() *SimAllocator {
	return &SimAllocator{}
}

func (a *SimAllocator) AllocDevice(size int) (frame.DevicePtr, error) {
	if a.Fail {
		return 0, errOOM
	}
	return frame.DevicePtr(atomic.AddInt64(&a.next, int64(size))), nil
}

func (a *SimAllocator) FreeDevice(p frame.DevicePtr) error {
	return nil
}

var errOOM = simError("simulated device out of memory")

type simError string

func (e simError) Error() string { return string(e) }
