package ticket

import (
	"sync"

	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/pipelineerr"
)

// ColorMode mirrors the device resize+convert operator's supported source
// colour layouts.
type ColorMode int

const (
	ColorModeYUV2RGBANV12 ColorMode = iota
	ColorModeYUV2RGBANV21
	ColorModeYUV2ABGRNV12
)

// RCOpAttr is the frozen attribute set of a resize+convert operator.
// Attributes cannot change without Destroy+Init.
type RCOpAttr struct {
	SrcW, SrcH, SrcStride int
	DstW, DstH            int
	ColorMode             ColorMode
	BatchSize             int
}

// Equal reports whether two attribute sets describe the same operator
// configuration — used to validate every frame against the attributes
// fixed at first initialisation.
func (a RCOpAttr) Equal(b RCOpAttr) bool {
	return a.SrcW == b.SrcW && a.SrcH == b.SrcH && a.SrcStride == b.SrcStride &&
		a.DstW == b.DstW && a.DstH == b.DstH && a.ColorMode == b.ColorMode
}

// RCOpResource is a single on-device resize+colour-convert operator plus
// per-batch "fake data" scratch buffers used as placeholders when a batch
// slot is not yet filled. Initialised lazily on first frame, frozen
// thereafter. This is a singleton, not a ring: BatchingUp accumulates
// pointers internally and triggers execution when the batch is full.
type RCOpResource struct {
	mu          sync.Mutex
	alloc       DeviceAllocator
	attr        RCOpAttr
	initialized bool

	// yPlaneFake/uvPlaneFake are per-batch-slot scratch buffers allocated once
	// when attributes are first fixed (infer_resource.cpp's AllocateFakeData)
	// and reused for every padded partial batch thereafter, not re-allocated
	// per commit.
	yPlaneFake  []frame.DevicePtr
	uvPlaneFake []frame.DevicePtr

	pendingY  []frame.DevicePtr
	pendingUV []frame.DevicePtr
}

// NewRCOpResource constructs an uninitialised RCOpResource bound to alloc.
func NewRCOpResource(alloc DeviceAllocator) *RCOpResource {
	return &RCOpResource{alloc: alloc}
}

// Initialized reports whether Init has been called since construction or the last Destroy.
func (r *RCOpResource) Initialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

// Attr returns the frozen attribute set; only meaningful when Initialized.
func (r *RCOpResource) Attr() RCOpAttr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attr
}

// Init fixes the operator's attributes and allocates fake-data scratch
// buffers. If already initialised, it destroys the prior configuration
// first (on-the-fly reinitialisation once fixed
// from application code — Init itself is the one escape hatch a caller uses
// deliberately, e.g. at channel reconfiguration).
func (r *RCOpResource) Init(attr RCOpAttr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		r.destroyLocked()
	}
	r.attr = attr
	r.initialized = true
	return r.allocateFakeDataLocked()
}

// Destroy tears down the operator and frees fake-data scratch buffers.
func (r *RCOpResource) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyLocked()
}

func (r *RCOpResource) destroyLocked() {
	r.deallocateFakeDataLocked()
	r.initialized = false
}

func (r *RCOpResource) allocateFakeDataLocked() error {
	yPlaneSize := r.attr.SrcStride * r.attr.SrcH
	uvPlaneSize := r.attr.SrcStride * r.attr.SrcH / 2

	yPlanes := make([]frame.DevicePtr, r.attr.BatchSize)
	uvPlanes := make([]frame.DevicePtr, r.attr.BatchSize)
	for i := 0; i < r.attr.BatchSize; i++ {
		yp, err := r.alloc.AllocDevice(yPlaneSize)
		if err != nil {
			return pipelineerr.Wrap(pipelineerr.ResourceExhausted, "RCOpResource.Init",
				"fake Y-plane allocation failed", err)
		}
		uvp, err := r.alloc.AllocDevice(uvPlaneSize)
		if err != nil {
			return pipelineerr.Wrap(pipelineerr.ResourceExhausted, "RCOpResource.Init",
				"fake UV-plane allocation failed", err)
		}
		yPlanes[i] = yp
		uvPlanes[i] = uvp
	}
	r.yPlaneFake = yPlanes
	r.uvPlaneFake = uvPlanes
	return nil
}

func (r *RCOpResource) deallocateFakeDataLocked() {
	for _, p := range r.yPlaneFake {
		_ = r.alloc.FreeDevice(p)
	}
	for _, p := range r.uvPlaneFake {
		_ = r.alloc.FreeDevice(p)
	}
	r.yPlaneFake = nil
	r.uvPlaneFake = nil
	r.pendingY = nil
	r.pendingUV = nil
}

// FakeData returns the scratch Y/UV device pointers for an unfilled slot in
// a padded partial batch.
func (r *RCOpResource) FakeData(slot int) (y, uv frame.DevicePtr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.yPlaneFake[slot], r.uvPlaneFake[slot]
}

// BatchingUp accumulates one frame's Y/UV device pointers. It internally
// tracks how many samples have been queued and reports whether the batch is
// now full (the caller triggers execution and calls Drain in that case).
func (r *RCOpResource) BatchingUp(y, uv frame.DevicePtr) (full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingY = append(r.pendingY, y)
	r.pendingUV = append(r.pendingUV, uv)
	return len(r.pendingY) >= r.attr.BatchSize
}

// Pending reports how many samples are queued into the current batch.
func (r *RCOpResource) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingY)
}

// Drain returns and clears the accumulated batch of Y/UV pointers, padding
// with fake data up to BatchSize if the batch was forced partial.
func (r *RCOpResource) Drain() (y, uv []frame.DevicePtr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.pendingY) < r.attr.BatchSize {
		slot := len(r.pendingY)
		r.pendingY = append(r.pendingY, r.yPlaneFake[slot])
		r.pendingUV = append(r.pendingUV, r.uvPlaneFake[slot])
	}
	y, uv = r.pendingY, r.pendingUV
	r.pendingY, r.pendingUV = nil, nil
	return y, uv
}
