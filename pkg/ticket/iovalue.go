package ticket

import (
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/pipelineerr"
)

// bytesPerFloat32 sizes the naive (non-aligned) CPU tensor batch offset.
const bytesPerFloat32 = 4

// TensorData is one input or output tensor's storage, sized for batchsize
// samples. batchOffset is the alignment reported by the model descriptor —
// not naively hwc*sizeof(float) — since the two differ on accelerators.
type TensorData struct {
	Shape       frame.TensorShape
	BatchOffset int
	BatchSize   int

	// HostBase holds the backing bytes for host tensors; nil for device tensors.
	HostBase []byte
	// DeviceBase holds the backing handle for device tensors; zero for host tensors.
	DeviceBase frame.DevicePtr
}

// Offset returns the address of the batch_idx-th sample within this tensor,
// as a byte window into HostBase for host tensors, or an offset device
// pointer for device tensors.
func (t *TensorData) Offset(batchIdx int) (host []byte, device frame.DevicePtr) {
	start := batchIdx * t.BatchOffset
	if t.HostBase != nil {
		end := start + t.BatchOffset
		if end > len(t.HostBase) {
			end = len(t.HostBase)
		}
		return t.HostBase[start:end], 0
	}
	return nil, t.DeviceBase + frame.DevicePtr(start)
}

// IOResValue is one allocation of host or device tensor storage sized for
// batchsize samples across all input (or output) tensors of a model.
type IOResValue struct {
	Tensors []TensorData
}

// DeviceAllocator abstracts accelerator memory allocation and the model
// loader's per-tensor batch alignment query. The concrete on-device
// allocator and offline model loader are out of scope; callers
// inject an implementation appropriate to their accelerator.
type DeviceAllocator interface {
	AllocDevice(size int) (frame.DevicePtr, error)
	FreeDevice(p frame.DevicePtr) error
}

// NewCpuInputResource allocates a ring of N host input IOResValues sized
// per model.InputShapes, using the naive hwc*sizeof(float32) batch offset
// (correct for host tensors, where there is no hardware alignment to honor).
func NewCpuInputResource(model *frame.ModelDescriptor, n int) (*Ring[IOResValue], error) {
	return newCPUResource(model.InputShapes, n)
}

// NewCpuOutputResource is the output-side counterpart of NewCpuInputResource.
func NewCpuOutputResource(model *frame.ModelDescriptor, n int) (*Ring[IOResValue], error) {
	return newCPUResource(model.OutputShapes, n)
}

func newCPUResource(shapes []frame.TensorShape, n int) (*Ring[IOResValue], error) {
	values := make([]IOResValue, n)
	for i := range values {
		tensors := make([]TensorData, len(shapes))
		for ti, shape := range shapes {
			batchOffset := shape.HWC() * bytesPerFloat32
			size := batchOffset * shape.N
			tensors[ti] = TensorData{
				Shape:       shape,
				BatchOffset: batchOffset,
				BatchSize:   shape.N,
				HostBase:    make([]byte, size),
			}
		}
		values[i] = IOResValue{Tensors: tensors}
	}
	return NewRing(values), nil
}

// NewDeviceInputResource allocates a ring of N device input IOResValues
// sized per the model's device batch alignment, which accounts for
// hardware padding that hwc*sizeof(float) does not.
func NewDeviceInputResource(model *frame.ModelDescriptor, n int, alloc DeviceAllocator) (*Ring[IOResValue], error) {
	return newDeviceResource(model.InputShapes, model.InputBatchAlignDevice, n, alloc)
}

// NewDeviceOutputResource is the output-side counterpart of NewDeviceInputResource.
func NewDeviceOutputResource(model *frame.ModelDescriptor, n int, alloc DeviceAllocator) (*Ring[IOResValue], error) {
	return newDeviceResource(model.OutputShapes, model.OutputBatchAlignDevice, n, alloc)
}

func newDeviceResource(shapes []frame.TensorShape, align []int, n int, alloc DeviceAllocator) (*Ring[IOResValue], error) {
	values := make([]IOResValue, n)
	for i := range values {
		tensors := make([]TensorData, len(shapes))
		for ti, shape := range shapes {
			batchOffset := align[ti]
			size := batchOffset * shape.N
			ptr, err := alloc.AllocDevice(size)
			if err != nil {
				return nil, pipelineerr.Wrap(pipelineerr.ResourceExhausted, "Allocate",
					"device tensor allocation failed", err)
			}
			tensors[ti] = TensorData{
				Shape:       shape,
				BatchOffset: batchOffset,
				BatchSize:   shape.N,
				DeviceBase:  ptr,
			}
		}
		values[i] = IOResValue{Tensors: tensors}
	}
	return NewRing(values), nil
}
