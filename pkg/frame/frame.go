// Package frame defines the external data model the inference core reads
// and writes. The full frame-container data model (pixel formats, plane
// strides, device pointers beyond what the core touches) is out of scope
// only the fields the core actually reads/writes live here.
package frame

import "time"

// PixelFormat identifies the plane layout of a frame's image data.
type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	FormatNV12                // YUV 4:2:0, packed UV plane
	FormatNV21                // YUV 4:2:0, packed VU plane
	FormatI420                // YUV 4:2:0, planar Y/U/V
	FormatBGR                 // host-side pre-processed tensor input
)

// DataOrder is the host tensor layout the module.data_order parameter
// forces on pre-processed host tensors.
type DataOrder int

const (
	DataOrderNative DataOrder = iota
	DataOrderNCHW
)

// Flags are per-frame bits the core reads.
type Flags uint32

const (
	// FlagEOS marks the end of a channel's stream: no further frames will
	// arrive on this channel.
	FlagEOS Flags = 1 << iota
)

// BoundingBox is a normalised [0,1] detection box, x/y from the top-left.
type BoundingBox struct {
	X, Y, W, H float32
}

// Detection is one decoded post-processing result appended to a frame's
// object list. Attributes and FeatureVector are optional — most
// post-processors emit only a Label/Score/Box.
type Detection struct {
	Label         string
	Score         float32
	Box           BoundingBox
	Attributes    map[string]string
	FeatureVector []float32
}

// Frame is the unit flowing through the pipeline. Invariant: once the core
// receives a Frame, the producer must not mutate it until the card for that
// frame completes (see task.Future / engine.ResultWaitingCard).
type Frame struct {
	ChannelIdx int
	StreamID   string
	Flags      Flags
	Timestamp  time.Time

	Format PixelFormat
	Width  int
	Height int
	// Stride holds the per-plane row stride in bytes; len(Stride) is 1 for
	// packed/host tensors, 2 for split-plane YUV.
	Stride []int
	// Planes holds an opaque per-plane data handle (a device pointer or a
	// host byte slice, depending on Format); the core never dereferences it
	// itself, only passes it to a batching stage's copy routine.
	Planes []Plane

	// Objects accumulates detections; post-processing appends to it exactly
	// once per frame that actually ran inference.
	Objects []Detection
}

// Plane is one opaque image plane buffer. Device is non-nil when the plane
// lives on the accelerator; Host is non-nil for host-resident tensors.
type Plane struct {
	Device DevicePtr
	Host   []byte
}

// DevicePtr is an opaque accelerator memory handle. The core never
// dereferences it; it only hands it to the device copy/operator contracts
// in pkg/ticket and pkg/batching.
type DevicePtr uintptr

// IsEOS reports whether this frame carries the end-of-stream flag.
func (f *Frame) IsEOS() bool {
	return f.Flags&FlagEOS != 0
}

// ModelDescriptor is immutable after load: input/output tensor shapes,
// per-tensor batch alignment on host and device, and the model's
// entry-point name. The batch dimension N is the hardware batch size.
type ModelDescriptor struct {
	EntryPoint string

	InputShapes  []TensorShape
	OutputShapes []TensorShape

	// InputBatchAlignHost/Device is the per-tensor alignment reported by the
	// model loader for host/device allocations respectively. This is the
	// authoritative batch_offset — it is not naively hwc*sizeof(float); the
	// two differ on accelerators that pad samples to a hardware alignment.
	InputBatchAlignHost    []int
	InputBatchAlignDevice  []int
	OutputBatchAlignHost   []int
	OutputBatchAlignDevice []int

	// BatchSize is the hardware batch dimension N fixed by the model.
	BatchSize int
}

// TensorShape is (n, h, w, c) for one input or output tensor.
type TensorShape struct {
	N, H, W, C int
}

// HW returns H*W, used by the YUV-packed batching stage to compute the UV
// plane's byte offset past Y.
func (s TensorShape) HW() int {
	return s.H * s.W
}

// HWC returns H*W*C, the naive (non-aligned) per-sample tensor size.
func (s TensorShape) HWC() int {
	return s.H * s.W * s.C
}
