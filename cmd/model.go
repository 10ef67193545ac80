package cmd

import (
	"github.com/cbw1985/streamvision/pkg/batching"
	"github.com/cbw1985/streamvision/pkg/engine"
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/module"
	"github.com/cbw1985/streamvision/pkg/ticket"
)

// cpuModelLoader is the reference backend used by run/serve when no
// accelerator-specific ModelLoader is wired in: it loads no actual model
// weights and runs no real inference. It exists so the CLI is runnable
// end to end out of the box; a production deployment replaces it with a
// ModelLoader bound to its own accelerator runtime.
type cpuModelLoader struct {
	inputShape  frame.TensorShape
	outputShape frame.TensorShape
	batchSize   int
}

func newCPUModelLoader(inputShape, outputShape frame.TensorShape, batchSize int) *cpuModelLoader {
	return &cpuModelLoader{inputShape: inputShape, outputShape: outputShape, batchSize: batchSize}
}

func (l *cpuModelLoader) Load(cfg module.Config) (*frame.ModelDescriptor, engine.ModelRunner, error) {
	desc := &frame.ModelDescriptor{
		EntryPoint:   cfg.FuncName,
		InputShapes:  []frame.TensorShape{l.inputShape},
		OutputShapes: []frame.TensorShape{l.outputShape},
	}
	return desc, &cpuRunner{}, nil
}

// cpuRunner stands in for an accelerator dispatch: it performs no
// computation, leaving the output tensor's bytes zeroed. cpuPostproc reads
// input intensity directly rather than the (unused) output tensor.
type cpuRunner struct{}

func (r *cpuRunner) Run(input, output *ticket.IOResValue, count int) error {
	return nil
}

// cpuPreproc copies a frame's host plane bytes directly into the batch's
// input tensor slot, truncating or zero-padding to the tensor's byte size.
// It performs no resize/normalize step; it is meant for frames that already
// arrive sized to the model's input shape.
type cpuPreproc struct{}

func (cpuPreproc) Execute(netInputs [][]byte, f *frame.Frame) error {
	if len(netInputs) == 0 || len(f.Planes) == 0 {
		return nil
	}
	src := f.Planes[0].Host
	n := copy(netInputs[0], src)
	for i := n; i < len(netInputs[0]); i++ {
		netInputs[0][i] = 0
	}
	return nil
}

// cpuPostproc derives one detection per frame from the mean byte value of
// its own pre-processed input plane, standing in for a real decode step.
// Score is the normalized mean intensity; a deployment's real
// post-processor reads the model's output tensor instead.
type cpuPostproc struct {
	threshold float64
}

func (p *cpuPostproc) Decode(output *ticket.IOResValue, batchIdx int, f *frame.Frame) error {
	var sum, n int
	for _, plane := range f.Planes {
		for _, b := range plane.Host {
			sum += int(b)
			n++
		}
	}
	score := float32(0)
	if n > 0 {
		score = float32(sum) / float32(n) / 255.0
	}
	if float64(score) < p.threshold {
		return nil
	}
	f.Objects = append(f.Objects, frame.Detection{
		Label: "object",
		Score: score,
		Box:   frame.BoundingBox{X: 0, Y: 0, W: 1, H: 1},
	})
	return nil
}

func (p *cpuPostproc) SetThreshold(threshold float64) { p.threshold = threshold }

// registerCPUBackend wires the reference CPU preproc/postproc into r under
// the names "cpu_identity"/"cpu_mean_intensity", so a config file can
// select them via preproc_name/postproc_name without any accelerator
// dependency.
func registerCPUBackend(r *module.Registry) {
	r.RegisterPreproc("cpu_identity", func() batching.Preproc { return cpuPreproc{} })
	r.RegisterPostproc("cpu_mean_intensity", func() engine.Postproc { return &cpuPostproc{} })
}
