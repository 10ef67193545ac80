package module

import (
	"sync"
	"testing"
	"time"

	"github.com/cbw1985/streamvision/pkg/batching"
	"github.com/cbw1985/streamvision/pkg/engine"
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/ticket"
)

type fakeLoader struct{ model *frame.ModelDescriptor }

func (l fakeLoader) Load(cfg Config) (*frame.ModelDescriptor, engine.ModelRunner, error) {
	return l.model, &fakeRunner{}, nil
}

type fakeRunner struct{ calls int }

func (r *fakeRunner) Run(input, output *ticket.IOResValue, count int) error {
	r.calls++
	return nil
}

type fakePreproc struct{}

func (fakePreproc) Execute(netInputs [][]byte, f *frame.Frame) error { return nil }

type fakePostproc struct {
	mu        sync.Mutex
	calls     int
	threshold float64
}

func (p *fakePostproc) Decode(output *ticket.IOResValue, batchIdx int, f *frame.Frame) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	f.Objects = append(f.Objects, frame.Detection{Label: "object", Score: float32(p.threshold)})
	return nil
}

func (p *fakePostproc) SetThreshold(threshold float64) { p.threshold = threshold }

type fakePipeline struct {
	mu        sync.Mutex
	events    []string
	transmits []*frame.Frame
}

func (p *fakePipeline) PostEvent(kind, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, kind+":"+msg)
}

func (p *fakePipeline) TransmitData(f *frame.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transmits = append(p.transmits, f)
}

func (p *fakePipeline) transmitted() []*frame.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*frame.Frame, len(p.transmits))
	copy(out, p.transmits)
	return out
}

func testModel() *frame.ModelDescriptor {
	return &frame.ModelDescriptor{
		InputShapes:  []frame.TensorShape{{N: 2, H: 4, W: 4, C: 3}},
		OutputShapes: []frame.TensorShape{{N: 2, H: 1, W: 1, C: 8}},
	}
}

func TestOpenRejectsMissingRequiredParams(t *testing.T) {
	registry := NewRegistry()
	m := New(fakeLoader{model: testModel()}, registry, nil, nil, nil, nil)
	err := m.Open(ParamSet{"model_path": "m.bin"}, &fakePipeline{})
	if err == nil {
		t.Fatal("expected ConfigError for missing func_name/postproc_name")
	}
}

func TestOpenAndProcessCPUPreprocPath(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterPreproc("identity", func() batching.Preproc { return fakePreproc{} })
	pp := &fakePostproc{}
	registry.RegisterPostproc("detector", func() engine.Postproc { return pp })

	m := New(fakeLoader{model: testModel()}, registry, nil, nil, nil, nil)
	pipeline := &fakePipeline{}
	err := m.Open(ParamSet{
		"model_path":     "model.bin",
		"func_name":      "subnet0",
		"postproc_name":  "detector",
		"preproc_name":   "identity",
		"batch_size":     "2",
		"infer_interval": "2",
	}, pipeline)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer m.Close()

	h, err := m.OpenProducer()
	if err != nil {
		t.Fatalf("OpenProducer failed: %v", err)
	}

	frames := []*frame.Frame{{ChannelIdx: 1}, {ChannelIdx: 2}, {ChannelIdx: 3}, {ChannelIdx: 4}}
	selfTransmit := true
	for _, f := range frames {
		if ok := m.Process(h, f); !ok {
			selfTransmit = false
		}
	}
	if !selfTransmit {
		t.Fatal("Process must always report self-transmit")
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(pipeline.transmitted()) == 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("not all frames delivered, got %d", len(pipeline.transmitted()))
		case <-time.After(5 * time.Millisecond):
		}
	}

	got := pipeline.transmitted()
	for i, f := range got {
		if f != frames[i] {
			t.Fatalf("delivery order mismatch at %d", i)
		}
	}

	// infer_interval=2: frames 1 and 3 (drop_count 0 for both, since it wraps
	// after each drop) run inference
	// and get a decoded object; frames 2 and 4 are dropped and stay empty.
	if len(frames[0].Objects) != 1 || len(frames[2].Objects) != 1 {
		t.Fatalf("expected frames 1 and 3 to carry inference results")
	}
	if len(frames[1].Objects) != 0 || len(frames[3].Objects) != 0 {
		t.Fatalf("expected frames 2 and 4 to pass through untouched")
	}
}

func TestProcessEOSBypassesEngine(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterPreproc("identity", func() batching.Preproc { return fakePreproc{} })
	pp := &fakePostproc{}
	registry.RegisterPostproc("detector", func() engine.Postproc { return pp })

	m := New(fakeLoader{model: testModel()}, registry, nil, nil, nil, nil)
	pipeline := &fakePipeline{}
	if err := m.Open(ParamSet{
		"model_path":    "model.bin",
		"func_name":     "subnet0",
		"postproc_name": "detector",
		"preproc_name":  "identity",
		"batch_size":    "4",
	}, pipeline); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer m.Close()

	h, err := m.OpenProducer()
	if err != nil {
		t.Fatalf("OpenProducer failed: %v", err)
	}

	eos := &frame.Frame{Flags: frame.FlagEOS}
	m.Process(h, eos)

	deadline := time.After(time.Second)
	for {
		if len(pipeline.transmitted()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("EOS frame never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if pp.calls != 0 {
		t.Fatalf("expected postproc never invoked for a lone EOS frame, got %d calls", pp.calls)
	}
}
