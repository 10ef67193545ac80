// Package module implements the pipeline-facing adapter: it
// validates Open parameters, loads the offline model, wires the chosen
// batching strategy and resource rings into an *engine.Engine, and exposes
// Process/Close over one InferContext per producer.
package module

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/cbw1985/streamvision/pkg/batching"
	"github.com/cbw1985/streamvision/pkg/engine"
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/metrics"
	"github.com/cbw1985/streamvision/pkg/pipelineerr"
	"github.com/cbw1985/streamvision/pkg/task"
	"github.com/cbw1985/streamvision/pkg/telemetry"
	"github.com/cbw1985/streamvision/pkg/ticket"
	"github.com/cbw1985/streamvision/pkg/transdata"
)

// ModelLoader loads the offline model binary named by cfg.ModelPath/FuncName
// and returns its descriptor plus a ready ModelRunner bound to cfg.DeviceID.
// The concrete model-loader/accelerator-dispatch implementation is out of
// scope; a deployment injects its own.
type ModelLoader interface {
	Load(cfg Config) (*frame.ModelDescriptor, engine.ModelRunner, error)
}

// Pipeline is the surrounding container surface the module reports into
// PostEvent for the shared event bus, TransmitData for the
// self-transmit sentinel's actual downstream hand-off.
type Pipeline interface {
	PostEvent(kind, msg string)
	TransmitData(f *frame.Frame)
}

const (
	ringDepth = 2 // number of in-flight batches the input/output rings admit
	poolSize  = 4
	poolQueue = 64
)

// Module is the inference module adapter. One Module serves one model
// configuration; each producer goroutine obtains its own ProducerHandle.
type Module struct {
	modelLoader ModelLoader
	registry    *Registry
	deviceAlloc ticket.DeviceAllocator
	rcExecutor  RCExecutor
	devCopier   batching.DeviceCopier
	logger      *zap.Logger

	cfg      Config
	model    *frame.ModelDescriptor
	runner   engine.ModelRunner
	postproc engine.Postproc
	pipeline Pipeline

	metrics        *metrics.Metrics
	metricsChannel string
	tracer         *telemetry.Provider

	pool       *task.Pool
	poolCancel func()

	mu      sync.Mutex
	handles []*ProducerHandle
}

// New constructs an unopened Module. rcExecutor/devCopier may be nil if the
// deployment only ever uses preproc_name (host pre-processing); deviceAlloc
// may be nil under the same condition.
func New(modelLoader ModelLoader, registry *Registry, deviceAlloc ticket.DeviceAllocator, rcExecutor RCExecutor, devCopier batching.DeviceCopier, logger *zap.Logger) *Module {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Module{
		modelLoader: modelLoader,
		registry:    registry,
		deviceAlloc: deviceAlloc,
		rcExecutor:  rcExecutor,
		devCopier:   devCopier,
		logger:      logger,
	}
}

// SetMetrics attaches Prometheus instrumentation; every engine created by a
// later OpenProducer call records into it under the given channel label.
func (m *Module) SetMetrics(metricsClient *metrics.Metrics, channel string) {
	m.metrics = metricsClient
	m.metricsChannel = channel
}

// SetTracer attaches OpenTelemetry span production; every engine created by
// a later OpenProducer call uses it.
func (m *Module) SetTracer(t *telemetry.Provider) {
	m.tracer = t
}

// Open validates params, loads the model, resolves the post-processor and
// starts the shared worker pool; resource rings and the batching stage are
// built per producer by OpenProducer. Unknown parameters are
// logged as warnings, not failures; missing required parameters return a
// ConfigError.
func (m *Module) Open(params ParamSet, pipeline Pipeline) error {
	cfg, warnings, err := parseParams(params)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		m.logger.Warn("module: " + w)
	}

	model, runner, err := m.modelLoader.Load(*cfg)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.ModelLoadError, "Open", "model load failed", err)
	}
	if model.BatchSize > 0 {
		// Platforms where the model pins its batch dimension override the
		// host-requested batch_size.
		cfg.BatchSize = model.BatchSize
	}

	postproc, err := m.registry.CreatePostproc(cfg.PostprocName)
	if err != nil {
		return pipelineerr.Wrap(pipelineerr.ModelLoadError, "Open", "postproc lookup failed", err)
	}
	if cfg.HasPostprocThreshold {
		if setter, ok := postproc.(ThresholdSetter); ok {
			setter.SetThreshold(cfg.PostprocThreshold)
		}
	}

	m.cfg = *cfg
	m.model = model
	m.runner = runner
	m.postproc = postproc
	m.pipeline = pipeline

	ctx, cancel := context.WithCancel(context.Background())
	m.pool = task.NewPool(ctx, poolSize, poolQueue)
	m.poolCancel = cancel

	return nil
}

// buildStage constructs fresh resource rings and a batching stage for one
// ProducerHandle's engine, per cfg.PreprocName: host
// pre-processing when named, device resize+convert otherwise.
func (m *Module) buildStage() (batching.Stage, *ticket.Ring[ticket.IOResValue], *ticket.Ring[ticket.IOResValue], error) {
	if m.cfg.PreprocName != "" {
		preproc, err := m.registry.CreatePreproc(m.cfg.PreprocName)
		if err != nil {
			return nil, nil, nil, pipelineerr.Wrap(pipelineerr.ModelLoadError, "Open", "preproc lookup failed", err)
		}
		inputRes, err := ticket.NewCpuInputResource(m.model, ringDepth)
		if err != nil {
			return nil, nil, nil, pipelineerr.Wrap(pipelineerr.ResourceExhausted, "Open", "input resource allocation failed", err)
		}
		outputRes, err := ticket.NewCpuOutputResource(m.model, ringDepth)
		if err != nil {
			return nil, nil, nil, pipelineerr.Wrap(pipelineerr.ResourceExhausted, "Open", "output resource allocation failed", err)
		}
		stage := batching.NewCPUPreprocessingStage(m.cfg.BatchSize, inputRes, preproc)
		return stage, inputRes, outputRes, nil
	}

	if m.deviceAlloc == nil || m.rcExecutor == nil {
		return nil, nil, nil, pipelineerr.New(pipelineerr.ConfigError, "Open",
			"preproc_name absent requires a device allocator and RCExecutor to be configured")
	}
	inputRes, err := ticket.NewDeviceInputResource(m.model, ringDepth, m.deviceAlloc)
	if err != nil {
		return nil, nil, nil, pipelineerr.Wrap(pipelineerr.ResourceExhausted, "Open", "device input resource allocation failed", err)
	}
	outputRes, err := ticket.NewDeviceOutputResource(m.model, ringDepth, m.deviceAlloc)
	if err != nil {
		return nil, nil, nil, pipelineerr.Wrap(pipelineerr.ResourceExhausted, "Open", "device output resource allocation failed", err)
	}
	rc := batching.NewResizeConvertStage(ticket.NewRCOpResource(m.deviceAlloc), m.model.InputShapes[0].W, m.model.InputShapes[0].H, m.cfg.BatchSize)
	stage := newRCInputStage(rc, inputRes, m.rcExecutor)
	return stage, inputRes, outputRes, nil
}

// OpenProducer mints a new ProducerHandle: its own Engine (own rings,
// batching stage) plus its own delivery helper. Called once per producer
// goroutine, matching the "one InferContext per producer thread,
// created on first use" lifecycle — made explicit here rather than keyed off
// goroutine identity (see DESIGN.md).
func (m *Module) OpenProducer() (*ProducerHandle, error) {
	stage, inputRes, outputRes, err := m.buildStage()
	if err != nil {
		return nil, err
	}

	eng := engine.New(engine.Config{BatchSize: m.cfg.BatchSize, BatchingTimeout: m.cfg.BatchingTimeout}, stage, inputRes, outputRes, m.runner, m.postproc, m.pool, m.logger)
	eng.SetEventPoster(pipelineEventAdapter{m.pipeline})
	eng.SetErrorCallback(func(msg string) {
		m.logger.Error("module: engine fatal error: " + msg)
	})
	if m.metrics != nil {
		eng.SetMetrics(m.metrics, m.metricsChannel)
	}
	if m.tracer != nil {
		eng.SetTracer(m.tracer)
	}

	helper := transdata.New(transmitAdapter{m.pipeline}, poolQueue, nil)

	h := &ProducerHandle{
		engine:        eng,
		helper:        helper,
		inferInterval: m.cfg.InferInterval,
	}

	m.mu.Lock()
	m.handles = append(m.handles, h)
	m.mu.Unlock()

	return h, nil
}

// Process implements the module's Process: EOS and interval-dropped
// frames are pre-fulfilled directly, bypassing engine.FeedData entirely
// (the engine never sees them); every other frame is fed to the engine.
// Every frame, regardless of path, is submitted to the delivery helper so
// downstream sees strict per-producer ordering. Always returns true: this
// module self-transmits, so the surrounding pipeline must not also forward
// the frame.
func (m *Module) Process(h *ProducerHandle, f *frame.Frame) bool {
	eos := f.IsEOS()
	drop := h.shouldDrop()

	var card *engine.ResultWaitingCard
	if eos || drop {
		card = engine.NewFulfilledCard(0)
	} else {
		card = h.engine.FeedData(f)
	}
	h.helper.Submit(f, card)
	return true
}

// Close tears down every outstanding producer's engine/helper and stops
// the shared worker pool. Handles are torn down in reverse-insertion
// order, the one ordering guarantee a slice gives that a map does not.
func (m *Module) Close() {
	m.mu.Lock()
	handles := m.handles
	m.handles = nil
	m.mu.Unlock()

	for i := len(handles) - 1; i >= 0; i-- {
		handles[i].helper.Close()
	}
	if m.poolCancel != nil {
		m.poolCancel()
	}
	if m.pool != nil {
		m.pool.Close()
	}
}

type pipelineEventAdapter struct{ p Pipeline }

func (a pipelineEventAdapter) PostEvent(kind, msg string) {
	if a.p != nil {
		a.p.PostEvent(kind, msg)
	}
}

type transmitAdapter struct{ p Pipeline }

func (a transmitAdapter) TransmitData(f *frame.Frame) {
	if a.p != nil {
		a.p.TransmitData(f)
	}
}
