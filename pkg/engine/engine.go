// Package engine implements the orchestration core of the inference subsystem: it
// turns a strictly ordered stream of frames into a strictly ordered stream
// of fulfilled ResultWaitingCards, batching for accelerator throughput
// while bounding any single frame's latency by the batching timeout.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cbw1985/streamvision/pkg/batching"
	"github.com/cbw1985/streamvision/pkg/frame"
	"github.com/cbw1985/streamvision/pkg/metrics"
	"github.com/cbw1985/streamvision/pkg/pipelineerr"
	"github.com/cbw1985/streamvision/pkg/task"
	"github.com/cbw1985/streamvision/pkg/telemetry"
	"github.com/cbw1985/streamvision/pkg/ticket"
)

// ModelRunner executes the loaded offline model over one filled batch. The
// concrete model-loader/accelerator-dispatch implementation is out of
// scope; a deployment injects its own.
type ModelRunner interface {
	Run(input, output *ticket.IOResValue, count int) error
}

// Postproc decodes one frame's slot of a committed output batch into that
// frame's object list (bounding boxes, attributes, feature vectors).
type Postproc interface {
	Decode(output *ticket.IOResValue, batchIdx int, f *frame.Frame) error
}

// Config fixes an engine's batching policy.
type Config struct {
	BatchSize       int
	BatchingTimeout time.Duration
}

// ErrorCallback is invoked once per fatal in-flight failure: an
// InvariantViolation, or a TransientDeviceError re-raised as one, posted
// here from whichever task observed it.
type ErrorCallback func(msg string)

// EventPoster mirrors the error callback onto the surrounding pipeline's
// event bus, matching the module contract's PostEvent surface.
type EventPoster interface {
	PostEvent(kind, msg string)
}

// batchState is the set of frames currently accumulating into one input
// IOResValue slot.
type batchState struct {
	frames       []*frame.Frame
	cards        []*ResultWaitingCard
	preprocTasks []*task.Task
}

// Engine is the InferEngine. It holds no lock over its own
// object beyond the small batchState critical section; all other
// concurrency is task-graph-based.
type Engine struct {
	cfg Config

	preproc   batching.Stage
	inputRes  *ticket.Ring[ticket.IOResValue]
	outputRes *ticket.Ring[ticket.IOResValue]
	runner    ModelRunner
	postproc  Postproc
	pool      *task.Pool

	onError ErrorCallback
	events  EventPoster
	logger  *zap.Logger

	channel string
	metrics *metrics.Metrics
	tracer  *telemetry.Provider

	Stats Stats

	mu    sync.Mutex // guards cur/timer only; never held across a task's execution
	cur   *batchState
	timer *time.Timer
}

// New constructs an Engine. pool is shared with other components of the
// same module instance; the engine only submits tasks to it, it does not
// own its lifecycle.
func New(cfg Config, preproc batching.Stage, inputRes, outputRes *ticket.Ring[ticket.IOResValue], runner ModelRunner, postproc Postproc, pool *task.Pool, logger *zap.Logger) *Engine {
	if cfg.BatchingTimeout <= 0 {
		cfg.BatchingTimeout = 3000 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		preproc:   preproc,
		inputRes:  inputRes,
		outputRes: outputRes,
		runner:    runner,
		postproc:  postproc,
		pool:      pool,
		logger:    logger,
	}
}

// SetErrorCallback installs the fatal-error callback.
func (e *Engine) SetErrorCallback(cb ErrorCallback) { e.onError = cb }

// SetEventPoster installs the pipeline event-bus mirror.
func (e *Engine) SetEventPoster(p EventPoster) { e.events = p }

// SetMetrics installs the Prometheus collectors this engine reports batch
// fill/infer-duration/fatal-error observations to. Optional; nil (the
// default) disables instrumentation.
func (e *Engine) SetMetrics(m *metrics.Metrics, channel string) {
	e.metrics = m
	e.channel = channel
}

// SetTracer installs the OpenTelemetry span provider for this engine's
// commit path. Optional; nil (the default) disables tracing.
func (e *Engine) SetTracer(t *telemetry.Provider) { e.tracer = t }

// FeedData enqueues f into the current open batch and returns a card for
// its eventual result. Synchronous: the producer thread
// never blocks on inference itself, only on resource tickets inside the
// batching stage's own WaitResourceByTicket, if the ring is momentarily
// exhausted.
func (e *Engine) FeedData(f *frame.Frame) *ResultWaitingCard {
	atomic.AddInt64(&e.Stats.FramesFed, 1)
	if e.metrics != nil {
		e.metrics.RecordFeed(e.channel)
	}

	if f.IsEOS() {
		return e.feedEOS(f)
	}

	e.mu.Lock()
	if e.cur == nil {
		e.cur = &batchState{}
		e.armWatchdogLocked()
	}

	card := newCard()
	e.cur.frames = append(e.cur.frames, f)
	e.cur.cards = append(e.cur.cards, card)

	if pt, ok := e.preproc.Batching(f); ok {
		e.cur.preprocTasks = append(e.cur.preprocTasks, pt)
		e.pool.Submit(pt)
	}

	var committing *batchState
	if len(e.cur.frames) == e.cfg.BatchSize {
		e.stopWatchdogLocked()
		committing = e.cur
		e.cur = nil
	}
	e.mu.Unlock()

	if committing != nil {
		e.commit(committing, false)
	}
	return card
}

// feedEOS commits whatever partial batch is open, then returns a
// pre-fulfilled card for the EOS frame itself — no model execution runs on
// an EOS frame.
func (e *Engine) feedEOS(f *frame.Frame) *ResultWaitingCard {
	atomic.AddInt64(&e.Stats.EOSFrames, 1)

	e.mu.Lock()
	committing := e.cur
	e.cur = nil
	if committing != nil {
		e.stopWatchdogLocked()
	}
	e.mu.Unlock()

	if committing != nil {
		e.commit(committing, true)
	}

	card := newCard()
	card.fulfil(0)
	return card
}

// armWatchdogLocked starts the batching-timeout clock, anchored to the
// first frame of this batch rather than reset on every FeedData: a steady
// trickle of frames arriving just under the timeout would otherwise defer
// commit indefinitely.
// Caller must hold the engine's state lock.
func (e *Engine) armWatchdogLocked() {
	e.timer = time.AfterFunc(e.cfg.BatchingTimeout, e.onTimeout)
}

// stopWatchdogLocked cancels the pending timeout. Caller must hold the
// engine's state lock.
func (e *Engine) stopWatchdogLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// onTimeout forces commit of whatever batch is still open when the
// watchdog fires. If the batch already completed between the timer firing
// and this goroutine acquiring the lock, there is nothing to do.
func (e *Engine) onTimeout() {
	e.mu.Lock()
	committing := e.cur
	e.cur = nil
	e.timer = nil
	e.mu.Unlock()

	if committing == nil {
		return
	}
	e.commit(committing, true)
}

// commit chains the inference task (waiting on every preprocessing task of
// this batch) and one postprocessing task per frame (waiting on the
// inference task).
func (e *Engine) commit(b *batchState, partial bool) {
	atomic.AddInt64(&e.Stats.BatchesCommitted, 1)
	if partial {
		atomic.AddInt64(&e.Stats.PartialBatches, 1)
	}

	count := len(b.frames)

	// CommitBatch names the input slot this batch's frames actually landed
	// in (the batching stage's own ticket bookkeeping, not an
	// engine-tracked counter — the two only stayed in sync by coincidence
	// while every batch happened to be full) and resets the stage's
	// per-batch state for whatever comes next. On a forced partial commit
	// against an on-device batching strategy that defers its work until
	// full, flush is the kernel task that pads and drains it now; nil
	// otherwise, since the per-frame tasks already cover a full batch.
	flush, inSlot := e.preproc.CommitBatch(partial)
	if flush != nil {
		b.preprocTasks = append(b.preprocTasks, flush)
		e.pool.Submit(flush)
	}

	outTicket := e.outputRes.PickUpTicket(false)

	inferTask := task.New(func() int {
		inVal := e.inputRes.ValueAt(inSlot)
		tt := outTicket
		outVal := e.outputRes.WaitResourceByTicket(&tt)

		start := time.Now()
		err := e.runner.Run(inVal, outVal, count)
		runDuration := time.Since(start)
		if e.metrics != nil {
			e.metrics.RecordCommit(e.channel, count, e.cfg.BatchSize, runDuration)
		}
		if e.tracer != nil {
			_, span := e.tracer.StartInfer(context.Background(), e.channel, count)
			telemetry.RecordBatch(span, e.cfg.BatchSize, count, runDuration)
			span.End()
		}

		// The input slot is only now safe to recycle: every preprocessing
		// task has already run (this task waited on all of them) and
		// inference has finished reading it. See pkg/batching's
		// ioBatchingStage doc comment for why the per-frame task itself
		// does not release it.
		e.inputRes.ReleaseSlot(inSlot)
		if err != nil {
			e.fail(pipelineerr.Wrap(pipelineerr.TransientDeviceError, "Engine.commit", "model run failed", err))
			return 1
		}
		return 0
	})
	for _, pt := range b.preprocTasks {
		inferTask.BindFrontTask(pt)
	}
	e.pool.Submit(inferTask)

	postprocTasks := make([]*task.Task, count)
	for i := 0; i < count; i++ {
		idx := i
		f := b.frames[i]
		card := b.cards[i]
		pt := task.New(func() int {
			tt := outTicket
			outVal := e.outputRes.WaitResourceByTicket(&tt)
			status := 0
			if err := e.postproc.Decode(outVal, idx, f); err != nil {
				e.fail(pipelineerr.Wrap(pipelineerr.InvariantViolation, "Engine.commit", "postproc decode failed", err))
				status = 1
			}
			card.fulfil(status)
			return status
		})
		pt.BindFrontTask(inferTask)
		postprocTasks[i] = pt
		e.pool.Submit(pt)
	}

	release := task.New(func() int {
		e.outputRes.DeallingDone(outTicket)
		return 0
	})
	for _, pt := range postprocTasks {
		release.BindFrontTask(pt)
	}
	e.pool.Submit(release)
}

// fail invokes the error callback and mirrors it to the event bus, per
// InvariantViolation and re-raised TransientDeviceError are
// fatal to the engine's context.
func (e *Engine) fail(err error) {
	atomic.AddInt64(&e.Stats.FatalErrors, 1)
	e.logger.Error("inference engine fatal error", zap.Error(err))
	if e.metrics != nil {
		op := "Engine.commit"
		var perr *pipelineerr.Error
		if errors.As(err, &perr) {
			op = perr.Op
		}
		e.metrics.RecordFatalError(op)
	}
	msg := err.Error()
	if e.onError != nil {
		e.onError(msg)
	}
	if e.events != nil {
		e.events.PostEvent("ERROR", msg)
	}
}
