package vision

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Terminal failure markers stored in RefinedLabel for display. The tagged
// Outcome decides behavior; these strings are presentation only.
const (
	markerRecognitionError  = "recognition error"
	markerRecognitionFailed = "recognition failed"
)

// Task is one unit of enrichment work: the crop and hint for a tracked
// object. Created by the frame processor, consumed exactly once by the
// worker; the processor keeps no reference after handing it over.
type Task struct {
	ID   int64
	Crop image.Image
	Hint string
}

// EventSink is the outbound notification channel consumed by the worker
// and the frame processor. Implemented by publish.Publisher.
type EventSink interface {
	PublishDetected(name string, quantity int)
	PublishRemoved(name string)
	Connected() bool
}

// TrackArchive records lifecycle events for audit and monitoring.
// Implemented by journal.Journal.
type TrackArchive interface {
	RecordDetected(objectID int64, label string, quantity int) error
	RecordRemoved(objectID int64, label string) error
	ArchiveTrack(obj TrackedObject) error
}

// WorkerConfig wires the enrichment worker's collaborators. Publisher,
// Journal and OnLatency are optional.
type WorkerConfig struct {
	Registry   *Registry
	Quota      *QuotaTracker
	Rotation   *BackendRotation
	Recognizer Recognizer
	Publisher  EventSink
	Journal    TrackArchive

	// Clock drives cooldown waits; defaults to the wall clock.
	Clock clock.Clock

	// Cooldown is the fixed wait applied while quota is saturated and
	// after a capacity-exhausted response before switching backends.
	Cooldown time.Duration

	// CallTimeout is the per-recognition-call deadline.
	CallTimeout time.Duration

	// QueueSize bounds the task queue.
	QueueSize int

	// OnLatency, when set, receives the duration of every completed
	// recognition call.
	OnLatency func(time.Duration)
}

// EnrichmentWorker is the single background consumer of enrichment tasks.
// It serializes recognition calls through the quota tracker and backend
// rotation and writes typed results back into the registry.
type EnrichmentWorker struct {
	registry   *Registry
	quota      *QuotaTracker
	rotation   *BackendRotation
	recognizer Recognizer
	publisher  EventSink
	journal    TrackArchive
	clock      clock.Clock
	cooldown   time.Duration
	timeout    time.Duration
	onLatency  func(time.Duration)

	queue  chan Task
	stopCh chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewEnrichmentWorker builds a worker from config. Start must be called
// before tasks are processed.
func NewEnrichmentWorker(cfg WorkerConfig) *EnrichmentWorker {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	w := &EnrichmentWorker{
		registry:   cfg.Registry,
		quota:      cfg.Quota,
		rotation:   cfg.Rotation,
		recognizer: cfg.Recognizer,
		clock:      clk,
		cooldown:   cfg.Cooldown,
		timeout:    cfg.CallTimeout,
		onLatency:  cfg.OnLatency,
		queue:      make(chan Task, queueSize),
		stopCh:     make(chan struct{}),
	}
	// Use isNilInterface to handle the Go interface nil pitfall for the
	// optional sinks.
	if !isNilInterface(cfg.Publisher) {
		w.publisher = cfg.Publisher
	}
	if !isNilInterface(cfg.Journal) {
		w.journal = cfg.Journal
	}
	return w
}

// Start launches the consumer goroutine.
func (w *EnrichmentWorker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.stopCh:
				return
			case task := <-w.queue:
				w.process(ctx, task)
			}
		}
	}()
}

// Stop shuts the worker down. The current task is abandoned: its in-flight
// recognition call is cancelled through the call context. Queued tasks are
// dropped.
func (w *EnrichmentWorker) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		if w.cancel != nil {
			w.cancel()
		}
	})
	w.wg.Wait()
}

// HasCapacity reports whether the queue can take another task. With the
// frame path as sole producer the answer stays valid until it enqueues.
func (w *EnrichmentWorker) HasCapacity() bool {
	return len(w.queue) < cap(w.queue)
}

// QueueDepth returns the number of tasks waiting.
func (w *EnrichmentWorker) QueueDepth() int {
	return len(w.queue)
}

// Enqueue hands a task to the worker without blocking. Returns false when
// the queue is full.
func (w *EnrichmentWorker) Enqueue(task Task) bool {
	select {
	case w.queue <- task:
		return true
	default:
		return false
	}
}

// process runs one task to completion. A panic in the recognizer or any
// sink is contained here so the worker loop survives (the task is dropped).
func (w *EnrichmentWorker) process(ctx context.Context, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			opsf("enrichment task for track %d panicked: %v", task.ID, rec)
		}
	}()

	// The object may have left the frame while the task sat in the queue.
	if !w.registry.Contains(task.ID) {
		diagf("track %d gone before enrichment started, task skipped", task.ID)
		return
	}

	res, done := w.recognize(ctx, task)
	if !done {
		return // shutdown while waiting or calling
	}
	w.finish(task, res)
}

// recognize runs the bounded retry loop: at most one full rotation of
// backends. Quota saturation pauses the loop without consuming an attempt;
// a capacity-exhausted answer from the backend itself costs one attempt and
// rotates. Any other backend error is terminal immediately. Returns
// done=false when shutdown interrupted the task.
func (w *EnrichmentWorker) recognize(ctx context.Context, task Task) (Result, bool) {
	attempts := 0
	budget := w.rotation.Len()

	for attempts < budget {
		// The dispatch-time reservation for this task is already in the
		// window; this guards against saturation by newer dispatches.
		if !w.quota.CanCallNow() {
			tracef("quota saturated, cooling down before track %d", task.ID)
			if !w.wait() {
				return Result{}, false
			}
			continue
		}

		backend := w.rotation.Current()
		start := w.clock.Now()
		callCtx, cancel := context.WithTimeout(ctx, w.timeout)
		label, err := w.recognizer.Recognize(callCtx, backend, task.Crop, task.Hint)
		cancel()
		if w.onLatency != nil {
			w.onLatency(w.clock.Since(start))
		}

		switch {
		case err == nil:
			diagf("track %d refined to %q via %s", task.ID, label, backend)
			return Result{Kind: ResultSuccess, Label: label}, true

		case errors.Is(err, ErrCapacityExhausted):
			attempts++
			opsf("backend %s capacity exhausted (attempt %d/%d)", backend, attempts, budget)
			if !w.wait() {
				return Result{}, false
			}
			// Advance exactly once per capacity signal; after a full
			// rotation the cursor is back where this task started.
			w.rotation.Advance()

		case ctx.Err() != nil:
			// Shutdown cancelled the call mid-flight; abandon the task.
			return Result{}, false

		default:
			opsf("backend %s failed for track %d: %v", backend, task.ID, err)
			return Result{
				Kind:   ResultTerminal,
				Label:  markerRecognitionError,
				Reason: err.Error(),
			}, true
		}
	}

	return Result{
		Kind:   ResultTerminal,
		Label:  markerRecognitionFailed,
		Reason: "all backends exhausted",
	}, true
}

// finish writes the result back and emits the detected event for genuine
// labels. Results for since-evicted objects are discarded.
func (w *EnrichmentWorker) finish(task Task, res Result) {
	obj, ok := w.registry.Resolve(task.ID, res)
	if !ok {
		diagf("track %d evicted during enrichment, result discarded", task.ID)
		return
	}

	if res.Kind != ResultSuccess {
		return
	}

	if w.journal != nil {
		if err := w.journal.RecordDetected(obj.ID, res.Label, 1); err != nil {
			opsf("journal detected event for track %d: %v", obj.ID, err)
		}
	}
	if w.publisher != nil && w.publisher.Connected() {
		w.publisher.PublishDetected(res.Label, 1)
	}
}

// wait sleeps for the cooldown, returning false if shutdown arrived first.
func (w *EnrichmentWorker) wait() bool {
	if w.cooldown <= 0 {
		return true
	}
	select {
	case <-w.clock.After(w.cooldown):
		return true
	case <-w.stopCh:
		return false
	}
}
