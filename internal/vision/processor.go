package vision

import (
	"reflect"
	"sync"

	"github.com/keystone-vision/shelfwatch/internal/detect"
)

// isNilInterface checks if an interface value is nil or contains a nil pointer.
// This handles the Go interface nil pitfall where interface{} != nil but the underlying value is nil.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// ProcessorConfig wires the frame processor's collaborators. Registry,
// Quota and Worker are required; Publisher and Journal are optional sinks.
type ProcessorConfig struct {
	Registry  *Registry
	Quota     *QuotaTracker
	Worker    *EnrichmentWorker
	Publisher EventSink    // Optional: downstream event channel
	Journal   TrackArchive // Optional: audit journal

	// StabilityFrames is the dispatch gate: an object must have been
	// present for strictly more frames before its crop is enqueued.
	StabilityFrames int

	// MinBoxPx filters tiny detections: both box dimensions must strictly
	// exceed this many pixels to qualify for enrichment.
	MinBoxPx int
}

// Annotation is the display projection for one detection in the current
// frame: box plus derived label text. Pure output; never state.
type Annotation struct {
	ID   int64      `json:"id"`
	Box  detect.Box `json:"box"`
	Text string     `json:"text"`
}

// FrameSummary reports what one frame's processing did.
type FrameSummary struct {
	Seq         int64
	Detections  int
	Tracked     int
	Dispatched  int
	Evicted     int
	Annotations []Annotation
}

// ProcessorTotals are cumulative counters across all processed frames.
type ProcessorTotals struct {
	Frames     int64 `json:"frames"`
	Detections int64 `json:"detections"`
	Dispatched int64 `json:"dispatched"`
	Evicted    int64 `json:"evicted"`
	Removals   int64 `json:"removals_published"`
	Panics     int64 `json:"frame_panics"`
}

// FrameProcessor is the per-frame orchestrator: it feeds detections into
// the registry, applies the enrichment dispatch gate, sweeps out departed
// objects, and derives the frame's annotations. It runs on the single
// frame-consumer goroutine; the worker writes results back concurrently
// through the registry's own lock.
type FrameProcessor struct {
	registry  *Registry
	quota     *QuotaTracker
	worker    *EnrichmentWorker
	publisher EventSink
	journal   TrackArchive

	stability int
	minBox    int

	mu     sync.Mutex
	totals ProcessorTotals
}

// NewFrameProcessor builds a processor from config. Optional sinks that
// are nil (or typed nil) are disabled.
func NewFrameProcessor(cfg ProcessorConfig) *FrameProcessor {
	p := &FrameProcessor{
		registry:  cfg.Registry,
		quota:     cfg.Quota,
		worker:    cfg.Worker,
		stability: cfg.StabilityFrames,
		minBox:    cfg.MinBoxPx,
	}
	// Use isNilInterface to handle the Go interface nil pitfall for the
	// optional sinks.
	if !isNilInterface(cfg.Publisher) {
		p.publisher = cfg.Publisher
	}
	if !isNilInterface(cfg.Journal) {
		p.journal = cfg.Journal
	}
	return p
}

// ProcessFrame runs one frame through the lifecycle. Any panic inside is
// contained and logged; the frame becomes a no-op and the registry stays
// consistent for the next one.
func (p *FrameProcessor) ProcessFrame(frame detect.Frame) (summary FrameSummary) {
	defer func() {
		if rec := recover(); rec != nil {
			opsf("frame %d processing panicked: %v", frame.Seq, rec)
			p.mu.Lock()
			p.totals.Panics++
			p.mu.Unlock()
		}
	}()

	summary.Seq = frame.Seq
	summary.Detections = len(frame.Detections)
	seen := make(map[int64]bool, len(frame.Detections))

	// Stage 1: presence update and dispatch gate, one pass over the
	// frame's detections.
	for _, det := range frame.Detections {
		if det.Label == "" {
			tracef("frame %d: unlabeled detection %d skipped", frame.Seq, det.TrackID)
			continue
		}
		if seen[det.TrackID] {
			tracef("frame %d: duplicate detection for track %d skipped", frame.Seq, det.TrackID)
			continue
		}
		seen[det.TrackID] = true

		obj, _ := p.registry.Observe(det.TrackID, det.Label)

		// Stage 2: stability + size + quota gate. Capacity is reserved
		// here, before the call happens, so a burst of same-frame objects
		// cannot all pass the gate on the same free slot.
		if p.shouldDispatch(obj, det.Box) {
			if p.dispatch(frame, det) {
				summary.Dispatched++
				obj.Status = StatusSending
			}
		}

		summary.Annotations = append(summary.Annotations, Annotation{
			ID:   det.TrackID,
			Box:  det.Box,
			Text: obj.DisplayLabel(),
		})
	}

	// Stage 3: sweep objects absent from this frame; evictions past the
	// threshold emit removed events for genuine labels only.
	removals := p.registry.SweepMissing(seen)
	summary.Evicted = len(removals)
	for _, rm := range removals {
		p.handleRemoval(rm)
	}

	summary.Tracked = p.registry.Count()

	p.mu.Lock()
	p.totals.Frames++
	p.totals.Detections += int64(summary.Detections)
	p.totals.Dispatched += int64(summary.Dispatched)
	p.totals.Evicted += int64(summary.Evicted)
	p.mu.Unlock()

	tracef("frame %d: %d detections, %d tracked, %d dispatched, %d evicted",
		frame.Seq, summary.Detections, summary.Tracked, summary.Dispatched, summary.Evicted)
	return summary
}

// shouldDispatch evaluates the enrichment gate for a Pending object. Every
// clause must hold at this instant; failing any leaves the object Pending
// for a later frame.
func (p *FrameProcessor) shouldDispatch(obj TrackedObject, box detect.Box) bool {
	if obj.Status != StatusPending {
		return false
	}
	if obj.PresentFrames <= p.stability {
		return false
	}
	if box.Width() <= p.minBox || box.Height() <= p.minBox {
		return false
	}
	if !p.worker.HasCapacity() {
		tracef("track %d stable but queue full, gate retried later", obj.ID)
		return false
	}
	if !p.quota.CanCallNow() {
		tracef("track %d stable but quota saturated, gate retried later", obj.ID)
		return false
	}
	return true
}

// dispatch reserves quota, transitions the object to Sending and hands the
// crop to the worker. Reservation happens first: it is the single record
// for this call, the worker never adds another.
func (p *FrameProcessor) dispatch(frame detect.Frame, det detect.Detection) bool {
	p.quota.RecordCall()

	if !p.registry.MarkSending(det.TrackID) {
		// Only the frame path moves Pending to Sending, so this does not
		// happen in normal operation.
		opsf("track %d vanished between gate and dispatch", det.TrackID)
		return false
	}

	crop := detect.Crop(frame.Image, det.Box)
	if !p.worker.Enqueue(Task{ID: det.TrackID, Crop: crop, Hint: det.Label}) {
		opsf("enrichment queue rejected track %d after capacity check", det.TrackID)
		return false
	}

	diagf("track %d (%s) dispatched for enrichment after %d frames", det.TrackID, det.Label, frame.Seq)
	return true
}

// handleRemoval archives the finished lifecycle and publishes the removed
// event when the object had a genuine label.
func (p *FrameProcessor) handleRemoval(rm Removal) {
	if p.journal != nil {
		if err := p.journal.ArchiveTrack(rm.Object); err != nil {
			opsf("archive track %d: %v", rm.Object.ID, err)
		}
	}

	if !rm.Genuine {
		return
	}

	if p.journal != nil {
		if err := p.journal.RecordRemoved(rm.Object.ID, rm.Object.RefinedLabel); err != nil {
			opsf("journal removed event for track %d: %v", rm.Object.ID, err)
		}
	}
	if p.publisher != nil && p.publisher.Connected() {
		p.publisher.PublishRemoved(rm.Object.RefinedLabel)
	}

	p.mu.Lock()
	p.totals.Removals++
	p.mu.Unlock()
}

// Resync republishes a detected event for every genuine object currently
// tracked. Called when a downstream consumer reconnects and asks for a
// full picture. Returns the number of events sent.
func (p *FrameProcessor) Resync() int {
	if p.publisher == nil || !p.publisher.Connected() {
		return 0
	}
	labels := p.registry.GenuineLabels()
	for _, label := range labels {
		p.publisher.PublishDetected(label, 1)
	}
	if len(labels) > 0 {
		opsf("resync republished %d detected events", len(labels))
	}
	return len(labels)
}

// Totals returns a snapshot of the cumulative frame counters.
func (p *FrameProcessor) Totals() ProcessorTotals {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totals
}
