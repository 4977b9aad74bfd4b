package vision

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Status is the enrichment lifecycle state of a tracked object. Transitions
// only move forward: Pending -> Sending -> Done.
type Status string

const (
	// StatusPending means the object is not yet eligible for enrichment or
	// has not yet passed the dispatch gate.
	StatusPending Status = "pending"

	// StatusSending means a crop has been handed to the enrichment worker
	// and the result is outstanding. Entered at most once per object.
	StatusSending Status = "sending"

	// StatusDone means the refined label is final, whether a genuine
	// product label or a terminal failure marker.
	StatusDone Status = "done"
)

// ResultKind tags an enrichment outcome. Code branches on the tag, never on
// label text.
type ResultKind string

const (
	// ResultNone is the zero value before any result has been recorded.
	ResultNone ResultKind = ""

	// ResultSuccess carries a genuine product label.
	ResultSuccess ResultKind = "success"

	// ResultCapacityExhausted is the in-flight signal that a backend's
	// budget is used up. It triggers failover and is never stored on an
	// object: a full rotation of exhausted backends ends as ResultTerminal.
	ResultCapacityExhausted ResultKind = "capacity_exhausted"

	// ResultTerminal marks a failed enrichment. Stored, displayed, never
	// published downstream.
	ResultTerminal ResultKind = "terminal"
)

// Result is the typed outcome of one enrichment task. For ResultSuccess,
// Label holds the product label. For ResultTerminal, Label holds a short
// human-readable marker for display and Reason the underlying cause.
type Result struct {
	Kind   ResultKind
	Label  string
	Reason string
}

// TrackedObject is the lifecycle record for one tracker identity. Owned
// exclusively by the Registry; callers only ever see copies.
type TrackedObject struct {
	// ID is the stable identity assigned by the upstream tracker. Never
	// reused while the object is live.
	ID int64 `json:"id"`

	// CoarseLabel is the detector's class hint ("bottle"). Set at creation,
	// immutable afterwards.
	CoarseLabel string `json:"coarse_label"`

	// RefinedLabel is the enrichment result. Empty until Done; a product
	// label on success, a display marker on terminal failure.
	RefinedLabel string `json:"refined_label,omitempty"`

	// Outcome tags how RefinedLabel was produced.
	Outcome ResultKind `json:"outcome,omitempty"`

	// Status is the enrichment lifecycle state.
	Status Status `json:"status"`

	// PresentFrames counts frames in which the object was detected. It
	// accumulates while the object is present and gates enrichment dispatch.
	PresentFrames int `json:"present_frames"`

	// MissingFrames counts consecutive frames since the last detection.
	// Reset to zero on every detection; past the eviction threshold the
	// object is removed.
	MissingFrames int `json:"missing_frames"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Genuine reports whether the object finished enrichment with a real
// product label. Only genuine objects produce detected/removed events.
func (o *TrackedObject) Genuine() bool {
	return o.Status == StatusDone && o.Outcome == ResultSuccess && o.RefinedLabel != ""
}

// DisplayLabel derives the annotation text for this object. It is a pure
// projection of the lifecycle state:
//
//	Pending        -> coarse label
//	Sending        -> "coarse (pending)"
//	Done, terminal -> "coarse (<failure marker>)"
//	Done, genuine  -> refined label alone
func (o *TrackedObject) DisplayLabel() string {
	switch o.Status {
	case StatusSending:
		return fmt.Sprintf("%s (pending)", o.CoarseLabel)
	case StatusDone:
		if o.Genuine() {
			return o.RefinedLabel
		}
		return fmt.Sprintf("%s (%s)", o.CoarseLabel, o.RefinedLabel)
	default:
		return o.CoarseLabel
	}
}

// Removal reports one evicted object. Genuine removals produce a removed
// event downstream; the full snapshot feeds the track archive.
type Removal struct {
	Object  TrackedObject
	Genuine bool
}

// Registry owns the tracked-object map and its state machine. All access
// goes through synchronized methods; the lock is held only for map work,
// never across a network or recognition call.
type Registry struct {
	mu         sync.RWMutex
	clock      clock.Clock
	maxMissing int
	objects    map[int64]*TrackedObject
}

// NewRegistry creates an empty registry. maxMissing is the eviction
// threshold: objects missing for strictly more frames are removed by
// SweepMissing.
func NewRegistry(maxMissing int, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock:      clk,
		maxMissing: maxMissing,
		objects:    make(map[int64]*TrackedObject),
	}
}

// Observe records a detection of id in the current frame. Creates the
// object on first sight (Pending, zero counts), then increments
// PresentFrames and zeroes MissingFrames. Returns a snapshot and whether
// the object was created now. An id that was evicted earlier and shows up
// again is a brand-new object; there is no re-identification across a
// deletion boundary.
func (r *Registry) Observe(id int64, coarseLabel string) (TrackedObject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	obj, ok := r.objects[id]
	if !ok {
		obj = &TrackedObject{
			ID:          id,
			CoarseLabel: coarseLabel,
			Status:      StatusPending,
			FirstSeen:   now,
		}
		r.objects[id] = obj
		diagf("track %d created (%s)", id, coarseLabel)
	}

	obj.PresentFrames++
	obj.MissingFrames = 0
	obj.LastSeen = now
	return *obj, !ok
}

// MarkSending transitions id from Pending to Sending. Returns false if the
// object is gone or already past Pending, so an object can be dispatched at
// most once.
func (r *Registry) MarkSending(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj, ok := r.objects[id]
	if !ok || obj.Status != StatusPending {
		return false
	}
	obj.Status = StatusSending
	return true
}

// Resolve writes an enrichment result and transitions the object to Done.
// Returns false when the object was evicted while the call was in flight;
// the result is discarded in that case.
func (r *Registry) Resolve(id int64, res Result) (TrackedObject, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj, ok := r.objects[id]
	if !ok {
		return TrackedObject{}, false
	}
	obj.RefinedLabel = res.Label
	obj.Outcome = res.Kind
	obj.Status = StatusDone
	return *obj, true
}

// Contains reports whether id is still tracked.
func (r *Registry) Contains(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.objects[id]
	return ok
}

// SweepMissing advances MissingFrames for every tracked object absent from
// the current frame's detections and evicts those past the threshold.
// Eviction is unconditional; the returned removals tell the caller which
// ones warrant a removed event (genuine results only).
func (r *Registry) SweepMissing(seen map[int64]bool) []Removal {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removals []Removal
	for id, obj := range r.objects {
		if seen[id] {
			continue
		}
		obj.MissingFrames++
		if obj.MissingFrames > r.maxMissing {
			removals = append(removals, Removal{Object: *obj, Genuine: obj.Genuine()})
			delete(r.objects, id)
			diagf("track %d evicted after %d missing frames (%s)", id, obj.MissingFrames, obj.DisplayLabel())
		}
	}
	return removals
}

// GenuineLabels returns the refined labels of every Done object with a
// genuine result. Used by the resync full-resend.
func (r *Registry) GenuineLabels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var labels []string
	for _, obj := range r.objects {
		if obj.Genuine() {
			labels = append(labels, obj.RefinedLabel)
		}
	}
	return labels
}

// Snapshot returns copies of all tracked objects, ordered by id.
func (r *Registry) Snapshot() []TrackedObject {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TrackedObject, 0, len(r.objects))
	for _, obj := range r.objects {
		out = append(out, *obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live tracked objects.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}
