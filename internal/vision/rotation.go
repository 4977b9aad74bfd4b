package vision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoBackends is returned when startup probing leaves zero usable
// backends. The caller is expected to refuse to start.
var ErrNoBackends = errors.New("vision: no usable recognition backends")

// BackendRotation holds the startup-probed, fixed-order list of backend ids
// with a cursor. The cursor advances circularly and only when the active
// backend signals capacity exhaustion; other error classes never rotate.
type BackendRotation struct {
	mu       sync.Mutex
	backends []string
	idx      int
}

// NewBackendRotation builds a rotation over an already-validated backend
// list. Most callers should use ProbeBackends instead.
func NewBackendRotation(backends []string) (*BackendRotation, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	return &BackendRotation{backends: append([]string(nil), backends...)}, nil
}

// Current returns the active backend id.
func (r *BackendRotation) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backends[r.idx]
}

// Advance moves the cursor to the next backend, wrapping after the last.
func (r *BackendRotation) Advance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idx = (r.idx + 1) % len(r.backends)
}

// Len returns the number of usable backends.
func (r *BackendRotation) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.backends)
}

// Backends returns a copy of the probed backend list in rotation order.
func (r *BackendRotation) Backends() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.backends...)
}

// ProbeBackends checks every candidate against the recognizer and builds
// the rotation from the survivors, preserving candidate order.
//
// A candidate is excluded only when the probe reports ErrBackendNotFound;
// it never gets another chance. Any other probe error (including capacity
// exhaustion) keeps the candidate: the backend exists, it is merely busy.
// Zero survivors is fatal for startup.
func ProbeBackends(ctx context.Context, rec Recognizer, candidates []string, probeTimeout time.Duration) (*BackendRotation, error) {
	usable := make([]string, 0, len(candidates))
	for _, backend := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := rec.Probe(probeCtx, backend)
		cancel()

		switch {
		case err == nil:
			usable = append(usable, backend)
		case errors.Is(err, ErrBackendNotFound):
			opsf("backend %s not found, excluded from rotation", backend)
		default:
			// Exists but unhappy right now (rate-limited, flaky). Keep it;
			// the worker's failover handles per-call trouble.
			diagf("backend %s probe error (kept): %v", backend, err)
			usable = append(usable, backend)
		}
	}

	if len(usable) == 0 {
		return nil, fmt.Errorf("%w: probed %d candidates", ErrNoBackends, len(candidates))
	}

	opsf("backend rotation ready: %d of %d candidates usable", len(usable), len(candidates))
	return NewBackendRotation(usable)
}
