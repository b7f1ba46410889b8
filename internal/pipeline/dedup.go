package pipeline

import (
	"sync"
	"time"
)

// dedupState tracks one fingerprint inside the rolling window.
type dedupState struct {
	firstSeen   time.Time
	lastSeen    time.Time
	count       int
	republished int // count value at the last republication
}

// Deduplicator suppresses repeats of the same fingerprint within a sliding
// window. The first occurrence always passes; later ones pass only when the
// running count crosses a power of two (2, 4, 8, ...), carrying the count in
// RepeatCount. State is bounded and in-memory only; a restart resets it.
type Deduplicator struct {
	mu      sync.Mutex
	window  time.Duration
	maxKeys int
	seen    map[string]*dedupState
	lastGC  time.Time
	now     func() time.Time
}

// NewDeduplicator creates a Deduplicator with the given sliding window.
func NewDeduplicator(window time.Duration) *Deduplicator {
	return &Deduplicator{
		window:  window,
		maxKeys: 4096,
		seen:    make(map[string]*dedupState),
		now:     time.Now,
	}
}

// Observe decides whether e should be appended. It returns true for the first
// occurrence in the window and for power-of-two repeats; false means the
// repeat was absorbed into the stored count. O(1) and non-blocking.
func (d *Deduplicator) Observe(e *Entry) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeGC(now)

	st, ok := d.seen[e.Fingerprint]
	if !ok || now.Sub(st.lastSeen) > d.window {
		if len(d.seen) >= d.maxKeys {
			d.gcLocked(now)
		}
		d.seen[e.Fingerprint] = &dedupState{firstSeen: now, lastSeen: now, count: 1, republished: 1}
		return true
	}

	st.count++
	st.lastSeen = now
	if isPowerOfTwo(st.count) {
		st.republished = st.count
		e.RepeatCount = st.count
		return true
	}
	return false
}

// Count returns the current count for a fingerprint, 0 if unseen or expired.
func (d *Deduplicator) Count(fingerprint string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.seen[fingerprint]
	if !ok || d.now().Sub(st.lastSeen) > d.window {
		return 0
	}
	return st.count
}

// PendingRepublications returns how many absorbed repeats have not yet been
// surfaced for a fingerprint.
func (d *Deduplicator) PendingRepublications(fingerprint string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.seen[fingerprint]
	if !ok {
		return 0
	}
	return st.count - st.republished
}

func (d *Deduplicator) maybeGC(now time.Time) {
	if now.Sub(d.lastGC) < d.window {
		return
	}
	d.gcLocked(now)
}

func (d *Deduplicator) gcLocked(now time.Time) {
	d.lastGC = now
	for fp, st := range d.seen {
		if now.Sub(st.lastSeen) > d.window {
			delete(d.seen, fp)
		}
	}
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }
