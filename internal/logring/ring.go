// Package logring provides the bounded in-memory log window: a fixed-capacity
// FIFO of entries with monotonic sequence numbers, filtered queries, and
// non-blocking subscriptions for streaming.
package logring

import (
	"strings"
	"sync"
	"time"

	"github.com/quernd/quern/internal/pipeline"
)

// Filter narrows query and subscription results. Zero fields match everything.
type Filter struct {
	Source   pipeline.Source
	Process  string
	MinLevel pipeline.Level
	Search   string // case-insensitive substring of the message
	Since    time.Time
	Until    time.Time
	UDID     string
}

// Match reports whether e satisfies the filter.
func (f Filter) Match(e *pipeline.Entry) bool {
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.Process != "" && e.Process != f.Process {
		return false
	}
	if f.MinLevel != "" && !e.Level.AtLeast(f.MinLevel) {
		return false
	}
	if f.UDID != "" && e.DeviceUDID != f.UDID {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(f.Search)) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Page is one query result window.
type Page struct {
	Entries []pipeline.Entry `json:"entries"`
	Total   int              `json:"total"`
}

// Subscription receives entries appended after Subscribe. The channel is
// never closed by a slow consumer being dropped; instead Lagged is closed and
// no further entries arrive. Callers must drain C or cancel promptly.
type Subscription struct {
	C      <-chan pipeline.Entry
	Lagged <-chan struct{}

	id     int
	ch     chan pipeline.Entry
	lagged chan struct{}
	filter Filter
	once   sync.Once
}

func (s *Subscription) markLagged() {
	s.once.Do(func() { close(s.lagged) })
}

// Ring is the fixed-capacity log store. One or more producers, many readers.
// Appends never block on slow subscribers.
type Ring struct {
	mu       sync.RWMutex
	buf      []pipeline.Entry // circular
	head     int              // index of oldest entry
	size     int
	nextSeq  uint64
	subs     map[int]*Subscription
	nextSub  int
	capacity int
}

// New creates a Ring with the given capacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		buf:      make([]pipeline.Entry, capacity),
		capacity: capacity,
		nextSeq:  1,
		subs:     make(map[int]*Subscription),
	}
}

// Append stores the entry, assigns its sequence number, and fans it out to
// subscribers. On overflow the oldest entry is dropped; sequence numbers are
// never reused.
func (r *Ring) Append(e pipeline.Entry) uint64 {
	r.mu.Lock()
	e.Seq = r.nextSeq
	r.nextSeq++

	if r.size < r.capacity {
		r.buf[(r.head+r.size)%r.capacity] = e
		r.size++
	} else {
		r.buf[r.head] = e
		r.head = (r.head + 1) % r.capacity
	}

	var lagging []*Subscription
	for _, sub := range r.subs {
		if !sub.filter.Match(&e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Subscriber cannot keep up: surface "lagged" once and stop
			// delivering. The producer never blocks here.
			lagging = append(lagging, sub)
		}
	}
	for _, sub := range lagging {
		delete(r.subs, sub.id)
	}
	r.mu.Unlock()

	for _, sub := range lagging {
		sub.markLagged()
	}
	return e.Seq
}

// Len returns the current population.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// LastSeq returns the most recently assigned sequence number, 0 if empty.
func (r *Ring) LastSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextSeq - 1
}

// Query returns matching entries in insertion order. Offsets beyond the
// population yield an empty page, not an error. Total counts all matches
// regardless of limit/offset.
func (r *Ring) Query(f Filter, limit, offset int) Page {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	page := Page{Entries: []pipeline.Entry{}}
	skipped := 0
	for i := 0; i < r.size; i++ {
		e := &r.buf[(r.head+i)%r.capacity]
		if !f.Match(e) {
			continue
		}
		page.Total++
		if skipped < offset {
			skipped++
			continue
		}
		if len(page.Entries) < limit {
			page.Entries = append(page.Entries, *e)
		}
	}
	return page
}

// Since returns all buffered entries with Seq strictly greater than seq, in
// insertion order.
func (r *Ring) Since(seq uint64) []pipeline.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []pipeline.Entry
	for i := 0; i < r.size; i++ {
		e := &r.buf[(r.head+i)%r.capacity]
		if e.Seq > seq {
			out = append(out, *e)
		}
	}
	return out
}

// Snapshot returns a copy of every buffered entry in insertion order.
func (r *Ring) Snapshot() []pipeline.Entry {
	return r.Since(0)
}

// Subscribe registers a filtered subscription with the given buffer size.
// Cancel must be called exactly once when done.
func (r *Ring) Subscribe(f Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan pipeline.Entry, buffer)
	sub := &Subscription{
		ch:     ch,
		C:      ch,
		lagged: make(chan struct{}),
		filter: f,
	}
	sub.Lagged = sub.lagged

	r.mu.Lock()
	sub.id = r.nextSub
	r.nextSub++
	r.subs[sub.id] = sub
	r.mu.Unlock()
	return sub
}

// Cancel removes a subscription. Safe to call after the subscription lagged.
func (r *Ring) Cancel(sub *Subscription) {
	r.mu.Lock()
	delete(r.subs, sub.id)
	r.mu.Unlock()
}

// SubscriberCount returns the number of live subscriptions.
func (r *Ring) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
