package flowstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quernd/quern/internal/apierr"
	"github.com/quernd/quern/internal/pipeline"
)

// EmitFunc forwards one pipeline entry; the store uses it to publish a
// summary log line per completed flow.
type EmitFunc func(pipeline.Entry)

// Store is the bounded in-memory flow window with secondary indexes.
// A single mutex guards everything; index maintenance is incremental, so no
// operation scans the whole window except filtered queries.
type Store struct {
	mu        sync.Mutex
	capacity  int
	bodyLimit int
	seq       uint64 // last assigned ingest sequence, survives eviction
	flows     map[string]*Flow
	order     []string // insertion order, oldest first

	byHost   map[string][]string
	byBucket map[string][]string
	byUDID   map[string][]string
	byIP     map[string][]string

	intercept *Intercept
	mocks     *Mocks

	emit EmitFunc
	now  func() time.Time
}

// defaultBodyLimit caps stored request/response bodies; larger ones are
// clipped and flagged truncated.
const defaultBodyLimit = 64 * 1024

// New creates a Store bounded to capacity flows.
func New(capacity int, emit EmitFunc) *Store {
	if capacity <= 0 {
		capacity = 1
	}
	if emit == nil {
		emit = func(pipeline.Entry) {}
	}
	s := &Store{
		capacity:  capacity,
		bodyLimit: defaultBodyLimit,
		flows:     make(map[string]*Flow),
		byHost:    make(map[string][]string),
		byBucket:  make(map[string][]string),
		byUDID:    make(map[string][]string),
		byIP:      make(map[string][]string),
		emit:      emit,
		now:       time.Now,
	}
	s.intercept = newIntercept(s)
	s.mocks = newMockRegistry()
	return s
}

// SetBodyLimit overrides the per-body storage cap. Values <= 0 keep the
// default.
func (s *Store) SetBodyLimit(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.bodyLimit = n
	s.mu.Unlock()
}

// Ingest applies one addon event. Request-phase events insert the flow;
// response/error events complete it; held events queue it for release.
func (s *Store) Ingest(ev Event) error {
	if ev.Flow.ID == "" {
		return apierr.New(apierr.InvalidArgument, "flow event has no id")
	}
	s.clipBodies(&ev.Flow)
	switch ev.Phase {
	case "request":
		s.insert(ev.Flow)
	case "response", "error":
		s.complete(ev.Flow)
	case "held":
		s.insert(ev.Flow)
		s.intercept.hold(ev.Flow.ID)
	default:
		return apierr.New(apierr.InvalidArgument, "unknown flow event phase %q", ev.Phase)
	}
	return nil
}

// clipBodies enforces the body storage cap on both sides of the flow.
func (s *Store) clipBodies(f *Flow) {
	s.mu.Lock()
	limit := s.bodyLimit
	s.mu.Unlock()
	if len(f.Request.Body) > limit {
		f.Request.Body = f.Request.Body[:limit]
		f.Request.Truncated = true
	}
	if f.Response != nil && len(f.Response.Body) > limit {
		f.Response.Body = f.Response.Body[:limit]
		f.Response.Truncated = true
	}
}

func (s *Store) insert(f Flow) {
	if f.StartedAt.IsZero() {
		f.StartedAt = s.now()
	}
	if f.Source == "" {
		f.Source = SourceLive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.flows[f.ID]; ok {
		// Repeated request event: update in place, indexes and the ingest
		// sequence are unchanged.
		f.Seq = existing.Seq
		*existing = f
		return
	}
	if len(s.order) >= s.capacity {
		s.evictOldestLocked()
	}
	s.seq++
	cp := f
	cp.Seq = s.seq
	s.flows[f.ID] = &cp
	s.order = append(s.order, f.ID)
	s.indexLocked(&cp)
}

func (s *Store) complete(f Flow) {
	now := s.now()
	if f.EndedAt == nil {
		f.EndedAt = &now
	}

	s.mu.Lock()
	existing, ok := s.flows[f.ID]
	if !ok {
		// Response for a flow we never saw the request of (daemon restarted
		// mid-flow): insert it whole.
		s.mu.Unlock()
		s.insert(f)
		s.mu.Lock()
		existing = s.flows[f.ID]
	} else {
		oldBucket := existing.StatusBucket()
		existing.Response = f.Response
		existing.Error = f.Error
		existing.EndedAt = f.EndedAt
		if f.UDID != "" {
			existing.UDID = f.UDID
		}
		s.reindexBucketLocked(existing.ID, oldBucket, existing.StatusBucket())
	}
	summary := *existing
	s.mu.Unlock()

	s.intercept.dropHeld(summary.ID)
	s.emitFlowEntry(summary)
}

func (s *Store) emitFlowEntry(f Flow) {
	level := pipeline.LevelInfo
	msg := fmt.Sprintf("%s %s%s", f.Request.Method, f.Request.Host, f.Request.Path)
	switch {
	case f.Error != "":
		level = pipeline.LevelError
		msg += " failed: " + f.Error
	case f.Response != nil:
		msg = fmt.Sprintf("%s → %d (%.0fms)", msg, f.Response.Status, f.Response.ElapsedMS)
		if f.Response.Status >= 500 {
			level = pipeline.LevelError
		} else if f.Response.Status >= 400 {
			level = pipeline.LevelWarning
		}
	}
	s.emit(pipeline.Entry{
		Timestamp:  f.StartedAt,
		Source:     pipeline.SourceProxy,
		Process:    "mitmproxy",
		Level:      level,
		DeviceUDID: f.UDID,
		Message:    msg,
	})
}

func (s *Store) indexLocked(f *Flow) {
	s.byHost[f.Request.Host] = append(s.byHost[f.Request.Host], f.ID)
	if b := f.StatusBucket(); b != "" {
		s.byBucket[b] = append(s.byBucket[b], f.ID)
	}
	if f.UDID != "" {
		s.byUDID[f.UDID] = append(s.byUDID[f.UDID], f.ID)
	}
	if f.ClientIP != "" {
		s.byIP[f.ClientIP] = append(s.byIP[f.ClientIP], f.ID)
	}
}

func (s *Store) reindexBucketLocked(id, oldBucket, newBucket string) {
	if oldBucket == newBucket {
		return
	}
	if oldBucket != "" {
		s.byBucket[oldBucket] = removeID(s.byBucket[oldBucket], id)
	}
	if newBucket != "" {
		s.byBucket[newBucket] = append(s.byBucket[newBucket], id)
	}
}

func (s *Store) evictOldestLocked() {
	id := s.order[0]
	s.order = s.order[1:]
	f, ok := s.flows[id]
	if !ok {
		return
	}
	delete(s.flows, id)
	s.byHost[f.Request.Host] = removeID(s.byHost[f.Request.Host], id)
	if b := f.StatusBucket(); b != "" {
		s.byBucket[b] = removeID(s.byBucket[b], id)
	}
	if f.UDID != "" {
		s.byUDID[f.UDID] = removeID(s.byUDID[f.UDID], id)
	}
	if f.ClientIP != "" {
		s.byIP[f.ClientIP] = removeID(s.byIP[f.ClientIP], id)
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// Get returns one flow by id.
func (s *Store) Get(id string) (*Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "flow %s not found", id)
	}
	cp := *f
	return &cp, nil
}

// Query returns matching flows in insertion order with limit/offset.
func (s *Store) Query(q Filter, limit, offset int) ([]Flow, int) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Flow
	total := 0
	skipped := 0
	for _, id := range s.candidatesLocked(q) {
		f := s.flows[id]
		if f == nil || !q.Match(f) {
			continue
		}
		total++
		if skipped < offset {
			skipped++
			continue
		}
		if len(out) < limit {
			out = append(out, *f)
		}
	}
	return out, total
}

// candidatesLocked picks the narrowest index for the filter, falling back to
// the full insertion order.
func (s *Store) candidatesLocked(q Filter) []string {
	switch {
	case q.Host != "":
		return s.byHost[q.Host]
	case q.UDID != "":
		return s.byUDID[q.UDID]
	case q.ClientIP != "":
		return s.byIP[q.ClientIP]
	case q.HasError:
		return s.byBucket["err"]
	default:
		return s.order
	}
}

// Len returns the current population.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// waitBackdate widens the search window so flows completing between the UI
// action and the wait call still match.
const waitBackdate = 5 * time.Second

// Wait long-polls for a completed flow matching q. It returns the matches
// (nil when the timeout elapsed) and the elapsed duration; a timeout is not
// an error. Cancellation via ctx returns immediately with no match.
func (s *Store) Wait(ctx context.Context, q Filter, timeout, interval time.Duration) ([]Flow, time.Duration) {
	if interval <= 0 || interval > time.Second {
		interval = 250 * time.Millisecond
	}
	start := s.now()
	if q.Since.IsZero() {
		q.Since = start.Add(-waitBackdate)
	}

	for {
		var found []Flow
		s.mu.Lock()
		for _, id := range s.candidatesLocked(q) {
			f := s.flows[id]
			if f != nil && f.Completed() && q.Match(f) {
				found = append(found, *f)
			}
		}
		s.mu.Unlock()
		if len(found) > 0 {
			return found, s.now().Sub(start)
		}

		remaining := timeout - s.now().Sub(start)
		if remaining <= 0 {
			return nil, s.now().Sub(start)
		}
		if remaining < interval {
			interval = remaining
		}
		select {
		case <-ctx.Done():
			return nil, s.now().Sub(start)
		case <-time.After(interval):
		}
	}
}

// FlowSummary is the digest returned by the flow summary endpoint.
type FlowSummary struct {
	Window    string         `json:"window"`
	Total     int            `json:"total"`
	ByHost    map[string]int `json:"countsByHost"`
	ByBucket  map[string]int `json:"countsByStatus"`
	Slowest   []Flow         `json:"slowest,omitempty"`
	Errors    []Flow         `json:"errors,omitempty"`
	Narrative string         `json:"narrative"`
	Cursor    string         `json:"cursor"`
}

const flowSummaryTopK = 5

// Summarize digests flows within the window. The cursor encodes the ingest
// sequence of the newest flow considered; with sinceCursor set only flows
// ingested after it count. Sequences stick to flows, so eviction never
// shifts the cursor.
func (s *Store) Summarize(window time.Duration, windowName, sinceCursor string) (FlowSummary, error) {
	sinceSeq, err := pipeline.DecodeCursor(sinceCursor)
	if err != nil {
		return FlowSummary{}, apierr.Wrap(apierr.InvalidArgument, err, "invalid cursor")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)
	sum := FlowSummary{
		Window:   windowName,
		ByHost:   make(map[string]int),
		ByBucket: make(map[string]int),
	}

	var inWindow []Flow
	maxSeq := sinceSeq
	for _, id := range s.order {
		f := s.flows[id]
		if f == nil || f.Seq <= sinceSeq || f.StartedAt.Before(cutoff) {
			continue
		}
		if f.Seq > maxSeq {
			maxSeq = f.Seq
		}
		sum.Total++
		sum.ByHost[f.Request.Host]++
		if b := f.StatusBucket(); b != "" {
			sum.ByBucket[b]++
		}
		inWindow = append(inWindow, *f)
	}

	sort.Slice(inWindow, func(i, j int) bool {
		return elapsedOf(&inWindow[i]) > elapsedOf(&inWindow[j])
	})
	for _, f := range inWindow {
		if len(sum.Slowest) < flowSummaryTopK && f.Response != nil {
			sum.Slowest = append(sum.Slowest, f)
		}
		if f.Error != "" && len(sum.Errors) < flowSummaryTopK {
			sum.Errors = append(sum.Errors, f)
		}
	}

	sum.Cursor = pipeline.EncodeCursor(maxSeq)
	sum.Narrative = narrateFlows(sum)
	return sum, nil
}

func elapsedOf(f *Flow) float64 {
	if f.Response == nil {
		return 0
	}
	return f.Response.ElapsedMS
}

func narrateFlows(s FlowSummary) string {
	if s.Total == 0 {
		return fmt.Sprintf("No proxied traffic in the last %s.", s.Window)
	}
	failures := s.ByBucket["err"] + s.ByBucket["5xx"]
	msg := fmt.Sprintf("%d flows across %d hosts in the last %s", s.Total, len(s.ByHost), s.Window)
	if failures > 0 {
		msg += fmt.Sprintf("; %d failed", failures)
	}
	if len(s.Slowest) > 0 {
		f := s.Slowest[0]
		msg += fmt.Sprintf(". Slowest: %s %s%s (%.0fms)",
			f.Request.Method, f.Request.Host, f.Request.Path, f.Response.ElapsedMS)
	}
	return msg + "."
}

// Intercept exposes the intercept registry.
func (s *Store) Intercept() *Intercept { return s.intercept }

// Mocks exposes the mock registry.
func (s *Store) Mocks() *Mocks { return s.mocks }
