package flowstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quernd/quern/internal/apierr"
)

// releaseRecorder captures releases posted to the addon.
type releaseRecorder struct {
	mu    sync.Mutex
	calls []string
	mods  map[string]*Modifications
	err   error
}

func newReleaseRecorder() *releaseRecorder {
	return &releaseRecorder{mods: make(map[string]*Modifications)}
}

func (r *releaseRecorder) release(flowID string, mods *Modifications) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, flowID)
	r.mods[flowID] = mods
	return nil
}

func (r *releaseRecorder) released() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func heldStore(t *testing.T, rec *releaseRecorder, ids ...string) *Store {
	t.Helper()
	s := New(100, nil)
	s.Intercept().SetReleaseFunc(rec.release)
	s.Intercept().SetPattern("~d example.com")
	for _, id := range ids {
		ev := reqEvent(id, "GET", "api.example.com", "/held")
		ev.Phase = "held"
		if err := s.Ingest(ev); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestHeldQueueOrder(t *testing.T) {
	rec := newReleaseRecorder()
	s := heldStore(t, rec, "h1", "h2")

	held := s.Intercept().Held()
	if len(held) != 2 || held[0].Flow.ID != "h1" || held[1].Flow.ID != "h2" {
		t.Fatalf("held = %+v, want h1 then h2", held)
	}
	if held[0].Deadline.Before(held[0].HeldAt) {
		t.Error("deadline must be after held-at")
	}
}

func TestReleaseAppliesModifications(t *testing.T) {
	rec := newReleaseRecorder()
	s := heldStore(t, rec, "h1")

	body := `{"mock":true}`
	mods := &Modifications{
		Method:  "PUT",
		Headers: map[string]string{"X-Debug": "1"},
		Body:    &body,
	}
	f, err := s.Intercept().Release("h1", mods)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := rec.released(); len(got) != 1 || got[0] != "h1" {
		t.Errorf("released = %v, want [h1]", got)
	}
	if rec.mods["h1"] != mods {
		t.Error("modifications must be forwarded to the addon")
	}
	if f.Request.Method != "PUT" || f.Request.Body != body || f.Request.Headers["X-Debug"] != "1" {
		t.Errorf("stored flow after release = %+v", f.Request)
	}
	if len(s.Intercept().Held()) != 0 {
		t.Error("released flow must leave the queue")
	}
}

func TestReleaseUnheldFlow(t *testing.T) {
	rec := newReleaseRecorder()
	s := heldStore(t, rec, "h1")
	if _, err := s.Intercept().Release("nope", nil); apierr.KindOf(err) != apierr.NotFound {
		t.Errorf("release of unheld flow = %v, want NotFound", err)
	}
}

func TestReleaseAddonFailure(t *testing.T) {
	rec := newReleaseRecorder()
	rec.err = errors.New("addon is gone")
	s := heldStore(t, rec, "h1")
	if _, err := s.Intercept().Release("h1", nil); apierr.KindOf(err) != apierr.SubprocessFailed {
		t.Errorf("addon failure = %v, want SubprocessFailed", err)
	}
}

func TestClearPatternReleasesEverything(t *testing.T) {
	rec := newReleaseRecorder()
	s := heldStore(t, rec, "h1", "h2")

	s.Intercept().SetPattern("")
	if got := rec.released(); len(got) != 2 {
		t.Errorf("released = %v, want both held flows", got)
	}
	if len(s.Intercept().Held()) != 0 {
		t.Error("queue must be empty after clearing the pattern")
	}
	if s.Intercept().Pattern() != "" {
		t.Error("pattern must be cleared")
	}
}

func TestCompletionDropsHeldWithoutRelease(t *testing.T) {
	rec := newReleaseRecorder()
	s := heldStore(t, rec, "h1")

	// The client disconnected; the addon reports the flow as errored.
	if err := s.Ingest(Event{Phase: "error", Flow: Flow{ID: "h1", Error: "client closed"}}); err != nil {
		t.Fatal(err)
	}
	if len(s.Intercept().Held()) != 0 {
		t.Error("completed flow must leave the held queue")
	}
	if got := rec.released(); len(got) != 0 {
		t.Errorf("no release must be posted for a self-completed flow, got %v", got)
	}
}

func TestWaitHeldWakesOnHold(t *testing.T) {
	rec := newReleaseRecorder()
	s := heldStore(t, rec)

	go func() {
		time.Sleep(200 * time.Millisecond)
		ev := reqEvent("h1", "GET", "api.example.com", "/held")
		ev.Phase = "held"
		_ = s.Ingest(ev)
	}()

	held := s.Intercept().WaitHeld(context.Background(), 5*time.Second)
	if len(held) != 1 || held[0].Flow.ID != "h1" {
		t.Fatalf("WaitHeld = %+v, want h1", held)
	}
}

func TestWaitHeldTimeout(t *testing.T) {
	rec := newReleaseRecorder()
	s := heldStore(t, rec)

	start := time.Now()
	if held := s.Intercept().WaitHeld(context.Background(), 300*time.Millisecond); held != nil {
		t.Errorf("WaitHeld = %+v, want nil on timeout", held)
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Error("WaitHeld returned before the timeout")
	}
}

func TestWaitHeldCancellation(t *testing.T) {
	rec := newReleaseRecorder()
	s := heldStore(t, rec)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	if held := s.Intercept().WaitHeld(ctx, 10*time.Second); held != nil {
		t.Errorf("WaitHeld = %+v, want nil on cancellation", held)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation must end the wait promptly")
	}
}
