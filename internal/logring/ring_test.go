package logring

import (
	"fmt"
	"testing"
	"time"

	"github.com/quernd/quern/internal/pipeline"
)

func entry(process string, level pipeline.Level, msg string) pipeline.Entry {
	e := pipeline.Entry{Source: pipeline.SourceSimulator, Process: process, Level: level, Message: msg}
	e.Finalize(time.Now())
	return e
}

func TestAppendAssignsMonotonicSeqs(t *testing.T) {
	r := New(10)
	for i := 1; i <= 5; i++ {
		seq := r.Append(entry("App", pipeline.LevelInfo, fmt.Sprintf("m%d", i)))
		if seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", seq, i)
		}
	}
	if r.LastSeq() != 5 {
		t.Errorf("LastSeq = %d, want 5", r.LastSeq())
	}
}

func TestOverflowDropsOldestKeepsSeqs(t *testing.T) {
	r := New(3)
	for i := 1; i <= 5; i++ {
		r.Append(entry("App", pipeline.LevelInfo, fmt.Sprintf("m%d", i)))
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	snap := r.Snapshot()
	if snap[0].Seq != 3 || snap[2].Seq != 5 {
		t.Errorf("kept seqs %d..%d, want 3..5", snap[0].Seq, snap[2].Seq)
	}
	// Sequence numbers are never reused after overflow.
	if seq := r.Append(entry("App", pipeline.LevelInfo, "m6")); seq != 6 {
		t.Errorf("next seq = %d, want 6", seq)
	}
}

func TestQueryFiltersAndPagination(t *testing.T) {
	r := New(100)
	for i := 0; i < 10; i++ {
		level := pipeline.LevelInfo
		if i%2 == 0 {
			level = pipeline.LevelError
		}
		r.Append(entry("App", level, fmt.Sprintf("message %d", i)))
	}
	r.Append(entry("backboardd", pipeline.LevelInfo, "other process"))

	page := r.Query(Filter{MinLevel: pipeline.LevelError}, 3, 0)
	if page.Total != 5 {
		t.Errorf("Total = %d, want 5", page.Total)
	}
	if len(page.Entries) != 3 {
		t.Errorf("len = %d, want limit 3", len(page.Entries))
	}

	page = r.Query(Filter{Process: "backboardd"}, 10, 0)
	if page.Total != 1 {
		t.Errorf("process filter Total = %d, want 1", page.Total)
	}

	page = r.Query(Filter{Search: "MESSAGE 3"}, 10, 0)
	if page.Total != 1 {
		t.Errorf("case-insensitive search Total = %d, want 1", page.Total)
	}

	// Offset beyond the population yields an empty page, not an error.
	page = r.Query(Filter{}, 10, 1000)
	if len(page.Entries) != 0 || page.Total != 11 {
		t.Errorf("got %d entries (total %d), want empty page with total 11", len(page.Entries), page.Total)
	}
}

func TestSinceReturnsStrictlyNewer(t *testing.T) {
	r := New(10)
	for i := 0; i < 5; i++ {
		r.Append(entry("App", pipeline.LevelInfo, "m"))
	}
	got := r.Since(3)
	if len(got) != 2 || got[0].Seq != 4 {
		t.Errorf("Since(3) = %d entries starting at %d, want 2 starting at 4", len(got), got[0].Seq)
	}
}

func TestSubscribeDeliversMatching(t *testing.T) {
	r := New(10)
	sub := r.Subscribe(Filter{MinLevel: pipeline.LevelError}, 4)
	defer r.Cancel(sub)

	r.Append(entry("App", pipeline.LevelInfo, "ignored"))
	r.Append(entry("App", pipeline.LevelError, "kept"))

	select {
	case e := <-sub.C:
		if e.Message != "kept" {
			t.Errorf("delivered %q, want the error entry", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected extra delivery %q", e.Message)
	default:
	}
}

func TestSlowSubscriberLagsOnce(t *testing.T) {
	r := New(100)
	sub := r.Subscribe(Filter{}, 2)
	defer r.Cancel(sub)

	// Fill the buffer and then some; the producer must never block.
	for i := 0; i < 5; i++ {
		r.Append(entry("App", pipeline.LevelInfo, "m"))
	}

	select {
	case <-sub.Lagged:
	case <-time.After(time.Second):
		t.Fatal("lagged was not surfaced")
	}
	if r.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0 after lag", r.SubscriberCount())
	}
	// The buffered prefix is still drainable.
	if len(sub.C) != 2 {
		t.Errorf("buffered = %d, want 2", len(sub.C))
	}
}
