package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quernd/quern/internal/pipeline"
)

func TestCrashWatcherEmitsOnlyNewReports(t *testing.T) {
	dir := t.TempDir()
	preexisting := filepath.Join(dir, "Old.crash")
	if err := os.WriteFile(preexisting, []byte(legacyCrash), 0o644); err != nil {
		t.Fatal(err)
	}

	w := NewCrashWatcher(dir)
	entries := make(chan pipeline.Entry, 4)
	emit := func(e pipeline.Entry) { entries <- e }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx, emit); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = w.Stop(5 * time.Second) }()

	if st := w.Status(); st.State != StateWatching {
		t.Fatalf("state = %s, want watching", st.State)
	}

	// New report arrives while watching.
	if err := os.WriteFile(filepath.Join(dir, "New.crash"), []byte(legacyCrash), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-entries:
		if e.Source != pipeline.SourceCrash || e.Level != pipeline.LevelFault {
			t.Errorf("entry = %s/%s, want crash/fault", e.Source, e.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no entry for the new report")
	}

	// The pre-existing report never surfaces.
	select {
	case e := <-entries:
		t.Fatalf("unexpected second entry: %q", e.Message)
	case <-time.After(time.Second):
	}

	if got := len(w.Recent(0)); got != 1 {
		t.Errorf("Recent = %d reports, want 1", got)
	}
}

func TestCrashWatcherHandlesReportBurst(t *testing.T) {
	dir := t.TempDir()
	w := NewCrashWatcher(dir)
	emit := func(pipeline.Entry) {}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx, emit); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = w.Stop(5 * time.Second) }()

	// Many reports settle at once, well past the ready channel's buffer.
	const burst = 24
	for i := 0; i < burst; i++ {
		name := filepath.Join(dir, fmt.Sprintf("Crash-%02d.crash", i))
		if err := os.WriteFile(name, []byte(legacyCrash), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if len(w.Recent(0)) == burst {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Recent = %d reports, want all %d from the burst", len(w.Recent(0)), burst)
}

func TestCrashWatcherStartFailsOnMissingDir(t *testing.T) {
	w := NewCrashWatcher(filepath.Join(t.TempDir(), "does-not-exist"))
	err := w.Start(context.Background(), func(pipeline.Entry) {})
	if err == nil {
		t.Fatal("expected start to fail")
	}
}

func TestCrashWatcherStopIdempotent(t *testing.T) {
	w := NewCrashWatcher(t.TempDir())
	if err := w.Start(context.Background(), func(pipeline.Entry) {}); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(5 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := w.Stop(time.Second); err != nil {
		t.Errorf("second Stop must be a no-op: %v", err)
	}
}
