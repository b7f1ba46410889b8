package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quernd/quern/internal/pipeline"
)

// CrashReport is the parsed summary of one report file. The file on disk
// remains the source of truth; the emitted log entry is an index row.
type CrashReport struct {
	Path          string    `json:"path"`
	Process       string    `json:"process"`
	ExceptionType string    `json:"exceptionType,omitempty"`
	Signal        string    `json:"signal,omitempty"`
	FaultingTID   int       `json:"faultingThread"`
	TopFrames     []string  `json:"topFrames,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

const crashTopFrames = 8

// crashSettleDelay lets the writer finish before we read a new report file.
const crashSettleDelay = 500 * time.Millisecond

// CrashWatcher watches a crash-report directory and emits one crash-sourced
// entry per new report. Watcher-backed: failures make it quiescent with
// state=error rather than retrying.
type CrashWatcher struct {
	dir string

	mu     sync.Mutex
	state  State
	detail string
	since  time.Time
	seen   map[string]bool
	recent []CrashReport
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCrashWatcher watches dir for new .crash and .ips files.
func NewCrashWatcher(dir string) *CrashWatcher {
	return &CrashWatcher{
		dir:   dir,
		state: StateStopped,
		since: time.Now(),
		seen:  make(map[string]bool),
	}
}

func (c *CrashWatcher) Name() string { return "crash" }

// Start begins watching. Pre-existing files are recorded as seen but not
// emitted; only reports arriving while Quern runs become entries.
func (c *CrashWatcher) Start(ctx context.Context, emit EmitFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return fmt.Errorf("crash watcher already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating crash watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", c.dir, err)
	}
	if existing, err := os.ReadDir(c.dir); err == nil {
		for _, de := range existing {
			c.seen[de.Name()] = true
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateWatching
	c.detail = c.dir
	c.since = time.Now()

	go func() {
		defer close(c.done)
		defer func() { _ = watcher.Close() }()
		c.run(runCtx, watcher, emit)
	}()
	return nil
}

func (c *CrashWatcher) run(ctx context.Context, watcher *fsnotify.Watcher, emit EmitFunc) {
	// Debounce per path: report files are written in several chunks.
	pending := make(map[string]*time.Timer)
	ready := make(chan string, 16)

	for {
		select {
		case <-ctx.Done():
			c.setState(StateStopped, "")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				c.setState(StateError, "watch channel closed")
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isCrashFile(event.Name) {
				continue
			}
			path := event.Name
			if t, exists := pending[path]; exists {
				t.Stop()
			}
			// The timer goroutine blocks until the run loop drains the path,
			// so a burst of reports never drops one.
			pending[path] = time.AfterFunc(crashSettleDelay, func() {
				select {
				case ready <- path:
				case <-ctx.Done():
				}
			})

		case path := <-ready:
			delete(pending, path)
			c.ingestReport(path, emit)

		case err, ok := <-watcher.Errors:
			if !ok {
				c.setState(StateError, "watch channel closed")
				return
			}
			// Go quiescent on watch failure; the watchdog surfaces it.
			c.setState(StateError, err.Error())
		}
	}
}

func (c *CrashWatcher) ingestReport(path string, emit EmitFunc) {
	name := filepath.Base(path)
	c.mu.Lock()
	if c.seen[name] {
		c.mu.Unlock()
		return
	}
	c.seen[name] = true
	c.mu.Unlock()

	report, err := ParseCrashReport(path)
	if err != nil {
		c.setState(StateWatching, fmt.Sprintf("parse %s: %v", name, err))
		return
	}

	c.mu.Lock()
	c.recent = append(c.recent, report)
	if len(c.recent) > 50 {
		c.recent = c.recent[len(c.recent)-50:]
	}
	c.mu.Unlock()

	msg := fmt.Sprintf("%s crashed: %s", report.Process, report.ExceptionType)
	if report.Signal != "" {
		msg += " (" + report.Signal + ")"
	}
	emit(pipeline.Entry{
		Timestamp: report.Timestamp,
		Source:    pipeline.SourceCrash,
		Process:   report.Process,
		Level:     pipeline.LevelFault,
		Message:   msg,
		Raw:       mustJSON(report),
	})
}

// Recent returns up to limit parsed reports, newest last.
func (c *CrashWatcher) Recent(limit int) []CrashReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.recent
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]CrashReport(nil), out...)
}

// Stop cancels the watch loop.
func (c *CrashWatcher) Stop(deadline time.Duration) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return fmt.Errorf("crash watcher did not stop within %s", deadline)
	}
}

func (c *CrashWatcher) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Name: "crash", State: c.state, Detail: c.detail, Since: c.since}
}

// Reconfigure is a no-op: crash reports are never filtered.
func (c *CrashWatcher) Reconfigure(Filter) error { return nil }

func (c *CrashWatcher) setState(s State, detail string) {
	c.mu.Lock()
	if c.state != s {
		c.since = time.Now()
	}
	c.state = s
	c.detail = detail
	c.mu.Unlock()
}

func isCrashFile(path string) bool {
	return strings.HasSuffix(path, ".crash") || strings.HasSuffix(path, ".ips")
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
