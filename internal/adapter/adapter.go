// Package adapter defines the lifecycle contract for log producers and the
// supervisor that owns them. Subprocess-backed adapters stream lines from a
// platform tool; watcher-backed adapters react to filesystem events. Either
// way, entries leave through the emit callback and errors never escape into
// the supervisor.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quernd/quern/internal/pipeline"
)

// State is the coarse adapter condition.
type State string

const (
	StateRunning  State = "running"
	StateWatching State = "watching"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Status is a point-in-time adapter report.
type Status struct {
	Name     string    `json:"name"`
	State    State     `json:"state"`
	Detail   string    `json:"detail,omitempty"`
	Dropped  int64     `json:"dropped,omitempty"`  // lines lost to overflow
	Restarts int       `json:"restarts,omitempty"` // child restarts since start
	Since    time.Time `json:"since"`
}

// Filter is applied in-process before emit.
type Filter struct {
	Process string `json:"process,omitempty"` // exact process name, "" = all
	Exclude string `json:"exclude,omitempty"` // substring to drop, "" = none
}

// EmitFunc forwards one entry into the pipeline. Implementations are O(1)
// and never block.
type EmitFunc func(pipeline.Entry)

// Adapter is the capability contract every log producer honors. Start must
// return promptly after launching background work; Stop joins with the given
// deadline. Implementations translate internal failures into StateError
// rather than returning them from background goroutines.
type Adapter interface {
	Name() string
	Start(ctx context.Context, emit EmitFunc) error
	Stop(deadline time.Duration) error
	Status() Status
	Reconfigure(f Filter) error
}

// Supervisor owns a set of adapters keyed by name.
type Supervisor struct {
	mu       sync.Mutex
	adapters map[string]Adapter
	emit     EmitFunc
	ctx      context.Context
	cancel   context.CancelFunc
}

// StopDeadline is the per-adapter join deadline at shutdown.
const StopDeadline = 10 * time.Second

// NewSupervisor creates a Supervisor that feeds entries to emit.
func NewSupervisor(emit EmitFunc) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		adapters: make(map[string]Adapter),
		emit:     emit,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Add registers and starts an adapter. Duplicate names are rejected.
func (s *Supervisor) Add(a Adapter) error {
	s.mu.Lock()
	if _, exists := s.adapters[a.Name()]; exists {
		s.mu.Unlock()
		return fmt.Errorf("adapter %q already registered", a.Name())
	}
	s.adapters[a.Name()] = a
	s.mu.Unlock()

	if err := a.Start(s.ctx, s.emit); err != nil {
		s.mu.Lock()
		delete(s.adapters, a.Name())
		s.mu.Unlock()
		return fmt.Errorf("starting adapter %q: %w", a.Name(), err)
	}
	slog.Info("Adapter started", "adapter", a.Name())
	return nil
}

// Remove stops and unregisters an adapter.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	a, ok := s.adapters[name]
	if ok {
		delete(s.adapters, name)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("adapter %q not found", name)
	}
	return a.Stop(StopDeadline)
}

// Get returns the adapter with the given name.
func (s *Supervisor) Get(name string) (Adapter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.adapters[name]
	return a, ok
}

// Statuses returns every adapter's status, sorted by name.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	adapters := make([]Adapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		adapters = append(adapters, a)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, a.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reconfigure updates an adapter's filter.
func (s *Supervisor) Reconfigure(name string, f Filter) error {
	a, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("adapter %q not found", name)
	}
	return a.Reconfigure(f)
}

// StopAll fans out the shutdown signal and joins every adapter with the
// per-adapter deadline. Called once at daemon exit.
func (s *Supervisor) StopAll() {
	s.cancel()

	s.mu.Lock()
	adapters := make([]Adapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		adapters = append(adapters, a)
	}
	s.adapters = make(map[string]Adapter)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			if err := a.Stop(StopDeadline); err != nil {
				slog.Warn("Adapter stop failed", "adapter", a.Name(), "err", err)
			}
		}(a)
	}
	wg.Wait()
}

// backoff implements the capped restart policy: 1s doubling to 30s, reset
// after 60s of healthy running.
type backoff struct {
	next      time.Duration
	startedAt time.Time // when the current child run began
}

const (
	backoffInitial      = time.Second
	backoffMax          = 30 * time.Second
	backoffHealthyReset = 60 * time.Second
)

// markStart records the beginning of a child run.
func (b *backoff) markStart(now time.Time) { b.startedAt = now }

// delay returns how long to wait before the next restart. A run that lasted
// at least backoffHealthyReset resets the sequence.
func (b *backoff) delay(now time.Time) time.Duration {
	if b.next == 0 || (!b.startedAt.IsZero() && now.Sub(b.startedAt) >= backoffHealthyReset) {
		b.next = backoffInitial
	}
	d := b.next
	b.next *= 2
	if b.next > backoffMax {
		b.next = backoffMax
	}
	return d
}
