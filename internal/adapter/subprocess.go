package adapter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/quernd/quern/internal/pipeline"
)

// LineParser converts one stdout line into an entry. Returning false drops
// the line (blank lines, tool banners, unparsable fragments).
type LineParser func(line string) (pipeline.Entry, bool)

// maxLineLen bounds the stdout read buffer. Longer lines are truncated and
// counted; they must never kill the stream.
const maxLineLen = 256 * 1024

// killGrace is how long a stopped child gets between SIGTERM and SIGKILL.
const killGrace = 2 * time.Second

// procAdapter runs a long-lived child process and parses its stdout line by
// line. Non-zero exit triggers a restart per the backoff policy; exit zero
// while still enabled is an error too, because the tool was expected to run
// indefinitely. Concrete adapters embed this and supply command + parser.
type procAdapter struct {
	name    string
	command func(f Filter) []string // argv, rebuilt per (re)start
	parse   LineParser
	source  pipeline.Source
	udid    string

	mu       sync.Mutex
	filter   Filter
	state    State
	detail   string
	since    time.Time
	restarts int
	cancel   context.CancelFunc
	done     chan struct{}

	dropped atomic.Int64 // truncated or discarded lines
}

func newProcAdapter(name string, source pipeline.Source, udid string, command func(Filter) []string, parse LineParser) *procAdapter {
	return &procAdapter{
		name:    name,
		command: command,
		parse:   parse,
		source:  source,
		udid:    udid,
		state:   StateStopped,
		since:   time.Now(),
	}
}

func (p *procAdapter) Name() string { return p.name }

// Start launches the run loop and returns promptly.
func (p *procAdapter) Start(ctx context.Context, emit EmitFunc) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return fmt.Errorf("adapter %q already started", p.name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.setStateLocked(StateRunning, "starting")
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.runLoop(runCtx, emit)
	}()
	return nil
}

// Stop cancels the run loop and joins with the deadline.
func (p *procAdapter) Stop(deadline time.Duration) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		p.setState(StateStopped, "")
		return nil
	case <-time.After(deadline):
		return fmt.Errorf("adapter %q did not stop within %s", p.name, deadline)
	}
}

func (p *procAdapter) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Name:     p.name,
		State:    p.state,
		Detail:   p.detail,
		Dropped:  p.dropped.Load(),
		Restarts: p.restarts,
		Since:    p.since,
	}
}

// Reconfigure swaps the in-process filter. The running child is untouched;
// filtering happens before emit, so the change applies immediately.
func (p *procAdapter) Reconfigure(f Filter) error {
	p.mu.Lock()
	p.filter = f
	p.mu.Unlock()
	return nil
}

func (p *procAdapter) setState(s State, detail string) {
	p.mu.Lock()
	p.setStateLocked(s, detail)
	p.mu.Unlock()
}

func (p *procAdapter) setStateLocked(s State, detail string) {
	if p.state != s {
		p.since = time.Now()
	}
	p.state = s
	p.detail = detail
}

// runLoop spawns the child, streams it, and restarts on failure until the
// context is cancelled.
func (p *procAdapter) runLoop(ctx context.Context, emit EmitFunc) {
	var bo backoff
	for {
		if ctx.Err() != nil {
			p.setState(StateStopped, "")
			return
		}

		bo.markStart(time.Now())
		p.setState(StateRunning, "")
		err := p.runOnce(ctx, emit)
		if ctx.Err() != nil {
			p.setState(StateStopped, "")
			return
		}

		if err == nil {
			// The source was expected to stream indefinitely.
			err = errors.New("child exited unexpectedly with status 0")
		}
		p.mu.Lock()
		p.restarts++
		p.mu.Unlock()
		delay := bo.delay(time.Now())
		p.setState(StateError, fmt.Sprintf("%v (restarting in %s)", err, delay))
		slog.Warn("Adapter child failed", "adapter", p.name, "err", err, "retryIn", delay)

		select {
		case <-ctx.Done():
			p.setState(StateStopped, "")
			return
		case <-time.After(delay):
		}
	}
}

// runOnce spawns the child once and streams stdout until it exits or the
// context is cancelled.
func (p *procAdapter) runOnce(ctx context.Context, emit EmitFunc) error {
	p.mu.Lock()
	argv := p.command(p.filter)
	p.mu.Unlock()
	if len(argv) == 0 {
		return errors.New("empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning %s: %w", argv[0], err)
	}

	// Kill the child when the context is cancelled: SIGTERM first, SIGKILL
	// after a short grace period.
	killed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-killed:
			case <-time.After(killGrace):
				_ = cmd.Process.Kill()
			}
		case <-killed:
		}
	}()

	// Stderr carries only diagnostics.
	go drainStderr(p.name, stderr)

	p.streamLines(stdout, emit)

	waitErr := cmd.Wait()
	close(killed)
	return waitErr
}

// streamLines reads bounded lines from stdout and emits parsed entries.
func (p *procAdapter) streamLines(r io.Reader, emit EmitFunc) {
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, truncated, err := readBoundedLine(reader)
		if len(line) > 0 {
			if truncated {
				p.dropped.Add(1)
			}
			p.handleLine(string(line), emit)
		}
		if err != nil {
			return
		}
	}
}

// readBoundedLine reads one line up to maxLineLen bytes. Overlong remainders
// are discarded and reported via truncated.
func readBoundedLine(r *bufio.Reader) (line []byte, truncated bool, err error) {
	for {
		frag, isPrefix, rerr := r.ReadLine()
		if len(frag) > 0 && len(line) < maxLineLen {
			room := maxLineLen - len(line)
			if len(frag) > room {
				frag = frag[:room]
				truncated = true
			}
			line = append(line, frag...)
		} else if len(frag) > 0 {
			truncated = true
		}
		if rerr != nil {
			return line, truncated, rerr
		}
		if !isPrefix {
			return line, truncated, nil
		}
	}
}

func (p *procAdapter) handleLine(line string, emit EmitFunc) {
	entry, ok := p.parse(line)
	if !ok {
		return
	}
	p.mu.Lock()
	f := p.filter
	p.mu.Unlock()
	if f.Process != "" && entry.Process != f.Process {
		return
	}
	if f.Exclude != "" && containsFold(entry.Message, f.Exclude) {
		return
	}
	entry.Source = p.source
	if entry.DeviceUDID == "" {
		entry.DeviceUDID = p.udid
	}
	emit(entry)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func drainStderr(name string, r io.Reader) {
	reader := bufio.NewReaderSize(r, 16*1024)
	for {
		line, _, err := readBoundedLine(reader)
		if len(line) > 0 {
			slog.Debug("Adapter stderr", "adapter", name, "line", string(line))
		}
		if err != nil {
			return
		}
	}
}
