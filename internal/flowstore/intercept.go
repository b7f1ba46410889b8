package flowstore

import (
	"context"
	"sync"
	"time"

	"github.com/quernd/quern/internal/apierr"
)

// HeldAutoRelease is the per-flow deadline after which a held flow is
// released unmodified, so a wedged client never blocks traffic forever.
const HeldAutoRelease = 30 * time.Second

// ReleaseFunc posts a release (with optional request overrides) back to the
// addon process. nil mods means "continue unmodified".
type ReleaseFunc func(flowID string, mods *Modifications) error

// heldFlow is one queued in-flight flow.
type heldFlow struct {
	id       string
	heldAt   time.Time
	deadline time.Time
	timer    *time.Timer
}

// Intercept holds the single active filter expression and the FIFO queue of
// in-flight flows the addon paused against it.
type Intercept struct {
	store *Store

	mu      sync.Mutex
	pattern string
	held    []*heldFlow
	release ReleaseFunc
	changed chan struct{} // closed+replaced whenever the queue gains an entry
}

func newIntercept(s *Store) *Intercept {
	return &Intercept{
		store:   s,
		changed: make(chan struct{}),
		release: func(string, *Modifications) error { return nil },
	}
}

// SetReleaseFunc wires the addon callback used to resume held flows.
func (ic *Intercept) SetReleaseFunc(fn ReleaseFunc) {
	ic.mu.Lock()
	ic.release = fn
	ic.mu.Unlock()
}

// Pattern returns the active filter, "" when interception is off.
func (ic *Intercept) Pattern() string {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.pattern
}

// SetPattern activates a filter expression (mitmproxy filter syntax; matching
// happens in the addon). An empty pattern clears interception and releases
// everything currently held.
func (ic *Intercept) SetPattern(pattern string) {
	ic.mu.Lock()
	ic.pattern = pattern
	ic.mu.Unlock()
	if pattern == "" {
		ic.ReleaseAll()
	}
}

// hold queues a flow the addon paused. Each held flow gets an auto-release
// deadline.
func (ic *Intercept) hold(flowID string) {
	now := time.Now()
	h := &heldFlow{id: flowID, heldAt: now, deadline: now.Add(HeldAutoRelease)}
	h.timer = time.AfterFunc(HeldAutoRelease, func() {
		// Deadline hit: release unmodified.
		_, _ = ic.Release(flowID, nil)
	})

	ic.mu.Lock()
	ic.held = append(ic.held, h)
	close(ic.changed)
	ic.changed = make(chan struct{})
	ic.mu.Unlock()
}

// dropHeld removes a flow from the queue without posting a release (the flow
// completed on its own, e.g. the client disconnected).
func (ic *Intercept) dropHeld(flowID string) {
	ic.mu.Lock()
	for i, h := range ic.held {
		if h.id == flowID {
			h.timer.Stop()
			ic.held = append(ic.held[:i], ic.held[i+1:]...)
			break
		}
	}
	ic.mu.Unlock()
}

// HeldInfo describes one queued flow.
type HeldInfo struct {
	Flow     Flow      `json:"flow"`
	HeldAt   time.Time `json:"heldAt"`
	Deadline time.Time `json:"deadline"`
}

// Held returns the queue in FIFO order.
func (ic *Intercept) Held() []HeldInfo {
	ic.mu.Lock()
	ids := make([]*heldFlow, len(ic.held))
	copy(ids, ic.held)
	ic.mu.Unlock()

	out := make([]HeldInfo, 0, len(ids))
	for _, h := range ids {
		f, err := ic.store.Get(h.id)
		if err != nil {
			continue
		}
		out = append(out, HeldInfo{Flow: *f, HeldAt: h.heldAt, Deadline: h.deadline})
	}
	return out
}

// WaitHeld long-polls until at least one flow is held or the timeout
// elapses. Timeouts and cancellation return an empty list, never an error.
func (ic *Intercept) WaitHeld(ctx context.Context, timeout time.Duration) []HeldInfo {
	deadline := time.Now().Add(timeout)
	for {
		if held := ic.Held(); len(held) > 0 {
			return held
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		ic.mu.Lock()
		changed := ic.changed
		ic.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		case <-time.After(remaining):
			return nil
		}
	}
}

// Release pops a held flow and posts the release to the addon with optional
// request overrides.
func (ic *Intercept) Release(flowID string, mods *Modifications) (*Flow, error) {
	ic.mu.Lock()
	var found *heldFlow
	for i, h := range ic.held {
		if h.id == flowID {
			found = h
			ic.held = append(ic.held[:i], ic.held[i+1:]...)
			break
		}
	}
	release := ic.release
	ic.mu.Unlock()

	if found == nil {
		return nil, apierr.New(apierr.NotFound, "flow %s is not held", flowID)
	}
	found.timer.Stop()

	if err := release(flowID, mods); err != nil {
		return nil, apierr.Wrap(apierr.SubprocessFailed, err, "posting release to proxy addon")
	}

	// Reflect the overrides on the stored (still-mutable) flow so later
	// queries show what actually went upstream.
	if mods != nil {
		ic.store.mu.Lock()
		if f, ok := ic.store.flows[flowID]; ok {
			applyModifications(f, mods)
		}
		ic.store.mu.Unlock()
	}
	return ic.store.Get(flowID)
}

// ReleaseAll releases every held flow unmodified.
func (ic *Intercept) ReleaseAll() {
	ic.mu.Lock()
	held := ic.held
	ic.held = nil
	release := ic.release
	ic.mu.Unlock()

	for _, h := range held {
		h.timer.Stop()
		_ = release(h.id, nil)
	}
}

func applyModifications(f *Flow, mods *Modifications) {
	if mods.Method != "" {
		f.Request.Method = mods.Method
	}
	if mods.URL != "" {
		f.Request.Path = mods.URL
	}
	if mods.Body != nil {
		f.Request.Body = *mods.Body
	}
	if len(mods.Headers) > 0 {
		if f.Request.Headers == nil {
			f.Request.Headers = make(map[string]string, len(mods.Headers))
		}
		for k, v := range mods.Headers {
			f.Request.Headers[k] = v
		}
	}
}
