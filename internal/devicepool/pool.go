package devicepool

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/quernd/quern/internal/apierr"
	"github.com/quernd/quern/internal/config"
)

// StaleClaimAge is how old a claim may grow before cleanup releases it.
const StaleClaimAge = 30 * time.Minute

// lockTimeout bounds how long a mutation waits for the cross-process flock.
const lockTimeout = 5 * time.Second

// Pool is the file-locked persistent device registry. The in-memory map is a
// cache of the persisted view; every mutation re-reads, mutates, and writes
// back under the flock so cooperating processes never clobber each other.
type Pool struct {
	path string

	mu      sync.Mutex
	devices map[string]*Record

	discover Discoverer
	cacheAge time.Duration
	lastScan time.Time
	now      func() time.Time
}

// New creates a Pool persisting at path, discovering devices via d.
func New(path string, d Discoverer) *Pool {
	return &Pool{
		path:     path,
		devices:  make(map[string]*Record),
		discover: d,
		cacheAge: 2 * time.Second,
		now:      time.Now,
	}
}

// NewDefault creates a Pool at the standard location with simctl discovery.
func NewDefault() (*Pool, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	return New(dir+"/"+config.DevicePoolFile, NewSimctlDiscoverer()), nil
}

// withLock acquires the advisory flock on the pool file, loads the persisted
// view, runs fn, and writes back if fn mutated. The lock never spans platform
// tool invocations: callers copy what they need out and call back in.
func (p *Pool) withLock(fn func(devices map[string]*Record) (mutated bool, err error)) error {
	lock, err := acquireFlock(p.path+".lock", lockTimeout)
	if err != nil {
		return err
	}
	defer lock.release()

	devices, err := p.loadLocked()
	if err != nil {
		return err
	}

	mutated, err := fn(devices)
	if mutated {
		if werr := p.saveLocked(devices); werr != nil {
			if err == nil {
				err = werr
			}
		} else {
			p.mu.Lock()
			p.devices = devices
			p.mu.Unlock()
		}
	}
	return err
}

func (p *Pool) loadLocked() (map[string]*Record, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]*Record), nil
		}
		return nil, fmt.Errorf("reading device pool: %w", err)
	}
	var pf poolFile
	if err := json.Unmarshal(data, &pf); err != nil {
		// Corrupt pool file: start fresh rather than wedging every claim.
		slog.Warn("Device pool file unparseable, resetting", "path", p.path, "err", err)
		return make(map[string]*Record), nil
	}
	if pf.Version > poolFileVersion {
		return nil, fmt.Errorf("device pool file version %d is newer than supported %d", pf.Version, poolFileVersion)
	}
	if pf.Devices == nil {
		pf.Devices = make(map[string]*Record)
	}
	return pf.Devices, nil
}

func (p *Pool) saveLocked(devices map[string]*Record) error {
	pf := poolFile{Version: poolFileVersion, UpdatedAt: p.now(), Devices: devices}
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling device pool: %w", err)
	}
	data = append(data, '\n')
	return config.WriteFileAtomic(p.path, data, 0o644)
}

// List returns every record, refreshed if the discovery cache expired,
// sorted by name.
func (p *Pool) List() ([]Record, error) {
	if err := p.Refresh(false); err != nil {
		slog.Debug("Device refresh failed, serving persisted view", "err", err)
	}
	var out []Record
	err := p.withLock(func(devices map[string]*Record) (bool, error) {
		for _, r := range devices {
			out = append(out, *r)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns one record by UDID.
func (p *Pool) Get(udid string) (*Record, error) {
	var found *Record
	err := p.withLock(func(devices map[string]*Record) (bool, error) {
		if r, ok := devices[udid]; ok {
			cp := *r
			found = &cp
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, apierr.New(apierr.NotFound, "device %s not known", udid)
	}
	return found, nil
}

// Claim marks a matching device as claimed by sessionID. Exact UDID wins;
// otherwise the first available record matching the criteria. A device
// already claimed by another session yields Conflict.
func (p *Pool) Claim(c Criteria, sessionID string) (*Record, error) {
	if sessionID == "" {
		return nil, apierr.New(apierr.InvalidArgument, "session id is required")
	}
	if err := p.Refresh(false); err != nil {
		slog.Debug("Device refresh before claim failed", "err", err)
	}

	var claimed *Record
	err := p.withLock(func(devices map[string]*Record) (bool, error) {
		candidate, err := selectCandidate(devices, c)
		if err != nil {
			return false, err
		}
		if candidate.Claimed {
			if candidate.SessionID == sessionID {
				cp := *candidate
				claimed = &cp
				return false, nil // idempotent re-claim by the same session
			}
			return false, apierr.New(apierr.Conflict, "device %s already claimed by session %s",
				candidate.UDID, candidate.SessionID)
		}
		now := p.now()
		candidate.Claimed = true
		candidate.SessionID = sessionID
		candidate.ClaimedAt = &now
		cp := *candidate
		claimed = &cp
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Release clears the claim on a device. When sessionID is non-empty it must
// match the claiming session.
func (p *Pool) Release(udid, sessionID string) (*Record, error) {
	var released *Record
	err := p.withLock(func(devices map[string]*Record) (bool, error) {
		r, ok := devices[udid]
		if !ok {
			return false, apierr.New(apierr.NotFound, "device %s not known", udid)
		}
		if !r.Claimed {
			cp := *r
			released = &cp
			return false, nil // already free: idempotent
		}
		if sessionID != "" && r.SessionID != sessionID {
			return false, apierr.New(apierr.Conflict, "device %s is claimed by session %s, not %s",
				udid, r.SessionID, sessionID)
		}
		r.Claimed = false
		r.SessionID = ""
		r.ClaimedAt = nil
		cp := *r
		released = &cp
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// ClaimedUDIDs returns the UDIDs of every claimed device, sorted.
func (p *Pool) ClaimedUDIDs() ([]string, error) {
	var out []string
	err := p.withLock(func(devices map[string]*Record) (bool, error) {
		for _, r := range devices {
			if r.Claimed {
				out = append(out, r.UDID)
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ReleaseSession releases every claim held by sessionID. Best effort; used
// at daemon shutdown.
func (p *Pool) ReleaseSession(sessionID string) (int, error) {
	released := 0
	err := p.withLock(func(devices map[string]*Record) (bool, error) {
		for _, r := range devices {
			if r.Claimed && r.SessionID == sessionID {
				r.Claimed = false
				r.SessionID = ""
				r.ClaimedAt = nil
				released++
			}
		}
		return released > 0, nil
	})
	return released, err
}

// Cleanup releases claims older than maxAge (StaleClaimAge when zero) and
// returns the released UDIDs.
func (p *Pool) Cleanup(maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		maxAge = StaleClaimAge
	}
	var released []string
	err := p.withLock(func(devices map[string]*Record) (bool, error) {
		now := p.now()
		for _, r := range devices {
			if r.Claimed && r.ClaimedAt != nil && now.Sub(*r.ClaimedAt) > maxAge {
				r.Claimed = false
				r.SessionID = ""
				r.ClaimedAt = nil
				released = append(released, r.UDID)
			}
		}
		return len(released) > 0, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(released)
	return released, nil
}

// Refresh reconciles the pool against platform tools. Results are cached for
// ~2s unless force is set. New UDIDs are added; vanished ones are retained
// but marked stale; boot state and last-seen are updated. The discovery call
// happens outside the flock.
func (p *Pool) Refresh(force bool) error {
	p.mu.Lock()
	if !force && p.now().Sub(p.lastScan) < p.cacheAge {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	discovered, err := p.discover.Discover()
	if err != nil {
		return fmt.Errorf("discovering devices: %w", err)
	}

	p.mu.Lock()
	p.lastScan = p.now()
	p.mu.Unlock()

	return p.withLock(func(devices map[string]*Record) (bool, error) {
		now := p.now()
		present := make(map[string]bool, len(discovered))
		for _, d := range discovered {
			present[d.UDID] = true
			r, ok := devices[d.UDID]
			if !ok {
				d.LastSeen = now
				cp := d
				devices[d.UDID] = &cp
				continue
			}
			r.Name = d.Name
			r.Family = d.Family
			r.OSVersion = d.OSVersion
			r.Type = d.Type
			r.BootState = d.BootState
			r.LastSeen = now
			r.Stale = false
		}
		for udid, r := range devices {
			if !present[udid] {
				r.Stale = true
			}
		}
		return true, nil
	})
}

// selectCandidate finds the record to claim. Exact-UDID criteria fail hard on
// unknown devices; pattern criteria fail NotFound only when nothing matches
// at all, and Conflict is reported by the caller when the best match is taken.
func selectCandidate(devices map[string]*Record, c Criteria) (*Record, error) {
	if c.UDID != "" {
		r, ok := devices[c.UDID]
		if !ok {
			return nil, apierr.New(apierr.NotFound, "device %s not known", c.UDID)
		}
		return r, nil
	}

	var matches []*Record
	for _, r := range devices {
		if matchesCriteria(r, c) {
			matches = append(matches, r)
		}
	}
	if len(matches) == 0 {
		return nil, apierr.New(apierr.NotFound, "no device matches the given criteria")
	}
	// Deterministic order: available first, then by name, then UDID.
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Available() != matches[j].Available() {
			return matches[i].Available()
		}
		if matches[i].Name != matches[j].Name {
			return matches[i].Name < matches[j].Name
		}
		return matches[i].UDID < matches[j].UDID
	})
	return matches[0], nil
}

func matchesCriteria(r *Record, c Criteria) bool {
	if r.Stale {
		return false
	}
	if c.NamePattern != "" && !strings.Contains(strings.ToLower(r.Name), strings.ToLower(c.NamePattern)) {
		return false
	}
	if c.Family != "" && !strings.EqualFold(r.Family, c.Family) {
		return false
	}
	if c.OSVersion != "" && !strings.HasPrefix(r.OSVersion, c.OSVersion) {
		return false
	}
	if c.Type != "" && r.Type != c.Type {
		return false
	}
	if c.BootedOnly && r.BootState != "Booted" {
		return false
	}
	return true
}

// flock is a held advisory lock on a file.
type flock struct {
	f *os.File
}

// acquireFlock opens (creating if needed) and exclusively locks path,
// retrying until the timeout. A missed deadline surfaces Conflict rather
// than blocking a handler forever.
func acquireFlock(path string, timeout time.Duration) (*flock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return &flock{f: f}, nil
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) && !errors.Is(err, syscall.EAGAIN) {
			_ = f.Close()
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, apierr.New(apierr.Conflict, "device pool is locked by another process")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (l *flock) release() {
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
}
