package devicepool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quernd/quern/internal/apierr"
)

// ResolveOptions steer the higher-level resolve operation.
type ResolveOptions struct {
	Criteria    Criteria      `json:"criteria"`
	Boot        bool          `json:"boot,omitempty"`        // boot a shutdown candidate
	Claim       bool          `json:"claim,omitempty"`       // claim the result
	SessionID   string        `json:"sessionId,omitempty"`   // required when Claim is set
	WaitTimeout time.Duration `json:"waitTimeout,omitempty"` // wait for a release if all are claimed
}

const resolvePollInterval = 500 * time.Millisecond

// Resolve finds (and optionally boots, waits for, and claims) one device
// matching the criteria. Waiting observes ctx cancellation. The pool's file
// lock is never held across the boot subprocess: the candidate is copied out,
// booted, then re-read for the claim.
func (p *Pool) Resolve(ctx context.Context, booter Booter, opts ResolveOptions) (*Record, error) {
	if opts.Claim && opts.SessionID == "" {
		return nil, apierr.New(apierr.InvalidArgument, "session id is required to claim")
	}

	deadline := p.now().Add(opts.WaitTimeout)
	for {
		rec, err := p.resolveOnce(ctx, booter, opts)
		if err == nil {
			return rec, nil
		}
		// Only "all candidates claimed" is worth waiting out.
		if apierr.KindOf(err) != apierr.Conflict || opts.WaitTimeout <= 0 || p.now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.Conflict, ctx.Err(), "wait for device release cancelled")
		case <-time.After(resolvePollInterval):
		}
	}
}

func (p *Pool) resolveOnce(ctx context.Context, booter Booter, opts ResolveOptions) (*Record, error) {
	if err := p.Refresh(false); err != nil {
		return nil, apierr.Wrap(apierr.SubprocessFailed, err, "device discovery failed")
	}

	var candidate *Record
	err := p.withLock(func(devices map[string]*Record) (bool, error) {
		r, err := selectCandidate(devices, opts.Criteria)
		if err != nil {
			return false, err
		}
		if r.Claimed && (!opts.Claim || r.SessionID != opts.SessionID) {
			return false, apierr.New(apierr.Conflict, "device %s already claimed by session %s", r.UDID, r.SessionID)
		}
		cp := *r
		candidate = &cp
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	if opts.Boot && candidate.BootState != "Booted" && candidate.Type == TypeSimulator {
		bootCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		err := booter.Boot(bootCtx, candidate.UDID)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, apierr.Wrap(apierr.SubprocessTimeout, err, "booting %s timed out", candidate.UDID)
			}
			return nil, apierr.Wrap(apierr.SubprocessFailed, err, "booting %s failed", candidate.UDID)
		}
		if err := p.Refresh(true); err != nil {
			return nil, apierr.Wrap(apierr.SubprocessFailed, err, "refresh after boot failed")
		}
	}

	if !opts.Claim {
		return p.Get(candidate.UDID)
	}
	return p.Claim(Criteria{UDID: candidate.UDID}, opts.SessionID)
}

// EnsureResult reports one device prepared by Ensure.
type EnsureResult struct {
	Record Record `json:"record"`
	Booted bool   `json:"booted,omitempty"` // booted by this call
	Error  string `json:"error,omitempty"`
}

// Ensure guarantees count ready devices matching the criteria, booting
// shutdown candidates as needed and claiming them when sessionID is set.
// Partial failure is not an error: each slot carries its own result so
// callers can act on the successful subset.
func (p *Pool) Ensure(ctx context.Context, booter Booter, count int, c Criteria, sessionID string) ([]EnsureResult, error) {
	if count <= 0 {
		return nil, apierr.New(apierr.InvalidArgument, "count must be positive")
	}
	if err := p.Refresh(false); err != nil {
		return nil, apierr.Wrap(apierr.SubprocessFailed, err, "device discovery failed")
	}

	var candidates []Record
	err := p.withLock(func(devices map[string]*Record) (bool, error) {
		for _, r := range devices {
			if matchesCriteria(r, c) && (r.Available() || (sessionID != "" && r.SessionID == sessionID)) {
				candidates = append(candidates, *r)
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) < count {
		return nil, apierr.New(apierr.NotFound, "only %d of %d matching devices available", len(candidates), count)
	}

	// Booted candidates first so we boot as few devices as possible.
	sortRecordsBootedFirst(candidates)

	results := make([]EnsureResult, 0, count)
	for _, cand := range candidates[:count] {
		res := EnsureResult{Record: cand}
		if cand.BootState != "Booted" && cand.Type == TypeSimulator {
			bootCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			err := booter.Boot(bootCtx, cand.UDID)
			cancel()
			if err != nil {
				res.Error = fmt.Sprintf("boot: %v", err)
				results = append(results, res)
				continue
			}
			res.Booted = true
		}
		if sessionID != "" {
			rec, err := p.Claim(Criteria{UDID: cand.UDID}, sessionID)
			if err != nil {
				res.Error = fmt.Sprintf("claim: %v", err)
				results = append(results, res)
				continue
			}
			res.Record = *rec
		}
		results = append(results, res)
	}
	return results, nil
}

func sortRecordsBootedFirst(recs []Record) {
	booted := func(r Record) int {
		if r.BootState == "Booted" {
			return 0
		}
		return 1
	}
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && (booted(recs[j]) < booted(recs[j-1]) ||
			(booted(recs[j]) == booted(recs[j-1]) && recs[j].Name < recs[j-1].Name)); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}
