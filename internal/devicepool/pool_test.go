package devicepool

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quernd/quern/internal/apierr"
)

// fakeDiscoverer serves a fixed inventory and counts calls.
type fakeDiscoverer struct {
	mu    sync.Mutex
	recs  []Record
	calls int
	err   error
}

func (f *fakeDiscoverer) Discover() ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]Record(nil), f.recs...), nil
}

func (f *fakeDiscoverer) set(recs []Record) {
	f.mu.Lock()
	f.recs = recs
	f.mu.Unlock()
}

func newTestPool(t *testing.T, recs ...Record) (*Pool, *fakeDiscoverer) {
	t.Helper()
	disc := &fakeDiscoverer{recs: recs}
	p := New(filepath.Join(t.TempDir(), "device-pool.json"), disc)
	return p, disc
}

func sim(udid, name, os string, booted bool) Record {
	state := "Shutdown"
	if booted {
		state = "Booted"
	}
	return Record{UDID: udid, Name: name, Family: "iPhone", OSVersion: os, Type: TypeSimulator, BootState: state}
}

func TestClaimAndRelease(t *testing.T) {
	p, _ := newTestPool(t, sim("AAA", "iPhone 16", "18.2", true))

	rec, err := p.Claim(Criteria{UDID: "AAA"}, "s1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !rec.Claimed || rec.SessionID != "s1" || rec.ClaimedAt == nil {
		t.Errorf("claimed record = %+v", rec)
	}

	// Idempotent re-claim by the same session.
	if _, err := p.Claim(Criteria{UDID: "AAA"}, "s1"); err != nil {
		t.Errorf("re-claim by owner: %v", err)
	}

	// Other sessions get Conflict.
	if _, err := p.Claim(Criteria{UDID: "AAA"}, "s2"); apierr.KindOf(err) != apierr.Conflict {
		t.Errorf("claim by s2 = %v, want Conflict", err)
	}

	// Release validates the session.
	if _, err := p.Release("AAA", "s2"); apierr.KindOf(err) != apierr.Conflict {
		t.Errorf("release by s2 = %v, want Conflict", err)
	}
	rel, err := p.Release("AAA", "s1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if rel.Claimed {
		t.Error("record still claimed after release")
	}

	// Releasing a free device is idempotent.
	if _, err := p.Release("AAA", ""); err != nil {
		t.Errorf("release of free device: %v", err)
	}
}

func TestConcurrentClaimExactlyOneWins(t *testing.T) {
	p, _ := newTestPool(t, sim("AAA", "iPhone 16", "18.2", true))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, session := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(i int, session string) {
			defer wg.Done()
			_, errs[i] = p.Claim(Criteria{NamePattern: "iPhone"}, session)
		}(i, session)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case apierr.KindOf(err) == apierr.Conflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d, want exactly one of each", wins, conflicts)
	}

	// After the winner releases, a third session succeeds.
	if _, err := p.ReleaseSession("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ReleaseSession("s2"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Claim(Criteria{NamePattern: "iPhone"}, "s3"); err != nil {
		t.Errorf("claim by s3 after release: %v", err)
	}
}

func TestClaimedUDIDs(t *testing.T) {
	p, _ := newTestPool(t,
		sim("BBB", "iPhone 16 Pro", "18.2", true),
		sim("AAA", "iPhone 16", "18.2", true),
		sim("CCC", "iPhone 15", "17.5", false),
	)

	udids, err := p.ClaimedUDIDs()
	if err != nil {
		t.Fatalf("ClaimedUDIDs: %v", err)
	}
	if len(udids) != 0 {
		t.Errorf("claimed = %v, want none before any claim", udids)
	}

	if _, err := p.Claim(Criteria{UDID: "BBB"}, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Claim(Criteria{UDID: "AAA"}, "s2"); err != nil {
		t.Fatal(err)
	}
	udids, err = p.ClaimedUDIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(udids) != 2 || udids[0] != "AAA" || udids[1] != "BBB" {
		t.Errorf("claimed = %v, want [AAA BBB] sorted", udids)
	}

	if _, err := p.Release("BBB", "s1"); err != nil {
		t.Fatal(err)
	}
	udids, err = p.ClaimedUDIDs()
	if err != nil {
		t.Fatal(err)
	}
	if len(udids) != 1 || udids[0] != "AAA" {
		t.Errorf("claimed after release = %v, want [AAA]", udids)
	}
}

func TestClaimByCriteriaPrefersAvailable(t *testing.T) {
	p, _ := newTestPool(t,
		sim("AAA", "iPhone 16", "18.2", true),
		sim("BBB", "iPhone 16 Pro", "18.2", true),
	)
	if _, err := p.Claim(Criteria{UDID: "AAA"}, "s1"); err != nil {
		t.Fatal(err)
	}
	rec, err := p.Claim(Criteria{Family: "iPhone"}, "s2")
	if err != nil {
		t.Fatalf("criteria claim: %v", err)
	}
	if rec.UDID != "BBB" {
		t.Errorf("claimed %s, want the available BBB", rec.UDID)
	}
}

func TestClaimUnknownUDID(t *testing.T) {
	p, _ := newTestPool(t, sim("AAA", "iPhone 16", "18.2", true))
	if _, err := p.Claim(Criteria{UDID: "ZZZ"}, "s1"); apierr.KindOf(err) != apierr.NotFound {
		t.Errorf("unknown udid = %v, want NotFound", err)
	}
}

func TestCleanupReleasesStaleClaims(t *testing.T) {
	p, _ := newTestPool(t, sim("AAA", "iPhone 16", "18.2", true), sim("BBB", "iPhone 15", "17.5", false))
	clock := time.Now()
	p.now = func() time.Time { return clock }

	if _, err := p.Claim(Criteria{UDID: "AAA"}, "old"); err != nil {
		t.Fatal(err)
	}
	clock = clock.Add(31 * time.Minute)
	if _, err := p.Claim(Criteria{UDID: "BBB"}, "fresh"); err != nil {
		t.Fatal(err)
	}

	released, err := p.Cleanup(0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(released) != 1 || released[0] != "AAA" {
		t.Errorf("released = %v, want [AAA]", released)
	}
	rec, err := p.Get("BBB")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Claimed {
		t.Error("fresh claim must survive cleanup")
	}
}

func TestRefreshMarksVanishedStale(t *testing.T) {
	p, disc := newTestPool(t, sim("AAA", "iPhone 16", "18.2", true), sim("BBB", "iPhone 15", "17.5", false))
	clock := time.Now()
	p.now = func() time.Time { return clock }

	if err := p.Refresh(true); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// BBB vanishes from discovery; it stays in the pool, marked stale.
	disc.set([]Record{sim("AAA", "iPhone 16", "18.2", false)})
	clock = clock.Add(time.Minute)
	if err := p.Refresh(true); err != nil {
		t.Fatal(err)
	}

	aaa, err := p.Get("AAA")
	if err != nil {
		t.Fatal(err)
	}
	if aaa.BootState != "Shutdown" || aaa.Stale {
		t.Errorf("AAA = %+v, want refreshed boot state and not stale", aaa)
	}
	bbb, err := p.Get("BBB")
	if err != nil {
		t.Fatal(err)
	}
	if !bbb.Stale {
		t.Error("vanished device must be marked stale")
	}

	// Stale records never satisfy criteria claims.
	if _, err := p.Claim(Criteria{NamePattern: "iPhone 15"}, "s1"); apierr.KindOf(err) != apierr.NotFound {
		t.Errorf("claim of stale device = %v, want NotFound", err)
	}
}

func TestRefreshCache(t *testing.T) {
	p, disc := newTestPool(t, sim("AAA", "iPhone 16", "18.2", true))
	clock := time.Now()
	p.now = func() time.Time { return clock }

	if err := p.Refresh(false); err != nil {
		t.Fatal(err)
	}
	if err := p.Refresh(false); err != nil {
		t.Fatal(err)
	}
	if disc.calls != 1 {
		t.Errorf("discovery calls = %d, want 1 (cached)", disc.calls)
	}

	clock = clock.Add(3 * time.Second)
	if err := p.Refresh(false); err != nil {
		t.Fatal(err)
	}
	if disc.calls != 2 {
		t.Errorf("discovery calls = %d, want 2 after cache expiry", disc.calls)
	}
}

func TestPoolPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device-pool.json")
	disc := &fakeDiscoverer{recs: []Record{sim("AAA", "iPhone 16", "18.2", true)}}

	p1 := New(path, disc)
	if _, err := p1.Claim(Criteria{UDID: "AAA"}, "s1"); err != nil {
		t.Fatal(err)
	}

	// A second pool over the same file sees the claim.
	p2 := New(path, disc)
	rec, err := p2.Get("AAA")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Claimed || rec.SessionID != "s1" {
		t.Errorf("persisted record = %+v", rec)
	}
}
