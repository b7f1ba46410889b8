package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quernd/quern/internal/config"
)

func TestAPIKeyCreatedOnceWithTightMode(t *testing.T) {
	dir := t.TempDir()
	s := NewStoreWithDir(dir)

	key, err := s.APIKey()
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if len(key) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(key))
	}

	info, err := os.Stat(filepath.Join(dir, config.APIKeyFile))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	again, err := s.APIKey()
	if err != nil {
		t.Fatal(err)
	}
	if again != key {
		t.Error("second call must return the persisted key")
	}
}

func TestPublishLoadClear(t *testing.T) {
	s := NewStoreWithDir(t.TempDir())

	st, err := s.Load()
	if err != nil || st != nil {
		t.Fatalf("Load before publish = (%v, %v), want (nil, nil)", st, err)
	}

	want := ServerState{PID: os.Getpid(), Port: 9100, ProxyPort: 9101, StartedAt: time.Now().UTC(), APIKey: "k"}
	if err := s.Publish(want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil || got.PID != want.PID || got.Port != want.Port {
		t.Errorf("Load = %+v, want %+v", got, want)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if st, _ := s.Load(); st != nil {
		t.Error("state survives Clear")
	}
	if err := s.Clear(); err != nil {
		t.Errorf("second Clear must be a no-op: %v", err)
	}
}

func TestLoadToleratesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStoreWithDir(dir)

	for _, content := range []string{"", "{not json", `{"pid": 0}`} {
		if err := os.WriteFile(filepath.Join(dir, config.StateFile), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		st, err := s.Load()
		if err != nil {
			t.Errorf("Load(%q) errored: %v", content, err)
		}
		if st != nil {
			t.Errorf("Load(%q) = %+v, want nil", content, st)
		}
	}
}

func TestPIDAlive(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Error("own pid must be alive")
	}
	if PIDAlive(0) || PIDAlive(-1) {
		t.Error("non-positive pids are never alive")
	}
	// A pid far beyond pid_max cannot exist.
	if PIDAlive(1 << 30) {
		t.Error("absurd pid reported alive")
	}
}
