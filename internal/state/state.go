// Package state owns the two files that make a Quern instance discoverable:
// the persistent API key and the single-instance state file.
package state

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quernd/quern/internal/config"
)

// ServerState describes the one running Quern instance. It is published
// atomically after the HTTP listener is bound and removed on clean exit.
type ServerState struct {
	PID           int       `json:"pid"`
	Port          int       `json:"port"`
	ProxyPort     int       `json:"proxyPort"`
	ProxyEnabled  bool      `json:"proxyEnabled"`
	ProxyStatus   string    `json:"proxyStatus,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	APIKey        string    `json:"apiKey"`
	ActiveDevices []string  `json:"activeDevices,omitempty"`
}

// Store reads and writes the state file and API key under a Quern directory.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at the default Quern directory.
func NewStore() (*Store, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// NewStoreWithDir creates a Store rooted at dir (for testing).
func NewStoreWithDir(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) statePath() string  { return filepath.Join(s.dir, config.StateFile) }
func (s *Store) apiKeyPath() string { return filepath.Join(s.dir, config.APIKeyFile) }

// APIKey returns the persistent API key, generating a new random 32-byte hex
// token on first use. The key file is created with 0600 permissions.
func (s *Store) APIKey() (string, error) {
	data, err := os.ReadFile(s.apiKeyPath())
	if err == nil {
		key := string(trimNewline(data))
		if key != "" {
			return key, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("reading api key: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	key := hex.EncodeToString(buf)
	if err := config.WriteFileAtomic(s.apiKeyPath(), []byte(key+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing api key: %w", err)
	}
	return key, nil
}

// Publish writes the state file atomically.
func (s *Store) Publish(st ServerState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	data = append(data, '\n')
	if err := config.WriteFileAtomic(s.statePath(), data, 0o600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// Load reads the state file. A missing, empty, or unparseable file means
// "no instance" and returns (nil, nil): readers must tolerate partial reads.
func (s *Store) Load() (*ServerState, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var st ServerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, nil
	}
	if st.PID == 0 || st.Port == 0 {
		return nil, nil
	}
	return &st, nil
}

// Clear removes the state file. Missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.statePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing state file: %w", err)
	}
	return nil
}

// PIDAlive reports whether a process with the given PID exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
