package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the local capture settings persisted at ~/.quern/config.json.
// Zero values mean "use the built-in default"; Normalize fills them in.
type Config struct {
	ServerPort    int    `json:"serverPort,omitempty"`
	ProxyPort     int    `json:"proxyPort,omitempty"`
	RingCapacity  int    `json:"ringCapacity,omitempty"`
	FlowCapacity  int    `json:"flowCapacity,omitempty"`
	DedupWindowMS int    `json:"dedupWindowMs,omitempty"`
	BodyLimit     int    `json:"bodyLimit,omitempty"`
	CrashDir      string `json:"crashDir,omitempty"`
	DefaultUDID   string `json:"defaultSimulator,omitempty"`
}

// Built-in defaults.
const (
	DefaultServerPort   = 9100
	DefaultProxyPort    = 9101
	DefaultRingCapacity = 10000
	DefaultFlowCapacity = 10000
	DefaultDedupWindow  = 30000 // ms
	DefaultBodyLimit    = 64 * 1024
	PortScanRange       = 32
)

// Normalize returns a copy with zero fields replaced by defaults.
func (c Config) Normalize() Config {
	if c.ServerPort == 0 {
		c.ServerPort = DefaultServerPort
	}
	if c.ProxyPort == 0 {
		c.ProxyPort = DefaultProxyPort
	}
	if c.RingCapacity == 0 {
		c.RingCapacity = DefaultRingCapacity
	}
	if c.FlowCapacity == 0 {
		c.FlowCapacity = DefaultFlowCapacity
	}
	if c.DedupWindowMS == 0 {
		c.DedupWindowMS = DefaultDedupWindow
	}
	if c.BodyLimit == 0 {
		c.BodyLimit = DefaultBodyLimit
	}
	if c.CrashDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.CrashDir = filepath.Join(home, "Library", "Logs", "DiagnosticReports")
		}
	}
	return c
}

// Store reads and writes the Quern config file.
type Store struct {
	path string
}

// NewStore creates a Store rooted at the default Quern directory.
func NewStore() (*Store, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return &Store{path: filepath.Join(dir, ConfigFile)}, nil
}

// NewStoreWithPath creates a Store with a custom path (for testing).
func NewStoreWithPath(path string) *Store {
	return &Store{path: path}
}

// Load reads the config file and returns the parsed config.
// Returns an empty config if the file does not exist.
func (s *Store) Load() (Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to disk atomically, creating parent directories if
// needed. It writes to a temporary file first, then renames to avoid partial
// writes.
func (s *Store) Save(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	data = append(data, '\n')
	return WriteFileAtomic(s.path, data, 0o644)
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	closed := false
	defer func() {
		if !closed {
			_ = tmp.Close()
		}
		// On success tmpPath no longer exists (it was renamed), so Remove
		// is a harmless no-op.
		_ = os.Remove(tmpPath)
	}()

	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	closed = true
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}
