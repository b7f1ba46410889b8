package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir returns the Quern home directory (~/.quern), creating it if needed.
// The QUERN_HOME environment variable overrides the default, which keeps
// tests and parallel daemons out of the real home directory.
func Dir() (string, error) {
	if d := os.Getenv("QUERN_HOME"); d != "" {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", fmt.Errorf("creating quern directory: %w", err)
		}
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	d := filepath.Join(home, ".quern")
	if err := os.MkdirAll(d, 0o755); err != nil {
		return "", fmt.Errorf("creating quern directory: %w", err)
	}
	return d, nil
}

// Well-known file names under Dir().
const (
	APIKeyFile     = "api-key"
	StateFile      = "state.json"
	DevicePoolFile = "device-pool.json"
	CertStateFile  = "cert-state.json"
	ConfigFile     = "config.json"
	RulesFile      = "rules.yaml"
	ServerLogFile  = "server.log"
	ProxyCtlFile   = "proxy-control.json"
)
